package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgroup/discovery"
	"github.com/ryandielhenn/zephyrgroup/pkg/bulk"
	"github.com/ryandielhenn/zephyrgroup/pkg/coord"
	"github.com/ryandielhenn/zephyrgroup/pkg/kv"
	"github.com/ryandielhenn/zephyrgroup/pkg/member"
	"github.com/ryandielhenn/zephyrgroup/pkg/registry"
)

func main() {
	backend := pflag.String("backend", "memory", "memory, etcd or consul")
	endpoints := pflag.StringSlice("endpoints", []string{"localhost:2379"}, "backend endpoints")
	n := pflag.IntP("members", "n", 200, "members to join")
	conc := pflag.IntP("concurrency", "c", 32, "joins in flight")
	group := pflag.String("group", "bench", "group to join")
	perMember := pflag.Bool("session-per-member", false, "one session per member")
	timeout := pflag.Duration("timeout", time.Minute, "give up after")
	pflag.Parse()

	logger := zap.NewNop()
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var (
		store *kv.Store
		dial  bulk.Dialer
	)
	if *backend == "memory" {
		store = kv.NewStore()
		dial = func(context.Context, []string) (coord.Link, error) { return store.Connect(), nil }
	} else {
		dial = func(ctx context.Context, order []string) (coord.Link, error) {
			return discovery.Dial(ctx, *backend, order, discovery.WithLogger(logger))
		}
	}

	link, err := dial(ctx, *endpoints)
	if err != nil {
		fmt.Fprintln(os.Stderr, "connect:", err)
		os.Exit(1)
	}
	defer link.Close()

	reg := registry.New(link, registry.WithLogger(logger))
	if err := reg.EnsureRoot(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "root:", err)
		os.Exit(1)
	}
	if _, err := reg.CreateGroup(ctx, *group); err != nil && !errors.Is(err, coord.ErrAlreadyExists) {
		fmt.Fprintln(os.Stderr, "group:", err)
		os.Exit(1)
	}

	records := make([]bulk.Record, 0, *n)
	for i := range *n {
		id := "m" + strconv.Itoa(i)
		records = append(records, bulk.Record{Line: i + 1, Group: *group, ID: id, Payload: []byte(id)})
	}

	opts := []bulk.Option{
		bulk.WithConcurrency(*conc),
		bulk.WithMemberOptions(member.WithLogger(logger)),
	}
	if *perMember {
		opts = append(opts, bulk.WithSessionPerMember(dial, *endpoints))
	}
	d := bulk.NewDriver(reg, link, opts...)

	start := time.Now()
	report := d.Join(ctx, records)
	joined := time.Since(start)
	fmt.Printf("Joined %d members in %s (%.2f joins/s), %d failures\n",
		report.Succeeded, joined, float64(report.Succeeded)/joined.Seconds(), len(report.Failures))

	converged := waitConverged(ctx, start, d.Members(), report.Succeeded)
	fmt.Printf("Views converged in %s (%s after the last join)\n", converged, converged-joined)

	closeStart := time.Now()
	if err := d.Close(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "close:", err)
	}
	fmt.Printf("Left in %s\n", time.Since(closeStart))
}

// waitConverged polls until every member's view holds want members and
// returns the time since start.
func waitConverged(ctx context.Context, start time.Time, members []*member.Member, want int) time.Duration {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		done := true
		for _, m := range members {
			if m.Snapshot().Len() != want {
				done = false
				break
			}
		}
		if done {
			return time.Since(start)
		}
		select {
		case <-ctx.Done():
			return time.Since(start)
		case <-ticker.C:
		}
	}
}
