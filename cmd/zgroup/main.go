package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgroup/discovery"
	"github.com/ryandielhenn/zephyrgroup/internal/config"
	"github.com/ryandielhenn/zephyrgroup/internal/telemetry"
	"github.com/ryandielhenn/zephyrgroup/pkg/bulk"
	"github.com/ryandielhenn/zephyrgroup/pkg/coord"
	"github.com/ryandielhenn/zephyrgroup/pkg/node"
	"github.com/ryandielhenn/zephyrgroup/pkg/registry"
)

var (
	// Version and GitSHA are set with -ldflags at build time.
	Version = "dev"
	GitSHA  = "unknown"
)

const usage = `usage: zgroup [flags] <command> <args>

commands:
  create <groupFile> <endpointCount>                create each named group once
  start <recordFile> <recordCount> <endpointCount>  join that many records and stay up
  list <endpointCount>                              print existing group names
  close <endpointCount>                             remove all members from all groups
`

func main() {
	v, args, err := config.Load(os.Args[0], os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			fmt.Fprint(os.Stderr, usage)
			return
		}
		fmt.Fprintf(os.Stderr, "Error while parsing configuration: %v\n", err)
		os.Exit(2)
	}
	cfg := config.FromViper(v)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}

	logger, err := cfg.Logger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	telemetry.SetBuildInfo(Version, GitSHA)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, args); err != nil {
		logger.Error("command failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger, args []string) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return errors.New("no command given")
	}
	cmd, args := args[0], args[1:]

	var nums []int
	switch cmd {
	case "create":
		if len(args) != 2 {
			return errors.Errorf("create takes <groupFile> <endpointCount>")
		}
		nums = make([]int, 1)
	case "start":
		if len(args) != 3 {
			return errors.Errorf("start takes <recordFile> <recordCount> <endpointCount>")
		}
		nums = make([]int, 2)
	case "list", "close":
		if len(args) != 1 {
			return errors.Errorf("%s takes <endpointCount>", cmd)
		}
		nums = make([]int, 1)
	default:
		fmt.Fprint(os.Stderr, usage)
		return errors.Errorf("unknown command %q", cmd)
	}
	// the numeric arguments trail the file argument, if any
	offset := len(args) - len(nums)
	for i := range nums {
		n, err := strconv.Atoi(args[offset+i])
		if err != nil || n < 1 {
			return errors.Errorf("%q is not a positive count", args[offset+i])
		}
		nums[i] = n
	}
	endpointCount := nums[len(nums)-1]

	endpoints, err := cfg.EndpointList(endpointCount)
	if err != nil {
		return err
	}
	logger.Info("connecting",
		zap.String("backend", cfg.Backend),
		zap.Strings("endpoints", endpoints))

	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	link, err := discovery.Dial(dialCtx, cfg.Backend, endpoints, cfg.DialOptions(logger)...)
	cancel()
	if err != nil {
		return errors.Wrap(err, "connect")
	}
	defer func() {
		if err := link.Close(); err != nil {
			logger.Warn("close link", zap.Error(err))
		}
	}()

	reg := registry.New(link, cfg.RegistryOptions(logger)...)

	switch cmd {
	case "create":
		return runCreate(ctx, cfg, logger, reg, link, args[0])
	case "start":
		return runStart(ctx, cfg, logger, reg, link, args[0], nums[0], endpoints)
	case "list":
		return runList(ctx, cfg, reg)
	default:
		return runClose(ctx, cfg, reg)
	}
}

func runCreate(ctx context.Context, cfg *config.Config, logger *zap.Logger, reg *registry.Registry, link coord.Link, groupFile string) error {
	names, err := bulk.ReadGroupFile(groupFile)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.OpTimeout)
	defer cancel()
	if err := reg.EnsureRoot(ctx); err != nil {
		return err
	}

	d := bulk.NewDriver(reg, link, bulk.WithConcurrency(cfg.Concurrency), bulk.WithLogger(logger))
	report := d.CreateGroups(ctx, names)
	fmt.Printf("created %d groups, %d already existed\n", report.Succeeded, report.Existing)
	for _, err := range report.Failures {
		fmt.Fprintln(os.Stderr, err)
	}
	if len(report.Failures) > 0 {
		return errors.Errorf("%d groups could not be created", len(report.Failures))
	}
	return nil
}

func runStart(ctx context.Context, cfg *config.Config, logger *zap.Logger, reg *registry.Registry, link coord.Link, recordFile string, recordCount int, endpoints []string) error {
	records, parseErrs, err := bulk.ReadRecordFile(recordFile, recordCount)
	if err != nil {
		return err
	}
	for _, err := range parseErrs {
		fmt.Fprintln(os.Stderr, err)
	}

	opts := []bulk.Option{
		bulk.WithConcurrency(cfg.Concurrency),
		bulk.WithLogger(logger),
		bulk.WithMemberOptions(cfg.MemberOptions(logger)...),
	}
	if cfg.SessionPerMember {
		dial := func(ctx context.Context, order []string) (coord.Link, error) {
			ctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
			defer cancel()
			return discovery.Dial(ctx, cfg.Backend, order, cfg.DialOptions(logger)...)
		}
		opts = append(opts, bulk.WithSessionPerMember(dial, endpoints))
	}
	d := bulk.NewDriver(reg, link, opts...)

	report := d.Join(ctx, records)
	fmt.Printf("joined %d of %d records\n", report.Succeeded, len(records))
	for _, err := range report.Failures {
		fmt.Fprintln(os.Stderr, err)
	}

	var srv *http.Server
	if cfg.HTTPAddr != "" {
		n := node.NewNode(reg, d, cfg.HTTPAddr, logger)
		srv = &http.Server{Addr: cfg.HTTPAddr, Handler: n.Routes(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("http front-end listening", zap.String("addr", n.Addr()))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http front-end stopped", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	logger.Info("leaving groups", zap.Int("members", len(d.Members())))

	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.OpTimeout)
	defer cancel()
	var shutdownErr error
	if srv != nil {
		shutdownErr = srv.Shutdown(closeCtx)
	}
	return multierr.Append(d.Close(closeCtx), shutdownErr)
}

func runList(ctx context.Context, cfg *config.Config, reg *registry.Registry) error {
	ctx, cancel := context.WithTimeout(ctx, cfg.OpTimeout)
	defer cancel()
	names, err := reg.ListGroups(ctx)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Println("no groups")
		return nil
	}
	for _, name := range names {
		fmt.Println(name)
	}
	return nil
}

func runClose(ctx context.Context, cfg *config.Config, reg *registry.Registry) error {
	ctx, cancel := context.WithTimeout(ctx, cfg.OpTimeout)
	defer cancel()
	removed, err := reg.Purge(ctx)
	fmt.Printf("removed %d members\n", removed)
	return err
}
