package member

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/zephyrgroup/internal/telemetry"
	"github.com/ryandielhenn/zephyrgroup/pkg/coord"
)

// Self is the local member a view always shows, even before the store
// reports it back.
type Self interface {
	ID() string
	Data() []byte
	// Active reports whether the member is joining or joined.
	Active() bool
}

// View keeps a locally readable snapshot of a group's members.
//
// Every child notification bumps a generation counter and wakes a single
// refresher goroutine. Notifications arriving while a refresh runs are
// coalesced into the next one, and a snapshot is only published if it was
// built from a generation no older than the one currently published, so
// readers never see the view go back in time.
type View struct {
	link   coord.Link
	group  string
	self   Self
	opts   options
	logger *zap.Logger

	current  *atomic.Pointer[Snapshot]
	notified *atomic.Uint64
	kick     chan struct{}

	mu       sync.Mutex
	started  bool
	closed   bool
	unwatch  func()
	unlisten func()
	stop     context.CancelFunc
	done     chan struct{}
}

// NewView creates a view of groupPath. self may be nil for an observer
// that is not itself a member.
func NewView(link coord.Link, groupPath string, self Self, opts ...Option) *View {
	o := buildOptions(opts)
	return &View{
		link:     link,
		group:    groupPath,
		self:     self,
		opts:     o,
		logger:   o.logger.With(zap.String("group", groupPath)),
		current:  atomic.NewPointer(emptySnapshot),
		notified: atomic.NewUint64(0),
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Start subscribes to the group's child list and schedules the first
// refresh. It does not wait for that refresh.
func (v *View) Start(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	switch {
	case v.closed:
		return coord.ErrClosed
	case v.started:
		return errors.Errorf("view of %s already started", v.group)
	}

	unwatch, err := v.link.WatchChildren(ctx, v.group, v.onEvent)
	if err != nil {
		return errors.Wrapf(err, "watch %s", v.group)
	}
	loopCtx, stop := context.WithCancel(context.Background())
	v.unwatch = unwatch
	v.unlisten = v.link.AddStateListener(v.onState)
	v.stop = stop
	v.started = true

	go v.loop(loopCtx)
	v.trigger()
	return nil
}

// Snapshot returns the latest published snapshot without blocking. The
// local member is added from its handle when the store has not shown it
// yet, and left out once it has left or lost its session.
func (v *View) Snapshot() *Snapshot {
	snap := v.current.Load()
	if v.self == nil {
		return snap
	}
	id := v.self.ID()
	switch active := v.self.Active(); {
	case active && !snap.Contains(id):
		return snap.with(Entry{ID: id, Payload: v.self.Data()})
	case !active && snap.Contains(id):
		return snap.without(id)
	}
	return snap
}

// Refresh schedules a re-list of the group.
func (v *View) Refresh() {
	v.trigger()
}

// Close cancels the subscription and stops the refresher. Registrations
// are not touched. Close is idempotent.
func (v *View) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	started := v.started
	v.mu.Unlock()

	if !started {
		return nil
	}
	v.unwatch()
	v.unlisten()
	v.stop()
	<-v.done
	return nil
}

func (v *View) onEvent(coord.ChildEvent) {
	v.trigger()
}

func (v *View) onState(state coord.SessionState) {
	switch state {
	case coord.StateReconnected:
		// notifications may have been missed while suspended
		v.trigger()
	case coord.StateLost:
		v.logger.Warn("session lost, view is frozen at its last snapshot")
	}
}

func (v *View) trigger() {
	v.notified.Inc()
	select {
	case v.kick <- struct{}{}:
	default:
	}
}

func (v *View) loop(ctx context.Context) {
	defer close(v.done)

	backoff := v.opts.policy.InitialDelay
	for {
		select {
		case <-ctx.Done():
			return
		case <-v.kick:
		}

		gen := v.notified.Load()
		snap, err := v.build(ctx, gen)
		switch {
		case err == nil:
			backoff = v.opts.policy.InitialDelay
			v.publish(snap)
			continue
		case ctx.Err() != nil:
			return
		case errors.Is(err, coord.ErrSessionExpired), errors.Is(err, coord.ErrClosed):
			telemetry.ViewRefreshes.WithLabelValues("failed").Inc()
			v.logger.Warn("view stopped refreshing", zap.Error(err))
			return
		}

		telemetry.ViewRefreshes.WithLabelValues("failed").Inc()
		v.logger.Debug("refresh failed, retrying", zap.Error(err), zap.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(2*backoff, v.opts.policy.MaxDelay)
		v.trigger()
	}
}

type fetched struct {
	entry    Entry
	revision int64
	ok       bool
}

// build lists the group and reads every member's payload. When two nodes
// carry the same id the oldest one is kept, matching the registration
// tiebreak.
func (v *View) build(ctx context.Context, gen uint64) (*Snapshot, error) {
	defer telemetry.ObserveOp("view_refresh", time.Now())

	var children []string
	err := v.opts.policy.Do(ctx, func(ctx context.Context) (err error) {
		children, err = v.link.Children(ctx, v.group)
		return err
	})
	switch {
	case errors.Is(err, coord.ErrNotFound):
		// group was removed
		return newSnapshot(map[string]Entry{}, gen), nil
	case err != nil:
		return nil, err
	}

	results := make([]fetched, len(children))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.opts.fetchLimit)
	for i, child := range children {
		g.Go(func() error {
			path := coord.Join(v.group, child)
			var (
				data []byte
				stat coord.Stat
			)
			err := v.opts.policy.Do(gctx, func(ctx context.Context) (err error) {
				data, stat, err = v.link.Get(ctx, path)
				return err
			})
			switch {
			case errors.Is(err, coord.ErrNotFound):
				// left between the list and the read
				return nil
			case err != nil:
				return err
			}
			results[i] = fetched{
				entry:    Entry{ID: coord.IDFromName(child), Payload: data, Path: path},
				revision: stat.CreateRevision,
				ok:       true,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	entries := make(map[string]Entry, len(results))
	oldest := make(map[string]int64, len(results))
	for _, r := range results {
		if !r.ok {
			continue
		}
		if rev, seen := oldest[r.entry.ID]; seen && rev <= r.revision {
			continue
		}
		entries[r.entry.ID] = r.entry
		oldest[r.entry.ID] = r.revision
	}
	return newSnapshot(entries, gen), nil
}

func (v *View) publish(next *Snapshot) {
	for {
		prev := v.current.Load()
		if next.generation < prev.generation {
			telemetry.ViewRefreshes.WithLabelValues("stale").Inc()
			return
		}
		if v.current.CompareAndSwap(prev, next) {
			telemetry.ViewRefreshes.WithLabelValues("published").Inc()
			telemetry.ViewMembers.WithLabelValues(v.group).Set(float64(next.Len()))
			if added, removed := next.Diff(prev); len(added)+len(removed) > 0 {
				v.logger.Debug("membership changed",
					zap.Strings("joined", added),
					zap.Strings("left", removed),
					zap.Uint64("generation", next.generation))
			}
			if v.opts.onChange != nil {
				v.opts.onChange(prev, next)
			}
			return
		}
	}
}
