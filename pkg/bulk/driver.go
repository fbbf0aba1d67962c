package bulk

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/zephyrgroup/internal/telemetry"
	"github.com/ryandielhenn/zephyrgroup/pkg/coord"
	"github.com/ryandielhenn/zephyrgroup/pkg/member"
	"github.com/ryandielhenn/zephyrgroup/pkg/registry"
	"github.com/ryandielhenn/zephyrgroup/pkg/ring"
)

// Dialer opens a link that prefers the endpoints in the given order.
type Dialer func(ctx context.Context, endpoints []string) (coord.Link, error)

// Report sums up a batch. Failures never stop the rest of the batch.
type Report struct {
	Succeeded int
	// Existing counts groups that were already there.
	Existing int
	Failures []error
}

// Err combines every failure, or returns nil.
func (r *Report) Err() error {
	return multierr.Combine(r.Failures...)
}

type tally struct {
	mu sync.Mutex
	r  Report
}

func (t *tally) ok() {
	t.mu.Lock()
	t.r.Succeeded++
	t.mu.Unlock()
}

func (t *tally) existing() {
	t.mu.Lock()
	t.r.Existing++
	t.mu.Unlock()
}

func (t *tally) fail(err error) {
	t.mu.Lock()
	t.r.Failures = append(t.r.Failures, err)
	t.mu.Unlock()
}

func (t *tally) report() *Report {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.r
	return &r
}

// Driver runs one Member per record. Members either share the driver's
// link or each get their own session from a Dialer, with endpoint order
// picked by a hash ring over the member id.
type Driver struct {
	registry    *registry.Registry
	link        coord.Link
	dial        Dialer
	ring        *ring.HashRing
	concurrency int
	memberOpts  []member.Option
	logger      *zap.Logger

	mu      sync.Mutex
	members []*member.Member
	links   map[*member.Member]coord.Link
}

type Option func(*Driver)

// WithConcurrency bounds how many records are joined at once.
func WithConcurrency(n int) Option {
	return func(d *Driver) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

// WithSessionPerMember gives every member its own link from dial. The
// endpoints are ordered per member so sessions spread over the ensemble.
func WithSessionPerMember(dial Dialer, endpoints []string) Option {
	return func(d *Driver) {
		d.dial = dial
		d.ring = ring.FromEndpoints(endpoints)
	}
}

func WithMemberOptions(opts ...member.Option) Option {
	return func(d *Driver) {
		d.memberOpts = append(d.memberOpts, opts...)
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(d *Driver) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDriver returns a driver resolving groups through reg. link is used by
// members unless WithSessionPerMember is given.
func NewDriver(reg *registry.Registry, link coord.Link, opts ...Option) *Driver {
	d := &Driver{
		registry:    reg,
		link:        link,
		concurrency: 8,
		logger:      zap.NewNop(),
		links:       make(map[*member.Member]coord.Link),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// CreateGroups creates every named group. Groups that already exist are
// counted, not failed.
func (d *Driver) CreateGroups(ctx context.Context, names []string) *Report {
	defer telemetry.ObserveOp("bulk_create_groups", time.Now())

	var t tally
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for _, name := range names {
		g.Go(func() error {
			_, err := d.registry.CreateGroup(ctx, name)
			switch {
			case err == nil:
				t.ok()
			case errors.Is(err, coord.ErrAlreadyExists):
				d.logger.Info("a group with that name already exists", zap.String("group", name))
				t.existing()
			default:
				t.fail(errors.Wrapf(err, "group %s", name))
			}
			return nil
		})
	}
	_ = g.Wait()
	return t.report()
}

// Join registers one member per record. A record whose group is missing,
// whose id is taken or whose registration fails is reported and skipped.
func (d *Driver) Join(ctx context.Context, records []Record) *Report {
	defer telemetry.ObserveOp("bulk_join", time.Now())

	var t tally
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for _, rec := range records {
		g.Go(func() error {
			if err := d.join(ctx, rec); err != nil {
				d.logger.Warn("join failed",
					zap.Int("line", rec.Line),
					zap.String("group", rec.Group),
					zap.String("id", rec.ID),
					zap.Error(err))
				t.fail(&LineError{Line: rec.Line, Text: rec.Group + fieldSeparator + rec.ID, Err: err})
				return nil
			}
			t.ok()
			return nil
		})
	}
	_ = g.Wait()
	return t.report()
}

func (d *Driver) join(ctx context.Context, rec Record) error {
	group, err := d.registry.Lookup(ctx, rec.Group)
	if err != nil {
		return err
	}

	link := d.link
	if d.dial != nil {
		link, err = d.dial(ctx, d.ring.Order(rec.ID))
		if err != nil {
			return errors.Wrap(err, "dial")
		}
	}

	opts := append([]member.Option{
		member.WithLogger(d.logger.With(zap.String("member", rec.ID))),
	}, d.memberOpts...)
	m := member.New(link, group.Path, rec.ID, rec.Payload, opts...)
	if err := m.Start(ctx); err != nil {
		if d.dial != nil {
			err = multierr.Append(err, link.Close())
		}
		return err
	}

	d.mu.Lock()
	d.members = append(d.members, m)
	if d.dial != nil {
		d.links[m] = link
	}
	d.mu.Unlock()
	return nil
}

// Members returns the members joined so far.
func (d *Driver) Members() []*member.Member {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*member.Member, len(d.members))
	copy(out, d.members)
	return out
}

// Close makes every member leave its group and closes the links the
// driver dialed.
func (d *Driver) Close(ctx context.Context) error {
	d.mu.Lock()
	members := d.members
	links := d.links
	d.members = nil
	d.links = make(map[*member.Member]coord.Link)
	d.mu.Unlock()

	var (
		mu   sync.Mutex
		errs error
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for _, m := range members {
		g.Go(func() error {
			err := m.Close(ctx)
			if link, ok := links[m]; ok {
				err = multierr.Append(err, link.Close())
			}
			if err != nil {
				mu.Lock()
				errs = multierr.Append(errs, errors.Wrapf(err, "close %s", m.ID()))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}
