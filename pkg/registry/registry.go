// Package registry manages the named groups under a well-known root.
package registry

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	goset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/zephyrgroup/internal/telemetry"
	"github.com/ryandielhenn/zephyrgroup/pkg/coord"
)

// DefaultRoot is the parent of every group marker.
const DefaultRoot = "/groups"

var markerData = []byte("group")

// Group is a group marker node.
type Group struct {
	Name string
	Path string
}

// Registry creates and enumerates groups. Group markers are persistent
// nodes named after the group, so the store's create uniqueness picks one
// winner among concurrent creators.
type Registry struct {
	link   coord.Link
	root   string
	policy coord.RetryPolicy
	logger *zap.Logger
	limit  int

	cacheNames bool
	mu         sync.Mutex
	cache      map[string]string // name -> marker path, hints only
}

type Option func(*Registry)

func WithRoot(root string) Option {
	return func(r *Registry) {
		if root != "" {
			r.root = root
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithRetryPolicy(p coord.RetryPolicy) Option {
	return func(r *Registry) {
		r.policy = p
	}
}

// WithNameCache remembers resolved group paths. A cached path is checked
// with a read before it is returned, so a deleted group is never served.
func WithNameCache(enabled bool) Option {
	return func(r *Registry) {
		r.cacheNames = enabled
	}
}

// WithPurgeConcurrency caps the parallel deletes issued by Purge.
func WithPurgeConcurrency(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.limit = n
		}
	}
}

func New(link coord.Link, opts ...Option) *Registry {
	r := &Registry{
		link:   link,
		root:   DefaultRoot,
		policy: coord.DefaultRetryPolicy(),
		logger: zap.NewNop(),
		limit:  16,
		cache:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Root() string {
	return r.root
}

// EnsureRoot creates the root and its ancestors when missing.
func (r *Registry) EnsureRoot(ctx context.Context) error {
	if err := coord.ValidatePath(r.root); err != nil {
		return err
	}
	var ancestors []string
	for p := r.root; p != "/"; p = coord.Parent(p) {
		ancestors = append(ancestors, p)
	}
	slices.Reverse(ancestors)
	for _, p := range ancestors {
		err := r.policy.Do(ctx, func(ctx context.Context) error {
			_, err := r.link.Create(ctx, p, nil, coord.Persistent)
			return err
		})
		if err != nil && !errors.Is(err, coord.ErrAlreadyExists) {
			return errors.Wrapf(err, "ensure %s", p)
		}
	}
	return nil
}

// CreateGroup creates the marker for name if it does not exist yet. Losing
// a creation race, or finding the group already there, yields
// coord.ErrAlreadyExists; callers treat it as an expected outcome.
func (r *Registry) CreateGroup(ctx context.Context, name string) (Group, error) {
	defer telemetry.ObserveOp("create_group", time.Now())

	if err := coord.ValidateName(name); err != nil {
		return Group{}, err
	}
	if g, err := r.find(ctx, name); err == nil {
		return g, errors.Wrapf(coord.ErrAlreadyExists, "group %s", name)
	} else if !errors.Is(err, coord.ErrNotFound) {
		return Group{}, err
	}

	path := coord.Join(r.root, name)
	var ambiguous bool
	err := r.policy.Do(ctx, func(ctx context.Context) error {
		_, err := r.link.Create(ctx, path, markerData, coord.Persistent)
		switch {
		case errors.Is(err, coord.ErrAlreadyExists) && ambiguous:
			// an earlier attempt of ours landed before its reply was lost
			return nil
		case coord.IsRetryable(err):
			ambiguous = true
		}
		return err
	})
	if err != nil {
		if errors.Is(err, coord.ErrNotFound) {
			return Group{}, errors.Wrapf(err, "create group %s: root %s missing", name, r.root)
		}
		if errors.Is(err, coord.ErrAlreadyExists) {
			r.logger.Debug("group created concurrently", zap.String("group", name))
		}
		return Group{}, errors.Wrapf(err, "create group %s", name)
	}
	r.remember(name, path)
	r.logger.Info("group created", zap.String("group", name), zap.String("path", path))
	return Group{Name: name, Path: path}, nil
}

// ListGroups returns the group names in sorted order. It is a one-shot
// read; call it again for fresh data.
func (r *Registry) ListGroups(ctx context.Context) ([]string, error) {
	groups, err := r.groups(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(groups))
	for _, g := range groups {
		names = append(names, g.Name)
	}
	return names, nil
}

// Lookup resolves name to its marker node. It fails with coord.ErrNotFound
// ("no such group") when the group does not exist.
func (r *Registry) Lookup(ctx context.Context, name string) (Group, error) {
	if err := coord.ValidateName(name); err != nil {
		return Group{}, err
	}
	return r.find(ctx, name)
}

// Members lists the member ids currently registered in a group.
func (r *Registry) Members(ctx context.Context, name string) ([]string, error) {
	g, err := r.Lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	var children []string
	err = r.policy.Do(ctx, func(ctx context.Context) (err error) {
		children, err = r.link.Children(ctx, g.Path)
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "members of %s", name)
	}
	ids := goset.NewThreadUnsafeSet[string]()
	for _, child := range children {
		ids.Add(coord.IDFromName(child))
	}
	out := ids.ToSlice()
	slices.Sort(out)
	return out, nil
}

// Purge deletes every member node of every group, leaving the group
// markers in place. It returns how many nodes it removed and every error
// it met along the way.
func (r *Registry) Purge(ctx context.Context) (int, error) {
	defer telemetry.ObserveOp("purge", time.Now())

	groups, err := r.markers(ctx)
	if err != nil {
		return 0, err
	}

	var (
		mu      sync.Mutex
		errs    error
		removed int
	)
	record := func(err error) {
		mu.Lock()
		errs = multierr.Append(errs, err)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.limit)
	for _, group := range groups {
		var children []string
		err := r.policy.Do(ctx, func(ctx context.Context) (err error) {
			children, err = r.link.Children(ctx, group.Path)
			return err
		})
		if err != nil {
			record(errors.Wrapf(err, "list %s", group.Name))
			continue
		}
		for _, child := range children {
			path := coord.Join(group.Path, child)
			g.Go(func() error {
				err := r.policy.Do(gctx, func(ctx context.Context) error {
					return r.link.Delete(ctx, path)
				})
				if err != nil {
					record(errors.Wrapf(err, "delete %s", path))
					return nil
				}
				mu.Lock()
				removed++
				mu.Unlock()
				return nil
			})
		}
	}
	_ = g.Wait()

	r.logger.Info("purged groups", zap.Int("groups", len(groups)), zap.Int("removed", removed))
	return removed, errs
}

// groups lists the groups by name. When a plain marker and a protected one
// share a name the plain marker wins.
func (r *Registry) groups(ctx context.Context) ([]Group, error) {
	markers, err := r.markers(ctx)
	if err != nil {
		return nil, err
	}
	groups := markers[:0]
	for _, g := range markers {
		if n := len(groups); n > 0 && groups[n-1].Name == g.Name {
			if isProtected(groups[n-1]) && !isProtected(g) {
				groups[n-1] = g
			}
			continue
		}
		groups = append(groups, g)
	}
	return groups, nil
}

// markers lists every marker node under the root, sorted by name.
func (r *Registry) markers(ctx context.Context) ([]Group, error) {
	var children []string
	err := r.policy.Do(ctx, func(ctx context.Context) (err error) {
		children, err = r.link.Children(ctx, r.root)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "list groups")
	}
	groups := make([]Group, 0, len(children))
	for _, child := range children {
		groups = append(groups, Group{Name: coord.IDFromName(child), Path: coord.Join(r.root, child)})
	}
	slices.SortStableFunc(groups, func(a, b Group) int {
		return cmp.Compare(a.Name, b.Name)
	})
	return groups, nil
}

func isProtected(g Group) bool {
	_, _, protected := coord.ParseName(coord.Base(g.Path))
	return protected
}

func (r *Registry) find(ctx context.Context, name string) (Group, error) {
	if path, ok := r.cached(name); ok {
		err := r.policy.Do(ctx, func(ctx context.Context) error {
			_, _, err := r.link.Get(ctx, path)
			return err
		})
		switch {
		case err == nil:
			return Group{Name: name, Path: path}, nil
		case errors.Is(err, coord.ErrNotFound):
			r.forget(name)
		default:
			return Group{}, err
		}
	}

	groups, err := r.groups(ctx)
	if err != nil {
		return Group{}, err
	}
	for _, g := range groups {
		if g.Name == name {
			r.remember(name, g.Path)
			return g, nil
		}
	}
	return Group{}, errors.Wrapf(coord.ErrNotFound, "no such group %q", name)
}

func (r *Registry) cached(name string) (string, bool) {
	if !r.cacheNames {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	path, ok := r.cache[name]
	return path, ok
}

func (r *Registry) remember(name, path string) {
	if !r.cacheNames {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[name] = path
}

func (r *Registry) forget(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, name)
}
