package kv

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/ryandielhenn/zephyrgroup/pkg/coord"
)

// Op names a Session operation for fault injection.
type Op string

const (
	OpCreate   Op = "create"
	OpDelete   Op = "delete"
	OpGet      Op = "get"
	OpSet      Op = "set"
	OpChildren Op = "children"
)

// Fault makes the next Count calls of an operation fail with
// coord.ErrConnectivity. With Apply set the operation takes effect first,
// which models a reply lost after the store committed the request.
type Fault struct {
	Count int
	Apply bool
}

// Session is a coord.Link bound to a Store.
type Session struct {
	store *Store
	id    int64

	closed    *atomic.Bool
	expired   *atomic.Bool
	suspended *atomic.Bool

	mu        sync.Mutex
	faults    map[Op]*Fault
	listeners map[uint64]func(coord.SessionState)
	nextID    uint64
	watchers  map[*watcher]struct{}
	states    *coord.Dispatcher
}

var _ coord.Link = (*Session)(nil)

func newSession(store *Store, id int64) *Session {
	return &Session{
		store:     store,
		id:        id,
		closed:    atomic.NewBool(false),
		expired:   atomic.NewBool(false),
		suspended: atomic.NewBool(false),
		faults:    make(map[Op]*Fault),
		listeners: make(map[uint64]func(coord.SessionState)),
		watchers:  make(map[*watcher]struct{}),
		states:    coord.NewDispatcher(),
	}
}

// ID returns the session id, which is also the owner of its ephemeral nodes.
func (s *Session) ID() int64 {
	return s.id
}

// InjectFault arms f for op, replacing any fault already armed.
func (s *Session) InjectFault(op Op, f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = &f
}

// Suspend makes every call fail with coord.ErrConnectivity until Resume.
// Watch notifications for changes made meanwhile are lost.
func (s *Session) Suspend() {
	if s.suspended.CompareAndSwap(false, true) {
		s.emit(coord.StateSuspended)
	}
}

func (s *Session) Resume() {
	if s.suspended.CompareAndSwap(true, false) {
		s.emit(coord.StateReconnected)
	}
}

// Expire ends the session as the store would after missed heartbeats:
// ephemeral nodes are removed, listeners see StateLost and every further
// call fails with coord.ErrSessionExpired.
func (s *Session) Expire() {
	if !s.expired.CompareAndSwap(false, true) {
		return
	}
	s.store.expire(s.id)
	s.emit(coord.StateLost)
	s.dropWatchers()
}

func (s *Session) Create(ctx context.Context, path string, data []byte, mode coord.CreateMode) (string, error) {
	err := s.run(ctx, OpCreate, func() error {
		return s.store.create(s.id, path, data, mode)
	})
	if err != nil {
		return "", err
	}
	return path, nil
}

func (s *Session) Delete(ctx context.Context, path string) error {
	return s.run(ctx, OpDelete, func() error {
		return s.store.delete(path)
	})
}

func (s *Session) Get(ctx context.Context, path string) ([]byte, coord.Stat, error) {
	var (
		data []byte
		stat coord.Stat
	)
	err := s.run(ctx, OpGet, func() (err error) {
		data, stat, err = s.store.get(path)
		return err
	})
	return data, stat, err
}

func (s *Session) Set(ctx context.Context, path string, data []byte) error {
	return s.run(ctx, OpSet, func() error {
		return s.store.set(path, data)
	})
}

func (s *Session) Children(ctx context.Context, path string) ([]string, error) {
	var names []string
	err := s.run(ctx, OpChildren, func() (err error) {
		names, err = s.store.children(path)
		return err
	})
	return names, err
}

func (s *Session) WatchChildren(ctx context.Context, path string, fn func(coord.ChildEvent)) (func(), error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	w := &watcher{parent: path, fn: fn, disp: coord.NewDispatcher(), muted: s.suspended.Load}
	s.mu.Lock()
	s.watchers[w] = struct{}{}
	s.mu.Unlock()
	s.store.addWatcher(w)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.store.removeWatcher(w)
			s.mu.Lock()
			delete(s.watchers, w)
			s.mu.Unlock()
			w.disp.Stop()
		})
	}, nil
}

func (s *Session) AddStateListener(fn func(coord.SessionState)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// Close ends the session gracefully; its ephemeral nodes are removed.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if !s.expired.Load() {
		s.store.expire(s.id)
	}
	s.dropWatchers()
	s.states.Stop()
	return nil
}

func (s *Session) check(ctx context.Context) error {
	switch {
	case s.closed.Load():
		return coord.ErrClosed
	case s.expired.Load():
		return coord.ErrSessionExpired
	case s.suspended.Load():
		return errors.Wrap(coord.ErrConnectivity, "session suspended")
	}
	return ctx.Err()
}

func (s *Session) run(ctx context.Context, op Op, apply func() error) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if f, ok := s.takeFault(op); ok {
		if f.Apply {
			_ = apply()
		}
		return errors.Wrapf(coord.ErrConnectivity, "injected %s fault", op)
	}
	return apply()
}

func (s *Session) takeFault(op Op) (Fault, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.faults[op]
	if !ok || f.Count <= 0 {
		return Fault{}, false
	}
	f.Count--
	if f.Count == 0 {
		delete(s.faults, op)
	}
	return *f, true
}

func (s *Session) emit(state coord.SessionState) {
	s.mu.Lock()
	fns := make([]func(coord.SessionState), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	s.states.Submit(func() {
		for _, fn := range fns {
			fn(state)
		}
	})
}

func (s *Session) dropWatchers() {
	s.mu.Lock()
	ws := make([]*watcher, 0, len(s.watchers))
	for w := range s.watchers {
		ws = append(ws, w)
	}
	s.watchers = make(map[*watcher]struct{})
	s.mu.Unlock()
	for _, w := range ws {
		s.store.removeWatcher(w)
		w.disp.Stop()
	}
}
