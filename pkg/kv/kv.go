package kv

import (
	"slices"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/ryandielhenn/zephyrgroup/pkg/coord"
)

type entry struct {
	data      []byte
	owner     int64 // owning session, 0 for persistent nodes
	createRev int64
	modRev    int64
	children  map[string]struct{}
}

type watcher struct {
	parent string
	fn     func(coord.ChildEvent)
	disp   *coord.Dispatcher
	// muted drops notifications, like a client cut off from the store
	muted func() bool
}

// Store is an in-memory hierarchical coordination store with ephemeral
// nodes and child watches. It follows the same rules as the real backends:
// parents must exist, names are unique, ephemeral nodes die with their
// session and every mutation bumps a store-wide revision.
type Store struct {
	mu       sync.RWMutex
	data     map[string]*entry
	rev      int64
	nextSess int64
	watchers map[string]map[*watcher]struct{}
}

func NewStore() *Store {
	return &Store{
		data: map[string]*entry{
			"/": {children: make(map[string]struct{})},
		},
		watchers: make(map[string]map[*watcher]struct{}),
	}
}

// Connect opens a new session on the store.
func (s *Store) Connect() *Session {
	s.mu.Lock()
	s.nextSess++
	id := s.nextSess
	s.mu.Unlock()
	return newSession(s, id)
}

// Len returns the number of nodes, not counting the root.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data) - 1
}

// Revision returns the revision of the latest mutation.
func (s *Store) Revision() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rev
}

// Exists reports whether path is present.
func (s *Store) Exists(path string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[path]
	return ok
}

// Dump returns a copy of every node's data keyed by path.
func (s *Store) Dump() map[string][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]byte, len(s.data))
	for p, e := range s.data {
		if p == "/" {
			continue
		}
		out[p] = append([]byte(nil), e.data...)
	}
	return out
}

func (s *Store) create(owner int64, path string, data []byte, mode coord.CreateMode) error {
	if err := coord.ValidatePath(path); err != nil {
		return err
	}
	parent, name := coord.Parent(path), coord.Base(path)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[path]; ok {
		return errors.Wrapf(coord.ErrAlreadyExists, "create %s", path)
	}
	pe, ok := s.data[parent]
	if !ok {
		return errors.Wrapf(coord.ErrNotFound, "parent %s", parent)
	}
	if pe.owner != 0 {
		return errors.Wrapf(coord.ErrMalformed, "ephemeral %s cannot have children", parent)
	}

	s.rev++
	e := &entry{
		data:      append([]byte(nil), data...),
		createRev: s.rev,
		modRev:    s.rev,
		children:  make(map[string]struct{}),
	}
	if mode == coord.Ephemeral {
		e.owner = owner
	}
	s.data[path] = e
	pe.children[name] = struct{}{}
	s.notifyLocked(parent, coord.ChildEvent{Type: coord.ChildAdded, Name: name, Revision: s.rev})
	return nil
}

func (s *Store) delete(path string) error {
	if err := coord.ValidatePath(path); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[path]
	if !ok {
		return nil
	}
	if len(e.children) > 0 {
		return errors.Wrapf(coord.ErrMalformed, "%s has %d children", path, len(e.children))
	}
	s.removeLocked(path)
	return nil
}

func (s *Store) removeLocked(path string) {
	parent, name := coord.Parent(path), coord.Base(path)
	delete(s.data, path)
	if pe, ok := s.data[parent]; ok {
		delete(pe.children, name)
	}
	s.rev++
	s.notifyLocked(parent, coord.ChildEvent{Type: coord.ChildRemoved, Name: name, Revision: s.rev})
}

func (s *Store) get(path string) ([]byte, coord.Stat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[path]
	if !ok {
		return nil, coord.Stat{}, errors.Wrapf(coord.ErrNotFound, "get %s", path)
	}
	return append([]byte(nil), e.data...), coord.Stat{
		CreateRevision: e.createRev,
		ModRevision:    e.modRev,
		Ephemeral:      e.owner != 0,
	}, nil
}

func (s *Store) set(path string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[path]
	if !ok || path == "/" {
		return errors.Wrapf(coord.ErrNotFound, "set %s", path)
	}
	s.rev++
	e.data = append([]byte(nil), data...)
	e.modRev = s.rev
	s.notifyLocked(coord.Parent(path), coord.ChildEvent{Type: coord.ChildUpdated, Name: coord.Base(path), Revision: s.rev})
	return nil
}

func (s *Store) children(path string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[path]
	if !ok {
		return nil, errors.Wrapf(coord.ErrNotFound, "children of %s", path)
	}
	out := make([]string, 0, len(e.children))
	for name := range e.children {
		out = append(out, name)
	}
	slices.Sort(out)
	return out, nil
}

// expire removes every ephemeral node owned by the session, deepest first.
func (s *Store) expire(owner int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var owned []string
	for p, e := range s.data {
		if e.owner == owner {
			owned = append(owned, p)
		}
	}
	slices.SortFunc(owned, func(a, b string) int {
		return strings.Count(b, "/") - strings.Count(a, "/")
	})
	for _, p := range owned {
		s.removeLocked(p)
	}
}

func (s *Store) addWatcher(w *watcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.watchers[w.parent]
	if !ok {
		set = make(map[*watcher]struct{})
		s.watchers[w.parent] = set
	}
	set[w] = struct{}{}
}

func (s *Store) removeWatcher(w *watcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.watchers[w.parent]; ok {
		delete(set, w)
		if len(set) == 0 {
			delete(s.watchers, w.parent)
		}
	}
}

func (s *Store) notifyLocked(parent string, ev coord.ChildEvent) {
	for w := range s.watchers[parent] {
		if w.muted != nil && w.muted() {
			continue
		}
		fn := w.fn
		w.disp.Submit(func() { fn(ev) })
	}
}
