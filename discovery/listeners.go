package discovery

import (
	"sync"

	"github.com/ryandielhenn/zephyrgroup/pkg/coord"
)

// listeners fans session state changes out to subscribers in order, on a
// dispatcher goroutine, so a backend never calls user code while holding
// its own locks.
type listeners struct {
	mu     sync.Mutex
	next   uint64
	fns    map[uint64]func(coord.SessionState)
	disp   *coord.Dispatcher
	last   coord.SessionState
	isLost bool
}

func newListeners() *listeners {
	return &listeners{
		fns:  make(map[uint64]func(coord.SessionState)),
		disp: coord.NewDispatcher(),
		last: coord.StateConnected,
	}
}

func (l *listeners) add(fn func(coord.SessionState)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	id := l.next
	l.fns[id] = fn
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.fns, id)
	}
}

// emit delivers state unless it repeats the previous one. Nothing is
// delivered after StateLost.
func (l *listeners) emit(state coord.SessionState) {
	l.mu.Lock()
	if l.isLost || state == l.last {
		l.mu.Unlock()
		return
	}
	l.last = state
	l.isLost = state == coord.StateLost
	fns := make([]func(coord.SessionState), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.Unlock()

	l.disp.Submit(func() {
		for _, fn := range fns {
			fn(state)
		}
	})
}

func (l *listeners) lost() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isLost
}

func (l *listeners) stop() {
	l.disp.Stop()
}
