package coord

import (
	"sync"

	"github.com/Workiva/go-datastructures/queue"
)

// Dispatcher runs callbacks one at a time, in submission order, on its own
// goroutine. Submit never blocks, so a link can fan events out while holding
// its own locks.
type Dispatcher struct {
	q    *queue.Queue
	done chan struct{}
	once sync.Once
}

func NewDispatcher() *Dispatcher {
	d := &Dispatcher{
		q:    queue.New(16),
		done: make(chan struct{}),
	}
	go d.run()
	return d
}

// Submit queues fn. It reports false once the dispatcher is stopped.
func (d *Dispatcher) Submit(fn func()) bool {
	return d.q.Put(fn) == nil
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		items, err := d.q.Get(1)
		if err != nil {
			return
		}
		for _, item := range items {
			if fn, ok := item.(func()); ok {
				fn()
			}
		}
	}
}

// Stop discards pending callbacks. A callback already running finishes on
// its own; Done is closed after it returns. Stop is safe to call from a
// callback.
func (d *Dispatcher) Stop() {
	d.once.Do(func() {
		d.q.Dispose()
	})
}

// Done is closed once the dispatcher goroutine has exited.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}
