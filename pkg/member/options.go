package member

import (
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgroup/pkg/coord"
)

const (
	// DefaultInitialWait bounds how long Start waits for the first create.
	DefaultInitialWait = 3 * time.Second
	// DefaultCloseAttempts bounds the delete sweeps Close performs while a
	// create may still be in flight.
	DefaultCloseAttempts = 5
	defaultFetchLimit    = 8
)

type options struct {
	logger        *zap.Logger
	policy        coord.RetryPolicy
	initialWait   time.Duration
	closeAttempts int
	fetchLimit    int
	onChange      func(prev, next *Snapshot)
}

func defaultOptions() options {
	return options{
		logger:        zap.NewNop(),
		policy:        coord.DefaultRetryPolicy(),
		initialWait:   DefaultInitialWait,
		closeAttempts: DefaultCloseAttempts,
		fetchLimit:    defaultFetchLimit,
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Option configures a Node, a View or a Member.
type Option func(*options)

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithRetryPolicy sets the policy used for connectivity failures.
func WithRetryPolicy(p coord.RetryPolicy) Option {
	return func(o *options) {
		o.policy = p
	}
}

// WithInitialWait sets how long Start waits for the node to be created
// before returning and letting registration finish in the background.
func WithInitialWait(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.initialWait = d
		}
	}
}

func WithCloseAttempts(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.closeAttempts = n
		}
	}
}

// WithFetchLimit caps concurrent payload reads during a view refresh.
func WithFetchLimit(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.fetchLimit = n
		}
	}
}

// WithOnChange registers fn to run after every published snapshot. It runs
// on the view's refresh goroutine.
func WithOnChange(fn func(prev, next *Snapshot)) Option {
	return func(o *options) {
		o.onChange = fn
	}
}
