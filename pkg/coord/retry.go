package coord

import (
	"context"
	"time"

	"github.com/flowchartsman/retry"
)

// RetryPolicy bounds how often connectivity failures are retried.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryPolicy is exponential backoff from one second, five attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
	}
}

func (p RetryPolicy) sanitized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = time.Millisecond
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	return p
}

// Do runs fn until it succeeds, fails with a non-retryable error, the
// attempts run out or ctx is done. The error returned is always fn's last
// error (or ctx's), never a retrier wrapper.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	p = p.sanitized()

	var (
		permanent error
		last      error
	)
	retrier := retry.NewRetrier(p.MaxAttempts, p.InitialDelay, p.MaxDelay)
	err := retrier.RunContext(ctx, func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && !IsRetryable(err) {
			permanent = err
			return nil
		}
		last = err
		return err
	})
	switch {
	case permanent != nil:
		return permanent
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case last != nil:
		return last
	default:
		return err
	}
}
