// Package retry provides a bounded, fixed-backoff retry combinator shared by
// every retry-prone phase of a generation call.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds a retried operation. MaxAttempts counts the first try; values
// below 1 are treated as 1. Backoff is the fixed delay between attempts.
type Policy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// Timer is the clock used between attempts. The zero value of Options uses a
// real timer; tests inject one that fires immediately.
type Timer = backoff.Timer

// Operation is one attempt. attempt starts at 1.
type Operation[T any] func(ctx context.Context, attempt int) (T, error)

// NotifyFunc is called after a failed attempt that will be retried, before
// the wait.
type NotifyFunc func(attempt int, err error, wait time.Duration)

// Options tune a single Do call.
type Options struct {
	Timer  Timer
	Notify NotifyFunc
}

// Permanent wraps err so Do stops retrying and returns err unwrapped.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs op until it succeeds, returns a Permanent error, the attempt budget
// is spent, or ctx is done. It returns the last result, the number of
// attempts made and the last error.
func Do[T any](ctx context.Context, p Policy, opts Options, op Operation[T]) (T, int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Backoff), uint64(maxAttempts-1)),
		ctx,
	)

	attempts := 0
	run := func() (T, error) {
		if err := ctx.Err(); err != nil {
			var zero T
			return zero, backoff.Permanent(err)
		}
		attempts++
		return op(ctx, attempts)
	}

	var notify backoff.Notify
	if opts.Notify != nil {
		notify = func(err error, wait time.Duration) {
			opts.Notify(attempts, err, wait)
		}
	}

	res, err := backoff.RetryNotifyWithTimerAndData(run, b, notify, opts.Timer)
	return res, attempts, err
}

// Wait blocks for d using t (or a real timer when t is nil) unless ctx is
// done first.
func Wait(ctx context.Context, t Timer, d time.Duration) error {
	if t == nil {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}
	t.Start(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C():
		return nil
	}
}
