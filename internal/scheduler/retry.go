package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/david/grant-sync/internal/ingest"
)

// RetryPolicy bounds how an operation is retried. The zero value makes a
// single attempt.
type RetryPolicy struct {
	// MaxAttempts counts every call to the operation, the first included:
	// 3 means one try and up to two retries.
	MaxAttempts int
	BaseDelay   time.Duration
	// Delay overrides the linear BaseDelay*attempt schedule when set.
	Delay func(attempt int) time.Duration
	// Retryable reports whether an error is worth another attempt. Nil
	// retries everything except context cancellation.
	Retryable func(error) bool
}

// DefaultRetryPolicy makes three attempts with linear backoff and never
// retries a malformed response or a missing endpoint.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   5 * time.Second,
		Retryable:   ingest.Retryable,
	}
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	if p.Delay != nil {
		return p.Delay(attempt)
	}
	return p.BaseDelay * time.Duration(attempt)
}

func (p RetryPolicy) retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if p.Retryable == nil {
		return true
	}
	return p.Retryable(err)
}

// Retry runs op until it succeeds, returns a non-retryable error, or the
// policy's attempts are used up. Waits between attempts go through clock and
// stop early when ctx is done.
func Retry[T any](ctx context.Context, clock Clock, policy RetryPolicy, op func(context.Context) (T, error)) (T, error) {
	var zero T
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if attempt == attempts || !policy.retryable(err) {
			return zero, fmt.Errorf("after %d attempt(s): %w", attempt, lastErr)
		}
		if err := clock.Sleep(ctx, policy.delay(attempt)); err != nil {
			return zero, fmt.Errorf("after %d attempt(s): %w; retry aborted: %w", attempt, lastErr, err)
		}
	}
	return zero, lastErr
}
