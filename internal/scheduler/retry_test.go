package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/david/grant-sync/internal/ingest"
)

// sleepRecorder is a Clock whose Sleep returns immediately and remembers the
// requested durations.
type sleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (r *sleepRecorder) Now() time.Time                   { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
func (r *sleepRecorder) NewTicker(d time.Duration) Ticker { return RealClock().NewTicker(d) }
func (r *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.sleeps = append(r.sleeps, d)
	r.mu.Unlock()
	return ctx.Err()
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	clock := &sleepRecorder{}
	calls := 0
	v, err := Retry(context.Background(), clock, RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second},
		func(ctx context.Context) (string, error) {
			calls++
			if calls < 3 {
				return "", ingest.ErrSourceUnavailable
			}
			return "ok", nil
		})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, clock.sleeps, "delay grows linearly with the attempt number")
}

func TestRetry_ExhaustedReturnsLastError(t *testing.T) {
	clock := &sleepRecorder{}
	calls := 0
	_, err := Retry(context.Background(), clock, DefaultRetryPolicy(), func(ctx context.Context) (int, error) {
		calls++
		return 0, fmt.Errorf("attempt %d: %w", calls, ingest.ErrSourceUnavailable)
	})
	require.ErrorIs(t, err, ingest.ErrSourceUnavailable)
	assert.Contains(t, err.Error(), "attempt 3")
	assert.Equal(t, 3, calls)
	assert.Len(t, clock.sleeps, 2)
}

func TestRetry_FormatErrorsAreNotRetried(t *testing.T) {
	clock := &sleepRecorder{}
	calls := 0
	_, err := Retry(context.Background(), clock, DefaultRetryPolicy(), func(ctx context.Context) (int, error) {
		calls++
		return 0, ingest.ErrSourceFormat
	})
	require.ErrorIs(t, err, ingest.ErrSourceFormat)
	assert.Equal(t, 1, calls)
	assert.Empty(t, clock.sleeps)
}

func TestRetry_MissingEndpointIsNotRetried(t *testing.T) {
	clock := &sleepRecorder{}
	calls := 0
	_, err := Retry(context.Background(), clock, DefaultRetryPolicy(), func(ctx context.Context) (int, error) {
		calls++
		return 0, &ingest.StatusError{Code: 404, URL: "https://example.org/feed", Permanent: true}
	})
	require.Error(t, err)
	assert.Equal(t, 404, ingest.HTTPStatus(err))
	assert.Equal(t, 1, calls)
	assert.Empty(t, clock.sleeps)

	calls = 0
	_, err = Retry(context.Background(), clock, DefaultRetryPolicy(), func(ctx context.Context) (int, error) {
		calls++
		return 0, &ingest.StatusError{Code: 404, URL: "https://example.org/feed"}
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls, "a source that opts into retrying 404s gets every attempt")
}

func TestRetry_CustomDelayAndPredicate(t *testing.T) {
	clock := &sleepRecorder{}
	errPermanent := errors.New("permanent")
	policy := RetryPolicy{
		MaxAttempts: 5,
		Delay:       func(attempt int) time.Duration { return time.Duration(attempt*attempt) * time.Millisecond },
		Retryable:   func(err error) bool { return !errors.Is(err, errPermanent) },
	}

	calls := 0
	_, err := Retry(context.Background(), clock, policy, func(ctx context.Context) (int, error) {
		calls++
		if calls == 3 {
			return 0, errPermanent
		}
		return 0, errors.New("transient")
	})
	require.ErrorIs(t, err, errPermanent)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Millisecond, 4 * time.Millisecond}, clock.sleeps)
}

func TestRetry_ZeroPolicyMakesOneAttempt(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), &sleepRecorder{}, RetryPolicy{}, func(ctx context.Context) (int, error) {
		calls++
		return 0, errors.New("boom")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_StopsWhenContextIsCancelledDuringBackoff(t *testing.T) {
	clock := NewFakeClock(time.Now())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := Retry(ctx, clock, RetryPolicy{MaxAttempts: 3, BaseDelay: time.Hour}, func(ctx context.Context) (int, error) {
			return 0, ingest.ErrSourceUnavailable
		})
		done <- err
	}()

	require.Eventually(t, func() bool { return clock.Sleepers() == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
		require.ErrorIs(t, err, ingest.ErrSourceUnavailable)
	case <-time.After(time.Second):
		t.Fatal("retry did not stop after cancellation")
	}
	assert.Zero(t, clock.Sleepers())
}

func TestFakeClock_TickersAndSleepers(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewFakeClock(start)

	tk := clock.NewTicker(time.Hour)
	assert.Equal(t, 1, clock.ActiveTickers())

	clock.Advance(30 * time.Minute)
	select {
	case <-tk.C():
		t.Fatal("ticker fired early")
	default:
	}

	clock.Advance(3 * time.Hour)
	select {
	case at := <-tk.C():
		assert.Equal(t, start.Add(time.Hour), at)
	default:
		t.Fatal("ticker did not fire")
	}
	select {
	case <-tk.C():
		t.Fatal("missed ticks must be dropped, not queued")
	default:
	}

	woke := make(chan struct{})
	go func() {
		_ = clock.Sleep(context.Background(), time.Minute)
		close(woke)
	}()
	require.Eventually(t, func() bool { return clock.Sleepers() == 1 }, time.Second, time.Millisecond)
	clock.Advance(time.Minute)
	<-woke

	tk.Stop()
	assert.Zero(t, clock.ActiveTickers())
	assert.Equal(t, start.Add(3*time.Hour+31*time.Minute), clock.Now())
}
