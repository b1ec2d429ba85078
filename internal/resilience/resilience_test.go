package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream 503")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestRateLimiterAdmitsExactlyPermitsPerWindow(t *testing.T) {
	const permits, extra = 5, 3
	limiter := NewRateLimiter(RateLimiterConfig{
		Permits:        permits,
		Window:         time.Minute,
		AcquireTimeout: 50 * time.Millisecond,
	})

	var (
		wg        sync.WaitGroup
		admitted  atomic.Int32
		throttled atomic.Int32
	)
	for i := 0; i < permits+extra; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := limiter.Acquire(context.Background())
			switch {
			case err == nil:
				admitted.Add(1)
			case errors.Is(err, ErrThrottled):
				throttled.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(permits), admitted.Load())
	assert.Equal(t, int32(extra), throttled.Load())
}

func TestRateLimiterWaitsWithinAcquireTimeout(t *testing.T) {
	limiter := NewRateLimiter(RateLimiterConfig{
		Permits:        1,
		Window:         100 * time.Millisecond,
		AcquireTimeout: time.Second,
	})
	require.NoError(t, limiter.Acquire(context.Background()))

	start := time.Now()
	require.NoError(t, limiter.Acquire(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestRateLimiterHoldsQuotaAcrossWholeWindow(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	limiter := NewRateLimiter(RateLimiterConfig{
		Permits:        5,
		Window:         500 * time.Millisecond,
		AcquireTimeout: 10 * time.Millisecond,
		Now:            clock.Now,
	})

	admitted := 0
	for elapsed := time.Duration(0); elapsed < 500*time.Millisecond; elapsed += 5 * time.Millisecond {
		err := limiter.Acquire(context.Background())
		switch {
		case err == nil:
			admitted++
		case errors.Is(err, ErrThrottled):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
		clock.Advance(5 * time.Millisecond)
	}
	assert.Equal(t, 5, admitted)

	// The next window starts with a full quota.
	for i := 0; i < 5; i++ {
		require.NoError(t, limiter.Acquire(context.Background()))
	}
	assert.ErrorIs(t, limiter.Acquire(context.Background()), ErrThrottled)
}

func TestRateLimiterSkipsIdleWindows(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	limiter := NewRateLimiter(RateLimiterConfig{
		Permits: 2,
		Window:  time.Minute,
		Now:     clock.Now,
	})
	require.NoError(t, limiter.Acquire(context.Background()))
	require.NoError(t, limiter.Acquire(context.Background()))

	clock.Advance(3*time.Minute + 59*time.Second)
	require.NoError(t, limiter.Acquire(context.Background()))
	require.NoError(t, limiter.Acquire(context.Background()))
	assert.ErrorIs(t, limiter.Acquire(context.Background()), ErrThrottled)

	clock.Advance(time.Second)
	assert.NoError(t, limiter.Acquire(context.Background()))
}

func TestBreakerOpensAfterMinimumFailures(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	breaker := NewCircuitBreaker(BreakerConfig{
		WindowSize:           10,
		MinimumCalls:         5,
		FailureRateThreshold: 0.5,
		OpenDuration:         30 * time.Second,
		HalfOpenTrials:       2,
		Now:                  clock.Now,
	})

	var invocations int
	failing := func(context.Context) error {
		invocations++
		return errUpstream
	}
	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, breaker.Execute(context.Background(), failing), errUpstream)
	}
	assert.Equal(t, StateOpen, breaker.State())

	err := breaker.Execute(context.Background(), failing)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 5, invocations, "an open breaker must not invoke the call")
}

func TestBreakerStaysClosedBelowMinimumCalls(t *testing.T) {
	breaker := NewCircuitBreaker(BreakerConfig{WindowSize: 10, MinimumCalls: 5, FailureRateThreshold: 0.5})
	for i := 0; i < 4; i++ {
		_ = breaker.Execute(context.Background(), func(context.Context) error { return errUpstream })
	}
	assert.Equal(t, StateClosed, breaker.State())
}

func TestBreakerSlidingWindowForgetsOldFailures(t *testing.T) {
	breaker := NewCircuitBreaker(BreakerConfig{WindowSize: 4, MinimumCalls: 4, FailureRateThreshold: 0.75})
	ok := func(context.Context) error { return nil }
	fail := func(context.Context) error { return errUpstream }

	_ = breaker.Execute(context.Background(), fail)
	_ = breaker.Execute(context.Background(), fail)
	_ = breaker.Execute(context.Background(), ok)
	_ = breaker.Execute(context.Background(), ok)
	// Window is now [fail fail ok ok]; adding a failure evicts the oldest one.
	_ = breaker.Execute(context.Background(), fail)
	assert.Equal(t, StateClosed, breaker.State())
	_ = breaker.Execute(context.Background(), fail)
	assert.Equal(t, StateClosed, breaker.State())
	_ = breaker.Execute(context.Background(), fail)
	assert.Equal(t, StateOpen, breaker.State())
}

func TestBreakerHalfOpenRecoversAndReopens(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	var transitions []string
	breaker := NewCircuitBreaker(BreakerConfig{
		Name:                 "ai",
		WindowSize:           4,
		MinimumCalls:         2,
		FailureRateThreshold: 0.5,
		OpenDuration:         10 * time.Second,
		HalfOpenTrials:       2,
		Now:                  clock.Now,
		OnStateChange: func(_ string, from, to BreakerState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	fail := func(context.Context) error { return errUpstream }
	ok := func(context.Context) error { return nil }

	_ = breaker.Execute(context.Background(), fail)
	_ = breaker.Execute(context.Background(), fail)
	require.Equal(t, StateOpen, breaker.State())

	clock.Advance(10 * time.Second)
	require.Equal(t, StateHalfOpen, breaker.State())
	require.ErrorIs(t, breaker.Execute(context.Background(), fail), errUpstream)
	require.Equal(t, StateOpen, breaker.State(), "a failed trial reopens")

	clock.Advance(10 * time.Second)
	require.NoError(t, breaker.Execute(context.Background(), ok))
	assert.Equal(t, StateHalfOpen, breaker.State())
	require.NoError(t, breaker.Execute(context.Background(), ok))
	assert.Equal(t, StateClosed, breaker.State())

	assert.Equal(t, []string{
		"closed->open",
		"open->half-open",
		"half-open->open",
		"open->half-open",
		"half-open->closed",
	}, transitions)
}

func TestBreakerLimitsHalfOpenTrials(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	breaker := NewCircuitBreaker(BreakerConfig{
		WindowSize: 2, MinimumCalls: 2, FailureRateThreshold: 1,
		OpenDuration: time.Second, HalfOpenTrials: 1, Now: clock.Now,
	})
	_ = breaker.Execute(context.Background(), func(context.Context) error { return errUpstream })
	_ = breaker.Execute(context.Background(), func(context.Context) error { return errUpstream })
	clock.Advance(time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = breaker.Execute(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	assert.ErrorIs(t, breaker.Execute(context.Background(), func(context.Context) error { return nil }), ErrUnavailable)
	close(release)
}

func TestBreakerIgnoresCancellation(t *testing.T) {
	breaker := NewCircuitBreaker(BreakerConfig{WindowSize: 2, MinimumCalls: 2, FailureRateThreshold: 0.5})
	for i := 0; i < 4; i++ {
		_ = breaker.Execute(context.Background(), func(context.Context) error { return context.Canceled })
	}
	assert.Equal(t, StateClosed, breaker.State())
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	policy := NewRetryPolicy(RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		Retryable:    func(err error) bool { return errors.Is(err, errUpstream) },
	})
	errBad := errors.New("bad request")
	var calls int
	err := policy.Do(context.Background(), func(context.Context) error {
		calls++
		return errBad
	})
	assert.ErrorIs(t, err, errBad)
	assert.Equal(t, 1, calls)
}

func TestRetryExhaustionReturnsLastError(t *testing.T) {
	var retried []int
	policy := NewRetryPolicy(RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		Retryable:    func(error) bool { return true },
		OnRetry:      func(attempt int, _ error) { retried = append(retried, attempt) },
	})
	var calls int
	err := policy.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("attempt failed")
	})
	require.Error(t, err)
	assert.Equal(t, "attempt failed", err.Error())
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestWrapperRetriesWithExponentialBackoff(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the production backoff schedule")
	}
	wrapper := NewWrapper(WrapperConfig{
		Limiter: RateLimiterConfig{Permits: 15, Window: time.Minute, AcquireTimeout: 500 * time.Millisecond},
		Breaker: BreakerConfig{Name: "backoff-test"},
		Retry: RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 2 * time.Second,
			Retryable:    func(err error) bool { return errors.Is(err, errUpstream) },
		},
		Logger: zerolog.Nop(),
	})

	var calls int
	start := time.Now()
	value, err := Call(context.Background(), wrapper, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errUpstream
		}
		return "payload", nil
	})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, "payload", value)
	assert.Equal(t, 3, calls)
	assert.GreaterOrEqual(t, elapsed, 6*time.Second)
}

func TestWrapperThrottledCallsSkipBreaker(t *testing.T) {
	wrapper := NewWrapper(WrapperConfig{
		Limiter: RateLimiterConfig{Permits: 1, Window: time.Hour, AcquireTimeout: time.Millisecond},
		Breaker: BreakerConfig{Name: "throttle-test", WindowSize: 2, MinimumCalls: 1, FailureRateThreshold: 0.5},
		Logger:  zerolog.Nop(),
	})

	require.NoError(t, wrapper.Execute(context.Background(), func(context.Context) error { return nil }))
	for i := 0; i < 3; i++ {
		err := wrapper.Execute(context.Background(), func(context.Context) error {
			t.Fatal("throttled call must not run")
			return nil
		})
		assert.ErrorIs(t, err, ErrThrottled)
	}
	assert.Equal(t, StateClosed, wrapper.BreakerState())
}

func TestWrapperOpensOnExhaustedRetries(t *testing.T) {
	wrapper := NewWrapper(WrapperConfig{
		Limiter: RateLimiterConfig{Permits: 100, Window: time.Second, AcquireTimeout: time.Second},
		Breaker: BreakerConfig{Name: "open-test", WindowSize: 4, MinimumCalls: 2, FailureRateThreshold: 0.5, OpenDuration: time.Minute},
		Retry:   RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, Retryable: func(error) bool { return true }},
		Logger:  zerolog.Nop(),
	})

	var calls atomic.Int32
	failing := func(context.Context) error {
		calls.Add(1)
		return errUpstream
	}
	assert.ErrorIs(t, wrapper.Execute(context.Background(), failing), errUpstream)
	assert.ErrorIs(t, wrapper.Execute(context.Background(), failing), errUpstream)
	assert.Equal(t, int32(4), calls.Load())

	assert.ErrorIs(t, wrapper.Execute(context.Background(), failing), ErrUnavailable)
	assert.Equal(t, int32(4), calls.Load())
}
