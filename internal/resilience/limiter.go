package resilience

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type RateLimiterConfig struct {
	Permits        int
	Window         time.Duration
	AcquireTimeout time.Duration
	Now            func() time.Time
}

// RateLimiter grants at most Permits calls per fixed Window. The bucket never
// refills inside a window; it is topped back up to Permits when the next window
// starts. Callers wait at most AcquireTimeout for that to happen.
type RateLimiter struct {
	permits        int
	window         time.Duration
	acquireTimeout time.Duration
	now            func() time.Time

	mu        sync.Mutex
	bucket    *rate.Limiter
	windowEnd time.Time
}

func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.Permits <= 0 {
		config.Permits = 15
	}
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	if config.AcquireTimeout < 0 {
		config.AcquireTimeout = 0
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &RateLimiter{
		permits:        config.Permits,
		window:         config.Window,
		acquireTimeout: config.AcquireTimeout,
		now:            config.Now,
		// A zero limit never refills, so the bucket holds the window's remaining quota.
		bucket:    rate.NewLimiter(0, config.Permits),
		windowEnd: config.Now().Add(config.Window),
	}
}

// Acquire takes one permit or returns ErrThrottled. It waits only when the next
// window starts within the acquire timeout.
func (l *RateLimiter) Acquire(ctx context.Context) error {
	deadline := l.now().Add(l.acquireTimeout)
	for {
		now := l.now()
		wait, ok := l.take(now)
		if ok {
			return nil
		}
		if now.Add(wait).After(deadline) {
			return ErrThrottled
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// take consumes a permit from the current window, or reports how long until the
// window rolls over.
func (l *RateLimiter) take(now time.Time) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !now.Before(l.windowEnd) {
		elapsed := now.Sub(l.windowEnd)/l.window + 1
		l.windowEnd = l.windowEnd.Add(elapsed * l.window)
		l.bucket = rate.NewLimiter(0, l.permits)
	}
	if l.bucket.AllowN(now, 1) {
		return 0, true
	}
	return l.windowEnd.Sub(now), false
}
