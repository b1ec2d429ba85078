package resilience

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
)

type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	// Retryable decides whether a failed attempt is tried again. Nil retries nothing.
	Retryable func(error) bool
	// OnRetry is called before each backoff sleep.
	OnRetry func(attempt int, err error)
}

// RetryPolicy runs a call up to MaxAttempts times with exponential backoff
// (InitialDelay, then doubling). On exhaustion the last error is returned as-is.
type RetryPolicy struct {
	config RetryConfig
}

func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 2 * time.Second
	}
	if config.Retryable == nil {
		config.Retryable = func(error) bool { return false }
	}
	return &RetryPolicy{config: config}
}

func (p *RetryPolicy) Do(ctx context.Context, call func(context.Context) error) error {
	backoff := retry.WithMaxRetries(
		uint64(p.config.MaxAttempts-1),
		retry.NewExponential(p.config.InitialDelay),
	)

	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := call(ctx)
		if err == nil {
			return nil
		}
		if !p.config.Retryable(err) {
			return err
		}
		if attempt < p.config.MaxAttempts && p.config.OnRetry != nil {
			p.config.OnRetry(attempt, err)
		}
		return retry.RetryableError(err)
	})
}
