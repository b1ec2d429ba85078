package resilience

import (
	"context"
	"errors"

	"github.com/iago/history-synth/internal/metrics"
	"github.com/rs/zerolog"
)

// Wrapper guards an outbound dependency. Calls pass, outermost first, through the
// rate limiter, the circuit breaker and the retry policy. The breaker therefore
// records one outcome per retried sequence, and throttled calls never reach it.
type Wrapper struct {
	limiter *RateLimiter
	breaker *CircuitBreaker
	retry   *RetryPolicy
	logger  zerolog.Logger
}

type WrapperConfig struct {
	Limiter RateLimiterConfig
	Breaker BreakerConfig
	Retry   RetryConfig
	Logger  zerolog.Logger
}

func NewWrapper(config WrapperConfig) *Wrapper {
	logger := config.Logger
	breakerConfig := config.Breaker
	if breakerConfig.Name == "" {
		breakerConfig.Name = "default"
	}
	userHook := breakerConfig.OnStateChange
	breakerConfig.OnStateChange = func(name string, from, to BreakerState) {
		metrics.BreakerState.WithLabelValues(name).Set(float64(to))
		logger.Warn().
			Str("breaker", name).
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("circuit breaker state changed")
		if userHook != nil {
			userHook(name, from, to)
		}
	}
	retryConfig := config.Retry
	userRetry := retryConfig.OnRetry
	retryConfig.OnRetry = func(attempt int, err error) {
		metrics.RetryAttemptsTotal.Inc()
		logger.Debug().Int("attempt", attempt).Err(err).Msg("retrying outbound call")
		if userRetry != nil {
			userRetry(attempt, err)
		}
	}

	metrics.BreakerState.WithLabelValues(breakerConfig.Name).Set(float64(StateClosed))
	return &Wrapper{
		limiter: NewRateLimiter(config.Limiter),
		breaker: NewCircuitBreaker(breakerConfig),
		retry:   NewRetryPolicy(retryConfig),
		logger:  logger,
	}
}

func (w *Wrapper) Execute(ctx context.Context, call func(context.Context) error) error {
	if err := w.limiter.Acquire(ctx); err != nil {
		if errors.Is(err, ErrThrottled) {
			metrics.ThrottledTotal.Inc()
		}
		return err
	}
	return w.breaker.Execute(ctx, func(ctx context.Context) error {
		return w.retry.Do(ctx, call)
	})
}

func (w *Wrapper) BreakerState() BreakerState {
	return w.breaker.State()
}

// Call runs fn through the wrapper and returns its value.
func Call[T any](ctx context.Context, w *Wrapper, fn func(context.Context) (T, error)) (T, error) {
	var result T
	err := w.Execute(ctx, func(ctx context.Context) error {
		value, err := fn(ctx)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	return result, err
}
