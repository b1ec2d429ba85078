package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/iago/history-synth/internal/domain"
	"github.com/iago/history-synth/internal/metrics"
	"github.com/rs/zerolog"
)

// Notifier delivers completion signals to whoever renders them for the job owner.
// Delivery failures never affect job state.
type Notifier interface {
	Notify(ctx context.Context, signal domain.CompletionSignal) error
}

type closer interface {
	Close() error
}

// LogNotifier writes every signal to the service log.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, signal domain.CompletionSignal) error {
	event := n.logger.Info()
	if signal.Status == domain.JobStatusFailed {
		event = n.logger.Warn().Str("error_code", string(signal.ErrorCode))
	}
	event.
		Str("job_id", signal.JobID).
		Str("owner_id", signal.OwnerID).
		Str("status", string(signal.Status)).
		Str("chat_id", signal.Callback.ChatID).
		Msg("job completed")
	return nil
}

type Target struct {
	Name     string
	Notifier Notifier
}

// Multi fans a signal out to every target. Each target is attempted even when an
// earlier one fails; the failures are joined.
type Multi struct {
	targets []Target
	logger  zerolog.Logger
}

func NewMulti(logger zerolog.Logger, targets ...Target) *Multi {
	kept := make([]Target, 0, len(targets))
	for _, target := range targets {
		if target.Notifier != nil {
			kept = append(kept, target)
		}
	}
	return &Multi{targets: kept, logger: logger}
}

func (m *Multi) Notify(ctx context.Context, signal domain.CompletionSignal) error {
	var errs []error
	for _, target := range m.targets {
		if err := target.Notifier.Notify(ctx, signal); err != nil {
			metrics.NotifyFailuresTotal.WithLabelValues(target.Name).Inc()
			m.logger.Error().
				Err(err).
				Str("notifier", target.Name).
				Str("job_id", signal.JobID).
				Msg("completion signal not delivered")
			errs = append(errs, fmt.Errorf("%s: %w", target.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Multi) Close() error {
	var errs []error
	for _, target := range m.targets {
		if c, ok := target.Notifier.(closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", target.Name, err))
			}
		}
	}
	return errors.Join(errs...)
}
