package watchdog

import (
	"context"
	"fmt"
	"time"

	"github.com/iago/history-synth/internal/domain"
	"github.com/iago/history-synth/internal/logger"
	"github.com/iago/history-synth/internal/metrics"
	"github.com/iago/history-synth/internal/notify"
	"github.com/iago/history-synth/internal/repository"
	"github.com/rs/zerolog"
)

// Resumer re-schedules the process stage for a committed FETCHED job.
type Resumer interface {
	Resume(ctx context.Context, jobID string) error
}

type Config struct {
	StallInterval     time.Duration
	StallTimeout      time.Duration
	RetentionInterval time.Duration
	Retention         time.Duration
	BatchSize         int
	Now               func() time.Time
}

type StallReport struct {
	TimedOut int
	Resumed  int
}

// Watchdog reclaims work the pipeline lost: it fails jobs stuck in a transient
// state, re-schedules FETCHED jobs whose hand-off was dropped, and purges old
// terminal jobs.
type Watchdog struct {
	repo     repository.JobsRepository
	resumer  Resumer
	notifier notify.Notifier
	config   Config
	logger   zerolog.Logger
}

func New(
	repo repository.JobsRepository,
	resumer Resumer,
	notifier notify.Notifier,
	config Config,
	log zerolog.Logger,
) *Watchdog {
	if config.StallInterval <= 0 {
		config.StallInterval = 2 * time.Minute
	}
	if config.StallTimeout <= 0 {
		config.StallTimeout = 5 * time.Minute
	}
	if config.RetentionInterval <= 0 {
		config.RetentionInterval = time.Hour
	}
	if config.Retention <= 0 {
		config.Retention = 7 * 24 * time.Hour
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Watchdog{
		repo:     repo,
		resumer:  resumer,
		notifier: notifier,
		config:   config,
		logger:   logger.Component(log, "watchdog"),
	}
}

// Run sweeps once immediately, then on both intervals until ctx is done.
func (w *Watchdog) Run(ctx context.Context) error {
	w.runStallSweep(ctx)
	w.runRetentionSweep(ctx)

	stallTicker := time.NewTicker(w.config.StallInterval)
	defer stallTicker.Stop()
	retentionTicker := time.NewTicker(w.config.RetentionInterval)
	defer retentionTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stallTicker.C:
			w.runStallSweep(ctx)
		case <-retentionTicker.C:
			w.runRetentionSweep(ctx)
		}
	}
}

func (w *Watchdog) runStallSweep(ctx context.Context) {
	report, err := w.SweepStalled(ctx)
	if err != nil {
		w.logger.Error().Err(err).Msg("stall sweep failed")
		return
	}
	if report.TimedOut > 0 || report.Resumed > 0 {
		w.logger.Info().Int("timed_out", report.TimedOut).Int("resumed", report.Resumed).Msg("stall sweep finished")
	}
}

func (w *Watchdog) runRetentionSweep(ctx context.Context) {
	purged, err := w.SweepRetention(ctx)
	if err != nil {
		w.logger.Error().Err(err).Msg("retention sweep failed")
		return
	}
	if purged > 0 {
		w.logger.Info().Int64("purged", purged).Msg("retention sweep finished")
	}
}

// SweepStalled fails jobs that sat in CREATED, FETCHING or PROCESSING past the stall
// timeout. Each job's observed status is the expected one, so a job that moved on
// meanwhile is left alone.
func (w *Watchdog) SweepStalled(ctx context.Context) (StallReport, error) {
	var report StallReport
	cutoff := w.config.Now().Add(-w.config.StallTimeout)

	stalled, err := w.repo.ListStalled(ctx, domain.StalledStatuses, cutoff, w.config.BatchSize)
	if err != nil {
		return report, fmt.Errorf("list stalled jobs: %w", err)
	}
	for _, job := range stalled {
		details := fmt.Sprintf("job stuck in %s since %s", job.Status, job.CreatedAt.UTC().Format(time.RFC3339))
		ok, err := w.repo.Transition(ctx, job.ID, job.Status, domain.JobStatusFailed, domain.TransitionFields{
			Error: domain.NewJobError(domain.ErrorCodeJobTimeout, "", details),
		})
		if err != nil {
			return report, fmt.Errorf("time out job %s: %w", job.ID, err)
		}
		if !ok {
			continue
		}
		report.TimedOut++
		metrics.WatchdogTimedOutTotal.Inc()
		metrics.JobsFailedTotal.WithLabelValues(string(domain.ErrorCodeJobTimeout)).Inc()
		w.signal(ctx, job.ID)
	}

	if w.resumer == nil {
		return report, nil
	}
	orphaned, err := w.repo.ListStalled(ctx, []domain.JobStatus{domain.JobStatusFetched}, cutoff, w.config.BatchSize)
	if err != nil {
		return report, fmt.Errorf("list fetched jobs: %w", err)
	}
	for _, job := range orphaned {
		if err := w.resumer.Resume(ctx, job.ID); err != nil {
			log := logger.WithJobID(w.logger, job.ID)
			log.Warn().Err(err).Msg("could not resume fetched job")
			continue
		}
		report.Resumed++
		metrics.WatchdogResumedTotal.Inc()
	}
	return report, nil
}

// SweepRetention deletes DONE and FAILED jobs created before the retention window.
func (w *Watchdog) SweepRetention(ctx context.Context) (int64, error) {
	cutoff := w.config.Now().Add(-w.config.Retention)
	purged, err := w.repo.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete terminal jobs: %w", err)
	}
	metrics.WatchdogPurgedTotal.Add(float64(purged))
	return purged, nil
}

func (w *Watchdog) signal(ctx context.Context, jobID string) {
	if w.notifier == nil {
		return
	}
	job, err := w.repo.GetJob(ctx, jobID)
	if err != nil {
		log := logger.WithJobID(w.logger, jobID)
		log.Error().Err(err).Msg("could not load timed out job")
		return
	}
	signal, ok := domain.NewCompletionSignal(job)
	if !ok {
		return
	}
	if err := w.notifier.Notify(ctx, signal); err != nil {
		log := logger.WithJobID(w.logger, jobID)
		log.Warn().Err(err).Msg("completion signal delivery failed")
	}
}
