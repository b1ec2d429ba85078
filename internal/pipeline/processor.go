package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iago/history-synth/internal/domain"
	"github.com/iago/history-synth/internal/logger"
	"github.com/iago/history-synth/internal/metrics"
	"github.com/iago/history-synth/internal/repository"
	"github.com/rs/zerolog"
)

type Processor struct {
	repo   repository.JobsRepository
	logger zerolog.Logger
}

func NewProcessor(repo repository.JobsRepository, log zerolog.Logger) *Processor {
	return &Processor{repo: repo, logger: logger.Component(log, "processor")}
}

// Process parses a fetched payload and commits its records together with DONE.
// A job that is not processable is a no-op: duplicate signals are expected.
func (p *Processor) Process(ctx context.Context, jobID string) (domain.JobStatus, error) {
	log := logger.WithJobID(p.logger, jobID)
	started := time.Now()
	defer func() {
		metrics.StageDuration.WithLabelValues("process").Observe(time.Since(started).Seconds())
	}()

	job, err := p.repo.GetJob(ctx, jobID)
	if errors.Is(err, repository.ErrNotFound) {
		log.Debug().Msg("job vanished before processing")
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load job: %w", err)
	}
	if !job.Processable() {
		log.Debug().Str("status", string(job.Status)).Msg("job not processable, skipping")
		return "", nil
	}
	payload := *job.Payload

	ok, err := p.repo.Transition(ctx, jobID, domain.JobStatusFetched, domain.JobStatusProcessing, domain.TransitionFields{})
	if err != nil {
		return "", fmt.Errorf("mark processing: %w", err)
	}
	if !ok {
		log.Debug().Msg("another worker claimed the job")
		return "", nil
	}

	batch, err := ParsePayload(job, payload)
	if err != nil {
		return p.fail(ctx, log, jobID, err)
	}
	if len(batch.Events) == 0 {
		log.Warn().Msg("payload has no event records")
	}

	committed, err := p.repo.CommitRecords(ctx, jobID, batch)
	if err != nil {
		return p.fail(ctx, log, jobID, fmt.Errorf("%w: %v", ErrStorage, err))
	}
	if !committed {
		log.Warn().Msg("job left PROCESSING before commit, records discarded")
		return "", nil
	}

	log.Info().
		Int("metrics", len(batch.Metrics)).
		Int("events", len(batch.Events)).
		Msg("records committed")
	return domain.JobStatusDone, nil
}

func (p *Processor) fail(ctx context.Context, log zerolog.Logger, jobID string, cause error) (domain.JobStatus, error) {
	jobErr := jobErrorFor(cause)
	ok, err := p.repo.Transition(
		context.WithoutCancel(ctx),
		jobID,
		domain.JobStatusProcessing,
		domain.JobStatusFailed,
		domain.TransitionFields{Error: jobErr},
	)
	if err != nil {
		log.Error().Err(err).Msg("could not record processing failure")
		return "", errors.Join(cause, err)
	}
	if !ok {
		return "", cause
	}
	log.Warn().Err(cause).Str("error_code", string(jobErr.Code)).Msg("processing failed")
	return domain.JobStatusFailed, cause
}
