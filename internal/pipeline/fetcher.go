package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iago/history-synth/internal/ai"
	"github.com/iago/history-synth/internal/domain"
	"github.com/iago/history-synth/internal/logger"
	"github.com/iago/history-synth/internal/metrics"
	"github.com/iago/history-synth/internal/repository"
	"github.com/rs/zerolog"
)

// Guard runs an outbound call under admission, health and retry control.
// *resilience.Wrapper satisfies it.
type Guard interface {
	Execute(ctx context.Context, call func(context.Context) error) error
}

type GenerationProfile struct {
	Model           string
	SystemPrompt    string
	Temperature     float64
	MaxOutputTokens int
}

// FetchTask is the work item of the fetch pool. Instructions are not persisted, so
// a fetch task lost before it runs can only be reclaimed by the watchdog.
type FetchTask struct {
	JobID        string
	OwnerID      string
	Instructions string
}

type Fetcher struct {
	repo    repository.JobsRepository
	client  ai.TextGenerator
	guard   Guard
	profile GenerationProfile
	logger  zerolog.Logger
}

func NewFetcher(
	repo repository.JobsRepository,
	client ai.TextGenerator,
	guard Guard,
	profile GenerationProfile,
	log zerolog.Logger,
) *Fetcher {
	return &Fetcher{
		repo:    repo,
		client:  client,
		guard:   guard,
		profile: profile,
		logger:  logger.Component(log, "fetcher"),
	}
}

// Fetch drives a job from CREATED to FETCHED or FAILED and returns the status it
// committed. An empty status means another actor already moved the job and nothing
// was written. The returned error is the stage failure, if any.
func (f *Fetcher) Fetch(ctx context.Context, task FetchTask) (domain.JobStatus, error) {
	log := logger.WithJobID(f.logger, task.JobID)
	started := time.Now()
	defer func() {
		metrics.StageDuration.WithLabelValues("fetch").Observe(time.Since(started).Seconds())
	}()

	ok, err := f.repo.Transition(ctx, task.JobID, domain.JobStatusCreated, domain.JobStatusFetching, domain.TransitionFields{})
	if err != nil {
		return "", fmt.Errorf("mark fetching: %w", err)
	}
	if !ok {
		log.Debug().Msg("job is no longer CREATED, skipping fetch")
		return "", nil
	}

	payload, fetchErr := f.generate(ctx, task)
	if fetchErr != nil {
		return f.fail(ctx, log, task.JobID, fetchErr)
	}

	ok, err = f.repo.Transition(ctx, task.JobID, domain.JobStatusFetching, domain.JobStatusFetched, domain.TransitionFields{Payload: payload})
	if err != nil {
		return f.fail(ctx, log, task.JobID, fmt.Errorf("%w: mark fetched: %v", ErrStorage, err))
	}
	if !ok {
		log.Warn().Msg("job left FETCHING while generating, dropping payload")
		return "", nil
	}
	log.Info().Int("payload_bytes", len(payload)).Msg("payload fetched")
	return domain.JobStatusFetched, nil
}

func (f *Fetcher) generate(ctx context.Context, task FetchTask) (string, error) {
	var text string
	err := f.guard.Execute(ctx, func(ctx context.Context) error {
		result, err := f.client.Generate(ctx, ai.GenerateRequest{
			Model:           f.profile.Model,
			Instructions:    f.profile.SystemPrompt,
			Input:           task.Instructions,
			Temperature:     f.profile.Temperature,
			MaxOutputTokens: f.profile.MaxOutputTokens,
		})
		if err != nil {
			return err
		}
		text = result.Text
		return nil
	})
	if err != nil {
		return "", err
	}
	// Cleaning runs outside the guard: a bad answer is deterministic and never retried.
	return CleanPayload(text)
}

func (f *Fetcher) fail(ctx context.Context, log zerolog.Logger, jobID string, cause error) (domain.JobStatus, error) {
	jobErr := jobErrorFor(cause)
	ok, err := f.repo.Transition(
		context.WithoutCancel(ctx),
		jobID,
		domain.JobStatusFetching,
		domain.JobStatusFailed,
		domain.TransitionFields{Error: jobErr},
	)
	if err != nil {
		log.Error().Err(err).Msg("could not record fetch failure")
		return "", errors.Join(cause, err)
	}
	if !ok {
		return "", cause
	}
	log.Warn().Err(cause).Str("error_code", string(jobErr.Code)).Msg("fetch failed")
	return domain.JobStatusFailed, cause
}
