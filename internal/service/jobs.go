package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/iago/history-synth/internal/domain"
	"github.com/iago/history-synth/internal/logger"
	"github.com/iago/history-synth/internal/metrics"
	"github.com/iago/history-synth/internal/pipeline"
	"github.com/iago/history-synth/internal/repository"
	"github.com/rs/zerolog"
)

var ErrInvalidRequest = errors.New("invalid request")

const (
	MaxOwnerIDLength      = 64
	MaxInstructionsBytes  = 8 * 1024
	MaxCallbackFieldBytes = 128
)

type SubmitRequest struct {
	OwnerID      string
	Instructions string
	Callback     domain.CallbackHandle
}

// Scheduler receives jobs whose CREATED row is committed.
type Scheduler interface {
	JobCreated(ctx context.Context, task pipeline.FetchTask) error
}

type JobsService struct {
	repo      repository.JobsRepository
	scheduler Scheduler
	logger    zerolog.Logger
	now       func() time.Time
}

func NewJobsService(repo repository.JobsRepository, scheduler Scheduler, log zerolog.Logger) *JobsService {
	return &JobsService{
		repo:      repo,
		scheduler: scheduler,
		logger:    logger.Component(log, "jobs_service"),
		now:       time.Now,
	}
}

// Submit durably creates the job, then hands it to the pipeline. It returns once the
// row exists; a saturated pipeline surfaces queue.ErrSaturated and the job is
// already failed with OVERLOADED.
func (s *JobsService) Submit(ctx context.Context, request SubmitRequest) (*domain.Job, error) {
	request.OwnerID = strings.TrimSpace(request.OwnerID)
	request.Callback.ChatID = strings.TrimSpace(request.Callback.ChatID)
	request.Callback.MessageID = strings.TrimSpace(request.Callback.MessageID)
	if err := validateSubmit(request); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	job := &domain.Job{
		ID:        uuid.NewString(),
		OwnerID:   request.OwnerID,
		Status:    domain.JobStatusCreated,
		Callback:  request.Callback,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	metrics.JobsSubmittedTotal.Inc()

	err := s.scheduler.JobCreated(ctx, pipeline.FetchTask{
		JobID:        job.ID,
		OwnerID:      job.OwnerID,
		Instructions: request.Instructions,
	})
	if err != nil {
		return job, fmt.Errorf("schedule job: %w", err)
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("owner_id", job.OwnerID).
		Msg("job accepted")
	return job, nil
}

func (s *JobsService) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	return s.repo.GetJob(ctx, jobID)
}

func validateSubmit(request SubmitRequest) error {
	switch {
	case request.OwnerID == "":
		return fmt.Errorf("%w: owner_id is required", ErrInvalidRequest)
	case len(request.OwnerID) > MaxOwnerIDLength:
		return fmt.Errorf("%w: owner_id exceeds %d characters", ErrInvalidRequest, MaxOwnerIDLength)
	case strings.TrimSpace(request.Instructions) == "":
		return fmt.Errorf("%w: instructions are required", ErrInvalidRequest)
	case len(request.Instructions) > MaxInstructionsBytes:
		return fmt.Errorf("%w: instructions exceed %d bytes", ErrInvalidRequest, MaxInstructionsBytes)
	case len(request.Callback.ChatID) > MaxCallbackFieldBytes, len(request.Callback.MessageID) > MaxCallbackFieldBytes:
		return fmt.Errorf("%w: callback fields exceed %d bytes", ErrInvalidRequest, MaxCallbackFieldBytes)
	}
	return nil
}
