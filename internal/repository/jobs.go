package repository

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/iago/history-synth/internal/domain"
)

var (
	ErrNotFound          = errors.New("resource not found")
	ErrIllegalTransition = domain.ErrIllegalTransition
)

// JobsRepository is the durable job store. Transition and CommitRecords are the
// only mutation paths for an existing job; a stale expected status is reported as
// (false, nil), never as an error.
type JobsRepository interface {
	CreateJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	Transition(
		ctx context.Context,
		jobID string,
		expected domain.JobStatus,
		next domain.JobStatus,
		fields domain.TransitionFields,
	) (bool, error)
	CommitRecords(ctx context.Context, jobID string, batch domain.RecordBatch) (bool, error)
	ListStalled(
		ctx context.Context,
		statuses []domain.JobStatus,
		createdBefore time.Time,
		limit int,
	) ([]domain.Job, error)
	DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error)
	CountRecords(ctx context.Context, jobID string) (metrics int, events int, err error)
	Close() error
}

// MemoryJobsRepository stores jobs in memory for local development and tests.
type MemoryJobsRepository struct {
	mu      sync.RWMutex
	jobs    map[string]*domain.Job
	metrics map[string][]domain.MetricRecord
	events  map[string][]domain.EventRecord
	now     func() time.Time
}

func NewMemoryJobsRepository() *MemoryJobsRepository {
	return &MemoryJobsRepository{
		jobs:    make(map[string]*domain.Job),
		metrics: make(map[string][]domain.MetricRecord),
		events:  make(map[string][]domain.EventRecord),
		now:     time.Now,
	}
}

func (r *MemoryJobsRepository) CreateJob(_ context.Context, job *domain.Job) error {
	if err := validateNewJob(job); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[job.ID]; exists {
		return ErrDuplicateJob
	}
	r.jobs[job.ID] = job.Clone()
	return nil
}

func (r *MemoryJobsRepository) GetJob(_ context.Context, jobID string) (*domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

func (r *MemoryJobsRepository) Transition(
	_ context.Context,
	jobID string,
	expected domain.JobStatus,
	next domain.JobStatus,
	fields domain.TransitionFields,
) (bool, error) {
	write, err := domain.PlanTransition(expected, next, fields, r.now())
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok || job.Status != expected {
		return false, nil
	}
	write.Apply(job)
	return true, nil
}

func (r *MemoryJobsRepository) CommitRecords(
	_ context.Context,
	jobID string,
	batch domain.RecordBatch,
) (bool, error) {
	write, err := domain.PlanTransition(domain.JobStatusProcessing, domain.JobStatusDone, domain.TransitionFields{}, r.now())
	if err != nil {
		return false, err
	}
	if err := validateBatch(batch); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok || job.Status != domain.JobStatusProcessing {
		return false, nil
	}
	r.metrics[jobID] = append(r.metrics[jobID], batch.Metrics...)
	r.events[jobID] = append(r.events[jobID], batch.Events...)
	write.Apply(job)
	return true, nil
}

func (r *MemoryJobsRepository) ListStalled(
	_ context.Context,
	statuses []domain.JobStatus,
	createdBefore time.Time,
	limit int,
) ([]domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	wanted := make(map[domain.JobStatus]struct{}, len(statuses))
	for _, status := range statuses {
		wanted[status] = struct{}{}
	}

	items := make([]domain.Job, 0)
	for _, job := range r.jobs {
		if _, ok := wanted[job.Status]; !ok {
			continue
		}
		if !job.CreatedAt.Before(createdBefore) {
			continue
		}
		items = append(items, *job.Clone())
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (r *MemoryJobsRepository) DeleteTerminalBefore(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var deleted int64
	for id, job := range r.jobs {
		if !job.Status.Terminal() || !job.CreatedAt.Before(before) {
			continue
		}
		delete(r.jobs, id)
		delete(r.metrics, id)
		delete(r.events, id)
		deleted++
	}
	return deleted, nil
}

func (r *MemoryJobsRepository) CountRecords(_ context.Context, jobID string) (int, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.metrics[jobID]), len(r.events[jobID]), nil
}

func (r *MemoryJobsRepository) Close() error {
	return nil
}

var ErrDuplicateJob = errors.New("job already exists")

func validateNewJob(job *domain.Job) error {
	if job == nil {
		return errors.New("job is nil")
	}
	if job.ID == "" {
		return errors.New("job.ID is required")
	}
	if job.Status != domain.JobStatusCreated {
		return errors.New("new jobs must start in CREATED")
	}
	if job.Payload != nil || job.Error != nil {
		return errors.New("new jobs cannot carry payload or error context")
	}
	return nil
}

func validateBatch(batch domain.RecordBatch) error {
	for _, metric := range batch.Metrics {
		if len(metric.Name) > MaxRecordNameLength {
			return errors.New("metric name exceeds column size")
		}
	}
	for _, event := range batch.Events {
		if len(event.Kind) > MaxRecordNameLength {
			return errors.New("event kind exceeds column size")
		}
	}
	return nil
}

// MaxRecordNameLength mirrors the VARCHAR(64) columns of the SQL schemas.
const MaxRecordNameLength = 64

func statusStrings(statuses []domain.JobStatus) []string {
	values := make([]string, 0, len(statuses))
	for _, status := range statuses {
		values = append(values, string(status))
	}
	return values
}
