package repository

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/iago/history-synth/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type repoFactory func(t *testing.T) JobsRepository

func backends(t *testing.T) map[string]repoFactory {
	t.Helper()
	factories := map[string]repoFactory{
		"memory": func(t *testing.T) JobsRepository {
			return NewMemoryJobsRepository()
		},
		"sqlite": func(t *testing.T) JobsRepository {
			repo, err := NewSQLiteJobsRepository(context.Background(), filepath.Join(t.TempDir(), "jobs.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = repo.Close() })
			return repo
		},
	}
	if url := os.Getenv("TEST_DATABASE_URL"); url != "" {
		factories["postgres"] = func(t *testing.T) JobsRepository {
			repo, err := NewPostgresJobsRepository(context.Background(), url, 4)
			require.NoError(t, err)
			t.Cleanup(func() { _ = repo.Close() })
			return repo
		}
	}
	return factories
}

func newJob(createdAt time.Time) *domain.Job {
	return &domain.Job{
		ID:        uuid.NewString(),
		OwnerID:   "owner-1",
		Status:    domain.JobStatusCreated,
		Callback:  domain.CallbackHandle{ChatID: "chat-1", MessageID: "msg-1"},
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func advance(t *testing.T, repo JobsRepository, jobID string, path ...domain.JobStatus) {
	t.Helper()
	ctx := context.Background()
	current := domain.JobStatusCreated
	for _, next := range path {
		fields := domain.TransitionFields{}
		if next == domain.JobStatusFetched {
			fields.Payload = `{"metrics":[],"events":[]}`
		}
		applied, err := repo.Transition(ctx, jobID, current, next, fields)
		require.NoError(t, err)
		require.True(t, applied, "%s -> %s", current, next)
		current = next
	}
}

func sampleBatch(jobID string) domain.RecordBatch {
	day := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	return domain.RecordBatch{
		Metrics: []domain.MetricRecord{
			{JobID: jobID, OwnerID: "owner-1", Date: day, Name: "resting_heart_rate", Value: 58, Unit: "bpm"},
			{JobID: jobID, OwnerID: "owner-1", Date: day, Name: "sleep_hours", Value: 7.5, Unit: "h"},
		},
		Events: []domain.EventRecord{
			{JobID: jobID, OwnerID: "owner-1", Date: day, Kind: "workout", Title: "Easy run", DurationMinutes: 40},
		},
	}
}

func TestJobsRepositoryLifecycle(t *testing.T) {
	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			repo := factory(t)
			ctx := context.Background()
			job := newJob(time.Now().UTC())
			require.NoError(t, repo.CreateJob(ctx, job))

			stored, err := repo.GetJob(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.JobStatusCreated, stored.Status)
			assert.Equal(t, "chat-1", stored.Callback.ChatID)
			assert.Nil(t, stored.Payload)

			advance(t, repo, job.ID, domain.JobStatusFetching, domain.JobStatusFetched)
			stored, err = repo.GetJob(ctx, job.ID)
			require.NoError(t, err)
			require.NotNil(t, stored.Payload)

			applied, err := repo.Transition(ctx, job.ID, domain.JobStatusFetched, domain.JobStatusProcessing, domain.TransitionFields{})
			require.NoError(t, err)
			require.True(t, applied)

			stored, err = repo.GetJob(ctx, job.ID)
			require.NoError(t, err)
			assert.Nil(t, stored.Payload, "payload is cleared once processing starts")

			committed, err := repo.CommitRecords(ctx, job.ID, sampleBatch(job.ID))
			require.NoError(t, err)
			require.True(t, committed)

			stored, err = repo.GetJob(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.JobStatusDone, stored.Status)
			assert.NotNil(t, stored.CompletedAt)
			assert.Nil(t, stored.Error)

			metrics, events, err := repo.CountRecords(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, 2, metrics)
			assert.Equal(t, 1, events)
		})
	}
}

func TestJobsRepositoryStaleTransitionIsNoop(t *testing.T) {
	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			repo := factory(t)
			ctx := context.Background()
			job := newJob(time.Now().UTC())
			require.NoError(t, repo.CreateJob(ctx, job))
			advance(t, repo, job.ID, domain.JobStatusFetching)

			applied, err := repo.Transition(ctx, job.ID, domain.JobStatusCreated, domain.JobStatusFetching, domain.TransitionFields{})
			require.NoError(t, err)
			assert.False(t, applied)

			applied, err = repo.Transition(ctx, "missing", domain.JobStatusCreated, domain.JobStatusFetching, domain.TransitionFields{})
			require.NoError(t, err)
			assert.False(t, applied)

			_, err = repo.Transition(ctx, job.ID, domain.JobStatusFetching, domain.JobStatusDone, domain.TransitionFields{})
			assert.ErrorIs(t, err, ErrIllegalTransition)

			stored, err := repo.GetJob(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.JobStatusFetching, stored.Status)
		})
	}
}

func TestJobsRepositoryFailedCarriesError(t *testing.T) {
	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			repo := factory(t)
			ctx := context.Background()
			job := newJob(time.Now().UTC())
			require.NoError(t, repo.CreateJob(ctx, job))
			advance(t, repo, job.ID, domain.JobStatusFetching, domain.JobStatusFetched)

			applied, err := repo.Transition(ctx, job.ID, domain.JobStatusFetched, domain.JobStatusFailed, domain.TransitionFields{
				Error: domain.NewJobError(domain.ErrorCodeParse, "", "unexpected token"),
			})
			require.NoError(t, err)
			require.True(t, applied)

			stored, err := repo.GetJob(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.JobStatusFailed, stored.Status)
			assert.Nil(t, stored.Payload)
			require.NotNil(t, stored.Error)
			assert.Equal(t, domain.ErrorCodeParse, stored.Error.Code)
			assert.Equal(t, "unexpected token", stored.Error.Details)
			assert.NotNil(t, stored.CompletedAt)

			applied, err = repo.Transition(ctx, job.ID, domain.JobStatusFailed, domain.JobStatusFailed, domain.TransitionFields{
				Error: domain.NewJobError(domain.ErrorCodeUnknown, "", ""),
			})
			assert.ErrorIs(t, err, ErrIllegalTransition)
			assert.False(t, applied)
		})
	}
}

func TestJobsRepositoryCommitRequiresProcessing(t *testing.T) {
	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			repo := factory(t)
			ctx := context.Background()
			job := newJob(time.Now().UTC())
			require.NoError(t, repo.CreateJob(ctx, job))
			advance(t, repo, job.ID, domain.JobStatusFetching, domain.JobStatusFetched)

			committed, err := repo.CommitRecords(ctx, job.ID, sampleBatch(job.ID))
			require.NoError(t, err)
			assert.False(t, committed)

			metrics, events, err := repo.CountRecords(ctx, job.ID)
			require.NoError(t, err)
			assert.Zero(t, metrics)
			assert.Zero(t, events)
		})
	}
}

func TestSQLiteCommitRollsBackOnConstraintViolation(t *testing.T) {
	repo, err := NewSQLiteJobsRepository(context.Background(), filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	ctx := context.Background()
	job := newJob(time.Now().UTC())
	require.NoError(t, repo.CreateJob(ctx, job))
	advance(t, repo, job.ID, domain.JobStatusFetching, domain.JobStatusFetched, domain.JobStatusProcessing)

	batch := sampleBatch(job.ID)
	batch.Metrics[1].Name = strings.Repeat("x", 100)

	committed, err := repo.CommitRecords(ctx, job.ID, batch)
	require.Error(t, err)
	assert.False(t, committed)

	metrics, events, err := repo.CountRecords(ctx, job.ID)
	require.NoError(t, err)
	assert.Zero(t, metrics, "first metric row must be rolled back")
	assert.Zero(t, events)

	stored, err := repo.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusProcessing, stored.Status)
}

func TestMemoryCommitRejectsOversizedNames(t *testing.T) {
	repo := NewMemoryJobsRepository()
	ctx := context.Background()
	job := newJob(time.Now().UTC())
	require.NoError(t, repo.CreateJob(ctx, job))
	advance(t, repo, job.ID, domain.JobStatusFetching, domain.JobStatusFetched, domain.JobStatusProcessing)

	batch := sampleBatch(job.ID)
	batch.Events[0].Kind = strings.Repeat("k", MaxRecordNameLength+1)

	committed, err := repo.CommitRecords(ctx, job.ID, batch)
	require.Error(t, err)
	assert.False(t, committed)

	metrics, _, err := repo.CountRecords(ctx, job.ID)
	require.NoError(t, err)
	assert.Zero(t, metrics)
}

func TestJobsRepositoryListStalled(t *testing.T) {
	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			repo := factory(t)
			ctx := context.Background()
			now := time.Now().UTC()

			old := newJob(now.Add(-6 * time.Minute))
			recent := newJob(now.Add(-1 * time.Minute))
			fetched := newJob(now.Add(-10 * time.Minute))
			for _, job := range []*domain.Job{old, recent, fetched} {
				require.NoError(t, repo.CreateJob(ctx, job))
			}
			advance(t, repo, old.ID, domain.JobStatusFetching)
			advance(t, repo, recent.ID, domain.JobStatusFetching)
			advance(t, repo, fetched.ID, domain.JobStatusFetching, domain.JobStatusFetched)

			stalled, err := repo.ListStalled(ctx, domain.StalledStatuses, now.Add(-5*time.Minute), 10)
			require.NoError(t, err)
			require.Len(t, stalled, 1)
			assert.Equal(t, old.ID, stalled[0].ID)

			stalled, err = repo.ListStalled(ctx, []domain.JobStatus{domain.JobStatusFetched}, now.Add(-5*time.Minute), 10)
			require.NoError(t, err)
			require.Len(t, stalled, 1)
			assert.Equal(t, fetched.ID, stalled[0].ID)
		})
	}
}

func TestJobsRepositoryDeleteTerminalBefore(t *testing.T) {
	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			repo := factory(t)
			ctx := context.Background()
			now := time.Now().UTC()

			doneOld := newJob(now.Add(-8 * 24 * time.Hour))
			failedOld := newJob(now.Add(-9 * 24 * time.Hour))
			runningOld := newJob(now.Add(-8 * 24 * time.Hour))
			doneRecent := newJob(now.Add(-24 * time.Hour))
			for _, job := range []*domain.Job{doneOld, failedOld, runningOld, doneRecent} {
				require.NoError(t, repo.CreateJob(ctx, job))
			}

			for _, job := range []*domain.Job{doneOld, doneRecent} {
				advance(t, repo, job.ID, domain.JobStatusFetching, domain.JobStatusFetched, domain.JobStatusProcessing)
				committed, err := repo.CommitRecords(ctx, job.ID, sampleBatch(job.ID))
				require.NoError(t, err)
				require.True(t, committed)
			}
			applied, err := repo.Transition(ctx, failedOld.ID, domain.JobStatusCreated, domain.JobStatusFailed, domain.TransitionFields{
				Error: domain.NewJobError(domain.ErrorCodeOverloaded, "", ""),
			})
			require.NoError(t, err)
			require.True(t, applied)
			advance(t, repo, runningOld.ID, domain.JobStatusFetching)

			deleted, err := repo.DeleteTerminalBefore(ctx, now.Add(-7*24*time.Hour))
			require.NoError(t, err)
			assert.Equal(t, int64(2), deleted)

			_, err = repo.GetJob(ctx, doneOld.ID)
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = repo.GetJob(ctx, failedOld.ID)
			assert.ErrorIs(t, err, ErrNotFound)

			metrics, events, err := repo.CountRecords(ctx, doneOld.ID)
			require.NoError(t, err)
			assert.Zero(t, metrics, "records cascade with their job")
			assert.Zero(t, events)

			_, err = repo.GetJob(ctx, runningOld.ID)
			assert.NoError(t, err, "non-terminal jobs survive retention")
			_, err = repo.GetJob(ctx, doneRecent.ID)
			assert.NoError(t, err)
		})
	}
}

func TestJobsRepositoryConcurrentTransitionSingleWinner(t *testing.T) {
	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			repo := factory(t)
			ctx := context.Background()
			job := newJob(time.Now().UTC())
			require.NoError(t, repo.CreateJob(ctx, job))

			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				wins int
			)
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					applied, err := repo.Transition(ctx, job.ID, domain.JobStatusCreated, domain.JobStatusFetching, domain.TransitionFields{})
					if err != nil {
						t.Errorf("transition: %v", err)
						return
					}
					if applied {
						mu.Lock()
						wins++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, 1, wins)
		})
	}
}

func TestCreateJobRejectsInvalidInitialState(t *testing.T) {
	repo := NewMemoryJobsRepository()
	job := newJob(time.Now())
	job.Status = domain.JobStatusFetching
	assert.Error(t, repo.CreateJob(context.Background(), job))

	job = newJob(time.Now())
	require.NoError(t, repo.CreateJob(context.Background(), job))
	assert.ErrorIs(t, repo.CreateJob(context.Background(), job), ErrDuplicateJob)
}
