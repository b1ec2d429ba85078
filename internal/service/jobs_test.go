package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/iago/history-synth/internal/domain"
	"github.com/iago/history-synth/internal/pipeline"
	"github.com/iago/history-synth/internal/queue"
	"github.com/iago/history-synth/internal/repository"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeScheduler struct {
	repo  repository.JobsRepository
	tasks []pipeline.FetchTask
	err   error
}

func (s *fakeScheduler) JobCreated(ctx context.Context, task pipeline.FetchTask) error {
	job, err := s.repo.GetJob(ctx, task.JobID)
	if err != nil {
		return err
	}
	if job.Status != domain.JobStatusCreated {
		return errors.New("job is not CREATED")
	}
	s.tasks = append(s.tasks, task)
	return s.err
}

func TestSubmitCreatesJobBeforeScheduling(t *testing.T) {
	repo := repository.NewMemoryJobsRepository()
	scheduler := &fakeScheduler{repo: repo}
	svc := NewJobsService(repo, scheduler, zerolog.Nop())

	job, err := svc.Submit(context.Background(), SubmitRequest{
		OwnerID:      " owner-1 ",
		Instructions: "90 days of cycling",
		Callback:     domain.CallbackHandle{ChatID: "42", MessageID: "7"},
	})
	require.NoError(t, err)
	assert.Equal(t, "owner-1", job.OwnerID)
	assert.Equal(t, domain.JobStatusCreated, job.Status)

	require.Len(t, scheduler.tasks, 1, "scheduler saw the committed row")
	assert.Equal(t, job.ID, scheduler.tasks[0].JobID)
	assert.Equal(t, "90 days of cycling", scheduler.tasks[0].Instructions)

	stored, err := svc.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, "42", stored.Callback.ChatID)
}

func TestSubmitValidatesRequest(t *testing.T) {
	repo := repository.NewMemoryJobsRepository()
	scheduler := &fakeScheduler{repo: repo}
	svc := NewJobsService(repo, scheduler, zerolog.Nop())

	cases := map[string]SubmitRequest{
		"missing owner":      {Instructions: "x"},
		"long owner":         {OwnerID: strings.Repeat("o", MaxOwnerIDLength+1), Instructions: "x"},
		"blank instructions": {OwnerID: "owner-1", Instructions: "   "},
		"huge instructions":  {OwnerID: "owner-1", Instructions: strings.Repeat("i", MaxInstructionsBytes+1)},
		"long callback":      {OwnerID: "owner-1", Instructions: "x", Callback: domain.CallbackHandle{ChatID: strings.Repeat("c", 200)}},
	}
	for name, request := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Submit(context.Background(), request)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
	assert.Empty(t, scheduler.tasks)
}

func TestSubmitSurfacesSaturation(t *testing.T) {
	repo := repository.NewMemoryJobsRepository()
	svc := NewJobsService(repo, &fakeScheduler{repo: repo, err: queue.ErrSaturated}, zerolog.Nop())

	job, err := svc.Submit(context.Background(), SubmitRequest{OwnerID: "owner-1", Instructions: "x"})
	require.ErrorIs(t, err, queue.ErrSaturated)
	require.NotNil(t, job)
	assert.NotEmpty(t, job.ID)
}
