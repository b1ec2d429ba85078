package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/iago/history-synth/internal/domain"
	"github.com/iago/history-synth/internal/logger"
	"github.com/iago/history-synth/internal/metrics"
	"github.com/iago/history-synth/internal/notify"
	"github.com/iago/history-synth/internal/queue"
	"github.com/iago/history-synth/internal/repository"
	"github.com/rs/zerolog"
)

type PoolSizes struct {
	FetchWorkers   int
	FetchQueue     int
	ProcessWorkers int
	ProcessQueue   int
}

type OrchestratorDependencies struct {
	Repo      repository.JobsRepository
	Fetcher   *Fetcher
	Processor *Processor
	Notifier  notify.Notifier
	Pools     PoolSizes
	// BaseContext is handed to every stage; it is never cancelled by the orchestrator.
	BaseContext context.Context
	Logger      zerolog.Logger
}

// Orchestrator moves jobs between stages. Every hand-off happens after the stage
// that produced it has committed, and is decided from the committed status only.
type Orchestrator struct {
	repo        repository.JobsRepository
	fetcher     *Fetcher
	processor   *Processor
	notifier    notify.Notifier
	fetchPool   *queue.Pool
	processPool *queue.Pool
	logger      zerolog.Logger
}

func NewOrchestrator(deps OrchestratorDependencies) *Orchestrator {
	log := logger.Component(deps.Logger, "orchestrator")
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.NewLogNotifier(log)
	}

	return &Orchestrator{
		repo:      deps.Repo,
		fetcher:   deps.Fetcher,
		processor: deps.Processor,
		notifier:  notifier,
		fetchPool: queue.NewPool(queue.PoolConfig{
			Name:        "fetch",
			Workers:     deps.Pools.FetchWorkers,
			QueueSize:   deps.Pools.FetchQueue,
			Policy:      queue.PolicyReject,
			BaseContext: deps.BaseContext,
			Logger:      deps.Logger,
		}),
		processPool: queue.NewPool(queue.PoolConfig{
			Name:        "process",
			Workers:     deps.Pools.ProcessWorkers,
			QueueSize:   deps.Pools.ProcessQueue,
			Policy:      queue.PolicyCallerRuns,
			BaseContext: deps.BaseContext,
			Logger:      deps.Logger,
		}),
		logger: log,
	}
}

// JobCreated schedules the fetch stage for a job whose CREATED row is committed.
// When the fetch pool is saturated the job is failed with OVERLOADED and
// queue.ErrSaturated is returned to the submitter.
func (o *Orchestrator) JobCreated(ctx context.Context, task FetchTask) error {
	err := o.fetchPool.Submit(func(ctx context.Context) {
		o.runFetch(ctx, task)
	})
	if err == nil {
		return nil
	}

	log := logger.WithJobID(o.logger, task.JobID)
	ok, markErr := o.repo.Transition(
		context.WithoutCancel(ctx),
		task.JobID,
		domain.JobStatusCreated,
		domain.JobStatusFailed,
		domain.TransitionFields{Error: domain.NewJobError(domain.ErrorCodeOverloaded, "", err.Error())},
	)
	if markErr != nil {
		log.Error().Err(markErr).Msg("could not mark rejected job as overloaded")
		return errors.Join(err, markErr)
	}
	if ok {
		metrics.JobsFailedTotal.WithLabelValues(string(domain.ErrorCodeOverloaded)).Inc()
	}
	log.Warn().Err(err).Msg("fetch pool rejected job")
	return err
}

// Resume schedules the process stage for a job already committed as FETCHED. The
// watchdog calls it for jobs whose hand-off was lost.
func (o *Orchestrator) Resume(_ context.Context, jobID string) error {
	return o.enqueueProcess(jobID)
}

func (o *Orchestrator) runFetch(ctx context.Context, task FetchTask) {
	status, err := o.fetcher.Fetch(ctx, task)
	switch status {
	case domain.JobStatusFetched:
		if err := o.enqueueProcess(task.JobID); err != nil {
			log := logger.WithJobID(o.logger, task.JobID)
			log.Error().Err(err).Msg("could not schedule processing")
		}
	case domain.JobStatusFailed:
		o.finish(ctx, task.JobID)
	default:
		if err != nil {
			log := logger.WithJobID(o.logger, task.JobID)
			log.Error().Err(err).Msg("fetch stage aborted")
		}
	}
}

func (o *Orchestrator) enqueueProcess(jobID string) error {
	err := o.processPool.Submit(func(ctx context.Context) {
		o.runProcess(ctx, jobID)
	})
	if err != nil {
		return fmt.Errorf("submit process task: %w", err)
	}
	return nil
}

func (o *Orchestrator) runProcess(ctx context.Context, jobID string) {
	status, err := o.processor.Process(ctx, jobID)
	if status.Terminal() {
		o.finish(ctx, jobID)
		return
	}
	if err != nil {
		log := logger.WithJobID(o.logger, jobID)
		log.Error().Err(err).Msg("process stage aborted")
	}
}

// finish reads the committed terminal row and hands the completion signal to the
// notifier. Delivery failures never touch the job.
func (o *Orchestrator) finish(ctx context.Context, jobID string) {
	log := logger.WithJobID(o.logger, jobID)
	job, err := o.repo.GetJob(ctx, jobID)
	if err != nil {
		log.Error().Err(err).Msg("could not load finished job")
		return
	}
	signal, ok := domain.NewCompletionSignal(job)
	if !ok {
		log.Error().Str("status", string(job.Status)).Msg("finished job is not terminal")
		return
	}

	if signal.Status == domain.JobStatusDone {
		metrics.JobsCompletedTotal.Inc()
	} else {
		metrics.JobsFailedTotal.WithLabelValues(string(signal.ErrorCode)).Inc()
	}
	if err := o.notifier.Notify(ctx, signal); err != nil {
		log.Warn().Err(err).Msg("completion signal delivery failed")
	}
}

// Shutdown drains the fetch pool first, since fetch tasks feed the process pool.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	fetchErr := o.fetchPool.Shutdown(ctx)
	processErr := o.processPool.Shutdown(ctx)
	return errors.Join(fetchErr, processErr)
}

func (o *Orchestrator) QueueDepths() (fetch int, process int) {
	return o.fetchPool.QueueLen(), o.processPool.QueueLen()
}
