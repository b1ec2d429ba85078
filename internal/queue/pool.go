package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/iago/history-synth/internal/metrics"
	"github.com/rs/zerolog"
)

type PoolConfig struct {
	Name      string
	Workers   int
	QueueSize int
	Policy    SaturationPolicy
	// BaseContext is handed to every task. Defaults to context.Background().
	BaseContext context.Context
	Logger      zerolog.Logger
}

// Pool runs tasks on a fixed set of workers fed by a bounded queue.
type Pool struct {
	name   string
	policy SaturationPolicy
	ctx    context.Context
	logger zerolog.Logger

	mu     sync.RWMutex
	closed bool
	tasks  chan Task
	wg     sync.WaitGroup
}

func NewPool(config PoolConfig) *Pool {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.QueueSize < 0 {
		config.QueueSize = 0
	}
	if config.Name == "" {
		config.Name = "pool"
	}
	if config.BaseContext == nil {
		config.BaseContext = context.Background()
	}

	pool := &Pool{
		name:   config.Name,
		policy: config.Policy,
		ctx:    config.BaseContext,
		logger: config.Logger.With().Str("pool", config.Name).Logger(),
		tasks:  make(chan Task, config.QueueSize),
	}
	for i := 0; i < config.Workers; i++ {
		pool.wg.Add(1)
		go pool.worker(i)
	}
	pool.logger.Info().
		Int("workers", config.Workers).
		Int("queue_size", config.QueueSize).
		Str("policy", config.Policy.String()).
		Msg("worker pool started")
	return pool
}

func (p *Pool) Name() string {
	return p.name
}

// Submit queues task. When the queue is full a Reject pool returns ErrSaturated and a
// CallerRuns pool runs the task before returning.
func (p *Pool) Submit(task Task) error {
	if task == nil {
		return errors.New("task is nil")
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrPoolClosed
	}
	select {
	case p.tasks <- task:
		metrics.PoolQueueDepth.WithLabelValues(p.name).Set(float64(len(p.tasks)))
		p.mu.RUnlock()
		return nil
	default:
	}
	p.mu.RUnlock()

	if p.policy == PolicyCallerRuns {
		metrics.PoolCallerRunsTotal.WithLabelValues(p.name).Inc()
		p.logger.Debug().Msg("queue full, running task on caller")
		p.run(task)
		return nil
	}
	metrics.PoolRejectedTotal.WithLabelValues(p.name).Inc()
	return ErrSaturated
}

// QueueLen returns the number of tasks waiting for a worker.
func (p *Pool) QueueLen() int {
	return len(p.tasks)
}

// Shutdown stops accepting tasks and waits for queued and running ones to finish.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info().Msg("worker pool stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown %s pool: %w", p.name, ctx.Err())
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for task := range p.tasks {
		metrics.PoolQueueDepth.WithLabelValues(p.name).Set(float64(len(p.tasks)))
		p.runWorker(id, task)
	}
}

func (p *Pool) runWorker(id int, task Task) {
	defer func() {
		if recovered := recover(); recovered != nil {
			p.logger.Error().Int("worker_id", id).Interface("panic", recovered).Msg("task panicked")
		}
	}()
	task(p.ctx)
}

func (p *Pool) run(task Task) {
	defer func() {
		if recovered := recover(); recovered != nil {
			p.logger.Error().Str("worker", "caller").Interface("panic", recovered).Msg("task panicked")
		}
	}()
	task(p.ctx)
}
