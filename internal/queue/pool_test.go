package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func blockingTask(started chan<- struct{}, release <-chan struct{}) Task {
	return func(context.Context) {
		if started != nil {
			started <- struct{}{}
		}
		<-release
	}
}

func TestPoolRunsTasks(t *testing.T) {
	pool := NewPool(PoolConfig{Name: "run", Workers: 2, QueueSize: 4, Logger: zerolog.Nop()})

	var ran atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		require.NoError(t, pool.Submit(func(context.Context) {
			defer wg.Done()
			ran.Add(1)
		}))
	}
	wg.Wait()
	assert.Equal(t, int32(4), ran.Load())
	require.NoError(t, pool.Shutdown(context.Background()))
}

func TestRejectPoolFailsFastWhenSaturated(t *testing.T) {
	pool := NewPool(PoolConfig{Name: "reject", Workers: 1, QueueSize: 1, Policy: PolicyReject, Logger: zerolog.Nop()})
	release := make(chan struct{})
	started := make(chan struct{}, 1)

	require.NoError(t, pool.Submit(blockingTask(started, release)))
	<-started
	require.NoError(t, pool.Submit(blockingTask(nil, release)), "queue slot is free")

	err := pool.Submit(func(context.Context) { t.Error("rejected task must not run") })
	assert.ErrorIs(t, err, ErrSaturated)

	close(release)
	require.NoError(t, pool.Shutdown(context.Background()))
}

func TestCallerRunsPoolExecutesOnSubmitter(t *testing.T) {
	pool := NewPool(PoolConfig{Name: "caller", Workers: 1, QueueSize: 1, Policy: PolicyCallerRuns, Logger: zerolog.Nop()})
	release := make(chan struct{})
	started := make(chan struct{}, 1)

	require.NoError(t, pool.Submit(blockingTask(started, release)))
	<-started
	require.NoError(t, pool.Submit(blockingTask(nil, release)))

	ranInline := false
	require.NoError(t, pool.Submit(func(context.Context) { ranInline = true }))
	assert.True(t, ranInline, "saturated caller-runs pool executes before Submit returns")

	close(release)
	require.NoError(t, pool.Shutdown(context.Background()))
}

func TestPoolRejectsAfterShutdown(t *testing.T) {
	pool := NewPool(PoolConfig{Name: "closed", Workers: 1, QueueSize: 1, Logger: zerolog.Nop()})
	require.NoError(t, pool.Shutdown(context.Background()))
	require.NoError(t, pool.Shutdown(context.Background()), "shutdown is idempotent")

	assert.ErrorIs(t, pool.Submit(func(context.Context) {}), ErrPoolClosed)
}

func TestPoolShutdownDrainsQueuedTasks(t *testing.T) {
	pool := NewPool(PoolConfig{Name: "drain", Workers: 1, QueueSize: 8, Logger: zerolog.Nop()})
	var ran atomic.Int32
	for i := 0; i < 8; i++ {
		require.NoError(t, pool.Submit(func(context.Context) {
			time.Sleep(time.Millisecond)
			ran.Add(1)
		}))
	}
	require.NoError(t, pool.Shutdown(context.Background()))
	assert.Equal(t, int32(8), ran.Load())
}

func TestPoolShutdownHonoursDeadline(t *testing.T) {
	pool := NewPool(PoolConfig{Name: "deadline", Workers: 1, QueueSize: 1, Logger: zerolog.Nop()})
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	require.NoError(t, pool.Submit(blockingTask(started, release)))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, pool.Shutdown(ctx), context.DeadlineExceeded)
	close(release)
}

func TestPoolSurvivesPanickingTask(t *testing.T) {
	pool := NewPool(PoolConfig{Name: "panic", Workers: 1, QueueSize: 2, Logger: zerolog.Nop()})
	done := make(chan struct{})
	require.NoError(t, pool.Submit(func(context.Context) { panic("boom") }))
	require.NoError(t, pool.Submit(func(context.Context) { close(done) }))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive the panic")
	}
	require.NoError(t, pool.Shutdown(context.Background()))
}
