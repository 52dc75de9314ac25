package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPool(t *testing.T) {
	pool, err := NewPool(DefaultPoolConfig())
	require.NoError(t, err)
	defer pool.Shutdown(time.Second)

	assert.Equal(t, 16, pool.Metrics()["cap"])

	_, err = NewPool(PoolConfig{Name: "bad", Size: 0})
	assert.Error(t, err)
}

func TestPool_Submit(t *testing.T) {
	pool, err := NewPool(PoolConfig{Name: "test", Size: 4})
	require.NoError(t, err)
	defer pool.Shutdown(time.Second)

	var executed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		err := pool.Submit(context.Background(), func(ctx context.Context) {
			defer wg.Done()
			executed.Add(1)
		})
		require.NoError(t, err)
	}
	wg.Wait()
	assert.Equal(t, int32(20), executed.Load())
}

func TestPool_Submit_CancelledContext(t *testing.T) {
	pool, err := NewPool(DefaultPoolConfig())
	require.NoError(t, err)
	defer pool.Shutdown(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = pool.Submit(ctx, func(ctx context.Context) {
		t.Error("task should not run with a cancelled context")
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPool_RecoversPanics(t *testing.T) {
	pool, err := NewPool(PoolConfig{Name: "panicky", Size: 1})
	require.NoError(t, err)
	defer pool.Shutdown(time.Second)

	done := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) {
		panic("boom")
	}))
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) {
		close(done)
	}))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pool stopped running tasks after a panic")
	}
}

func TestPool_SubmitAfterShutdown(t *testing.T) {
	pool, err := NewPool(PoolConfig{Name: "closed", Size: 1})
	require.NoError(t, err)
	pool.Shutdown(time.Second)

	err = pool.Submit(context.Background(), func(ctx context.Context) {})
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestGroup_WaitsForAllTasks(t *testing.T) {
	pool, err := NewPool(PoolConfig{Name: "group", Size: 3})
	require.NoError(t, err)
	defer pool.Shutdown(time.Second)

	var executed atomic.Int32
	g := pool.Group()
	for i := 0; i < 12; i++ {
		require.NoError(t, g.Go(context.Background(), func(ctx context.Context) {
			time.Sleep(time.Millisecond)
			executed.Add(1)
		}))
	}
	g.Wait()
	assert.Equal(t, int32(12), executed.Load())
}

func TestGroup_CancelledTasksCountAsFinished(t *testing.T) {
	pool, err := NewPool(PoolConfig{Name: "group-cancel", Size: 1})
	require.NoError(t, err)
	defer pool.Shutdown(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	g := pool.Group()

	require.NoError(t, g.Go(ctx, func(ctx context.Context) { <-release }))
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
		close(release)
	}()
	// blocks until the first task frees the only worker
	_ = g.Go(ctx, func(ctx context.Context) {})

	finished := make(chan struct{})
	go func() {
		g.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("group never finished")
	}
}
