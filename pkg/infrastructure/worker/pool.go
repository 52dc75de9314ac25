// Package worker provides the goroutine pool used for bulk allocation.
//
// Tasks are context-aware: a task whose context is cancelled while queued
// is skipped instead of run.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/vsinha/batchalloc/pkg/infrastructure/logger"
)

// ErrPoolClosed is returned when submitting to a released pool.
var ErrPoolClosed = errors.New("worker pool is closed")

// Task is a context-aware task function.
type Task func(ctx context.Context)

// Pool wraps ants.Pool with context-aware submission.
type Pool struct {
	pool *ants.Pool
	name string
}

// PoolConfig contains worker pool configuration.
type PoolConfig struct {
	Name string
	Size int
}

// DefaultPoolConfig returns default configuration.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{Name: "allocation", Size: 16}
}

// NewPool creates a blocking pool; Submit waits for a free worker.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("worker pool size must be positive, got %d", cfg.Size)
	}

	name := cfg.Name
	panicHandler := func(p interface{}) {
		logger.Error("Worker panic recovered",
			zap.String("pool", name),
			zap.Any("panic", p),
			zap.Stack("stack"),
		)
	}

	p, err := ants.NewPool(cfg.Size,
		ants.WithPanicHandler(panicHandler),
		ants.WithNonblocking(false),
		ants.WithExpiryDuration(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create worker pool %s: %w", name, err)
	}
	return &Pool{pool: p, name: name}, nil
}

// Submit submits a context-aware task.
// If ctx is already cancelled, returns ctx.Err() without submitting.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	return p.submit(ctx, task, nil)
}

// submit runs task on the pool; done, if set, is called once the task has
// run or been skipped.
func (p *Pool) submit(ctx context.Context, task Task, done func()) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	err := p.pool.Submit(func() {
		if done != nil {
			defer done()
		}
		select {
		case <-ctx.Done():
			logger.Debug("Task skipped: context cancelled",
				zap.String("pool", p.name),
				zap.Error(ctx.Err()),
			)
			return
		default:
		}
		task(ctx)
	})
	if errors.Is(err, ants.ErrPoolClosed) {
		return ErrPoolClosed
	}
	return err
}

// Group tracks tasks submitted to one pool so a caller can wait for all of them.
type Group struct {
	pool *Pool
	wg   sync.WaitGroup
}

// Group starts an empty task group on p
func (p *Pool) Group() *Group {
	return &Group{pool: p}
}

// Go submits task as part of the group. A task that is never submitted or
// is skipped on cancellation still counts as finished.
func (g *Group) Go(ctx context.Context, task Task) error {
	g.wg.Add(1)
	if err := g.pool.submit(ctx, task, g.wg.Done); err != nil {
		g.wg.Done()
		return err
	}
	return nil
}

// Wait blocks until every task of the group has finished or been skipped
func (g *Group) Wait() {
	g.wg.Wait()
}

// Shutdown waits up to timeout for running tasks and releases the pool.
func (p *Pool) Shutdown(timeout time.Duration) {
	if err := p.pool.ReleaseTimeout(timeout); err != nil {
		logger.Warn("Worker pool shutdown timeout", zap.String("pool", p.name), zap.Error(err))
	}
}

// Metrics returns pool metrics for observability.
func (p *Pool) Metrics() map[string]int {
	return map[string]int{
		"running": p.pool.Running(),
		"free":    p.pool.Free(),
		"cap":     p.pool.Cap(),
	}
}
