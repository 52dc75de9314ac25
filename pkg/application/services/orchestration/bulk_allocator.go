// Package orchestration runs many allocation requests in parallel over the
// worker pool and aggregates their coverage per material.
package orchestration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/vsinha/batchalloc/pkg/application/dto"
	"github.com/vsinha/batchalloc/pkg/application/services/shared"
	"github.com/vsinha/batchalloc/pkg/domain/entities"
	apperrors "github.com/vsinha/batchalloc/pkg/errors"
	"github.com/vsinha/batchalloc/pkg/infrastructure/logger"
	"github.com/vsinha/batchalloc/pkg/infrastructure/worker"
)

// Allocator is the single-request entry point the bulk runner drives
type Allocator interface {
	RequestAllocation(ctx context.Context, req entities.AllocationRequest) (*dto.AllocationResult, error)
}

// RequestFile is the YAML document read by LoadRequestFile
type RequestFile struct {
	DefaultMode string                       `yaml:"default_mode"`
	Requests    []dto.AllocationRequestInput `yaml:"requests"`
}

// LoadRequestFile reads a bulk request file
func LoadRequestFile(path string) (*RequestFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open request file %s: %w", path, err)
	}
	defer f.Close()

	rf, err := DecodeRequestFile(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rf, nil
}

// DecodeRequestFile decodes a bulk request document
func DecodeRequestFile(r io.Reader) (*RequestFile, error) {
	var rf RequestFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&rf); err != nil {
		if errors.Is(err, io.EOF) {
			return &rf, nil
		}
		return nil, fmt.Errorf("failed to decode request file: %w", err)
	}
	return &rf, nil
}

// BulkItem is the outcome of one request of a bulk run. Err is set only
// for infrastructure failures; domain failures are Rejected results.
type BulkItem struct {
	Index    int
	Input    dto.AllocationRequestInput
	Result   *dto.AllocationResult
	Attempts int
	Err      error
}

// BulkResult contains the outcome of a bulk run
type BulkResult struct {
	Items      []BulkItem
	Coverage   shared.AllocationMap
	StartedAt  time.Time
	FinishedAt time.Time

	Allocated          int
	PartiallyAllocated int
	Rejected           int
	Failed             int
}

// GetSummary returns a one-line summary of the run
func (r *BulkResult) GetSummary() string {
	return fmt.Sprintf(
		"%d requests: %d allocated, %d partial, %d rejected, %d failed; reserved %s of %s (%.1f%% coverage) in %v",
		len(r.Items), r.Allocated, r.PartiallyAllocated, r.Rejected, r.Failed,
		r.Coverage.GetTotalAllocated(), r.Coverage.GetTotalDemand(),
		r.Coverage.GetCoverageRatio()*100, r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond),
	)
}

// BulkAllocator fans allocation requests out over a worker pool. A request
// rejected with a retryable error is re-planned against fresh stock up to
// the configured number of retries.
type BulkAllocator struct {
	allocator   Allocator
	pool        *worker.Pool
	retries     int
	defaultMode entities.AllocationMode
	backoff     time.Duration
	log         *zap.Logger
}

// Option customizes a BulkAllocator
type Option func(*BulkAllocator)

// WithRetries sets how often a retryable rejection is retried
func WithRetries(n int) Option {
	return func(b *BulkAllocator) { b.retries = n }
}

// WithDefaultMode sets the mode of requests that do not name one
func WithDefaultMode(mode entities.AllocationMode) Option {
	return func(b *BulkAllocator) { b.defaultMode = mode }
}

// WithBackoff sets the pause before each retry
func WithBackoff(d time.Duration) Option {
	return func(b *BulkAllocator) { b.backoff = d }
}

// WithLogger routes run logs to log instead of the global logger
func WithLogger(log *zap.Logger) Option {
	return func(b *BulkAllocator) { b.log = log }
}

// NewBulkAllocator creates a bulk runner over allocator
func NewBulkAllocator(allocator Allocator, pool *worker.Pool, opts ...Option) *BulkAllocator {
	b := &BulkAllocator{
		allocator:   allocator,
		pool:        pool,
		retries:     3,
		defaultMode: entities.ExactMatch,
		backoff:     5 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// RunFile runs every request of a request file. The file's default mode
// overrides the allocator default.
func (b *BulkAllocator) RunFile(ctx context.Context, rf *RequestFile) (*BulkResult, error) {
	mode := b.defaultMode
	if rf.DefaultMode != "" {
		m, err := entities.ParseAllocationMode(rf.DefaultMode)
		if err != nil {
			return nil, fmt.Errorf("request file default mode: %w", err)
		}
		mode = m
	}
	return b.run(ctx, rf.Requests, mode)
}

// Run allocates every input concurrently and waits for all of them
func (b *BulkAllocator) Run(ctx context.Context, inputs []dto.AllocationRequestInput) (*BulkResult, error) {
	return b.run(ctx, inputs, b.defaultMode)
}

func (b *BulkAllocator) run(ctx context.Context, inputs []dto.AllocationRequestInput, mode entities.AllocationMode) (*BulkResult, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("no allocation requests provided")
	}

	result := &BulkResult{
		Items:     make([]BulkItem, len(inputs)),
		Coverage:  shared.NewAllocationMap(),
		StartedAt: time.Now(),
	}
	for i, in := range inputs {
		result.Items[i] = BulkItem{Index: i, Input: in, Err: context.Canceled}
	}

	group := b.pool.Group()
	for i := range inputs {
		item := &result.Items[i]
		if err := group.Go(ctx, func(ctx context.Context) { b.allocate(ctx, item, mode) }); err != nil {
			for j := i; j < len(inputs); j++ {
				result.Items[j].Err = err
			}
			break
		}
	}
	group.Wait()
	result.FinishedAt = time.Now()

	for i := range result.Items {
		b.tally(result, &result.Items[i])
	}

	pool := b.pool.Metrics()
	b.runLog().Info("Bulk allocation finished",
		zap.Int("requests", len(result.Items)),
		zap.Int("allocated", result.Allocated),
		zap.Int("partially_allocated", result.PartiallyAllocated),
		zap.Int("rejected", result.Rejected),
		zap.Int("failed", result.Failed),
		zap.Float64("coverage", result.Coverage.GetCoverageRatio()),
		zap.Int("pool_cap", pool["cap"]),
		zap.Int("pool_running", pool["running"]),
		zap.Int("pool_free", pool["free"]),
	)
	if err := ctx.Err(); err != nil {
		return result, err
	}
	return result, nil
}

func (b *BulkAllocator) allocate(ctx context.Context, item *BulkItem, mode entities.AllocationMode) {
	item.Err = nil

	req, err := item.Input.ToRequest(mode)
	if err != nil {
		item.Attempts = 1
		item.Result = dto.Rejected(apperrors.InvalidRequest("request %d: %v", item.Index, err))
		return
	}

	for attempt := 0; attempt <= b.retries; attempt++ {
		if attempt > 0 && b.backoff > 0 {
			select {
			case <-ctx.Done():
				item.Err = ctx.Err()
				return
			case <-time.After(b.backoff * time.Duration(attempt)):
			}
		}

		item.Attempts = attempt + 1
		res, err := b.allocator.RequestAllocation(ctx, req)
		if err != nil {
			item.Err = err
			return
		}
		item.Result = res
		if !res.IsRejected() || !apperrors.IsRetryable(res.Reason) {
			return
		}

		b.runLog().Debug("Retrying allocation",
			zap.Int("index", item.Index),
			zap.String("material_id", string(req.MaterialID)),
			zap.String("code", res.Reason.Code),
			zap.Int("attempt", item.Attempts),
		)
	}
}

func (b *BulkAllocator) tally(result *BulkResult, item *BulkItem) {
	material := entities.MaterialID(strings.TrimSpace(item.Input.MaterialID))
	required, err := entities.ParseQuantity(item.Input.Quantity)
	if err != nil || required.IsNegative() {
		required = decimal.Zero
	}

	switch {
	case item.Err != nil || item.Result == nil:
		result.Failed++
		result.Coverage.Record(material, decimal.Zero, required, true)
	case item.Result.IsRejected():
		result.Rejected++
		result.Coverage.Record(material, decimal.Zero, required, true)
	default:
		if item.Result.Outcome == dto.OutcomePartiallyAllocated {
			result.PartiallyAllocated++
		} else {
			result.Allocated++
		}
		reserved := item.Result.Reservation.TotalReserved
		result.Coverage.Record(material, reserved, entities.Deficit(required, reserved), false)
	}
}

func (b *BulkAllocator) runLog() *zap.Logger {
	if b.log != nil {
		return b.log
	}
	return logger.L()
}
