package orchestration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/vsinha/batchalloc/pkg/application/dto"
	"github.com/vsinha/batchalloc/pkg/application/services/session"
	"github.com/vsinha/batchalloc/pkg/domain/entities"
	apperrors "github.com/vsinha/batchalloc/pkg/errors"
	"github.com/vsinha/batchalloc/pkg/infrastructure/repositories/memory"
	"github.com/vsinha/batchalloc/pkg/infrastructure/worker"
)

func qty(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newPool(t *testing.T, size int) *worker.Pool {
	t.Helper()
	pool, err := worker.NewPool(worker.PoolConfig{Name: "bulk-test", Size: size})
	require.NoError(t, err)
	t.Cleanup(func() { pool.Shutdown(time.Second) })
	return pool
}

// newService seeds material M with 800 across two batches
func newService(t *testing.T) (*memory.BatchStore, *session.AllocationService) {
	t.Helper()
	store := memory.NewBatchStore()
	svc := session.NewAllocationService(store)
	for _, r := range []dto.ReceiveBatchRequest{
		{ID: "B1", MaterialID: "M", TotalWeight: "500", ReceivedDate: "2025-01-01"},
		{ID: "B2", MaterialID: "M", TotalWeight: "300", ReceivedDate: "2025-02-01"},
	} {
		_, err := svc.ReceiveBatch(context.Background(), r)
		require.NoError(t, err)
	}
	return store, svc
}

func repeat(n int, in dto.AllocationRequestInput) []dto.AllocationRequestInput {
	out := make([]dto.AllocationRequestInput, n)
	for i := range out {
		out[i] = in
		out[i].OwnerRef = fmt.Sprintf("WO-%d", i)
	}
	return out
}

func reservedTotal(t *testing.T, store *memory.BatchStore) decimal.Decimal {
	t.Helper()
	batches, err := store.ListBatches(context.Background(), "M")
	require.NoError(t, err)
	total := decimal.Zero
	for _, b := range batches {
		require.NoError(t, b.CheckConservation())
		total = total.Add(b.ReservedWeight)
	}
	return total
}

func TestDecodeRequestFile(t *testing.T) {
	doc := `
default_mode: partial
requests:
  - material_id: STEEL
    quantity: 650
    owner_ref: WO-1
  - material_id: STEEL
    quantity: "100.5"
    mode: exact
    min_grade: B
    picks:
      - batch_id: B1
        quantity: 100.5
`
	rf, err := DecodeRequestFile(strings.NewReader(doc))
	require.NoError(t, err)

	assert.Equal(t, "partial", rf.DefaultMode)
	require.Len(t, rf.Requests, 2)
	assert.Equal(t, "650", rf.Requests[0].Quantity)
	assert.Equal(t, "B", rf.Requests[1].MinGrade)
	require.Len(t, rf.Requests[1].Picks, 1)
	assert.Equal(t, "100.5", rf.Requests[1].Picks[0].Quantity)
}

func TestDecodeRequestFile_UnknownField(t *testing.T) {
	_, err := DecodeRequestFile(strings.NewReader("requests:\n  - material: STEEL\n"))
	assert.Error(t, err)
}

func TestLoadRequestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "requests.yaml")
	require.NoError(t, os.WriteFile(path, []byte("requests:\n  - material_id: M\n    quantity: 10\n"), 0o644))

	rf, err := LoadRequestFile(path)
	require.NoError(t, err)
	assert.Len(t, rf.Requests, 1)

	_, err = LoadRequestFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestBulkAllocator_AllocatesAllStock(t *testing.T) {
	store, svc := newService(t)
	bulk := NewBulkAllocator(svc, newPool(t, 4), WithRetries(50), WithBackoff(time.Millisecond))

	result, err := bulk.Run(context.Background(), repeat(20, dto.AllocationRequestInput{MaterialID: "M", Quantity: "40"}))
	require.NoError(t, err)

	assert.Equal(t, 20, result.Allocated)
	assert.Equal(t, 0, result.Rejected+result.Failed)
	assert.True(t, reservedTotal(t, store).Equal(qty("800")))
	assert.InDelta(t, 1.0, result.Coverage.GetCoverageRatio(), 1e-9)
}

func TestBulkAllocator_LogsPoolMetrics(t *testing.T) {
	_, svc := newService(t)
	core, logs := observer.New(zapcore.InfoLevel)
	bulk := NewBulkAllocator(svc, newPool(t, 4), WithLogger(zap.New(core)))

	_, err := bulk.Run(context.Background(), repeat(2, dto.AllocationRequestInput{MaterialID: "M", Quantity: "100"}))
	require.NoError(t, err)

	finished := logs.FilterMessage("Bulk allocation finished").All()
	require.Len(t, finished, 1)
	fields := finished[0].ContextMap()
	assert.Equal(t, int64(4), fields["pool_cap"])
	assert.Equal(t, int64(2), fields["allocated"])
	assert.Contains(t, fields, "pool_free")
	assert.Contains(t, fields, "pool_running")
}

func TestBulkAllocator_OverDemand(t *testing.T) {
	store, svc := newService(t)
	bulk := NewBulkAllocator(svc, newPool(t, 8), WithRetries(50), WithBackoff(time.Millisecond))

	result, err := bulk.Run(context.Background(), repeat(25, dto.AllocationRequestInput{MaterialID: "M", Quantity: "40"}))
	require.NoError(t, err)

	assert.Equal(t, 20, result.Allocated)
	assert.Equal(t, 5, result.Rejected)
	for _, item := range result.Items {
		if item.Result.IsRejected() {
			assert.True(t, errors.Is(item.Result.Reason, apperrors.ErrIncompleteAllocation), item.Result.Reason.Error())
		}
	}

	steel := result.Coverage.Get("M")
	require.NotNil(t, steel)
	assert.True(t, steel.AllocatedQty.Equal(qty("800")))
	assert.True(t, steel.RemainingDemand.Equal(qty("200")))
	assert.Equal(t, 25, steel.Requests)
	assert.InDelta(t, 0.8, result.Coverage.GetCoverageRatio(), 1e-9)
	assert.True(t, reservedTotal(t, store).Equal(qty("800")))
	assert.Contains(t, result.GetSummary(), "25 requests: 20 allocated")
}

func TestBulkAllocator_RunFileDefaultMode(t *testing.T) {
	_, svc := newService(t)
	bulk := NewBulkAllocator(svc, newPool(t, 2))

	result, err := bulk.RunFile(context.Background(), &RequestFile{
		DefaultMode: "partial",
		Requests:    []dto.AllocationRequestInput{{MaterialID: "M", Quantity: "900"}},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, result.PartiallyAllocated)
	assert.True(t, result.Items[0].Result.Deficit.Equal(qty("100")))
	assert.True(t, result.Coverage.Get("M").RemainingDemand.Equal(qty("100")))

	_, err = bulk.RunFile(context.Background(), &RequestFile{
		DefaultMode: "greedy",
		Requests:    []dto.AllocationRequestInput{{MaterialID: "M", Quantity: "1"}},
	})
	assert.Error(t, err)
}

func TestBulkAllocator_InvalidInputIsRejected(t *testing.T) {
	_, svc := newService(t)
	bulk := NewBulkAllocator(svc, newPool(t, 2))

	result, err := bulk.Run(context.Background(), []dto.AllocationRequestInput{{MaterialID: "M", Quantity: "ten"}})
	require.NoError(t, err)

	item := result.Items[0]
	assert.Equal(t, 1, item.Attempts)
	require.True(t, item.Result.IsRejected())
	assert.Equal(t, apperrors.CodeInvalidRequest, item.Result.Reason.Code)
	assert.Equal(t, 1, result.Rejected)
}

func TestBulkAllocator_NoRequests(t *testing.T) {
	_, svc := newService(t)
	_, err := NewBulkAllocator(svc, newPool(t, 1)).Run(context.Background(), nil)
	assert.Error(t, err)
}

// scriptedAllocator answers from a fixed list of results
type scriptedAllocator struct {
	mu      sync.Mutex
	results []*dto.AllocationResult
	err     error
	calls   int
}

func (s *scriptedAllocator) RequestAllocation(_ context.Context, req entities.AllocationRequest) (*dto.AllocationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	next := s.results[0]
	if len(s.results) > 1 {
		s.results = s.results[1:]
	}
	return next, nil
}

func conflict() *dto.AllocationResult {
	return dto.Rejected(apperrors.ConcurrencyConflict(errors.New("version"), "lost race"))
}

func allocated(q string) *dto.AllocationResult {
	return dto.Allocated(&entities.Reservation{ID: "R1", TotalReserved: qty(q)})
}

func TestBulkAllocator_RetriesRetryableRejections(t *testing.T) {
	alloc := &scriptedAllocator{results: []*dto.AllocationResult{conflict(), conflict(), allocated("10")}}
	bulk := NewBulkAllocator(alloc, newPool(t, 1), WithRetries(3), WithBackoff(0))

	result, err := bulk.Run(context.Background(), []dto.AllocationRequestInput{{MaterialID: "M", Quantity: "10"}})
	require.NoError(t, err)

	assert.Equal(t, 3, result.Items[0].Attempts)
	assert.Equal(t, 1, result.Allocated)
}

func TestBulkAllocator_GivesUpAfterRetries(t *testing.T) {
	alloc := &scriptedAllocator{results: []*dto.AllocationResult{conflict()}}
	bulk := NewBulkAllocator(alloc, newPool(t, 1), WithRetries(1), WithBackoff(0))

	result, err := bulk.Run(context.Background(), []dto.AllocationRequestInput{{MaterialID: "M", Quantity: "10"}})
	require.NoError(t, err)

	assert.Equal(t, 2, result.Items[0].Attempts)
	assert.Equal(t, 1, result.Rejected)
	assert.Equal(t, apperrors.CodeConcurrencyConflict, result.Items[0].Result.Reason.Code)
}

func TestBulkAllocator_NonRetryableStopsImmediately(t *testing.T) {
	alloc := &scriptedAllocator{results: []*dto.AllocationResult{dto.Rejected(apperrors.IncompleteAllocation("short"))}}
	bulk := NewBulkAllocator(alloc, newPool(t, 1), WithRetries(5), WithBackoff(0))

	result, err := bulk.Run(context.Background(), []dto.AllocationRequestInput{{MaterialID: "M", Quantity: "10"}})
	require.NoError(t, err)
	assert.Equal(t, 1, alloc.calls)
	assert.Equal(t, 1, result.Rejected)
}

func TestBulkAllocator_InfrastructureFailure(t *testing.T) {
	alloc := &scriptedAllocator{err: errors.New("disk on fire")}
	bulk := NewBulkAllocator(alloc, newPool(t, 1))

	result, err := bulk.Run(context.Background(), []dto.AllocationRequestInput{{MaterialID: "M", Quantity: "10"}})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Failed)
	assert.EqualError(t, result.Items[0].Err, "disk on fire")
	assert.True(t, result.Coverage.Get("M").RemainingDemand.Equal(qty("10")))
}

func TestBulkAllocator_CancelledContext(t *testing.T) {
	_, svc := newService(t)
	bulk := NewBulkAllocator(svc, newPool(t, 1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := bulk.Run(ctx, repeat(3, dto.AllocationRequestInput{MaterialID: "M", Quantity: "1"}))
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, result)
	assert.Equal(t, 3, result.Failed)
}
