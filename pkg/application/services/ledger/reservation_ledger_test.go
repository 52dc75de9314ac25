package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vsinha/batchalloc/pkg/domain/entities"
	"github.com/vsinha/batchalloc/pkg/domain/repositories"
	apperrors "github.com/vsinha/batchalloc/pkg/errors"
	"github.com/vsinha/batchalloc/pkg/infrastructure/repositories/memory"
)

var fixedNow = time.Date(2025, time.May, 1, 12, 0, 0, 0, time.UTC)

func qty(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func setup(t *testing.T) (*memory.BatchStore, *ReservationLedger) {
	t.Helper()
	store := memory.NewBatchStore()
	jan := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	for _, row := range []struct {
		id, weight string
		received   time.Time
	}{
		{"B1", "500", jan},
		{"B2", "300", jan.AddDate(0, 1, 0)},
	} {
		b, err := entities.NewBatch(entities.BatchID(row.id), "M", "CODE-"+row.id, qty(row.weight), row.received)
		require.NoError(t, err)
		require.NoError(t, store.CreateBatch(context.Background(), b))
	}

	var seq atomic.Int64
	l := NewReservationLedger(store,
		WithClock(func() time.Time { return fixedNow }),
		WithIDGenerator(func() entities.ReservationID {
			return entities.ReservationID(fmt.Sprintf("R%d", seq.Add(1)))
		}),
	)
	return store, l
}

func plan(required string, lines ...entities.AllocationLine) *entities.AllocationPlan {
	p := &entities.AllocationPlan{MaterialID: "M", RequiredQuantity: qty(required), Lines: lines, TotalAllocated: decimal.Zero}
	for _, l := range lines {
		p.TotalAllocated = p.TotalAllocated.Add(l.Quantity)
	}
	p.Deficit = entities.Deficit(p.RequiredQuantity, p.TotalAllocated)
	return p
}

func line(id, q string) entities.AllocationLine {
	return entities.AllocationLine{BatchID: entities.BatchID(id), Quantity: qty(q)}
}

func weights(t *testing.T, store *memory.BatchStore, id string) (available, reserved, consumed string, status entities.BatchStatus) {
	t.Helper()
	b, err := store.ReadBatch(context.Background(), entities.BatchID(id))
	require.NoError(t, err)
	require.NoError(t, b.CheckConservation())
	return b.AvailableWeight.String(), b.ReservedWeight.String(), b.ConsumedWeight.String(), b.Status
}

func TestCommit(t *testing.T) {
	ctx := context.Background()
	store, l := setup(t)

	res, err := l.Commit(ctx, plan("600", line("B1", "500"), line("B2", "100")), entities.ExactMatch, "WO-1")
	require.NoError(t, err)

	assert.Equal(t, entities.ReservationID("R1"), res.ID)
	assert.Equal(t, entities.LineCommitted, res.Status)
	assert.Equal(t, "WO-1", res.OwnerRef)
	require.Len(t, res.Lines, 2)
	for _, ln := range res.Lines {
		assert.Equal(t, entities.LineCommitted, ln.State)
	}

	av, rs, _, status := weights(t, store, "B1")
	assert.Equal(t, "0", av)
	assert.Equal(t, "500", rs)
	assert.Equal(t, entities.BatchActive, status)

	av, rs, _, _ = weights(t, store, "B2")
	assert.Equal(t, "200", av)
	assert.Equal(t, "100", rs)

	stored, err := l.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.LineCommitted, stored.Status)
}

func TestCommit_MergesLinesPerBatch(t *testing.T) {
	_, l := setup(t)

	res, err := l.Commit(context.Background(), plan("300", line("B1", "100"), line("B1", "200")), entities.ExactMatch, "")
	require.NoError(t, err)
	require.Len(t, res.Lines, 1)
	assert.True(t, res.Lines[0].Quantity.Equal(qty("300")))
}

func TestCommit_ShortfallWritesNothing(t *testing.T) {
	ctx := context.Background()
	store, l := setup(t)

	_, err := l.Commit(ctx, plan("400", line("B1", "100"), line("B2", "301")), entities.PartialAllowed, "")
	require.True(t, errors.Is(err, apperrors.ErrInsufficientStock), "got %v", err)

	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, "B2", appErr.Params["batch_id"])
	assert.Equal(t, "1", appErr.Params["shortfall"])

	av, rs, _, _ := weights(t, store, "B1")
	assert.Equal(t, "500", av, "B1 must be untouched when B2 fails")
	assert.Equal(t, "0", rs)

	_, err = l.Get(ctx, "R1")
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestCommit_BlockedBatch(t *testing.T) {
	ctx := context.Background()
	store, l := setup(t)
	_, err := store.SetBatchHold(ctx, "B2", true)
	require.NoError(t, err)

	_, err = l.Commit(ctx, plan("10", line("B2", "10")), entities.ExactMatch, "")
	assert.True(t, errors.Is(err, apperrors.ErrInsufficientStock))
}

func TestCommit_UnknownBatchAndEmptyPlan(t *testing.T) {
	_, l := setup(t)

	_, err := l.Commit(context.Background(), plan("10", line("GHOST", "10")), entities.ExactMatch, "")
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))

	_, err = l.Commit(context.Background(), plan("10"), entities.ExactMatch, "")
	assert.True(t, errors.Is(err, apperrors.ErrInvalidRequest))
}

func TestReleaseRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, l := setup(t)

	res, err := l.Commit(ctx, plan("600", line("B1", "500"), line("B2", "100")), entities.ExactMatch, "")
	require.NoError(t, err)

	released, err := l.Release(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.LineReleased, released.Status)
	for _, ln := range released.Lines {
		assert.Equal(t, entities.LineReleased, ln.State)
	}

	av, rs, cs, status := weights(t, store, "B1")
	assert.Equal(t, []string{"500", "0", "0"}, []string{av, rs, cs})
	assert.Equal(t, entities.BatchActive, status)
	av, rs, cs, _ = weights(t, store, "B2")
	assert.Equal(t, []string{"300", "0", "0"}, []string{av, rs, cs})

	_, err = l.Release(ctx, res.ID)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidState))
	_, err = l.Consume(ctx, res.ID)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidState))
}

func TestConsume(t *testing.T) {
	ctx := context.Background()
	store, l := setup(t)

	res, err := l.Commit(ctx, plan("600", line("B1", "500"), line("B2", "100")), entities.ExactMatch, "")
	require.NoError(t, err)

	consumed, err := l.Consume(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.LineConsumed, consumed.Status)

	av, rs, cs, status := weights(t, store, "B1")
	assert.Equal(t, []string{"0", "0", "500"}, []string{av, rs, cs})
	assert.Equal(t, entities.BatchExhausted, status)

	av, rs, cs, status = weights(t, store, "B2")
	assert.Equal(t, []string{"200", "0", "100"}, []string{av, rs, cs})
	assert.Equal(t, entities.BatchActive, status)

	// second consume must not decrement again
	_, err = l.Consume(ctx, res.ID)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidState))
	_, _, cs, _ = weights(t, store, "B1")
	assert.Equal(t, "500", cs)
}

func TestSettle_UnknownReservation(t *testing.T) {
	_, l := setup(t)

	_, err := l.Release(context.Background(), "R404")
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
	_, err = l.Consume(context.Background(), "R404")
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestCommit_ConcurrentCommitsNeverOverAllocate(t *testing.T) {
	ctx := context.Background()
	store, l := setup(t)

	const callers = 16
	var wg sync.WaitGroup
	var ok, insufficient, conflicts atomic.Int32
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Commit(ctx, plan("100", line("B2", "100")), entities.ExactMatch, "")
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, apperrors.ErrInsufficientStock):
				insufficient.Add(1)
			case errors.Is(err, apperrors.ErrConcurrencyConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, ok.Load(), int32(3))
	assert.Equal(t, int32(callers), ok.Load()+insufficient.Load()+conflicts.Load())

	_, rs, _, _ := weights(t, store, "B2")
	assert.Equal(t, qty("100").Mul(decimal.NewFromInt32(ok.Load())).String(), rs)
}

func TestTranslate(t *testing.T) {
	_, l := setup(t)

	tests := []struct {
		name string
		in   error
		want error
	}{
		{"version", fmt.Errorf("x: %w", repositories.ErrVersionConflict), apperrors.ErrConcurrencyConflict},
		{"status", repositories.ErrStatusConflict, apperrors.ErrInvalidState},
		{"batch", repositories.ErrBatchNotFound, apperrors.ErrNotFound},
		{"passthrough", apperrors.InvalidRequest("bad"), apperrors.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, errors.Is(l.translate(tt.in, "op"), tt.want))
		})
	}

	plain := l.translate(errors.New("disk on fire"), "op")
	_, isApp := apperrors.IsAppError(plain)
	assert.False(t, isApp)
}
