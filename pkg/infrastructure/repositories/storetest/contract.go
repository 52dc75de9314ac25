// Package storetest holds the behaviour every repositories.Repository
// adapter must share. Adapter packages run it from their own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vsinha/batchalloc/pkg/domain/entities"
	"github.com/vsinha/batchalloc/pkg/domain/repositories"
)

// Factory returns an empty store; it is closed by the caller's cleanup.
type Factory func(t *testing.T) repositories.Repository

// Jan1 is the received date of the oldest seeded batch
var Jan1 = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)

// Seed creates B1 (500, Jan 1, grade A) and B2 (300, Feb 1) of material M
// and C1 (40) of material COPPER.
func Seed(t *testing.T, store repositories.Repository) {
	t.Helper()
	ctx := context.Background()
	for _, row := range []struct {
		id, material, weight string
		received             time.Time
		grade                entities.QualityGrade
	}{
		{"B1", "M", "500", Jan1, entities.GradeA},
		{"B2", "M", "300", Jan1.AddDate(0, 1, 0), entities.Ungraded},
		{"C1", "COPPER", "40", Jan1, entities.GradeB},
	} {
		b, err := entities.NewBatch(entities.BatchID(row.id), entities.MaterialID(row.material),
			"CODE-"+row.id, decimal.RequireFromString(row.weight), row.received)
		require.NoError(t, err)
		b.QualityGrade = row.grade
		b.HeatNumber = "HEAT-" + row.id
		b.UnitCost = decimal.RequireFromString("1.25")
		require.NoError(t, store.CreateBatch(ctx, b))
	}
}

func qty(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// Run exercises the adapter produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateReadList", func(t *testing.T) { testCreateReadList(t, newStore(t)) })
	t.Run("ApplyDeltaVersionGuard", func(t *testing.T) { testApplyDelta(t, newStore(t)) })
	t.Run("Hold", func(t *testing.T) { testHold(t, newStore(t)) })
	t.Run("Reservations", func(t *testing.T) { testReservations(t, newStore(t)) })
	t.Run("TxRollback", func(t *testing.T) { testTxRollback(t, newStore(t)) })
	t.Run("TxCommit", func(t *testing.T) { testTxCommit(t, newStore(t)) })
	t.Run("ConcurrentTx", func(t *testing.T) { testConcurrentTx(t, newStore(t)) })
}

func testCreateReadList(t *testing.T, store repositories.Repository) {
	ctx := context.Background()
	Seed(t, store)

	b, err := store.ReadBatch(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, entities.MaterialID("M"), b.MaterialID)
	assert.Equal(t, "CODE-B1", b.BatchCode)
	assert.Equal(t, entities.GradeA, b.QualityGrade)
	assert.Equal(t, "HEAT-B1", b.HeatNumber)
	assert.True(t, b.ReceivedDate.Equal(Jan1))
	assert.True(t, b.ManufacturedDate.IsZero())
	assert.True(t, b.TotalWeight.Equal(qty("500")))
	assert.True(t, b.AvailableWeight.Equal(qty("500")))
	assert.True(t, b.UnitCost.Equal(qty("1.25")))
	assert.Equal(t, entities.BatchActive, b.Status)
	assert.Equal(t, int64(0), b.Version)

	_, err = store.ReadBatch(ctx, "NOPE")
	assert.ErrorIs(t, err, repositories.ErrBatchNotFound)

	active, err := store.ListActiveBatches(ctx, "M")
	require.NoError(t, err)
	assert.Len(t, active, 2)

	listed, err := store.ListBatches(ctx, "M")
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, entities.BatchID("B1"), listed[0].ID)
	assert.Equal(t, entities.BatchID("B2"), listed[1].ID)

	all, err := store.ListBatches(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	dup, err := entities.NewBatch("B1", "M", "OTHER-CODE", qty("1"), Jan1)
	require.NoError(t, err)
	assert.ErrorIs(t, store.CreateBatch(ctx, dup), repositories.ErrDuplicateBatch)
}

func testApplyDelta(t *testing.T, store repositories.Repository) {
	ctx := context.Background()
	Seed(t, store)

	require.NoError(t, store.ApplyDelta(ctx, "B1", entities.ReserveDelta(qty("120.5")), 0))
	assert.ErrorIs(t, store.ApplyDelta(ctx, "B1", entities.ReserveDelta(qty("1")), 0), repositories.ErrVersionConflict)
	assert.Error(t, store.ApplyDelta(ctx, "B1", entities.ReserveDelta(qty("1000")), 1))

	require.NoError(t, store.ApplyDelta(ctx, "B1", entities.ConsumeDelta(qty("120.5")), 1))
	b, err := store.ReadBatch(ctx, "B1")
	require.NoError(t, err)
	require.NoError(t, b.CheckConservation())
	assert.Equal(t, int64(2), b.Version)
	assert.True(t, b.AvailableWeight.Equal(qty("379.5")))
	assert.True(t, b.ReservedWeight.IsZero())
	assert.True(t, b.ConsumedWeight.Equal(qty("120.5")))

	require.NoError(t, store.ApplyDelta(ctx, "C1", entities.ReserveDelta(qty("40")), 0))
	require.NoError(t, store.ApplyDelta(ctx, "C1", entities.ConsumeDelta(qty("40")), 1))
	c, err := store.ReadBatch(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, entities.BatchExhausted, c.Status)

	active, err := store.ListActiveBatches(ctx, "COPPER")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func testHold(t *testing.T, store repositories.Repository) {
	ctx := context.Background()
	Seed(t, store)

	held, err := store.SetBatchHold(ctx, "B2", true)
	require.NoError(t, err)
	assert.Equal(t, entities.BatchBlocked, held.Status)
	assert.Equal(t, int64(1), held.Version)

	active, err := store.ListActiveBatches(ctx, "M")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, entities.BatchID("B1"), active[0].ID)

	cleared, err := store.SetBatchHold(ctx, "B2", false)
	require.NoError(t, err)
	assert.Equal(t, entities.BatchActive, cleared.Status)

	_, err = store.SetBatchHold(ctx, "NOPE", true)
	assert.ErrorIs(t, err, repositories.ErrBatchNotFound)
}

func newReservation(id string, status entities.LineState) *entities.Reservation {
	now := Jan1.Add(time.Hour)
	return &entities.Reservation{
		ID:               entities.ReservationID(id),
		OwnerRef:         "WO-7",
		MaterialID:       "M",
		Mode:             entities.PartialAllowed,
		RequiredQuantity: qty("650"),
		TotalReserved:    qty("600"),
		Deficit:          qty("50"),
		Lines: []entities.ReservationLine{
			{BatchID: "B1", Quantity: qty("500"), State: status},
			{BatchID: "B2", Quantity: qty("100"), State: status},
		},
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func testReservations(t *testing.T, store repositories.Repository) {
	ctx := context.Background()
	Seed(t, store)

	require.NoError(t, store.SaveReservation(ctx, newReservation("R1", entities.LineCommitted)))

	got, err := store.GetReservation(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, "WO-7", got.OwnerRef)
	assert.Equal(t, entities.PartialAllowed, got.Mode)
	assert.True(t, got.Deficit.Equal(qty("50")))
	require.Len(t, got.Lines, 2)
	assert.Equal(t, entities.BatchID("B1"), got.Lines[0].BatchID)
	assert.True(t, got.Lines[1].Quantity.Equal(qty("100")))
	assert.True(t, got.CreatedAt.Equal(Jan1.Add(time.Hour)))

	consumed := got.Clone()
	require.NoError(t, consumed.Transition(entities.LineConsumed, Jan1.Add(2*time.Hour)))
	require.NoError(t, store.UpdateReservationStatus(ctx, consumed, entities.LineCommitted))

	got, err = store.GetReservation(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, entities.LineConsumed, got.Status)
	for _, line := range got.Lines {
		assert.Equal(t, entities.LineConsumed, line.State)
	}

	released := got.Clone()
	released.Status = entities.LineReleased
	err = store.UpdateReservationStatus(ctx, released, entities.LineCommitted)
	assert.ErrorIs(t, err, repositories.ErrStatusConflict)

	_, err = store.GetReservation(ctx, "R404")
	assert.ErrorIs(t, err, repositories.ErrReservationNotFound)
	err = store.UpdateReservationStatus(ctx, newReservation("R404", entities.LineReleased), entities.LineCommitted)
	assert.ErrorIs(t, err, repositories.ErrReservationNotFound)
}

func testTxRollback(t *testing.T, store repositories.Repository) {
	ctx := context.Background()
	Seed(t, store)
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(tx repositories.Store) error {
		require.NoError(t, tx.ApplyDelta(ctx, "B1", entities.ReserveDelta(qty("500")), 0))
		require.NoError(t, tx.SaveReservation(ctx, newReservation("R1", entities.LineCommitted)))

		inside, err := tx.ReadBatch(ctx, "B1")
		require.NoError(t, err)
		assert.True(t, inside.ReservedWeight.Equal(qty("500")), "tx reads its own writes")
		return boom
	})
	assert.ErrorIs(t, err, boom)

	b, err := store.ReadBatch(ctx, "B1")
	require.NoError(t, err)
	assert.True(t, b.AvailableWeight.Equal(qty("500")))
	assert.Equal(t, int64(0), b.Version)

	_, err = store.GetReservation(ctx, "R1")
	assert.ErrorIs(t, err, repositories.ErrReservationNotFound)
}

func testTxCommit(t *testing.T, store repositories.Repository) {
	ctx := context.Background()
	Seed(t, store)

	err := store.WithTx(ctx, func(tx repositories.Store) error {
		if err := tx.ApplyDelta(ctx, "B1", entities.ReserveDelta(qty("500")), 0); err != nil {
			return err
		}
		if err := tx.ApplyDelta(ctx, "B2", entities.ReserveDelta(qty("100")), 0); err != nil {
			return err
		}
		return tx.SaveReservation(ctx, newReservation("R1", entities.LineCommitted))
	})
	require.NoError(t, err)

	b1, err := store.ReadBatch(ctx, "B1")
	require.NoError(t, err)
	assert.True(t, b1.ReservedWeight.Equal(qty("500")))
	b2, err := store.ReadBatch(ctx, "B2")
	require.NoError(t, err)
	assert.True(t, b2.AvailableWeight.Equal(qty("200")))

	_, err = store.GetReservation(ctx, "R1")
	assert.NoError(t, err)
}

func testConcurrentTx(t *testing.T, store repositories.Repository) {
	ctx := context.Background()
	Seed(t, store)

	const workers = 12
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := store.WithTx(ctx, func(tx repositories.Store) error {
				b, err := tx.ReadBatch(ctx, "C1")
				if err != nil {
					return err
				}
				if b.AvailableWeight.LessThan(qty("5")) {
					return fmt.Errorf("short")
				}
				return tx.ApplyDelta(ctx, "C1", entities.ReserveDelta(qty("5")), b.Version)
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	c, err := store.ReadBatch(ctx, "C1")
	require.NoError(t, err)
	require.NoError(t, c.CheckConservation())
	assert.LessOrEqual(t, succeeded, 8)
	assert.True(t, c.ReservedWeight.Equal(qty("5").Mul(decimal.NewFromInt(int64(succeeded)))),
		"reserved %s after %d commits", c.ReservedWeight, succeeded)
}
