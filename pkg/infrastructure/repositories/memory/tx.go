package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/vsinha/batchalloc/pkg/domain/entities"
	"github.com/vsinha/batchalloc/pkg/domain/repositories"
)

// stagedBatch is a batch write buffered by a transaction. baseVersion is the
// live version the first write in the transaction was checked against.
type stagedBatch struct {
	baseVersion int64
	next        *entities.Batch
}

type stagedStatus struct {
	reservation *entities.Reservation
	from        entities.LineState
}

// memTx buffers writes and publishes them atomically on commit
type memTx struct {
	store *BatchStore

	batches      map[entities.BatchID]*stagedBatch
	created      map[entities.ReservationID]*entities.Reservation
	statusWrites map[entities.ReservationID]*stagedStatus
}

var _ repositories.Store = (*memTx)(nil)

// WithTx runs fn against a transaction view of the store. Writes stay private
// to the transaction until fn returns nil; they are then validated against
// live versions under per-row locks and applied together, or not at all.
func (s *BatchStore) WithTx(ctx context.Context, fn func(tx repositories.Store) error) error {
	tx := &memTx{
		store:        s,
		batches:      make(map[entities.BatchID]*stagedBatch),
		created:      make(map[entities.ReservationID]*entities.Reservation),
		statusWrites: make(map[entities.ReservationID]*stagedStatus),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return tx.commit()
}

func (t *memTx) ListActiveBatches(ctx context.Context, materialID entities.MaterialID) ([]*entities.Batch, error) {
	live, err := t.store.ListActiveBatches(ctx, materialID)
	if err != nil {
		return nil, err
	}
	active := make([]*entities.Batch, 0, len(live))
	for _, b := range live {
		if staged, ok := t.batches[b.ID]; ok {
			b = cloneBatch(staged.next)
		}
		if b.Status == entities.BatchActive {
			active = append(active, b)
		}
	}
	return active, nil
}

func (t *memTx) ReadBatch(ctx context.Context, batchID entities.BatchID) (*entities.Batch, error) {
	if staged, ok := t.batches[batchID]; ok {
		return cloneBatch(staged.next), nil
	}
	return t.store.ReadBatch(ctx, batchID)
}

func (t *memTx) ApplyDelta(ctx context.Context, batchID entities.BatchID, delta entities.BatchDelta, expectedVersion int64) error {
	current, err := t.ReadBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if current.Version != expectedVersion {
		return fmt.Errorf("%w: batch %s at version %d, expected %d",
			repositories.ErrVersionConflict, batchID, current.Version, expectedVersion)
	}

	next, err := current.Apply(delta, t.store.now())
	if err != nil {
		return err
	}
	if staged, ok := t.batches[batchID]; ok {
		staged.next = next
		return nil
	}
	t.batches[batchID] = &stagedBatch{baseVersion: expectedVersion, next: next}
	return nil
}

func (t *memTx) SaveReservation(ctx context.Context, reservation *entities.Reservation) error {
	if _, ok := t.created[reservation.ID]; ok {
		return fmt.Errorf("reservation %s already exists", reservation.ID)
	}
	if _, err := t.store.GetReservation(ctx, reservation.ID); err == nil {
		return fmt.Errorf("reservation %s already exists", reservation.ID)
	}
	t.created[reservation.ID] = reservation.Clone()
	return nil
}

func (t *memTx) GetReservation(ctx context.Context, id entities.ReservationID) (*entities.Reservation, error) {
	if w, ok := t.statusWrites[id]; ok {
		return w.reservation.Clone(), nil
	}
	if r, ok := t.created[id]; ok {
		return r.Clone(), nil
	}
	return t.store.GetReservation(ctx, id)
}

func (t *memTx) UpdateReservationStatus(ctx context.Context, reservation *entities.Reservation, from entities.LineState) error {
	current, err := t.GetReservation(ctx, reservation.ID)
	if err != nil {
		return err
	}
	if current.Status != from {
		return fmt.Errorf("%w: reservation %s is %s, expected %s",
			repositories.ErrStatusConflict, reservation.ID, current.Status, from)
	}

	if _, ok := t.created[reservation.ID]; ok {
		t.created[reservation.ID] = reservation.Clone()
		return nil
	}
	if w, ok := t.statusWrites[reservation.ID]; ok {
		w.reservation = reservation.Clone()
		return nil
	}
	t.statusWrites[reservation.ID] = &stagedStatus{reservation: reservation.Clone(), from: from}
	return nil
}

// commit locks every touched row in ID order, re-checks versions and
// reservation statuses, then applies everything.
func (t *memTx) commit() error {
	ids := make([]entities.BatchID, 0, len(t.batches))
	for id := range t.batches {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	rows := make([]*batchRow, 0, len(ids))
	for _, id := range ids {
		row, err := t.store.row(id)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}

	for _, row := range rows {
		row.mu.Lock()
	}
	defer func() {
		for _, row := range rows {
			row.mu.Unlock()
		}
	}()

	for i, row := range rows {
		staged := t.batches[ids[i]]
		if row.batch.Version != staged.baseVersion {
			return fmt.Errorf("%w: batch %s at version %d, expected %d",
				repositories.ErrVersionConflict, ids[i], row.batch.Version, staged.baseVersion)
		}
	}

	t.store.resMu.Lock()
	defer t.store.resMu.Unlock()

	for id := range t.created {
		if _, exists := t.store.reservations[id]; exists {
			return fmt.Errorf("reservation %s already exists", id)
		}
	}
	for id, w := range t.statusWrites {
		current, ok := t.store.reservations[id]
		if !ok {
			return fmt.Errorf("%w: %s", repositories.ErrReservationNotFound, id)
		}
		if current.Status != w.from {
			return fmt.Errorf("%w: reservation %s is %s, expected %s",
				repositories.ErrStatusConflict, id, current.Status, w.from)
		}
	}

	for i, row := range rows {
		row.batch = *t.batches[ids[i]].next
	}
	for id, r := range t.created {
		t.store.reservations[id] = r
	}
	for id, w := range t.statusWrites {
		t.store.reservations[id] = w.reservation
	}
	return nil
}

func cloneBatch(b *entities.Batch) *entities.Batch {
	c := *b
	return &c
}
