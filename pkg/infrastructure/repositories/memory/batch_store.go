package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vsinha/batchalloc/pkg/domain/entities"
	"github.com/vsinha/batchalloc/pkg/domain/repositories"
)

// batchRow is one batch guarded by its own lock, so commits touching
// disjoint batches never wait on each other.
type batchRow struct {
	mu    sync.Mutex
	batch entities.Batch
}

func (r *batchRow) snapshot() *entities.Batch {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.batch
	return &b
}

// BatchStore provides in-memory batch and reservation storage with
// optimistic, per-row concurrency control
type BatchStore struct {
	mu    sync.RWMutex // guards the rows and codes maps, not the rows
	rows  map[entities.BatchID]*batchRow
	codes map[string]entities.BatchID

	resMu        sync.Mutex
	reservations map[entities.ReservationID]*entities.Reservation

	now func() time.Time
}

// NewBatchStore creates a new in-memory batch store
func NewBatchStore() *BatchStore {
	return &BatchStore{
		rows:         make(map[entities.BatchID]*batchRow),
		codes:        make(map[string]entities.BatchID),
		reservations: make(map[entities.ReservationID]*entities.Reservation),
		now:          time.Now,
	}
}

// Verify interface compliance
var _ repositories.Repository = (*BatchStore)(nil)

// LoadBatches loads received batches into the store
func (s *BatchStore) LoadBatches(ctx context.Context, batches []*entities.Batch) error {
	for _, b := range batches {
		if err := s.CreateBatch(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

// CreateBatch records a goods receipt
func (s *BatchStore) CreateBatch(_ context.Context, batch *entities.Batch) error {
	if err := batch.CheckConservation(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rows[batch.ID]; exists {
		return fmt.Errorf("%w: %s", repositories.ErrDuplicateBatch, batch.ID)
	}
	if owner, exists := s.codes[batch.BatchCode]; exists {
		return fmt.Errorf("%w: batch code %s already used by %s", repositories.ErrDuplicateBatch, batch.BatchCode, owner)
	}

	b := *batch
	if b.CreatedAt.IsZero() {
		b.CreatedAt = s.now()
	}
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = b.CreatedAt
	}
	s.rows[b.ID] = &batchRow{batch: b}
	s.codes[b.BatchCode] = b.ID
	return nil
}

// ListActiveBatches returns active batches of a material, in no particular order
func (s *BatchStore) ListActiveBatches(_ context.Context, materialID entities.MaterialID) ([]*entities.Batch, error) {
	var active []*entities.Batch
	for _, b := range s.snapshotAll() {
		if b.MaterialID == materialID && b.Status == entities.BatchActive {
			active = append(active, b)
		}
	}
	return active, nil
}

// ListBatches returns every batch of a material, oldest first
func (s *BatchStore) ListBatches(_ context.Context, materialID entities.MaterialID) ([]*entities.Batch, error) {
	var batches []*entities.Batch
	for _, b := range s.snapshotAll() {
		if materialID == "" || b.MaterialID == materialID {
			batches = append(batches, b)
		}
	}
	sortForDisplay(batches)
	return batches, nil
}

// ReadBatch returns a copy of the live batch
func (s *BatchStore) ReadBatch(_ context.Context, batchID entities.BatchID) (*entities.Batch, error) {
	row, err := s.row(batchID)
	if err != nil {
		return nil, err
	}
	return row.snapshot(), nil
}

// ApplyDelta mutates one batch outside of any transaction
func (s *BatchStore) ApplyDelta(_ context.Context, batchID entities.BatchID, delta entities.BatchDelta, expectedVersion int64) error {
	row, err := s.row(batchID)
	if err != nil {
		return err
	}

	row.mu.Lock()
	defer row.mu.Unlock()

	if row.batch.Version != expectedVersion {
		return fmt.Errorf("%w: batch %s at version %d, expected %d",
			repositories.ErrVersionConflict, batchID, row.batch.Version, expectedVersion)
	}
	next, err := row.batch.Apply(delta, s.now())
	if err != nil {
		return err
	}
	row.batch = *next
	return nil
}

// SetBatchHold sets or clears the compliance hold of a batch
func (s *BatchStore) SetBatchHold(_ context.Context, batchID entities.BatchID, hold bool) (*entities.Batch, error) {
	row, err := s.row(batchID)
	if err != nil {
		return nil, err
	}

	row.mu.Lock()
	defer row.mu.Unlock()
	row.batch = *row.batch.WithHold(hold, s.now())
	b := row.batch
	return &b, nil
}

// SaveReservation stores a new reservation
func (s *BatchStore) SaveReservation(_ context.Context, reservation *entities.Reservation) error {
	s.resMu.Lock()
	defer s.resMu.Unlock()

	if _, exists := s.reservations[reservation.ID]; exists {
		return fmt.Errorf("reservation %s already exists", reservation.ID)
	}
	s.reservations[reservation.ID] = reservation.Clone()
	return nil
}

// GetReservation returns a copy of a stored reservation
func (s *BatchStore) GetReservation(_ context.Context, id entities.ReservationID) (*entities.Reservation, error) {
	s.resMu.Lock()
	defer s.resMu.Unlock()

	r, ok := s.reservations[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", repositories.ErrReservationNotFound, id)
	}
	return r.Clone(), nil
}

// UpdateReservationStatus replaces a reservation if its stored status is still from
func (s *BatchStore) UpdateReservationStatus(_ context.Context, reservation *entities.Reservation, from entities.LineState) error {
	s.resMu.Lock()
	defer s.resMu.Unlock()
	return s.updateReservationLocked(reservation, from)
}

func (s *BatchStore) updateReservationLocked(reservation *entities.Reservation, from entities.LineState) error {
	current, ok := s.reservations[reservation.ID]
	if !ok {
		return fmt.Errorf("%w: %s", repositories.ErrReservationNotFound, reservation.ID)
	}
	if current.Status != from {
		return fmt.Errorf("%w: reservation %s is %s, expected %s",
			repositories.ErrStatusConflict, reservation.ID, current.Status, from)
	}
	s.reservations[reservation.ID] = reservation.Clone()
	return nil
}

// Close is a no-op for the in-memory store
func (s *BatchStore) Close() error {
	return nil
}

func (s *BatchStore) row(batchID entities.BatchID) (*batchRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.rows[batchID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", repositories.ErrBatchNotFound, batchID)
	}
	return row, nil
}

func (s *BatchStore) snapshotAll() []*entities.Batch {
	s.mu.RLock()
	rows := make([]*batchRow, 0, len(s.rows))
	for _, row := range s.rows {
		rows = append(rows, row)
	}
	s.mu.RUnlock()

	batches := make([]*entities.Batch, 0, len(rows))
	for _, row := range rows {
		batches = append(batches, row.snapshot())
	}
	return batches
}

func sortForDisplay(batches []*entities.Batch) {
	sort.Slice(batches, func(i, j int) bool {
		di, dj := batches[i].FIFODate(), batches[j].FIFODate()
		if !di.Equal(dj) {
			return di.Before(dj)
		}
		return batches[i].ID < batches[j].ID
	})
}
