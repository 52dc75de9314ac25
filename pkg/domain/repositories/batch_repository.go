package repositories

import (
	"context"
	"errors"

	"github.com/vsinha/batchalloc/pkg/domain/entities"
)

// Common errors returned by store adapters
var (
	ErrBatchNotFound       = errors.New("batch not found")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrVersionConflict     = errors.New("version conflict")
	ErrStatusConflict      = errors.New("reservation status changed")
	ErrDuplicateBatch      = errors.New("batch already exists")
)

// BatchStore is the narrow adapter the allocation engine depends on
type BatchStore interface {
	// ListActiveBatches returns the active batches of a material in arbitrary order
	ListActiveBatches(ctx context.Context, materialID entities.MaterialID) ([]*entities.Batch, error)

	// ReadBatch returns the live state of one batch
	ReadBatch(ctx context.Context, batchID entities.BatchID) (*entities.Batch, error)

	// ApplyDelta mutates one batch if its version still equals expectedVersion,
	// returning ErrVersionConflict otherwise
	ApplyDelta(ctx context.Context, batchID entities.BatchID, delta entities.BatchDelta, expectedVersion int64) error
}

// ReservationStore persists reservations
type ReservationStore interface {
	SaveReservation(ctx context.Context, reservation *entities.Reservation) error
	GetReservation(ctx context.Context, id entities.ReservationID) (*entities.Reservation, error)

	// UpdateReservationStatus moves a reservation to reservation.Status if its
	// persisted status still equals from, returning ErrStatusConflict otherwise
	UpdateReservationStatus(ctx context.Context, reservation *entities.Reservation, from entities.LineState) error
}

// Store groups the operations usable inside one transaction
type Store interface {
	BatchStore
	ReservationStore
}

// TxStore runs fn inside a transaction. If fn returns an error every write it
// made is discarded; otherwise all of them become visible at once.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(tx Store) error) error
}

// BatchAdmin covers goods receipt, holds and listing
type BatchAdmin interface {
	CreateBatch(ctx context.Context, batch *entities.Batch) error
	SetBatchHold(ctx context.Context, batchID entities.BatchID, hold bool) (*entities.Batch, error)
	ListBatches(ctx context.Context, materialID entities.MaterialID) ([]*entities.Batch, error)
}

// Repository is what a concrete store adapter provides
type Repository interface {
	TxStore
	BatchAdmin
	Close() error
}
