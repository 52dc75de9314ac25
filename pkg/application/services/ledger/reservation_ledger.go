// Package ledger commits, releases and consumes reservations against the
// live batch store. Every operation runs in one store transaction and is
// all-or-nothing.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vsinha/batchalloc/pkg/domain/entities"
	"github.com/vsinha/batchalloc/pkg/domain/repositories"
	apperrors "github.com/vsinha/batchalloc/pkg/errors"
	"github.com/vsinha/batchalloc/pkg/infrastructure/logger"
)

// ReservationLedger owns every mutation of batch weights
type ReservationLedger struct {
	store repositories.TxStore
	now   func() time.Time
	newID func() entities.ReservationID
}

// Option customizes a ledger
type Option func(*ReservationLedger)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(l *ReservationLedger) { l.now = now }
}

// WithIDGenerator overrides reservation id generation
func WithIDGenerator(newID func() entities.ReservationID) Option {
	return func(l *ReservationLedger) { l.newID = newID }
}

// NewReservationLedger creates a ledger writing through store
func NewReservationLedger(store repositories.TxStore, opts ...Option) *ReservationLedger {
	l := &ReservationLedger{
		store: store,
		now:   time.Now,
		newID: func() entities.ReservationID { return entities.ReservationID(uuid.NewString()) },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Commit reserves every line of plan against live stock. Each batch is
// re-read inside the transaction and written with a version guard, so a
// concurrent commit either finds less stock (InsufficientStock) or loses the
// race (ConcurrencyConflict). Nothing is written on failure.
func (l *ReservationLedger) Commit(
	ctx context.Context,
	plan *entities.AllocationPlan,
	mode entities.AllocationMode,
	ownerRef string,
) (*entities.Reservation, error) {
	if plan == nil || len(plan.Lines) == 0 {
		return nil, apperrors.InvalidRequest("cannot commit an empty plan")
	}

	now := l.now()
	reservation := entities.NewReservation(l.newID(), plan, mode, ownerRef, now)
	if err := reservation.Transition(entities.LineCommitted, now); err != nil {
		return nil, apperrors.InvalidState("%v", err)
	}

	err := l.store.WithTx(ctx, func(tx repositories.Store) error {
		for _, line := range reservation.Lines {
			live, err := tx.ReadBatch(ctx, line.BatchID)
			if err != nil {
				return err
			}

			available := live.AvailableWeight
			if live.Status != entities.BatchActive {
				available = decimal.Zero
			}
			if line.Quantity.GreaterThan(available) {
				return apperrors.InsufficientStock("batch %s has %s available (%s), reservation needs %s",
					line.BatchID, available, live.Status, line.Quantity).
					WithParams(map[string]interface{}{
						"batch_id":  string(line.BatchID),
						"shortfall": line.Quantity.Sub(available).String(),
					})
			}

			if err := tx.ApplyDelta(ctx, line.BatchID, entities.ReserveDelta(line.Quantity), live.Version); err != nil {
				return err
			}
		}
		return tx.SaveReservation(ctx, reservation)
	})
	if err != nil {
		return nil, l.translate(err, "commit reservation for material %s", plan.MaterialID)
	}

	logger.Info("Reservation committed",
		zap.String("reservation_id", string(reservation.ID)),
		zap.String("material_id", string(reservation.MaterialID)),
		zap.String("owner_ref", ownerRef),
		zap.String("reserved", reservation.TotalReserved.String()),
		zap.Int("lines", len(reservation.Lines)),
	)
	return reservation, nil
}

// Release returns the reserved weight of a committed reservation to available
func (l *ReservationLedger) Release(ctx context.Context, id entities.ReservationID) (*entities.Reservation, error) {
	res, err := l.settle(ctx, id, entities.LineReleased, entities.ReleaseDelta)
	if err != nil {
		return nil, err
	}
	logger.Info("Reservation released",
		zap.String("reservation_id", string(id)),
		zap.String("material_id", string(res.MaterialID)),
		zap.String("released", res.TotalReserved.String()),
	)
	return res, nil
}

// Consume moves the reserved weight of a committed reservation to consumed
func (l *ReservationLedger) Consume(ctx context.Context, id entities.ReservationID) (*entities.Reservation, error) {
	res, err := l.settle(ctx, id, entities.LineConsumed, entities.ConsumeDelta)
	if err != nil {
		return nil, err
	}
	logger.Info("Reservation consumed",
		zap.String("reservation_id", string(id)),
		zap.String("material_id", string(res.MaterialID)),
		zap.String("consumed", res.TotalReserved.String()),
	)
	return res, nil
}

// Get returns a stored reservation
func (l *ReservationLedger) Get(ctx context.Context, id entities.ReservationID) (*entities.Reservation, error) {
	res, err := l.store.GetReservation(ctx, id)
	if err != nil {
		return nil, l.translate(err, "get reservation %s", id)
	}
	return res, nil
}

// settle moves a committed reservation to a terminal state, applying
// deltaFor(line quantity) to every batch it holds.
func (l *ReservationLedger) settle(
	ctx context.Context,
	id entities.ReservationID,
	to entities.LineState,
	deltaFor func(q decimal.Decimal) entities.BatchDelta,
) (*entities.Reservation, error) {
	var settled *entities.Reservation

	err := l.store.WithTx(ctx, func(tx repositories.Store) error {
		res, err := tx.GetReservation(ctx, id)
		if err != nil {
			return err
		}
		if res.Status != entities.LineCommitted {
			return apperrors.InvalidState("reservation %s is %s, only committed reservations can be %s", id, res.Status, to).
				WithParams(map[string]interface{}{"status": string(res.Status)})
		}

		for _, line := range res.Lines {
			live, err := tx.ReadBatch(ctx, line.BatchID)
			if err != nil {
				return err
			}
			if err := tx.ApplyDelta(ctx, line.BatchID, deltaFor(line.Quantity), live.Version); err != nil {
				return err
			}
		}

		if err := res.Transition(to, l.now()); err != nil {
			return apperrors.InvalidState("%v", err)
		}
		if err := tx.UpdateReservationStatus(ctx, res, entities.LineCommitted); err != nil {
			return err
		}
		settled = res
		return nil
	})
	if err != nil {
		return nil, l.translate(err, "%s reservation %s", verb(to), id)
	}
	return settled, nil
}

// translate maps store sentinels onto the domain error taxonomy. Errors that
// already carry a code pass through unchanged.
func (l *ReservationLedger) translate(err error, format string, args ...interface{}) error {
	if _, ok := apperrors.IsAppError(err); ok {
		return err
	}
	msg := fmt.Sprintf(format, args...)
	switch {
	case errors.Is(err, repositories.ErrVersionConflict):
		logger.Debug("Ledger write lost a version race", zap.String("op", msg), zap.Error(err))
		return apperrors.ConcurrencyConflict(err, "%s", msg)
	case errors.Is(err, repositories.ErrStatusConflict):
		return apperrors.InvalidState("%s: %v", msg, err)
	case errors.Is(err, repositories.ErrBatchNotFound), errors.Is(err, repositories.ErrReservationNotFound):
		return apperrors.NotFound(err, "%s", msg)
	default:
		return fmt.Errorf("%s: %w", msg, err)
	}
}

func verb(to entities.LineState) string {
	switch to {
	case entities.LineReleased:
		return "release"
	case entities.LineConsumed:
		return "consume"
	default:
		return string(to)
	}
}
