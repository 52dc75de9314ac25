// Package session is the entry point of the allocation engine. One
// RequestAllocation call plans against a snapshot of the material's batches,
// validates the plan against live state and commits it atomically.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vsinha/batchalloc/pkg/application/dto"
	"github.com/vsinha/batchalloc/pkg/application/services/ledger"
	"github.com/vsinha/batchalloc/pkg/domain/entities"
	"github.com/vsinha/batchalloc/pkg/domain/repositories"
	"github.com/vsinha/batchalloc/pkg/domain/services"
	apperrors "github.com/vsinha/batchalloc/pkg/errors"
	"github.com/vsinha/batchalloc/pkg/infrastructure/events"
	"github.com/vsinha/batchalloc/pkg/infrastructure/logger"
)

// Store is what the session needs from a store adapter
type Store interface {
	repositories.TxStore
	repositories.BatchAdmin
}

// AllocationService runs allocation sessions. It holds no mutable state of
// its own and is safe for concurrent use.
type AllocationService struct {
	store   Store
	planner *services.AllocationPlanner
	gate    *services.ValidationGate
	ledger  *ledger.ReservationLedger
	events  events.EventStore
	now     func() time.Time
}

// Option customizes an AllocationService
type Option func(*serviceOptions)

type serviceOptions struct {
	events     events.EventStore
	now        func() time.Time
	ledgerOpts []ledger.Option
}

// WithEventStore publishes allocation events to store
func WithEventStore(store events.EventStore) Option {
	return func(o *serviceOptions) { o.events = store }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(o *serviceOptions) {
		o.now = now
		o.ledgerOpts = append(o.ledgerOpts, ledger.WithClock(now))
	}
}

// WithLedgerOptions passes options through to the reservation ledger
func WithLedgerOptions(opts ...ledger.Option) Option {
	return func(o *serviceOptions) { o.ledgerOpts = append(o.ledgerOpts, opts...) }
}

// NewAllocationService wires planner, gate and ledger over one store
func NewAllocationService(store Store, opts ...Option) *AllocationService {
	o := serviceOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &AllocationService{
		store:   store,
		planner: services.NewAllocationPlanner(),
		gate:    services.NewValidationGate(store),
		ledger:  ledger.NewReservationLedger(store, o.ledgerOpts...),
		events:  o.events,
		now:     o.now,
	}
}

// RequestAllocation plans, validates and commits one request.
//
// Domain failures (bad input, not enough stock, lost race) come back as a
// Rejected result with a nil error and leave the store unchanged. Only
// infrastructure failures are returned as errors.
func (s *AllocationService) RequestAllocation(ctx context.Context, req entities.AllocationRequest) (*dto.AllocationResult, error) {
	log := logger.With(
		zap.String("material_id", string(req.MaterialID)),
		zap.String("owner_ref", req.OwnerRef),
		zap.String("required", req.RequiredQuantity.String()),
		zap.Stringer("mode", req.Mode),
		zap.Stringer("selection", req.Selection),
	)

	if err := req.Validate(); err != nil {
		return s.reject(log, req, apperrors.InvalidRequest("%v", err))
	}

	candidates, err := s.candidates(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("list batches of material %s: %w", req.MaterialID, err)
	}
	if len(candidates) == 0 {
		known, err := s.knownMaterial(ctx, req.MaterialID)
		if err != nil {
			return nil, err
		}
		if !known {
			return s.reject(log, req, apperrors.InvalidRequest("unknown material %s", req.MaterialID))
		}
	}

	plan, err := s.planner.PlanRequest(req, candidates)
	if err != nil {
		return s.reject(log, req, err)
	}

	if err := s.gate.Validate(ctx, plan, req.RequiredQuantity, req.Mode); err != nil {
		return s.reject(log, req, err)
	}

	reservation, err := s.ledger.Commit(ctx, plan, req.Mode, req.OwnerRef)
	if err != nil {
		return s.reject(log, req, err)
	}

	var result *dto.AllocationResult
	if plan.Deficit.IsZero() {
		result = dto.Allocated(reservation)
	} else {
		result = dto.PartiallyAllocated(reservation, plan.Deficit)
	}

	log.Info("Allocation committed",
		zap.String("reservation_id", string(reservation.ID)),
		zap.String("outcome", string(result.Outcome)),
		zap.String("reserved", reservation.TotalReserved.String()),
		zap.String("deficit", result.Deficit.String()),
	)
	s.publish(events.ReservationStream(reservation.ID), events.ReservationCommittedEvent, events.ReservationCommitted{
		Reservation: reservation.Clone(),
		Partial:     result.Outcome == dto.OutcomePartiallyAllocated,
	})
	return result, nil
}

// ReleaseAllocation returns the stock of a committed reservation
func (s *AllocationService) ReleaseAllocation(ctx context.Context, id entities.ReservationID) (*entities.Reservation, error) {
	res, err := s.ledger.Release(ctx, id)
	if err != nil {
		return nil, err
	}
	s.publish(events.ReservationStream(id), events.ReservationReleasedEvent, events.ReservationReleased{Reservation: res.Clone()})
	return res, nil
}

// ConfirmConsumption records that the reserved stock was physically used
func (s *AllocationService) ConfirmConsumption(ctx context.Context, id entities.ReservationID) (*entities.Reservation, error) {
	res, err := s.ledger.Consume(ctx, id)
	if err != nil {
		return nil, err
	}
	s.publish(events.ReservationStream(id), events.ReservationConsumedEvent, events.ReservationConsumed{Reservation: res.Clone()})

	// consumption is the only mutation that can exhaust a batch
	for _, line := range res.Lines {
		b, err := s.store.ReadBatch(ctx, line.BatchID)
		if err != nil {
			logger.Warn("Read batch after consumption", zap.String("batch_id", string(line.BatchID)), zap.Error(err))
			continue
		}
		if b.Status == entities.BatchExhausted {
			s.publish(events.BatchStream(b.ID), events.BatchStatusChangedEvent, events.BatchStatusChanged{
				BatchID: b.ID,
				From:    entities.BatchActive,
				To:      entities.BatchExhausted,
			})
		}
	}
	return res, nil
}

// GetReservation returns a stored reservation
func (s *AllocationService) GetReservation(ctx context.Context, id entities.ReservationID) (*entities.Reservation, error) {
	return s.ledger.Get(ctx, id)
}

// ReceiveBatch records a goods receipt. Missing IDs are generated and a
// missing batch code defaults to the batch ID.
func (s *AllocationService) ReceiveBatch(ctx context.Context, req dto.ReceiveBatchRequest) (*entities.Batch, error) {
	receipt := req.Receipt()
	if receipt.ID == "" {
		receipt.ID = uuid.NewString()
	}
	if receipt.BatchCode == "" {
		receipt.BatchCode = receipt.ID
	}

	batch, err := receipt.Parse()
	if err != nil {
		return nil, apperrors.InvalidRequest("%v", err)
	}
	now := s.now()
	batch.CreatedAt, batch.UpdatedAt = now, now

	if err := s.store.CreateBatch(ctx, batch); err != nil {
		if errors.Is(err, repositories.ErrDuplicateBatch) {
			return nil, apperrors.InvalidRequest("%v", err)
		}
		return nil, fmt.Errorf("create batch %s: %w", batch.ID, err)
	}

	logger.Info("Batch received",
		zap.String("batch_id", string(batch.ID)),
		zap.String("material_id", string(batch.MaterialID)),
		zap.String("total_weight", batch.TotalWeight.String()),
	)
	s.publish(events.BatchStream(batch.ID), events.BatchReceivedEvent, events.BatchReceived{Batch: batch})
	return batch, nil
}

// ImportBatches records already parsed batches, such as rows of a CSV
// receipt file, stopping at the first failure. It returns how many were stored.
func (s *AllocationService) ImportBatches(ctx context.Context, batches []*entities.Batch) (int, error) {
	now := s.now()
	for i, batch := range batches {
		if batch.CreatedAt.IsZero() {
			batch.CreatedAt, batch.UpdatedAt = now, now
		}
		if err := s.store.CreateBatch(ctx, batch); err != nil {
			if errors.Is(err, repositories.ErrDuplicateBatch) {
				return i, apperrors.InvalidRequest("%v", err)
			}
			return i, fmt.Errorf("create batch %s: %w", batch.ID, err)
		}
		s.publish(events.BatchStream(batch.ID), events.BatchReceivedEvent, events.BatchReceived{Batch: batch})
	}

	logger.Info("Batches imported", zap.Int("count", len(batches)))
	return len(batches), nil
}

// HoldBatch blocks a batch from allocation; existing reservations stay valid
func (s *AllocationService) HoldBatch(ctx context.Context, id entities.BatchID) (*entities.Batch, error) {
	return s.setHold(ctx, id, true)
}

// UnholdBatch clears a compliance hold
func (s *AllocationService) UnholdBatch(ctx context.Context, id entities.BatchID) (*entities.Batch, error) {
	return s.setHold(ctx, id, false)
}

// ListBatches returns the batches of a material, or every batch for an empty material
func (s *AllocationService) ListBatches(ctx context.Context, materialID entities.MaterialID) ([]*entities.Batch, error) {
	batches, err := s.store.ListBatches(ctx, materialID)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	return batches, nil
}

func (s *AllocationService) setHold(ctx context.Context, id entities.BatchID, hold bool) (*entities.Batch, error) {
	before, err := s.store.ReadBatch(ctx, id)
	if err != nil {
		if errors.Is(err, repositories.ErrBatchNotFound) {
			return nil, apperrors.NotFound(err, "batch %s", id)
		}
		return nil, fmt.Errorf("read batch %s: %w", id, err)
	}

	after, err := s.store.SetBatchHold(ctx, id, hold)
	if err != nil {
		if errors.Is(err, repositories.ErrBatchNotFound) {
			return nil, apperrors.NotFound(err, "batch %s", id)
		}
		return nil, fmt.Errorf("set hold on batch %s: %w", id, err)
	}

	if before.Status != after.Status {
		logger.Info("Batch status changed",
			zap.String("batch_id", string(id)),
			zap.String("from", string(before.Status)),
			zap.String("to", string(after.Status)),
		)
		s.publish(events.BatchStream(id), events.BatchStatusChangedEvent, events.BatchStatusChanged{
			BatchID: id,
			From:    before.Status,
			To:      after.Status,
		})
	}
	return after, nil
}

// candidates snapshots the batches the planner may draw from. Explicit picks
// see every batch of the material so a held or exhausted pick is reported as
// a shortfall rather than an unknown batch.
func (s *AllocationService) candidates(ctx context.Context, req entities.AllocationRequest) ([]*entities.Batch, error) {
	if req.Selection == entities.SelectExplicit {
		return s.store.ListBatches(ctx, req.MaterialID)
	}
	return s.store.ListActiveBatches(ctx, req.MaterialID)
}

// knownMaterial reports whether any batch of material was ever received.
// Exhausted and held batches still count.
func (s *AllocationService) knownMaterial(ctx context.Context, material entities.MaterialID) (bool, error) {
	batches, err := s.store.ListBatches(ctx, material)
	if err != nil {
		return false, fmt.Errorf("list batches of material %s: %w", material, err)
	}
	return len(batches) > 0, nil
}

// reject turns a domain error into a Rejected result; anything else is
// returned as an error.
func (s *AllocationService) reject(log *zap.Logger, req entities.AllocationRequest, err error) (*dto.AllocationResult, error) {
	appErr, ok := apperrors.IsAppError(err)
	if !ok {
		return nil, err
	}

	log.Info("Allocation rejected",
		zap.String("outcome", string(dto.OutcomeRejected)),
		zap.String("code", appErr.Code),
		zap.String("reason", appErr.Message),
	)
	s.publish(events.MaterialStream(req.MaterialID), events.AllocationRejectedEvent, events.AllocationRejected{
		Request: req,
		Code:    appErr.Code,
		Reason:  appErr.Message,
	})
	return dto.Rejected(appErr), nil
}

func (s *AllocationService) publish(stream, eventType string, data interface{}) {
	if s.events == nil {
		return
	}
	evt := events.BaseEvent{
		EventType:    eventType,
		Stream:       stream,
		EventData:    data,
		EventTime:    s.now(),
		EventVersion: 1,
	}
	if err := s.events.AppendEvent(stream, evt); err != nil {
		logger.Warn("Publish event", zap.String("event_type", eventType), zap.Error(err))
	}
}
