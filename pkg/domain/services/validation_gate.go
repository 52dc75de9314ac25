package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/vsinha/batchalloc/pkg/domain/entities"
	"github.com/vsinha/batchalloc/pkg/domain/repositories"
	apperrors "github.com/vsinha/batchalloc/pkg/errors"
)

// BatchReader is the read side of the store the gate needs
type BatchReader interface {
	ReadBatch(ctx context.Context, batchID entities.BatchID) (*entities.Batch, error)
}

// ValidationGate checks a plan against live batch state before commit.
// It never mutates anything.
type ValidationGate struct {
	batches BatchReader
}

// NewValidationGate creates a gate reading live state from batches
func NewValidationGate(batches BatchReader) *ValidationGate {
	return &ValidationGate{batches: batches}
}

// Validate enforces, in order: positive line quantities, per-batch sums within
// live availability, and the coverage rule of the mode.
func (g *ValidationGate) Validate(
	ctx context.Context,
	plan *entities.AllocationPlan,
	required decimal.Decimal,
	mode entities.AllocationMode,
) error {
	if plan == nil {
		return apperrors.InvalidRequest("plan is nil")
	}

	for _, line := range plan.Lines {
		if !line.Quantity.IsPositive() {
			return apperrors.InvalidRequest("allocated quantity for batch %s must be positive, got %s", line.BatchID, line.Quantity)
		}
	}

	order, sums := plan.QuantityByBatch()
	for _, batchID := range order {
		live, err := g.batches.ReadBatch(ctx, batchID)
		if err != nil {
			if errors.Is(err, repositories.ErrBatchNotFound) {
				return apperrors.NotFound(err, "batch %s", batchID)
			}
			return fmt.Errorf("read batch %s: %w", batchID, err)
		}

		available := live.AvailableWeight
		if live.Status != entities.BatchActive {
			available = decimal.Zero
		}
		if want := sums[batchID]; want.GreaterThan(available) {
			return apperrors.InsufficientStock("batch %s has %s available (%s), plan needs %s", batchID, available, live.Status, want).
				WithParams(map[string]interface{}{
					"batch_id":  string(batchID),
					"shortfall": want.Sub(available).String(),
				})
		}
	}

	if !plan.TotalAllocated.IsPositive() {
		return apperrors.IncompleteAllocation("no stock of material %s could be allocated", plan.MaterialID).
			WithParams(map[string]interface{}{"deficit": required.String()})
	}

	if !entities.Covers(required, plan.TotalAllocated) {
		return apperrors.InvalidRequest("allocated %s exceeds required %s", plan.TotalAllocated, required)
	}

	switch mode {
	case entities.ExactMatch:
		if !entities.ApproxEqual(plan.TotalAllocated, required) {
			deficit := entities.Deficit(required, plan.TotalAllocated)
			return apperrors.IncompleteAllocation("allocated %s of %s required", plan.TotalAllocated, required).
				WithParams(map[string]interface{}{"deficit": deficit.String()})
		}
	case entities.PartialAllowed:
		// any coverage up to required is acceptable; the deficit goes back to the caller
	default:
		return apperrors.InvalidRequest("unknown allocation mode %d", mode)
	}
	return nil
}
