package services

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/vsinha/batchalloc/pkg/domain/entities"
	apperrors "github.com/vsinha/batchalloc/pkg/errors"
)

// AllocationPlanner turns a required quantity and a candidate batch set into
// an ordered allocation plan. It never touches the store.
type AllocationPlanner struct{}

// NewAllocationPlanner creates a new planner
func NewAllocationPlanner() *AllocationPlanner {
	return &AllocationPlanner{}
}

// PlanRequest applies the request's grade filter and dispatches on its selection strategy
func (p *AllocationPlanner) PlanRequest(req entities.AllocationRequest, candidates []*entities.Batch) (*entities.AllocationPlan, error) {
	candidates = filterByGrade(candidates, req.MinQualityGrade)
	if req.Selection == entities.SelectExplicit {
		return p.PlanExplicit(req.MaterialID, req.RequiredQuantity, req.ExplicitPicks, candidates)
	}
	return p.Plan(req.MaterialID, req.RequiredQuantity, candidates)
}

// Plan allocates oldest stock first. Ties on the FIFO date go to the higher
// quality grade, then to the lower batch ID. Each batch gives
// min(available, remaining) until the requirement is met or stock runs out.
func (p *AllocationPlanner) Plan(
	materialID entities.MaterialID,
	required decimal.Decimal,
	candidates []*entities.Batch,
) (*entities.AllocationPlan, error) {
	eligible, err := eligibleCandidates(materialID, required, candidates)
	if err != nil {
		return nil, err
	}
	sortFIFO(eligible)

	plan := newPlan(materialID, required, entities.SelectFIFO)
	remaining := required
	for _, batch := range eligible {
		if !remaining.Sub(entities.Epsilon).IsPositive() {
			break
		}

		take := decimal.Min(batch.AvailableWeight, remaining)
		plan.Lines = append(plan.Lines, entities.AllocationLine{
			BatchID:   batch.ID,
			BatchCode: batch.BatchCode,
			Quantity:  take,
		})
		plan.TotalAllocated = plan.TotalAllocated.Add(take)
		remaining = remaining.Sub(take)
	}

	plan.Deficit = entities.Deficit(required, plan.TotalAllocated)
	return plan, nil
}

// PlanExplicit takes the caller's picks in the given order. Picks of the same
// batch are merged into one line at the position of the first pick.
//
// A pick of a batch that is not in candidates is a caller error. A pick of a
// candidate that is held, exhausted or drained is a stock shortfall of the
// whole picked quantity, the same outcome as losing it to a concurrent commit.
func (p *AllocationPlanner) PlanExplicit(
	materialID entities.MaterialID,
	required decimal.Decimal,
	picks []entities.BatchPick,
	candidates []*entities.Batch,
) (*entities.AllocationPlan, error) {
	if _, err := eligibleCandidates(materialID, required, candidates); err != nil {
		return nil, err
	}
	if len(picks) == 0 {
		return nil, apperrors.InvalidRequest("explicit selection requires at least one batch pick")
	}

	byID := make(map[entities.BatchID]*entities.Batch, len(candidates))
	for _, batch := range candidates {
		byID[batch.ID] = batch
	}

	plan := newPlan(materialID, required, entities.SelectExplicit)
	position := make(map[entities.BatchID]int, len(picks))
	for _, pick := range picks {
		if !pick.Quantity.IsPositive() {
			return nil, apperrors.InvalidRequest("pick quantity for batch %s must be positive, got %s", pick.BatchID, pick.Quantity)
		}
		batch, ok := byID[pick.BatchID]
		if !ok {
			return nil, apperrors.InvalidRequest("batch %s is not a candidate for material %s", pick.BatchID, materialID).
				WithParams(map[string]interface{}{"batch_id": string(pick.BatchID)})
		}

		if i, seen := position[pick.BatchID]; seen {
			plan.Lines[i].Quantity = plan.Lines[i].Quantity.Add(pick.Quantity)
		} else {
			position[pick.BatchID] = len(plan.Lines)
			plan.Lines = append(plan.Lines, entities.AllocationLine{
				BatchID:   batch.ID,
				BatchCode: batch.BatchCode,
				Quantity:  pick.Quantity,
			})
		}
		plan.TotalAllocated = plan.TotalAllocated.Add(pick.Quantity)
	}

	for _, line := range plan.Lines {
		batch := byID[line.BatchID]
		available := decimal.Zero
		if batch.IsCandidate() {
			available = batch.AvailableWeight
		}
		if line.Quantity.GreaterThan(available) {
			shortfall := line.Quantity.Sub(available)
			return nil, apperrors.InsufficientStock("batch %s (%s) has %s available, %s picked",
				line.BatchID, batch.Status, available, line.Quantity).
				WithParams(map[string]interface{}{
					"batch_id":  string(line.BatchID),
					"shortfall": shortfall.String(),
				})
		}
	}

	plan.Deficit = entities.Deficit(required, plan.TotalAllocated)
	return plan, nil
}

func newPlan(materialID entities.MaterialID, required decimal.Decimal, selection entities.SelectionStrategy) *entities.AllocationPlan {
	return &entities.AllocationPlan{
		MaterialID:       materialID,
		RequiredQuantity: required,
		Selection:        selection,
		Lines:            []entities.AllocationLine{},
		TotalAllocated:   decimal.Zero,
		Deficit:          required,
	}
}

// eligibleCandidates rejects foreign-material candidates and drops batches
// that are not active or have nothing available.
func eligibleCandidates(materialID entities.MaterialID, required decimal.Decimal, candidates []*entities.Batch) ([]*entities.Batch, error) {
	if !required.IsPositive() {
		return nil, apperrors.InvalidRequest("required quantity must be positive, got %s", required)
	}

	eligible := make([]*entities.Batch, 0, len(candidates))
	for _, batch := range candidates {
		if batch.MaterialID != materialID {
			return nil, apperrors.InvalidRequest("batch %s belongs to material %s, not %s", batch.ID, batch.MaterialID, materialID)
		}
		if batch.IsCandidate() {
			eligible = append(eligible, batch)
		}
	}
	return eligible, nil
}

func filterByGrade(candidates []*entities.Batch, minGrade entities.QualityGrade) []*entities.Batch {
	if minGrade == entities.Ungraded {
		return candidates
	}
	filtered := make([]*entities.Batch, 0, len(candidates))
	for _, batch := range candidates {
		if batch.QualityGrade >= minGrade {
			filtered = append(filtered, batch)
		}
	}
	return filtered
}

func sortFIFO(batches []*entities.Batch) {
	sort.SliceStable(batches, func(i, j int) bool {
		di, dj := batches[i].FIFODate(), batches[j].FIFODate()
		if !di.Equal(dj) {
			return di.Before(dj)
		}
		if batches[i].QualityGrade != batches[j].QualityGrade {
			return batches[i].QualityGrade > batches[j].QualityGrade
		}
		return batches[i].ID < batches[j].ID
	})
}
