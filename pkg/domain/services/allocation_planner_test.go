package services

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vsinha/batchalloc/pkg/domain/entities"
	apperrors "github.com/vsinha/batchalloc/pkg/errors"
)

func qty(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func day(month time.Month, d int) time.Time {
	return time.Date(2025, month, d, 0, 0, 0, 0, time.UTC)
}

func batch(id string, available string, received time.Time, grade entities.QualityGrade) *entities.Batch {
	return &entities.Batch{
		ID:              entities.BatchID(id),
		MaterialID:      "M",
		BatchCode:       "CODE-" + id,
		QualityGrade:    grade,
		ReceivedDate:    received,
		TotalWeight:     qty(available),
		AvailableWeight: qty(available),
		ReservedWeight:  decimal.Zero,
		ConsumedWeight:  decimal.Zero,
		Status:          entities.BatchActive,
	}
}

func lineSummary(plan *entities.AllocationPlan) map[entities.BatchID]string {
	out := make(map[entities.BatchID]string, len(plan.Lines))
	for _, l := range plan.Lines {
		out[l.BatchID] = l.Quantity.String()
	}
	return out
}

func TestPlan_FIFOScenarios(t *testing.T) {
	candidates := func() []*entities.Batch {
		// deliberately out of order; the planner re-sorts
		return []*entities.Batch{
			batch("B2", "300", day(time.February, 1), entities.GradeA),
			batch("B1", "500", day(time.January, 1), entities.GradeC),
		}
	}

	tests := []struct {
		name        string
		required    string
		wantLines   []entities.BatchID
		wantQty     map[entities.BatchID]string
		wantTotal   string
		wantDeficit string
	}{
		{
			name:        "multi batch covers request",
			required:    "600",
			wantLines:   []entities.BatchID{"B1", "B2"},
			wantQty:     map[entities.BatchID]string{"B1": "500", "B2": "100"},
			wantTotal:   "600",
			wantDeficit: "0",
		},
		{
			name:        "insufficient stock leaves deficit",
			required:    "900",
			wantLines:   []entities.BatchID{"B1", "B2"},
			wantQty:     map[entities.BatchID]string{"B1": "500", "B2": "300"},
			wantTotal:   "800",
			wantDeficit: "100",
		},
		{
			name:        "oldest batch alone suffices",
			required:    "450",
			wantLines:   []entities.BatchID{"B1"},
			wantQty:     map[entities.BatchID]string{"B1": "450"},
			wantTotal:   "450",
			wantDeficit: "0",
		},
	}

	planner := NewAllocationPlanner()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := planner.Plan("M", qty(tt.required), candidates())
			require.NoError(t, err)

			var order []entities.BatchID
			for _, l := range plan.Lines {
				order = append(order, l.BatchID)
			}
			assert.Equal(t, tt.wantLines, order)
			assert.Equal(t, tt.wantQty, lineSummary(plan))
			assert.True(t, plan.TotalAllocated.Equal(qty(tt.wantTotal)), "total %s", plan.TotalAllocated)
			assert.True(t, plan.Deficit.Equal(qty(tt.wantDeficit)), "deficit %s", plan.Deficit)
			assert.True(t, plan.TotalAllocated.LessThanOrEqual(qty(tt.required)))
		})
	}
}

func TestPlan_TieBreakGradeThenID(t *testing.T) {
	same := day(time.March, 3)
	candidates := []*entities.Batch{
		batch("B9", "10", same, entities.GradeB),
		batch("B3", "10", same, entities.GradeC),
		batch("B7", "10", same, entities.GradeA),
		batch("B5", "10", same, entities.GradeB),
	}

	plan, err := NewAllocationPlanner().Plan("M", qty("40"), candidates)
	require.NoError(t, err)

	var order []entities.BatchID
	for _, l := range plan.Lines {
		order = append(order, l.BatchID)
	}
	assert.Equal(t, []entities.BatchID{"B7", "B5", "B9", "B3"}, order)
}

func TestPlan_SkipsIneligibleBatches(t *testing.T) {
	blocked := batch("B1", "100", day(time.January, 1), entities.GradeA)
	blocked.Status = entities.BatchBlocked
	empty := batch("B2", "0", day(time.January, 2), entities.GradeA)
	ok := batch("B3", "100", day(time.January, 3), entities.GradeA)

	plan, err := NewAllocationPlanner().Plan("M", qty("50"), []*entities.Batch{blocked, empty, ok})
	require.NoError(t, err)
	require.Len(t, plan.Lines, 1)
	assert.Equal(t, entities.BatchID("B3"), plan.Lines[0].BatchID)
}

func TestPlan_EmptyCandidates(t *testing.T) {
	plan, err := NewAllocationPlanner().Plan("M", qty("25"), nil)
	require.NoError(t, err)
	assert.Empty(t, plan.Lines)
	assert.True(t, plan.TotalAllocated.IsZero())
	assert.True(t, plan.Deficit.Equal(qty("25")))
}

func TestPlan_InvalidInputs(t *testing.T) {
	planner := NewAllocationPlanner()

	_, err := planner.Plan("M", qty("0"), nil)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidRequest))

	_, err = planner.Plan("M", qty("-3"), nil)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidRequest))

	foreign := batch("B1", "10", day(time.January, 1), entities.GradeA)
	foreign.MaterialID = "OTHER"
	_, err = planner.Plan("M", qty("5"), []*entities.Batch{foreign})
	assert.True(t, errors.Is(err, apperrors.ErrInvalidRequest))
}

func TestPlan_FractionalWeightsWithinEpsilon(t *testing.T) {
	candidates := []*entities.Batch{
		batch("B1", "0.1", day(time.January, 1), entities.GradeA),
		batch("B2", "0.2", day(time.January, 2), entities.GradeA),
	}
	plan, err := NewAllocationPlanner().Plan("M", qty("0.3000005"), candidates)
	require.NoError(t, err)
	assert.True(t, plan.Deficit.IsZero(), "deficit %s should collapse within epsilon", plan.Deficit)
	assert.True(t, plan.IsComplete())
}

func TestPlanExplicit(t *testing.T) {
	candidates := func() []*entities.Batch {
		return []*entities.Batch{
			batch("B1", "500", day(time.January, 1), entities.GradeA),
			batch("B2", "300", day(time.February, 1), entities.GradeA),
		}
	}
	planner := NewAllocationPlanner()

	t.Run("keeps caller order", func(t *testing.T) {
		plan, err := planner.PlanExplicit("M", qty("400"), []entities.BatchPick{
			{BatchID: "B2", Quantity: qty("300")},
			{BatchID: "B1", Quantity: qty("100")},
		}, candidates())
		require.NoError(t, err)
		require.Len(t, plan.Lines, 2)
		assert.Equal(t, entities.BatchID("B2"), plan.Lines[0].BatchID)
		assert.True(t, plan.TotalAllocated.Equal(qty("400")))
		assert.True(t, plan.Deficit.IsZero())
		assert.Equal(t, entities.SelectExplicit, plan.Selection)
	})

	t.Run("merges duplicate picks", func(t *testing.T) {
		plan, err := planner.PlanExplicit("M", qty("400"), []entities.BatchPick{
			{BatchID: "B1", Quantity: qty("100")},
			{BatchID: "B2", Quantity: qty("50")},
			{BatchID: "B1", Quantity: qty("150")},
		}, candidates())
		require.NoError(t, err)
		require.Len(t, plan.Lines, 2)
		assert.True(t, plan.Lines[0].Quantity.Equal(qty("250")))
		assert.True(t, plan.Deficit.Equal(qty("100")))
	})

	t.Run("unknown batch", func(t *testing.T) {
		_, err := planner.PlanExplicit("M", qty("10"), []entities.BatchPick{
			{BatchID: "NOPE", Quantity: qty("10")},
		}, candidates())
		assert.True(t, errors.Is(err, apperrors.ErrInvalidRequest))
	})

	t.Run("pick above availability", func(t *testing.T) {
		_, err := planner.PlanExplicit("M", qty("400"), []entities.BatchPick{
			{BatchID: "B2", Quantity: qty("350")},
		}, candidates())
		require.True(t, errors.Is(err, apperrors.ErrInsufficientStock))
		appErr, _ := apperrors.IsAppError(err)
		assert.Equal(t, "B2", appErr.Params["batch_id"])
		assert.Equal(t, "50", appErr.Params["shortfall"])
	})

	t.Run("held batch is a full shortfall", func(t *testing.T) {
		batches := candidates()
		batches[0].Status = entities.BatchBlocked
		_, err := planner.PlanExplicit("M", qty("200"), []entities.BatchPick{
			{BatchID: "B1", Quantity: qty("200")},
		}, batches)
		require.True(t, errors.Is(err, apperrors.ErrInsufficientStock))
		appErr, _ := apperrors.IsAppError(err)
		assert.Equal(t, "200", appErr.Params["shortfall"])
	})

	t.Run("drained batch is a full shortfall", func(t *testing.T) {
		batches := candidates()
		batches[0].AvailableWeight = decimal.Zero
		batches[0].ReservedWeight = qty("500")
		_, err := planner.PlanExplicit("M", qty("500"), []entities.BatchPick{
			{BatchID: "B1", Quantity: qty("500")},
		}, batches)
		require.True(t, errors.Is(err, apperrors.ErrInsufficientStock))
		appErr, _ := apperrors.IsAppError(err)
		assert.Equal(t, "B1", appErr.Params["batch_id"])
		assert.Equal(t, "500", appErr.Params["shortfall"])
	})

	t.Run("non positive pick", func(t *testing.T) {
		_, err := planner.PlanExplicit("M", qty("10"), []entities.BatchPick{
			{BatchID: "B1", Quantity: qty("0")},
		}, candidates())
		assert.True(t, errors.Is(err, apperrors.ErrInvalidRequest))
	})
}

func TestPlanRequest_MinQualityGrade(t *testing.T) {
	candidates := []*entities.Batch{
		batch("OLD-C", "100", day(time.January, 1), entities.GradeC),
		batch("NEW-A", "100", day(time.June, 1), entities.GradeA),
	}
	req := entities.AllocationRequest{
		MaterialID:       "M",
		RequiredQuantity: qty("50"),
		MinQualityGrade:  entities.GradeB,
	}

	plan, err := NewAllocationPlanner().PlanRequest(req, candidates)
	require.NoError(t, err)
	require.Len(t, plan.Lines, 1)
	assert.Equal(t, entities.BatchID("NEW-A"), plan.Lines[0].BatchID)
}
