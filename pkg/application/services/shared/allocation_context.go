package shared

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/vsinha/batchalloc/pkg/domain/entities"
)

// AllocationContext holds the allocation totals for one material
type AllocationContext struct {
	AllocatedQty    decimal.Decimal
	RemainingDemand decimal.Decimal
	Requests        int
	Rejected        int
}

// HasAllocation reports whether any stock was reserved for the material
func (c *AllocationContext) HasAllocation() bool {
	return c.AllocatedQty.IsPositive()
}

// CoverageRatio returns allocated / (allocated + remaining), 0 when there was no demand
func (c *AllocationContext) CoverageRatio() float64 {
	demand := c.AllocatedQty.Add(c.RemainingDemand)
	if !demand.IsPositive() {
		return 0.0
	}
	return c.AllocatedQty.Div(demand).InexactFloat64()
}

// AllocationMap aggregates allocation outcomes by material
type AllocationMap map[entities.MaterialID]*AllocationContext

// NewAllocationMap creates a new empty allocation map
func NewAllocationMap() AllocationMap {
	return make(AllocationMap)
}

// Record adds one request outcome. allocated is what was reserved and
// remaining is the part of the demand left uncovered.
func (am AllocationMap) Record(materialID entities.MaterialID, allocated, remaining decimal.Decimal, rejected bool) {
	ctx, ok := am[materialID]
	if !ok {
		ctx = &AllocationContext{}
		am[materialID] = ctx
	}
	ctx.AllocatedQty = ctx.AllocatedQty.Add(allocated)
	ctx.RemainingDemand = ctx.RemainingDemand.Add(remaining)
	ctx.Requests++
	if rejected {
		ctx.Rejected++
	}
}

// Get retrieves allocation context for a material
func (am AllocationMap) Get(materialID entities.MaterialID) *AllocationContext {
	return am[materialID]
}

// GetAllMaterials returns the materials with allocation context, sorted
func (am AllocationMap) GetAllMaterials() []entities.MaterialID {
	materials := make([]entities.MaterialID, 0, len(am))
	for m := range am {
		materials = append(materials, m)
	}
	sort.Slice(materials, func(i, j int) bool { return materials[i] < materials[j] })
	return materials
}

// GetTotalAllocated returns the total allocated quantity across all materials
func (am AllocationMap) GetTotalAllocated() decimal.Decimal {
	total := decimal.Zero
	for _, context := range am {
		total = total.Add(context.AllocatedQty)
	}
	return total
}

// GetTotalDemand returns the total demand (allocated + remaining) across all materials
func (am AllocationMap) GetTotalDemand() decimal.Decimal {
	total := decimal.Zero
	for _, context := range am {
		total = total.Add(context.AllocatedQty).Add(context.RemainingDemand)
	}
	return total
}

// GetCoverageRatio returns the overall allocation coverage ratio (0.0 to 1.0)
func (am AllocationMap) GetCoverageRatio() float64 {
	totalDemand := am.GetTotalDemand()
	if !totalDemand.IsPositive() {
		return 0.0
	}
	return am.GetTotalAllocated().Div(totalDemand).InexactFloat64()
}

// String returns a string representation of the allocation map for debugging
func (am AllocationMap) String() string {
	if len(am) == 0 {
		return "AllocationMap{empty}"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "AllocationMap{%d entries:\n", len(am))
	for _, m := range am.GetAllMaterials() {
		context := am[m]
		fmt.Fprintf(&b, "  %s: allocated=%s, remaining=%s, requests=%d, rejected=%d\n",
			m, context.AllocatedQty, context.RemainingDemand, context.Requests, context.Rejected)
	}
	b.WriteString("}")
	return b.String()
}
