package entities

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// AllocationMode controls how a plan's coverage is judged
type AllocationMode int

const (
	// ExactMatch requires the plan to cover the full requested quantity
	ExactMatch AllocationMode = iota
	// PartialAllowed accepts any coverage up to the requested quantity
	PartialAllowed
)

// String method for AllocationMode enum
func (m AllocationMode) String() string {
	switch m {
	case ExactMatch:
		return "exact"
	case PartialAllowed:
		return "partial"
	default:
		return "unknown"
	}
}

// ParseAllocationMode accepts "exact" or "partial"
func ParseAllocationMode(s string) (AllocationMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "exact", "exact_match", "exactmatch":
		return ExactMatch, nil
	case "partial", "partial_allowed", "partialallowed":
		return PartialAllowed, nil
	default:
		return ExactMatch, fmt.Errorf("unknown allocation mode %q", s)
	}
}

// SelectionStrategy controls who chooses the batches
type SelectionStrategy int

const (
	// SelectFIFO lets the planner choose batches oldest-first
	SelectFIFO SelectionStrategy = iota
	// SelectExplicit takes the caller's batch picks as authoritative
	SelectExplicit
)

// String method for SelectionStrategy enum
func (s SelectionStrategy) String() string {
	switch s {
	case SelectFIFO:
		return "fifo"
	case SelectExplicit:
		return "explicit"
	default:
		return "unknown"
	}
}

// BatchPick is a caller pre-selected quantity from one batch
type BatchPick struct {
	BatchID  BatchID
	Quantity decimal.Decimal
}

// AllocationRequest is the typed input of one allocation
type AllocationRequest struct {
	MaterialID       MaterialID
	RequiredQuantity decimal.Decimal
	Mode             AllocationMode
	Selection        SelectionStrategy
	ExplicitPicks    []BatchPick
	OwnerRef         string
	MinQualityGrade  QualityGrade
}

// Validate checks the request shape; it does not look at stock
func (r AllocationRequest) Validate() error {
	if r.MaterialID == "" {
		return fmt.Errorf("material id cannot be empty")
	}
	if !r.RequiredQuantity.IsPositive() {
		return fmt.Errorf("required quantity must be positive, got %s", r.RequiredQuantity)
	}
	switch r.Selection {
	case SelectFIFO:
		if len(r.ExplicitPicks) > 0 {
			return fmt.Errorf("explicit picks given for fifo selection")
		}
	case SelectExplicit:
		if len(r.ExplicitPicks) == 0 {
			return fmt.Errorf("explicit selection requires at least one batch pick")
		}
	default:
		return fmt.Errorf("unknown selection strategy %d", r.Selection)
	}
	if r.Mode != ExactMatch && r.Mode != PartialAllowed {
		return fmt.Errorf("unknown allocation mode %d", r.Mode)
	}
	return nil
}

// AllocationLine is one (batch, quantity) pair of a plan
type AllocationLine struct {
	BatchID   BatchID
	BatchCode string
	Quantity  decimal.Decimal
}

// AllocationPlan is the planner's ordered proposal
type AllocationPlan struct {
	MaterialID       MaterialID
	RequiredQuantity decimal.Decimal
	Selection        SelectionStrategy
	Lines            []AllocationLine
	TotalAllocated   decimal.Decimal
	Deficit          decimal.Decimal
}

// IsComplete reports whether the plan covers the required quantity within Epsilon
func (p *AllocationPlan) IsComplete() bool {
	return Covers(p.TotalAllocated, p.RequiredQuantity)
}

// QuantityByBatch sums line quantities per batch, in first-seen order
func (p *AllocationPlan) QuantityByBatch() ([]BatchID, map[BatchID]decimal.Decimal) {
	order := make([]BatchID, 0, len(p.Lines))
	sums := make(map[BatchID]decimal.Decimal, len(p.Lines))
	for _, line := range p.Lines {
		if _, seen := sums[line.BatchID]; !seen {
			order = append(order, line.BatchID)
			sums[line.BatchID] = decimal.Zero
		}
		sums[line.BatchID] = sums[line.BatchID].Add(line.Quantity)
	}
	return order, sums
}
