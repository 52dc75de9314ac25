package entities

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ReservationID identifies a committed reservation
type ReservationID string

// LineState is the per-line reservation state
type LineState string

const (
	LinePlanned   LineState = "planned"
	LineCommitted LineState = "committed"
	LineConsumed  LineState = "consumed"
	LineReleased  LineState = "released"
)

// ParseLineState validates a persisted state string
func ParseLineState(s string) (LineState, error) {
	switch LineState(s) {
	case LinePlanned, LineCommitted, LineConsumed, LineReleased:
		return LineState(s), nil
	default:
		return "", fmt.Errorf("unknown reservation state %q", s)
	}
}

// CanTransition reports whether from -> to is a legal state machine edge:
// planned -> committed -> consumed | released.
func CanTransition(from, to LineState) bool {
	switch from {
	case LinePlanned:
		return to == LineCommitted
	case LineCommitted:
		return to == LineConsumed || to == LineReleased
	default:
		return false
	}
}

// ReservationLine is the claim held against one batch
type ReservationLine struct {
	BatchID  BatchID
	Quantity decimal.Decimal
	State    LineState
}

// Reservation is the committed effect of a plan.
// Lines always share the reservation's Status since every mutation is
// all-or-nothing.
type Reservation struct {
	ID               ReservationID
	OwnerRef         string
	MaterialID       MaterialID
	Mode             AllocationMode
	RequiredQuantity decimal.Decimal
	TotalReserved    decimal.Decimal
	Deficit          decimal.Decimal
	Lines            []ReservationLine
	Status           LineState
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// NewReservation builds a planned reservation from a plan
func NewReservation(id ReservationID, plan *AllocationPlan, mode AllocationMode, ownerRef string, now time.Time) *Reservation {
	order, sums := plan.QuantityByBatch()
	lines := make([]ReservationLine, 0, len(order))
	for _, batchID := range order {
		lines = append(lines, ReservationLine{
			BatchID:  batchID,
			Quantity: sums[batchID],
			State:    LinePlanned,
		})
	}
	return &Reservation{
		ID:               id,
		OwnerRef:         ownerRef,
		MaterialID:       plan.MaterialID,
		Mode:             mode,
		RequiredQuantity: plan.RequiredQuantity,
		TotalReserved:    plan.TotalAllocated,
		Deficit:          plan.Deficit,
		Lines:            lines,
		Status:           LinePlanned,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// Transition moves the reservation and all of its lines to the given state
func (r *Reservation) Transition(to LineState, now time.Time) error {
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("reservation %s cannot move from %s to %s", r.ID, r.Status, to)
	}
	r.Status = to
	for i := range r.Lines {
		r.Lines[i].State = to
	}
	r.UpdatedAt = now
	return nil
}

// Clone returns a deep copy so stores never share line slices with callers
func (r *Reservation) Clone() *Reservation {
	c := *r
	c.Lines = append([]ReservationLine(nil), r.Lines...)
	return &c
}
