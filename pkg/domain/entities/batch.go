package entities

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// MaterialID identifies a catalog material
type MaterialID string

// BatchID identifies a physical lot
type BatchID string

// QualityGrade is an ordered grade where A > B > C. Ungraded sorts lowest.
type QualityGrade int

const (
	Ungraded QualityGrade = iota
	GradeC
	GradeB
	GradeA
)

// String method for QualityGrade enum
func (g QualityGrade) String() string {
	switch g {
	case GradeA:
		return "A"
	case GradeB:
		return "B"
	case GradeC:
		return "C"
	default:
		return ""
	}
}

// ParseQualityGrade maps "A", "B", "C" (case-insensitive) or "" to a grade
func ParseQualityGrade(s string) (QualityGrade, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "A":
		return GradeA, nil
	case "B":
		return GradeB, nil
	case "C":
		return GradeC, nil
	case "":
		return Ungraded, nil
	default:
		return Ungraded, fmt.Errorf("unknown quality grade %q", s)
	}
}

// BatchStatus is the lifecycle state of a batch
type BatchStatus string

const (
	BatchActive    BatchStatus = "active"
	BatchExhausted BatchStatus = "exhausted"
	BatchBlocked   BatchStatus = "blocked"
)

// ParseBatchStatus validates a persisted status string
func ParseBatchStatus(s string) (BatchStatus, error) {
	switch BatchStatus(s) {
	case BatchActive, BatchExhausted, BatchBlocked:
		return BatchStatus(s), nil
	default:
		return "", fmt.Errorf("unknown batch status %q", s)
	}
}

// Batch is a physical lot of one material.
//
// TotalWeight == AvailableWeight + ReservedWeight + ConsumedWeight holds at all
// times and every weight is non-negative.
type Batch struct {
	ID               BatchID
	MaterialID       MaterialID
	BatchCode        string
	QualityGrade     QualityGrade
	ReceivedDate     time.Time
	ManufacturedDate time.Time
	HeatNumber       string
	SupplierRef      string
	UnitCost         decimal.Decimal

	TotalWeight     decimal.Decimal
	AvailableWeight decimal.Decimal
	ReservedWeight  decimal.Decimal
	ConsumedWeight  decimal.Decimal

	Status    BatchStatus
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewBatch creates a validated batch on goods receipt with its full weight available
func NewBatch(id BatchID, materialID MaterialID, batchCode string, totalWeight decimal.Decimal, receivedDate time.Time) (*Batch, error) {
	if id == "" {
		return nil, fmt.Errorf("batch id cannot be empty")
	}
	if materialID == "" {
		return nil, fmt.Errorf("material id cannot be empty")
	}
	if batchCode == "" {
		return nil, fmt.Errorf("batch code cannot be empty")
	}
	if !totalWeight.IsPositive() {
		return nil, fmt.Errorf("total weight must be positive, got %s", totalWeight)
	}

	return &Batch{
		ID:              id,
		MaterialID:      materialID,
		BatchCode:       batchCode,
		ReceivedDate:    receivedDate,
		UnitCost:        decimal.Zero,
		TotalWeight:     totalWeight,
		AvailableWeight: totalWeight,
		ReservedWeight:  decimal.Zero,
		ConsumedWeight:  decimal.Zero,
		Status:          BatchActive,
	}, nil
}

// FIFODate is the date driving FIFO ordering: received, else manufactured
func (b *Batch) FIFODate() time.Time {
	if !b.ReceivedDate.IsZero() {
		return b.ReceivedDate
	}
	return b.ManufacturedDate
}

// IsCandidate reports whether the batch may be offered to the planner
func (b *Batch) IsCandidate() bool {
	return b.Status == BatchActive && b.AvailableWeight.IsPositive()
}

// AvailableValue is the book value of the unreserved weight
func (b *Batch) AvailableValue() decimal.Decimal {
	return b.AvailableWeight.Mul(b.UnitCost)
}

// CheckConservation verifies the weight invariant exactly
func (b *Batch) CheckConservation() error {
	for name, w := range map[string]decimal.Decimal{
		"available": b.AvailableWeight,
		"reserved":  b.ReservedWeight,
		"consumed":  b.ConsumedWeight,
	} {
		if w.IsNegative() {
			return fmt.Errorf("batch %s: %s weight is negative (%s)", b.ID, name, w)
		}
	}
	sum := b.AvailableWeight.Add(b.ReservedWeight).Add(b.ConsumedWeight)
	if !sum.Equal(b.TotalWeight) {
		return fmt.Errorf("batch %s: total %s != available+reserved+consumed %s", b.ID, b.TotalWeight, sum)
	}
	return nil
}

// BatchDelta is a signed change to the three mutable weight buckets
type BatchDelta struct {
	Available decimal.Decimal
	Reserved  decimal.Decimal
	Consumed  decimal.Decimal
}

// ReserveDelta moves qty from available to reserved
func ReserveDelta(qty decimal.Decimal) BatchDelta {
	return BatchDelta{Available: qty.Neg(), Reserved: qty, Consumed: decimal.Zero}
}

// ReleaseDelta moves qty from reserved back to available
func ReleaseDelta(qty decimal.Decimal) BatchDelta {
	return BatchDelta{Available: qty, Reserved: qty.Neg(), Consumed: decimal.Zero}
}

// ConsumeDelta moves qty from reserved to consumed
func ConsumeDelta(qty decimal.Decimal) BatchDelta {
	return BatchDelta{Available: decimal.Zero, Reserved: qty.Neg(), Consumed: qty}
}

// Apply returns a copy of the batch with the delta applied and its lifecycle
// status recomputed. It fails if any bucket would go negative or the
// conservation invariant would break; the receiver is never modified.
func (b *Batch) Apply(delta BatchDelta, now time.Time) (*Batch, error) {
	next := *b
	next.AvailableWeight = b.AvailableWeight.Add(delta.Available)
	next.ReservedWeight = b.ReservedWeight.Add(delta.Reserved)
	next.ConsumedWeight = b.ConsumedWeight.Add(delta.Consumed)
	if err := next.CheckConservation(); err != nil {
		return nil, err
	}

	if next.Status != BatchBlocked {
		if next.AvailableWeight.Add(next.ReservedWeight).IsZero() {
			next.Status = BatchExhausted
		} else {
			next.Status = BatchActive
		}
	}
	next.Version = b.Version + 1
	next.UpdatedAt = now
	return &next, nil
}

// WithHold returns a copy with the compliance hold set or cleared. Clearing a
// hold restores active or exhausted depending on the remaining weight.
func (b *Batch) WithHold(hold bool, now time.Time) *Batch {
	next := *b
	switch {
	case hold:
		next.Status = BatchBlocked
	case next.AvailableWeight.Add(next.ReservedWeight).IsZero():
		next.Status = BatchExhausted
	default:
		next.Status = BatchActive
	}
	next.Version = b.Version + 1
	next.UpdatedAt = now
	return &next
}
