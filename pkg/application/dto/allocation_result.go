package dto

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/vsinha/batchalloc/pkg/domain/entities"
	apperrors "github.com/vsinha/batchalloc/pkg/errors"
)

// AllocationOutcome is the tag of an AllocationResult
type AllocationOutcome string

const (
	OutcomeAllocated          AllocationOutcome = "allocated"
	OutcomePartiallyAllocated AllocationOutcome = "partially_allocated"
	OutcomeRejected           AllocationOutcome = "rejected"
)

// AllocationResult is the outcome of one allocation request. Reservation is
// set for allocated and partially allocated outcomes, Reason for rejections.
type AllocationResult struct {
	Outcome     AllocationOutcome
	Reservation *entities.Reservation
	Deficit     decimal.Decimal
	Reason      *apperrors.AppError
}

// Allocated builds a full-coverage result
func Allocated(res *entities.Reservation) *AllocationResult {
	return &AllocationResult{Outcome: OutcomeAllocated, Reservation: res, Deficit: decimal.Zero}
}

// PartiallyAllocated builds a result that still owes deficit
func PartiallyAllocated(res *entities.Reservation, deficit decimal.Decimal) *AllocationResult {
	return &AllocationResult{Outcome: OutcomePartiallyAllocated, Reservation: res, Deficit: deficit}
}

// Rejected builds a result for a request that changed nothing
func Rejected(reason *apperrors.AppError) *AllocationResult {
	return &AllocationResult{Outcome: OutcomeRejected, Reason: reason, Deficit: decimal.Zero}
}

// IsRejected reports whether nothing was reserved
func (r *AllocationResult) IsRejected() bool {
	return r.Outcome == OutcomeRejected
}

// ReservationLineView is the wire form of a reservation line
type ReservationLineView struct {
	BatchID  string `json:"batch_id"`
	Quantity string `json:"quantity"`
	State    string `json:"state"`
}

// ReservationView is the wire form of a reservation
type ReservationView struct {
	ID               string                `json:"id"`
	OwnerRef         string                `json:"owner_ref,omitempty"`
	MaterialID       string                `json:"material_id"`
	Mode             string                `json:"mode"`
	RequiredQuantity string                `json:"required_quantity"`
	TotalReserved    string                `json:"total_reserved"`
	Deficit          string                `json:"deficit"`
	Status           string                `json:"status"`
	Lines            []ReservationLineView `json:"lines"`
	CreatedAt        time.Time             `json:"created_at"`
	UpdatedAt        time.Time             `json:"updated_at"`
}

// NewReservationView converts a reservation for display
func NewReservationView(r *entities.Reservation) *ReservationView {
	if r == nil {
		return nil
	}
	lines := make([]ReservationLineView, 0, len(r.Lines))
	for _, l := range r.Lines {
		lines = append(lines, ReservationLineView{
			BatchID:  string(l.BatchID),
			Quantity: l.Quantity.String(),
			State:    string(l.State),
		})
	}
	return &ReservationView{
		ID:               string(r.ID),
		OwnerRef:         r.OwnerRef,
		MaterialID:       string(r.MaterialID),
		Mode:             r.Mode.String(),
		RequiredQuantity: r.RequiredQuantity.String(),
		TotalReserved:    r.TotalReserved.String(),
		Deficit:          r.Deficit.String(),
		Status:           string(r.Status),
		Lines:            lines,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

// AllocationResultView is the wire form of an AllocationResult
type AllocationResultView struct {
	Outcome     string              `json:"outcome"`
	Reservation *ReservationView    `json:"reservation,omitempty"`
	Deficit     string              `json:"deficit"`
	Reason      *apperrors.AppError `json:"reason,omitempty"`
}

// NewAllocationResultView converts a result for display
func NewAllocationResultView(r *AllocationResult) *AllocationResultView {
	return &AllocationResultView{
		Outcome:     string(r.Outcome),
		Reservation: NewReservationView(r.Reservation),
		Deficit:     r.Deficit.String(),
		Reason:      r.Reason,
	}
}

// BatchView is the wire form of a batch
type BatchView struct {
	ID               string    `json:"id"`
	MaterialID       string    `json:"material_id"`
	BatchCode        string    `json:"batch_code"`
	QualityGrade     string    `json:"quality_grade,omitempty"`
	ReceivedDate     time.Time `json:"received_date,omitempty"`
	ManufacturedDate time.Time `json:"manufactured_date,omitempty"`
	HeatNumber       string    `json:"heat_number,omitempty"`
	SupplierRef      string    `json:"supplier_ref,omitempty"`
	UnitCost         string    `json:"unit_cost"`
	TotalWeight      string    `json:"total_weight"`
	AvailableWeight  string    `json:"available_weight"`
	ReservedWeight   string    `json:"reserved_weight"`
	ConsumedWeight   string    `json:"consumed_weight"`
	AvailableValue   string    `json:"available_value"`
	Status           string    `json:"status"`
	Version          int64     `json:"version"`
}

// NewBatchView converts a batch for display
func NewBatchView(b *entities.Batch) BatchView {
	return BatchView{
		ID:               string(b.ID),
		MaterialID:       string(b.MaterialID),
		BatchCode:        b.BatchCode,
		QualityGrade:     b.QualityGrade.String(),
		ReceivedDate:     b.ReceivedDate,
		ManufacturedDate: b.ManufacturedDate,
		HeatNumber:       b.HeatNumber,
		SupplierRef:      b.SupplierRef,
		UnitCost:         b.UnitCost.String(),
		TotalWeight:      b.TotalWeight.String(),
		AvailableWeight:  b.AvailableWeight.String(),
		ReservedWeight:   b.ReservedWeight.String(),
		ConsumedWeight:   b.ConsumedWeight.String(),
		AvailableValue:   b.AvailableValue().String(),
		Status:           string(b.Status),
		Version:          b.Version,
	}
}

// NewBatchViews converts a batch list for display
func NewBatchViews(batches []*entities.Batch) []BatchView {
	views := make([]BatchView, 0, len(batches))
	for _, b := range batches {
		views = append(views, NewBatchView(b))
	}
	return views
}

// ReceiveBatchRequest is the input of a goods receipt. Empty ID or
// BatchCode values are generated.
type ReceiveBatchRequest struct {
	ID               string `json:"id,omitempty" yaml:"id"`
	MaterialID       string `json:"material_id" yaml:"material_id" binding:"required"`
	BatchCode        string `json:"batch_code,omitempty" yaml:"batch_code"`
	TotalWeight      string `json:"total_weight" yaml:"total_weight" binding:"required"`
	QualityGrade     string `json:"quality_grade,omitempty" yaml:"quality_grade"`
	ReceivedDate     string `json:"received_date,omitempty" yaml:"received_date"`
	ManufacturedDate string `json:"manufactured_date,omitempty" yaml:"manufactured_date"`
	HeatNumber       string `json:"heat_number,omitempty" yaml:"heat_number"`
	SupplierRef      string `json:"supplier_ref,omitempty" yaml:"supplier_ref"`
	UnitCost         string `json:"unit_cost,omitempty" yaml:"unit_cost"`
}

// Receipt converts the request to a domain receipt record
func (r ReceiveBatchRequest) Receipt() entities.BatchReceipt {
	return entities.BatchReceipt{
		ID:               r.ID,
		MaterialID:       r.MaterialID,
		BatchCode:        r.BatchCode,
		TotalWeight:      r.TotalWeight,
		QualityGrade:     r.QualityGrade,
		ReceivedDate:     r.ReceivedDate,
		ManufacturedDate: r.ManufacturedDate,
		HeatNumber:       r.HeatNumber,
		SupplierRef:      r.SupplierRef,
		UnitCost:         r.UnitCost,
	}
}
