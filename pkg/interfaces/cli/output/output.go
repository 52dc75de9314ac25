// Package output renders CLI results as text tables or JSON.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/vsinha/batchalloc/pkg/application/dto"
	"github.com/vsinha/batchalloc/pkg/application/services/orchestration"
	"github.com/vsinha/batchalloc/pkg/domain/entities"
	apperrors "github.com/vsinha/batchalloc/pkg/errors"
)

// Formats
const (
	FormatText = "text"
	FormatJSON = "json"
)

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{FormatText, FormatJSON}

// IsValidFormat checks if the format is one of the allowed values.
func IsValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// Printer writes results in one format
type Printer struct {
	Format string
	Writer io.Writer
}

// New creates a printer
func New(format string, w io.Writer) *Printer {
	return &Printer{Format: format, Writer: w}
}

func (p *Printer) json(v interface{}) error {
	enc := json.NewEncoder(p.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// AllocationResult prints the outcome of one allocation
func (p *Printer) AllocationResult(r *dto.AllocationResult) error {
	if p.Format == FormatJSON {
		return p.json(dto.NewAllocationResultView(r))
	}

	if r.IsRejected() {
		p.rejection(r.Reason)
		return nil
	}
	fmt.Fprintf(p.Writer, "Outcome: %s\n", r.Outcome)
	if r.Outcome == dto.OutcomePartiallyAllocated {
		fmt.Fprintf(p.Writer, "Deficit: %s\n", r.Deficit)
	}
	p.reservationText(r.Reservation)
	return nil
}

func (p *Printer) rejection(reason *apperrors.AppError) {
	fmt.Fprintf(p.Writer, "Outcome: %s\n", dto.OutcomeRejected)
	fmt.Fprintf(p.Writer, "Reason:  [%s] %s\n", reason.Code, reason.Message)
	for k, v := range reason.Params {
		fmt.Fprintf(p.Writer, "  %s: %v\n", k, v)
	}
}

// Reservation prints one reservation with its lines
func (p *Printer) Reservation(r *entities.Reservation) error {
	if p.Format == FormatJSON {
		return p.json(dto.NewReservationView(r))
	}
	p.reservationText(r)
	return nil
}

func (p *Printer) reservationText(r *entities.Reservation) {
	fmt.Fprintf(p.Writer, "Reservation %s (%s)\n", r.ID, r.Status)
	fmt.Fprintf(p.Writer, "Material: %s  Required: %s  Reserved: %s  Mode: %s\n",
		r.MaterialID, r.RequiredQuantity, r.TotalReserved, r.Mode)
	if r.OwnerRef != "" {
		fmt.Fprintf(p.Writer, "Owner: %s\n", r.OwnerRef)
	}

	tw := tabwriter.NewWriter(p.Writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "BATCH\tQUANTITY\tSTATE")
	for _, line := range r.Lines {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", line.BatchID, line.Quantity, line.State)
	}
	tw.Flush()
}

// Batch prints one batch
func (p *Printer) Batch(b *entities.Batch) error {
	return p.Batches([]*entities.Batch{b})
}

// Batches prints a batch table
func (p *Printer) Batches(batches []*entities.Batch) error {
	if p.Format == FormatJSON {
		return p.json(dto.NewBatchViews(batches))
	}

	tw := tabwriter.NewWriter(p.Writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "BATCH\tMATERIAL\tCODE\tGRADE\tFIFO DATE\tTOTAL\tAVAILABLE\tRESERVED\tCONSUMED\tSTATUS")
	for _, b := range batches {
		grade := b.QualityGrade.String()
		if grade == "" {
			grade = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			b.ID, b.MaterialID, b.BatchCode, grade, b.FIFODate().Format(entities.DateLayout),
			b.TotalWeight, b.AvailableWeight, b.ReservedWeight, b.ConsumedWeight, b.Status)
	}
	return tw.Flush()
}

// bulkItemView is the JSON form of one bulk outcome
type bulkItemView struct {
	Index    int                       `json:"index"`
	Material string                    `json:"material_id"`
	Quantity string                    `json:"quantity"`
	Attempts int                       `json:"attempts"`
	Result   *dto.AllocationResultView `json:"result,omitempty"`
	Error    string                    `json:"error,omitempty"`
}

type coverageView struct {
	Material  string  `json:"material_id"`
	Allocated string  `json:"allocated"`
	Remaining string  `json:"remaining"`
	Requests  int     `json:"requests"`
	Rejected  int     `json:"rejected"`
	Coverage  float64 `json:"coverage"`
}

type bulkView struct {
	Summary  string         `json:"summary"`
	Items    []bulkItemView `json:"items"`
	Coverage []coverageView `json:"coverage"`
}

// BulkResult prints the outcome of a bulk run
func (p *Printer) BulkResult(r *orchestration.BulkResult) error {
	if p.Format == FormatJSON {
		view := bulkView{Summary: r.GetSummary()}
		for _, item := range r.Items {
			iv := bulkItemView{
				Index:    item.Index,
				Material: item.Input.MaterialID,
				Quantity: item.Input.Quantity,
				Attempts: item.Attempts,
			}
			if item.Result != nil {
				iv.Result = dto.NewAllocationResultView(item.Result)
			}
			if item.Err != nil {
				iv.Error = item.Err.Error()
			}
			view.Items = append(view.Items, iv)
		}
		for _, m := range r.Coverage.GetAllMaterials() {
			c := r.Coverage.Get(m)
			view.Coverage = append(view.Coverage, coverageView{
				Material:  string(m),
				Allocated: c.AllocatedQty.String(),
				Remaining: c.RemainingDemand.String(),
				Requests:  c.Requests,
				Rejected:  c.Rejected,
				Coverage:  c.CoverageRatio(),
			})
		}
		return p.json(view)
	}

	fmt.Fprintln(p.Writer, r.GetSummary())
	fmt.Fprintln(p.Writer)

	tw := tabwriter.NewWriter(p.Writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tMATERIAL\tQUANTITY\tOUTCOME\tRESERVATION\tATTEMPTS\tDETAIL")
	for _, item := range r.Items {
		outcome, reservation, detail := "failed", "-", ""
		switch {
		case item.Err != nil:
			detail = item.Err.Error()
		case item.Result != nil && item.Result.IsRejected():
			outcome = string(dto.OutcomeRejected)
			detail = item.Result.Reason.Code
		case item.Result != nil:
			outcome = string(item.Result.Outcome)
			reservation = string(item.Result.Reservation.ID)
			if !item.Result.Deficit.IsZero() {
				detail = "deficit " + item.Result.Deficit.String()
			}
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\t%s\n",
			item.Index, item.Input.MaterialID, item.Input.Quantity, outcome, reservation, item.Attempts, detail)
	}
	tw.Flush()
	fmt.Fprintln(p.Writer)

	tw = tabwriter.NewWriter(p.Writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MATERIAL\tALLOCATED\tREMAINING\tCOVERAGE")
	for _, m := range r.Coverage.GetAllMaterials() {
		c := r.Coverage.Get(m)
		coverage := "none"
		if c.HasAllocation() {
			coverage = fmt.Sprintf("%.1f%%", c.CoverageRatio()*100)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", m, c.AllocatedQty, c.RemainingDemand, coverage)
	}
	return tw.Flush()
}
