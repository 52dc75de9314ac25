package entities

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the date format of receipt records
const DateLayout = "2006-01-02"

// BatchReceipt is a goods receipt as entered in a file or form, before parsing
type BatchReceipt struct {
	ID               string
	MaterialID       string
	BatchCode        string
	TotalWeight      string
	QualityGrade     string
	ReceivedDate     string
	ManufacturedDate string
	HeatNumber       string
	SupplierRef      string
	UnitCost         string
}

// Parse validates the receipt and builds an active batch with its full
// weight available. A receipt needs a received or manufactured date so the
// batch has a FIFO position.
func (r BatchReceipt) Parse() (*Batch, error) {
	weight, err := ParseQuantity(strings.TrimSpace(r.TotalWeight))
	if err != nil {
		return nil, fmt.Errorf("total weight: %w", err)
	}

	received, err := parseDate(r.ReceivedDate)
	if err != nil {
		return nil, fmt.Errorf("received date: %w", err)
	}
	manufactured, err := parseDate(r.ManufacturedDate)
	if err != nil {
		return nil, fmt.Errorf("manufactured date: %w", err)
	}
	if received.IsZero() && manufactured.IsZero() {
		return nil, fmt.Errorf("batch %s needs a received or manufactured date", r.ID)
	}

	batch, err := NewBatch(BatchID(strings.TrimSpace(r.ID)), MaterialID(strings.TrimSpace(r.MaterialID)),
		strings.TrimSpace(r.BatchCode), weight, received)
	if err != nil {
		return nil, err
	}
	batch.ManufacturedDate = manufactured

	if batch.QualityGrade, err = ParseQualityGrade(r.QualityGrade); err != nil {
		return nil, err
	}

	if cost := strings.TrimSpace(r.UnitCost); cost != "" {
		batch.UnitCost, err = ParseQuantity(cost)
		if err != nil {
			return nil, fmt.Errorf("unit cost: %w", err)
		}
		if batch.UnitCost.IsNegative() {
			return nil, fmt.Errorf("unit cost must not be negative, got %s", batch.UnitCost)
		}
	} else {
		batch.UnitCost = decimal.Zero
	}

	batch.HeatNumber = strings.TrimSpace(r.HeatNumber)
	batch.SupplierRef = strings.TrimSpace(r.SupplierRef)
	return batch, nil
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(DateLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}
