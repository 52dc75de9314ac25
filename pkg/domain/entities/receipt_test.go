package entities

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchReceipt_Parse(t *testing.T) {
	b, err := BatchReceipt{
		ID:           "B1",
		MaterialID:   "STEEL-304",
		BatchCode:    "H-7781",
		TotalWeight:  "1250.5",
		QualityGrade: "b",
		ReceivedDate: "2025-03-04",
		HeatNumber:   " 7781 ",
		UnitCost:     "2.40",
	}.Parse()
	require.NoError(t, err)

	assert.Equal(t, BatchID("B1"), b.ID)
	assert.Equal(t, GradeB, b.QualityGrade)
	assert.Equal(t, time.Date(2025, time.March, 4, 0, 0, 0, 0, time.UTC), b.ReceivedDate)
	assert.Equal(t, "7781", b.HeatNumber)
	assert.True(t, b.AvailableWeight.Equal(d("1250.5")))
	assert.True(t, b.AvailableValue().Equal(d("3001.2")))
	assert.Equal(t, BatchActive, b.Status)
	require.NoError(t, b.CheckConservation())
}

func TestBatchReceipt_ManufacturedDateOnly(t *testing.T) {
	b, err := BatchReceipt{
		ID: "B2", MaterialID: "M", BatchCode: "C2", TotalWeight: "10",
		ManufacturedDate: "2024-12-31",
	}.Parse()
	require.NoError(t, err)
	assert.True(t, b.ReceivedDate.IsZero())
	assert.Equal(t, 2024, b.FIFODate().Year())
}

func TestBatchReceipt_Invalid(t *testing.T) {
	valid := BatchReceipt{ID: "B1", MaterialID: "M", BatchCode: "C1", TotalWeight: "10", ReceivedDate: "2025-01-01"}

	tests := []struct {
		name   string
		mutate func(r *BatchReceipt)
	}{
		{"bad weight", func(r *BatchReceipt) { r.TotalWeight = "ten" }},
		{"zero weight", func(r *BatchReceipt) { r.TotalWeight = "0" }},
		{"no dates", func(r *BatchReceipt) { r.ReceivedDate = "" }},
		{"bad date", func(r *BatchReceipt) { r.ReceivedDate = "01/02/2025" }},
		{"bad grade", func(r *BatchReceipt) { r.QualityGrade = "Z" }},
		{"negative cost", func(r *BatchReceipt) { r.UnitCost = "-1" }},
		{"missing material", func(r *BatchReceipt) { r.MaterialID = "" }},
		{"missing code", func(r *BatchReceipt) { r.BatchCode = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid
			tt.mutate(&r)
			_, err := r.Parse()
			assert.Error(t, err)
		})
	}
}
