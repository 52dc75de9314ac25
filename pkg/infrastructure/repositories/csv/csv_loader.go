package csv

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/vsinha/batchalloc/pkg/domain/entities"
)

// BatchHeader is the expected header of a batch receipt file
var BatchHeader = []string{
	"batch_id",
	"material_id",
	"batch_code",
	"total_weight",
	"quality_grade",
	"received_date",
	"manufactured_date",
	"heat_number",
	"supplier_ref",
	"unit_cost",
}

// Loader handles loading goods receipts from CSV files
type Loader struct{}

// NewLoader creates a new CSV loader
func NewLoader() *Loader {
	return &Loader{}
}

// LoadBatches loads batches from a CSV file
func (l *Loader) LoadBatches(filename string) ([]*entities.Batch, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open batches file %s: %w", filename, err)
	}
	defer file.Close()

	return l.ReadBatches(file)
}

// ReadBatches parses batch receipts from r. Every row must parse or none
// are returned.
func (l *Loader) ReadBatches(r io.Reader) ([]*entities.Batch, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.Comment = '#'
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read batches CSV: %w", err)
	}

	if len(records) < 2 {
		return nil, fmt.Errorf("batches CSV must have header and at least one data row")
	}

	header := records[0]
	if !validateHeader(header, BatchHeader) {
		return nil, fmt.Errorf("batches CSV header mismatch. Expected: %v, Got: %v", BatchHeader, header)
	}

	seen := make(map[entities.BatchID]int, len(records)-1)
	var batches []*entities.Batch
	for i, record := range records[1:] {
		row := i + 2
		if len(record) != len(BatchHeader) {
			return nil, fmt.Errorf("batches CSV row %d: expected %d columns, got %d", row, len(BatchHeader), len(record))
		}

		batch, err := parseBatch(record)
		if err != nil {
			return nil, fmt.Errorf("batches CSV row %d: %w", row, err)
		}
		if first, dup := seen[batch.ID]; dup {
			return nil, fmt.Errorf("batches CSV row %d: batch %s already defined on row %d", row, batch.ID, first)
		}
		seen[batch.ID] = row

		batches = append(batches, batch)
	}

	return batches, nil
}

func validateHeader(actual, expected []string) bool {
	if len(actual) != len(expected) {
		return false
	}

	for i, col := range expected {
		if strings.ToLower(strings.TrimSpace(actual[i])) != col {
			return false
		}
	}

	return true
}

func parseBatch(record []string) (*entities.Batch, error) {
	return entities.BatchReceipt{
		ID:               record[0],
		MaterialID:       record[1],
		BatchCode:        record[2],
		TotalWeight:      record[3],
		QualityGrade:     record[4],
		ReceivedDate:     record[5],
		ManufacturedDate: record[6],
		HeatNumber:       record[7],
		SupplierRef:      record[8],
		UnitCost:         record[9],
	}.Parse()
}
