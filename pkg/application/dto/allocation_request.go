package dto

import (
	"fmt"
	"strings"

	"github.com/vsinha/batchalloc/pkg/domain/entities"
)

// BatchPickInput is the wire form of an explicit batch pick
type BatchPickInput struct {
	BatchID  string `json:"batch_id" yaml:"batch_id" binding:"required"`
	Quantity string `json:"quantity" yaml:"quantity" binding:"required"`
}

// AllocationRequestInput is the wire form of an allocation request, shared by
// the HTTP API, the CLI and bulk request files. Giving picks selects explicit
// batches; an empty mode falls back to the configured default.
type AllocationRequestInput struct {
	MaterialID string           `json:"material_id" yaml:"material_id" binding:"required"`
	Quantity   string           `json:"quantity" yaml:"quantity" binding:"required"`
	Mode       string           `json:"mode,omitempty" yaml:"mode"`
	OwnerRef   string           `json:"owner_ref,omitempty" yaml:"owner_ref"`
	MinGrade   string           `json:"min_grade,omitempty" yaml:"min_grade"`
	Picks      []BatchPickInput `json:"picks,omitempty" yaml:"picks"`
}

// ToRequest parses the input into a typed request
func (in AllocationRequestInput) ToRequest(defaultMode entities.AllocationMode) (entities.AllocationRequest, error) {
	req := entities.AllocationRequest{
		MaterialID: entities.MaterialID(strings.TrimSpace(in.MaterialID)),
		Mode:       defaultMode,
		Selection:  entities.SelectFIFO,
		OwnerRef:   strings.TrimSpace(in.OwnerRef),
	}

	var err error
	if req.RequiredQuantity, err = entities.ParseQuantity(in.Quantity); err != nil {
		return req, fmt.Errorf("quantity: %w", err)
	}
	if in.Mode != "" {
		if req.Mode, err = entities.ParseAllocationMode(in.Mode); err != nil {
			return req, err
		}
	}
	if req.MinQualityGrade, err = entities.ParseQualityGrade(in.MinGrade); err != nil {
		return req, fmt.Errorf("min grade: %w", err)
	}

	if len(in.Picks) > 0 {
		req.Selection = entities.SelectExplicit
		for _, p := range in.Picks {
			q, err := entities.ParseQuantity(p.Quantity)
			if err != nil {
				return req, fmt.Errorf("pick %s: %w", p.BatchID, err)
			}
			req.ExplicitPicks = append(req.ExplicitPicks, entities.BatchPick{
				BatchID:  entities.BatchID(strings.TrimSpace(p.BatchID)),
				Quantity: q,
			})
		}
	}
	return req, nil
}

// ParsePick parses a "batch=qty" pick as given on the command line
func ParsePick(s string) (BatchPickInput, error) {
	batchID, quantity, ok := strings.Cut(s, "=")
	if !ok || strings.TrimSpace(batchID) == "" || strings.TrimSpace(quantity) == "" {
		return BatchPickInput{}, fmt.Errorf("pick %q must look like batch=qty", s)
	}
	return BatchPickInput{BatchID: strings.TrimSpace(batchID), Quantity: strings.TrimSpace(quantity)}, nil
}
