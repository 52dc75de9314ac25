package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"github.com/vsinha/batchalloc/pkg/domain/entities"
	"github.com/vsinha/batchalloc/pkg/domain/repositories"
)

// NUMERIC columns are read back as text so decimals round-trip exactly.
const batchColumns = `id, material_id, batch_code, quality_grade, received_date, manufactured_date,
	heat_number, supplier_ref, unit_cost::text, total_weight::text, available_weight::text,
	reserved_weight::text, consumed_weight::text, status, version, created_at, updated_at`

// CreateBatch records a goods receipt
func (s *Store) CreateBatch(ctx context.Context, b *entities.Batch) error {
	if err := b.CheckConservation(); err != nil {
		return err
	}

	now := time.Now().UTC()
	created, updated := b.CreatedAt, b.UpdatedAt
	if created.IsZero() {
		created = now
	}
	if updated.IsZero() {
		updated = created
	}

	_, err := s.q.Exec(ctx, `
		INSERT INTO batches (id, material_id, batch_code, quality_grade, received_date, manufactured_date,
			heat_number, supplier_ref, unit_cost, total_weight, available_weight, reserved_weight,
			consumed_weight, status, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::numeric, $10::numeric, $11::numeric, $12::numeric,
			$13::numeric, $14, $15, $16, $17)`,
		string(b.ID), string(b.MaterialID), b.BatchCode, b.QualityGrade.String(),
		nullableTime(b.ReceivedDate), nullableTime(b.ManufacturedDate),
		b.HeatNumber, b.SupplierRef, b.UnitCost.String(),
		b.TotalWeight.String(), b.AvailableWeight.String(), b.ReservedWeight.String(), b.ConsumedWeight.String(),
		string(b.Status), b.Version, created, updated,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s (%v)", repositories.ErrDuplicateBatch, b.ID, err)
		}
		return fmt.Errorf("insert batch %s: %w", b.ID, err)
	}
	return nil
}

// ListActiveBatches returns active batches of a material
func (s *Store) ListActiveBatches(ctx context.Context, materialID entities.MaterialID) ([]*entities.Batch, error) {
	return s.queryBatches(ctx, `
		SELECT `+batchColumns+` FROM batches
		WHERE material_id = $1 AND status = $2`,
		string(materialID), string(entities.BatchActive))
}

// ListBatches returns every batch of a material, oldest first. An empty
// material lists all batches.
func (s *Store) ListBatches(ctx context.Context, materialID entities.MaterialID) ([]*entities.Batch, error) {
	return s.queryBatches(ctx, `
		SELECT `+batchColumns+` FROM batches
		WHERE $1 = '' OR material_id = $1
		ORDER BY COALESCE(received_date, manufactured_date), id`,
		string(materialID))
}

// ReadBatch returns the live state of one batch
func (s *Store) ReadBatch(ctx context.Context, batchID entities.BatchID) (*entities.Batch, error) {
	row := s.q.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = $1`, string(batchID))
	b, err := scanBatch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", repositories.ErrBatchNotFound, batchID)
	}
	if err != nil {
		return nil, fmt.Errorf("read batch %s: %w", batchID, err)
	}
	return b, nil
}

// ApplyDelta mutates one batch if its version still equals expectedVersion
func (s *Store) ApplyDelta(ctx context.Context, batchID entities.BatchID, delta entities.BatchDelta, expectedVersion int64) error {
	current, err := s.ReadBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if current.Version != expectedVersion {
		return fmt.Errorf("%w: batch %s at version %d, expected %d",
			repositories.ErrVersionConflict, batchID, current.Version, expectedVersion)
	}

	next, err := current.Apply(delta, time.Now().UTC())
	if err != nil {
		return err
	}
	return s.writeBatchState(ctx, next, expectedVersion)
}

// SetBatchHold sets or clears the compliance hold of a batch
func (s *Store) SetBatchHold(ctx context.Context, batchID entities.BatchID, hold bool) (*entities.Batch, error) {
	var next *entities.Batch
	err := s.withTx(ctx, func(tx *Store) error {
		row := tx.q.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = $1 FOR UPDATE`, string(batchID))
		current, err := scanBatch(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", repositories.ErrBatchNotFound, batchID)
		}
		if err != nil {
			return fmt.Errorf("read batch %s: %w", batchID, err)
		}
		next = current.WithHold(hold, time.Now().UTC())
		return tx.writeBatchState(ctx, next, current.Version)
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

// writeBatchState persists the mutable columns of b if the stored version is
// still expectedVersion. Under READ COMMITTED a concurrent writer makes the
// WHERE clause miss after it commits.
func (s *Store) writeBatchState(ctx context.Context, b *entities.Batch, expectedVersion int64) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE batches
		SET available_weight = $1::numeric, reserved_weight = $2::numeric, consumed_weight = $3::numeric,
		    status = $4, version = $5, updated_at = $6
		WHERE id = $7 AND version = $8`,
		b.AvailableWeight.String(), b.ReservedWeight.String(), b.ConsumedWeight.String(),
		string(b.Status), b.Version, b.UpdatedAt,
		string(b.ID), expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update batch %s: %w", b.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: batch %s changed since version %d", repositories.ErrVersionConflict, b.ID, expectedVersion)
	}
	return nil
}

func (s *Store) queryBatches(ctx context.Context, query string, args ...any) ([]*entities.Batch, error) {
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	defer rows.Close()

	var batches []*entities.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batches: %w", err)
	}
	return batches, nil
}

func scanBatch(row pgx.Row) (*entities.Batch, error) {
	var (
		b                                    entities.Batch
		id, materialID, grade, status        string
		received, manufactured               pgtype.Timestamptz
		unitCost, total, available, reserved string
		consumed                             string
	)
	if err := row.Scan(
		&id, &materialID, &b.BatchCode, &grade, &received, &manufactured,
		&b.HeatNumber, &b.SupplierRef, &unitCost, &total, &available, &reserved,
		&consumed, &status, &b.Version, &b.CreatedAt, &b.UpdatedAt,
	); err != nil {
		return nil, err
	}

	b.ID = entities.BatchID(id)
	b.MaterialID = entities.MaterialID(materialID)
	if received.Valid {
		b.ReceivedDate = received.Time.UTC()
	}
	if manufactured.Valid {
		b.ManufacturedDate = manufactured.Time.UTC()
	}

	var err error
	if b.QualityGrade, err = entities.ParseQualityGrade(grade); err != nil {
		return nil, err
	}
	if b.Status, err = entities.ParseBatchStatus(status); err != nil {
		return nil, err
	}
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&b.UnitCost, unitCost},
		{&b.TotalWeight, total},
		{&b.AvailableWeight, available},
		{&b.ReservedWeight, reserved},
		{&b.ConsumedWeight, consumed},
	} {
		if *f.dst, err = entities.ParseQuantity(f.src); err != nil {
			return nil, err
		}
	}
	return &b, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
