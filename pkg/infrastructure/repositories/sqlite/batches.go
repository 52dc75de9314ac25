package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/vsinha/batchalloc/pkg/domain/entities"
	"github.com/vsinha/batchalloc/pkg/domain/repositories"
)

const batchColumns = `id, material_id, batch_code, quality_grade, received_date, manufactured_date,
	heat_number, supplier_ref, unit_cost, total_weight, available_weight, reserved_weight,
	consumed_weight, status, version, created_at, updated_at`

// CreateBatch records a goods receipt.
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

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO batches (`+batchColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(b.ID), string(b.MaterialID), b.BatchCode, b.QualityGrade.String(),
		formatTime(b.ReceivedDate), formatTime(b.ManufacturedDate),
		b.HeatNumber, b.SupplierRef, b.UnitCost.String(),
		b.TotalWeight.String(), b.AvailableWeight.String(), b.ReservedWeight.String(), b.ConsumedWeight.String(),
		string(b.Status), b.Version, formatTime(created), formatTime(updated),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("%w: %s (%v)", repositories.ErrDuplicateBatch, b.ID, err)
		}
		return fmt.Errorf("insert batch %s: %w", b.ID, err)
	}
	return nil
}

// ListActiveBatches returns active batches of a material.
func (s *Store) ListActiveBatches(ctx context.Context, materialID entities.MaterialID) ([]*entities.Batch, error) {
	return s.queryBatches(ctx, `
		SELECT `+batchColumns+` FROM batches
		WHERE material_id = ? AND status = ?`,
		string(materialID), string(entities.BatchActive))
}

// ListBatches returns every batch of a material, oldest first. An empty
// material lists all batches.
func (s *Store) ListBatches(ctx context.Context, materialID entities.MaterialID) ([]*entities.Batch, error) {
	return s.queryBatches(ctx, `
		SELECT `+batchColumns+` FROM batches
		WHERE ? = '' OR material_id = ?
		ORDER BY COALESCE(NULLIF(received_date, ''), manufactured_date), id`,
		string(materialID), string(materialID))
}

// ReadBatch returns the live state of one batch.
func (s *Store) ReadBatch(ctx context.Context, batchID entities.BatchID) (*entities.Batch, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = ?`, string(batchID))
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", repositories.ErrBatchNotFound, batchID)
	}
	if err != nil {
		return nil, fmt.Errorf("read batch %s: %w", batchID, err)
	}
	return b, nil
}

// ApplyDelta mutates one batch if its version still equals expectedVersion.
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

// SetBatchHold sets or clears the compliance hold of a batch.
func (s *Store) SetBatchHold(ctx context.Context, batchID entities.BatchID, hold bool) (*entities.Batch, error) {
	var next *entities.Batch
	err := s.withQuerierTx(ctx, func(tx *Store) error {
		current, err := tx.ReadBatch(ctx, batchID)
		if err != nil {
			return err
		}
		next = current.WithHold(hold, time.Now().UTC())
		return tx.writeBatchState(ctx, next, current.Version)
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

// writeBatchState persists the mutable columns of b if the stored version
// is still expectedVersion.
func (s *Store) writeBatchState(ctx context.Context, b *entities.Batch, expectedVersion int64) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE batches
		SET available_weight = ?, reserved_weight = ?, consumed_weight = ?,
		    status = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		b.AvailableWeight.String(), b.ReservedWeight.String(), b.ConsumedWeight.String(),
		string(b.Status), b.Version, formatTime(b.UpdatedAt),
		string(b.ID), expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update batch %s: %w", b.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update batch %s: %w", b.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: batch %s changed since version %d", repositories.ErrVersionConflict, b.ID, expectedVersion)
	}
	return nil
}

// withQuerierTx runs fn in a transaction unless s is already transactional.
func (s *Store) withQuerierTx(ctx context.Context, fn func(tx *Store) error) error {
	if _, inTx := s.q.(*sql.Tx); inTx {
		return fn(s)
	}
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Store{db: s.db, q: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func (s *Store) queryBatches(ctx context.Context, query string, args ...any) ([]*entities.Batch, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
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

type scanner interface {
	Scan(dest ...any) error
}

func scanBatch(row scanner) (*entities.Batch, error) {
	var (
		b                                    entities.Batch
		id, materialID, grade, status        string
		received, manufactured               string
		unitCost, total, available, reserved string
		consumed, createdAt, updatedAt       string
	)
	if err := row.Scan(
		&id, &materialID, &b.BatchCode, &grade, &received, &manufactured,
		&b.HeatNumber, &b.SupplierRef, &unitCost, &total, &available, &reserved,
		&consumed, &status, &b.Version, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	b.ID = entities.BatchID(id)
	b.MaterialID = entities.MaterialID(materialID)

	var err error
	if b.QualityGrade, err = entities.ParseQualityGrade(grade); err != nil {
		return nil, err
	}
	if b.Status, err = entities.ParseBatchStatus(status); err != nil {
		return nil, err
	}
	for _, f := range []struct {
		dst *time.Time
		src string
	}{
		{&b.ReceivedDate, received},
		{&b.ManufacturedDate, manufactured},
		{&b.CreatedAt, createdAt},
		{&b.UpdatedAt, updatedAt},
	} {
		if *f.dst, err = parseTime(f.src); err != nil {
			return nil, err
		}
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

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func isConstraintViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}
