package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vsinha/batchalloc/pkg/domain/entities"
	"github.com/vsinha/batchalloc/pkg/domain/repositories"
)

// SaveReservation stores a new reservation with its lines
func (s *Store) SaveReservation(ctx context.Context, r *entities.Reservation) error {
	return s.withTx(ctx, func(tx *Store) error {
		_, err := tx.q.Exec(ctx, `
			INSERT INTO reservations (id, owner_ref, material_id, mode, required_quantity,
				total_reserved, deficit, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric, $8, $9, $10)`,
			string(r.ID), r.OwnerRef, string(r.MaterialID), r.Mode.String(),
			r.RequiredQuantity.String(), r.TotalReserved.String(), r.Deficit.String(),
			string(r.Status), r.CreatedAt, r.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert reservation %s: %w", r.ID, err)
		}

		batch := &pgx.Batch{}
		for i, line := range r.Lines {
			batch.Queue(`
				INSERT INTO reservation_lines (reservation_id, position, batch_id, quantity, state)
				VALUES ($1, $2, $3, $4::numeric, $5)`,
				string(r.ID), i, string(line.BatchID), line.Quantity.String(), string(line.State))
		}
		if err := tx.tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert reservation %s lines: %w", r.ID, err)
		}
		return nil
	})
}

// GetReservation loads a reservation with its lines in commit order
func (s *Store) GetReservation(ctx context.Context, id entities.ReservationID) (*entities.Reservation, error) {
	var (
		r                             entities.Reservation
		rid, materialID, mode, status string
		required, reserved, deficit   string
	)
	err := s.q.QueryRow(ctx, `
		SELECT id, owner_ref, material_id, mode, required_quantity::text, total_reserved::text,
			deficit::text, status, created_at, updated_at
		FROM reservations WHERE id = $1`, string(id),
	).Scan(&rid, &r.OwnerRef, &materialID, &mode, &required, &reserved, &deficit, &status, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", repositories.ErrReservationNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read reservation %s: %w", id, err)
	}

	r.ID = entities.ReservationID(rid)
	r.MaterialID = entities.MaterialID(materialID)
	r.CreatedAt, r.UpdatedAt = r.CreatedAt.UTC(), r.UpdatedAt.UTC()
	if r.Mode, err = entities.ParseAllocationMode(mode); err != nil {
		return nil, err
	}
	if r.Status, err = entities.ParseLineState(status); err != nil {
		return nil, err
	}
	if r.RequiredQuantity, err = entities.ParseQuantity(required); err != nil {
		return nil, err
	}
	if r.TotalReserved, err = entities.ParseQuantity(reserved); err != nil {
		return nil, err
	}
	if r.Deficit, err = entities.ParseQuantity(deficit); err != nil {
		return nil, err
	}

	rows, err := s.q.Query(ctx, `
		SELECT batch_id, quantity::text, state FROM reservation_lines
		WHERE reservation_id = $1 ORDER BY position`, string(id))
	if err != nil {
		return nil, fmt.Errorf("query reservation %s lines: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var batchID, quantity, state string
		if err := rows.Scan(&batchID, &quantity, &state); err != nil {
			return nil, fmt.Errorf("scan reservation line: %w", err)
		}
		line := entities.ReservationLine{BatchID: entities.BatchID(batchID)}
		if line.Quantity, err = entities.ParseQuantity(quantity); err != nil {
			return nil, err
		}
		if line.State, err = entities.ParseLineState(state); err != nil {
			return nil, err
		}
		r.Lines = append(r.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reservation lines: %w", err)
	}
	return &r, nil
}

// UpdateReservationStatus moves a reservation and its lines to r.Status if
// the stored status is still from.
func (s *Store) UpdateReservationStatus(ctx context.Context, r *entities.Reservation, from entities.LineState) error {
	return s.withTx(ctx, func(tx *Store) error {
		updatedAt := r.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = time.Now().UTC()
		}
		tag, err := tx.q.Exec(ctx, `
			UPDATE reservations SET status = $1, updated_at = $2
			WHERE id = $3 AND status = $4`,
			string(r.Status), updatedAt, string(r.ID), string(from),
		)
		if err != nil {
			return fmt.Errorf("update reservation %s: %w", r.ID, err)
		}
		if tag.RowsAffected() == 0 {
			current, err := tx.GetReservation(ctx, r.ID)
			if err != nil {
				return err
			}
			return fmt.Errorf("%w: reservation %s is %s, expected %s",
				repositories.ErrStatusConflict, r.ID, current.Status, from)
		}

		if _, err := tx.q.Exec(ctx, `
			UPDATE reservation_lines SET state = $1 WHERE reservation_id = $2`,
			string(r.Status), string(r.ID),
		); err != nil {
			return fmt.Errorf("update reservation %s lines: %w", r.ID, err)
		}
		return nil
	})
}
