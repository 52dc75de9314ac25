package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vsinha/batchalloc/pkg/domain/entities"
	"github.com/vsinha/batchalloc/pkg/domain/repositories"
)

// SaveReservation stores a new reservation with its lines.
func (s *Store) SaveReservation(ctx context.Context, r *entities.Reservation) error {
	return s.withQuerierTx(ctx, func(tx *Store) error {
		_, err := tx.q.ExecContext(ctx, `
			INSERT INTO reservations (id, owner_ref, material_id, mode, required_quantity,
				total_reserved, deficit, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			string(r.ID), r.OwnerRef, string(r.MaterialID), r.Mode.String(),
			r.RequiredQuantity.String(), r.TotalReserved.String(), r.Deficit.String(),
			string(r.Status), formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert reservation %s: %w", r.ID, err)
		}

		for i, line := range r.Lines {
			_, err := tx.q.ExecContext(ctx, `
				INSERT INTO reservation_lines (reservation_id, position, batch_id, quantity, state)
				VALUES (?, ?, ?, ?, ?)`,
				string(r.ID), i, string(line.BatchID), line.Quantity.String(), string(line.State),
			)
			if err != nil {
				return fmt.Errorf("insert reservation %s line %d: %w", r.ID, i, err)
			}
		}
		return nil
	})
}

// GetReservation loads a reservation with its lines in commit order.
func (s *Store) GetReservation(ctx context.Context, id entities.ReservationID) (*entities.Reservation, error) {
	var (
		r                             entities.Reservation
		rid, materialID, mode, status string
		required, reserved, deficit   string
		createdAt, updatedAt          string
	)
	err := s.q.QueryRowContext(ctx, `
		SELECT id, owner_ref, material_id, mode, required_quantity, total_reserved,
			deficit, status, created_at, updated_at
		FROM reservations WHERE id = ?`, string(id),
	).Scan(&rid, &r.OwnerRef, &materialID, &mode, &required, &reserved, &deficit, &status, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", repositories.ErrReservationNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read reservation %s: %w", id, err)
	}

	r.ID = entities.ReservationID(rid)
	r.MaterialID = entities.MaterialID(materialID)
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
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}

	if r.Lines, err = s.reservationLines(ctx, r.ID); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) reservationLines(ctx context.Context, id entities.ReservationID) ([]entities.ReservationLine, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT batch_id, quantity, state FROM reservation_lines
		WHERE reservation_id = ? ORDER BY position`, string(id))
	if err != nil {
		return nil, fmt.Errorf("query reservation %s lines: %w", id, err)
	}
	defer rows.Close()

	var lines []entities.ReservationLine
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
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reservation lines: %w", err)
	}
	return lines, nil
}

// UpdateReservationStatus moves a reservation and its lines to r.Status if
// the stored status is still from.
func (s *Store) UpdateReservationStatus(ctx context.Context, r *entities.Reservation, from entities.LineState) error {
	return s.withQuerierTx(ctx, func(tx *Store) error {
		updatedAt := r.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = time.Now().UTC()
		}
		res, err := tx.q.ExecContext(ctx, `
			UPDATE reservations SET status = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			string(r.Status), formatTime(updatedAt), string(r.ID), string(from),
		)
		if err != nil {
			return fmt.Errorf("update reservation %s: %w", r.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update reservation %s: %w", r.ID, err)
		}
		if n == 0 {
			current, err := tx.GetReservation(ctx, r.ID)
			if err != nil {
				return err
			}
			return fmt.Errorf("%w: reservation %s is %s, expected %s",
				repositories.ErrStatusConflict, r.ID, current.Status, from)
		}

		if _, err := tx.q.ExecContext(ctx, `
			UPDATE reservation_lines SET state = ? WHERE reservation_id = ?`,
			string(r.Status), string(r.ID),
		); err != nil {
			return fmt.Errorf("update reservation %s lines: %w", r.ID, err)
		}
		return nil
	})
}
