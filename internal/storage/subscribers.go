package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Upsert inserts a subscriber with stage 0, or replaces an existing
// subscriber's metadata and resets its stage to 0. enrolled_at is kept.
// created reports whether the row did not exist before.
func (s *Store) Upsert(ctx context.Context, p Profile) (sub Subscriber, created bool, err error) {
	if s == nil || s.db == nil {
		return Subscriber{}, false, ErrClosed
	}
	now := s.nowMS()
	name := strings.TrimSpace(p.DisplayName)
	handle := strings.TrimPrefix(strings.TrimSpace(p.Handle), "@")

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		var one int
		qerr := tx.QueryRowContext(ctx, s.q(`SELECT 1 FROM subscribers WHERE id = ?`), p.ID).Scan(&one)
		switch {
		case errors.Is(qerr, sql.ErrNoRows):
			created = true
		case qerr != nil:
			return qerr
		}

		if _, err := tx.ExecContext(ctx, s.q(
			`INSERT INTO subscribers(id, display_name, handle, enrolled_at, updated_at, stage)
			 VALUES(?,?,?,?,?,0)
			 ON CONFLICT(id) DO UPDATE SET
			   display_name = excluded.display_name,
			   handle = excluded.handle,
			   updated_at = excluded.updated_at,
			   stage = 0`),
			p.ID, name, handle, now, now,
		); err != nil {
			return err
		}

		row := tx.QueryRowContext(ctx, s.q(subscriberSelect+` WHERE id = ?`), p.ID)
		sub, err = scanSubscriber(row)
		return err
	})
	if err != nil {
		return Subscriber{}, false, fmt.Errorf("upsert subscriber %d: %w", p.ID, err)
	}
	return sub, created, nil
}

// Subscriber returns one subscriber or ErrNotFound.
func (s *Store) Subscriber(ctx context.Context, id int64) (Subscriber, error) {
	if s == nil || s.db == nil {
		return Subscriber{}, ErrClosed
	}
	sub, err := scanSubscriber(s.db.QueryRowContext(ctx, s.q(subscriberSelect+` WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return Subscriber{}, ErrNotFound
	}
	return sub, err
}

// ListIDs returns every subscriber id.
func (s *Store) ListIDs(ctx context.Context) ([]int64, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM subscribers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AdvanceStage raises the subscriber's stage to stage. Lower or equal
// values and unknown ids are no-ops.
func (s *Store) AdvanceStage(ctx context.Context, id int64, stage int) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE subscribers SET stage = ?, updated_at = ? WHERE id = ? AND stage < ?`),
		stage, s.nowMS(), id, stage,
	)
	if err != nil {
		return fmt.Errorf("advance stage %d for %d: %w", stage, id, err)
	}
	return nil
}

const subscriberSelect = `SELECT id, display_name, handle, enrolled_at, updated_at, stage FROM subscribers`

func scanSubscriber(row *sql.Row) (Subscriber, error) {
	var (
		sub                   Subscriber
		enrolledMS, updatedMS int64
	)
	if err := row.Scan(&sub.ID, &sub.DisplayName, &sub.Handle, &enrolledMS, &updatedMS, &sub.Stage); err != nil {
		return Subscriber{}, err
	}
	sub.EnrolledAt = fromMS(enrolledMS)
	sub.UpdatedAt = fromMS(updatedMS)
	return sub, nil
}
