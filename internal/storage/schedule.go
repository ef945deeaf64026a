package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Schedule inserts a pending message for stage due at now+delay and returns
// its id. With DuplicatesReplace, older pending rows for the same
// (subscriber, stage) are removed first.
func (s *Store) Schedule(ctx context.Context, subscriberID int64, stage int, delay time.Duration, fingerprint string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrClosed
	}
	if stage < 0 {
		return 0, fmt.Errorf("schedule: negative stage %d", stage)
	}
	if delay < 0 {
		delay = 0
	}
	now := s.now()
	createdMS := now.UnixMilli()
	dueMS := now.Add(delay).UnixMilli()

	var id int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if s.duplicates == DuplicatesReplace {
			if _, err := tx.ExecContext(ctx, s.q(
				`DELETE FROM scheduled_messages
				 WHERE subscriber_id = ? AND stage = ? AND sent = 0 AND failed = 0`),
				subscriberID, stage,
			); err != nil {
				return err
			}
		}
		return tx.QueryRowContext(ctx, s.q(
			`INSERT INTO scheduled_messages(subscriber_id, stage, due_at, created_at, fingerprint)
			 VALUES(?,?,?,?,?) RETURNING id`),
			subscriberID, stage, dueMS, createdMS, fingerprint,
		).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("schedule stage %d for %d: %w", stage, subscriberID, err)
	}
	return id, nil
}

// Due returns pending messages whose due_at has passed, earliest first,
// joined with subscriber metadata. Rows without a subscriber are skipped.
// limit <= 0 returns every due row.
func (s *Store) Due(ctx context.Context, limit int) ([]DueMessage, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	query := `SELECT ` + messageColumns + `, s.display_name, s.handle
		FROM scheduled_messages m
		JOIN subscribers s ON s.id = m.subscriber_id
		WHERE m.sent = 0 AND m.failed = 0 AND m.due_at <= ?
		ORDER BY m.due_at, m.id`
	args := []any{s.nowMS()}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query due messages: %w", err)
	}
	defer rows.Close()

	var out []DueMessage
	for rows.Next() {
		var d DueMessage
		m, err := scanMessage(rows, &d.DisplayName, &d.Handle)
		if err != nil {
			return nil, err
		}
		d.ScheduledMessage = m
		out = append(out, d)
	}
	return out, rows.Err()
}

// Pending lists unsent, non-failed rows ordered by due_at regardless of
// whether they are due yet.
func (s *Store) Pending(ctx context.Context, limit int) ([]ScheduledMessage, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	query := `SELECT ` + messageColumns + ` FROM scheduled_messages m
		WHERE m.sent = 0 AND m.failed = 0
		ORDER BY m.due_at, m.id`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScheduledMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkSent flags a message as delivered. Already-sent rows are left untouched.
func (s *Store) MarkSent(ctx context.Context, id int64) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE scheduled_messages SET sent = 1, sent_at = ? WHERE id = ? AND sent = 0`),
		s.nowMS(), id,
	)
	if err != nil {
		return fmt.Errorf("mark sent %d: %w", id, err)
	}
	return nil
}

// RecordFailure counts a failed attempt on a pending message.
func (s *Store) RecordFailure(ctx context.Context, id int64, f Failure) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	set := []string{"attempts = attempts + 1", "last_error = ?"}
	args := []any{truncateReason(f.Reason)}
	if !f.RetryAt.IsZero() {
		set = append(set, "due_at = ?")
		args = append(args, f.RetryAt.UnixMilli())
	}
	if f.Terminal {
		set = append(set, "failed = 1")
	}
	args = append(args, id)

	query := `UPDATE scheduled_messages SET ` + strings.Join(set, ", ") + ` WHERE id = ? AND sent = 0`
	if _, err := s.db.ExecContext(ctx, s.q(query), args...); err != nil {
		return fmt.Errorf("record failure %d: %w", id, err)
	}
	return nil
}

// MarkFailed moves a pending message to the terminal failed state.
func (s *Store) MarkFailed(ctx context.Context, id int64, reason string) error {
	return s.RecordFailure(ctx, id, Failure{Reason: reason, Terminal: true})
}

// PurgeSentOlderThan deletes sent and failed rows created before now-age.
func (s *Store) PurgeSentOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrClosed
	}
	cutoff := s.now().Add(-age).UnixMilli()
	res, err := s.db.ExecContext(ctx, s.q(
		`DELETE FROM scheduled_messages WHERE (sent = 1 OR failed = 1) AND created_at < ?`),
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("purge sent messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Stats returns subscriber and schedule counters.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	if s == nil || s.db == nil {
		return Stats{}, ErrClosed
	}
	var st Stats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM subscribers`).Scan(&st.Subscribers); err != nil {
		return Stats{}, err
	}
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT
		   COALESCE(SUM(CASE WHEN sent = 0 AND failed = 0 THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN sent = 0 AND failed = 0 AND due_at <= ? THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(sent), 0),
		   COALESCE(SUM(failed), 0)
		 FROM scheduled_messages`),
		s.nowMS(),
	).Scan(&st.Pending, &st.Due, &st.Sent, &st.Failed)
	if err != nil {
		return Stats{}, err
	}
	return st, nil
}

const messageColumns = `m.id, m.subscriber_id, m.stage, m.due_at, m.created_at, m.sent_at, m.sent, m.failed, m.attempts, m.last_error, m.fingerprint`

// scanMessage reads messageColumns followed by extra destinations.
func scanMessage(rows *sql.Rows, extra ...any) (ScheduledMessage, error) {
	var (
		m                        ScheduledMessage
		dueMS, createdMS, sentMS int64
		sent, failed             int
	)
	dest := []any{&m.ID, &m.SubscriberID, &m.Stage, &dueMS, &createdMS, &sentMS, &sent, &failed, &m.Attempts, &m.LastError, &m.Fingerprint}
	if err := rows.Scan(append(dest, extra...)...); err != nil {
		return ScheduledMessage{}, err
	}
	m.DueAt = fromMS(dueMS)
	m.CreatedAt = fromMS(createdMS)
	m.SentAt = fromMS(sentMS)
	m.Sent = sent != 0
	m.Failed = failed != 0
	return m, nil
}

// truncateReason caps s at 500 bytes on a rune boundary; Postgres rejects
// invalid UTF-8 in text columns.
func truncateReason(s string) string {
	const maxN = 500
	if len(s) <= maxN {
		return s
	}
	cut := maxN
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
