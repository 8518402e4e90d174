package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Direction selects one of the two durable queues.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Queue record statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusProcessed  = "processed"
	StatusDeadLetter = "dead_letter"
)

// QueueRecord is one durable bus entry.
type QueueRecord struct {
	ID             int64
	Direction      Direction
	MessageID      string
	Channel        string
	ChatID         string
	Content        string
	Payload        []byte
	Status         string
	Attempts       int
	MaxAttempts    int
	NextAttemptAt  time.Time
	ClaimedAt      *time.Time
	LastError      string
	DeadLetteredAt *time.Time
	CreatedAt      time.Time
}

// PublishOutcome reports what a publish did.
type PublishOutcome string

const (
	PublishEnqueued    PublishOutcome = "enqueued"
	PublishDuplicate   PublishOutcome = "duplicate"
	PublishOverflow    PublishOutcome = "overflow"
	PublishRateLimited PublishOutcome = "rate_limited"
)

// PublishParams carries everything one publish transaction needs.
type PublishParams struct {
	Direction   Direction
	MessageID   string
	Channel     string
	ChatID      string
	Content     string
	Payload     []byte
	MaxAttempts int
	MaxPending  int

	// Per-chat rate limiting; zero window disables the check.
	RateLimitWindow time.Duration
	RateLimitMax    int
}

// Dead-letter reasons written by the publish transaction.
const (
	ErrTextQueueOverflow = "Queue overflow"
	ErrTextRateLimited   = "Rate limit exceeded"
)

// PublishEnvelope runs the full publish transaction: dedupe insert, overflow
// check, per-chat rate-limit check, queue insert. Dedupe collisions make the
// publish a silent no-op.
func (s *Store) PublishEnvelope(ctx context.Context, p PublishParams) (PublishOutcome, int64, error) {
	now := s.now()
	outcome := PublishEnqueued
	var queueID int64

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM message_dedupe WHERE direction = ? AND message_id = ?`,
			string(p.Direction), p.MessageID).Scan(&exists)
		if err != nil {
			return err
		}
		if exists > 0 {
			outcome = PublishDuplicate
			return nil
		}

		status := StatusPending
		lastError := ""

		var pending int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM bus_queue WHERE direction = ? AND status = ?`,
			string(p.Direction), StatusPending).Scan(&pending); err != nil {
			return err
		}
		if p.MaxPending > 0 && pending >= p.MaxPending {
			status = StatusDeadLetter
			lastError = ErrTextQueueOverflow
		}

		if status == StatusPending && p.RateLimitWindow > 0 && p.RateLimitMax > 0 {
			var recent int
			windowStart := ms(now.Add(-p.RateLimitWindow))
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM bus_queue WHERE direction = ? AND channel = ? AND chat_id = ? AND created_at > ?`,
				string(p.Direction), p.Channel, p.ChatID, windowStart).Scan(&recent); err != nil {
				return err
			}
			if recent >= p.RateLimitMax {
				status = StatusDeadLetter
				lastError = ErrTextRateLimited
			}
		}

		var deadLetteredAt any
		if status == StatusDeadLetter {
			deadLetteredAt = ms(now)
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO bus_queue (direction, message_id, channel, chat_id, content, payload, status,
				attempts, max_attempts, next_attempt_at, last_error, dead_lettered_at, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?)`,
			string(p.Direction), p.MessageID, p.Channel, p.ChatID, p.Content, string(p.Payload),
			status, p.MaxAttempts, ms(now), lastError, deadLetteredAt, ms(now))
		if err != nil {
			return err
		}
		queueID, err = res.LastInsertId()
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO message_dedupe (direction, message_id, queue_id) VALUES (?, ?, ?)`,
			string(p.Direction), p.MessageID, queueID); err != nil {
			return err
		}

		switch lastError {
		case ErrTextQueueOverflow:
			outcome = PublishOverflow
		case ErrTextRateLimited:
			outcome = PublishRateLimited
		}
		return nil
	})
	if err != nil {
		return "", 0, fmt.Errorf("publish %s %s: %w", p.Direction, p.MessageID, err)
	}
	return outcome, queueID, nil
}

// DueQueueRecords returns up to batch pending records whose next attempt is
// due, oldest first.
func (s *Store) DueQueueRecords(ctx context.Context, direction Direction, batch int) ([]QueueRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+queueColumns+` FROM bus_queue
		 WHERE direction = ? AND status = ? AND next_attempt_at <= ?
		 ORDER BY created_at, id LIMIT ?`,
		string(direction), StatusPending, ms(s.now()), batch)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanQueueRecords(rows)
}

// ClaimQueueRecord transitions pending->processing. Only the winner of the
// conditional update proceeds.
func (s *Store) ClaimQueueRecord(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE bus_queue SET status = ?, claimed_at = ? WHERE id = ? AND status = ?`,
		StatusProcessing, ms(s.now()), id, StatusPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkQueueProcessed transitions a claimed record to its terminal success state.
func (s *Store) MarkQueueProcessed(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE bus_queue SET status = ? WHERE id = ?`, StatusProcessed, id)
	return err
}

// RetryQueueRecord returns a failed record to pending with backoff scheduling.
func (s *Store) RetryQueueRecord(ctx context.Context, id int64, attempts int, nextAttemptAt time.Time, lastError string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE bus_queue SET status = ?, attempts = ?, next_attempt_at = ?, claimed_at = NULL, last_error = ? WHERE id = ?`,
		StatusPending, attempts, ms(nextAttemptAt), lastError, id)
	return err
}

// DeadLetterQueueRecord transitions a record to dead_letter.
func (s *Store) DeadLetterQueueRecord(ctx context.Context, id int64, attempts int, lastError string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE bus_queue SET status = ?, attempts = ?, last_error = ?, dead_lettered_at = ? WHERE id = ?`,
		StatusDeadLetter, attempts, lastError, ms(s.now()), id)
	return err
}

// RecoverStaleProcessing returns marooned processing records (claimed before
// the cutoff) to pending, preserving attempts.
func (s *Store) RecoverStaleProcessing(ctx context.Context, claimedBefore time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE bus_queue SET status = ?, claimed_at = NULL WHERE status = ? AND claimed_at < ?`,
		StatusPending, StatusProcessing, ms(claimedBefore))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// QueueDepth holds per-status counts for one direction.
type QueueDepth struct {
	Pending    int
	Processing int
	DeadLetter int
}

// QueueDepths returns per-status counts for one direction.
func (s *Store) QueueDepths(ctx context.Context, direction Direction) (QueueDepth, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM bus_queue WHERE direction = ? GROUP BY status`,
		string(direction))
	if err != nil {
		return QueueDepth{}, err
	}
	defer rows.Close()

	var d QueueDepth
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return QueueDepth{}, err
		}
		switch status {
		case StatusPending:
			d.Pending = count
		case StatusProcessing:
			d.Processing = count
		case StatusDeadLetter:
			d.DeadLetter = count
		}
	}
	return d, rows.Err()
}

// ListDeadLetters returns dead-letter records, newest first. Empty direction
// matches both queues.
func (s *Store) ListDeadLetters(ctx context.Context, direction Direction, limit int) ([]QueueRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + queueColumns + ` FROM bus_queue WHERE status = ?`
	args := []any{StatusDeadLetter}
	if direction != "" {
		query += ` AND direction = ?`
		args = append(args, string(direction))
	}
	query += ` ORDER BY dead_lettered_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanQueueRecords(rows)
}

// ReplayDeadLetterByID moves one dead-letter record back to pending with a
// fresh attempt budget.
func (s *Store) ReplayDeadLetterByID(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE bus_queue SET status = ?, attempts = 0, next_attempt_at = ?, last_error = '', dead_lettered_at = NULL
		 WHERE id = ? AND status = ?`,
		StatusPending, ms(s.now()), id, StatusDeadLetter)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ReplayDeadLetters replays up to limit dead-letter records for a direction
// (both when empty), oldest first.
func (s *Store) ReplayDeadLetters(ctx context.Context, direction Direction, limit int) (int64, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `UPDATE bus_queue SET status = ?, attempts = 0, next_attempt_at = ?, last_error = '', dead_lettered_at = NULL
		WHERE id IN (SELECT id FROM bus_queue WHERE status = ?`
	args := []any{StatusPending, ms(s.now()), StatusDeadLetter}
	if direction != "" {
		query += ` AND direction = ?`
		args = append(args, string(direction))
	}
	query += ` ORDER BY created_at, id LIMIT ?)`
	args = append(args, limit)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// HasActiveInbound reports whether a chat has an inbound record in
// pending or processing.
func (s *Store) HasActiveInbound(ctx context.Context, channel, chatID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM bus_queue WHERE direction = ? AND channel = ? AND chat_id = ? AND status IN (?, ?)`,
		string(DirectionInbound), channel, chatID, StatusPending, StatusProcessing).Scan(&count)
	return count > 0, err
}

// RecentOutboundContentExists reports whether an identical outbound content
// was enqueued for the chat since the given time.
func (s *Store) RecentOutboundContentExists(ctx context.Context, channel, chatID, content string, since time.Time) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM bus_queue WHERE direction = ? AND channel = ? AND chat_id = ? AND content = ? AND created_at > ?`,
		string(DirectionOutbound), channel, chatID, content, ms(since)).Scan(&count)
	return count > 0, err
}

// GetQueueRecord fetches one record by id.
func (s *Store) GetQueueRecord(ctx context.Context, id int64) (*QueueRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM bus_queue WHERE id = ?`, id)
	rec, err := scanQueueRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

const queueColumns = `id, direction, message_id, channel, chat_id, content, payload, status,
	attempts, max_attempts, next_attempt_at, claimed_at, last_error, dead_lettered_at, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueueRecord(row rowScanner) (*QueueRecord, error) {
	var r QueueRecord
	var direction, payload string
	var nextAttemptAt, createdAt int64
	var claimedAt, deadLetteredAt sql.NullInt64
	if err := row.Scan(&r.ID, &direction, &r.MessageID, &r.Channel, &r.ChatID, &r.Content,
		&payload, &r.Status, &r.Attempts, &r.MaxAttempts, &nextAttemptAt,
		&claimedAt, &r.LastError, &deadLetteredAt, &createdAt); err != nil {
		return nil, err
	}
	r.Direction = Direction(direction)
	r.Payload = []byte(payload)
	r.NextAttemptAt = fromMs(nextAttemptAt)
	r.ClaimedAt = fromMsPtr(claimedAt)
	r.DeadLetteredAt = fromMsPtr(deadLetteredAt)
	r.CreatedAt = fromMs(createdAt)
	return &r, nil
}

func scanQueueRecords(rows *sql.Rows) ([]QueueRecord, error) {
	var out []QueueRecord
	for rows.Next() {
		rec, err := scanQueueRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}
