package storage

import (
	"context"
	"database/sql"
	"time"
)

// AuditEvent is one security-relevant action record.
type AuditEvent struct {
	ID        int64
	Kind      string
	ToolName  string
	Outcome   string
	Reason    string
	ArgsJSON  string
	CreatedAt time.Time
}

// AppendAuditEvent stores one audit record. Callers redact sensitive argument
// values before passing argsJSON.
func (s *Store) AppendAuditEvent(ctx context.Context, kind, toolName, outcome, reason, argsJSON string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (kind, tool_name, outcome, reason, args_json, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		kind, toolName, outcome, reason, argsJSON, ms(s.now()))
	return err
}

// ListAuditEvents returns the newest limit audit events.
func (s *Store) ListAuditEvents(ctx context.Context, limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, tool_name, outcome, reason, args_json, created_at FROM audit_events
		 ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.Kind, &e.ToolName, &e.Outcome, &e.Reason, &e.ArgsJSON, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt = fromMs(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetMeta returns a value from the key-value table, or ErrNotFound.
func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta_kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return value, err
}

// SetMeta upserts a key-value pair.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meta_kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	return err
}
