package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// MigrationError is fatal at startup; it carries the pre-migration backup path
// so the operator can restore.
type MigrationError struct {
	ID         string
	BackupPath string
	Err        error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration %s failed (backup at %s): %v", e.ID, e.BackupPath, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

type migration struct {
	id    string
	stmts []string
}

// migrations is the ordered schema history. Append only; never edit an
// applied entry.
var migrations = []migration{
	{
		id: "0001_initial",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS chats (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				channel TEXT NOT NULL,
				chat_id TEXT NOT NULL,
				role TEXT NOT NULL DEFAULT 'normal',
				registered INTEGER NOT NULL DEFAULT 0,
				created_at INTEGER NOT NULL,
				UNIQUE(channel, chat_id)
			)`,
			`CREATE TABLE IF NOT EXISTS messages (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				chat_fk INTEGER NOT NULL REFERENCES chats(id),
				role TEXT NOT NULL,
				sender_id TEXT NOT NULL DEFAULT '',
				content TEXT NOT NULL,
				created_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_fk, id)`,
			`CREATE TABLE IF NOT EXISTS conversation_state (
				chat_fk INTEGER PRIMARY KEY REFERENCES chats(id),
				summary TEXT NOT NULL DEFAULT '',
				enabled_skills TEXT NOT NULL DEFAULT '[]',
				last_compact_at INTEGER
			)`,
		},
	},
	{
		id: "0002_bus_queue",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS bus_queue (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				direction TEXT NOT NULL,
				message_id TEXT NOT NULL,
				channel TEXT NOT NULL DEFAULT '',
				chat_id TEXT NOT NULL DEFAULT '',
				content TEXT NOT NULL DEFAULT '',
				payload TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'pending',
				attempts INTEGER NOT NULL DEFAULT 0,
				max_attempts INTEGER NOT NULL,
				next_attempt_at INTEGER NOT NULL,
				claimed_at INTEGER,
				last_error TEXT NOT NULL DEFAULT '',
				dead_lettered_at INTEGER,
				created_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_bus_queue_dispatch ON bus_queue(direction, status, next_attempt_at, created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_bus_queue_chat ON bus_queue(direction, channel, chat_id, created_at)`,
			`CREATE TABLE IF NOT EXISTS message_dedupe (
				direction TEXT NOT NULL,
				message_id TEXT NOT NULL,
				queue_id INTEGER NOT NULL REFERENCES bus_queue(id),
				PRIMARY KEY(direction, message_id)
			)`,
		},
	},
	{
		id: "0003_inbound_executions",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS inbound_executions (
				message_id TEXT PRIMARY KEY,
				status TEXT NOT NULL,
				started_at INTEGER NOT NULL,
				finished_at INTEGER,
				result_content TEXT NOT NULL DEFAULT '',
				outbound_id TEXT NOT NULL DEFAULT '',
				outbound_skipped INTEGER NOT NULL DEFAULT 0
			)`,
		},
	},
	{
		id: "0004_tasks",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS tasks (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				chat_fk INTEGER NOT NULL REFERENCES chats(id),
				prompt TEXT NOT NULL,
				schedule_type TEXT NOT NULL,
				schedule_value TEXT NOT NULL,
				context_mode TEXT NOT NULL DEFAULT 'group',
				status TEXT NOT NULL DEFAULT 'active',
				next_run_at INTEGER,
				created_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(status, next_run_at)`,
			`CREATE TABLE IF NOT EXISTS task_runs (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				task_fk INTEGER NOT NULL REFERENCES tasks(id),
				status TEXT NOT NULL,
				error TEXT NOT NULL DEFAULT '',
				started_at INTEGER NOT NULL,
				finished_at INTEGER
			)`,
		},
	},
	{
		id: "0005_audit_meta",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS audit_events (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				kind TEXT NOT NULL,
				tool_name TEXT NOT NULL DEFAULT '',
				outcome TEXT NOT NULL,
				reason TEXT NOT NULL DEFAULT '',
				args_json TEXT NOT NULL DEFAULT '',
				created_at INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS meta_kv (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL
			)`,
		},
	},
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS migration_history (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		backup_path TEXT NOT NULL DEFAULT '',
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("create migration_history: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM migration_history WHERE status = 'applied'`)
	if err != nil {
		return fmt.Errorf("read migration history: %w", err)
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		applied[id] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.id] {
			continue
		}

		backupPath, err := s.backupDatabase(ctx, m.id)
		if err != nil {
			return &MigrationError{ID: m.id, BackupPath: backupPath, Err: err}
		}

		if err := s.withTx(ctx, func(tx *sql.Tx) error {
			for _, stmt := range m.stmts {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("exec %q: %w", stmt[:min(40, len(stmt))], err)
				}
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO migration_history (id, status, backup_path, applied_at) VALUES (?, 'applied', ?, ?)`,
				m.id, backupPath, ms(s.now()))
			return err
		}); err != nil {
			return &MigrationError{ID: m.id, BackupPath: backupPath, Err: err}
		}

		slog.Info("migration applied", "id", m.id, "backup", backupPath)
	}
	return nil
}

// backupDatabase snapshots the database file before a migration using
// VACUUM INTO, which produces a consistent copy even under WAL.
func (s *Store) backupDatabase(ctx context.Context, migrationID string) (string, error) {
	if err := os.MkdirAll(s.backupDir, 0755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}

	name := fmt.Sprintf("%s_%s.sqlite", s.now().UTC().Format("20060102T150405.000"), migrationID)
	backupPath := filepath.Join(s.backupDir, name)

	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, backupPath); err != nil {
		return backupPath, fmt.Errorf("backup database: %w", err)
	}
	return backupPath, nil
}

// MigrationHistory is one applied migration record.
type MigrationHistory struct {
	ID         string
	Status     string
	BackupPath string
	AppliedAt  time.Time
}

// ListMigrations returns applied migrations in order.
func (s *Store) ListMigrations(ctx context.Context) ([]MigrationHistory, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, status, backup_path, applied_at FROM migration_history ORDER BY applied_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MigrationHistory
	for rows.Next() {
		var h MigrationHistory
		var appliedAt int64
		if err := rows.Scan(&h.ID, &h.Status, &h.BackupPath, &appliedAt); err != nil {
			return nil, err
		}
		h.AppliedAt = fromMs(appliedAt)
		out = append(out, h)
	}
	return out, rows.Err()
}
