// Package storage owns the embedded SQL database: schema, migrations with
// pre-migration backups, and typed accessors for every durable table. It is
// the only place that writes to the database.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// ErrNotFound is returned when a row lookup matches nothing.
var ErrNotFound = errors.New("storage: not found")

// Store is a sqlite-backed store. All goroutines serialize through a single
// connection so concurrent writers cannot hit SQLITE_BUSY.
type Store struct {
	db        *sql.DB
	path      string
	backupDir string

	now func() time.Time
}

// Open opens (or creates) the database file and applies pending migrations.
// Every migration that applies leaves a restorable backup under backupDir.
func Open(dbPath, backupDir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{
		db:        db,
		path:      dbPath,
		backupDir: backupDir,
		now:       time.Now,
	}

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	slog.Info("storage opened", "path", dbPath)
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetClock overrides the store clock. Intended for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			slog.Warn("rollback failed", "error", rbErr)
		}
		return err
	}
	return tx.Commit()
}

// ms converts a time to the unix-millisecond representation used in every table.
func ms(t time.Time) int64 {
	return t.UnixMilli()
}

// msPtr converts an optional time.
func msPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMs(v int64) time.Time {
	return time.UnixMilli(v)
}

func fromMsPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
