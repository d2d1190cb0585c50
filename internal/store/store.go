// Package store owns the SQLite database that persists jobs, quota counters
// and log chunks.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/buildkite/jobrunner/internal/paths"
	_ "modernc.org/sqlite"
)

const busyTimeout = 10 * time.Second

type DB struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the database at path and applies the
// schema. An empty path resolves to the default XDG data location.
func Open(ctx context.Context, path string) (*DB, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		var err error
		path, err = paths.DatabasePath()
		if err != nil {
			return nil, fmt.Errorf("resolve database path: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory for %q: %w", path, err)
	}

	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate",
		path, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open database %q: %w", path, err)
	}

	d := &DB{db: db, path: path}
	if err := d.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) Path() string {
	return d.path
}

// Ping checks that the database file is still reachable.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *DB) Close() error {
	return d.db.Close()
}

// Queryer is satisfied by both *sql.DB and *sql.Tx.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Q returns a non-transactional handle for reads.
func (d *DB) Q() Queryer {
	return d.db
}

// WithTx runs fn inside an immediate transaction. The transaction commits
// when fn returns nil and rolls back otherwise.
func (d *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (d *DB) migrate(ctx context.Context) error {
	_, err := d.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS jobs (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			consumer_id TEXT NOT NULL,
			spec_json TEXT NOT NULL,
			state TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL,
			claimed_by TEXT NOT NULL DEFAULT '',
			lease_expires_at_ms INTEGER,
			lease_duration_ms INTEGER NOT NULL DEFAULT 0,
			started_at_ms INTEGER,
			finished_at_ms INTEGER,
			exit_code INTEGER,
			failure_reason TEXT NOT NULL DEFAULT '',
			attempt_count INTEGER NOT NULL DEFAULT 0,
			finalized_attempt INTEGER NOT NULL DEFAULT 0,
			quota_released INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_state_created ON jobs(state, created_at_ms, seq);
		CREATE INDEX IF NOT EXISTS idx_jobs_consumer_seq ON jobs(consumer_id, seq);
		CREATE INDEX IF NOT EXISTS idx_jobs_lease ON jobs(state, lease_expires_at_ms);

		CREATE TABLE IF NOT EXISTS quota_counters (
			consumer_id TEXT PRIMARY KEY,
			active_count INTEGER NOT NULL DEFAULT 0,
			day_bucket TEXT NOT NULL DEFAULT '',
			submitted_today INTEGER NOT NULL DEFAULT 0,
			max_concurrent INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS log_chunks (
			job_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			stream TEXT NOT NULL,
			data TEXT NOT NULL,
			ts_ms INTEGER NOT NULL,
			PRIMARY KEY (job_id, seq)
		) WITHOUT ROWID;
	`)
	if err != nil {
		return fmt.Errorf("initialise database schema: %w", err)
	}
	return nil
}

// Millis converts t to unix milliseconds.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromMillis converts unix milliseconds to a UTC time.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// NullTime converts a nullable millisecond column to a time pointer.
func NullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := FromMillis(v.Int64)
	return &t
}
