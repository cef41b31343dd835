// Package db is the local SQLite cache behind the sync orchestrator.
//
// It stores tasks and events with their sync metadata, the outbox of
// pending operations, per-provider pull cursors, the staging feed of
// recently changed remote events and the conflict log.
//
// Architecture:
//   - Database file: ~/.studysync/cache.db by default
//   - WAL mode with a single writer connection
//   - Every logical operation (merge, offline write + enqueue) runs in one
//     transaction, so readers never observe half-applied state
//
// Identity: rows have a local autoincrement id and, once known to the
// remote, a (source, source_id) key that is unique per table.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/studybuddy/studysync/internal/cache/schema"
)

// DB wraps the SQLite connection used as the local cache.
type DB struct {
	conn *sql.DB
	path string
	now  func() time.Time
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open creates a new database connection at the specified path.
//
// The caller MUST call Close() when done to ensure proper cleanup.
//
// Example:
//
//	cache, err := db.Open(path)
//	if err != nil {
//	    return err
//	}
//	defer cache.Close()
//	if err := cache.InitSchema(); err != nil {
//	    return err
//	}
func Open(path string) (*DB, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// One connection serializes writers; pragmas below are per-connection.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	db := &DB{
		conn: conn,
		path: path,
		now:  schema.Now,
	}

	pragmas := []struct {
		stmt string
		desc string
	}{
		{"PRAGMA journal_mode=WAL", "enable WAL mode"},
		{"PRAGMA busy_timeout=5000", "set busy timeout"},
		{"PRAGMA foreign_keys=ON", "enable foreign keys"},
	}
	for _, p := range pragmas {
		if _, err := db.conn.Exec(p.stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to %s: %w", p.desc, err)
		}
	}

	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// SetClock replaces the time source used for stamps. Intended for tests.
func (db *DB) SetClock(now func() time.Time) {
	if now == nil {
		now = schema.Now
	}
	db.now = now
}

// Now returns the current time according to the cache clock.
func (db *DB) Now() time.Time {
	return db.now().UTC()
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// Tx is a transactional view of the cache. It exposes the same row-level
// operations as DB, all applied atomically on Commit.
type Tx struct {
	db *DB
	tx *sql.Tx
}

// WithTx runs fn inside a transaction. The transaction commits if fn returns
// nil and rolls back otherwise.
func (db *DB) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{db: db, tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// This is idempotent - safe to call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

const schemaSQL = `
-- Entity tables
CREATE TABLE IF NOT EXISTS tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	owner_user_id TEXT NOT NULL DEFAULT '',
	source TEXT NOT NULL DEFAULT 'app',
	source_id TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL,
	type TEXT NOT NULL DEFAULT 'task',
	estimated_duration INTEGER NOT NULL DEFAULT 0,
	due_date TEXT,
	state TEXT NOT NULL DEFAULT 'pending',
	start_time TEXT,
	end_time TEXT,
	course_label TEXT NOT NULL DEFAULT '',
	priority INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,

	-- Sync metadata
	version TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL,
	last_synced_at TEXT,
	dirty INTEGER NOT NULL DEFAULT 0,
	etag TEXT,
	deleted_at TEXT
);

CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	owner_user_id TEXT NOT NULL DEFAULT '',
	source TEXT NOT NULL,
	source_id TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL,
	type TEXT NOT NULL DEFAULT 'event',
	description TEXT NOT NULL DEFAULT '',
	calendar_id TEXT NOT NULL DEFAULT '',
	start_time TEXT,
	end_time TEXT,
	app_owned INTEGER NOT NULL DEFAULT 0,
	app_tag TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,

	version TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL,
	last_synced_at TEXT,
	dirty INTEGER NOT NULL DEFAULT 0,
	etag TEXT,
	deleted_at TEXT
);

-- At most one row per remote identity
CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_identity
	ON tasks(source, source_id) WHERE source_id <> '';
CREATE UNIQUE INDEX IF NOT EXISTS idx_events_identity
	ON events(source, source_id) WHERE source_id <> '';

CREATE INDEX IF NOT EXISTS idx_tasks_dirty ON tasks(dirty);
CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(due_date);
CREATE INDEX IF NOT EXISTS idx_events_start ON events(start_time);
CREATE INDEX IF NOT EXISTS idx_events_fallback ON events(title, start_time);

-- Outbox
CREATE TABLE IF NOT EXISTS pending_ops (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	table_name TEXT NOT NULL,
	op_type TEXT NOT NULL CHECK (op_type IN ('upsert', 'delete')),
	row_local_id INTEGER NOT NULL,
	payload TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT,
	created_at TEXT NOT NULL
);

-- Pull watermarks
CREATE TABLE IF NOT EXISTS sync_cursors (
	provider TEXT PRIMARY KEY,
	cursor TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

-- Recently changed remote events awaiting merge
CREATE TABLE IF NOT EXISTS staging_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	provider TEXT NOT NULL,
	source_id TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	staged_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_staging_provider_updated
	ON staging_events(provider, updated_at);

-- Conflict forks
CREATE TABLE IF NOT EXISTS conflict_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	table_name TEXT NOT NULL,
	original_id INTEGER NOT NULL,
	fork_id INTEGER NOT NULL,
	title TEXT NOT NULL,
	local_updated_at TEXT NOT NULL,
	remote_updated_at TEXT NOT NULL,
	resolution TEXT NOT NULL,
	detected_at TEXT NOT NULL
);
`

// timeToNullString converts a time pointer to a nullable string for SQL.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: schema.FormatTime(*t), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := schema.ParseTime(ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func parseStored(s string) time.Time {
	t, _ := schema.ParseTime(s)
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
