package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/studybuddy/studysync/internal/cache/schema"
)

// GetCursor returns the pull watermark for a provider. ok is false when the
// provider has never been pulled.
func (db *DB) GetCursor(ctx context.Context, provider string) (cursor time.Time, ok bool, err error) {
	var value string
	err = db.conn.QueryRowContext(ctx, `SELECT cursor FROM sync_cursors WHERE provider = ?`, provider).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to get cursor for %s: %w", provider, err)
	}
	cursor, err = schema.ParseTime(value)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("corrupt cursor for %s: %w", provider, err)
	}
	return cursor, true, nil
}

// SetCursor stores the pull watermark for a provider. The stored cursor never
// moves backwards: a value older than the current one is ignored.
func (db *DB) SetCursor(ctx context.Context, provider string, cursor time.Time) error {
	query := `
	INSERT INTO sync_cursors (provider, cursor, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(provider) DO UPDATE SET
		cursor = MAX(cursor, excluded.cursor),
		updated_at = excluded.updated_at
	`
	_, err := db.conn.ExecContext(ctx, query, provider, schema.FormatTime(cursor), schema.FormatTime(db.Now()))
	if err != nil {
		return fmt.Errorf("failed to set cursor for %s: %w", provider, err)
	}
	return nil
}

// ListCursors returns every stored watermark ordered by provider.
func (db *DB) ListCursors(ctx context.Context) ([]schema.Cursor, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT provider, cursor, updated_at FROM sync_cursors ORDER BY provider`)
	if err != nil {
		return nil, fmt.Errorf("failed to query cursors: %w", err)
	}
	defer rows.Close()

	var cursors []schema.Cursor
	for rows.Next() {
		var c schema.Cursor
		var cursor, updated string
		if err := rows.Scan(&c.Provider, &cursor, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan cursor: %w", err)
		}
		c.Cursor = parseStored(cursor)
		c.UpdatedAt = parseStored(updated)
		cursors = append(cursors, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cursors: %w", err)
	}
	return cursors, nil
}
