package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/studybuddy/studysync/internal/cache/schema"
)

// StageEvents appends remote event records to the staging feed. The
// provider of each record is its source.
func (db *DB) StageEvents(ctx context.Context, events []*schema.Event) error {
	return db.WithTx(ctx, func(tx *Tx) error {
		stagedAt := schema.FormatTime(tx.Now())
		for _, ev := range events {
			if ev.UpdatedAt.IsZero() {
				return fmt.Errorf("cannot stage %q: updated_at is required", ev.Title)
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				return fmt.Errorf("failed to marshal staged event: %w", err)
			}
			_, err = tx.tx.ExecContext(ctx,
				`INSERT INTO staging_events (provider, source_id, payload, updated_at, staged_at) VALUES (?, ?, ?, ?, ?)`,
				ev.Source, ev.SourceID, string(payload), schema.FormatTime(ev.UpdatedAt), stagedAt)
			if err != nil {
				return fmt.Errorf("failed to stage event %q: %w", ev.Title, err)
			}
		}
		return nil
	})
}

// FetchStagedSince returns staged records for provider with updated_at
// strictly after cursor, oldest first. A zero cursor returns everything.
func (db *DB) FetchStagedSince(ctx context.Context, provider string, cursor time.Time) ([]*schema.Event, error) {
	since := ""
	if !cursor.IsZero() {
		since = schema.FormatTime(cursor)
	}
	rows, err := db.conn.QueryContext(ctx,
		`SELECT payload FROM staging_events WHERE provider = ? AND updated_at > ? ORDER BY updated_at, id`,
		provider, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query staged events: %w", err)
	}
	defer rows.Close()

	var events []*schema.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan staged event: %w", err)
		}
		var ev schema.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, fmt.Errorf("failed to decode staged event: %w", err)
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating staged events: %w", err)
	}
	return events, nil
}

// PruneStaged drops staged records for provider at or before cutoff.
func (db *DB) PruneStaged(ctx context.Context, provider string, cutoff time.Time) (int64, error) {
	res, err := db.conn.ExecContext(ctx,
		`DELETE FROM staging_events WHERE provider = ? AND updated_at <= ?`,
		provider, schema.FormatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to prune staged events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
