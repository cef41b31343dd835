package db

import (
	"context"
	"fmt"
)

// Stats summarizes cache contents for status output and the dashboard.
type Stats struct {
	Tasks      int `json:"tasks" yaml:"tasks"`
	Events     int `json:"events" yaml:"events"`
	Dirty      int `json:"dirty" yaml:"dirty"`
	Tombstoned int `json:"tombstoned" yaml:"tombstoned"`
	Pending    int `json:"pending" yaml:"pending"`
	Staged     int `json:"staged" yaml:"staged"`
	Conflicts  int `json:"conflicts" yaml:"conflicts"`
}

// GetStats counts rows across the cache tables.
func (db *DB) GetStats(ctx context.Context) (*Stats, error) {
	var s Stats
	query := `
	SELECT
		(SELECT COUNT(*) FROM tasks WHERE deleted_at IS NULL),
		(SELECT COUNT(*) FROM events WHERE deleted_at IS NULL),
		(SELECT COUNT(*) FROM tasks WHERE dirty = 1) + (SELECT COUNT(*) FROM events WHERE dirty = 1),
		(SELECT COUNT(*) FROM tasks WHERE deleted_at IS NOT NULL) + (SELECT COUNT(*) FROM events WHERE deleted_at IS NOT NULL),
		(SELECT COUNT(*) FROM pending_ops),
		(SELECT COUNT(*) FROM staging_events),
		(SELECT COUNT(*) FROM conflict_log)
	`
	err := db.conn.QueryRowContext(ctx, query).Scan(
		&s.Tasks, &s.Events, &s.Dirty, &s.Tombstoned, &s.Pending, &s.Staged, &s.Conflicts)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	return &s, nil
}
