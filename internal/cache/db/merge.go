package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/studybuddy/studysync/internal/cache/merge"
	"github.com/studybuddy/studysync/internal/cache/schema"
)

// MergeOutcome reports what a merge did to the cache.
type MergeOutcome struct {
	Action merge.Action
	RowID  int64
	// Conflict is set when a conflict fork was written.
	Conflict *schema.ConflictRecord
	// Superseded counts queued ops for the row dropped because the remote
	// record replaced it.
	Superseded int
}

// MergeEvent reconciles one inbound remote event with the cache at time now.
// Lookup, merge and persistence of the row, its conflict fork and the
// conflict log entry happen in one transaction.
func (db *DB) MergeEvent(ctx context.Context, remote *schema.Event, now time.Time) (*MergeOutcome, error) {
	if err := remote.Validate(); err != nil {
		return nil, fmt.Errorf("invalid remote event: %w", err)
	}

	var outcome *MergeOutcome
	err := db.WithTx(ctx, func(tx *Tx) error {
		o := tx.ops()
		local, err := o.findEvent(ctx, remote)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		res := merge.Merge(local, remote, now)
		outcome = &MergeOutcome{Action: res.Action}

		if res.Conflict != nil {
			// A re-forked conflict replaces the previous fork's content.
			res.Conflict.Version = schema.NewVersion()
			if err := o.writeEvent(ctx, res.Conflict); err != nil {
				return fmt.Errorf("failed to write conflict fork: %w", err)
			}
		}
		if err := o.writeEvent(ctx, res.Row); err != nil {
			return err
		}
		outcome.RowID = res.Row.ID

		if res.Action == merge.ActionTakeRemote {
			if outcome.Superseded, err = o.dropOps(ctx, schema.TableEvents, local.ID); err != nil {
				return err
			}
		}

		if res.Conflict != nil {
			rec, err := o.logConflict(ctx, schema.TableEvents, local.ID, res.Conflict.ID,
				res.Conflict.Title, local.UpdatedAt, remote.UpdatedAt, res.Resolution(), now)
			if err != nil {
				return err
			}
			outcome.Conflict = rec
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// MergeTask reconciles one inbound remote task with the cache at time now.
// Remote tasks must carry a (source, source_id) key.
func (db *DB) MergeTask(ctx context.Context, remote *schema.Task, now time.Time) (*MergeOutcome, error) {
	if !remote.Identity().Valid() {
		return nil, wrapf(ErrNoIdentity, "remote task %q", remote.Title)
	}
	remote = remote.Clone()
	remote.SetDefaults()
	if err := remote.Validate(); err != nil {
		return nil, fmt.Errorf("invalid remote task: %w", err)
	}

	var outcome *MergeOutcome
	err := db.WithTx(ctx, func(tx *Tx) error {
		o := tx.ops()
		local, err := o.getTaskByKey(ctx, remote.Identity())
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		res := merge.Merge(local, remote, now)
		outcome = &MergeOutcome{Action: res.Action}

		if res.Conflict != nil {
			res.Conflict.Version = schema.NewVersion()
			if err := o.writeTask(ctx, res.Conflict); err != nil {
				return fmt.Errorf("failed to write conflict fork: %w", err)
			}
		}
		if err := o.writeTask(ctx, res.Row); err != nil {
			return err
		}
		outcome.RowID = res.Row.ID

		if res.Action == merge.ActionTakeRemote {
			if outcome.Superseded, err = o.dropOps(ctx, schema.TableTasks, local.ID); err != nil {
				return err
			}
		}

		if res.Conflict != nil {
			rec, err := o.logConflict(ctx, schema.TableTasks, local.ID, res.Conflict.ID,
				res.Conflict.Title, local.UpdatedAt, remote.UpdatedAt, res.Resolution(), now)
			if err != nil {
				return err
			}
			outcome.Conflict = rec
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

func (o ops) logConflict(ctx context.Context, table string, originalID, forkID int64, title string,
	localUpdated, remoteUpdated time.Time, resolution schema.Resolution, detected time.Time) (*schema.ConflictRecord, error) {
	rec := &schema.ConflictRecord{
		Table:           table,
		OriginalID:      originalID,
		ForkID:          forkID,
		Title:           title,
		LocalUpdatedAt:  localUpdated,
		RemoteUpdatedAt: remoteUpdated,
		Resolution:      resolution,
		DetectedAt:      detected,
	}
	res, err := o.q.ExecContext(ctx, `
	INSERT INTO conflict_log (
		table_name, original_id, fork_id, title, local_updated_at,
		remote_updated_at, resolution, detected_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Table, rec.OriginalID, rec.ForkID, rec.Title,
		schema.FormatTime(rec.LocalUpdatedAt), schema.FormatTime(rec.RemoteUpdatedAt),
		string(rec.Resolution), schema.FormatTime(rec.DetectedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to log conflict: %w", err)
	}
	if rec.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("failed to read conflict id: %w", err)
	}
	return rec, nil
}

// ListConflicts returns logged conflicts, newest first.
func (db *DB) ListConflicts(ctx context.Context, limit int) ([]*schema.ConflictRecord, error) {
	query := `SELECT id, table_name, original_id, fork_id, title, local_updated_at,
		remote_updated_at, resolution, detected_at
	FROM conflict_log ORDER BY id DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflicts: %w", err)
	}
	defer rows.Close()

	var out []*schema.ConflictRecord
	for rows.Next() {
		var rec schema.ConflictRecord
		var localUpdated, remoteUpdated, resolution, detected string
		if err := rows.Scan(&rec.ID, &rec.Table, &rec.OriginalID, &rec.ForkID, &rec.Title,
			&localUpdated, &remoteUpdated, &resolution, &detected); err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		rec.LocalUpdatedAt = parseStored(localUpdated)
		rec.RemoteUpdatedAt = parseStored(remoteUpdated)
		rec.Resolution = schema.Resolution(resolution)
		rec.DetectedAt = parseStored(detected)
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflicts: %w", err)
	}
	return out, nil
}
