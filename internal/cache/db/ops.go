package db

import (
	"context"
	"fmt"
	"time"

	"github.com/studybuddy/studysync/internal/cache/schema"
)

// ops implements row-level statements against either the connection or an
// open transaction.
type ops struct {
	q   querier
	now func() time.Time
}

func (db *DB) ops() ops {
	return ops{q: db.conn, now: db.Now}
}

func (tx *Tx) ops() ops {
	return ops{q: tx.tx, now: tx.db.Now}
}

// Now returns the cache clock's current time.
func (tx *Tx) Now() time.Time {
	return tx.db.Now()
}

func validTable(table string) error {
	switch table {
	case schema.TableTasks, schema.TableEvents:
		return nil
	}
	return ErrUnknownTable
}

// MarkClean clears the dirty flag on a row and records the reconciliation.
func (db *DB) MarkClean(ctx context.Context, table string, id int64) error {
	return db.ops().markClean(ctx, table, id)
}

// MarkClean clears the dirty flag on a row within the transaction.
func (tx *Tx) MarkClean(ctx context.Context, table string, id int64) error {
	return tx.ops().markClean(ctx, table, id)
}

func (o ops) markClean(ctx context.Context, table string, id int64) error {
	if err := validTable(table); err != nil {
		return err
	}
	query := `UPDATE ` + table + ` SET dirty = 0, last_synced_at = ? WHERE id = ?`
	if _, err := o.q.ExecContext(ctx, query, schema.FormatTime(o.now()), id); err != nil {
		return wrapf(err, "failed to mark %s %d clean", table, id)
	}
	return nil
}

// Tombstone soft-deletes a row: deleted_at = now, version regenerated.
// A clean tombstone (dirty=false) also records the reconciliation.
func (db *DB) Tombstone(ctx context.Context, table string, id int64, dirty bool) error {
	return db.ops().tombstone(ctx, table, id, dirty)
}

// Tombstone soft-deletes a row within the transaction.
func (tx *Tx) Tombstone(ctx context.Context, table string, id int64, dirty bool) error {
	return tx.ops().tombstone(ctx, table, id, dirty)
}

func (o ops) tombstone(ctx context.Context, table string, id int64, dirty bool) error {
	if err := validTable(table); err != nil {
		return err
	}
	now := schema.FormatTime(o.now())
	query := `UPDATE ` + table + ` SET
		deleted_at = ?, updated_at = ?, version = ?, dirty = ?,
		last_synced_at = CASE WHEN ? = 0 THEN ? ELSE last_synced_at END
	WHERE id = ?`
	res, err := o.q.ExecContext(ctx, query, now, now, schema.NewVersion(), boolToInt(dirty), boolToInt(dirty), now, id)
	if err != nil {
		return wrapf(err, "failed to tombstone %s %d", table, id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wrapf(ErrNotFound, "%s %d", table, id)
	}
	return nil
}

// Purge removes a row permanently together with any ops still queued for it.
// Returns nil if the row doesn't exist (idempotent).
func (db *DB) Purge(ctx context.Context, table string, id int64) error {
	if err := validTable(table); err != nil {
		return err
	}
	return db.WithTx(ctx, func(tx *Tx) error {
		return tx.ops().purge(ctx, table, id)
	})
}

func (o ops) purge(ctx context.Context, table string, id int64) error {
	if _, err := o.dropOps(ctx, table, id); err != nil {
		return err
	}
	if _, err := o.q.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?`, id); err != nil {
		return wrapf(err, "failed to delete %s %d", table, id)
	}
	return nil
}

// PurgeTombstones permanently removes rows of table deleted at or before
// cutoff whose delete has reached the remote: clean tombstones with nothing
// queued. It returns the number of rows removed.
func (db *DB) PurgeTombstones(ctx context.Context, table string, cutoff time.Time) (int, error) {
	if err := validTable(table); err != nil {
		return 0, err
	}
	purged := 0
	err := db.WithTx(ctx, func(tx *Tx) error {
		rows, err := tx.tx.QueryContext(ctx, `SELECT id FROM `+table+`
		WHERE deleted_at IS NOT NULL AND deleted_at <= ? AND dirty = 0
		AND id NOT IN (SELECT row_local_id FROM pending_ops WHERE table_name = ?)`,
			schema.FormatTime(cutoff), table)
		if err != nil {
			return fmt.Errorf("failed to query %s tombstones: %w", table, err)
		}
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan tombstone id: %w", err)
			}
			ids = append(ids, id)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return fmt.Errorf("error iterating tombstones: %w", err)
		}

		o := tx.ops()
		for _, id := range ids {
			if err := o.purge(ctx, table, id); err != nil {
				return err
			}
		}
		purged = len(ids)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return purged, nil
}
