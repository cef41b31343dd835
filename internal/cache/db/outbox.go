package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/studybuddy/studysync/internal/cache/schema"
)

const pendingOpColumns = `id, table_name, op_type, row_local_id, payload, attempts, last_error, created_at`

// Enqueue appends a mutation to the outbox.
//
// A zero rowLocalID is resolved through the (source, source_id) key carried
// in the payload; a payload without a key yields ErrNoIdentity. Entries are
// never deduplicated.
func (db *DB) Enqueue(ctx context.Context, table string, op schema.OpType, rowLocalID int64, payload json.RawMessage) (*schema.PendingOp, error) {
	return db.ops().enqueue(ctx, table, op, rowLocalID, payload)
}

// Enqueue appends a mutation to the outbox within the transaction.
func (tx *Tx) Enqueue(ctx context.Context, table string, op schema.OpType, rowLocalID int64, payload json.RawMessage) (*schema.PendingOp, error) {
	return tx.ops().enqueue(ctx, table, op, rowLocalID, payload)
}

func (o ops) enqueue(ctx context.Context, table string, op schema.OpType, rowLocalID int64, payload json.RawMessage) (*schema.PendingOp, error) {
	if err := validTable(table); err != nil {
		return nil, err
	}
	if !op.Valid() {
		return nil, fmt.Errorf("invalid op type %q", op)
	}

	if rowLocalID == 0 {
		key, err := schema.DecodeKey(payload)
		if err != nil || !key.Valid() {
			return nil, wrapf(ErrNoIdentity, "cannot queue %s on %s", op, table)
		}
		id, err := o.lookupID(ctx, table, key)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		rowLocalID = id
	}

	pending := &schema.PendingOp{
		Table:      table,
		OpType:     op,
		RowLocalID: rowLocalID,
		Payload:    payload,
		CreatedAt:  o.now(),
	}
	res, err := o.q.ExecContext(ctx,
		`INSERT INTO pending_ops (table_name, op_type, row_local_id, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		table, string(op), rowLocalID, string(payload), schema.FormatTime(pending.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue %s on %s: %w", op, table, err)
	}
	if pending.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("failed to read pending op id: %w", err)
	}
	return pending, nil
}

// Drain returns every pending op in insertion order. Ops stay queued until
// Remove is called for them.
func (db *DB) Drain(ctx context.Context) ([]*schema.PendingOp, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+pendingOpColumns+` FROM pending_ops ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending ops: %w", err)
	}
	defer rows.Close()

	var pending []*schema.PendingOp
	for rows.Next() {
		op, err := scanPendingOp(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending op: %w", err)
		}
		pending = append(pending, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending ops: %w", err)
	}
	return pending, nil
}

// Remove deletes an acknowledged op from the outbox.
func (db *DB) Remove(ctx context.Context, opID int64) error {
	return db.ops().remove(ctx, opID)
}

// Remove deletes an acknowledged op within the transaction.
func (tx *Tx) Remove(ctx context.Context, opID int64) error {
	return tx.ops().remove(ctx, opID)
}

// dropOps removes every queued op for a row whose state the remote record
// replaced. Pushing them would overwrite the remote's winning version.
func (o ops) dropOps(ctx context.Context, table string, rowID int64) (int, error) {
	res, err := o.q.ExecContext(ctx,
		`DELETE FROM pending_ops WHERE table_name = ? AND row_local_id = ?`, table, rowID)
	if err != nil {
		return 0, fmt.Errorf("failed to drop ops for %s %d: %w", table, rowID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count dropped ops for %s %d: %w", table, rowID, err)
	}
	return int(n), nil
}

func (o ops) remove(ctx context.Context, opID int64) error {
	if _, err := o.q.ExecContext(ctx, `DELETE FROM pending_ops WHERE id = ?`, opID); err != nil {
		return fmt.Errorf("failed to remove pending op %d: %w", opID, err)
	}
	return nil
}

// CompleteOp removes an acknowledged op. When no other op for the same row
// remains queued, the row is marked clean and takes the remote etag, if any.
func (db *DB) CompleteOp(ctx context.Context, op *schema.PendingOp, etag string) error {
	return db.WithTx(ctx, func(tx *Tx) error {
		o := tx.ops()
		if err := o.remove(ctx, op.ID); err != nil {
			return err
		}
		if op.RowLocalID == 0 {
			return nil
		}

		var queued int
		err := tx.tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM pending_ops WHERE table_name = ? AND row_local_id = ?`,
			op.Table, op.RowLocalID).Scan(&queued)
		if err != nil {
			return fmt.Errorf("failed to count ops for %s %d: %w", op.Table, op.RowLocalID, err)
		}
		if queued > 0 {
			return nil
		}

		if err := o.markClean(ctx, op.Table, op.RowLocalID); err != nil {
			return err
		}
		if etag != "" {
			_, err := tx.tx.ExecContext(ctx, `UPDATE `+op.Table+` SET etag = ? WHERE id = ?`, etag, op.RowLocalID)
			if err != nil {
				return fmt.Errorf("failed to store etag for %s %d: %w", op.Table, op.RowLocalID, err)
			}
		}
		return nil
	})
}

// RowKey returns the (source, source_id) key of a row.
func (db *DB) RowKey(ctx context.Context, table string, id int64) (schema.Key, error) {
	return db.ops().rowKey(ctx, table, id)
}

// RecordFailure notes a failed delivery attempt. The op keeps its payload
// and its position in the queue.
func (db *DB) RecordFailure(ctx context.Context, opID int64, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	res, err := db.conn.ExecContext(ctx,
		`UPDATE pending_ops SET attempts = attempts + 1, last_error = ? WHERE id = ?`,
		msg, opID)
	if err != nil {
		return fmt.Errorf("failed to record failure for pending op %d: %w", opID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wrapf(ErrNotFound, "pending op %d", opID)
	}
	return nil
}

// PendingCount returns the number of queued ops.
func (db *DB) PendingCount(ctx context.Context) (int, error) {
	var count int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_ops`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count pending ops: %w", err)
	}
	return count, nil
}

// SaveTaskOffline writes a dirty task and queues its upsert atomically.
func (db *DB) SaveTaskOffline(ctx context.Context, task *schema.Task) (*schema.Task, error) {
	var saved *schema.Task
	err := db.WithTx(ctx, func(tx *Tx) error {
		var err error
		if saved, err = tx.UpsertTask(ctx, task, true); err != nil {
			return err
		}
		payload, err := json.Marshal(saved)
		if err != nil {
			return fmt.Errorf("failed to marshal task payload: %w", err)
		}
		_, err = tx.Enqueue(ctx, schema.TableTasks, schema.OpUpsert, saved.ID, payload)
		return err
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// SaveEventOffline writes a dirty event and queues its upsert atomically.
func (db *DB) SaveEventOffline(ctx context.Context, event *schema.Event) (*schema.Event, error) {
	var saved *schema.Event
	err := db.WithTx(ctx, func(tx *Tx) error {
		var err error
		if saved, err = tx.UpsertEvent(ctx, event, true); err != nil {
			return err
		}
		payload, err := json.Marshal(saved)
		if err != nil {
			return fmt.Errorf("failed to marshal event payload: %w", err)
		}
		_, err = tx.Enqueue(ctx, schema.TableEvents, schema.OpUpsert, saved.ID, payload)
		return err
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// DeleteOffline queues a delete for a row and tombstones it dirty, atomically.
func (db *DB) DeleteOffline(ctx context.Context, table string, id int64) error {
	return db.WithTx(ctx, func(tx *Tx) error {
		key, err := tx.ops().rowKey(ctx, table, id)
		if err != nil {
			return err
		}
		payload, err := json.Marshal(schema.DeletePayload{Key: key, ID: id})
		if err != nil {
			return fmt.Errorf("failed to marshal delete payload: %w", err)
		}
		if _, err := tx.Enqueue(ctx, table, schema.OpDelete, id, payload); err != nil {
			return err
		}
		return tx.Tombstone(ctx, table, id, true)
	})
}

func (o ops) rowKey(ctx context.Context, table string, id int64) (schema.Key, error) {
	if err := validTable(table); err != nil {
		return schema.Key{}, err
	}
	var key schema.Key
	err := o.q.QueryRowContext(ctx, `SELECT source, source_id FROM `+table+` WHERE id = ?`, id).
		Scan(&key.Source, &key.SourceID)
	if errors.Is(err, sql.ErrNoRows) {
		return schema.Key{}, wrapf(ErrNotFound, "%s %d", table, id)
	}
	if err != nil {
		return schema.Key{}, fmt.Errorf("failed to read identity of %s %d: %w", table, id, err)
	}
	return key, nil
}

func scanPendingOp(row rowScanner) (*schema.PendingOp, error) {
	var op schema.PendingOp
	var opType, payload, createdAt string
	var lastError sql.NullString

	if err := row.Scan(&op.ID, &op.Table, &opType, &op.RowLocalID, &payload, &op.Attempts, &lastError, &createdAt); err != nil {
		return nil, err
	}
	op.OpType = schema.OpType(opType)
	op.Payload = json.RawMessage(payload)
	op.LastError = lastError.String
	op.CreatedAt = parseStored(createdAt)
	return &op, nil
}
