package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/studybuddy/studysync/internal/cache/schema"
)

const eventColumns = `id, owner_user_id, source, source_id, title, type,
	description, calendar_id, start_time, end_time, app_owned, app_tag,
	created_at, version, updated_at, last_synced_at, dirty, etag, deleted_at`

// EventFilter configures the ListEvents query.
type EventFilter struct {
	// From and To bound start_time (zero = unbounded)
	From, To time.Time
	// Source filters by provider (empty = all)
	Source string
	// Search matches title and description, case-insensitively
	Search string
	// IncludeDeleted includes tombstoned rows
	IncludeDeleted bool
	// Limit restricts the number of results (0 = no limit)
	Limit int
}

// UpsertEvent records a local write of an event and returns the stored row.
// Identity resolution and metadata stamping follow UpsertTask.
func (db *DB) UpsertEvent(ctx context.Context, event *schema.Event, dirty bool) (*schema.Event, error) {
	var out *schema.Event
	err := db.WithTx(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.UpsertEvent(ctx, event, dirty)
		return err
	})
	return out, err
}

// UpsertEvent records a local write of an event within the transaction.
func (tx *Tx) UpsertEvent(ctx context.Context, event *schema.Event, dirty bool) (*schema.Event, error) {
	return tx.ops().upsertEvent(ctx, event, dirty)
}

func (o ops) upsertEvent(ctx context.Context, in *schema.Event, dirty bool) (*schema.Event, error) {
	event := in.Clone()
	event.SetDefaults()
	if err := event.Validate(); err != nil {
		return nil, fmt.Errorf("invalid event: %w", err)
	}

	now := o.now()
	var existing *schema.Event
	var err error
	switch {
	case event.ID != 0:
		existing, err = o.getEvent(ctx, event.ID)
	case event.Identity().Valid():
		existing, err = o.getEventByKey(ctx, event.Identity())
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		event.ID = existing.ID
		if event.SourceID == "" {
			event.SetIdentity(existing.Identity())
		}
		event.CreatedAt = existing.CreatedAt
		if event.ETag == "" {
			event.ETag = existing.ETag
		}
		if event.LastSyncedAt == nil {
			event.LastSyncedAt = existing.LastSyncedAt
		}
	}
	if event.SourceID == "" {
		event.SourceID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now
	}
	event.Touch(now, dirty)

	if err := o.writeEvent(ctx, event); err != nil {
		return nil, err
	}
	return event, nil
}

// writeEvent persists event exactly as given, metadata included.
func (o ops) writeEvent(ctx context.Context, event *schema.Event) error {
	if event.ID == 0 && event.Identity().Valid() {
		id, err := o.lookupID(ctx, schema.TableEvents, event.Identity())
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		event.ID = id
	}
	if event.Version == "" {
		event.Version = schema.NewVersion()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = o.now()
	}

	args := []any{
		event.OwnerUserID,
		event.Source,
		event.SourceID,
		event.Title,
		event.Type,
		event.Description,
		event.CalendarID,
		timeToNullString(event.StartTime),
		timeToNullString(event.EndTime),
		boolToInt(event.AppOwned),
		event.AppTag,
		schema.FormatTime(event.CreatedAt),
		event.Version,
		schema.FormatTime(event.UpdatedAt),
		timeToNullString(event.LastSyncedAt),
		boolToInt(event.Dirty),
		nullableString(event.ETag),
		timeToNullString(event.DeletedAt),
	}

	if event.ID != 0 {
		query := `
		UPDATE events SET
			owner_user_id = ?, source = ?, source_id = ?, title = ?, type = ?,
			description = ?, calendar_id = ?, start_time = ?, end_time = ?,
			app_owned = ?, app_tag = ?, created_at = ?, version = ?,
			updated_at = ?, last_synced_at = ?, dirty = ?, etag = ?,
			deleted_at = ?
		WHERE id = ?`
		res, err := o.q.ExecContext(ctx, query, append(args, event.ID)...)
		if err != nil {
			return fmt.Errorf("failed to update event %d: %w", event.ID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
	}

	query := `
	INSERT INTO events (
		owner_user_id, source, source_id, title, type, description,
		calendar_id, start_time, end_time, app_owned, app_tag, created_at,
		version, updated_at, last_synced_at, dirty, etag, deleted_at, id
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := o.q.ExecContext(ctx, query, append(args, nullableID(event.ID))...)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	if event.ID == 0 {
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read event id: %w", err)
		}
		event.ID = id
	}
	return nil
}

// GetEventByID retrieves a single event by local id.
// Returns ErrNotFound if the event does not exist.
func (db *DB) GetEventByID(ctx context.Context, id int64) (*schema.Event, error) {
	return db.ops().getEvent(ctx, id)
}

// GetEventByID retrieves a single event within the transaction.
func (tx *Tx) GetEventByID(ctx context.Context, id int64) (*schema.Event, error) {
	return tx.ops().getEvent(ctx, id)
}

func (o ops) getEvent(ctx context.Context, id int64) (*schema.Event, error) {
	row := o.q.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, wrapf(ErrNotFound, "event %d", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event %d: %w", id, err)
	}
	return event, nil
}

func (o ops) getEventByKey(ctx context.Context, key schema.Key) (*schema.Event, error) {
	row := o.q.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE source = ? AND source_id = ?`,
		key.Source, key.SourceID)
	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, wrapf(ErrNotFound, "event %s", key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event %s: %w", key, err)
	}
	return event, nil
}

// FindEvent locates the local row for an inbound record. Records with a
// source id match on (source, source_id) only. Records without one fall back
// to (title, start_time); the lowest id wins so repeated lookups agree.
// Returns ErrNotFound when nothing matches.
func (db *DB) FindEvent(ctx context.Context, record *schema.Event) (*schema.Event, error) {
	return db.ops().findEvent(ctx, record)
}

func (o ops) findEvent(ctx context.Context, record *schema.Event) (*schema.Event, error) {
	if record.Identity().Valid() {
		return o.getEventByKey(ctx, record.Identity())
	}
	row := o.q.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE title = ? AND start_time IS ? ORDER BY id LIMIT 1`,
		record.Title, timeToNullString(record.StartTime))
	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, wrapf(ErrNotFound, "event %q", record.Title)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find event %q: %w", record.Title, err)
	}
	return event, nil
}

// ListEvents returns events matching the filter ordered by start time.
func (db *DB) ListEvents(ctx context.Context, filter EventFilter) ([]*schema.Event, error) {
	var conditions []string
	var args []any

	if !filter.IncludeDeleted {
		conditions = append(conditions, "deleted_at IS NULL")
	}
	if !filter.From.IsZero() {
		conditions = append(conditions, "start_time >= ?")
		args = append(args, schema.FormatTime(filter.From))
	}
	if !filter.To.IsZero() {
		conditions = append(conditions, "start_time < ?")
		args = append(args, schema.FormatTime(filter.To))
	}
	if filter.Source != "" {
		conditions = append(conditions, "source = ?")
		args = append(args, filter.Source)
	}
	if q := strings.TrimSpace(filter.Search); q != "" {
		like := "%" + strings.ToLower(q) + "%"
		conditions = append(conditions, "(LOWER(title) LIKE ? OR LOWER(description) LIKE ?)")
		args = append(args, like, like)
	}

	query := `SELECT ` + eventColumns + ` FROM events`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}
	query += ` ORDER BY start_time, id`
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*schema.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

func scanEvent(row rowScanner) (*schema.Event, error) {
	var event schema.Event
	var startTime, endTime, lastSynced, etag, deletedAt sql.NullString
	var createdAt, updatedAt string
	var appOwned, dirty int

	err := row.Scan(
		&event.ID,
		&event.OwnerUserID,
		&event.Source,
		&event.SourceID,
		&event.Title,
		&event.Type,
		&event.Description,
		&event.CalendarID,
		&startTime,
		&endTime,
		&appOwned,
		&event.AppTag,
		&createdAt,
		&event.Version,
		&updatedAt,
		&lastSynced,
		&dirty,
		&etag,
		&deletedAt,
	)
	if err != nil {
		return nil, err
	}

	event.StartTime = nullStringToTime(startTime)
	event.EndTime = nullStringToTime(endTime)
	event.AppOwned = appOwned != 0
	event.CreatedAt = parseStored(createdAt)
	event.UpdatedAt = parseStored(updatedAt)
	event.LastSyncedAt = nullStringToTime(lastSynced)
	event.Dirty = dirty != 0
	event.ETag = etag.String
	event.DeletedAt = nullStringToTime(deletedAt)
	return &event, nil
}
