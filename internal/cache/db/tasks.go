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

const taskColumns = `id, owner_user_id, source, source_id, title, type,
	estimated_duration, due_date, state, start_time, end_time, course_label,
	priority, created_at, version, updated_at, last_synced_at, dirty, etag,
	deleted_at`

// Task filter modes.
const (
	FilterAll        = "All"
	FilterToday      = "Today"
	FilterUpcoming   = "Upcoming"
	FilterByCourse   = "By Course"
	FilterByPriority = "By Priority"
)

// TaskFilter configures the ListTasks query.
type TaskFilter struct {
	// Mode is one of the Filter* constants (empty = All)
	Mode string
	// Search matches title, type and course label, case-insensitively
	Search string
	// IncludeDeleted includes tombstoned rows
	IncludeDeleted bool
	// DirtyOnly restricts results to rows awaiting remote acknowledgment
	DirtyOnly bool
	// Limit restricts the number of results (0 = no limit)
	Limit int
}

// UpsertTask records a local write of a task and returns the stored row.
//
// A task without a local id is resolved through its (source, source_id) key:
// an existing row is updated, otherwise a new row is inserted. A task with a
// local id is updated in place, or inserted under that id if missing. Tasks
// without a source id get a generated one so the remote can address them.
//
// Every call regenerates the version, stamps updated_at and sets dirty to
// the given flag. A clean write also records last_synced_at.
func (db *DB) UpsertTask(ctx context.Context, task *schema.Task, dirty bool) (*schema.Task, error) {
	var out *schema.Task
	err := db.WithTx(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.UpsertTask(ctx, task, dirty)
		return err
	})
	return out, err
}

// UpsertTask records a local write of a task within the transaction.
func (tx *Tx) UpsertTask(ctx context.Context, task *schema.Task, dirty bool) (*schema.Task, error) {
	return tx.ops().upsertTask(ctx, task, dirty)
}

func (o ops) upsertTask(ctx context.Context, in *schema.Task, dirty bool) (*schema.Task, error) {
	task := in.Clone()
	task.SetDefaults()
	if err := task.Validate(); err != nil {
		return nil, fmt.Errorf("invalid task: %w", err)
	}

	now := o.now()
	existing, err := o.resolveTask(ctx, task)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		task.ID = existing.ID
		if task.SourceID == "" {
			task.SetIdentity(existing.Identity())
		}
		task.CreatedAt = existing.CreatedAt
		if task.ETag == "" {
			task.ETag = existing.ETag
		}
		if task.LastSyncedAt == nil {
			task.LastSyncedAt = existing.LastSyncedAt
		}
	}
	if task.SourceID == "" {
		task.SourceID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.Touch(now, dirty)

	if err := o.writeTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// resolveTask finds the stored row a write refers to, by local id first and
// then by key. It returns nil when the write creates a new row.
func (o ops) resolveTask(ctx context.Context, task *schema.Task) (*schema.Task, error) {
	var (
		existing *schema.Task
		err      error
	)
	switch {
	case task.ID != 0:
		existing, err = o.getTask(ctx, task.ID)
	case task.Identity().Valid():
		existing, err = o.getTaskByKey(ctx, task.Identity())
	default:
		return nil, nil
	}
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return existing, err
}

// writeTask persists task exactly as given, metadata included. A zero id is
// resolved through the task's key before inserting. On insert the new id is
// stored back into task.
func (o ops) writeTask(ctx context.Context, task *schema.Task) error {
	if task.ID == 0 && task.Identity().Valid() {
		id, err := o.lookupID(ctx, schema.TableTasks, task.Identity())
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		task.ID = id
	}
	if task.Version == "" {
		task.Version = schema.NewVersion()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = o.now()
	}

	args := []any{
		task.OwnerUserID,
		task.Source,
		task.SourceID,
		task.Title,
		task.Type,
		task.EstimatedDuration,
		timeToNullString(task.DueDate),
		task.State,
		timeToNullString(task.StartTime),
		timeToNullString(task.EndTime),
		task.CourseLabel,
		task.Priority,
		schema.FormatTime(task.CreatedAt),
		task.Version,
		schema.FormatTime(task.UpdatedAt),
		timeToNullString(task.LastSyncedAt),
		boolToInt(task.Dirty),
		nullableString(task.ETag),
		timeToNullString(task.DeletedAt),
	}

	if task.ID != 0 {
		query := `
		UPDATE tasks SET
			owner_user_id = ?, source = ?, source_id = ?, title = ?, type = ?,
			estimated_duration = ?, due_date = ?, state = ?, start_time = ?,
			end_time = ?, course_label = ?, priority = ?, created_at = ?,
			version = ?, updated_at = ?, last_synced_at = ?, dirty = ?,
			etag = ?, deleted_at = ?
		WHERE id = ?`
		res, err := o.q.ExecContext(ctx, query, append(args, task.ID)...)
		if err != nil {
			return fmt.Errorf("failed to update task %d: %w", task.ID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
	}

	query := `
	INSERT INTO tasks (
		owner_user_id, source, source_id, title, type, estimated_duration,
		due_date, state, start_time, end_time, course_label, priority,
		created_at, version, updated_at, last_synced_at, dirty, etag,
		deleted_at, id
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := o.q.ExecContext(ctx, query, append(args, nullableID(task.ID))...)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	if task.ID == 0 {
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read task id: %w", err)
		}
		task.ID = id
	}
	return nil
}

// GetTaskByID retrieves a single task by local id.
// Returns ErrNotFound if the task does not exist.
func (db *DB) GetTaskByID(ctx context.Context, id int64) (*schema.Task, error) {
	return db.ops().getTask(ctx, id)
}

// GetTaskByID retrieves a single task within the transaction.
func (tx *Tx) GetTaskByID(ctx context.Context, id int64) (*schema.Task, error) {
	return tx.ops().getTask(ctx, id)
}

func (o ops) getTask(ctx context.Context, id int64) (*schema.Task, error) {
	row := o.q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, wrapf(ErrNotFound, "task %d", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %d: %w", id, err)
	}
	return task, nil
}

// GetTaskByKey retrieves a single task by remote identity.
// Returns ErrNotFound if no row carries the key.
func (db *DB) GetTaskByKey(ctx context.Context, key schema.Key) (*schema.Task, error) {
	return db.ops().getTaskByKey(ctx, key)
}

func (o ops) getTaskByKey(ctx context.Context, key schema.Key) (*schema.Task, error) {
	if !key.Valid() {
		return nil, wrapf(ErrNotFound, "task %s", key)
	}
	row := o.q.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE source = ? AND source_id = ?`,
		key.Source, key.SourceID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, wrapf(ErrNotFound, "task %s", key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", key, err)
	}
	return task, nil
}

// ListTasks returns tasks matching the filter.
func (db *DB) ListTasks(ctx context.Context, filter TaskFilter) ([]*schema.Task, error) {
	var conditions []string
	var args []any

	if !filter.IncludeDeleted {
		conditions = append(conditions, "deleted_at IS NULL")
	}
	if filter.DirtyOnly {
		conditions = append(conditions, "dirty = 1")
	}

	var order string
	switch filter.Mode {
	case FilterToday:
		local := db.Now().In(time.Local)
		today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.Local)
		conditions = append(conditions, "(state = 'pending' OR (start_time >= ? AND start_time < ?))")
		args = append(args, schema.FormatTime(today), schema.FormatTime(today.AddDate(0, 0, 1)))
		order = "ORDER BY COALESCE(start_time, due_date), id"
	case FilterUpcoming:
		conditions = append(conditions, "due_date IS NOT NULL")
		order = "ORDER BY due_date, id"
	case FilterByCourse:
		order = "ORDER BY course_label, COALESCE(due_date, '9999-12-31'), id"
	case FilterByPriority:
		order = "ORDER BY priority, COALESCE(due_date, '9999-12-31'), id"
	case FilterAll, "":
		order = "ORDER BY created_at, id"
	default:
		return nil, fmt.Errorf("unknown filter mode %q", filter.Mode)
	}

	if q := strings.TrimSpace(filter.Search); q != "" {
		like := "%" + strings.ToLower(q) + "%"
		conditions = append(conditions, "(LOWER(title) LIKE ? OR LOWER(type) LIKE ? OR LOWER(course_label) LIKE ?)")
		args = append(args, like, like, like)
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}
	query += " " + order
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*schema.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*schema.Task, error) {
	var task schema.Task
	var dueDate, startTime, endTime, lastSynced, etag, deletedAt sql.NullString
	var createdAt, updatedAt string
	var dirty int

	err := row.Scan(
		&task.ID,
		&task.OwnerUserID,
		&task.Source,
		&task.SourceID,
		&task.Title,
		&task.Type,
		&task.EstimatedDuration,
		&dueDate,
		&task.State,
		&startTime,
		&endTime,
		&task.CourseLabel,
		&task.Priority,
		&createdAt,
		&task.Version,
		&updatedAt,
		&lastSynced,
		&dirty,
		&etag,
		&deletedAt,
	)
	if err != nil {
		return nil, err
	}

	task.DueDate = nullStringToTime(dueDate)
	task.StartTime = nullStringToTime(startTime)
	task.EndTime = nullStringToTime(endTime)
	task.CreatedAt = parseStored(createdAt)
	task.UpdatedAt = parseStored(updatedAt)
	task.LastSyncedAt = nullStringToTime(lastSynced)
	task.Dirty = dirty != 0
	task.ETag = etag.String
	task.DeletedAt = nullStringToTime(deletedAt)
	return &task, nil
}

func (o ops) lookupID(ctx context.Context, table string, key schema.Key) (int64, error) {
	if err := validTable(table); err != nil {
		return 0, err
	}
	var id int64
	err := o.q.QueryRowContext(ctx,
		`SELECT id FROM `+table+` WHERE source = ? AND source_id = ?`,
		key.Source, key.SourceID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, wrapf(ErrNotFound, "%s %s", table, key)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to resolve %s %s: %w", table, key, err)
	}
	return id, nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullableID(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id != 0}
}
