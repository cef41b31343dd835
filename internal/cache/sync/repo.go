package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/studybuddy/studysync/internal/cache/db"
	"github.com/studybuddy/studysync/internal/cache/schema"
)

// TasksProvider is the cursor name used for remote task pulls.
const TasksProvider = "remote:tasks"

// DeleteColumn is the remote column a delete targets.
const DeleteColumn = "source_id"

// Config holds the collaborators of a Repo.
type Config struct {
	// Remote is the backend; nil starts the repo offline
	Remote Remote

	// Source provides event records for PullEvents (default: the cache's
	// staging table)
	Source EventSource

	// Notifier receives conflict notifications
	Notifier Notifier

	// Logger for sync activity
	Logger *slog.Logger
}

// remoteRef boxes the optional remote so it can be swapped atomically.
type remoteRef struct {
	r Remote
}

type syncingRepo struct {
	db       *db.DB
	remote   atomic.Pointer[remoteRef]
	source   EventSource
	notifier Notifier
	logger   *slog.Logger

	// exchange serializes pushes and pulls so a merge never drops ops that
	// a concurrent push has already drained.
	exchange gosync.Mutex
}

// New creates a Repo over database.
func New(database *db.DB, config *Config) Repo {
	if config == nil {
		config = &Config{}
	}
	r := &syncingRepo{
		db:       database,
		source:   config.Source,
		notifier: config.Notifier,
		logger:   config.Logger,
	}
	if r.source == nil {
		r.source = database
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "sync")
	r.SetRemote(config.Remote)
	return r
}

func (r *syncingRepo) SetRemote(rem Remote) {
	if rem == nil {
		r.remote.Store(nil)
		return
	}
	r.remote.Store(&remoteRef{r: rem})
}

func (r *syncingRepo) Online() bool {
	return r.current() != nil
}

func (r *syncingRepo) current() Remote {
	if ref := r.remote.Load(); ref != nil {
		return ref.r
	}
	return nil
}

func (r *syncingRepo) ListTasks(ctx context.Context, filter db.TaskFilter) ([]*schema.Task, error) {
	return r.db.ListTasks(ctx, filter)
}

func (r *syncingRepo) ListEvents(ctx context.Context, filter db.EventFilter) ([]*schema.Event, error) {
	return r.db.ListEvents(ctx, filter)
}

func (r *syncingRepo) UpsertTask(ctx context.Context, task *schema.Task) (*schema.Task, error) {
	task = task.Clone()
	task.SetDefaults()
	if err := task.Validate(); err != nil {
		return nil, fmt.Errorf("invalid task: %w", err)
	}
	if err := r.assignTaskIdentity(ctx, task); err != nil {
		return nil, err
	}

	if rem := r.current(); rem != nil {
		pushed := task.Clone()
		pushed.Touch(r.db.Now(), false)
		etag, err := r.pushRow(ctx, rem, schema.TableTasks, pushed)
		if err == nil {
			if etag != "" {
				pushed.ETag = etag
			}
			return r.db.UpsertTask(ctx, pushed, false)
		}
		r.logger.Warn("remote write failed, queued for push", "table", schema.TableTasks, "key", task.Identity(), "error", err)
	}
	return r.db.SaveTaskOffline(ctx, task)
}

func (r *syncingRepo) UpsertEvent(ctx context.Context, event *schema.Event) (*schema.Event, error) {
	event = event.Clone()
	event.SetDefaults()
	if event.Source == "" {
		event.Source = schema.SourceApp
	}
	if err := event.Validate(); err != nil {
		return nil, fmt.Errorf("invalid event: %w", err)
	}
	if err := r.assignEventIdentity(ctx, event); err != nil {
		return nil, err
	}

	if rem := r.current(); rem != nil {
		pushed := event.Clone()
		pushed.Touch(r.db.Now(), false)
		etag, err := r.pushRow(ctx, rem, schema.TableEvents, pushed)
		if err == nil {
			if etag != "" {
				pushed.ETag = etag
			}
			return r.db.UpsertEvent(ctx, pushed, false)
		}
		r.logger.Warn("remote write failed, queued for push", "table", schema.TableEvents, "key", event.Identity(), "error", err)
	}
	return r.db.SaveEventOffline(ctx, event)
}

// assignTaskIdentity gives a write the key it will carry on the remote: the
// stored row's key for known rows, a fresh one for new rows.
func (r *syncingRepo) assignTaskIdentity(ctx context.Context, task *schema.Task) error {
	if task.SourceID != "" {
		return nil
	}
	if task.ID != 0 {
		key, err := r.db.RowKey(ctx, schema.TableTasks, task.ID)
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return err
		}
		if key.Valid() {
			task.SetIdentity(key)
			return nil
		}
	}
	task.SourceID = uuid.NewString()
	return nil
}

func (r *syncingRepo) assignEventIdentity(ctx context.Context, event *schema.Event) error {
	if event.SourceID != "" {
		return nil
	}
	if event.ID != 0 {
		key, err := r.db.RowKey(ctx, schema.TableEvents, event.ID)
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return err
		}
		if key.Valid() {
			event.SetIdentity(key)
			return nil
		}
	}
	event.SourceID = uuid.NewString()
	return nil
}

// pushRow upserts row on the remote and returns the etag it reports.
func (r *syncingRepo) pushRow(ctx context.Context, rem Remote, table string, row any) (string, error) {
	payload, err := json.Marshal(row)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s payload: %w", table, err)
	}
	resp, err := rem.Upsert(ctx, table, payload)
	if err != nil {
		return "", err
	}
	return etagOf(resp), nil
}

func etagOf(resp json.RawMessage) string {
	if len(resp) == 0 {
		return ""
	}
	var stored struct {
		ETag string `json:"etag"`
	}
	if err := json.Unmarshal(resp, &stored); err != nil {
		return ""
	}
	return stored.ETag
}

func (r *syncingRepo) DeleteTask(ctx context.Context, id int64) error {
	return r.delete(ctx, schema.TableTasks, id)
}

func (r *syncingRepo) DeleteEvent(ctx context.Context, id int64) error {
	return r.delete(ctx, schema.TableEvents, id)
}

func (r *syncingRepo) delete(ctx context.Context, table string, id int64) error {
	key, err := r.db.RowKey(ctx, table, id)
	if err != nil {
		return err
	}

	if rem := r.current(); rem != nil && key.Valid() {
		err := rem.Delete(ctx, table, DeleteColumn, key.SourceID)
		if err == nil {
			return r.db.Tombstone(ctx, table, id, false)
		}
		r.logger.Warn("remote delete failed, queued for push", "table", table, "id", id, "error", err)
	}
	return r.db.DeleteOffline(ctx, table, id)
}

func (r *syncingRepo) PushPending(ctx context.Context) (*PushResult, error) {
	r.exchange.Lock()
	defer r.exchange.Unlock()

	rem := r.current()
	if rem == nil {
		count, err := r.db.PendingCount(ctx)
		if err != nil {
			return nil, err
		}
		return &PushResult{Remaining: count}, nil
	}

	ops, err := r.db.Drain(ctx)
	if err != nil {
		return nil, err
	}

	res := &PushResult{}
	for i, op := range ops {
		etag, err := r.pushOp(ctx, rem, op)
		if err != nil {
			res.Remaining = len(ops) - i
			if recErr := r.db.RecordFailure(ctx, op.ID, err); recErr != nil {
				r.logger.Error("failed to record push failure", "op", op.ID, "error", recErr)
			}
			r.logger.Warn("push stopped", "op", op.ID, "table", op.Table, "op_type", op.OpType,
				"attempts", op.Attempts+1, "pushed", res.Pushed, "remaining", res.Remaining, "error", err)
			return res, fmt.Errorf("%w: op %d (%s %s): %w", ErrRemote, op.ID, op.OpType, op.Table, err)
		}
		if err := r.db.CompleteOp(ctx, op, etag); err != nil {
			res.Remaining = len(ops) - i
			return res, err
		}
		res.Pushed++
	}

	if res.Pushed > 0 {
		r.logger.Info("pushed pending ops", "count", res.Pushed)
	}
	return res, nil
}

// pushOp delivers one outbox entry and returns the remote etag, if any.
func (r *syncingRepo) pushOp(ctx context.Context, rem Remote, op *schema.PendingOp) (string, error) {
	switch op.OpType {
	case schema.OpUpsert:
		resp, err := rem.Upsert(ctx, op.Table, op.Payload)
		if err != nil {
			return "", err
		}
		return etagOf(resp), nil

	case schema.OpDelete:
		key, err := schema.DecodeKey(op.Payload)
		if err != nil {
			return "", fmt.Errorf("corrupt delete payload: %w", err)
		}
		if !key.Valid() {
			// Never addressable on the remote; nothing to delete there.
			r.logger.Warn("dropping delete without remote key", "op", op.ID, "table", op.Table, "row", op.RowLocalID)
			return "", nil
		}
		return "", rem.Delete(ctx, op.Table, DeleteColumn, key.SourceID)
	}
	return "", fmt.Errorf("unknown op type %q", op.OpType)
}

func (r *syncingRepo) notify(kind string, data any) {
	if r.notifier == nil {
		return
	}
	r.notifier.Notify(Notification{Kind: kind, Time: r.db.Now(), Data: data})
}
