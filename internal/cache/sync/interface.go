package sync

import (
	"context"
	"encoding/json"
	"time"

	"github.com/studybuddy/studysync/internal/cache/db"
	"github.com/studybuddy/studysync/internal/cache/schema"
	"github.com/studybuddy/studysync/internal/remote"
)

// Repo is the application-facing store. It serves reads from the local cache
// and keeps the cache reconciled with the remote backend.
//
// Local-store errors are returned to the caller. Remote errors on writes are
// absorbed: the write is kept locally and queued for a later push.
type Repo interface {
	// ListTasks returns cached tasks matching filter.
	ListTasks(ctx context.Context, filter db.TaskFilter) ([]*schema.Task, error)

	// UpsertTask stores a task and returns the stored row with its local id.
	UpsertTask(ctx context.Context, task *schema.Task) (*schema.Task, error)

	// DeleteTask soft-deletes a task.
	DeleteTask(ctx context.Context, id int64) error

	// ListEvents returns cached events matching filter.
	ListEvents(ctx context.Context, filter db.EventFilter) ([]*schema.Event, error)

	// UpsertEvent stores an event and returns the stored row.
	UpsertEvent(ctx context.Context, event *schema.Event) (*schema.Event, error)

	// DeleteEvent soft-deletes an event.
	DeleteEvent(ctx context.Context, id int64) error

	// PushPending replays queued ops oldest first, stopping at the first
	// failure. The returned error wraps ErrRemote.
	PushPending(ctx context.Context) (*PushResult, error)

	// PullEvents merges staged event records for provider that changed since
	// its cursor, then advances the cursor.
	PullEvents(ctx context.Context, provider string) (*PullResult, error)

	// PullTasks merges remote task rows changed since the last task pull.
	PullTasks(ctx context.Context) (*PullResult, error)

	// SetRemote attaches or, with nil, detaches the remote backend.
	SetRemote(r Remote)

	// Online reports whether a remote backend is attached.
	Online() bool
}

// Remote is the write side of the remote backend.
type Remote interface {
	// Upsert inserts or merges a row keyed by (source, source_id) and
	// returns the stored representation.
	Upsert(ctx context.Context, table string, payload json.RawMessage) (json.RawMessage, error)

	// Delete removes rows whose column equals value.
	Delete(ctx context.Context, table, column, value string) error
}

// Reader is implemented by remotes that can list rows.
type Reader interface {
	Select(ctx context.Context, table, columns string, filters ...remote.Filter) ([]json.RawMessage, error)
}

// EventSource yields remote event records for incremental pulls.
type EventSource interface {
	// FetchStagedSince returns records for provider with updated_at
	// strictly after cursor, oldest first.
	FetchStagedSince(ctx context.Context, provider string, cursor time.Time) ([]*schema.Event, error)
}

// pruner is implemented by event sources that can discard consumed records.
type pruner interface {
	PruneStaged(ctx context.Context, provider string, cutoff time.Time) (int64, error)
}

// Notification kinds.
const (
	KindSyncStarted  = "sync_started"
	KindSyncFinished = "sync_finished"
	KindSyncError    = "sync_error"
	KindConflict     = "conflict"
)

// Notification is a sync lifecycle event delivered to observers.
type Notification struct {
	Kind string    `json:"kind"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// Notifier receives sync notifications. Implementations must not block.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(n Notification)

// Notify calls f(n).
func (f NotifierFunc) Notify(n Notification) { f(n) }

// Notifiers fans a notification out to several observers.
type Notifiers []Notifier

// Notify delivers n to every non-nil notifier in order.
func (ns Notifiers) Notify(n Notification) {
	for _, nt := range ns {
		if nt != nil {
			nt.Notify(n)
		}
	}
}

// PushResult summarizes one outbox replay.
type PushResult struct {
	Pushed    int `json:"pushed" yaml:"pushed"`
	Remaining int `json:"remaining" yaml:"remaining"`
}

// PullResult summarizes one incremental pull.
type PullResult struct {
	Provider  string    `json:"provider" yaml:"provider"`
	Fetched   int       `json:"fetched" yaml:"fetched"`
	Inserted  int       `json:"inserted" yaml:"inserted"`
	Updated   int       `json:"updated" yaml:"updated"`
	Kept      int       `json:"kept" yaml:"kept"`
	Skipped   int       `json:"skipped" yaml:"skipped"`
	Conflicts int       `json:"conflicts" yaml:"conflicts"`
	Cursor    time.Time `json:"cursor" yaml:"cursor"`
}
