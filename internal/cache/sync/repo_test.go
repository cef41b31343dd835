package sync

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/studybuddy/studysync/internal/cache/db"
	"github.com/studybuddy/studysync/internal/cache/merge"
	"github.com/studybuddy/studysync/internal/cache/schema"
	"github.com/studybuddy/studysync/internal/remote"
)

type upsertCall struct {
	table   string
	payload json.RawMessage
}

type deleteCall struct {
	table, column, value string
}

// fakeRemote records calls. failAt makes the n-th upsert (1-based) fail;
// err makes every call fail.
type fakeRemote struct {
	mu      gosync.Mutex
	upserts []upsertCall
	deletes []deleteCall
	selects [][]remote.Filter
	rows    []json.RawMessage
	err     error
	failAt  int
	etag    string
}

func (f *fakeRemote) Upsert(ctx context.Context, table string, payload json.RawMessage) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.failAt > 0 && len(f.upserts)+1 == f.failAt {
		f.failAt = 0
		return nil, &remote.StatusError{StatusCode: 503, Body: "unavailable"}
	}
	f.upserts = append(f.upserts, upsertCall{table, payload})
	if f.etag == "" {
		return nil, nil
	}
	return json.RawMessage(`{"etag":"` + f.etag + `"}`), nil
}

func (f *fakeRemote) Delete(ctx context.Context, table, column, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.deletes = append(f.deletes, deleteCall{table, column, value})
	return nil
}

func (f *fakeRemote) Select(ctx context.Context, table, columns string, filters ...remote.Filter) ([]json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.selects = append(f.selects, filters)
	return f.rows, nil
}

// writeOnly hides Select.
type writeOnly struct{ Remote }

var (
	t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	t1 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 = time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC)
	t3 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
)

type fixture struct {
	db       *db.DB
	repo     Repo
	clock    *time.Time
	notified []Notification
}

func newFixture(t *testing.T, rem Remote) *fixture {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	f := &fixture{db: database}
	clock := t0
	f.clock = &clock
	database.SetClock(func() time.Time { return clock })

	f.repo = New(database, &Config{
		Remote:   rem,
		Notifier: NotifierFunc(func(n Notification) { f.notified = append(f.notified, n) }),
		Logger:   slog.New(slog.DiscardHandler),
	})
	return f
}

func TestUpsertTask_Offline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	if f.repo.Online() {
		t.Fatal("Online() = true without a remote")
	}
	task, err := f.repo.UpsertTask(ctx, &schema.Task{Title: "Read ch. 4"})
	if err != nil {
		t.Fatalf("UpsertTask() failed: %v", err)
	}
	if !task.Dirty || task.SourceID == "" {
		t.Errorf("offline task = %+v", task)
	}

	ops, err := f.db.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if len(ops) != 1 || ops[0].RowLocalID != task.ID {
		t.Errorf("outbox = %+v", ops)
	}
}

func TestUpsertTask_Online(t *testing.T) {
	ctx := context.Background()
	rem := &fakeRemote{etag: "r1"}
	f := newFixture(t, rem)

	task, err := f.repo.UpsertTask(ctx, &schema.Task{Title: "Lab prep"})
	if err != nil {
		t.Fatalf("UpsertTask() failed: %v", err)
	}
	if task.Dirty || task.ETag != "r1" || task.LastSyncedAt == nil {
		t.Errorf("online task = %+v", task)
	}
	if n, _ := f.db.PendingCount(ctx); n != 0 {
		t.Errorf("PendingCount() = %d, want 0", n)
	}

	if len(rem.upserts) != 1 || rem.upserts[0].table != schema.TableTasks {
		t.Fatalf("remote upserts = %+v", rem.upserts)
	}
	var sent schema.Task
	if err := json.Unmarshal(rem.upserts[0].payload, &sent); err != nil {
		t.Fatalf("payload decode failed: %v", err)
	}
	if sent.SourceID != task.SourceID || sent.Title != "Lab prep" {
		t.Errorf("remote payload = %+v", sent)
	}

	// Updating by id keeps the same remote key.
	edit := task.Clone()
	edit.Title = "Lab prep (bring goggles)"
	edit.SourceID = ""
	again, err := f.repo.UpsertTask(ctx, edit)
	if err != nil {
		t.Fatalf("UpsertTask() failed: %v", err)
	}
	if again.ID != task.ID || again.SourceID != task.SourceID {
		t.Errorf("update changed identity: %+v", again)
	}
}

func TestUpsertTask_RemoteFailureFallsBack(t *testing.T) {
	ctx := context.Background()
	rem := &fakeRemote{err: remote.ErrUnavailable}
	f := newFixture(t, rem)

	task, err := f.repo.UpsertTask(ctx, &schema.Task{Title: "Offline anyway"})
	if err != nil {
		t.Fatalf("UpsertTask() returned remote error: %v", err)
	}
	if !task.Dirty || task.LastSyncedAt != nil {
		t.Errorf("fallback task = dirty %v synced %v", task.Dirty, task.LastSyncedAt)
	}
	if n, _ := f.db.PendingCount(ctx); n != 1 {
		t.Errorf("PendingCount() = %d, want 1", n)
	}
}

func TestPushPending_StopsAtFirstFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	var ids []int64
	for _, title := range []string{"one", "two", "three"} {
		task, err := f.repo.UpsertTask(ctx, &schema.Task{Title: title})
		if err != nil {
			t.Fatalf("UpsertTask() failed: %v", err)
		}
		ids = append(ids, task.ID)
	}
	before, _ := f.db.Drain(ctx)

	rem := &fakeRemote{failAt: 2}
	f.repo.SetRemote(rem)

	res, err := f.repo.PushPending(ctx)
	if !errors.Is(err, ErrRemote) {
		t.Fatalf("PushPending() error = %v, want ErrRemote", err)
	}
	var se *remote.StatusError
	if !errors.As(err, &se) {
		t.Errorf("PushPending() error does not carry the remote cause: %v", err)
	}
	if res.Pushed != 1 || res.Remaining != 2 {
		t.Errorf("PushResult = %+v, want 1 pushed, 2 remaining", res)
	}

	after, _ := f.db.Drain(ctx)
	if len(after) != 2 {
		t.Fatalf("outbox has %d ops, want 2", len(after))
	}
	if after[0].ID != before[1].ID || after[1].ID != before[2].ID {
		t.Errorf("queue order changed: %d,%d want %d,%d", after[0].ID, after[1].ID, before[1].ID, before[2].ID)
	}
	if after[0].Attempts != 1 || after[0].LastError == "" || string(after[0].Payload) != string(before[1].Payload) {
		t.Errorf("failed op = %+v", after[0])
	}

	first, _ := f.db.GetTaskByID(ctx, ids[0])
	second, _ := f.db.GetTaskByID(ctx, ids[1])
	if first.Dirty || !second.Dirty {
		t.Errorf("dirty flags = %v, %v; want false, true", first.Dirty, second.Dirty)
	}

	res, err = f.repo.PushPending(ctx)
	if err != nil {
		t.Fatalf("second PushPending() failed: %v", err)
	}
	if res.Pushed != 2 || res.Remaining != 0 {
		t.Errorf("second PushResult = %+v", res)
	}
	if len(rem.upserts) != 3 {
		t.Errorf("remote received %d upserts, want 3", len(rem.upserts))
	}
}

func TestPushPending_RowStaysDirtyWhileQueued(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	task, err := f.repo.UpsertTask(ctx, &schema.Task{Title: "v1"})
	if err != nil {
		t.Fatalf("UpsertTask() failed: %v", err)
	}
	task.Title = "v2"
	if _, err := f.repo.UpsertTask(ctx, task); err != nil {
		t.Fatalf("UpsertTask() failed: %v", err)
	}

	f.repo.SetRemote(&fakeRemote{failAt: 2})
	if _, err := f.repo.PushPending(ctx); err == nil {
		t.Fatal("PushPending() succeeded, want failure on second op")
	}

	got, _ := f.db.GetTaskByID(ctx, task.ID)
	if !got.Dirty {
		t.Error("row marked clean while a later op is still queued")
	}
}

func TestPushPending_Offline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	if _, err := f.repo.UpsertTask(ctx, &schema.Task{Title: "queued"}); err != nil {
		t.Fatalf("UpsertTask() failed: %v", err)
	}

	res, err := f.repo.PushPending(ctx)
	if err != nil {
		t.Fatalf("PushPending() failed: %v", err)
	}
	if res.Pushed != 0 || res.Remaining != 1 {
		t.Errorf("PushResult = %+v", res)
	}
}

func TestDeleteTask_OfflineThenPush(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	task, err := f.repo.UpsertTask(ctx, &schema.Task{Title: "drop"})
	if err != nil {
		t.Fatalf("UpsertTask() failed: %v", err)
	}
	if err := f.repo.DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("DeleteTask() failed: %v", err)
	}

	visible, _ := f.repo.ListTasks(ctx, db.TaskFilter{})
	if len(visible) != 0 {
		t.Errorf("tombstoned task still listed: %+v", visible)
	}

	rem := &fakeRemote{}
	f.repo.SetRemote(rem)
	res, err := f.repo.PushPending(ctx)
	if err != nil {
		t.Fatalf("PushPending() failed: %v", err)
	}
	if res.Pushed != 2 {
		t.Errorf("Pushed = %d, want 2", res.Pushed)
	}
	if len(rem.deletes) != 1 || rem.deletes[0] != (deleteCall{schema.TableTasks, DeleteColumn, task.SourceID}) {
		t.Errorf("remote deletes = %+v", rem.deletes)
	}

	got, _ := f.db.GetTaskByID(ctx, task.ID)
	if got.Dirty || got.DeletedAt == nil {
		t.Errorf("after push: dirty %v deleted %v", got.Dirty, got.DeletedAt)
	}
}

func TestDeleteEvent_Online(t *testing.T) {
	ctx := context.Background()
	rem := &fakeRemote{}
	f := newFixture(t, rem)

	ev, err := f.repo.UpsertEvent(ctx, &schema.Event{Title: "Study group"})
	if err != nil {
		t.Fatalf("UpsertEvent() failed: %v", err)
	}
	if err := f.repo.DeleteEvent(ctx, ev.ID); err != nil {
		t.Fatalf("DeleteEvent() failed: %v", err)
	}

	got, _ := f.db.GetEventByID(ctx, ev.ID)
	if got.DeletedAt == nil || got.Dirty {
		t.Errorf("online delete = deleted %v dirty %v", got.DeletedAt, got.Dirty)
	}
	if len(rem.deletes) != 1 || rem.deletes[0].value != ev.SourceID {
		t.Errorf("remote deletes = %+v", rem.deletes)
	}
	if n, _ := f.db.PendingCount(ctx); n != 0 {
		t.Errorf("PendingCount() = %d, want 0", n)
	}
}

func TestPullEvents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	staged := []*schema.Event{
		{Source: "google", SourceID: "g1", Title: "Lecture", SyncMeta: schema.SyncMeta{UpdatedAt: t0.Add(-time.Hour)}},
		{Source: "google", SourceID: "g2", Title: "Seminar", SyncMeta: schema.SyncMeta{UpdatedAt: t0.Add(-30 * time.Minute)}},
	}
	if err := f.db.StageEvents(ctx, staged); err != nil {
		t.Fatalf("StageEvents() failed: %v", err)
	}

	res, err := f.repo.PullEvents(ctx, "google")
	if err != nil {
		t.Fatalf("PullEvents() failed: %v", err)
	}
	if res.Fetched != 2 || res.Inserted != 2 || !res.Cursor.Equal(t0) {
		t.Errorf("PullResult = %+v", res)
	}

	*f.clock = t1
	again, err := f.repo.PullEvents(ctx, "google")
	if err != nil {
		t.Fatalf("PullEvents() failed: %v", err)
	}
	if again.Fetched != 0 {
		t.Errorf("re-pull fetched %d records, want 0", again.Fetched)
	}
	events, _ := f.repo.ListEvents(ctx, db.EventFilter{})
	if len(events) != 2 {
		t.Errorf("events = %d, want 2", len(events))
	}

	cursor, ok, err := f.db.GetCursor(ctx, "google")
	if err != nil || !ok || !cursor.Equal(t1) {
		t.Errorf("cursor = %v ok %v err %v, want %v", cursor, ok, err, t1)
	}
}

func TestPullEvents_ConflictNotifies(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	if err := f.db.StageEvents(ctx, []*schema.Event{
		{Source: "google", SourceID: "g1", Title: "Lecture", SyncMeta: schema.SyncMeta{UpdatedAt: t0.Add(-time.Hour)}},
	}); err != nil {
		t.Fatalf("StageEvents() failed: %v", err)
	}
	if _, err := f.repo.PullEvents(ctx, "google"); err != nil {
		t.Fatalf("PullEvents() failed: %v", err)
	}

	// Edit offline, then the calendar changes the same event.
	*f.clock = t1
	local, err := f.db.FindEvent(ctx, &schema.Event{Source: "google", SourceID: "g1"})
	if err != nil {
		t.Fatalf("FindEvent() failed: %v", err)
	}
	local.Title = "Lecture (room change)"
	if _, err := f.repo.UpsertEvent(ctx, local); err != nil {
		t.Fatalf("UpsertEvent() failed: %v", err)
	}

	*f.clock = t3
	if err := f.db.StageEvents(ctx, []*schema.Event{
		{Source: "google", SourceID: "g1", Title: "Lecture (cancelled)", SyncMeta: schema.SyncMeta{UpdatedAt: t2}},
	}); err != nil {
		t.Fatalf("StageEvents() failed: %v", err)
	}
	res, err := f.repo.PullEvents(ctx, "google")
	if err != nil {
		t.Fatalf("PullEvents() failed: %v", err)
	}
	if res.Conflicts != 1 || res.Updated != 1 {
		t.Errorf("PullResult = %+v", res)
	}

	if len(f.notified) != 1 || f.notified[0].Kind != KindConflict {
		t.Fatalf("notifications = %+v", f.notified)
	}
	rec, ok := f.notified[0].Data.(*schema.ConflictRecord)
	if !ok || rec.Title != "Lecture (room change) (conflict)" || rec.Resolution != schema.ResolutionRemoteWins {
		t.Errorf("conflict = %+v", f.notified[0].Data)
	}
}

func TestPullTasks(t *testing.T) {
	ctx := context.Background()
	rem := &fakeRemote{rows: []json.RawMessage{
		json.RawMessage(`{"source":"app","source_id":"r1","title":"Remote essay","updated_at":"2024-03-01T08:00:00Z"}`),
		json.RawMessage(`{"title":"no key","updated_at":"2024-03-01T08:00:00Z"}`),
	}}
	f := newFixture(t, rem)

	res, err := f.repo.PullTasks(ctx)
	if err != nil {
		t.Fatalf("PullTasks() failed: %v", err)
	}
	if res.Inserted != 1 || res.Skipped != 1 {
		t.Errorf("PullResult = %+v", res)
	}
	if len(rem.selects) != 1 || len(rem.selects[0]) != 0 {
		t.Errorf("first pull filters = %+v, want none", rem.selects)
	}

	got, err := f.db.GetTaskByKey(ctx, schema.Key{Source: "app", SourceID: "r1"})
	if err != nil {
		t.Fatalf("GetTaskByKey() failed: %v", err)
	}
	if got.Dirty || got.Title != "Remote essay" {
		t.Errorf("pulled task = %+v", got)
	}

	*f.clock = t1
	if _, err := f.repo.PullTasks(ctx); err != nil {
		t.Fatalf("PullTasks() failed: %v", err)
	}
	want := remote.Gt("updated_at", schema.FormatTime(t0))
	if len(rem.selects) != 2 || len(rem.selects[1]) != 1 || rem.selects[1][0] != want {
		t.Errorf("second pull filters = %+v, want %+v", rem.selects[1], want)
	}
	if n, _ := f.db.GetStats(ctx); n.Tasks != 1 {
		t.Errorf("tasks = %d after re-pull, want 1", n.Tasks)
	}
}

// remoteTask encodes a remote task row for fakeRemote.rows.
func remoteTask(t *testing.T, key schema.Key, title string, updated time.Time) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"source":     key.Source,
		"source_id":  key.SourceID,
		"title":      title,
		"updated_at": updated.Format(time.RFC3339),
	})
	if err != nil {
		t.Fatalf("json.Marshal() failed: %v", err)
	}
	return raw
}

// syncedThenOffline creates a task online at t0 and detaches the remote at t1.
func syncedThenOffline(t *testing.T, f *fixture) *schema.Task {
	t.Helper()
	task, err := f.repo.UpsertTask(context.Background(), &schema.Task{Title: "Essay draft"})
	if err != nil {
		t.Fatalf("UpsertTask() failed: %v", err)
	}
	if task.Dirty {
		t.Fatalf("online create left the task dirty: %+v", task)
	}
	f.repo.SetRemote(nil)
	*f.clock = t1
	return task
}

func TestPushPending_RemoteWinDropsQueuedEdit(t *testing.T) {
	ctx := context.Background()
	rem := &fakeRemote{}
	f := newFixture(t, rem)
	task := syncedThenOffline(t, f)

	task.Title = "Local edit"
	if _, err := f.repo.UpsertTask(ctx, task); err != nil {
		t.Fatalf("UpsertTask() failed: %v", err)
	}

	rem.rows = []json.RawMessage{remoteTask(t, task.Identity(), "Remote edit", t2)}
	f.repo.SetRemote(rem)
	*f.clock = t3
	res, err := f.repo.PullTasks(ctx)
	if err != nil {
		t.Fatalf("PullTasks() failed: %v", err)
	}
	if res.Updated != 1 || res.Conflicts != 1 {
		t.Errorf("PullResult = %+v", res)
	}

	push, err := f.repo.PushPending(ctx)
	if err != nil {
		t.Fatalf("PushPending() failed: %v", err)
	}
	if push.Pushed != 0 || push.Remaining != 0 {
		t.Errorf("PushResult = %+v", push)
	}
	if len(rem.upserts) != 1 {
		t.Errorf("remote upserts = %d, want only the original create", len(rem.upserts))
	}

	got, err := f.db.GetTaskByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTaskByID() failed: %v", err)
	}
	if got.Title != "Remote edit" || got.Dirty {
		t.Errorf("original = %+v", got)
	}
	fork, err := f.db.GetTaskByKey(ctx, merge.ConflictKey(task.ID))
	if err != nil {
		t.Fatalf("GetTaskByKey(fork) failed: %v", err)
	}
	if fork.Title != "Local edit (conflict)" || fork.Dirty {
		t.Errorf("fork = %+v", fork)
	}
}

func TestPushPending_RemoteWinDropsQueuedDelete(t *testing.T) {
	ctx := context.Background()
	rem := &fakeRemote{}
	f := newFixture(t, rem)
	task := syncedThenOffline(t, f)

	if err := f.repo.DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("DeleteTask() failed: %v", err)
	}

	rem.rows = []json.RawMessage{remoteTask(t, task.Identity(), "Essay (revised)", t2)}
	f.repo.SetRemote(rem)
	*f.clock = t3
	if _, err := f.repo.PullTasks(ctx); err != nil {
		t.Fatalf("PullTasks() failed: %v", err)
	}
	if _, err := f.repo.PushPending(ctx); err != nil {
		t.Fatalf("PushPending() failed: %v", err)
	}
	if len(rem.deletes) != 0 {
		t.Errorf("remote deletes = %+v, want none", rem.deletes)
	}

	visible, err := f.repo.ListTasks(ctx, db.TaskFilter{})
	if err != nil {
		t.Fatalf("ListTasks() failed: %v", err)
	}
	if len(visible) != 1 || visible[0].ID != task.ID || visible[0].Title != "Essay (revised)" || visible[0].Dirty {
		t.Errorf("visible tasks = %+v", visible)
	}
}

func TestPullTasks_RequiresReader(t *testing.T) {
	f := newFixture(t, writeOnly{&fakeRemote{}})
	if _, err := f.repo.PullTasks(context.Background()); !errors.Is(err, ErrNoReader) {
		t.Errorf("PullTasks() error = %v, want ErrNoReader", err)
	}
}
