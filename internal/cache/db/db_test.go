package db

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/studybuddy/studysync/internal/cache/merge"
	"github.com/studybuddy/studysync/internal/cache/schema"
)

// testDBPath returns a temporary path for test databases
func testDBPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "test.db")
}

// newTestDB opens a cache with schema and a fixed clock.
func newTestDB(t *testing.T, now time.Time) (*DB, *time.Time) {
	t.Helper()
	db, err := Open(testDBPath(t))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	clock := now
	db.SetClock(func() time.Time { return clock })
	return db, &clock
}

var (
	day0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	noon = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	day1 = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	day2 = time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
)

func TestOpen_Success(t *testing.T) {
	path := testDBPath(t)
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	if db.Path() != path {
		t.Errorf("Path() = %q, want %q", db.Path(), path)
	}

	var mode string
	if err := db.conn.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("journal_mode query failed: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
}

func TestInitSchema_Idempotent(t *testing.T) {
	db, _ := newTestDB(t, day0)

	if err := db.InitSchema(); err != nil {
		t.Fatalf("second InitSchema() failed: %v", err)
	}

	for _, table := range []string{"tasks", "events", "pending_ops", "sync_cursors", "staging_events", "conflict_log"} {
		var count int
		err := db.conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
		if err != nil {
			t.Fatalf("failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %s does not exist", table)
		}
	}
}

func TestClose_Idempotent(t *testing.T) {
	db, err := Open(testDBPath(t))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Errorf("second Close() failed: %v", err)
	}
}

func TestUpsertTask_InsertAssignsIdentity(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t, day0)

	got, err := db.UpsertTask(ctx, &schema.Task{Title: "Problem set 4"}, true)
	if err != nil {
		t.Fatalf("UpsertTask() failed: %v", err)
	}

	if got.ID == 0 {
		t.Error("UpsertTask() did not assign an id")
	}
	if got.Source != schema.SourceApp || got.SourceID == "" {
		t.Errorf("identity = %s/%s, want app/<generated>", got.Source, got.SourceID)
	}
	if got.Version == "" || !got.UpdatedAt.Equal(day0) || !got.Dirty {
		t.Errorf("metadata = %+v", got.SyncMeta)
	}
	if got.LastSyncedAt != nil {
		t.Errorf("dirty write set LastSyncedAt = %v", got.LastSyncedAt)
	}

	stored, err := db.GetTaskByID(ctx, got.ID)
	if err != nil {
		t.Fatalf("GetTaskByID() failed: %v", err)
	}
	if stored.Title != "Problem set 4" || stored.SourceID != got.SourceID || stored.Version != got.Version {
		t.Errorf("stored = %+v, want %+v", stored, got)
	}
}

func TestUpsertTask_UpdateRegeneratesVersion(t *testing.T) {
	ctx := context.Background()
	db, clock := newTestDB(t, day0)

	first, err := db.UpsertTask(ctx, &schema.Task{Title: "Essay"}, false)
	if err != nil {
		t.Fatalf("UpsertTask() failed: %v", err)
	}

	*clock = noon
	edit := first.Clone()
	edit.Title = "Essay outline"
	second, err := db.UpsertTask(ctx, edit, true)
	if err != nil {
		t.Fatalf("UpsertTask() failed: %v", err)
	}

	if second.ID != first.ID {
		t.Errorf("ID = %d, want %d", second.ID, first.ID)
	}
	if second.Version == first.Version {
		t.Error("version was not regenerated")
	}
	if !second.UpdatedAt.Equal(noon) || !second.CreatedAt.Equal(day0) {
		t.Errorf("updated_at = %v created_at = %v", second.UpdatedAt, second.CreatedAt)
	}
	if second.LastSyncedAt == nil || !second.LastSyncedAt.Equal(day0) {
		t.Errorf("LastSyncedAt = %v, want preserved %v", second.LastSyncedAt, day0)
	}
	if !second.LocallyEdited() {
		t.Error("edit after sync not detected")
	}
}

func TestUpsertTask_ResolvesByKey(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t, day0)

	first, err := db.UpsertTask(ctx, &schema.Task{Source: "canvas", SourceID: "hw-1", Title: "HW 1"}, false)
	if err != nil {
		t.Fatalf("UpsertTask() failed: %v", err)
	}
	second, err := db.UpsertTask(ctx, &schema.Task{Source: "canvas", SourceID: "hw-1", Title: "HW 1 (revised)"}, false)
	if err != nil {
		t.Fatalf("UpsertTask() failed: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("key resolution created a second row: %d vs %d", second.ID, first.ID)
	}

	tasks, err := db.ListTasks(ctx, TaskFilter{})
	if err != nil {
		t.Fatalf("ListTasks() failed: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Title != "HW 1 (revised)" {
		t.Errorf("ListTasks() = %+v", tasks)
	}
}

func TestUpsertTask_InvalidRejected(t *testing.T) {
	db, _ := newTestDB(t, day0)
	if _, err := db.UpsertTask(context.Background(), &schema.Task{}, true); err == nil {
		t.Fatal("UpsertTask() accepted a task without a title")
	}
}

func TestListTasks_Filters(t *testing.T) {
	ctx := context.Background()
	db, clock := newTestDB(t, day0)

	due := day1
	seed := []*schema.Task{
		{Title: "Read ch. 5", CourseLabel: "BIO101", Priority: 2},
		{Title: "Lab report", CourseLabel: "CHEM200", Priority: 1, DueDate: &due},
		{Title: "Flashcards", Type: "review", CourseLabel: "BIO101", Priority: 3},
	}
	var ids []int64
	for _, task := range seed {
		*clock = clock.Add(time.Minute)
		saved, err := db.UpsertTask(ctx, task, true)
		if err != nil {
			t.Fatalf("UpsertTask() failed: %v", err)
		}
		ids = append(ids, saved.ID)
	}
	if err := db.Tombstone(ctx, schema.TableTasks, ids[0], true); err != nil {
		t.Fatalf("Tombstone() failed: %v", err)
	}

	tests := []struct {
		name   string
		filter TaskFilter
		want   []string
	}{
		{"all excludes tombstones", TaskFilter{}, []string{"Lab report", "Flashcards"}},
		{"include deleted", TaskFilter{IncludeDeleted: true}, []string{"Read ch. 5", "Lab report", "Flashcards"}},
		{"upcoming", TaskFilter{Mode: FilterUpcoming}, []string{"Lab report"}},
		{"by priority", TaskFilter{Mode: FilterByPriority}, []string{"Lab report", "Flashcards"}},
		{"search course", TaskFilter{Search: "bio"}, []string{"Flashcards"}},
		{"search type", TaskFilter{Search: "REVIEW"}, []string{"Flashcards"}},
		{"limit", TaskFilter{Limit: 1}, []string{"Lab report"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := db.ListTasks(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListTasks() failed: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("ListTasks() returned %d tasks, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i].Title != tt.want[i] {
					t.Errorf("task %d = %q, want %q", i, got[i].Title, tt.want[i])
				}
			}
		})
	}

	if _, err := db.ListTasks(ctx, TaskFilter{Mode: "Someday"}); err == nil {
		t.Error("ListTasks() accepted an unknown mode")
	}
}

func TestMarkClean(t *testing.T) {
	ctx := context.Background()
	db, clock := newTestDB(t, day0)

	task, err := db.UpsertTask(ctx, &schema.Task{Title: "x"}, true)
	if err != nil {
		t.Fatalf("UpsertTask() failed: %v", err)
	}
	*clock = noon
	if err := db.MarkClean(ctx, schema.TableTasks, task.ID); err != nil {
		t.Fatalf("MarkClean() failed: %v", err)
	}

	got, err := db.GetTaskByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTaskByID() failed: %v", err)
	}
	if got.Dirty || got.LastSyncedAt == nil || !got.LastSyncedAt.Equal(noon) {
		t.Errorf("after MarkClean() dirty=%v synced=%v", got.Dirty, got.LastSyncedAt)
	}

	if err := db.MarkClean(ctx, "users", 1); !errors.Is(err, ErrUnknownTable) {
		t.Errorf("MarkClean(users) error = %v, want ErrUnknownTable", err)
	}
}

func TestWithTx_RollsBack(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t, day0)

	boom := errors.New("boom")
	err := db.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.UpsertTask(ctx, &schema.Task{Title: "ghost"}, true); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx() error = %v, want boom", err)
	}

	tasks, err := db.ListTasks(ctx, TaskFilter{IncludeDeleted: true})
	if err != nil {
		t.Fatalf("ListTasks() failed: %v", err)
	}
	if len(tasks) != 0 {
		t.Errorf("rolled back write is visible: %+v", tasks)
	}
}

func TestEnqueue_NoIdentity(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t, day0)

	_, err := db.Enqueue(ctx, schema.TableTasks, schema.OpUpsert, 0, json.RawMessage(`{"title":"anonymous"}`))
	if !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("Enqueue() error = %v, want ErrNoIdentity", err)
	}

	count, err := db.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount() failed: %v", err)
	}
	if count != 0 {
		t.Errorf("PendingCount() = %d, want 0", count)
	}
}

func TestEnqueue_ResolvesKey(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t, day0)

	task, err := db.UpsertTask(ctx, &schema.Task{Source: "app", SourceID: "k1", Title: "x"}, true)
	if err != nil {
		t.Fatalf("UpsertTask() failed: %v", err)
	}

	op, err := db.Enqueue(ctx, schema.TableTasks, schema.OpUpsert, 0, json.RawMessage(`{"source":"app","source_id":"k1"}`))
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	if op.RowLocalID != task.ID {
		t.Errorf("RowLocalID = %d, want %d", op.RowLocalID, task.ID)
	}

	if _, err := db.Enqueue(ctx, schema.TableTasks, "patch", task.ID, json.RawMessage(`{}`)); err == nil {
		t.Error("Enqueue() accepted an unknown op type")
	}
}

func TestDrain_OrderAndFailureBookkeeping(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t, day0)

	task, err := db.UpsertTask(ctx, &schema.Task{Title: "v0"}, true)
	if err != nil {
		t.Fatalf("UpsertTask() failed: %v", err)
	}
	for i := 1; i <= 3; i++ {
		payload, _ := json.Marshal(map[string]any{"source": task.Source, "source_id": task.SourceID, "n": i})
		if _, err := db.Enqueue(ctx, schema.TableTasks, schema.OpUpsert, task.ID, payload); err != nil {
			t.Fatalf("Enqueue() failed: %v", err)
		}
	}

	ops, err := db.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if len(ops) != 3 {
		t.Fatalf("Drain() returned %d ops, want 3", len(ops))
	}
	for i := 1; i < len(ops); i++ {
		if ops[i].ID <= ops[i-1].ID {
			t.Errorf("ops out of order: %d before %d", ops[i-1].ID, ops[i].ID)
		}
	}

	if err := db.RecordFailure(ctx, ops[1].ID, errors.New("503 upstream")); err != nil {
		t.Fatalf("RecordFailure() failed: %v", err)
	}
	if err := db.Remove(ctx, ops[0].ID); err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}

	rest, err := db.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if len(rest) != 2 || rest[0].ID != ops[1].ID {
		t.Fatalf("Drain() after failure = %+v", rest)
	}
	if rest[0].Attempts != 1 || rest[0].LastError != "503 upstream" {
		t.Errorf("failure bookkeeping = attempts %d, last_error %q", rest[0].Attempts, rest[0].LastError)
	}
	if string(rest[0].Payload) != string(ops[1].Payload) {
		t.Errorf("payload changed: %s vs %s", rest[0].Payload, ops[1].Payload)
	}
}

func TestSaveTaskOffline(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t, day0)

	saved, err := db.SaveTaskOffline(ctx, &schema.Task{Title: "Offline edit"})
	if err != nil {
		t.Fatalf("SaveTaskOffline() failed: %v", err)
	}
	if !saved.Dirty {
		t.Error("offline write is not dirty")
	}

	ops, err := db.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if len(ops) != 1 || ops[0].RowLocalID != saved.ID || ops[0].OpType != schema.OpUpsert {
		t.Fatalf("outbox = %+v", ops)
	}

	var payload schema.Task
	if err := json.Unmarshal(ops[0].Payload, &payload); err != nil {
		t.Fatalf("payload decode failed: %v", err)
	}
	if payload.Title != "Offline edit" || payload.SourceID != saved.SourceID {
		t.Errorf("payload = %+v", payload)
	}

	// An invalid write leaves neither a row nor an op behind.
	if _, err := db.SaveTaskOffline(ctx, &schema.Task{}); err == nil {
		t.Fatal("SaveTaskOffline() accepted an invalid task")
	}
	if count, _ := db.PendingCount(ctx); count != 1 {
		t.Errorf("PendingCount() = %d, want 1", count)
	}
}

func TestDeleteOffline(t *testing.T) {
	ctx := context.Background()
	db, clock := newTestDB(t, day0)

	task, err := db.UpsertTask(ctx, &schema.Task{Title: "Drop me"}, false)
	if err != nil {
		t.Fatalf("UpsertTask() failed: %v", err)
	}
	*clock = noon
	if err := db.DeleteOffline(ctx, schema.TableTasks, task.ID); err != nil {
		t.Fatalf("DeleteOffline() failed: %v", err)
	}

	got, err := db.GetTaskByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTaskByID() failed: %v", err)
	}
	if got.DeletedAt == nil || !got.DeletedAt.Equal(noon) || !got.Dirty {
		t.Errorf("tombstone = deleted %v dirty %v", got.DeletedAt, got.Dirty)
	}

	ops, _ := db.Drain(ctx)
	if len(ops) != 1 || ops[0].OpType != schema.OpDelete {
		t.Fatalf("outbox = %+v", ops)
	}
	var payload schema.DeletePayload
	if err := json.Unmarshal(ops[0].Payload, &payload); err != nil {
		t.Fatalf("payload decode failed: %v", err)
	}
	if payload.SourceID != task.SourceID || payload.ID != task.ID {
		t.Errorf("payload = %+v", payload)
	}

	if err := db.DeleteOffline(ctx, schema.TableTasks, 999); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeleteOffline(999) error = %v, want ErrNotFound", err)
	}
}

func TestCursor_Monotonic(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t, day0)

	if _, ok, err := db.GetCursor(ctx, "google"); err != nil || ok {
		t.Fatalf("GetCursor() on fresh db = ok %v err %v", ok, err)
	}

	if err := db.SetCursor(ctx, "google", day1); err != nil {
		t.Fatalf("SetCursor() failed: %v", err)
	}
	if err := db.SetCursor(ctx, "google", noon); err != nil {
		t.Fatalf("SetCursor() failed: %v", err)
	}

	got, ok, err := db.GetCursor(ctx, "google")
	if err != nil || !ok {
		t.Fatalf("GetCursor() = ok %v err %v", ok, err)
	}
	if !got.Equal(day1) {
		t.Errorf("cursor moved backwards to %v", got)
	}

	cursors, err := db.ListCursors(ctx)
	if err != nil {
		t.Fatalf("ListCursors() failed: %v", err)
	}
	if len(cursors) != 1 || cursors[0].Provider != "google" {
		t.Errorf("ListCursors() = %+v", cursors)
	}
}

func TestFetchStagedSince(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t, day0)

	staged := []*schema.Event{
		{Source: "google", SourceID: "b", Title: "B", SyncMeta: schema.SyncMeta{UpdatedAt: day1}},
		{Source: "google", SourceID: "a", Title: "A", SyncMeta: schema.SyncMeta{UpdatedAt: noon}},
		{Source: "outlook", SourceID: "c", Title: "C", SyncMeta: schema.SyncMeta{UpdatedAt: noon}},
	}
	if err := db.StageEvents(ctx, staged); err != nil {
		t.Fatalf("StageEvents() failed: %v", err)
	}

	all, err := db.FetchStagedSince(ctx, "google", time.Time{})
	if err != nil {
		t.Fatalf("FetchStagedSince() failed: %v", err)
	}
	if len(all) != 2 || all[0].Title != "A" || all[1].Title != "B" {
		t.Fatalf("FetchStagedSince(zero) = %+v, want A then B", all)
	}

	newer, err := db.FetchStagedSince(ctx, "google", noon)
	if err != nil {
		t.Fatalf("FetchStagedSince() failed: %v", err)
	}
	if len(newer) != 1 || newer[0].Title != "B" {
		t.Errorf("FetchStagedSince(noon) = %+v, want only B", newer)
	}

	n, err := db.PruneStaged(ctx, "google", noon)
	if err != nil {
		t.Fatalf("PruneStaged() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("PruneStaged() removed %d rows, want 1", n)
	}

	if err := db.StageEvents(ctx, []*schema.Event{{Source: "google", Title: "no stamp"}}); err == nil {
		t.Error("StageEvents() accepted a record without updated_at")
	}
}

// seedSyncedEvent stores an event last reconciled at syncedAt.
func seedSyncedEvent(t *testing.T, db *DB, id int64, title string, syncedAt time.Time) *schema.Event {
	t.Helper()
	ev := &schema.Event{
		ID:        id,
		Source:    "google",
		SourceID:  "ev1",
		Title:     title,
		Type:      "meeting",
		CreatedAt: syncedAt,
		SyncMeta: schema.SyncMeta{
			Version:      "seed",
			UpdatedAt:    syncedAt,
			LastSyncedAt: &syncedAt,
			ETag:         "v1",
		},
	}
	if err := db.ops().writeEvent(context.Background(), ev); err != nil {
		t.Fatalf("writeEvent() failed: %v", err)
	}
	return ev
}

func countRows(t *testing.T, db *DB, table string) int {
	t.Helper()
	var n int
	if err := db.conn.QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&n); err != nil {
		t.Fatalf("count %s failed: %v", table, err)
	}
	return n
}

func TestMergeEvent_ConflictScenario(t *testing.T) {
	ctx := context.Background()
	db, clock := newTestDB(t, day0)

	seedSyncedEvent(t, db, 7, "Original", day0)

	// Local edit at noon.
	*clock = noon
	edit, err := db.GetEventByID(ctx, 7)
	if err != nil {
		t.Fatalf("GetEventByID() failed: %v", err)
	}
	edit.Title = "Local edit"
	if _, err := db.UpsertEvent(ctx, edit, true); err != nil {
		t.Fatalf("UpsertEvent() failed: %v", err)
	}

	remote := &schema.Event{
		Source:   "google",
		SourceID: "ev1",
		Title:    "Remote edit",
		Type:     "meeting",
		SyncMeta: schema.SyncMeta{UpdatedAt: day1, ETag: "v2"},
	}

	out, err := db.MergeEvent(ctx, remote, day2)
	if err != nil {
		t.Fatalf("MergeEvent() failed: %v", err)
	}
	if out.Action != merge.ActionTakeRemote || out.RowID != 7 {
		t.Errorf("outcome = %+v", out)
	}
	if out.Conflict == nil || out.Conflict.OriginalID != 7 || out.Conflict.Resolution != schema.ResolutionRemoteWins {
		t.Fatalf("conflict = %+v", out.Conflict)
	}

	events, err := db.ListEvents(ctx, EventFilter{})
	if err != nil {
		t.Fatalf("ListEvents() failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("ListEvents() returned %d rows, want 2", len(events))
	}

	original, err := db.GetEventByID(ctx, 7)
	if err != nil {
		t.Fatalf("GetEventByID() failed: %v", err)
	}
	if original.Title != "Remote edit" || original.ETag != "v2" || original.Dirty {
		t.Errorf("original = %+v", original)
	}
	if original.LastSyncedAt == nil || !original.LastSyncedAt.Equal(day2) {
		t.Errorf("LastSyncedAt = %v, want %v", original.LastSyncedAt, day2)
	}

	fork, err := db.GetEventByID(ctx, out.Conflict.ForkID)
	if err != nil {
		t.Fatalf("GetEventByID(fork) failed: %v", err)
	}
	if fork.Title != "Local edit (conflict)" || fork.Source != "local" || fork.SourceID != "conflict-7" {
		t.Errorf("fork = %+v", fork)
	}

	// Re-merging the identical record changes nothing further.
	again, err := db.MergeEvent(ctx, remote, day2.Add(time.Hour))
	if err != nil {
		t.Fatalf("second MergeEvent() failed: %v", err)
	}
	if again.Conflict != nil {
		t.Errorf("second merge logged a conflict: %+v", again.Conflict)
	}
	if n := countRows(t, db, "events"); n != 2 {
		t.Errorf("events = %d after re-merge, want 2", n)
	}
	if n := countRows(t, db, "conflict_log"); n != 1 {
		t.Errorf("conflict_log = %d, want 1", n)
	}
	original, _ = db.GetEventByID(ctx, 7)
	if original.Title != "Remote edit" || original.ETag != "v2" {
		t.Errorf("re-merge changed fields: %+v", original)
	}

	conflicts, err := db.ListConflicts(ctx, 10)
	if err != nil {
		t.Fatalf("ListConflicts() failed: %v", err)
	}
	if len(conflicts) != 1 || conflicts[0].Title != "Local edit (conflict)" {
		t.Errorf("ListConflicts() = %+v", conflicts)
	}
}

func TestMergeEvent_IdempotentByKey(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t, day0)

	remote := &schema.Event{Source: "google", SourceID: "x1", Title: "Lecture",
		SyncMeta: schema.SyncMeta{UpdatedAt: noon, ETag: "e1"}}

	first, err := db.MergeEvent(ctx, remote, day1)
	if err != nil {
		t.Fatalf("MergeEvent() failed: %v", err)
	}
	if first.Action != merge.ActionInsert {
		t.Errorf("first Action = %s, want insert", first.Action)
	}
	second, err := db.MergeEvent(ctx, remote, day2)
	if err != nil {
		t.Fatalf("MergeEvent() failed: %v", err)
	}
	if second.RowID != first.RowID {
		t.Errorf("re-merge targeted row %d, want %d", second.RowID, first.RowID)
	}
	if n := countRows(t, db, "events"); n != 1 {
		t.Errorf("events = %d, want 1", n)
	}
}

func TestMergeEvent_IdempotentByFallback(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t, day0)

	start := day1
	remote := &schema.Event{Source: "ics", Title: "Office hours", StartTime: &start,
		SyncMeta: schema.SyncMeta{UpdatedAt: noon}}

	first, err := db.MergeEvent(ctx, remote, day1)
	if err != nil {
		t.Fatalf("MergeEvent() failed: %v", err)
	}

	updated := *remote
	updated.Description = "Room 204"
	updated.UpdatedAt = day1
	second, err := db.MergeEvent(ctx, &updated, day2)
	if err != nil {
		t.Fatalf("MergeEvent() failed: %v", err)
	}
	third, err := db.MergeEvent(ctx, &updated, day2)
	if err != nil {
		t.Fatalf("MergeEvent() failed: %v", err)
	}

	if second.RowID != first.RowID || third.RowID != first.RowID {
		t.Errorf("fallback identity resolved to rows %d, %d, %d", first.RowID, second.RowID, third.RowID)
	}
	if n := countRows(t, db, "events"); n != 1 {
		t.Errorf("events = %d, want 1", n)
	}
	got, _ := db.GetEventByID(ctx, first.RowID)
	if got.Description != "Room 204" {
		t.Errorf("Description = %q", got.Description)
	}
}

func TestMergeTask(t *testing.T) {
	ctx := context.Background()
	db, clock := newTestDB(t, day0)

	// Synced at day0, edited offline at noon.
	task, err := db.UpsertTask(ctx, &schema.Task{Source: "app", SourceID: "t1", Title: "Quiz prep"}, false)
	if err != nil {
		t.Fatalf("UpsertTask() failed: %v", err)
	}
	*clock = noon
	task.Title = "Quiz prep (ch. 1-3)"
	if _, err := db.UpsertTask(ctx, task, true); err != nil {
		t.Fatalf("UpsertTask() failed: %v", err)
	}

	remote := &schema.Task{Source: "app", SourceID: "t1", Title: "Quiz prep", State: schema.StateDone,
		SyncMeta: schema.SyncMeta{UpdatedAt: day1, ETag: "r2"}}
	out, err := db.MergeTask(ctx, remote, day2)
	if err != nil {
		t.Fatalf("MergeTask() failed: %v", err)
	}
	if out.Conflict == nil {
		t.Fatal("MergeTask() did not fork a conflict")
	}

	fork, err := db.GetTaskByKey(ctx, merge.ConflictKey(task.ID))
	if err != nil {
		t.Fatalf("GetTaskByKey(fork) failed: %v", err)
	}
	if fork.Title != "Quiz prep (ch. 1-3) (conflict)" || fork.Dirty {
		t.Errorf("fork = %+v", fork)
	}

	if _, err := db.MergeTask(ctx, &schema.Task{Title: "keyless"}, day2); !errors.Is(err, ErrNoIdentity) {
		t.Errorf("MergeTask(keyless) error = %v, want ErrNoIdentity", err)
	}
}

func TestMergeTask_DropsSupersededOps(t *testing.T) {
	ctx := context.Background()
	db, clock := newTestDB(t, day0)

	edited, err := db.UpsertTask(ctx, &schema.Task{Source: "app", SourceID: "t1", Title: "Essay"}, false)
	if err != nil {
		t.Fatalf("UpsertTask() failed: %v", err)
	}
	deleted, err := db.UpsertTask(ctx, &schema.Task{Source: "app", SourceID: "t2", Title: "Lab"}, false)
	if err != nil {
		t.Fatalf("UpsertTask() failed: %v", err)
	}
	kept, err := db.UpsertTask(ctx, &schema.Task{Source: "app", SourceID: "t3", Title: "Quiz"}, false)
	if err != nil {
		t.Fatalf("UpsertTask() failed: %v", err)
	}

	// Offline changes at noon, plus a later one that outlives the remote.
	*clock = noon
	edited.Title = "Local edit"
	if _, err := db.SaveTaskOffline(ctx, edited); err != nil {
		t.Fatalf("SaveTaskOffline() failed: %v", err)
	}
	if err := db.DeleteOffline(ctx, schema.TableTasks, deleted.ID); err != nil {
		t.Fatalf("DeleteOffline() failed: %v", err)
	}
	*clock = day2
	kept.Title = "Quiz (final)"
	if _, err := db.SaveTaskOffline(ctx, kept); err != nil {
		t.Fatalf("SaveTaskOffline() failed: %v", err)
	}

	remote := func(id, title string) *schema.Task {
		return &schema.Task{Source: "app", SourceID: id, Title: title,
			SyncMeta: schema.SyncMeta{UpdatedAt: day1, ETag: "r-" + id}}
	}

	out, err := db.MergeTask(ctx, remote("t1", "Remote edit"), day2)
	if err != nil {
		t.Fatalf("MergeTask() failed: %v", err)
	}
	if out.Action != merge.ActionTakeRemote || out.Superseded != 1 || out.Conflict == nil {
		t.Errorf("outcome = %+v", out)
	}
	fork, err := db.GetTaskByID(ctx, out.Conflict.ForkID)
	if err != nil {
		t.Fatalf("GetTaskByID(fork) failed: %v", err)
	}
	if fork.Title != "Local edit (conflict)" || fork.Dirty {
		t.Errorf("fork = %+v", fork)
	}

	out, err = db.MergeTask(ctx, remote("t2", "Lab"), day2)
	if err != nil {
		t.Fatalf("MergeTask() failed: %v", err)
	}
	if out.Action != merge.ActionTakeRemote || out.Superseded != 1 {
		t.Errorf("outcome = %+v", out)
	}
	revived, err := db.GetTaskByID(ctx, deleted.ID)
	if err != nil {
		t.Fatalf("GetTaskByID() failed: %v", err)
	}
	if revived.DeletedAt != nil || revived.Dirty {
		t.Errorf("row after newer remote = deleted %v dirty %v", revived.DeletedAt, revived.Dirty)
	}

	out, err = db.MergeTask(ctx, remote("t3", "Quiz"), day2)
	if err != nil {
		t.Fatalf("MergeTask() failed: %v", err)
	}
	if out.Action != merge.ActionKeepLocal || out.Superseded != 0 {
		t.Errorf("outcome = %+v", out)
	}

	ops, err := db.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if len(ops) != 1 || ops[0].RowLocalID != kept.ID {
		t.Errorf("outbox = %+v, want only the op for task %d", ops, kept.ID)
	}
}

func TestPurgeTombstones(t *testing.T) {
	ctx := context.Background()
	db, clock := newTestDB(t, day0)

	var ids []int64
	for _, title := range []string{"Synced delete", "Offline delete", "Live"} {
		task, err := db.UpsertTask(ctx, &schema.Task{Title: title}, false)
		if err != nil {
			t.Fatalf("UpsertTask() failed: %v", err)
		}
		ids = append(ids, task.ID)
	}
	*clock = noon
	if err := db.Tombstone(ctx, schema.TableTasks, ids[0], false); err != nil {
		t.Fatalf("Tombstone() failed: %v", err)
	}
	if err := db.DeleteOffline(ctx, schema.TableTasks, ids[1]); err != nil {
		t.Fatalf("DeleteOffline() failed: %v", err)
	}

	if n, err := db.PurgeTombstones(ctx, schema.TableTasks, day0); err != nil || n != 0 {
		t.Fatalf("PurgeTombstones(before delete) = %d, %v; want 0", n, err)
	}
	n, err := db.PurgeTombstones(ctx, schema.TableTasks, day1)
	if err != nil {
		t.Fatalf("PurgeTombstones() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("PurgeTombstones() = %d, want 1", n)
	}
	if _, err := db.GetTaskByID(ctx, ids[0]); !errors.Is(err, ErrNotFound) {
		t.Errorf("synced tombstone survived: %v", err)
	}
	for _, id := range ids[1:] {
		if _, err := db.GetTaskByID(ctx, id); err != nil {
			t.Errorf("GetTaskByID(%d) failed: %v", id, err)
		}
	}

	// Purge drops the row and whatever is still queued for it.
	if err := db.Purge(ctx, schema.TableTasks, ids[1]); err != nil {
		t.Fatalf("Purge() failed: %v", err)
	}
	if count, _ := db.PendingCount(ctx); count != 0 {
		t.Errorf("PendingCount() = %d after Purge, want 0", count)
	}
	if err := db.Purge(ctx, schema.TableTasks, ids[1]); err != nil {
		t.Errorf("second Purge() failed: %v", err)
	}
	if err := db.Purge(ctx, "grades", 1); !errors.Is(err, ErrUnknownTable) {
		t.Errorf("Purge(grades) error = %v, want ErrUnknownTable", err)
	}
}

func TestGetStats(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t, day0)

	if _, err := db.SaveTaskOffline(ctx, &schema.Task{Title: "a"}); err != nil {
		t.Fatalf("SaveTaskOffline() failed: %v", err)
	}
	if _, err := db.UpsertTask(ctx, &schema.Task{Title: "b"}, false); err != nil {
		t.Fatalf("UpsertTask() failed: %v", err)
	}

	stats, err := db.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats() failed: %v", err)
	}
	if stats.Tasks != 2 || stats.Dirty != 1 || stats.Pending != 1 {
		t.Errorf("GetStats() = %+v", stats)
	}
}
