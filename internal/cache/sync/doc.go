// Package sync reconciles the local cache with the remote backend.
//
// Overview
//
// Reads are always served from the local cache. Writes go to the remote
// first when one is attached; any remote failure silently diverts the write
// into the offline path, where the row is stored dirty and a pending op is
// queued in the same transaction:
//
//	caller ──► Repo ──► remote.Upsert ──ok──► cache (clean)
//	             │
//	             └──err / offline──► cache (dirty) + outbox
//
// PushPending replays the outbox oldest first and stops at the first
// failure so that ops are delivered in order. PullEvents and PullTasks
// fetch records changed since the provider's cursor and run each through
// the merge engine, forking conflicts into separate rows.
//
// Usage
//
//	database, err := db.Open(path)
//	...
//	repo := sync.New(database, &sync.Config{Remote: client})
//	task, err := repo.UpsertTask(ctx, &schema.Task{Title: "Read ch. 4"})
//	res, err := repo.PushPending(ctx)
package sync
