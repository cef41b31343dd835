// Package merge reconciles one inbound remote record with the matching local
// row. It is pure: callers look rows up and persist the result.
//
// Reconciliation is last-write-wins on updated_at. When both sides changed
// since the last reconciliation the local state is preserved in a conflict
// fork under a synthetic identity before the winner is applied.
package merge

import (
	"fmt"
	"time"

	"github.com/studybuddy/studysync/internal/cache/schema"
)

// Synthetic identity and title marker given to conflict forks.
const (
	ConflictSource = "local"
	ConflictSuffix = " (conflict)"
)

// Action is the outcome of a merge for the matched row.
type Action string

const (
	// ActionInsert stores the remote record as a new row.
	ActionInsert Action = "insert"
	// ActionTakeRemote overwrites the local row with the remote record.
	ActionTakeRemote Action = "take_remote"
	// ActionKeepLocal leaves local fields untouched.
	ActionKeepLocal Action = "keep_local"
)

// Row is the constraint satisfied by cached entity pointers.
type Row[T any] interface {
	*T
	schema.Entity
}

// Result describes how to persist a merge.
type Result[T any] struct {
	Action Action

	// Row is the state to write for the matched identity. For ActionInsert
	// its local id is zero.
	Row *T

	// Conflict is the fork preserving local edits, nil when there was no
	// conflict. Its local id is zero.
	Conflict *T
}

// HasConflict reports whether the merge produced a conflict fork.
func (r Result[T]) HasConflict() bool {
	return r.Conflict != nil
}

// Resolution reports which side won when a conflict was forked.
func (r Result[T]) Resolution() schema.Resolution {
	if r.Action == ActionKeepLocal {
		return schema.ResolutionLocalWins
	}
	return schema.ResolutionRemoteWins
}

// ConflictKey returns the synthetic identity of the fork for a local row id.
func ConflictKey(localID int64) schema.Key {
	return schema.Key{Source: ConflictSource, SourceID: fmt.Sprintf("conflict-%d", localID)}
}

// Merge reconciles remote against local (which may be nil) at time now.
//
// Neither argument is modified.
func Merge[T any, P Row[T]](local, remote P, now time.Time) Result[T] {
	if local == nil {
		row := P(clone(remote))
		meta := row.Meta()
		meta.Dirty = false
		meta.LastSyncedAt = timePtr(syncedAt(now, meta.UpdatedAt))
		row.SetLocalID(0)
		return Result[T]{Action: ActionInsert, Row: (*T)(row)}
	}

	lm, rm := local.Meta(), remote.Meta()
	localEdited := lm.LocallyEdited()
	remoteChanged := lm.LastSyncedAt == nil || rm.UpdatedAt.After(*lm.LastSyncedAt)

	var res Result[T]
	if localEdited && remoteChanged {
		fork := P(clone(local))
		fork.SetLocalID(0)
		fork.SetIdentity(ConflictKey(local.LocalID()))
		fork.SetLabel(local.Label() + ConflictSuffix)
		// Forks stay local: they are stored clean and never queued.
		fm := fork.Meta()
		fm.Dirty = false
		fm.ETag = ""
		fm.LastSyncedAt = nil
		res.Conflict = (*T)(fork)
	}

	keepRemote := !localEdited || !rm.UpdatedAt.Before(lm.UpdatedAt)
	if keepRemote {
		row := P(clone(remote))
		row.SetLocalID(local.LocalID())
		if !remote.Identity().Valid() {
			// Matched through the fallback identity; keep the row's key.
			row.SetIdentity(local.Identity())
		}
		meta := row.Meta()
		meta.ETag = rm.ETag
		meta.UpdatedAt = rm.UpdatedAt
		meta.Dirty = false
		meta.LastSyncedAt = timePtr(syncedAt(now, rm.UpdatedAt))
		if meta.Version == "" {
			meta.Version = lm.Version
		}
		res.Action = ActionTakeRemote
		res.Row = (*T)(row)
		return res
	}

	row := P(clone(local))
	row.Meta().LastSyncedAt = timePtr(now)
	res.Action = ActionKeepLocal
	res.Row = (*T)(row)
	return res
}

// syncedAt never returns a time before the remote timestamp being applied, so
// replaying the same record does not register as a remote change.
func syncedAt(now, remoteUpdated time.Time) time.Time {
	if remoteUpdated.After(now) {
		return remoteUpdated
	}
	return now
}

func clone[T any, P Row[T]](p P) *T {
	c := new(T)
	*c = *(*T)(p) // shallow: pointer fields are replaced, never written through
	return c
}

func timePtr(t time.Time) *time.Time {
	return &t
}
