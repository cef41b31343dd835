package schema

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TimeLayout is the storage format for every timestamp column.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// Table names shared by the cache, the outbox and the remote backend.
const (
	TableTasks  = "tasks"
	TableEvents = "events"
)

// SourceApp is the source assigned to rows created locally.
const SourceApp = "app"

// Now returns the current time at storage precision.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a stored or wire timestamp. Besides TimeLayout it accepts
// RFC 3339 and zone-less ISO timestamps, which are interpreted as UTC.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range []string{TimeLayout, time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// NewVersion returns a fresh opaque version token.
func NewVersion() string {
	return uuid.NewString()
}

// Key is the stable identity of a row on the remote side.
type Key struct {
	Source   string `json:"source" yaml:"source"`
	SourceID string `json:"source_id" yaml:"source_id"`
}

// Valid reports whether the key can be used for identity resolution.
func (k Key) Valid() bool {
	return k.SourceID != ""
}

func (k Key) String() string {
	return k.Source + "/" + k.SourceID
}

// SyncMeta carries per-row reconciliation state.
type SyncMeta struct {
	// Version is regenerated on every local write.
	Version   string    `json:"version,omitempty" yaml:"version"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`

	// LastSyncedAt is nil until the row has been reconciled with the remote.
	LastSyncedAt *time.Time `json:"-" yaml:"last_synced_at,omitempty"`

	// Dirty marks local state the remote has not acknowledged.
	Dirty bool `json:"-" yaml:"dirty"`

	// ETag is the remote's opaque version token (empty when unknown).
	ETag string `json:"etag,omitempty" yaml:"etag,omitempty"`

	// DeletedAt is set on soft-deleted rows.
	DeletedAt *time.Time `json:"deleted_at,omitempty" yaml:"deleted_at,omitempty"`
}

// Meta returns the metadata itself. Entities embedding SyncMeta inherit it.
func (m *SyncMeta) Meta() *SyncMeta {
	return m
}

// LocallyEdited reports whether the row changed after its last
// reconciliation. A row still flagged dirty after a reconciliation that kept
// local state also counts as edited.
func (m *SyncMeta) LocallyEdited() bool {
	if m.LastSyncedAt == nil {
		return false
	}
	return m.UpdatedAt.After(*m.LastSyncedAt) || m.Dirty
}

// Deleted reports whether the row carries a tombstone.
func (m *SyncMeta) Deleted() bool {
	return m.DeletedAt != nil
}

// Touch records a local write: fresh version, updated_at = now.
func (m *SyncMeta) Touch(now time.Time, dirty bool) {
	m.Version = NewVersion()
	m.UpdatedAt = now
	m.Dirty = dirty
	if !dirty {
		m.LastSyncedAt = timePtr(now)
	}
}

// Entity is implemented by every cached row type.
type Entity interface {
	Meta() *SyncMeta
	LocalID() int64
	SetLocalID(id int64)
	Identity() Key
	SetIdentity(k Key)
	Label() string
	SetLabel(label string)
}

func timePtr(t time.Time) *time.Time {
	return &t
}
