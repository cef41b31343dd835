package schema

import (
	"fmt"
	"strings"
	"time"
)

// Event is a calendar event pulled from a provider (or created in-app).
type Event struct {
	ID int64 `json:"-" yaml:"id"`

	OwnerUserID string `json:"owner_user_id,omitempty" yaml:"owner_user_id,omitempty"`
	Source      string `json:"source" yaml:"source"`
	SourceID    string `json:"source_id" yaml:"source_id"`

	Title       string `json:"title" yaml:"title"`
	Type        string `json:"type" yaml:"type"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	CalendarID  string `json:"calendar_id,omitempty" yaml:"calendar_id,omitempty"`

	StartTime *time.Time `json:"start_time,omitempty" yaml:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty" yaml:"end_time,omitempty"`

	// AppOwned marks events the app wrote into the provider calendar itself.
	AppOwned bool   `json:"app_owned,omitempty" yaml:"app_owned,omitempty"`
	AppTag   string `json:"app_tag,omitempty" yaml:"app_tag,omitempty"`

	CreatedAt time.Time `json:"created_at" yaml:"created_at"`

	SyncMeta `yaml:",inline"`
}

// Validate checks if the Event has valid field values.
func (e *Event) Validate() error {
	if strings.TrimSpace(e.Title) == "" {
		return fmt.Errorf("title is required")
	}
	if e.Source == "" {
		return fmt.Errorf("source is required")
	}
	if e.StartTime != nil && e.EndTime != nil && e.EndTime.Before(*e.StartTime) {
		return fmt.Errorf("end_time must not precede start_time")
	}
	return nil
}

// SetDefaults applies default values for optional fields.
func (e *Event) SetDefaults() {
	if e.Source == "" {
		e.Source = SourceApp
	}
	if e.Type == "" {
		e.Type = "event"
	}
}

// Clone returns a copy of the event that shares no mutable state.
func (e *Event) Clone() *Event {
	c := *e
	c.StartTime = cloneTime(e.StartTime)
	c.EndTime = cloneTime(e.EndTime)
	c.LastSyncedAt = cloneTime(e.LastSyncedAt)
	c.DeletedAt = cloneTime(e.DeletedAt)
	return &c
}

func (e *Event) LocalID() int64      { return e.ID }
func (e *Event) SetLocalID(id int64) { e.ID = id }
func (e *Event) Identity() Key       { return Key{Source: e.Source, SourceID: e.SourceID} }
func (e *Event) Label() string       { return e.Title }
func (e *Event) SetLabel(s string)   { e.Title = s }

func (e *Event) SetIdentity(k Key) {
	e.Source = k.Source
	e.SourceID = k.SourceID
}
