package schema

import (
	"fmt"
	"strings"
	"time"
)

// Task states.
const (
	StatePending   = "pending"
	StateScheduled = "scheduled"
	StateDone      = "done"
)

// Task is a study task cached locally and mirrored to the remote backend.
type Task struct {
	// ===== Local Identification =====
	ID int64 `json:"-" yaml:"id"`

	// ===== Remote Identity =====
	OwnerUserID string `json:"owner_user_id,omitempty" yaml:"owner_user_id,omitempty"`
	Source      string `json:"source" yaml:"source"`
	SourceID    string `json:"source_id" yaml:"source_id"`

	// ===== Task Content =====
	Title             string `json:"title" yaml:"title"`
	Type              string `json:"type" yaml:"type"`
	EstimatedDuration int    `json:"estimated_duration" yaml:"estimated_duration"` // minutes
	State             string `json:"state" yaml:"state"`
	CourseLabel       string `json:"course_label,omitempty" yaml:"course_label,omitempty"`
	Priority          int    `json:"priority" yaml:"priority"`

	// ===== Scheduling =====
	DueDate   *time.Time `json:"due_date,omitempty" yaml:"due_date,omitempty"`
	StartTime *time.Time `json:"start_time,omitempty" yaml:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty" yaml:"end_time,omitempty"`

	CreatedAt time.Time `json:"created_at" yaml:"created_at"`

	SyncMeta `yaml:",inline"`
}

// Validate checks if the Task has valid field values.
func (t *Task) Validate() error {
	if strings.TrimSpace(t.Title) == "" {
		return fmt.Errorf("title is required")
	}
	if len(t.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(t.Title))
	}
	if t.EstimatedDuration < 0 {
		return fmt.Errorf("estimated_duration must not be negative (got %d)", t.EstimatedDuration)
	}
	switch t.State {
	case StatePending, StateScheduled, StateDone:
	default:
		return fmt.Errorf("invalid state %q", t.State)
	}
	if t.StartTime != nil && t.EndTime != nil && t.EndTime.Before(*t.StartTime) {
		return fmt.Errorf("end_time must not precede start_time")
	}
	return nil
}

// SetDefaults applies default values for optional fields.
func (t *Task) SetDefaults() {
	if t.Source == "" {
		t.Source = SourceApp
	}
	if t.Type == "" {
		t.Type = "task"
	}
	if t.State == "" {
		t.State = StatePending
	}
}

// Clone returns a copy of the task that shares no mutable state.
func (t *Task) Clone() *Task {
	c := *t
	c.DueDate = cloneTime(t.DueDate)
	c.StartTime = cloneTime(t.StartTime)
	c.EndTime = cloneTime(t.EndTime)
	c.LastSyncedAt = cloneTime(t.LastSyncedAt)
	c.DeletedAt = cloneTime(t.DeletedAt)
	return &c
}

func (t *Task) LocalID() int64      { return t.ID }
func (t *Task) SetLocalID(id int64) { t.ID = id }
func (t *Task) Identity() Key       { return Key{Source: t.Source, SourceID: t.SourceID} }
func (t *Task) Label() string       { return t.Title }
func (t *Task) SetLabel(s string)   { t.Title = s }

func (t *Task) SetIdentity(k Key) {
	t.Source = k.Source
	t.SourceID = k.SourceID
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	return timePtr(*t)
}
