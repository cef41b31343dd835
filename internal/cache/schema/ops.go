package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// OpType is the kind of mutation recorded in the outbox.
type OpType string

const (
	OpUpsert OpType = "upsert"
	OpDelete OpType = "delete"
)

// Valid reports whether the op type is known.
func (o OpType) Valid() bool {
	return o == OpUpsert || o == OpDelete
}

// PendingOp is an outbox entry awaiting remote acknowledgment.
type PendingOp struct {
	ID         int64           `json:"id" yaml:"id"`
	Table      string          `json:"table" yaml:"table"`
	OpType     OpType          `json:"op_type" yaml:"op_type"`
	RowLocalID int64           `json:"row_local_id" yaml:"row_local_id"`
	Payload    json.RawMessage `json:"payload" yaml:"-"`
	Attempts   int             `json:"attempts" yaml:"attempts"`
	LastError  string          `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	CreatedAt  time.Time       `json:"created_at" yaml:"created_at"`
}

// DeletePayload is the outbox payload of a delete op.
type DeletePayload struct {
	Key
	ID int64 `json:"id"`
}

// DecodeKey extracts the remote identity carried by an outbox payload.
func DecodeKey(payload json.RawMessage) (Key, error) {
	var k Key
	if err := json.Unmarshal(payload, &k); err != nil {
		return Key{}, fmt.Errorf("failed to decode identity: %w", err)
	}
	return k, nil
}

// Cursor is a per-provider pull watermark.
type Cursor struct {
	Provider  string    `json:"provider" yaml:"provider"`
	Cursor    time.Time `json:"cursor" yaml:"cursor"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// Resolution records which side won a conflict.
type Resolution string

const (
	ResolutionRemoteWins Resolution = "remote_wins"
	ResolutionLocalWins  Resolution = "local_wins"
)

// ConflictRecord is a persisted conflict fork.
type ConflictRecord struct {
	ID              int64      `json:"id" yaml:"id"`
	Table           string     `json:"table" yaml:"table"`
	OriginalID      int64      `json:"original_id" yaml:"original_id"`
	ForkID          int64      `json:"fork_id" yaml:"fork_id"`
	Title           string     `json:"title" yaml:"title"`
	LocalUpdatedAt  time.Time  `json:"local_updated_at" yaml:"local_updated_at"`
	RemoteUpdatedAt time.Time  `json:"remote_updated_at" yaml:"remote_updated_at"`
	Resolution      Resolution `json:"resolution" yaml:"resolution"`
	DetectedAt      time.Time  `json:"detected_at" yaml:"detected_at"`
}
