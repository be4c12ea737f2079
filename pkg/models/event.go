// Package models defines the fleet's persisted entities and their state
// machines. Structs here are plain data carriers; lifecycle rules live in
// the subsystems that own each entity.
package models

import (
	"encoding/json"
	"time"
)

// StreamType identifies the kind of stream an event belongs to.
type StreamType string

// Stream types.
const (
	StreamMission    StreamType = "mission"
	StreamSortie     StreamType = "sortie"
	StreamWorkOrder  StreamType = "work_order"
	StreamPilot      StreamType = "pilot"
	StreamFile       StreamType = "file"
	StreamLock       StreamType = "lock"
	StreamCheckpoint StreamType = "checkpoint"
	StreamSystem     StreamType = "system"
	StreamMailbox    StreamType = "mailbox"
)

// Valid reports whether t is a known stream type.
func (t StreamType) Valid() bool {
	switch t {
	case StreamMission, StreamSortie, StreamWorkOrder, StreamPilot,
		StreamFile, StreamLock, StreamCheckpoint, StreamSystem, StreamMailbox:
		return true
	}
	return false
}

// Event is an immutable entry in the append-only log. Sequence numbers are
// unique and strictly increasing per (stream_type, stream_id), starting at 1.
type Event struct {
	EventID       string          `json:"event_id"`
	StreamType    StreamType      `json:"stream_type"`
	StreamID      string          `json:"stream_id"`
	Sequence      int64           `json:"sequence"`
	EventType     string          `json:"event_type"`
	Data          json.RawMessage `json:"data"`
	OccurredAt    time.Time       `json:"occurred_at"`
	RecordedAt    time.Time       `json:"recorded_at"`
	CausationID   string          `json:"causation_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	SchemaVersion int             `json:"schema_version"`
}

// Cursor tracks the highest sequence a consumer has acknowledged on a stream.
// Position is monotonically non-decreasing.
type Cursor struct {
	CursorID   string     `json:"cursor_id"`
	StreamType StreamType `json:"stream_type"`
	StreamID   string     `json:"stream_id"`
	ConsumerID string     `json:"consumer_id"`
	Position   int64      `json:"position"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// BroadcastMailbox is the pseudo-mailbox every consumer may subscribe to
// explicitly. There is no implicit fan-out.
const BroadcastMailbox = "broadcast"

// Now returns the current UTC time truncated to millisecond precision, the
// resolution all persisted timestamps use.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
