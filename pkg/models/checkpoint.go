package models

import (
	"encoding/json"
	"time"
)

// CheckpointTrigger records what caused a checkpoint to be taken.
type CheckpointTrigger string

// Checkpoint triggers.
const (
	TriggerManual       CheckpointTrigger = "manual"
	TriggerAuto         CheckpointTrigger = "auto"
	TriggerProgress     CheckpointTrigger = "progress"
	TriggerError        CheckpointTrigger = "error"
	TriggerContextLimit CheckpointTrigger = "context_limit"
	TriggerCompaction   CheckpointTrigger = "compaction"
)

// Valid reports whether t is a known trigger.
func (t CheckpointTrigger) Valid() bool {
	switch t {
	case TriggerManual, TriggerAuto, TriggerProgress, TriggerError,
		TriggerContextLimit, TriggerCompaction:
		return true
	}
	return false
}

// RecoveryContext carries the human-readable hints a resumed pilot needs to
// pick the mission back up.
type RecoveryContext struct {
	MissionSummary string   `json:"mission_summary"`
	CompletedSteps []string `json:"completed_steps,omitempty"` // last 10
	NextSteps      []string `json:"next_steps,omitempty"`
	ActiveBlockers []string `json:"active_blockers,omitempty"`
	FilesTouched   []string `json:"files_touched,omitempty"`
}

// MailboxSnapshot captures one consumer's cursor and its undelivered events
// (sequence > cursor position) at checkpoint time.
type MailboxSnapshot struct {
	MailboxID string  `json:"mailbox_id"`
	Position  int64   `json:"position"`
	Pending   []Event `json:"pending,omitempty"`
}

// CheckpointSnapshot is the self-contained body of a checkpoint: restoring it
// yields the mission state at capture time.
type CheckpointSnapshot struct {
	Sorties      []Sortie          `json:"sorties"`
	WorkOrders   []WorkOrder       `json:"work_orders"`
	Reservations []Reservation     `json:"reservations,omitempty"`
	Locks        []Lock            `json:"locks,omitempty"`
	Mailboxes    []MailboxSnapshot `json:"mailboxes,omitempty"`
	Recovery     RecoveryContext   `json:"recovery"`
	PatternID    string            `json:"pattern_id,omitempty"`
	PatternVer   int               `json:"pattern_version,omitempty"`
}

// Checkpoint is a consistent snapshot of a mission's runtime state.
// ConsumedAt is set exactly once, when a resume succeeds.
type Checkpoint struct {
	ID              string            `json:"id"`
	MissionID       string            `json:"mission_id"`
	Timestamp       time.Time         `json:"timestamp"`
	Trigger         CheckpointTrigger `json:"trigger"`
	ProgressPercent int               `json:"progress_percent"`
	Snapshot        json.RawMessage   `json:"snapshot"`
	CreatedBy       string            `json:"created_by,omitempty"`
	ExpiresAt       *time.Time        `json:"expires_at,omitempty"`
	ConsumedAt      *time.Time        `json:"consumed_at,omitempty"`
	Version         int               `json:"version"`
}

// DecodeSnapshot unmarshals the checkpoint body.
func (c *Checkpoint) DecodeSnapshot() (*CheckpointSnapshot, error) {
	var snap CheckpointSnapshot
	if err := json.Unmarshal(c.Snapshot, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}
