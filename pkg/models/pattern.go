package models

import "time"

// PatternStatus tracks whether a learned pattern version is current.
type PatternStatus string

// Pattern statuses.
const (
	PatternActive   PatternStatus = "active"
	PatternApproved PatternStatus = "approved"
	PatternArchived PatternStatus = "archived"
)

// Pattern is a learned canonical sequence of work types with effectiveness
// metrics. PatternHash is unique per (pattern_type, mission_type, sequence).
type Pattern struct {
	PatternID     string        `json:"pattern_id"`
	PatternHash   string        `json:"pattern_hash"`
	PatternType   string        `json:"pattern_type"`
	MissionType   string        `json:"mission_type"`
	Template      []string      `json:"template"` // canonical work-type sequence
	SuccessCount  int           `json:"success_count"`
	FailureCount  int           `json:"failure_count"`
	AvgDuration   time.Duration `json:"avg_duration_ms"`
	Effectiveness float64       `json:"effectiveness"` // in [0,1]
	Status        PatternStatus `json:"status"`
	Version       int           `json:"version"`
	CreatedAt     time.Time     `json:"created_at"`
	LastUsedAt    *time.Time    `json:"last_used_at,omitempty"`
}

// OutcomeKind classifies how a pattern application ended.
type OutcomeKind string

// Outcome kinds.
const (
	OutcomeSuccess OutcomeKind = "success"
	OutcomePartial OutcomeKind = "partial"
	OutcomeFailure OutcomeKind = "failure"
)

// Valid reports whether k is a known outcome kind.
func (k OutcomeKind) Valid() bool {
	switch k {
	case OutcomeSuccess, OutcomePartial, OutcomeFailure:
		return true
	}
	return false
}

// PatternOutcome records one application of a pattern to a mission.
type PatternOutcome struct {
	OutcomeID  string        `json:"outcome_id"`
	PatternID  string        `json:"pattern_id"`
	MissionID  string        `json:"mission_id"`
	Outcome    OutcomeKind   `json:"outcome"`
	Duration   time.Duration `json:"duration_ms"`
	Deviations []string      `json:"deviations,omitempty"`
	Lessons    string        `json:"lessons,omitempty"`
	RecordedAt time.Time     `json:"recorded_at"`
}
