package models

import "time"

// Priority orders missions and work orders for scheduling.
type Priority string

// Priorities.
const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Weight returns the scheduling weight of the priority.
func (p Priority) Weight() float64 {
	switch p {
	case PriorityCritical:
		return 1.0
	case PriorityHigh:
		return 0.75
	case PriorityMedium:
		return 0.5
	case PriorityLow:
		return 0.25
	default:
		return 0.5
	}
}

// MissionStatus is the mission lifecycle state.
type MissionStatus string

// Mission statuses.
const (
	MissionPending    MissionStatus = "pending"
	MissionInProgress MissionStatus = "in_progress"
	MissionCompleted  MissionStatus = "completed"
	MissionFailed     MissionStatus = "failed"
	MissionCancelled  MissionStatus = "cancelled"
	MissionArchived   MissionStatus = "archived"
)

// Valid reports whether s is a known mission status.
func (s MissionStatus) Valid() bool {
	switch s {
	case MissionPending, MissionInProgress, MissionCompleted,
		MissionFailed, MissionCancelled, MissionArchived:
		return true
	}
	return false
}

// Terminal reports whether the status ends the mission's active life.
func (s MissionStatus) Terminal() bool {
	switch s {
	case MissionCompleted, MissionFailed, MissionCancelled, MissionArchived:
		return true
	}
	return false
}

// CanTransition reports whether the mission state machine permits s -> next.
func (s MissionStatus) CanTransition(next MissionStatus) bool {
	switch s {
	case MissionPending:
		return next == MissionInProgress || next == MissionCancelled
	case MissionInProgress:
		return next == MissionCompleted || next == MissionFailed || next == MissionCancelled
	case MissionCompleted, MissionFailed, MissionCancelled:
		return next == MissionArchived
	}
	return false
}

// Mission is a user-level unit of work that decomposes into sorties.
type Mission struct {
	ID          string        `json:"id"`
	Title       string        `json:"title"`
	Description string        `json:"description,omitempty"`
	Status      MissionStatus `json:"status"`
	Priority    Priority      `json:"priority"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// SortieStatus is the sortie lifecycle state.
type SortieStatus string

// Sortie statuses.
const (
	SortieOpen       SortieStatus = "open"
	SortieInProgress SortieStatus = "in_progress"
	SortieBlocked    SortieStatus = "blocked"
	SortieClosed     SortieStatus = "closed"
)

// Valid reports whether s is a known sortie status.
func (s SortieStatus) Valid() bool {
	switch s {
	case SortieOpen, SortieInProgress, SortieBlocked, SortieClosed:
		return true
	}
	return false
}

// CanTransition reports whether the sortie state machine permits s -> next.
// Blocked and in_progress may flip back and forth.
func (s SortieStatus) CanTransition(next SortieStatus) bool {
	switch s {
	case SortieOpen:
		return next == SortieInProgress || next == SortieClosed
	case SortieInProgress:
		return next == SortieBlocked || next == SortieClosed
	case SortieBlocked:
		return next == SortieInProgress || next == SortieClosed
	}
	return false
}

// Sortie is a bounded sub-goal within a mission.
type Sortie struct {
	ID            string       `json:"id"`
	MissionID     string       `json:"mission_id,omitempty"`
	Status        SortieStatus `json:"status"`
	AssignedTo    string       `json:"assigned_to,omitempty"`
	Files         []string     `json:"files,omitempty"`
	BlockedReason string       `json:"blocked_reason,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
	ClosedAt      *time.Time   `json:"closed_at,omitempty"`
}

// WorkOrderStatus is the work order lifecycle state.
type WorkOrderStatus string

// Work order statuses.
const (
	WorkOrderPending    WorkOrderStatus = "pending"
	WorkOrderAssigned   WorkOrderStatus = "assigned"
	WorkOrderAccepted   WorkOrderStatus = "accepted"
	WorkOrderInProgress WorkOrderStatus = "in_progress"
	WorkOrderCompleted  WorkOrderStatus = "completed"
	WorkOrderFailed     WorkOrderStatus = "failed"
	WorkOrderCancelled  WorkOrderStatus = "cancelled"
)

// Valid reports whether s is a known work order status.
func (s WorkOrderStatus) Valid() bool {
	switch s {
	case WorkOrderPending, WorkOrderAssigned, WorkOrderAccepted,
		WorkOrderInProgress, WorkOrderCompleted, WorkOrderFailed, WorkOrderCancelled:
		return true
	}
	return false
}

// Terminal reports whether the status is final for scheduling purposes.
// failed may still re-enter pending while retries remain.
func (s WorkOrderStatus) Terminal() bool {
	switch s {
	case WorkOrderCompleted, WorkOrderFailed, WorkOrderCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the work order state machine permits s -> next.
// failed -> pending is the retry path, gated by the retry limit at the caller.
func (s WorkOrderStatus) CanTransition(next WorkOrderStatus) bool {
	switch s {
	case WorkOrderPending:
		return next == WorkOrderAssigned || next == WorkOrderCancelled
	case WorkOrderAssigned:
		return next == WorkOrderAccepted || next == WorkOrderPending || next == WorkOrderCancelled
	case WorkOrderAccepted:
		return next == WorkOrderInProgress || next == WorkOrderCancelled
	case WorkOrderInProgress:
		return next == WorkOrderCompleted || next == WorkOrderFailed || next == WorkOrderCancelled
	case WorkOrderFailed:
		return next == WorkOrderPending
	}
	return false
}

// WorkOrder is the smallest schedulable unit; it maps to one pilot at a time.
type WorkOrder struct {
	ID                 string          `json:"id"`
	SortieID           string          `json:"sortie_id,omitempty"`
	WorkType           string          `json:"work_type"`
	Description        string          `json:"description,omitempty"`
	Status             WorkOrderStatus `json:"status"`
	AssignedTo         string          `json:"assigned_to,omitempty"`
	Priority           Priority        `json:"priority"`
	PreferredAgentType string          `json:"preferred_agent_type,omitempty"`
	RetryCount         int             `json:"retry_count"`
	LastError          string          `json:"last_error,omitempty"`
	CorrelationID      string          `json:"correlation_id,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`
}

// Assignment binds a work order to a pilot. At most one active assignment
// exists per work order.
type Assignment struct {
	AssignmentID        string     `json:"assignment_id"`
	WorkOrderID         string     `json:"work_order_id"`
	PilotID             string     `json:"pilot_id"`
	AssignedAt          time.Time  `json:"assigned_at"`
	AcceptedAt          *time.Time `json:"accepted_at,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
	EstimatedCompletion *time.Time `json:"estimated_completion,omitempty"`
	ProgressPercent     int        `json:"progress_percent"`
	ErrorDetails        string     `json:"error_details,omitempty"`
	Active              bool       `json:"active"`
}

// DependencyType classifies what a dependency waits for.
type DependencyType string

// Dependency types.
const (
	DependencyCompletion DependencyType = "completion"
	DependencySuccess    DependencyType = "success"
	DependencyData       DependencyType = "data"
	DependencyResource   DependencyType = "resource"
)

// Valid reports whether t is a known dependency type.
func (t DependencyType) Valid() bool {
	switch t {
	case DependencyCompletion, DependencySuccess, DependencyData, DependencyResource:
		return true
	}
	return false
}

// TaskDependency is an edge in a mission's (acyclic) dependency graph.
type TaskDependency struct {
	TaskID          string         `json:"task_id"`
	DependsOnTaskID string         `json:"depends_on_task_id"`
	Type            DependencyType `json:"type"`
	Resolved        bool           `json:"resolved"`
}
