package models

import "time"

// PilotStatus is the pilot's reported activity state.
type PilotStatus string

// Pilot statuses.
const (
	PilotIdle    PilotStatus = "idle"
	PilotBusy    PilotStatus = "busy"
	PilotOffline PilotStatus = "offline"
	PilotError   PilotStatus = "error"
)

// Valid reports whether s is a known pilot status.
func (s PilotStatus) Valid() bool {
	switch s {
	case PilotIdle, PilotBusy, PilotOffline, PilotError:
		return true
	}
	return false
}

// Capability is a named skill a pilot advertises, with the trigger words the
// scheduler matches work descriptions against.
type Capability struct {
	Name         string   `json:"name"`
	TriggerWords []string `json:"trigger_words,omitempty"`
}

// Pilot is a registered worker process identified by its unique callsign.
type Pilot struct {
	PilotID         string       `json:"pilot_id"`
	Callsign        string       `json:"callsign"`
	AgentType       string       `json:"agent_type"`
	Status          PilotStatus  `json:"status"`
	Capabilities    []Capability `json:"capabilities"`
	CurrentWorkload int          `json:"current_workload"`
	MaxWorkload     int          `json:"max_workload"`
	LastHeartbeat   time.Time    `json:"last_heartbeat"`
	CreatedAt       time.Time    `json:"created_at"`
}

// HasCapacity reports whether the pilot can take on more work.
func (p *Pilot) HasCapacity() bool {
	return p.MaxWorkload > 0 && p.CurrentWorkload < p.MaxWorkload
}

// WorkloadRatio returns current/max workload clamped to [0,1].
func (p *Pilot) WorkloadRatio() float64 {
	if p.MaxWorkload <= 0 {
		return 1
	}
	r := float64(p.CurrentWorkload) / float64(p.MaxWorkload)
	if r > 1 {
		return 1
	}
	if r < 0 {
		return 0
	}
	return r
}

// HealthState is the aggregated health classification of a pilot.
type HealthState string

// Health states.
const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
	HealthOffline   HealthState = "offline"
)

// PilotHealth is the per-dimension health record for one pilot.
type PilotHealth struct {
	Callsign         string      `json:"callsign"`
	HeartbeatOK      bool        `json:"heartbeat_ok"`
	MemoryOK         bool        `json:"memory_ok"`
	CPUOK            bool        `json:"cpu_ok"`
	CommunicationOK  bool        `json:"communication_ok"`
	TaskProcessingOK bool        `json:"task_processing_ok"`
	Status           HealthState `json:"status"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// Aggregate derives the overall state from the individual dimensions and
// stores it in Status. A failed heartbeat dominates; otherwise the count of
// failing dimensions decides.
func (h *PilotHealth) Aggregate() HealthState {
	switch {
	case !h.HeartbeatOK:
		h.Status = HealthOffline
	default:
		failing := 0
		for _, ok := range []bool{h.MemoryOK, h.CPUOK, h.CommunicationOK, h.TaskProcessingOK} {
			if !ok {
				failing++
			}
		}
		switch {
		case failing == 0:
			h.Status = HealthHealthy
		case failing == 1:
			h.Status = HealthDegraded
		default:
			h.Status = HealthUnhealthy
		}
	}
	return h.Status
}
