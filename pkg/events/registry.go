package events

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/flightline/fleet/pkg/errs"
	"github.com/flightline/fleet/pkg/models"
)

// Schema describes one registered event type: the stream it may appear on and
// the data fields every payload must carry. Unknown event types are rejected
// at append time.
type Schema struct {
	EventType  string
	StreamType models.StreamType
	// Required lists data fields that must be present and non-null.
	Required []string
}

// Registry validates event payloads against their registered schemas.
// Registration happens at startup; lookups are concurrent.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]Schema
}

// NewRegistry returns a registry preloaded with the built-in event types.
func NewRegistry() *Registry {
	r := &Registry{schemas: make(map[string]Schema)}
	for _, s := range builtinSchemas {
		r.schemas[s.EventType] = s
	}
	return r
}

// Register adds or replaces a schema.
func (r *Registry) Register(s Schema) error {
	if s.EventType == "" {
		return errs.InvalidField("event_type", "must not be empty")
	}
	if !s.StreamType.Valid() {
		return errs.InvalidField("stream_type", "unknown stream type %q", s.StreamType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[s.EventType] = s
	return nil
}

// Lookup returns the schema for an event type.
func (r *Registry) Lookup(eventType string) (Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[eventType]
	return s, ok
}

// Validate checks an event type and payload against the registry.
func (r *Registry) Validate(eventType string, streamType models.StreamType, data json.RawMessage) error {
	s, ok := r.Lookup(eventType)
	if !ok {
		return errs.InvalidField("event_type", "unregistered event type %q", eventType)
	}
	if s.StreamType != streamType {
		return errs.InvalidField("stream_type",
			"event type %q belongs to stream %q, not %q", eventType, s.StreamType, streamType)
	}
	if len(s.Required) == 0 {
		return nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return errs.InvalidField("data", "payload is not a JSON object: %v", err)
	}
	for _, f := range s.Required {
		v, ok := fields[f]
		if !ok || string(v) == "null" {
			return fmt.Errorf("%w: payload for %q missing required field %q",
				errs.ErrInvalidInput, eventType, f)
		}
	}
	return nil
}

var builtinSchemas = []Schema{
	{EventType: "mission_created", StreamType: models.StreamMission, Required: []string{"title"}},
	{EventType: "mission_started", StreamType: models.StreamMission},
	{EventType: "mission_completed", StreamType: models.StreamMission},
	{EventType: "mission_failed", StreamType: models.StreamMission},
	{EventType: "mission_cancelled", StreamType: models.StreamMission},
	{EventType: "mission_archived", StreamType: models.StreamMission},

	{EventType: "sortie_opened", StreamType: models.StreamSortie},
	{EventType: "sortie_updated", StreamType: models.StreamSortie},
	{EventType: "sortie_blocked", StreamType: models.StreamSortie, Required: []string{"reason"}},
	{EventType: "sortie_closed", StreamType: models.StreamSortie},

	{EventType: "work_order_created", StreamType: models.StreamWorkOrder, Required: []string{"work_type"}},
	{EventType: "work_order_assigned", StreamType: models.StreamWorkOrder, Required: []string{"callsign"}},
	{EventType: "work_order_accepted", StreamType: models.StreamWorkOrder},
	{EventType: "work_order_started", StreamType: models.StreamWorkOrder},
	{EventType: "work_order_progress", StreamType: models.StreamWorkOrder},
	{EventType: "work_order_completed", StreamType: models.StreamWorkOrder},
	{EventType: "work_order_failed", StreamType: models.StreamWorkOrder, Required: []string{"error"}},
	{EventType: "work_order_cancelled", StreamType: models.StreamWorkOrder},
	{EventType: "work_order_requeued", StreamType: models.StreamWorkOrder},

	{EventType: "pilot_registered", StreamType: models.StreamPilot, Required: []string{"callsign"}},
	{EventType: "pilot_heartbeat", StreamType: models.StreamPilot},
	{EventType: "pilot_status_changed", StreamType: models.StreamPilot},
	{EventType: "pilot_deregistered", StreamType: models.StreamPilot, Required: []string{"reason"}},

	{EventType: "file_reserved", StreamType: models.StreamFile, Required: []string{"file_path"}},
	{EventType: "file_released", StreamType: models.StreamFile, Required: []string{"file_path", "reason"}},
	{EventType: "file_conflict", StreamType: models.StreamFile, Required: []string{"file_path"}},

	{EventType: "lock_acquired", StreamType: models.StreamLock, Required: []string{"lock_key"}},
	{EventType: "lock_released", StreamType: models.StreamLock, Required: []string{"lock_key", "reason"}},

	{EventType: "checkpoint_created", StreamType: models.StreamCheckpoint},
	{EventType: "checkpoint_resumed", StreamType: models.StreamCheckpoint},
	{EventType: "fleet_recovered", StreamType: models.StreamCheckpoint},
	{EventType: "context_injected", StreamType: models.StreamCheckpoint, Required: []string{"prompt"}},

	{EventType: "mailbox_message", StreamType: models.StreamMailbox},

	{EventType: "pattern_learned", StreamType: models.StreamSystem},
	{EventType: "pattern_applied", StreamType: models.StreamSystem},
	{EventType: "coordinator_started", StreamType: models.StreamSystem},
	{EventType: "coordinator_stopping", StreamType: models.StreamSystem},
}
