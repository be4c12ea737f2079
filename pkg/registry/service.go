// Package registry tracks the fleet's pilots: registration, heartbeats,
// workload, health aggregation, and eviction of pilots that stopped
// reporting.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/flightline/fleet/pkg/config"
	"github.com/flightline/fleet/pkg/errs"
	"github.com/flightline/fleet/pkg/events"
	"github.com/flightline/fleet/pkg/ids"
	"github.com/flightline/fleet/pkg/models"
	"github.com/flightline/fleet/pkg/store"
)

// defaultMaxWorkload is used when a registration does not declare one.
const defaultMaxWorkload = 3

// Holdings releases everything a pilot still holds. Implemented by the
// reservation manager.
type Holdings interface {
	ReleaseHolder(ctx context.Context, callsign string) error
}

// Service is the pilot registry.
type Service struct {
	store            *store.Store
	events           *events.Service
	caps             *config.CapabilityRegistry
	holdings         Holdings
	heartbeatTimeout time.Duration
	logger           *slog.Logger
}

// NewService creates the registry. holdings may be nil when no reservation
// manager is wired in, in which case deregistration skips holding release.
func NewService(st *store.Store, ev *events.Service, caps *config.CapabilityRegistry,
	holdings Holdings, heartbeatTimeout time.Duration, logger *slog.Logger) *Service {
	if caps == nil {
		caps = &config.CapabilityRegistry{AgentTypes: map[string]config.AgentTypeDef{}}
	}
	return &Service{
		store:            st,
		events:           ev,
		caps:             caps,
		holdings:         holdings,
		heartbeatTimeout: heartbeatTimeout,
		logger:           logger.With("component", "registry"),
	}
}

// RegisterRequest carries a pilot's self-declaration.
type RegisterRequest struct {
	Callsign     string              `json:"callsign"`
	AgentType    string              `json:"agent_type"`
	Capabilities []models.Capability `json:"capabilities,omitempty"`
	MaxWorkload  int                 `json:"max_workload,omitempty"`
}

// Register adds a pilot under a globally unique callsign. A live existing
// callsign is a conflict; a stale one (no heartbeat within the timeout) is
// evicted first and the registration proceeds.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*models.Pilot, error) {
	if req.Callsign == "" {
		return nil, errs.InvalidField("callsign", "must not be empty")
	}
	if strings.ContainsAny(req.Callsign, " /") {
		return nil, errs.InvalidField("callsign", "%q contains reserved characters", req.Callsign)
	}
	if req.AgentType == "" {
		return nil, errs.InvalidField("agent_type", "must not be empty")
	}
	if req.MaxWorkload < 0 {
		return nil, errs.InvalidField("max_workload", "must not be negative")
	}

	existing, err := s.store.GetPilot(ctx, req.Callsign)
	switch {
	case err == nil:
		if !s.isStale(existing) {
			return nil, errs.Conflictf("callsign %s already registered", req.Callsign)
		}
		if err := s.evict(ctx, existing, "timeout"); err != nil {
			return nil, fmt.Errorf("evicting stale pilot %s: %w", req.Callsign, err)
		}
	case !errors.Is(err, errs.ErrNotFound):
		return nil, err
	}

	capabilities := req.Capabilities
	if len(capabilities) == 0 {
		for _, def := range s.caps.Defaults(req.AgentType) {
			capabilities = append(capabilities, models.Capability{
				Name:         def.Name,
				TriggerWords: def.TriggerWords,
			})
		}
	}
	maxWorkload := req.MaxWorkload
	if maxWorkload == 0 {
		maxWorkload = defaultMaxWorkload
	}

	now := models.Now()
	pilot := &models.Pilot{
		PilotID:       ids.New(ids.PrefixPilot),
		Callsign:      req.Callsign,
		AgentType:     req.AgentType,
		Status:        models.PilotIdle,
		Capabilities:  capabilities,
		MaxWorkload:   maxWorkload,
		LastHeartbeat: now,
		CreatedAt:     now,
	}
	if err := s.store.InsertPilot(ctx, pilot); err != nil {
		return nil, err
	}

	health := &models.PilotHealth{
		Callsign:         pilot.Callsign,
		HeartbeatOK:      true,
		MemoryOK:         true,
		CPUOK:            true,
		CommunicationOK:  true,
		TaskProcessingOK: true,
		UpdatedAt:        now,
	}
	health.Aggregate()
	if err := s.store.UpsertPilotHealth(ctx, health); err != nil {
		return nil, err
	}

	s.emitPilotEvent(ctx, "pilot_registered", pilot.Callsign, map[string]any{
		"callsign":   pilot.Callsign,
		"agent_type": pilot.AgentType,
	})
	s.logger.Info("Pilot registered", "callsign", pilot.Callsign, "agent_type", pilot.AgentType)
	return pilot, nil
}

// Heartbeat records a liveness signal, optionally updating the reported
// status, and returns the refreshed record.
func (s *Service) Heartbeat(ctx context.Context, callsign string, status models.PilotStatus) (*models.Pilot, error) {
	if status != "" && !status.Valid() {
		return nil, errs.InvalidField("status", "unknown pilot status %q", status)
	}

	now := models.Now()
	if err := s.store.TouchPilot(ctx, callsign, status, now.Format(time.RFC3339Nano)); err != nil {
		return nil, err
	}

	// A heartbeat clears a previously failed heartbeat dimension.
	if health, err := s.store.GetPilotHealth(ctx, callsign); err == nil && !health.HeartbeatOK {
		health.HeartbeatOK = true
		health.UpdatedAt = now
		health.Aggregate()
		if err := s.store.UpsertPilotHealth(ctx, health); err != nil {
			s.logger.Warn("Updating pilot health failed", "callsign", callsign, "error", err)
		}
	}

	s.emitPilotEvent(ctx, "pilot_heartbeat", callsign, map[string]any{"callsign": callsign})
	return s.store.GetPilot(ctx, callsign)
}

// UpdateStatus sets a pilot's activity state.
func (s *Service) UpdateStatus(ctx context.Context, callsign string, status models.PilotStatus) (*models.Pilot, error) {
	if !status.Valid() {
		return nil, errs.InvalidField("status", "unknown pilot status %q", status)
	}
	if err := s.store.UpdatePilotStatus(ctx, callsign, status); err != nil {
		return nil, err
	}
	s.emitPilotEvent(ctx, "pilot_status_changed", callsign, map[string]any{
		"callsign": callsign,
		"status":   string(status),
	})
	return s.store.GetPilot(ctx, callsign)
}

// AdjustWorkload adds delta to a pilot's current workload, clamped at zero.
func (s *Service) AdjustWorkload(ctx context.Context, callsign string, delta int) (*models.Pilot, error) {
	if err := s.store.AdjustPilotWorkload(ctx, callsign, delta); err != nil {
		return nil, err
	}
	return s.store.GetPilot(ctx, callsign)
}

// Deregister removes a pilot, requeues its active work orders, releases its
// holdings, and drops its cursors. An empty reason defaults to "shutdown".
func (s *Service) Deregister(ctx context.Context, callsign, reason string) error {
	pilot, err := s.store.GetPilot(ctx, callsign)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "shutdown"
	}
	if err := s.evict(ctx, pilot, reason); err != nil {
		return err
	}
	if err := s.store.DeleteCursorsByConsumer(ctx, callsign); err != nil {
		return err
	}
	s.logger.Info("Pilot deregistered", "callsign", callsign, "reason", reason)
	return nil
}

// Get returns one pilot with its effective status, reporting offline when
// the last heartbeat is older than the timeout without mutating the record.
func (s *Service) Get(ctx context.Context, callsign string) (*models.Pilot, error) {
	pilot, err := s.store.GetPilot(ctx, callsign)
	if err != nil {
		return nil, err
	}
	if s.isStale(pilot) {
		pilot.Status = models.PilotOffline
	}
	return pilot, nil
}

// List returns every registered pilot with effective statuses.
func (s *Service) List(ctx context.Context) ([]models.Pilot, error) {
	pilots, err := s.store.ListPilots(ctx)
	if err != nil {
		return nil, err
	}
	for i := range pilots {
		if s.isStale(&pilots[i]) {
			pilots[i].Status = models.PilotOffline
		}
	}
	return pilots, nil
}

// FindByCapability returns pilots advertising a capability whose trigger
// words overlap the given keywords. Matching is case-insensitive.
func (s *Service) FindByCapability(ctx context.Context, keywords []string) ([]models.Pilot, error) {
	pilots, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(keywords))
	for _, k := range keywords {
		want[strings.ToLower(k)] = true
	}

	var out []models.Pilot
	for i := range pilots {
		if CapabilityMatch(&pilots[i], want) > 0 {
			out = append(out, pilots[i])
		}
	}
	return out, nil
}

// CapabilityMatch counts how many of the wanted keywords appear among the
// pilot's capability trigger words. Keys in want must be lowercase.
func CapabilityMatch(p *models.Pilot, want map[string]bool) int {
	matched := make(map[string]bool)
	for _, c := range p.Capabilities {
		for _, w := range c.TriggerWords {
			if w = strings.ToLower(w); want[w] {
				matched[w] = true
			}
		}
	}
	return len(matched)
}

// ReportHealth stores a pilot's per-dimension health report and returns the
// aggregated state.
func (s *Service) ReportHealth(ctx context.Context, h *models.PilotHealth) (models.HealthState, error) {
	if _, err := s.store.GetPilot(ctx, h.Callsign); err != nil {
		return "", err
	}
	h.UpdatedAt = models.Now()
	state := h.Aggregate()
	if err := s.store.UpsertPilotHealth(ctx, h); err != nil {
		return "", err
	}
	return state, nil
}

// Health returns a pilot's health record with the heartbeat dimension
// recomputed from the pilot's last heartbeat.
func (s *Service) Health(ctx context.Context, callsign string) (*models.PilotHealth, error) {
	pilot, err := s.store.GetPilot(ctx, callsign)
	if err != nil {
		return nil, err
	}
	health, err := s.store.GetPilotHealth(ctx, callsign)
	if err != nil {
		return nil, err
	}
	health.HeartbeatOK = !s.isStale(pilot)
	health.Aggregate()
	return health, nil
}

// EvictStale marks every stale pilot offline, requeues its work orders, and
// releases its holdings. Returns the number of pilots evicted.
func (s *Service) EvictStale(ctx context.Context) (int, error) {
	cutoff := models.Now().Add(-s.heartbeatTimeout)
	stale, err := s.store.ListStalePilots(ctx, cutoff.Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}

	evicted := 0
	for i := range stale {
		if stale[i].Status == models.PilotOffline {
			continue
		}
		if err := s.requeueWork(ctx, stale[i].Callsign); err != nil {
			s.logger.Warn("Requeueing work for stale pilot failed",
				"callsign", stale[i].Callsign, "error", err)
			continue
		}
		if s.holdings != nil {
			if err := s.holdings.ReleaseHolder(ctx, stale[i].Callsign); err != nil {
				s.logger.Warn("Releasing holdings for stale pilot failed",
					"callsign", stale[i].Callsign, "error", err)
			}
		}
		if err := s.store.UpdatePilotStatus(ctx, stale[i].Callsign, models.PilotOffline); err != nil {
			s.logger.Warn("Marking stale pilot offline failed",
				"callsign", stale[i].Callsign, "error", err)
			continue
		}
		s.emitPilotEvent(ctx, "pilot_status_changed", stale[i].Callsign, map[string]any{
			"callsign": stale[i].Callsign,
			"status":   string(models.PilotOffline),
			"reason":   "timeout",
		})
		evicted++
	}
	if evicted > 0 {
		s.logger.Info("Marked stale pilots offline", "count", evicted)
	}
	return evicted, nil
}

// isStale reports whether the pilot's last heartbeat is older than the
// configured timeout.
func (s *Service) isStale(p *models.Pilot) bool {
	return models.Now().Sub(p.LastHeartbeat) > s.heartbeatTimeout
}

// evict removes a pilot record after requeueing its work and releasing its
// holdings, emitting pilot_deregistered with the reason.
func (s *Service) evict(ctx context.Context, pilot *models.Pilot, reason string) error {
	if err := s.requeueWork(ctx, pilot.Callsign); err != nil {
		return err
	}
	if s.holdings != nil {
		if err := s.holdings.ReleaseHolder(ctx, pilot.Callsign); err != nil {
			return err
		}
	}
	if err := s.store.DeletePilot(ctx, pilot.Callsign); err != nil {
		return err
	}
	s.emitPilotEvent(ctx, "pilot_deregistered", pilot.Callsign, map[string]any{
		"callsign": pilot.Callsign,
		"reason":   reason,
	})
	return nil
}

// requeueWork reverts a pilot's non-terminal work orders to pending so the
// scheduler can reassign them.
func (s *Service) requeueWork(ctx context.Context, callsign string) error {
	orders, err := s.store.ListWorkOrdersByPilot(ctx, callsign)
	if err != nil {
		return err
	}
	now := models.Now().Format(time.RFC3339Nano)
	for i := range orders {
		if a, err := s.store.GetActiveAssignment(ctx, orders[i].ID); err == nil {
			if err := s.store.DeactivateAssignment(ctx, a.AssignmentID, "pilot unavailable"); err != nil {
				return err
			}
		} else if !errors.Is(err, errs.ErrNotFound) {
			return err
		}
		err := s.store.UpdateWorkOrderStatus(ctx, orders[i].ID, orders[i].Status,
			models.WorkOrderPending, "", "pilot "+callsign+" unavailable", nil, now)
		if err != nil {
			return err
		}
		s.emitWorkOrderEvent(ctx, "work_order_requeued", orders[i].ID, map[string]any{
			"work_order_id": orders[i].ID,
			"callsign":      callsign,
		})
	}
	return nil
}

func (s *Service) emitPilotEvent(ctx context.Context, eventType, callsign string, data map[string]any) {
	s.emit(ctx, models.StreamPilot, callsign, eventType, data)
}

func (s *Service) emitWorkOrderEvent(ctx context.Context, eventType, workOrderID string, data map[string]any) {
	s.emit(ctx, models.StreamWorkOrder, workOrderID, eventType, data)
}

func (s *Service) emit(ctx context.Context, streamType models.StreamType, streamID, eventType string, data map[string]any) {
	raw, err := json.Marshal(data)
	if err != nil {
		s.logger.Warn("Encoding event data failed", "event_type", eventType, "error", err)
		return
	}
	if _, err := s.events.Append(ctx, events.AppendRequest{
		StreamType: streamType,
		StreamID:   streamID,
		EventType:  eventType,
		Data:       raw,
	}); err != nil {
		s.logger.Warn("Emitting event failed", "event_type", eventType, "error", err)
	}
}
