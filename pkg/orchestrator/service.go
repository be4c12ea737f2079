// Package orchestrator owns missions and sorties: decomposition into work
// orders, the two state machines, and upward state propagation as work
// orders finish.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/flightline/fleet/pkg/errs"
	"github.com/flightline/fleet/pkg/events"
	"github.com/flightline/fleet/pkg/ids"
	"github.com/flightline/fleet/pkg/models"
	"github.com/flightline/fleet/pkg/scheduler"
	"github.com/flightline/fleet/pkg/store"
)

// Service is the mission/sortie orchestrator.
type Service struct {
	store     *store.Store
	events    *events.Service
	scheduler *scheduler.Service
	matcher   PatternMatcher
	logger    *slog.Logger
}

// NewService creates the orchestrator. matcher may be nil to disable
// pattern-based decomposition.
func NewService(st *store.Store, ev *events.Service, sched *scheduler.Service,
	matcher PatternMatcher, logger *slog.Logger) *Service {
	return &Service{
		store:     st,
		events:    ev,
		scheduler: sched,
		matcher:   matcher,
		logger:    logger.With("component", "orchestrator"),
	}
}

// CreateMissionRequest describes a new mission. Areas drive the generic
// decomposition when no learned pattern matches.
type CreateMissionRequest struct {
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	MissionType string          `json:"mission_type,omitempty"`
	Priority    models.Priority `json:"priority,omitempty"`
	Areas       []Area          `json:"areas,omitempty"`
}

// CreateMission stores a pending mission. Decomposition happens at Launch;
// the declared areas travel in the creation event.
func (s *Service) CreateMission(ctx context.Context, req CreateMissionRequest) (*models.Mission, error) {
	if req.Title == "" {
		return nil, errs.InvalidField("title", "must not be empty")
	}
	priority := req.Priority
	if priority == "" {
		priority = models.PriorityMedium
	}
	if !priority.Valid() {
		return nil, errs.InvalidField("priority", "unknown priority %q", req.Priority)
	}
	missionType := req.MissionType
	if missionType == "" {
		missionType = "general"
	}

	mission := &models.Mission{
		ID:          ids.NewMission(),
		Title:       req.Title,
		Description: req.Description,
		Status:      models.MissionPending,
		Priority:    priority,
		CreatedAt:   models.Now(),
	}
	if err := s.store.InsertMission(ctx, mission); err != nil {
		return nil, err
	}

	s.emitMission(ctx, mission.ID, "mission_created", map[string]any{
		"title":        mission.Title,
		"mission_type": missionType,
		"priority":     string(priority),
		"areas":        req.Areas,
	})
	s.logger.Info("Mission created", "mission_id", mission.ID, "title", mission.Title)
	return mission, nil
}

// Launch decomposes a pending mission into sorties and work orders and moves
// it to in_progress. Decomposition prefers a learned pattern and falls back
// to the declared areas.
func (s *Service) Launch(ctx context.Context, missionID string) (*models.Mission, error) {
	mission, err := s.store.GetMission(ctx, missionID)
	if err != nil {
		return nil, err
	}
	if mission.Status != models.MissionPending {
		return nil, fmt.Errorf("mission %s is %s: %w", missionID, mission.Status, errs.ErrStateConflict)
	}

	missionType, areas, err := s.creationDetails(ctx, missionID)
	if err != nil {
		return nil, err
	}

	var plans []sortiePlan
	if s.matcher != nil {
		keywords := scheduler.ExtractKeywords(mission.Title, mission.Description)
		pattern, err := s.matcher.Match(ctx, missionType, keywords)
		if err != nil {
			s.logger.Warn("Pattern matching failed", "mission_id", missionID, "error", err)
		} else if pattern != nil {
			plans = planFromPattern(pattern, mission.Description)
			s.emitSystem(ctx, "pattern_applied", map[string]any{
				"pattern_id": pattern.PatternID,
				"mission_id": missionID,
				"version":    pattern.Version,
			})
			s.logger.Info("Pattern applied",
				"mission_id", missionID, "pattern_id", pattern.PatternID, "version", pattern.Version)
		}
	}
	if plans == nil {
		plans = planFromAreas(mission.Title, mission.Description, areas)
	}

	if err := s.materialize(ctx, mission, plans); err != nil {
		return nil, err
	}

	now := models.Now()
	nowStr := now.Format(time.RFC3339Nano)
	err = s.store.UpdateMissionStatus(ctx, missionID,
		models.MissionPending, models.MissionInProgress, &nowStr, nil)
	if err != nil {
		return nil, err
	}
	s.emitMission(ctx, missionID, "mission_started", map[string]any{"sorties": len(plans)})
	s.logger.Info("Mission launched", "mission_id", missionID, "sorties", len(plans))
	return s.store.GetMission(ctx, missionID)
}

// materialize persists the planned sorties and submits their work orders,
// chaining dependencies across sorties where the plan requires it.
func (s *Service) materialize(ctx context.Context, mission *models.Mission, plans []sortiePlan) error {
	now := models.Now()
	// Last work order id per sortie index, for cross-sortie dependencies.
	tail := make([]string, len(plans))

	for i, plan := range plans {
		sortie := &models.Sortie{
			ID:        ids.NewSortie(),
			MissionID: mission.ID,
			Status:    models.SortieOpen,
			Files:     plan.files,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.store.InsertSortie(ctx, sortie); err != nil {
			return err
		}
		s.emitSortie(ctx, sortie.ID, "sortie_opened", map[string]any{
			"mission_id": mission.ID,
			"files":      sortie.Files,
		})

		var deps []scheduler.DependencySpec
		if plan.dependsOn >= 0 && tail[plan.dependsOn] != "" {
			deps = []scheduler.DependencySpec{{
				DependsOn: tail[plan.dependsOn],
				Type:      models.DependencySuccess,
			}}
		}
		for _, order := range plan.orders {
			wo, err := s.scheduler.Submit(ctx, scheduler.SubmitRequest{
				SortieID:      sortie.ID,
				WorkType:      order.workType,
				Description:   order.description,
				Priority:      mission.Priority,
				CorrelationID: mission.ID,
				Dependencies:  deps,
			})
			if err != nil {
				return fmt.Errorf("submitting work order for sortie %s: %w", sortie.ID, err)
			}
			tail[i] = wo.ID
			// Orders within a sortie run sequentially.
			deps = []scheduler.DependencySpec{{
				DependsOn: wo.ID,
				Type:      models.DependencySuccess,
			}}
		}
	}
	return nil
}

// creationDetails recovers the mission type and declared areas from the
// mission_created event.
func (s *Service) creationDetails(ctx context.Context, missionID string) (string, []Area, error) {
	recorded, err := s.events.QueryByStream(ctx, models.StreamMission, missionID, 0, 1)
	if err != nil {
		return "", nil, err
	}
	if len(recorded) == 0 || recorded[0].EventType != "mission_created" {
		return "general", nil, nil
	}
	var payload struct {
		MissionType string `json:"mission_type"`
		Areas       []Area `json:"areas"`
	}
	if err := json.Unmarshal(recorded[0].Data, &payload); err != nil {
		return "", nil, fmt.Errorf("decoding mission creation payload: %w", err)
	}
	if payload.MissionType == "" {
		payload.MissionType = "general"
	}
	return payload.MissionType, payload.Areas, nil
}

// Overview is a mission with its full decomposition.
type Overview struct {
	Mission    models.Mission                `json:"mission"`
	Sorties    []models.Sortie               `json:"sorties"`
	WorkOrders map[string][]models.WorkOrder `json:"work_orders"` // keyed by sortie id
}

// GetOverview returns the mission with its sorties and their work orders.
func (s *Service) GetOverview(ctx context.Context, missionID string) (*Overview, error) {
	mission, err := s.store.GetMission(ctx, missionID)
	if err != nil {
		return nil, err
	}
	sorties, err := s.store.ListSortiesByMission(ctx, missionID)
	if err != nil {
		return nil, err
	}
	overview := &Overview{
		Mission:    *mission,
		Sorties:    sorties,
		WorkOrders: make(map[string][]models.WorkOrder, len(sorties)),
	}
	for i := range sorties {
		orders, err := s.store.ListWorkOrdersBySortie(ctx, sorties[i].ID)
		if err != nil {
			return nil, err
		}
		overview.WorkOrders[sorties[i].ID] = orders
	}
	return overview, nil
}

// GetMission returns one mission.
func (s *Service) GetMission(ctx context.Context, missionID string) (*models.Mission, error) {
	return s.store.GetMission(ctx, missionID)
}

// ListMissions returns missions, optionally filtered by status.
func (s *Service) ListMissions(ctx context.Context, status models.MissionStatus, limit int) ([]models.Mission, error) {
	if status != "" && !status.Valid() {
		return nil, errs.InvalidField("status", "unknown mission status %q", status)
	}
	return s.store.ListMissions(ctx, status, limit)
}

// CancelMission aborts a mission, cancelling every non-terminal work order
// and closing its sorties.
func (s *Service) CancelMission(ctx context.Context, missionID, reason string) error {
	mission, err := s.store.GetMission(ctx, missionID)
	if err != nil {
		return err
	}
	if !mission.Status.CanTransition(models.MissionCancelled) {
		return fmt.Errorf("mission %s is %s: %w", missionID, mission.Status, errs.ErrStateConflict)
	}

	if err := s.cancelRemainingOrders(ctx, missionID, "mission cancelled"); err != nil {
		return err
	}
	if err := s.closeSorties(ctx, missionID); err != nil {
		return err
	}

	nowStr := models.Now().Format(time.RFC3339Nano)
	err = s.store.UpdateMissionStatus(ctx, missionID,
		mission.Status, models.MissionCancelled, nil, &nowStr)
	if err != nil {
		return err
	}
	s.emitMission(ctx, missionID, "mission_cancelled", map[string]any{"reason": reason})
	s.logger.Info("Mission cancelled", "mission_id", missionID, "reason", reason)
	return nil
}

// ArchiveMission moves a terminal mission to archived.
func (s *Service) ArchiveMission(ctx context.Context, missionID string) error {
	mission, err := s.store.GetMission(ctx, missionID)
	if err != nil {
		return err
	}
	if !mission.Status.CanTransition(models.MissionArchived) {
		return fmt.Errorf("mission %s is %s: %w", missionID, mission.Status, errs.ErrStateConflict)
	}
	err = s.store.UpdateMissionStatus(ctx, missionID, mission.Status, models.MissionArchived, nil, nil)
	if err != nil {
		return err
	}
	s.emitMission(ctx, missionID, "mission_archived", nil)
	return nil
}

// StartSortie moves an open sortie to in_progress, optionally assigning it.
func (s *Service) StartSortie(ctx context.Context, sortieID, callsign string) error {
	nowStr := models.Now().Format(time.RFC3339Nano)
	err := s.store.UpdateSortieStatus(ctx, sortieID,
		models.SortieOpen, models.SortieInProgress, "", nil, nowStr)
	if err != nil {
		return err
	}
	if callsign != "" {
		if err := s.store.AssignSortie(ctx, sortieID, callsign, nowStr); err != nil {
			return err
		}
	}
	s.emitSortie(ctx, sortieID, "sortie_updated", map[string]any{
		"status":   string(models.SortieInProgress),
		"callsign": callsign,
	})
	return nil
}

// BlockSortie marks an in_progress sortie blocked with a reason.
func (s *Service) BlockSortie(ctx context.Context, sortieID, reason string) error {
	if reason == "" {
		return errs.InvalidField("reason", "must not be empty")
	}
	nowStr := models.Now().Format(time.RFC3339Nano)
	err := s.store.UpdateSortieStatus(ctx, sortieID,
		models.SortieInProgress, models.SortieBlocked, reason, nil, nowStr)
	if err != nil {
		return err
	}
	s.emitSortie(ctx, sortieID, "sortie_blocked", map[string]any{"reason": reason})
	return nil
}

// UnblockSortie returns a blocked sortie to in_progress.
func (s *Service) UnblockSortie(ctx context.Context, sortieID string) error {
	nowStr := models.Now().Format(time.RFC3339Nano)
	err := s.store.UpdateSortieStatus(ctx, sortieID,
		models.SortieBlocked, models.SortieInProgress, "", nil, nowStr)
	if err != nil {
		return err
	}
	s.emitSortie(ctx, sortieID, "sortie_updated", map[string]any{
		"status": string(models.SortieInProgress),
	})
	return nil
}

// CloseSortie closes a sortie once every child work order is terminal.
func (s *Service) CloseSortie(ctx context.Context, sortieID string) error {
	sortie, err := s.store.GetSortie(ctx, sortieID)
	if err != nil {
		return err
	}
	if sortie.Status == models.SortieClosed {
		return nil
	}
	orders, err := s.store.ListWorkOrdersBySortie(ctx, sortieID)
	if err != nil {
		return err
	}
	for i := range orders {
		if !orders[i].Status.Terminal() {
			return fmt.Errorf("sortie %s has non-terminal work order %s: %w",
				sortieID, orders[i].ID, errs.ErrStateConflict)
		}
	}

	now := models.Now()
	nowStr := now.Format(time.RFC3339Nano)
	err = s.store.UpdateSortieStatus(ctx, sortieID,
		sortie.Status, models.SortieClosed, "", &nowStr, nowStr)
	if err != nil {
		return err
	}
	s.emitSortie(ctx, sortieID, "sortie_closed", map[string]any{"mission_id": sortie.MissionID})
	return nil
}

// Reconcile propagates child state upward: closes sorties whose work orders
// are all terminal, blocks sorties with terminal failures, and finishes the
// mission once every sortie is closed. A terminal work order failure fails
// the mission and cancels its remaining orders.
func (s *Service) Reconcile(ctx context.Context, missionID string) error {
	mission, err := s.store.GetMission(ctx, missionID)
	if err != nil {
		return err
	}
	if mission.Status != models.MissionInProgress {
		return nil
	}

	anyFailed, err := s.hasTerminalFailure(ctx, missionID)
	if err != nil {
		return err
	}
	if anyFailed {
		if err := s.cancelRemainingOrders(ctx, missionID, "sibling work order failed"); err != nil {
			return err
		}
	}

	sorties, err := s.store.ListSortiesByMission(ctx, missionID)
	if err != nil {
		return err
	}
	allClosed := true
	for i := range sorties {
		closed, err := s.reconcileSortie(ctx, &sorties[i])
		if err != nil {
			return err
		}
		if !closed {
			allClosed = false
		}
	}
	if !allClosed {
		return nil
	}

	nowStr := models.Now().Format(time.RFC3339Nano)
	if anyFailed {
		err := s.store.UpdateMissionStatus(ctx, missionID,
			models.MissionInProgress, models.MissionFailed, nil, &nowStr)
		if err != nil {
			return err
		}
		s.emitMission(ctx, missionID, "mission_failed", nil)
		s.logger.Info("Mission failed", "mission_id", missionID)
		return nil
	}

	err = s.store.UpdateMissionStatus(ctx, missionID,
		models.MissionInProgress, models.MissionCompleted, nil, &nowStr)
	if err != nil {
		return err
	}
	s.emitMission(ctx, missionID, "mission_completed", nil)
	s.logger.Info("Mission completed", "mission_id", missionID)
	return nil
}

// reconcileSortie advances one sortie from its children's states and reports
// whether it is closed.
func (s *Service) reconcileSortie(ctx context.Context, sortie *models.Sortie) (bool, error) {
	if sortie.Status == models.SortieClosed {
		return true, nil
	}
	orders, err := s.store.ListWorkOrdersBySortie(ctx, sortie.ID)
	if err != nil {
		return false, err
	}
	if len(orders) == 0 {
		return false, nil
	}

	allTerminal := true
	anyFailed := false
	anyActive := false
	for i := range orders {
		switch orders[i].Status {
		case models.WorkOrderFailed:
			anyFailed = true
		case models.WorkOrderAssigned, models.WorkOrderAccepted, models.WorkOrderInProgress:
			anyActive = true
		}
		if !orders[i].Status.Terminal() {
			allTerminal = false
		}
	}

	nowStr := models.Now().Format(time.RFC3339Nano)
	if allTerminal {
		err := s.store.UpdateSortieStatus(ctx, sortie.ID,
			sortie.Status, models.SortieClosed, "", &nowStr, nowStr)
		if err != nil {
			return false, err
		}
		s.emitSortie(ctx, sortie.ID, "sortie_closed", map[string]any{"mission_id": sortie.MissionID})
		return true, nil
	}

	switch {
	case anyFailed && sortie.Status == models.SortieInProgress:
		err := s.store.UpdateSortieStatus(ctx, sortie.ID,
			models.SortieInProgress, models.SortieBlocked, "child work order failed", nil, nowStr)
		if err != nil && !errors.Is(err, errs.ErrStateConflict) {
			return false, err
		}
		if err == nil {
			s.emitSortie(ctx, sortie.ID, "sortie_blocked", map[string]any{
				"reason": "child work order failed",
			})
		}
	case !anyFailed && sortie.Status == models.SortieBlocked:
		if err := s.UnblockSortie(ctx, sortie.ID); err != nil && !errors.Is(err, errs.ErrStateConflict) {
			return false, err
		}
	case anyActive && sortie.Status == models.SortieOpen:
		err := s.store.UpdateSortieStatus(ctx, sortie.ID,
			models.SortieOpen, models.SortieInProgress, "", nil, nowStr)
		if err != nil && !errors.Is(err, errs.ErrStateConflict) {
			return false, err
		}
		if err == nil {
			s.emitSortie(ctx, sortie.ID, "sortie_updated", map[string]any{
				"status": string(models.SortieInProgress),
			})
		}
	}
	return false, nil
}

// hasTerminalFailure reports whether any work order under the mission failed
// past the retry limit.
func (s *Service) hasTerminalFailure(ctx context.Context, missionID string) (bool, error) {
	sorties, err := s.store.ListSortiesByMission(ctx, missionID)
	if err != nil {
		return false, err
	}
	for i := range sorties {
		orders, err := s.store.ListWorkOrdersBySortie(ctx, sorties[i].ID)
		if err != nil {
			return false, err
		}
		for j := range orders {
			if orders[j].Status == models.WorkOrderFailed {
				return true, nil
			}
		}
	}
	return false, nil
}

// cancelRemainingOrders cancels every non-terminal work order under a mission.
func (s *Service) cancelRemainingOrders(ctx context.Context, missionID, reason string) error {
	sorties, err := s.store.ListSortiesByMission(ctx, missionID)
	if err != nil {
		return err
	}
	for i := range sorties {
		orders, err := s.store.ListWorkOrdersBySortie(ctx, sorties[i].ID)
		if err != nil {
			return err
		}
		for j := range orders {
			if orders[j].Status.Terminal() {
				continue
			}
			if err := s.scheduler.Cancel(ctx, orders[j].ID, reason); err != nil &&
				!errors.Is(err, errs.ErrStateConflict) {
				return err
			}
		}
	}
	return nil
}

// closeSorties force-closes every open sortie of a mission.
func (s *Service) closeSorties(ctx context.Context, missionID string) error {
	sorties, err := s.store.ListSortiesByMission(ctx, missionID)
	if err != nil {
		return err
	}
	nowStr := models.Now().Format(time.RFC3339Nano)
	for i := range sorties {
		if sorties[i].Status == models.SortieClosed {
			continue
		}
		err := s.store.UpdateSortieStatus(ctx, sorties[i].ID,
			sorties[i].Status, models.SortieClosed, "", &nowStr, nowStr)
		if err != nil {
			return err
		}
		s.emitSortie(ctx, sorties[i].ID, "sortie_closed", map[string]any{"mission_id": missionID})
	}
	return nil
}

func (s *Service) emitMission(ctx context.Context, missionID, eventType string, data map[string]any) {
	s.emit(ctx, models.StreamMission, missionID, eventType, data, missionID)
}

func (s *Service) emitSortie(ctx context.Context, sortieID, eventType string, data map[string]any) {
	s.emit(ctx, models.StreamSortie, sortieID, eventType, data, "")
}

func (s *Service) emitSystem(ctx context.Context, eventType string, data map[string]any) {
	s.emit(ctx, models.StreamSystem, "fleet", eventType, data, "")
}

func (s *Service) emit(ctx context.Context, streamType models.StreamType, streamID, eventType string, data map[string]any, correlationID string) {
	if data == nil {
		data = map[string]any{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		s.logger.Warn("Encoding event data failed", "event_type", eventType, "error", err)
		return
	}
	if _, err := s.events.Append(ctx, events.AppendRequest{
		StreamType:    streamType,
		StreamID:      streamID,
		EventType:     eventType,
		Data:          raw,
		CorrelationID: correlationID,
	}); err != nil {
		s.logger.Warn("Emitting event failed", "event_type", eventType, "error", err)
	}
}
