// Package scheduler maps pending work orders to eligible pilots. Selection
// weighs capability match, free capacity, and priority; failures are retried
// with exponential backoff and dependency edges gate eligibility.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/flightline/fleet/pkg/errs"
	"github.com/flightline/fleet/pkg/events"
	"github.com/flightline/fleet/pkg/ids"
	"github.com/flightline/fleet/pkg/mailbox"
	"github.com/flightline/fleet/pkg/models"
	"github.com/flightline/fleet/pkg/registry"
	"github.com/flightline/fleet/pkg/store"
)

const (
	// backoffBase and backoffCap bound the retry backoff schedule.
	backoffBase = 5 * time.Second
	backoffCap  = 5 * time.Minute

	// defaultAckTimeout is how long an assigned pilot has to accept.
	defaultAckTimeout = 30 * time.Second

	// ackPenalty reduces a pilot's score for a work order it failed to ack.
	ackPenalty = 0.25

	// dispatchBatch caps how many pending work orders one pass considers.
	dispatchBatch = 50
)

// Service is the work order scheduler.
type Service struct {
	store      *store.Store
	events     *events.Service
	registry   *registry.Service
	mailbox    *mailbox.Service
	retryLimit int
	ackTimeout time.Duration
	logger     *slog.Logger

	mu          sync.Mutex
	nextAttempt map[string]time.Time
	penalties   map[string]map[string]float64
}

// NewService creates the scheduler. A zero ackTimeout uses the default.
func NewService(st *store.Store, ev *events.Service, reg *registry.Service,
	mb *mailbox.Service, retryLimit int, ackTimeout time.Duration, logger *slog.Logger) *Service {
	if ackTimeout <= 0 {
		ackTimeout = defaultAckTimeout
	}
	return &Service{
		store:       st,
		events:      ev,
		registry:    reg,
		mailbox:     mb,
		retryLimit:  retryLimit,
		ackTimeout:  ackTimeout,
		logger:      logger.With("component", "scheduler"),
		nextAttempt: make(map[string]time.Time),
		penalties:   make(map[string]map[string]float64),
	}
}

// DependencySpec declares one edge a new work order waits on.
type DependencySpec struct {
	DependsOn string                `json:"depends_on"`
	Type      models.DependencyType `json:"type,omitempty"`
}

// SubmitRequest describes a new work order.
type SubmitRequest struct {
	SortieID           string           `json:"sortie_id,omitempty"`
	WorkType           string           `json:"work_type"`
	Description        string           `json:"description,omitempty"`
	Priority           models.Priority  `json:"priority,omitempty"`
	PreferredAgentType string           `json:"preferred_agent_type,omitempty"`
	CorrelationID      string           `json:"correlation_id,omitempty"`
	Dependencies       []DependencySpec `json:"dependencies,omitempty"`
}

// Submit validates and stores a new pending work order. Dependency cycles are
// rejected before anything is persisted.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*models.WorkOrder, error) {
	if req.WorkType == "" {
		return nil, errs.InvalidField("work_type", "must not be empty")
	}
	priority := req.Priority
	if priority == "" {
		priority = models.PriorityMedium
	}
	if !priority.Valid() {
		return nil, errs.InvalidField("priority", "unknown priority %q", req.Priority)
	}

	id := ids.NewWorkOrder()
	edges := make([]models.TaskDependency, 0, len(req.Dependencies))
	for _, dep := range req.Dependencies {
		depType := dep.Type
		if depType == "" {
			depType = models.DependencyCompletion
		}
		if !depType.Valid() {
			return nil, errs.InvalidField("dependencies", "unknown dependency type %q", dep.Type)
		}
		if dep.DependsOn == "" {
			return nil, errs.InvalidField("dependencies", "depends_on must not be empty")
		}
		if _, err := s.store.GetWorkOrder(ctx, dep.DependsOn); err != nil {
			return nil, fmt.Errorf("dependency target: %w", err)
		}
		edges = append(edges, models.TaskDependency{
			TaskID:          id,
			DependsOnTaskID: dep.DependsOn,
			Type:            depType,
		})
	}

	if err := s.checkAcyclic(ctx, id, edges); err != nil {
		return nil, err
	}

	now := models.Now()
	wo := &models.WorkOrder{
		ID:                 id,
		SortieID:           req.SortieID,
		WorkType:           req.WorkType,
		Description:        req.Description,
		Status:             models.WorkOrderPending,
		Priority:           priority,
		PreferredAgentType: req.PreferredAgentType,
		CorrelationID:      req.CorrelationID,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	err := s.store.RunInTx(ctx, func(tx *store.Store) error {
		if err := tx.InsertWorkOrder(ctx, wo); err != nil {
			return err
		}
		for i := range edges {
			if err := tx.InsertDependency(ctx, &edges[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.emit(ctx, wo.ID, "work_order_created", map[string]any{
		"work_type": wo.WorkType,
		"priority":  string(wo.Priority),
	}, wo.CorrelationID)
	return wo, nil
}

// Dispatch runs one scheduling pass over pending work orders and returns how
// many were assigned.
func (s *Service) Dispatch(ctx context.Context) (int, error) {
	pending, err := s.store.ListWorkOrders(ctx, models.WorkOrderPending, dispatchBatch)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	pilots, err := s.registry.List(ctx)
	if err != nil {
		return 0, err
	}

	assigned := 0
	for i := range pending {
		wo := &pending[i]
		ok, err := s.eligible(ctx, wo)
		if err != nil {
			return assigned, err
		}
		if !ok {
			continue
		}

		ranked := rankPilots(pilots, wo, s.penaltiesFor(wo.ID))
		if len(ranked) == 0 {
			continue
		}
		if err := s.assign(ctx, wo, &ranked[0].pilot); err != nil {
			if errors.Is(err, errs.ErrStateConflict) {
				continue
			}
			return assigned, err
		}
		// Reflect the new workload locally so one pass spreads work.
		for j := range pilots {
			if pilots[j].Callsign == ranked[0].pilot.Callsign {
				pilots[j].CurrentWorkload++
			}
		}
		assigned++
	}
	return assigned, nil
}

// Accept records a pilot's acknowledgement of its assignment.
func (s *Service) Accept(ctx context.Context, workOrderID, callsign string) error {
	if err := s.verifyAssignee(ctx, workOrderID, callsign); err != nil {
		return err
	}
	now := models.Now()
	nowStr := now.Format(time.RFC3339Nano)
	err := s.store.UpdateWorkOrderStatus(ctx, workOrderID,
		models.WorkOrderAssigned, models.WorkOrderAccepted, callsign, "", nil, nowStr)
	if err != nil {
		return err
	}
	if a, err := s.store.GetActiveAssignment(ctx, workOrderID); err == nil {
		if err := s.store.UpdateAssignmentProgress(ctx, a.AssignmentID, a.ProgressPercent,
			&nowStr, nil, nil, "", true); err != nil {
			s.logger.Warn("Recording acceptance failed", "work_order_id", workOrderID, "error", err)
		}
	}
	s.emit(ctx, workOrderID, "work_order_accepted", map[string]any{"callsign": callsign}, "")
	return nil
}

// Progress records a progress report. The first report moves the work order
// to in_progress.
func (s *Service) Progress(ctx context.Context, workOrderID, callsign string, percent int, estimated *time.Time) error {
	if percent < 0 || percent > 100 {
		return errs.InvalidField("progress_percent", "must be within [0,100]")
	}
	if err := s.verifyAssignee(ctx, workOrderID, callsign); err != nil {
		return err
	}
	wo, err := s.store.GetWorkOrder(ctx, workOrderID)
	if err != nil {
		return err
	}

	nowStr := models.Now().Format(time.RFC3339Nano)
	if wo.Status == models.WorkOrderAccepted {
		err := s.store.UpdateWorkOrderStatus(ctx, workOrderID,
			models.WorkOrderAccepted, models.WorkOrderInProgress, callsign, "", nil, nowStr)
		if err != nil && !errors.Is(err, errs.ErrStateConflict) {
			return err
		}
		if err == nil {
			s.emit(ctx, workOrderID, "work_order_started", map[string]any{"callsign": callsign}, "")
		}
	} else if wo.Status != models.WorkOrderInProgress {
		return fmt.Errorf("work order %s not in progress: %w", workOrderID, errs.ErrStateConflict)
	}

	if a, err := s.store.GetActiveAssignment(ctx, workOrderID); err == nil {
		var est *string
		if estimated != nil {
			v := estimated.UTC().Format(time.RFC3339Nano)
			est = &v
		}
		if err := s.store.UpdateAssignmentProgress(ctx, a.AssignmentID, percent,
			nil, nil, est, "", true); err != nil {
			return err
		}
	}
	s.emit(ctx, workOrderID, "work_order_progress", map[string]any{
		"callsign": callsign,
		"percent":  percent,
	}, "")
	return nil
}

// Complete marks a work order finished and resolves edges waiting on it.
func (s *Service) Complete(ctx context.Context, workOrderID, callsign string) error {
	if err := s.verifyAssignee(ctx, workOrderID, callsign); err != nil {
		return err
	}
	now := models.Now()
	nowStr := now.Format(time.RFC3339Nano)
	err := s.store.UpdateWorkOrderStatus(ctx, workOrderID,
		models.WorkOrderInProgress, models.WorkOrderCompleted, callsign, "", &nowStr, nowStr)
	if err != nil {
		return err
	}

	if a, err := s.store.GetActiveAssignment(ctx, workOrderID); err == nil {
		if err := s.store.UpdateAssignmentProgress(ctx, a.AssignmentID, 100,
			nil, &nowStr, nil, "", false); err != nil {
			s.logger.Warn("Closing assignment failed", "work_order_id", workOrderID, "error", err)
		}
	}
	if _, err := s.registry.AdjustWorkload(ctx, callsign, -1); err != nil {
		s.logger.Warn("Releasing workload failed", "callsign", callsign, "error", err)
	}
	if _, err := s.store.ResolveDependencies(ctx, workOrderID); err != nil {
		return err
	}
	s.forget(workOrderID)
	s.emit(ctx, workOrderID, "work_order_completed", map[string]any{"callsign": callsign}, "")
	return nil
}

// Fail records a failure. While retries remain the work order re-enters
// pending with an exponential backoff; past the limit it fails terminally and
// completion-type dependents unblock.
func (s *Service) Fail(ctx context.Context, workOrderID, callsign, errMsg string) error {
	if err := s.verifyAssignee(ctx, workOrderID, callsign); err != nil {
		return err
	}
	wo, err := s.store.GetWorkOrder(ctx, workOrderID)
	if err != nil {
		return err
	}
	if wo.Status != models.WorkOrderInProgress && wo.Status != models.WorkOrderAccepted {
		return fmt.Errorf("work order %s not active: %w", workOrderID, errs.ErrStateConflict)
	}

	now := models.Now()
	nowStr := now.Format(time.RFC3339Nano)
	if err := s.store.IncrementWorkOrderRetry(ctx, workOrderID, errMsg, nowStr); err != nil {
		return err
	}
	retries := wo.RetryCount + 1

	if a, err := s.store.GetActiveAssignment(ctx, workOrderID); err == nil {
		if err := s.store.DeactivateAssignment(ctx, a.AssignmentID, errMsg); err != nil {
			s.logger.Warn("Deactivating assignment failed", "work_order_id", workOrderID, "error", err)
		}
	}
	if _, err := s.registry.AdjustWorkload(ctx, callsign, -1); err != nil {
		s.logger.Warn("Releasing workload failed", "callsign", callsign, "error", err)
	}

	if retries < s.retryLimit {
		err := s.store.UpdateWorkOrderStatus(ctx, workOrderID,
			wo.Status, models.WorkOrderPending, "", errMsg, nil, nowStr)
		if err != nil {
			return err
		}
		backoff := backoffFor(retries)
		s.deferUntil(workOrderID, now.Add(backoff))
		s.emit(ctx, workOrderID, "work_order_requeued", map[string]any{
			"callsign":   callsign,
			"error":      errMsg,
			"retry":      retries,
			"backoff_ms": backoff.Milliseconds(),
		}, "")
		return nil
	}

	err = s.store.UpdateWorkOrderStatus(ctx, workOrderID,
		wo.Status, models.WorkOrderFailed, "", errMsg, &nowStr, nowStr)
	if err != nil {
		return err
	}
	if _, err := s.store.ResolveCompletionDependencies(ctx, workOrderID); err != nil {
		return err
	}
	s.forget(workOrderID)
	s.emit(ctx, workOrderID, "work_order_failed", map[string]any{
		"callsign": callsign,
		"error":    errMsg,
	}, "")
	return nil
}

// Cancel aborts a work order from any non-terminal state.
func (s *Service) Cancel(ctx context.Context, workOrderID, reason string) error {
	wo, err := s.store.GetWorkOrder(ctx, workOrderID)
	if err != nil {
		return err
	}
	if !wo.Status.CanTransition(models.WorkOrderCancelled) {
		return fmt.Errorf("work order %s is %s: %w", workOrderID, wo.Status, errs.ErrStateConflict)
	}

	now := models.Now()
	nowStr := now.Format(time.RFC3339Nano)
	err = s.store.UpdateWorkOrderStatus(ctx, workOrderID,
		wo.Status, models.WorkOrderCancelled, "", reason, &nowStr, nowStr)
	if err != nil {
		return err
	}

	if a, err := s.store.GetActiveAssignment(ctx, workOrderID); err == nil {
		if err := s.store.DeactivateAssignment(ctx, a.AssignmentID, "cancelled"); err != nil {
			s.logger.Warn("Deactivating assignment failed", "work_order_id", workOrderID, "error", err)
		}
	}
	if wo.AssignedTo != "" {
		if _, err := s.registry.AdjustWorkload(ctx, wo.AssignedTo, -1); err != nil {
			s.logger.Warn("Releasing workload failed", "callsign", wo.AssignedTo, "error", err)
		}
	}
	if _, err := s.store.ResolveCompletionDependencies(ctx, workOrderID); err != nil {
		return err
	}
	s.forget(workOrderID)
	s.emit(ctx, workOrderID, "work_order_cancelled", map[string]any{"reason": reason}, "")
	return nil
}

// ReapAckTimeouts reverts assignments no pilot acknowledged in time, with a
// score penalty for that pilot on the same work order.
func (s *Service) ReapAckTimeouts(ctx context.Context) (int, error) {
	active, err := s.store.ListActiveAssignments(ctx)
	if err != nil {
		return 0, err
	}

	now := models.Now()
	nowStr := now.Format(time.RFC3339Nano)
	reaped := 0
	for i := range active {
		a := &active[i]
		if a.AcceptedAt != nil || now.Sub(a.AssignedAt) <= s.ackTimeout {
			continue
		}
		err := s.store.UpdateWorkOrderStatus(ctx, a.WorkOrderID,
			models.WorkOrderAssigned, models.WorkOrderPending, "", "assignment not acknowledged", nil, nowStr)
		if err != nil {
			if errors.Is(err, errs.ErrStateConflict) {
				continue
			}
			return reaped, err
		}
		if err := s.store.DeactivateAssignment(ctx, a.AssignmentID, "ack timeout"); err != nil {
			return reaped, err
		}
		if _, err := s.registry.AdjustWorkload(ctx, a.PilotID, -1); err != nil {
			s.logger.Warn("Releasing workload failed", "callsign", a.PilotID, "error", err)
		}
		s.penalize(a.WorkOrderID, a.PilotID)
		s.emit(ctx, a.WorkOrderID, "work_order_requeued", map[string]any{
			"callsign": a.PilotID,
			"error":    "ack timeout",
		}, "")
		reaped++
	}
	if reaped > 0 {
		s.logger.Info("Reverted unacknowledged assignments", "count", reaped)
	}
	return reaped, nil
}

// RecoverOrphans reconciles assignments and work orders after a restart:
// assignments whose work order is terminal are closed, and non-terminal work
// orders without a live assignment return to pending.
func (s *Service) RecoverOrphans(ctx context.Context) error {
	active, err := s.store.ListActiveAssignments(ctx)
	if err != nil {
		return err
	}
	live := make(map[string]bool, len(active))
	for i := range active {
		a := &active[i]
		wo, err := s.store.GetWorkOrder(ctx, a.WorkOrderID)
		if err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				if err := s.store.DeactivateAssignment(ctx, a.AssignmentID, "work order missing"); err != nil {
					return err
				}
				continue
			}
			return err
		}
		if wo.Status.Terminal() {
			if err := s.store.DeactivateAssignment(ctx, a.AssignmentID, "work order already terminal"); err != nil {
				return err
			}
			continue
		}
		live[a.WorkOrderID] = true
	}

	nowStr := models.Now().Format(time.RFC3339Nano)
	recovered := 0
	for _, status := range []models.WorkOrderStatus{
		models.WorkOrderAssigned, models.WorkOrderAccepted, models.WorkOrderInProgress,
	} {
		orders, err := s.store.ListWorkOrders(ctx, status, 0)
		if err != nil {
			return err
		}
		for i := range orders {
			if live[orders[i].ID] {
				continue
			}
			err := s.store.UpdateWorkOrderStatus(ctx, orders[i].ID,
				status, models.WorkOrderPending, "", "recovered after restart", nil, nowStr)
			if err != nil {
				if errors.Is(err, errs.ErrStateConflict) {
					continue
				}
				return err
			}
			s.emit(ctx, orders[i].ID, "work_order_requeued", map[string]any{
				"error": "recovered after restart",
			}, "")
			recovered++
		}
	}
	if recovered > 0 {
		s.logger.Info("Recovered orphaned work orders", "count", recovered)
	}
	return nil
}

// AssignTo hands a pending work order directly to a named pilot, bypassing
// scoring. Used by the administrative API.
func (s *Service) AssignTo(ctx context.Context, workOrderID, callsign string) error {
	wo, err := s.store.GetWorkOrder(ctx, workOrderID)
	if err != nil {
		return err
	}
	if wo.Status != models.WorkOrderPending {
		return fmt.Errorf("work order %s is %s: %w", workOrderID, wo.Status, errs.ErrStateConflict)
	}
	pilot, err := s.registry.Get(ctx, callsign)
	if err != nil {
		return err
	}
	if pilot.Status == models.PilotOffline {
		return fmt.Errorf("pilot %s is offline: %w", callsign, errs.ErrConflict)
	}
	if !pilot.HasCapacity() {
		return fmt.Errorf("pilot %s is at capacity: %w", callsign, errs.ErrConflict)
	}
	return s.assign(ctx, wo, pilot)
}

// assign transitions one work order to a pilot and notifies its mailbox.
func (s *Service) assign(ctx context.Context, wo *models.WorkOrder, pilot *models.Pilot) error {
	now := models.Now()
	nowStr := now.Format(time.RFC3339Nano)
	err := s.store.UpdateWorkOrderStatus(ctx, wo.ID,
		models.WorkOrderPending, models.WorkOrderAssigned, pilot.Callsign, "", nil, nowStr)
	if err != nil {
		return err
	}
	if err := s.store.InsertAssignment(ctx, &models.Assignment{
		AssignmentID: ids.New(ids.PrefixAssignment),
		WorkOrderID:  wo.ID,
		PilotID:      pilot.Callsign,
		AssignedAt:   now,
		Active:       true,
	}); err != nil {
		return err
	}
	if _, err := s.registry.AdjustWorkload(ctx, pilot.Callsign, 1); err != nil {
		s.logger.Warn("Raising workload failed", "callsign", pilot.Callsign, "error", err)
	}

	s.emit(ctx, wo.ID, "work_order_assigned", map[string]any{"callsign": pilot.Callsign}, wo.CorrelationID)

	payload, err := json.Marshal(map[string]any{
		"type":          "assignment",
		"work_order_id": wo.ID,
		"work_type":     wo.WorkType,
		"description":   wo.Description,
		"priority":      string(wo.Priority),
		"sortie_id":     wo.SortieID,
	})
	if err == nil {
		if _, err := s.mailbox.Post(ctx, pilot.Callsign, "scheduler", payload, wo.CorrelationID); err != nil {
			s.logger.Warn("Posting assignment to mailbox failed",
				"callsign", pilot.Callsign, "work_order_id", wo.ID, "error", err)
		}
	}

	s.logger.Info("Work order assigned",
		"work_order_id", wo.ID, "callsign", pilot.Callsign, "work_type", wo.WorkType)
	return nil
}

// eligible reports whether every dependency is resolved and any retry
// backoff has elapsed.
func (s *Service) eligible(ctx context.Context, wo *models.WorkOrder) (bool, error) {
	s.mu.Lock()
	next, deferred := s.nextAttempt[wo.ID]
	s.mu.Unlock()
	if deferred && models.Now().Before(next) {
		return false, nil
	}

	deps, err := s.store.ListDependencies(ctx, wo.ID)
	if err != nil {
		return false, err
	}
	for i := range deps {
		if !deps[i].Resolved {
			return false, nil
		}
	}
	return true, nil
}

// verifyAssignee confirms the work order is currently assigned to callsign.
func (s *Service) verifyAssignee(ctx context.Context, workOrderID, callsign string) error {
	wo, err := s.store.GetWorkOrder(ctx, workOrderID)
	if err != nil {
		return err
	}
	if wo.AssignedTo != callsign {
		return fmt.Errorf("work order %s is assigned to %q: %w",
			workOrderID, wo.AssignedTo, errs.ErrForbidden)
	}
	return nil
}

// checkAcyclic rejects the new edges if they would close a cycle in the
// stored dependency graph. Nothing is persisted on rejection.
func (s *Service) checkAcyclic(ctx context.Context, taskID string, edges []models.TaskDependency) error {
	if len(edges) == 0 {
		return nil
	}
	existing, err := s.store.ListAllDependencies(ctx)
	if err != nil {
		return err
	}

	graph := make(map[string][]string)
	for i := range existing {
		graph[existing[i].TaskID] = append(graph[existing[i].TaskID], existing[i].DependsOnTaskID)
	}
	for i := range edges {
		graph[taskID] = append(graph[taskID], edges[i].DependsOnTaskID)
	}

	const (
		visiting = 1
		done     = 2
	)
	state := make(map[string]int)
	var path []string
	var visit func(node string) error
	visit = func(node string) error {
		switch state[node] {
		case visiting:
			return errs.InvalidField("dependencies",
				"cycle detected: %s", strings.Join(append(path, node), " -> "))
		case done:
			return nil
		}
		state[node] = visiting
		path = append(path, node)
		for _, dep := range graph[node] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		state[node] = done
		return nil
	}
	return visit(taskID)
}

// backoffFor computes the retry delay: base doubled per retry, capped.
func backoffFor(retries int) time.Duration {
	d := backoffBase
	for i := 1; i < retries && d < backoffCap; i++ {
		d *= 2
	}
	if d > backoffCap {
		d = backoffCap
	}
	return d
}

func (s *Service) deferUntil(workOrderID string, t time.Time) {
	s.mu.Lock()
	s.nextAttempt[workOrderID] = t
	s.mu.Unlock()
}

func (s *Service) penalize(workOrderID, callsign string) {
	s.mu.Lock()
	if s.penalties[workOrderID] == nil {
		s.penalties[workOrderID] = make(map[string]float64)
	}
	s.penalties[workOrderID][callsign] += ackPenalty
	s.mu.Unlock()
}

func (s *Service) penaltiesFor(workOrderID string) map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.penalties[workOrderID]
	if p == nil {
		return nil
	}
	out := make(map[string]float64, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// ClearBackoff makes a requeued work order immediately schedulable again.
func (s *Service) ClearBackoff(workOrderID string) {
	s.mu.Lock()
	delete(s.nextAttempt, workOrderID)
	s.mu.Unlock()
}

// forget drops in-memory scheduling state for a terminal work order.
func (s *Service) forget(workOrderID string) {
	s.mu.Lock()
	delete(s.nextAttempt, workOrderID)
	delete(s.penalties, workOrderID)
	s.mu.Unlock()
}

func (s *Service) emit(ctx context.Context, workOrderID, eventType string, data map[string]any, correlationID string) {
	raw, err := json.Marshal(data)
	if err != nil {
		s.logger.Warn("Encoding event data failed", "event_type", eventType, "error", err)
		return
	}
	if _, err := s.events.Append(ctx, events.AppendRequest{
		StreamType:    models.StreamWorkOrder,
		StreamID:      workOrderID,
		EventType:     eventType,
		Data:          raw,
		CorrelationID: correlationID,
	}); err != nil {
		s.logger.Warn("Emitting event failed", "event_type", eventType, "error", err)
	}
}
