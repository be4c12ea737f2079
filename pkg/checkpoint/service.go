// Package checkpoint snapshots a mission's runtime state and restores it on
// resume. A checkpoint is self-contained: sorties, work orders, holdings,
// undelivered mailbox events, and a recovery context for the pilots.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/flightline/fleet/pkg/errs"
	"github.com/flightline/fleet/pkg/events"
	"github.com/flightline/fleet/pkg/ids"
	"github.com/flightline/fleet/pkg/mailbox"
	"github.com/flightline/fleet/pkg/models"
	"github.com/flightline/fleet/pkg/store"
)

// snapshotVersion is the current checkpoint body format.
const snapshotVersion = 1

// maxCompletedSteps caps how many finished steps the recovery context keeps.
const maxCompletedSteps = 10

// Service owns checkpoints and the resume protocol.
type Service struct {
	store          *store.Store
	events         *events.Service
	mailbox        *mailbox.Service
	reservationTTL time.Duration
	lockTTL        time.Duration
	logger         *slog.Logger
}

// NewService creates the checkpoint service. The TTLs are used when resume
// reissues holdings.
func NewService(st *store.Store, ev *events.Service, mb *mailbox.Service,
	reservationTTL, lockTTL time.Duration, logger *slog.Logger) *Service {
	return &Service{
		store:          st,
		events:         ev,
		mailbox:        mb,
		reservationTTL: reservationTTL,
		lockTTL:        lockTTL,
		logger:         logger.With("component", "checkpoint"),
	}
}

// CreateRequest describes a checkpoint to take.
type CreateRequest struct {
	MissionID string                   `json:"mission_id"`
	Trigger   models.CheckpointTrigger `json:"trigger"`
	CreatedBy string                   `json:"created_by,omitempty"`
	ExpiresAt *time.Time               `json:"expires_at,omitempty"`
}

// Create captures the mission's current state in a single transaction.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.Checkpoint, error) {
	if req.MissionID == "" {
		return nil, errs.InvalidField("mission_id", "must not be empty")
	}
	trigger := req.Trigger
	if trigger == "" {
		trigger = models.TriggerManual
	}
	if !trigger.Valid() {
		return nil, errs.InvalidField("trigger", "unknown trigger %q", req.Trigger)
	}

	var checkpoint *models.Checkpoint
	err := s.store.RunInTx(ctx, func(tx *store.Store) error {
		mission, err := tx.GetMission(ctx, req.MissionID)
		if err != nil {
			return err
		}
		snap, progress, err := s.capture(ctx, tx, mission)
		if err != nil {
			return err
		}
		raw, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("encoding snapshot: %w", err)
		}
		checkpoint = &models.Checkpoint{
			ID:              ids.NewCheckpoint(),
			MissionID:       mission.ID,
			Timestamp:       models.Now(),
			Trigger:         trigger,
			ProgressPercent: progress,
			Snapshot:        raw,
			CreatedBy:       req.CreatedBy,
			ExpiresAt:       req.ExpiresAt,
			Version:         snapshotVersion,
		}
		return tx.InsertCheckpoint(ctx, checkpoint)
	})
	if err != nil {
		return nil, err
	}

	s.emit(ctx, checkpoint.MissionID, "checkpoint_created", map[string]any{
		"checkpoint_id": checkpoint.ID,
		"trigger":       string(checkpoint.Trigger),
		"progress":      checkpoint.ProgressPercent,
	})
	s.logger.Info("Checkpoint created",
		"checkpoint_id", checkpoint.ID, "mission_id", checkpoint.MissionID,
		"trigger", checkpoint.Trigger, "progress", checkpoint.ProgressPercent)
	return checkpoint, nil
}

// capture assembles the snapshot body from the transaction's view.
func (s *Service) capture(ctx context.Context, tx *store.Store, mission *models.Mission) (*models.CheckpointSnapshot, int, error) {
	sorties, err := tx.ListSortiesByMission(ctx, mission.ID)
	if err != nil {
		return nil, 0, err
	}

	var orders []models.WorkOrder
	holders := make(map[string]bool)
	for i := range sorties {
		sortieOrders, err := tx.ListWorkOrdersBySortie(ctx, sorties[i].ID)
		if err != nil {
			return nil, 0, err
		}
		orders = append(orders, sortieOrders...)
		if sorties[i].AssignedTo != "" {
			holders[sorties[i].AssignedTo] = true
		}
	}
	for i := range orders {
		if orders[i].AssignedTo != "" {
			holders[orders[i].AssignedTo] = true
		}
	}

	snap := &models.CheckpointSnapshot{
		Sorties:    sorties,
		WorkOrders: orders,
	}

	callsigns := make([]string, 0, len(holders))
	for c := range holders {
		callsigns = append(callsigns, c)
	}
	sort.Strings(callsigns)
	for _, callsign := range callsigns {
		reservations, err := tx.ListReservationsByHolder(ctx, callsign)
		if err != nil {
			return nil, 0, err
		}
		snap.Reservations = append(snap.Reservations, reservations...)

		locks, err := tx.ListLocksByHolder(ctx, callsign)
		if err != nil {
			return nil, 0, err
		}
		snap.Locks = append(snap.Locks, locks...)

		box, err := s.mailboxSnapshot(ctx, tx, callsign)
		if err != nil {
			return nil, 0, err
		}
		snap.Mailboxes = append(snap.Mailboxes, *box)
	}

	snap.Recovery = buildRecoveryContext(mission, sorties, orders, snap.Reservations)
	snap.PatternID, snap.PatternVer = s.appliedPattern(ctx, mission.ID)
	return snap, missionProgress(orders), nil
}

// mailboxSnapshot captures one pilot's cursor position and undelivered
// events.
func (s *Service) mailboxSnapshot(ctx context.Context, tx *store.Store, callsign string) (*models.MailboxSnapshot, error) {
	position := int64(0)
	cursor, err := tx.GetCursor(ctx, models.StreamMailbox, callsign, callsign)
	switch {
	case err == nil:
		position = cursor.Position
	case !errors.Is(err, errs.ErrNotFound):
		return nil, err
	}
	pending, err := tx.ListEventsByStream(ctx, models.StreamMailbox, callsign, position, 0)
	if err != nil {
		return nil, err
	}
	return &models.MailboxSnapshot{
		MailboxID: callsign,
		Position:  position,
		Pending:   pending,
	}, nil
}

// buildRecoveryContext summarizes where the mission stands for a resuming
// pilot.
func buildRecoveryContext(mission *models.Mission, sorties []models.Sortie,
	orders []models.WorkOrder, reservations []models.Reservation) models.RecoveryContext {
	rc := models.RecoveryContext{
		MissionSummary: mission.Title,
	}
	if mission.Description != "" {
		rc.MissionSummary = mission.Title + ": " + mission.Description
	}

	// Completed steps, most recent last, capped.
	var completed []models.WorkOrder
	for i := range orders {
		if orders[i].Status == models.WorkOrderCompleted {
			completed = append(completed, orders[i])
		}
	}
	sort.Slice(completed, func(i, j int) bool {
		return completed[i].UpdatedAt.Before(completed[j].UpdatedAt)
	})
	if len(completed) > maxCompletedSteps {
		completed = completed[len(completed)-maxCompletedSteps:]
	}
	for i := range completed {
		rc.CompletedSteps = append(rc.CompletedSteps, completed[i].WorkType)
	}

	for i := range orders {
		switch orders[i].Status {
		case models.WorkOrderPending, models.WorkOrderAssigned,
			models.WorkOrderAccepted, models.WorkOrderInProgress:
			rc.NextSteps = append(rc.NextSteps, orders[i].WorkType)
		case models.WorkOrderFailed:
			rc.ActiveBlockers = append(rc.ActiveBlockers,
				orders[i].WorkType+": "+orders[i].LastError)
		}
	}
	for i := range sorties {
		if sorties[i].Status == models.SortieBlocked && sorties[i].BlockedReason != "" {
			rc.ActiveBlockers = append(rc.ActiveBlockers, sorties[i].BlockedReason)
		}
	}

	seen := make(map[string]bool)
	for i := range sorties {
		for _, f := range sorties[i].Files {
			if !seen[f] {
				seen[f] = true
				rc.FilesTouched = append(rc.FilesTouched, f)
			}
		}
	}
	for i := range reservations {
		if !seen[reservations[i].FilePath] {
			seen[reservations[i].FilePath] = true
			rc.FilesTouched = append(rc.FilesTouched, reservations[i].FilePath)
		}
	}
	return rc
}

// appliedPattern finds the decomposition pattern reference for a mission, if
// one was applied.
func (s *Service) appliedPattern(ctx context.Context, missionID string) (string, int) {
	applied, err := s.events.QueryByType(ctx, "pattern_applied", nil, 100)
	if err != nil {
		return "", 0
	}
	for i := range applied {
		var payload struct {
			PatternID string `json:"pattern_id"`
			MissionID string `json:"mission_id"`
			Version   int    `json:"version"`
		}
		if json.Unmarshal(applied[i].Data, &payload) == nil && payload.MissionID == missionID {
			return payload.PatternID, payload.Version
		}
	}
	return "", 0
}

// missionProgress is the percentage of terminal work orders.
func missionProgress(orders []models.WorkOrder) int {
	if len(orders) == 0 {
		return 0
	}
	done := 0
	for i := range orders {
		if orders[i].Status.Terminal() {
			done++
		}
	}
	return done * 100 / len(orders)
}

// Get returns one checkpoint.
func (s *Service) Get(ctx context.Context, id string) (*models.Checkpoint, error) {
	return s.store.GetCheckpoint(ctx, id)
}

// List returns a mission's checkpoints, newest first.
func (s *Service) List(ctx context.Context, missionID string, limit int) ([]models.Checkpoint, error) {
	return s.store.ListCheckpointsByMission(ctx, missionID, limit)
}

// Latest returns the newest checkpoint for a mission.
func (s *Service) Latest(ctx context.Context, missionID string) (*models.Checkpoint, error) {
	return s.store.LatestCheckpoint(ctx, missionID)
}

// Delete removes a checkpoint.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.store.DeleteCheckpoint(ctx, id)
}

// ResumePlan describes what a resume would restore.
type ResumePlan struct {
	CheckpointID    string   `json:"checkpoint_id"`
	MissionID       string   `json:"mission_id"`
	ProgressPercent int      `json:"progress_percent"`
	Sorties         int      `json:"sorties"`
	WorkOrders      int      `json:"work_orders"`
	Reservations    int      `json:"reservations"`
	Locks           int      `json:"locks"`
	PendingMessages int      `json:"pending_messages"`
	Holders         []string `json:"holders,omitempty"`
	DryRun          bool     `json:"dry_run"`
}

// Resume restores a checkpoint: sortie and work order states are upserted,
// unexpired holdings are reissued with fresh TTLs to holders that are still
// alive, pending mailbox events are replayed, and the checkpoint is consumed.
// An empty checkpointID picks the latest for the mission.
func (s *Service) Resume(ctx context.Context, missionID, checkpointID string, dryRun bool) (*ResumePlan, error) {
	checkpoint, snap, err := s.load(ctx, missionID, checkpointID)
	if err != nil {
		return nil, err
	}

	plan := planFor(checkpoint, snap)
	plan.DryRun = dryRun
	if dryRun {
		return plan, nil
	}

	err = s.store.RunInTx(ctx, func(tx *store.Store) error {
		for i := range snap.Sorties {
			if err := tx.UpsertSortie(ctx, &snap.Sorties[i]); err != nil {
				return err
			}
		}
		for i := range snap.WorkOrders {
			if err := tx.UpsertWorkOrder(ctx, &snap.WorkOrders[i]); err != nil {
				return err
			}
		}
		if err := s.reissueHoldings(ctx, tx, snap); err != nil {
			return err
		}
		return tx.ConsumeCheckpoint(ctx, checkpoint.ID, models.Now().Format(time.RFC3339Nano))
	})
	if err != nil {
		return nil, err
	}

	s.replayMailboxes(ctx, snap)

	// The mission returns to in_progress regardless of what happened to it
	// after the snapshot was taken.
	mission, err := s.store.GetMission(ctx, checkpoint.MissionID)
	if err != nil {
		return nil, err
	}
	if mission.Status != models.MissionInProgress {
		nowStr := models.Now().Format(time.RFC3339Nano)
		var startedAt *string
		if mission.StartedAt == nil {
			startedAt = &nowStr
		}
		err := s.store.UpdateMissionStatus(ctx, mission.ID,
			mission.Status, models.MissionInProgress, startedAt, nil)
		if err != nil {
			return nil, err
		}
	}

	s.emit(ctx, checkpoint.MissionID, "checkpoint_resumed", map[string]any{
		"checkpoint_id": checkpoint.ID,
	})
	s.emit(ctx, checkpoint.MissionID, "fleet_recovered", map[string]any{
		"checkpoint_id": checkpoint.ID,
		"progress":      checkpoint.ProgressPercent,
	})
	s.logger.Info("Checkpoint resumed",
		"checkpoint_id", checkpoint.ID, "mission_id", checkpoint.MissionID)
	return plan, nil
}

// load picks and validates the checkpoint to resume.
func (s *Service) load(ctx context.Context, missionID, checkpointID string) (*models.Checkpoint, *models.CheckpointSnapshot, error) {
	var (
		checkpoint *models.Checkpoint
		err        error
	)
	if checkpointID != "" {
		checkpoint, err = s.store.GetCheckpoint(ctx, checkpointID)
		if err != nil {
			return nil, nil, err
		}
		if missionID != "" && checkpoint.MissionID != missionID {
			return nil, nil, errs.InvalidField("checkpoint_id",
				"checkpoint %s belongs to mission %s", checkpointID, checkpoint.MissionID)
		}
	} else {
		if missionID == "" {
			return nil, nil, errs.InvalidField("mission_id", "must not be empty")
		}
		checkpoint, err = s.store.LatestCheckpoint(ctx, missionID)
		if err != nil {
			return nil, nil, err
		}
	}

	if checkpoint.ConsumedAt != nil {
		return nil, nil, fmt.Errorf("checkpoint %s already consumed: %w",
			checkpoint.ID, errs.ErrPreconditionFailed)
	}
	snap, err := checkpoint.DecodeSnapshot()
	if err != nil {
		return nil, nil, fmt.Errorf("decoding checkpoint %s: %w", checkpoint.ID, err)
	}
	return checkpoint, snap, nil
}

func planFor(c *models.Checkpoint, snap *models.CheckpointSnapshot) *ResumePlan {
	plan := &ResumePlan{
		CheckpointID:    c.ID,
		MissionID:       c.MissionID,
		ProgressPercent: c.ProgressPercent,
		Sorties:         len(snap.Sorties),
		WorkOrders:      len(snap.WorkOrders),
		Reservations:    len(snap.Reservations),
		Locks:           len(snap.Locks),
	}
	for i := range snap.Mailboxes {
		plan.PendingMessages += len(snap.Mailboxes[i].Pending)
		plan.Holders = append(plan.Holders, snap.Mailboxes[i].MailboxID)
	}
	return plan
}

// reissueHoldings grants fresh reservations and locks to the original
// holders where they are still registered. Holdings of departed pilots are
// skipped; their work orders return through normal scheduling.
func (s *Service) reissueHoldings(ctx context.Context, tx *store.Store, snap *models.CheckpointSnapshot) error {
	now := models.Now()
	alive := make(map[string]bool)
	for i := range snap.Reservations {
		r := &snap.Reservations[i]
		if r.ReleasedAt != nil {
			continue
		}
		ok, err := s.holderAlive(ctx, tx, alive, r.HolderCallsign)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		fresh := *r
		fresh.ReservationID = ids.New(ids.PrefixReservation)
		fresh.CreatedAt = now
		fresh.ExpiresAt = now.Add(s.reservationTTL)
		if err := tx.InsertReservation(ctx, &fresh); err != nil {
			return err
		}
	}
	for i := range snap.Locks {
		l := &snap.Locks[i]
		if l.ReleasedAt != nil {
			continue
		}
		ok, err := s.holderAlive(ctx, tx, alive, l.HolderID)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		// Skip keys that grew a new holder since the snapshot.
		if _, err := tx.GetActiveLock(ctx, l.LockKey, now.Format(time.RFC3339Nano)); err == nil {
			continue
		} else if !errors.Is(err, errs.ErrNotFound) {
			return err
		}
		fresh := *l
		fresh.LockID = ids.New(ids.PrefixLock)
		fresh.AcquiredAt = now
		fresh.ExpiresAt = now.Add(s.lockTTL)
		if err := tx.InsertLock(ctx, &fresh); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) holderAlive(ctx context.Context, tx *store.Store, cache map[string]bool, callsign string) (bool, error) {
	if alive, ok := cache[callsign]; ok {
		return alive, nil
	}
	pilot, err := tx.GetPilot(ctx, callsign)
	switch {
	case err == nil:
		cache[callsign] = pilot.Status != models.PilotOffline
	case errors.Is(err, errs.ErrNotFound):
		cache[callsign] = false
	default:
		return false, err
	}
	return cache[callsign], nil
}

// replayMailboxes re-posts undelivered events so the resumed pilots see them
// again. Delivery is at-least-once; duplicates are acceptable.
func (s *Service) replayMailboxes(ctx context.Context, snap *models.CheckpointSnapshot) {
	for i := range snap.Mailboxes {
		box := &snap.Mailboxes[i]
		for j := range box.Pending {
			_, err := s.mailbox.Post(ctx, box.MailboxID, "checkpoint",
				box.Pending[j].Data, box.Pending[j].CorrelationID)
			if err != nil {
				s.logger.Warn("Replaying mailbox event failed",
					"mailbox_id", box.MailboxID, "error", err)
			}
		}
	}
}

func (s *Service) emit(ctx context.Context, missionID, eventType string, data map[string]any) {
	raw, err := json.Marshal(data)
	if err != nil {
		s.logger.Warn("Encoding event data failed", "event_type", eventType, "error", err)
		return
	}
	if _, err := s.events.Append(ctx, events.AppendRequest{
		StreamType:    models.StreamCheckpoint,
		StreamID:      missionID,
		EventType:     eventType,
		Data:          raw,
		CorrelationID: missionID,
	}); err != nil {
		s.logger.Warn("Emitting event failed", "event_type", eventType, "error", err)
	}
}
