package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/flightline/fleet/pkg/events"
	"github.com/flightline/fleet/pkg/models"
)

const (
	// monitorInterval is how often in-flight missions are scanned.
	monitorInterval = 30 * time.Second

	// progressStep is the milestone spacing for automatic checkpoints.
	progressStep = 10
)

// Monitor watches in-flight missions: it takes automatic checkpoints at
// progress milestones and injects a recovery prompt when a mission goes
// quiet. Auto-resume restores the latest checkpoint instead of prompting.
type Monitor struct {
	service    *Service
	interval   time.Duration
	inactivity time.Duration
	autoResume bool
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup

	mu       sync.Mutex
	injected map[string]time.Time // mission id -> last injection
}

// NewMonitor creates the monitor. A zero interval uses the default.
func NewMonitor(s *Service, interval, inactivity time.Duration, autoResume bool) *Monitor {
	if interval <= 0 {
		interval = monitorInterval
	}
	return &Monitor{
		service:    s,
		interval:   interval,
		inactivity: inactivity,
		autoResume: autoResume,
		stopCh:     make(chan struct{}),
		injected:   make(map[string]time.Time),
	}
}

// Start launches the monitor loop.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(ctx)
	}()
	m.service.logger.Info("Inactivity monitor started",
		"interval", m.interval, "inactivity", m.inactivity, "auto_resume", m.autoResume)
}

// Stop signals the loop to exit and waits for it.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Monitor) run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Pass(ctx)
		}
	}
}

// Pass runs one scan over in-flight missions. Exposed so tests and startup
// can force it.
func (m *Monitor) Pass(ctx context.Context) {
	missions, err := m.service.store.ListMissions(ctx, models.MissionInProgress, 0)
	if err != nil {
		m.service.logger.Warn("Listing in-flight missions failed", "error", err)
		return
	}
	for i := range missions {
		if err := m.checkMilestone(ctx, &missions[i]); err != nil {
			m.service.logger.Warn("Milestone check failed",
				"mission_id", missions[i].ID, "error", err)
		}
		if err := m.checkInactivity(ctx, &missions[i]); err != nil {
			m.service.logger.Warn("Inactivity check failed",
				"mission_id", missions[i].ID, "error", err)
		}
	}
}

// checkMilestone takes an automatic checkpoint when mission progress crossed
// the next milestone since the last checkpoint.
func (m *Monitor) checkMilestone(ctx context.Context, mission *models.Mission) error {
	sorties, err := m.service.store.ListSortiesByMission(ctx, mission.ID)
	if err != nil {
		return err
	}
	var orders []models.WorkOrder
	for i := range sorties {
		sortieOrders, err := m.service.store.ListWorkOrdersBySortie(ctx, sorties[i].ID)
		if err != nil {
			return err
		}
		orders = append(orders, sortieOrders...)
	}
	progress := missionProgress(orders)
	if progress == 0 {
		return nil
	}

	last := -1
	if latest, err := m.service.Latest(ctx, mission.ID); err == nil {
		last = latest.ProgressPercent
	}
	if last >= 0 && progress/progressStep <= last/progressStep {
		return nil
	}

	_, err = m.service.Create(ctx, CreateRequest{
		MissionID: mission.ID,
		Trigger:   models.TriggerProgress,
		CreatedBy: "monitor",
	})
	return err
}

// checkInactivity injects a recovery prompt (or auto-resumes) when the
// mission's newest event is older than the threshold and a checkpoint
// exists.
func (m *Monitor) checkInactivity(ctx context.Context, mission *models.Mission) error {
	if m.inactivity <= 0 {
		return nil
	}
	newest, err := m.newestActivity(ctx, mission.ID)
	if err != nil {
		return err
	}
	if newest.IsZero() || models.Now().Sub(newest) <= m.inactivity {
		return nil
	}

	latest, err := m.service.Latest(ctx, mission.ID)
	if err != nil {
		// No checkpoint, nothing to recover from.
		return nil
	}
	if latest.ConsumedAt != nil {
		return nil
	}

	m.mu.Lock()
	lastInjected := m.injected[mission.ID]
	m.mu.Unlock()
	if !lastInjected.Before(newest) {
		return nil
	}

	if m.autoResume {
		if _, err := m.service.Resume(ctx, mission.ID, latest.ID, false); err != nil {
			return err
		}
	} else {
		snap, err := latest.DecodeSnapshot()
		if err != nil {
			return err
		}
		prompt := recoveryPrompt(mission, &snap.Recovery)
		raw, err := json.Marshal(map[string]any{
			"prompt":        prompt,
			"checkpoint_id": latest.ID,
		})
		if err != nil {
			return err
		}
		if _, err := m.service.events.Append(ctx, events.AppendRequest{
			StreamType:    models.StreamCheckpoint,
			StreamID:      mission.ID,
			EventType:     "context_injected",
			Data:          raw,
			CorrelationID: mission.ID,
		}); err != nil {
			return err
		}
		m.service.logger.Info("Recovery context injected",
			"mission_id", mission.ID, "checkpoint_id", latest.ID)
	}

	m.mu.Lock()
	m.injected[mission.ID] = models.Now()
	m.mu.Unlock()
	return nil
}

// newestActivity finds the most recent event touching the mission: its own
// stream plus everything correlated to it.
func (m *Monitor) newestActivity(ctx context.Context, missionID string) (time.Time, error) {
	var newest time.Time
	if latest, err := m.service.events.GetLatest(ctx, models.StreamMission, missionID); err == nil {
		newest = latest.RecordedAt
	}
	correlated, err := m.service.events.QueryByCorrelation(ctx, missionID)
	if err != nil {
		return newest, err
	}
	for i := range correlated {
		if correlated[i].RecordedAt.After(newest) {
			newest = correlated[i].RecordedAt
		}
	}
	return newest, nil
}

// recoveryPrompt renders the recovery context as a prompt for a pilot.
func recoveryPrompt(mission *models.Mission, rc *models.RecoveryContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Mission %s appears stalled. %s\n", mission.ID, rc.MissionSummary)
	if len(rc.CompletedSteps) > 0 {
		fmt.Fprintf(&b, "Completed so far: %s.\n", strings.Join(rc.CompletedSteps, ", "))
	}
	if len(rc.NextSteps) > 0 {
		fmt.Fprintf(&b, "Remaining: %s.\n", strings.Join(rc.NextSteps, ", "))
	}
	if len(rc.ActiveBlockers) > 0 {
		fmt.Fprintf(&b, "Blockers: %s.\n", strings.Join(rc.ActiveBlockers, "; "))
	}
	if len(rc.FilesTouched) > 0 {
		fmt.Fprintf(&b, "Files touched: %s.\n", strings.Join(rc.FilesTouched, ", "))
	}
	return b.String()
}
