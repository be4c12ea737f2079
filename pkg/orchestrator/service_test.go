package orchestrator_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flightline/fleet/pkg/errs"
	"github.com/flightline/fleet/pkg/events"
	"github.com/flightline/fleet/pkg/mailbox"
	"github.com/flightline/fleet/pkg/models"
	"github.com/flightline/fleet/pkg/orchestrator"
	"github.com/flightline/fleet/pkg/registry"
	"github.com/flightline/fleet/pkg/scheduler"
	"github.com/flightline/fleet/pkg/store"
	testdb "github.com/flightline/fleet/test/database"
)

type fixture struct {
	orchestrator *orchestrator.Service
	scheduler    *scheduler.Service
	registry     *registry.Service
	events       *events.Service
	store        *store.Store
	matcher      *stubMatcher
}

// stubMatcher returns a fixed pattern when armed.
type stubMatcher struct {
	pattern *models.Pattern
}

func (m *stubMatcher) Match(context.Context, string, []string) (*models.Pattern, error) {
	return m.pattern, nil
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.New(testdb.NewTestClient(t))
	ev := events.NewService(st, events.NewRegistry(), events.NewNotifier(), slog.Default())
	mb := mailbox.NewService(st, ev, slog.Default())
	reg := registry.NewService(st, ev, nil, nil, 3*time.Minute, slog.Default())
	sched := scheduler.NewService(st, ev, reg, mb, 3, 30*time.Second, slog.Default())
	matcher := &stubMatcher{}
	return &fixture{
		orchestrator: orchestrator.NewService(st, ev, sched, matcher, slog.Default()),
		scheduler:    sched,
		registry:     reg,
		events:       ev,
		store:        st,
		matcher:      matcher,
	}
}

// runWorkOrder drives one work order through its whole lifecycle.
func (f *fixture) runWorkOrder(t *testing.T, woID, callsign string, fail bool) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.scheduler.Accept(ctx, woID, callsign))
	require.NoError(t, f.scheduler.Progress(ctx, woID, callsign, 50, nil))
	if fail {
		require.NoError(t, f.scheduler.Fail(ctx, woID, callsign, "broken"))
	} else {
		require.NoError(t, f.scheduler.Complete(ctx, woID, callsign))
	}
}

func TestCreateMission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mission, err := f.orchestrator.CreateMission(ctx, orchestrator.CreateMissionRequest{
		Title:       "Refactor auth",
		Description: "split the auth module",
	})
	require.NoError(t, err)
	assert.Equal(t, models.MissionPending, mission.Status)
	assert.Equal(t, models.PriorityMedium, mission.Priority)

	t.Run("empty title rejected", func(t *testing.T) {
		_, err := f.orchestrator.CreateMission(ctx, orchestrator.CreateMissionRequest{})
		assert.ErrorIs(t, err, errs.ErrInvalidInput)
	})

	t.Run("creation event recorded", func(t *testing.T) {
		latest, err := f.events.GetLatest(ctx, models.StreamMission, mission.ID)
		require.NoError(t, err)
		assert.Equal(t, "mission_created", latest.EventType)
	})
}

func TestLaunchGenericDecomposition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mission, err := f.orchestrator.CreateMission(ctx, orchestrator.CreateMissionRequest{
		Title: "Build service",
		Areas: []orchestrator.Area{
			{Name: "api", Files: []string{"src/api/*"}, WorkTypes: []string{"implement api", "test api"}},
			{Name: "docs"},
		},
	})
	require.NoError(t, err)

	launched, err := f.orchestrator.Launch(ctx, mission.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MissionInProgress, launched.Status)
	assert.NotNil(t, launched.StartedAt)

	overview, err := f.orchestrator.GetOverview(ctx, mission.ID)
	require.NoError(t, err)
	require.Len(t, overview.Sorties, 2)

	var total int
	for _, orders := range overview.WorkOrders {
		total += len(orders)
	}
	assert.Equal(t, 3, total)

	t.Run("second launch conflicts", func(t *testing.T) {
		_, err := f.orchestrator.Launch(ctx, mission.ID)
		assert.ErrorIs(t, err, errs.ErrStateConflict)
	})
}

func TestLaunchPatternDecomposition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.matcher.pattern = &models.Pattern{
		PatternID:   "pat-test",
		MissionType: "general",
		Template:    []string{"design", "implement", "verify"},
		Version:     2,
	}

	mission, err := f.orchestrator.CreateMission(ctx, orchestrator.CreateMissionRequest{
		Title: "Build feature"})
	require.NoError(t, err)
	_, err = f.orchestrator.Launch(ctx, mission.ID)
	require.NoError(t, err)

	overview, err := f.orchestrator.GetOverview(ctx, mission.ID)
	require.NoError(t, err)
	require.Len(t, overview.Sorties, 3)

	t.Run("template steps are chained", func(t *testing.T) {
		// Exactly the first step has no dependencies.
		var free int
		for _, orders := range overview.WorkOrders {
			require.Len(t, orders, 1)
			deps, err := f.store.ListDependencies(ctx, orders[0].ID)
			require.NoError(t, err)
			if len(deps) == 0 {
				free++
			}
		}
		assert.Equal(t, 1, free)
	})

	t.Run("pattern application recorded", func(t *testing.T) {
		latest, err := f.events.GetLatest(ctx, models.StreamSystem, "fleet")
		require.NoError(t, err)
		assert.Equal(t, "pattern_applied", latest.EventType)
	})
}

func TestReconcileCompletesMission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.registry.Register(ctx, registry.RegisterRequest{
		Callsign:  "raven-1",
		AgentType: "coder",
		Capabilities: []models.Capability{
			{Name: "main", TriggerWords: []string{"ship", "feature"}},
		},
	})
	require.NoError(t, err)

	mission, err := f.orchestrator.CreateMission(ctx, orchestrator.CreateMissionRequest{
		Title: "Ship feature",
		Areas: []orchestrator.Area{{Name: "core", WorkTypes: []string{"ship feature"}}},
	})
	require.NoError(t, err)
	_, err = f.orchestrator.Launch(ctx, mission.ID)
	require.NoError(t, err)

	_, err = f.scheduler.Dispatch(ctx)
	require.NoError(t, err)

	overview, err := f.orchestrator.GetOverview(ctx, mission.ID)
	require.NoError(t, err)
	wo := overview.WorkOrders[overview.Sorties[0].ID][0]
	require.Equal(t, models.WorkOrderAssigned, wo.Status)

	t.Run("sortie moves to in_progress", func(t *testing.T) {
		require.NoError(t, f.orchestrator.Reconcile(ctx, mission.ID))
		sortie, err := f.store.GetSortie(ctx, overview.Sorties[0].ID)
		require.NoError(t, err)
		assert.Equal(t, models.SortieInProgress, sortie.Status)
	})

	f.runWorkOrder(t, wo.ID, "raven-1", false)

	t.Run("mission completes once everything is terminal", func(t *testing.T) {
		require.NoError(t, f.orchestrator.Reconcile(ctx, mission.ID))

		sortie, err := f.store.GetSortie(ctx, overview.Sorties[0].ID)
		require.NoError(t, err)
		assert.Equal(t, models.SortieClosed, sortie.Status)

		got, err := f.store.GetMission(ctx, mission.ID)
		require.NoError(t, err)
		assert.Equal(t, models.MissionCompleted, got.Status)
		assert.NotNil(t, got.CompletedAt)
	})

	t.Run("archive after completion", func(t *testing.T) {
		require.NoError(t, f.orchestrator.ArchiveMission(ctx, mission.ID))
		got, err := f.store.GetMission(ctx, mission.ID)
		require.NoError(t, err)
		assert.Equal(t, models.MissionArchived, got.Status)
	})
}

func TestReconcileFailsMission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.registry.Register(ctx, registry.RegisterRequest{
		Callsign:  "raven-1",
		AgentType: "coder",
		Capabilities: []models.Capability{
			{Name: "main", TriggerWords: []string{"doomed", "job"}},
		},
	})
	require.NoError(t, err)

	mission, err := f.orchestrator.CreateMission(ctx, orchestrator.CreateMissionRequest{
		Title: "Doomed job",
		Areas: []orchestrator.Area{{Name: "core", WorkTypes: []string{"doomed job"}}},
	})
	require.NoError(t, err)
	_, err = f.orchestrator.Launch(ctx, mission.ID)
	require.NoError(t, err)

	overview, err := f.orchestrator.GetOverview(ctx, mission.ID)
	require.NoError(t, err)
	wo := overview.WorkOrders[overview.Sorties[0].ID][0]

	// Exhaust the retry budget.
	for i := 0; i < 3; i++ {
		f.scheduler.ClearBackoff(wo.ID)
		_, err := f.scheduler.Dispatch(ctx)
		require.NoError(t, err)
		f.runWorkOrder(t, wo.ID, "raven-1", true)
	}
	got, err := f.store.GetWorkOrder(ctx, wo.ID)
	require.NoError(t, err)
	require.Equal(t, models.WorkOrderFailed, got.Status)

	require.NoError(t, f.orchestrator.Reconcile(ctx, mission.ID))

	gotMission, err := f.store.GetMission(ctx, mission.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MissionFailed, gotMission.Status)
}

func TestCancelMission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mission, err := f.orchestrator.CreateMission(ctx, orchestrator.CreateMissionRequest{
		Title: "Abort me",
		Areas: []orchestrator.Area{{Name: "core"}},
	})
	require.NoError(t, err)
	_, err = f.orchestrator.Launch(ctx, mission.ID)
	require.NoError(t, err)

	require.NoError(t, f.orchestrator.CancelMission(ctx, mission.ID, "operator abort"))

	got, err := f.store.GetMission(ctx, mission.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MissionCancelled, got.Status)

	overview, err := f.orchestrator.GetOverview(ctx, mission.ID)
	require.NoError(t, err)
	for _, sortie := range overview.Sorties {
		assert.Equal(t, models.SortieClosed, sortie.Status)
		for _, wo := range overview.WorkOrders[sortie.ID] {
			assert.Equal(t, models.WorkOrderCancelled, wo.Status)
		}
	}

	t.Run("cancel is not repeatable", func(t *testing.T) {
		err := f.orchestrator.CancelMission(ctx, mission.ID, "again")
		assert.ErrorIs(t, err, errs.ErrStateConflict)
	})
}

func TestSortieBlockAndUnblock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mission, err := f.orchestrator.CreateMission(ctx, orchestrator.CreateMissionRequest{
		Title: "Blockable",
		Areas: []orchestrator.Area{{Name: "core"}},
	})
	require.NoError(t, err)
	_, err = f.orchestrator.Launch(ctx, mission.ID)
	require.NoError(t, err)

	overview, err := f.orchestrator.GetOverview(ctx, mission.ID)
	require.NoError(t, err)
	sortieID := overview.Sorties[0].ID

	require.NoError(t, f.orchestrator.StartSortie(ctx, sortieID, "raven-1"))

	t.Run("block requires a reason", func(t *testing.T) {
		err := f.orchestrator.BlockSortie(ctx, sortieID, "")
		assert.ErrorIs(t, err, errs.ErrInvalidInput)
	})

	require.NoError(t, f.orchestrator.BlockSortie(ctx, sortieID, "waiting on review"))
	got, err := f.store.GetSortie(ctx, sortieID)
	require.NoError(t, err)
	assert.Equal(t, models.SortieBlocked, got.Status)
	assert.Equal(t, "waiting on review", got.BlockedReason)

	require.NoError(t, f.orchestrator.UnblockSortie(ctx, sortieID))
	got, err = f.store.GetSortie(ctx, sortieID)
	require.NoError(t, err)
	assert.Equal(t, models.SortieInProgress, got.Status)

	t.Run("close refuses while work remains", func(t *testing.T) {
		err := f.orchestrator.CloseSortie(ctx, sortieID)
		assert.ErrorIs(t, err, errs.ErrStateConflict)
	})
}
