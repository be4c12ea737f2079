package registry_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flightline/fleet/pkg/errs"
	"github.com/flightline/fleet/pkg/events"
	"github.com/flightline/fleet/pkg/ids"
	"github.com/flightline/fleet/pkg/models"
	"github.com/flightline/fleet/pkg/registry"
	"github.com/flightline/fleet/pkg/reservation"
	"github.com/flightline/fleet/pkg/store"
	testdb "github.com/flightline/fleet/test/database"
)

type fixture struct {
	registry *registry.Service
	manager  *reservation.Manager
	events   *events.Service
	store    *store.Store
}

func newFixture(t *testing.T, heartbeatTimeout time.Duration) *fixture {
	t.Helper()
	st := store.New(testdb.NewTestClient(t))
	ev := events.NewService(st, events.NewRegistry(), events.NewNotifier(), slog.Default())
	m := reservation.NewManager(st, ev, time.Hour, 5*time.Minute, slog.Default())
	return &fixture{
		registry: registry.NewService(st, ev, nil, m, heartbeatTimeout, slog.Default()),
		manager:  m,
		events:   ev,
		store:    st,
	}
}

func TestRegister(t *testing.T) {
	f := newFixture(t, 3*time.Minute)
	ctx := context.Background()

	pilot, err := f.registry.Register(ctx, registry.RegisterRequest{
		Callsign:  "raven-1",
		AgentType: "coder",
		Capabilities: []models.Capability{
			{Name: "backend", TriggerWords: []string{"api", "database"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, models.PilotIdle, pilot.Status)
	assert.Equal(t, 3, pilot.MaxWorkload)
	assert.NotEmpty(t, pilot.PilotID)

	t.Run("live callsign conflicts", func(t *testing.T) {
		_, err := f.registry.Register(ctx, registry.RegisterRequest{
			Callsign: "raven-1", AgentType: "coder"})
		assert.ErrorIs(t, err, errs.ErrConflict)
	})

	t.Run("empty callsign rejected", func(t *testing.T) {
		_, err := f.registry.Register(ctx, registry.RegisterRequest{AgentType: "coder"})
		assert.ErrorIs(t, err, errs.ErrInvalidInput)
	})

	t.Run("registration event recorded", func(t *testing.T) {
		latest, err := f.events.GetLatest(ctx, models.StreamPilot, "raven-1")
		require.NoError(t, err)
		assert.Equal(t, "pilot_registered", latest.EventType)
	})

	t.Run("initial health is healthy", func(t *testing.T) {
		health, err := f.registry.Health(ctx, "raven-1")
		require.NoError(t, err)
		assert.Equal(t, models.HealthHealthy, health.Status)
	})
}

func TestRegisterEvictsStaleCallsign(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	// Seed a pilot whose heartbeat lapsed long ago.
	old := models.Now().Add(-time.Hour)
	require.NoError(t, f.store.InsertPilot(ctx, &models.Pilot{
		PilotID:       ids.New(ids.PrefixPilot),
		Callsign:      "raven-1",
		AgentType:     "coder",
		Status:        models.PilotBusy,
		MaxWorkload:   3,
		LastHeartbeat: old,
		CreatedAt:     old,
	}))

	pilot, err := f.registry.Register(ctx, registry.RegisterRequest{
		Callsign: "raven-1", AgentType: "tester"})
	require.NoError(t, err)
	assert.Equal(t, "tester", pilot.AgentType)

	// The old record was evicted with a deregistration event before the
	// new registration was recorded.
	got, err := f.events.QueryByStream(ctx, models.StreamPilot, "raven-1", 0, 0)
	require.NoError(t, err)
	var types []string
	for _, e := range got {
		types = append(types, e.EventType)
	}
	assert.Equal(t, []string{"pilot_deregistered", "pilot_registered"}, types)
}

func TestHeartbeatAndStatus(t *testing.T) {
	f := newFixture(t, 100*time.Millisecond)
	ctx := context.Background()

	_, err := f.registry.Register(ctx, registry.RegisterRequest{
		Callsign: "raven-1", AgentType: "coder"})
	require.NoError(t, err)

	t.Run("heartbeat refreshes liveness", func(t *testing.T) {
		time.Sleep(150 * time.Millisecond)

		stale, err := f.registry.Get(ctx, "raven-1")
		require.NoError(t, err)
		assert.Equal(t, models.PilotOffline, stale.Status)

		fresh, err := f.registry.Heartbeat(ctx, "raven-1", models.PilotBusy)
		require.NoError(t, err)
		assert.Equal(t, models.PilotBusy, fresh.Status)

		live, err := f.registry.Get(ctx, "raven-1")
		require.NoError(t, err)
		assert.Equal(t, models.PilotBusy, live.Status)
	})

	t.Run("unknown callsign", func(t *testing.T) {
		_, err := f.registry.Heartbeat(ctx, "ghost", "")
		assert.ErrorIs(t, err, errs.ErrNotFound)
	})

	t.Run("invalid status rejected", func(t *testing.T) {
		_, err := f.registry.UpdateStatus(ctx, "raven-1", "warp")
		assert.ErrorIs(t, err, errs.ErrInvalidInput)
	})

	t.Run("workload adjustment clamps at zero", func(t *testing.T) {
		p, err := f.registry.AdjustWorkload(ctx, "raven-1", 2)
		require.NoError(t, err)
		assert.Equal(t, 2, p.CurrentWorkload)

		p, err = f.registry.AdjustWorkload(ctx, "raven-1", -5)
		require.NoError(t, err)
		assert.Equal(t, 0, p.CurrentWorkload)
	})
}

func TestFindByCapability(t *testing.T) {
	f := newFixture(t, 3*time.Minute)
	ctx := context.Background()

	for _, p := range []registry.RegisterRequest{
		{Callsign: "raven-1", AgentType: "coder",
			Capabilities: []models.Capability{{Name: "backend", TriggerWords: []string{"api", "database"}}}},
		{Callsign: "raven-2", AgentType: "coder",
			Capabilities: []models.Capability{{Name: "frontend", TriggerWords: []string{"ui", "css"}}}},
	} {
		_, err := f.registry.Register(ctx, p)
		require.NoError(t, err)
	}

	got, err := f.registry.FindByCapability(ctx, []string{"API", "deploy"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "raven-1", got[0].Callsign)

	none, err := f.registry.FindByCapability(ctx, []string{"kubernetes"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestHealthAggregation(t *testing.T) {
	f := newFixture(t, 3*time.Minute)
	ctx := context.Background()

	_, err := f.registry.Register(ctx, registry.RegisterRequest{
		Callsign: "raven-1", AgentType: "coder"})
	require.NoError(t, err)

	t.Run("one failing dimension degrades", func(t *testing.T) {
		state, err := f.registry.ReportHealth(ctx, &models.PilotHealth{
			Callsign: "raven-1", HeartbeatOK: true, MemoryOK: false,
			CPUOK: true, CommunicationOK: true, TaskProcessingOK: true})
		require.NoError(t, err)
		assert.Equal(t, models.HealthDegraded, state)
	})

	t.Run("two failing dimensions unhealthy", func(t *testing.T) {
		state, err := f.registry.ReportHealth(ctx, &models.PilotHealth{
			Callsign: "raven-1", HeartbeatOK: true, MemoryOK: false,
			CPUOK: false, CommunicationOK: true, TaskProcessingOK: true})
		require.NoError(t, err)
		assert.Equal(t, models.HealthUnhealthy, state)
	})

	t.Run("unknown pilot rejected", func(t *testing.T) {
		_, err := f.registry.ReportHealth(ctx, &models.PilotHealth{Callsign: "ghost"})
		assert.ErrorIs(t, err, errs.ErrNotFound)
	})
}

func TestDeregisterReleasesEverything(t *testing.T) {
	f := newFixture(t, 3*time.Minute)
	ctx := context.Background()

	_, err := f.registry.Register(ctx, registry.RegisterRequest{
		Callsign: "raven-1", AgentType: "coder"})
	require.NoError(t, err)

	_, err = f.manager.Acquire(ctx, reservation.AcquireRequest{
		FilePath: "src/app.go", Callsign: "raven-1", Exclusive: true})
	require.NoError(t, err)

	require.NoError(t, f.registry.Deregister(ctx, "raven-1", ""))

	t.Run("pilot record is gone", func(t *testing.T) {
		_, err := f.registry.Get(ctx, "raven-1")
		assert.ErrorIs(t, err, errs.ErrNotFound)
	})

	t.Run("reservation was released", func(t *testing.T) {
		active, err := f.manager.ListActive(ctx)
		require.NoError(t, err)
		assert.Empty(t, active)
	})

	t.Run("deregistration event carries the reason", func(t *testing.T) {
		latest, err := f.events.GetLatest(ctx, models.StreamPilot, "raven-1")
		require.NoError(t, err)
		require.Equal(t, "pilot_deregistered", latest.EventType)
		assert.Contains(t, string(latest.Data), `"reason":"shutdown"`)
	})
}

func TestEvictStaleRequeuesWork(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	old := models.Now().Add(-time.Hour)
	require.NoError(t, f.store.InsertPilot(ctx, &models.Pilot{
		PilotID:       ids.New(ids.PrefixPilot),
		Callsign:      "raven-1",
		AgentType:     "coder",
		Status:        models.PilotBusy,
		MaxWorkload:   3,
		LastHeartbeat: old,
		CreatedAt:     old,
	}))

	wo := &models.WorkOrder{
		ID:         ids.NewWorkOrder(),
		WorkType:   "implement",
		Status:     models.WorkOrderInProgress,
		AssignedTo: "raven-1",
		Priority:   models.PriorityMedium,
		CreatedAt:  old,
		UpdatedAt:  old,
	}
	require.NoError(t, f.store.InsertWorkOrder(ctx, wo))
	require.NoError(t, f.store.InsertAssignment(ctx, &models.Assignment{
		AssignmentID: ids.New(ids.PrefixAssignment),
		WorkOrderID:  wo.ID,
		PilotID:      "raven-1",
		AssignedAt:   old,
		Active:       true,
	}))

	evicted, err := f.registry.EvictStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, evicted)

	t.Run("pilot is offline", func(t *testing.T) {
		p, err := f.registry.Get(ctx, "raven-1")
		require.NoError(t, err)
		assert.Equal(t, models.PilotOffline, p.Status)
	})

	t.Run("work order is pending again", func(t *testing.T) {
		got, err := f.store.GetWorkOrder(ctx, wo.ID)
		require.NoError(t, err)
		assert.Equal(t, models.WorkOrderPending, got.Status)
		assert.Empty(t, got.AssignedTo)
	})

	t.Run("assignment was deactivated", func(t *testing.T) {
		_, err := f.store.GetActiveAssignment(ctx, wo.ID)
		assert.ErrorIs(t, err, errs.ErrNotFound)
	})

	t.Run("second pass is a no-op", func(t *testing.T) {
		evicted, err := f.registry.EvictStale(ctx)
		require.NoError(t, err)
		assert.Zero(t, evicted)
	})
}
