package checkpoint_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flightline/fleet/pkg/checkpoint"
	"github.com/flightline/fleet/pkg/errs"
	"github.com/flightline/fleet/pkg/events"
	"github.com/flightline/fleet/pkg/mailbox"
	"github.com/flightline/fleet/pkg/models"
	"github.com/flightline/fleet/pkg/orchestrator"
	"github.com/flightline/fleet/pkg/registry"
	"github.com/flightline/fleet/pkg/reservation"
	"github.com/flightline/fleet/pkg/scheduler"
	"github.com/flightline/fleet/pkg/store"
	testdb "github.com/flightline/fleet/test/database"
)

type fixture struct {
	checkpoints  *checkpoint.Service
	orchestrator *orchestrator.Service
	scheduler    *scheduler.Service
	registry     *registry.Service
	reservations *reservation.Manager
	mailbox      *mailbox.Service
	events       *events.Service
	store        *store.Store
}

type noMatch struct{}

func (noMatch) Match(context.Context, string, []string) (*models.Pattern, error) {
	return nil, nil
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.New(testdb.NewTestClient(t))
	ev := events.NewService(st, events.NewRegistry(), events.NewNotifier(), slog.Default())
	mb := mailbox.NewService(st, ev, slog.Default())
	res := reservation.NewManager(st, ev, time.Hour, 5*time.Minute, slog.Default())
	reg := registry.NewService(st, ev, nil, res, 3*time.Minute, slog.Default())
	sched := scheduler.NewService(st, ev, reg, mb, 3, 30*time.Second, slog.Default())
	orch := orchestrator.NewService(st, ev, sched, noMatch{}, slog.Default())
	return &fixture{
		checkpoints:  checkpoint.NewService(st, ev, mb, time.Hour, 5*time.Minute, slog.Default()),
		orchestrator: orch,
		scheduler:    sched,
		registry:     reg,
		reservations: res,
		mailbox:      mb,
		events:       ev,
		store:        st,
	}
}

// launchMission creates and launches a two-order mission and dispatches both
// orders to a registered pilot. The first order is completed, the second is
// accepted and left in flight.
func (f *fixture) launchMission(t *testing.T) (*models.Mission, []models.WorkOrder) {
	t.Helper()
	ctx := context.Background()

	_, err := f.registry.Register(ctx, registry.RegisterRequest{
		Callsign:     "viper",
		AgentType:    "coder",
		Capabilities: []models.Capability{
			{Name: "api", TriggerWords: []string{"api"}},
			{Name: "database", TriggerWords: []string{"database"}},
		},
		MaxWorkload:  5,
	})
	require.NoError(t, err)

	mission, err := f.orchestrator.CreateMission(ctx, orchestrator.CreateMissionRequest{
		Title:       "Build service",
		Description: "stand up the api",
		Areas: []orchestrator.Area{
			{Name: "api", Files: []string{"src/api/handler.go"}, WorkTypes: []string{"implement api", "test api"}},
		},
	})
	require.NoError(t, err)
	_, err = f.orchestrator.Launch(ctx, mission.ID)
	require.NoError(t, err)

	dispatched, err := f.scheduler.Dispatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, dispatched)

	orders := f.listOrders(t, mission.ID)
	require.Len(t, orders, 2)

	require.NoError(t, f.scheduler.Accept(ctx, orders[0].ID, "viper"))
	require.NoError(t, f.scheduler.Progress(ctx, orders[0].ID, "viper", 50, nil))
	require.NoError(t, f.scheduler.Complete(ctx, orders[0].ID, "viper"))

	dispatched, err = f.scheduler.Dispatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, dispatched)
	require.NoError(t, f.scheduler.Accept(ctx, orders[1].ID, "viper"))

	return mission, f.listOrders(t, mission.ID)
}

// listOrders returns the mission's work orders in creation order.
func (f *fixture) listOrders(t *testing.T, missionID string) []models.WorkOrder {
	t.Helper()
	ctx := context.Background()
	overview, err := f.orchestrator.GetOverview(ctx, missionID)
	require.NoError(t, err)
	var out []models.WorkOrder
	for i := range overview.Sorties {
		out = append(out, overview.WorkOrders[overview.Sorties[i].ID]...)
	}
	return out
}

func TestCreateCheckpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mission, _ := f.launchMission(t)

	_, err := f.reservations.Acquire(ctx, reservation.AcquireRequest{
		FilePath:  "src/api/handler.go",
		Callsign:  "viper",
		Exclusive: true,
	})
	require.NoError(t, err)

	cp, err := f.checkpoints.Create(ctx, checkpoint.CreateRequest{MissionID: mission.ID})
	require.NoError(t, err)
	assert.Equal(t, models.TriggerManual, cp.Trigger)
	assert.Equal(t, 50, cp.ProgressPercent)
	assert.Equal(t, 1, cp.Version)

	snap, err := cp.DecodeSnapshot()
	require.NoError(t, err)
	require.Len(t, snap.Sorties, 1)
	require.Len(t, snap.WorkOrders, 2)

	t.Run("holdings captured", func(t *testing.T) {
		require.Len(t, snap.Reservations, 1)
		assert.Equal(t, "src/api/handler.go", snap.Reservations[0].FilePath)
		assert.Equal(t, "viper", snap.Reservations[0].HolderCallsign)
	})

	t.Run("mailbox backlog captured", func(t *testing.T) {
		require.Len(t, snap.Mailboxes, 1)
		assert.Equal(t, "viper", snap.Mailboxes[0].MailboxID)
		// Both assignment messages are still undelivered.
		assert.Len(t, snap.Mailboxes[0].Pending, 2)
	})

	t.Run("recovery context summarizes the mission", func(t *testing.T) {
		assert.Equal(t, "Build service: stand up the api", snap.Recovery.MissionSummary)
		assert.Equal(t, []string{"implement api"}, snap.Recovery.CompletedSteps)
		assert.Equal(t, []string{"test api"}, snap.Recovery.NextSteps)
		assert.Contains(t, snap.Recovery.FilesTouched, "src/api/handler.go")
	})

	t.Run("creation event recorded", func(t *testing.T) {
		latest, err := f.events.GetLatest(ctx, models.StreamCheckpoint, mission.ID)
		require.NoError(t, err)
		assert.Equal(t, "checkpoint_created", latest.EventType)
	})

	t.Run("unknown mission rejected", func(t *testing.T) {
		_, err := f.checkpoints.Create(ctx, checkpoint.CreateRequest{MissionID: "msn_missing"})
		assert.ErrorIs(t, err, errs.ErrNotFound)
	})

	t.Run("bad trigger rejected", func(t *testing.T) {
		_, err := f.checkpoints.Create(ctx, checkpoint.CreateRequest{
			MissionID: mission.ID,
			Trigger:   models.CheckpointTrigger("whim"),
		})
		assert.ErrorIs(t, err, errs.ErrInvalidInput)
	})
}

func TestResumeRestoresState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mission, before := f.launchMission(t)

	cp, err := f.checkpoints.Create(ctx, checkpoint.CreateRequest{MissionID: mission.ID})
	require.NoError(t, err)

	// Lose everything after the snapshot.
	require.NoError(t, f.orchestrator.CancelMission(ctx, mission.ID, "context lost"))

	plan, err := f.checkpoints.Resume(ctx, mission.ID, "", false)
	require.NoError(t, err)
	assert.Equal(t, cp.ID, plan.CheckpointID)
	assert.Equal(t, 1, plan.Sorties)
	assert.Equal(t, 2, plan.WorkOrders)
	assert.False(t, plan.DryRun)

	restored, err := f.orchestrator.GetMission(ctx, mission.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MissionInProgress, restored.Status)

	after := f.listOrders(t, mission.ID)
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].Status, after[i].Status, before[i].ID)
		assert.Equal(t, before[i].AssignedTo, after[i].AssignedTo, before[i].ID)
	}

	t.Run("checkpoint consumed once", func(t *testing.T) {
		got, err := f.checkpoints.Get(ctx, cp.ID)
		require.NoError(t, err)
		assert.NotNil(t, got.ConsumedAt)

		_, err = f.checkpoints.Resume(ctx, mission.ID, cp.ID, false)
		assert.ErrorIs(t, err, errs.ErrPreconditionFailed)
	})

	t.Run("recovery events emitted", func(t *testing.T) {
		latest, err := f.events.GetLatest(ctx, models.StreamCheckpoint, mission.ID)
		require.NoError(t, err)
		assert.Equal(t, "fleet_recovered", latest.EventType)
	})
}

func TestResumeDryRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mission, _ := f.launchMission(t)

	cp, err := f.checkpoints.Create(ctx, checkpoint.CreateRequest{MissionID: mission.ID})
	require.NoError(t, err)
	require.NoError(t, f.orchestrator.CancelMission(ctx, mission.ID, "context lost"))

	plan, err := f.checkpoints.Resume(ctx, mission.ID, "", true)
	require.NoError(t, err)
	assert.True(t, plan.DryRun)
	assert.Equal(t, 2, plan.WorkOrders)

	got, err := f.checkpoints.Get(ctx, cp.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ConsumedAt, "dry run must not consume")

	unchanged, err := f.orchestrator.GetMission(ctx, mission.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MissionCancelled, unchanged.Status, "dry run must not restore")
}

func TestResumeReissuesHoldings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mission, _ := f.launchMission(t)

	res, err := f.reservations.Acquire(ctx, reservation.AcquireRequest{
		FilePath:  "src/api/handler.go",
		Callsign:  "viper",
		Exclusive: true,
	})
	require.NoError(t, err)
	lock, err := f.reservations.AcquireLock(ctx, "deploy", "viper", 0, 0)
	require.NoError(t, err)

	// A second pilot takes over the sortie and holds a reservation, then
	// departs before the resume.
	_, err = f.registry.Register(ctx, registry.RegisterRequest{
		Callsign: "ghost", AgentType: "coder",
		Capabilities: []models.Capability{{Name: "docs", TriggerWords: []string{"docs"}}},
	})
	require.NoError(t, err)
	overview, err := f.orchestrator.GetOverview(ctx, mission.ID)
	require.NoError(t, err)
	require.NoError(t, f.orchestrator.StartSortie(ctx, overview.Sorties[0].ID, "ghost"))
	_, err = f.reservations.Acquire(ctx, reservation.AcquireRequest{
		FilePath: "docs/readme.md",
		Callsign: "ghost",
	})
	require.NoError(t, err)

	cp, err := f.checkpoints.Create(ctx, checkpoint.CreateRequest{MissionID: mission.ID})
	require.NoError(t, err)
	snap, err := cp.DecodeSnapshot()
	require.NoError(t, err)
	require.Len(t, snap.Reservations, 2)
	require.Len(t, snap.Locks, 1)

	// Simulate the crash cleanup that drops every holding.
	require.NoError(t, f.reservations.Release(ctx, res.ReservationID, "viper", false))
	require.NoError(t, f.reservations.ReleaseLock(ctx, lock.LockID, "viper", false))
	require.NoError(t, f.registry.Deregister(ctx, "ghost", "shutdown"))

	_, err = f.checkpoints.Resume(ctx, mission.ID, cp.ID, false)
	require.NoError(t, err)

	t.Run("alive holder gets fresh holdings", func(t *testing.T) {
		held, err := f.reservations.ListByHolder(ctx, "viper")
		require.NoError(t, err)
		require.Len(t, held, 1)
		assert.Equal(t, "src/api/handler.go", held[0].FilePath)
		assert.NotEqual(t, res.ReservationID, held[0].ReservationID)
		assert.True(t, held[0].ExpiresAt.After(models.Now()))

		// The reissued lock blocks a competing fast acquire.
		_, err = f.reservations.AcquireLock(ctx, "deploy", "viper2", 0, time.Millisecond)
		assert.ErrorIs(t, err, errs.ErrTimeout)
	})

	t.Run("departed holder skipped", func(t *testing.T) {
		held, err := f.reservations.ListByHolder(ctx, "ghost")
		require.NoError(t, err)
		assert.Empty(t, held)
	})
}

func TestResumeReplaysMailbox(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mission, _ := f.launchMission(t)

	cp, err := f.checkpoints.Create(ctx, checkpoint.CreateRequest{MissionID: mission.ID})
	require.NoError(t, err)
	snap, err := cp.DecodeSnapshot()
	require.NoError(t, err)
	require.Len(t, snap.Mailboxes, 1)
	pending := len(snap.Mailboxes[0].Pending)
	require.Positive(t, pending)

	_, err = f.checkpoints.Resume(ctx, mission.ID, cp.ID, false)
	require.NoError(t, err)

	// Delivery is at-least-once: the backlog now holds the originals plus
	// the replayed copies.
	delivered, err := f.mailbox.Poll(ctx, "viper", "viper", 100, 0)
	require.NoError(t, err)
	assert.Len(t, delivered, pending*2)
}

func TestMonitorMilestoneCheckpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mission, _ := f.launchMission(t)

	monitor := checkpoint.NewMonitor(f.checkpoints, time.Hour, 0, false)
	monitor.Pass(ctx)

	cps, err := f.checkpoints.List(ctx, mission.ID, 0)
	require.NoError(t, err)
	require.Len(t, cps, 1)
	assert.Equal(t, models.TriggerProgress, cps[0].Trigger)
	assert.Equal(t, 50, cps[0].ProgressPercent)

	t.Run("same milestone not repeated", func(t *testing.T) {
		monitor.Pass(ctx)
		cps, err := f.checkpoints.List(ctx, mission.ID, 0)
		require.NoError(t, err)
		assert.Len(t, cps, 1)
	})
}

func TestMonitorInjectsRecoveryContext(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mission, _ := f.launchMission(t)

	_, err := f.checkpoints.Create(ctx, checkpoint.CreateRequest{MissionID: mission.ID})
	require.NoError(t, err)

	monitor := checkpoint.NewMonitor(f.checkpoints, time.Hour, time.Millisecond, false)
	time.Sleep(20 * time.Millisecond)
	monitor.Pass(ctx)

	latest, err := f.events.GetLatest(ctx, models.StreamCheckpoint, mission.ID)
	require.NoError(t, err)
	require.Equal(t, "context_injected", latest.EventType)
	assert.Contains(t, string(latest.Data), "prompt")
	assert.Contains(t, string(latest.Data), "Build service")

	t.Run("injection not repeated while quiet", func(t *testing.T) {
		time.Sleep(20 * time.Millisecond)
		monitor.Pass(ctx)
		after, err := f.events.QueryByStream(ctx, models.StreamCheckpoint, mission.ID, 0, 0)
		require.NoError(t, err)
		var injections int
		for i := range after {
			if after[i].EventType == "context_injected" {
				injections++
			}
		}
		assert.Equal(t, 1, injections)
	})
}

func TestMonitorAutoResume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mission, _ := f.launchMission(t)

	cp, err := f.checkpoints.Create(ctx, checkpoint.CreateRequest{MissionID: mission.ID})
	require.NoError(t, err)

	monitor := checkpoint.NewMonitor(f.checkpoints, time.Hour, time.Millisecond, true)
	time.Sleep(20 * time.Millisecond)
	monitor.Pass(ctx)

	got, err := f.checkpoints.Get(ctx, cp.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.ConsumedAt, "auto resume consumes the checkpoint")
}
