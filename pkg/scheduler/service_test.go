package scheduler_test

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
	"github.com/flightline/fleet/pkg/registry"
	"github.com/flightline/fleet/pkg/scheduler"
	"github.com/flightline/fleet/pkg/store"
	testdb "github.com/flightline/fleet/test/database"
)

type fixture struct {
	scheduler *scheduler.Service
	registry  *registry.Service
	mailbox   *mailbox.Service
	events    *events.Service
	store     *store.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.New(testdb.NewTestClient(t))
	ev := events.NewService(st, events.NewRegistry(), events.NewNotifier(), slog.Default())
	mb := mailbox.NewService(st, ev, slog.Default())
	reg := registry.NewService(st, ev, nil, nil, 3*time.Minute, slog.Default())
	return &fixture{
		scheduler: scheduler.NewService(st, ev, reg, mb, 3, 30*time.Second, slog.Default()),
		registry:  reg,
		mailbox:   mb,
		events:    ev,
		store:     st,
	}
}

func (f *fixture) backdateAssignment(t *testing.T, assignmentID string, by time.Duration) {
	t.Helper()
	at := models.Now().Add(-by).Format(time.RFC3339Nano)
	_, err := f.store.Client().ExecContext(context.Background(),
		`UPDATE assignments SET assigned_at = ? WHERE assignment_id = ?`, at, assignmentID)
	require.NoError(t, err)
}

func (f *fixture) registerPilot(t *testing.T, callsign string, words ...string) {
	t.Helper()
	_, err := f.registry.Register(context.Background(), registry.RegisterRequest{
		Callsign:  callsign,
		AgentType: "coder",
		Capabilities: []models.Capability{
			{Name: "main", TriggerWords: words},
		},
	})
	require.NoError(t, err)
}

func TestSubmit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	wo, err := f.scheduler.Submit(ctx, scheduler.SubmitRequest{
		WorkType:    "implement api",
		Description: "build the database layer",
	})
	require.NoError(t, err)
	assert.Equal(t, models.WorkOrderPending, wo.Status)
	assert.Equal(t, models.PriorityMedium, wo.Priority)

	t.Run("empty work type rejected", func(t *testing.T) {
		_, err := f.scheduler.Submit(ctx, scheduler.SubmitRequest{})
		assert.ErrorIs(t, err, errs.ErrInvalidInput)
	})

	t.Run("unknown dependency target rejected", func(t *testing.T) {
		_, err := f.scheduler.Submit(ctx, scheduler.SubmitRequest{
			WorkType:     "test",
			Dependencies: []scheduler.DependencySpec{{DependsOn: "wo-missing"}},
		})
		assert.ErrorIs(t, err, errs.ErrNotFound)
	})

	t.Run("creation event recorded", func(t *testing.T) {
		latest, err := f.events.GetLatest(ctx, models.StreamWorkOrder, wo.ID)
		require.NoError(t, err)
		assert.Equal(t, "work_order_created", latest.EventType)
	})
}

func TestCycleDetection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.scheduler.Submit(ctx, scheduler.SubmitRequest{WorkType: "step one"})
	require.NoError(t, err)
	b, err := f.scheduler.Submit(ctx, scheduler.SubmitRequest{
		WorkType:     "step two",
		Dependencies: []scheduler.DependencySpec{{DependsOn: a.ID}},
	})
	require.NoError(t, err)

	// Closing a->b->a by making a new order that b depends on is impossible
	// through Submit, so build the cycle through stored edges instead.
	require.NoError(t, f.store.InsertDependency(ctx, &models.TaskDependency{
		TaskID:          a.ID,
		DependsOnTaskID: b.ID,
		Type:            models.DependencyCompletion,
	}))

	_, err = f.scheduler.Submit(ctx, scheduler.SubmitRequest{
		WorkType:     "step three",
		Dependencies: []scheduler.DependencySpec{{DependsOn: a.ID}},
	})
	assert.ErrorIs(t, err, errs.ErrInvalidInput)

	// Nothing from the rejected submission was persisted.
	pending, err := f.store.ListWorkOrders(ctx, models.WorkOrderPending, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestDispatchSelectsBestPilot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.registerPilot(t, "raven-1", "api", "database")
	f.registerPilot(t, "raven-2", "ui", "css")

	wo, err := f.scheduler.Submit(ctx, scheduler.SubmitRequest{
		WorkType:    "implement api",
		Description: "wire the database layer",
	})
	require.NoError(t, err)

	n, err := f.scheduler.Dispatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.store.GetWorkOrder(ctx, wo.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkOrderAssigned, got.Status)
	assert.Equal(t, "raven-1", got.AssignedTo)

	t.Run("pilot workload raised", func(t *testing.T) {
		p, err := f.registry.Get(ctx, "raven-1")
		require.NoError(t, err)
		assert.Equal(t, 1, p.CurrentWorkload)
	})

	t.Run("assignment posted to the pilot's mailbox", func(t *testing.T) {
		got, err := f.mailbox.Poll(ctx, "raven-1", "raven-1", 10, 0)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Contains(t, string(got[0].Data), wo.ID)
	})
}

func TestDispatchSkipsIneligible(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("no capability overlap stays pending", func(t *testing.T) {
		f.registerPilot(t, "raven-2", "ui", "css")
		wo, err := f.scheduler.Submit(ctx, scheduler.SubmitRequest{WorkType: "deploy infra"})
		require.NoError(t, err)

		n, err := f.scheduler.Dispatch(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)

		got, err := f.store.GetWorkOrder(ctx, wo.ID)
		require.NoError(t, err)
		assert.Equal(t, models.WorkOrderPending, got.Status)
	})

	t.Run("full pilot is never selected", func(t *testing.T) {
		_, err := f.registry.Register(ctx, registry.RegisterRequest{
			Callsign:    "raven-3",
			AgentType:   "coder",
			MaxWorkload: 1,
			Capabilities: []models.Capability{
				{Name: "infra", TriggerWords: []string{"deploy"}},
			},
		})
		require.NoError(t, err)
		_, err = f.registry.AdjustWorkload(ctx, "raven-3", 1)
		require.NoError(t, err)

		n, err := f.scheduler.Dispatch(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("unresolved dependency blocks dispatch", func(t *testing.T) {
		f.registerPilot(t, "raven-4", "review")
		first, err := f.scheduler.Submit(ctx, scheduler.SubmitRequest{WorkType: "review draft"})
		require.NoError(t, err)
		second, err := f.scheduler.Submit(ctx, scheduler.SubmitRequest{
			WorkType:     "review final",
			Dependencies: []scheduler.DependencySpec{{DependsOn: first.ID}},
		})
		require.NoError(t, err)

		_, err = f.scheduler.Dispatch(ctx)
		require.NoError(t, err)

		got, err := f.store.GetWorkOrder(ctx, second.ID)
		require.NoError(t, err)
		assert.Equal(t, models.WorkOrderPending, got.Status)
	})
}

func TestLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.registerPilot(t, "raven-1", "api")
	wo, err := f.scheduler.Submit(ctx, scheduler.SubmitRequest{WorkType: "implement api"})
	require.NoError(t, err)
	_, err = f.scheduler.Dispatch(ctx)
	require.NoError(t, err)

	t.Run("wrong pilot cannot act", func(t *testing.T) {
		err := f.scheduler.Accept(ctx, wo.ID, "raven-9")
		assert.ErrorIs(t, err, errs.ErrForbidden)
	})

	require.NoError(t, f.scheduler.Accept(ctx, wo.ID, "raven-1"))

	t.Run("first progress starts the work order", func(t *testing.T) {
		require.NoError(t, f.scheduler.Progress(ctx, wo.ID, "raven-1", 25, nil))
		got, err := f.store.GetWorkOrder(ctx, wo.ID)
		require.NoError(t, err)
		assert.Equal(t, models.WorkOrderInProgress, got.Status)
	})

	t.Run("progress out of range rejected", func(t *testing.T) {
		err := f.scheduler.Progress(ctx, wo.ID, "raven-1", 150, nil)
		assert.ErrorIs(t, err, errs.ErrInvalidInput)
	})

	require.NoError(t, f.scheduler.Complete(ctx, wo.ID, "raven-1"))

	t.Run("completion releases workload", func(t *testing.T) {
		p, err := f.registry.Get(ctx, "raven-1")
		require.NoError(t, err)
		assert.Zero(t, p.CurrentWorkload)
	})

	t.Run("terminal order rejects further transitions", func(t *testing.T) {
		err := f.scheduler.Complete(ctx, wo.ID, "raven-1")
		assert.Error(t, err)
	})
}

func TestDependencyUnblocksOnCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.registerPilot(t, "raven-1", "build")
	first, err := f.scheduler.Submit(ctx, scheduler.SubmitRequest{WorkType: "build core"})
	require.NoError(t, err)
	second, err := f.scheduler.Submit(ctx, scheduler.SubmitRequest{
		WorkType:     "build addon",
		Dependencies: []scheduler.DependencySpec{{DependsOn: first.ID, Type: models.DependencySuccess}},
	})
	require.NoError(t, err)

	_, err = f.scheduler.Dispatch(ctx)
	require.NoError(t, err)
	require.NoError(t, f.scheduler.Accept(ctx, first.ID, "raven-1"))
	require.NoError(t, f.scheduler.Progress(ctx, first.ID, "raven-1", 50, nil))
	require.NoError(t, f.scheduler.Complete(ctx, first.ID, "raven-1"))

	n, err := f.scheduler.Dispatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.store.GetWorkOrder(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkOrderAssigned, got.Status)
}

func TestRetryThenTerminalFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.registerPilot(t, "raven-1", "flaky")
	wo, err := f.scheduler.Submit(ctx, scheduler.SubmitRequest{WorkType: "flaky job"})
	require.NoError(t, err)

	fail := func() {
		t.Helper()
		_, err := f.scheduler.Dispatch(ctx)
		require.NoError(t, err)
		require.NoError(t, f.scheduler.Accept(ctx, wo.ID, "raven-1"))
		require.NoError(t, f.scheduler.Progress(ctx, wo.ID, "raven-1", 10, nil))
		require.NoError(t, f.scheduler.Fail(ctx, wo.ID, "raven-1", "boom"))
	}

	t.Run("first failures requeue with backoff", func(t *testing.T) {
		fail()
		got, err := f.store.GetWorkOrder(ctx, wo.ID)
		require.NoError(t, err)
		assert.Equal(t, models.WorkOrderPending, got.Status)
		assert.Equal(t, 1, got.RetryCount)

		// The backoff keeps it off the very next pass.
		n, err := f.scheduler.Dispatch(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("limit reached fails terminally", func(t *testing.T) {
		f.scheduler.ClearBackoff(wo.ID)
		fail()
		f.scheduler.ClearBackoff(wo.ID)
		fail()

		got, err := f.store.GetWorkOrder(ctx, wo.ID)
		require.NoError(t, err)
		assert.Equal(t, models.WorkOrderFailed, got.Status)
		assert.Equal(t, 3, got.RetryCount)
		assert.Equal(t, "boom", got.LastError)
	})
}

func TestReapAckTimeouts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.registerPilot(t, "raven-1", "api")
	wo, err := f.scheduler.Submit(ctx, scheduler.SubmitRequest{WorkType: "implement api"})
	require.NoError(t, err)
	_, err = f.scheduler.Dispatch(ctx)
	require.NoError(t, err)

	// Backdate the assignment so the ack window has lapsed.
	a, err := f.store.GetActiveAssignment(ctx, wo.ID)
	require.NoError(t, err)
	f.backdateAssignment(t, a.AssignmentID, time.Minute)

	reaped, err := f.scheduler.ReapAckTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	got, err := f.store.GetWorkOrder(ctx, wo.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkOrderPending, got.Status)

	_, err = f.store.GetActiveAssignment(ctx, wo.ID)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestRecoverOrphans(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.registerPilot(t, "raven-1", "api")
	wo, err := f.scheduler.Submit(ctx, scheduler.SubmitRequest{WorkType: "implement api"})
	require.NoError(t, err)
	_, err = f.scheduler.Dispatch(ctx)
	require.NoError(t, err)

	// Simulate a crash that lost the assignment but left the work order
	// assigned.
	a, err := f.store.GetActiveAssignment(ctx, wo.ID)
	require.NoError(t, err)
	require.NoError(t, f.store.DeactivateAssignment(ctx, a.AssignmentID, "lost"))

	require.NoError(t, f.scheduler.RecoverOrphans(ctx))

	got, err := f.store.GetWorkOrder(ctx, wo.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkOrderPending, got.Status)
}
