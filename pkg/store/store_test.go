package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flightline/fleet/pkg/errs"
	"github.com/flightline/fleet/pkg/ids"
	"github.com/flightline/fleet/pkg/models"
	"github.com/flightline/fleet/pkg/store"
	testdb "github.com/flightline/fleet/test/database"
)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	return store.New(testdb.NewTestClient(t))
}

func TestEventAppendAndQuery(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	missionID := ids.NewMission()

	for i := 1; i <= 3; i++ {
		seq, err := s.NextSequence(ctx, models.StreamMission, missionID)
		require.NoError(t, err)
		require.Equal(t, int64(i), seq)

		err = s.InsertEvent(ctx, &models.Event{
			EventID:       ids.NewEvent(),
			StreamType:    models.StreamMission,
			StreamID:      missionID,
			Sequence:      seq,
			EventType:     "mission_updated",
			Data:          []byte(`{"step":` + string(rune('0'+i)) + `}`),
			OccurredAt:    models.Now(),
			RecordedAt:    models.Now(),
			SchemaVersion: 1,
		})
		require.NoError(t, err)
	}

	t.Run("duplicate sequence conflicts", func(t *testing.T) {
		err := s.InsertEvent(ctx, &models.Event{
			EventID:       ids.NewEvent(),
			StreamType:    models.StreamMission,
			StreamID:      missionID,
			Sequence:      2,
			EventType:     "mission_updated",
			OccurredAt:    models.Now(),
			RecordedAt:    models.Now(),
			SchemaVersion: 1,
		})
		assert.ErrorIs(t, err, errs.ErrConflict)
	})

	t.Run("list after position", func(t *testing.T) {
		events, err := s.ListEventsByStream(ctx, models.StreamMission, missionID, 1, 0)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, int64(2), events[0].Sequence)
		assert.Equal(t, int64(3), events[1].Sequence)
	})

	t.Run("latest", func(t *testing.T) {
		latest, err := s.LatestEvent(ctx, models.StreamMission, missionID)
		require.NoError(t, err)
		assert.Equal(t, int64(3), latest.Sequence)
	})

	t.Run("count after cursor", func(t *testing.T) {
		n, err := s.CountEventsAfter(ctx, models.StreamMission, missionID, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
	})

	t.Run("empty stream is not found", func(t *testing.T) {
		_, err := s.LatestEvent(ctx, models.StreamMission, ids.NewMission())
		assert.ErrorIs(t, err, errs.ErrNotFound)
	})
}

func TestCursorAdvance(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	streamID := "mailbox-raven-1"

	cursor := &models.Cursor{
		CursorID:   ids.New(ids.PrefixCursor),
		StreamType: models.StreamMailbox,
		StreamID:   streamID,
		ConsumerID: "raven-1",
		Position:   3,
		UpdatedAt:  models.Now(),
	}

	t.Run("first advance creates the cursor", func(t *testing.T) {
		ok, err := s.AdvanceCursor(ctx, cursor)
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := s.GetCursor(ctx, models.StreamMailbox, streamID, "raven-1")
		require.NoError(t, err)
		assert.Equal(t, int64(3), got.Position)
	})

	t.Run("re-delivery of the same position is idempotent", func(t *testing.T) {
		ok, err := s.AdvanceCursor(ctx, cursor)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("regression is rejected", func(t *testing.T) {
		back := *cursor
		back.Position = 1
		ok, err := s.AdvanceCursor(ctx, &back)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := s.GetCursor(ctx, models.StreamMailbox, streamID, "raven-1")
		require.NoError(t, err)
		assert.Equal(t, int64(3), got.Position)
	})
}

func TestPilotLifecycle(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	pilot := &models.Pilot{
		PilotID:   ids.New(ids.PrefixPilot),
		Callsign:  "raven-1",
		AgentType: "coder",
		Status:    models.PilotIdle,
		Capabilities: []models.Capability{
			{Name: "refactor", TriggerWords: []string{"refactor", "cleanup"}},
		},
		MaxWorkload:   3,
		LastHeartbeat: models.Now(),
		CreatedAt:     models.Now(),
	}
	require.NoError(t, s.InsertPilot(ctx, pilot))

	t.Run("duplicate callsign conflicts", func(t *testing.T) {
		dup := *pilot
		dup.PilotID = ids.New(ids.PrefixPilot)
		assert.ErrorIs(t, s.InsertPilot(ctx, &dup), errs.ErrConflict)
	})

	t.Run("capabilities round-trip", func(t *testing.T) {
		got, err := s.GetPilot(ctx, "raven-1")
		require.NoError(t, err)
		require.Len(t, got.Capabilities, 1)
		assert.Equal(t, "refactor", got.Capabilities[0].Name)
		assert.Equal(t, []string{"refactor", "cleanup"}, got.Capabilities[0].TriggerWords)
	})

	t.Run("workload clamps at zero", func(t *testing.T) {
		require.NoError(t, s.AdjustPilotWorkload(ctx, "raven-1", 2))
		require.NoError(t, s.AdjustPilotWorkload(ctx, "raven-1", -5))
		got, err := s.GetPilot(ctx, "raven-1")
		require.NoError(t, err)
		assert.Zero(t, got.CurrentWorkload)
	})

	t.Run("stale listing", func(t *testing.T) {
		future := models.Now().Add(time.Hour).UTC().Format(time.RFC3339Nano)
		stale, err := s.ListStalePilots(ctx, future)
		require.NoError(t, err)
		assert.Len(t, stale, 1)
	})

	t.Run("health upsert and aggregate round-trip", func(t *testing.T) {
		h := &models.PilotHealth{Callsign: "raven-1", HeartbeatOK: true, MemoryOK: false,
			CPUOK: true, CommunicationOK: true, TaskProcessingOK: true, UpdatedAt: models.Now()}
		h.Aggregate()
		require.NoError(t, s.UpsertPilotHealth(ctx, h))

		got, err := s.GetPilotHealth(ctx, "raven-1")
		require.NoError(t, err)
		assert.Equal(t, models.HealthDegraded, got.Status)
	})

	t.Run("delete removes pilot and health", func(t *testing.T) {
		require.NoError(t, s.DeletePilot(ctx, "raven-1"))
		_, err := s.GetPilot(ctx, "raven-1")
		assert.ErrorIs(t, err, errs.ErrNotFound)
		_, err = s.GetPilotHealth(ctx, "raven-1")
		assert.ErrorIs(t, err, errs.ErrNotFound)
	})
}

func TestReservationExpiry(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := models.Now()

	expired := &models.Reservation{
		ReservationID:  ids.New(ids.PrefixReservation),
		FilePath:       "src/api/handler.go",
		HolderCallsign: "raven-1",
		Exclusive:      true,
		CreatedAt:      now.Add(-2 * time.Hour),
		ExpiresAt:      now.Add(-time.Hour),
	}
	live := &models.Reservation{
		ReservationID:  ids.New(ids.PrefixReservation),
		FilePath:       "src/api/router.go",
		HolderCallsign: "raven-2",
		CreatedAt:      now,
		ExpiresAt:      now.Add(time.Hour),
	}
	require.NoError(t, s.InsertReservation(ctx, expired))
	require.NoError(t, s.InsertReservation(ctx, live))

	nowStr := now.UTC().Format(time.RFC3339Nano)

	released, err := s.ExpireReservations(ctx, nowStr)
	require.NoError(t, err)
	require.Len(t, released, 1)
	assert.Equal(t, expired.ReservationID, released[0].ReservationID)

	active, err := s.ListActiveReservations(ctx, nowStr)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, live.ReservationID, active[0].ReservationID)

	t.Run("double release reports false", func(t *testing.T) {
		ok, err := s.ReleaseReservation(ctx, expired.ReservationID, nowStr)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestMissionStatusGuards(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	m := &models.Mission{
		ID:        ids.NewMission(),
		Title:     "stabilize flaky suite",
		Status:    models.MissionPending,
		Priority:  models.PriorityHigh,
		CreatedAt: models.Now(),
	}
	require.NoError(t, s.InsertMission(ctx, m))

	started := models.Now().UTC().Format(time.RFC3339Nano)
	require.NoError(t, s.UpdateMissionStatus(ctx, m.ID, models.MissionPending, models.MissionInProgress, &started, nil))

	t.Run("stale transition conflicts", func(t *testing.T) {
		err := s.UpdateMissionStatus(ctx, m.ID, models.MissionPending, models.MissionCancelled, nil, nil)
		assert.ErrorIs(t, err, errs.ErrConflict)
	})

	got, err := s.GetMission(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MissionInProgress, got.Status)
	require.NotNil(t, got.StartedAt)
}

func TestWorkOrderAndAssignment(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	w := &models.WorkOrder{
		ID:        ids.NewWorkOrder(),
		WorkType:  "refactor",
		Status:    models.WorkOrderPending,
		Priority:  models.PriorityMedium,
		CreatedAt: models.Now(),
		UpdatedAt: models.Now(),
	}
	require.NoError(t, s.InsertWorkOrder(ctx, w))

	at := models.Now().UTC().Format(time.RFC3339Nano)
	require.NoError(t, s.UpdateWorkOrderStatus(ctx, w.ID,
		models.WorkOrderPending, models.WorkOrderAssigned, "raven-1", "", nil, at))

	a := &models.Assignment{
		AssignmentID: ids.New(ids.PrefixAssignment),
		WorkOrderID:  w.ID,
		PilotID:      "raven-1",
		AssignedAt:   models.Now(),
		Active:       true,
	}
	require.NoError(t, s.InsertAssignment(ctx, a))

	t.Run("active assignment lookup", func(t *testing.T) {
		got, err := s.GetActiveAssignment(ctx, w.ID)
		require.NoError(t, err)
		assert.Equal(t, a.AssignmentID, got.AssignmentID)
	})

	t.Run("pilot work order listing", func(t *testing.T) {
		orders, err := s.ListWorkOrdersByPilot(ctx, "raven-1")
		require.NoError(t, err)
		require.Len(t, orders, 1)
		assert.Equal(t, w.ID, orders[0].ID)
	})

	t.Run("deactivation retires the assignment", func(t *testing.T) {
		require.NoError(t, s.DeactivateAssignment(ctx, a.AssignmentID, "ack timeout"))
		_, err := s.GetActiveAssignment(ctx, w.ID)
		assert.ErrorIs(t, err, errs.ErrNotFound)
	})

	t.Run("retry counter", func(t *testing.T) {
		require.NoError(t, s.IncrementWorkOrderRetry(ctx, w.ID, "compile error", at))
		got, err := s.GetWorkOrder(ctx, w.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.RetryCount)
		assert.Equal(t, "compile error", got.LastError)
	})
}

func TestDependencyResolution(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	a, b, c := ids.NewWorkOrder(), ids.NewWorkOrder(), ids.NewWorkOrder()
	require.NoError(t, s.InsertDependency(ctx, &models.TaskDependency{
		TaskID: b, DependsOnTaskID: a, Type: models.DependencyCompletion}))
	require.NoError(t, s.InsertDependency(ctx, &models.TaskDependency{
		TaskID: c, DependsOnTaskID: a, Type: models.DependencySuccess}))

	n, err := s.ResolveDependencies(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	deps, err := s.ListDependencies(ctx, b)
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.True(t, deps[0].Resolved)

	t.Run("duplicate edge conflicts", func(t *testing.T) {
		err := s.InsertDependency(ctx, &models.TaskDependency{
			TaskID: b, DependsOnTaskID: a, Type: models.DependencyCompletion})
		assert.ErrorIs(t, err, errs.ErrConflict)
	})
}

func TestCheckpointConsumeOnce(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	m := &models.Mission{ID: ids.NewMission(), Title: "m", Status: models.MissionInProgress,
		Priority: models.PriorityMedium, CreatedAt: models.Now()}
	require.NoError(t, s.InsertMission(ctx, m))

	c := &models.Checkpoint{
		ID:        ids.NewCheckpoint(),
		MissionID: m.ID,
		Timestamp: models.Now(),
		Trigger:   models.TriggerManual,
		Snapshot:  []byte(`{"sorties":[],"work_orders":[],"recovery":{"mission_summary":"s"}}`),
		Version:   1,
	}
	require.NoError(t, s.InsertCheckpoint(ctx, c))

	at := models.Now().UTC().Format(time.RFC3339Nano)
	require.NoError(t, s.ConsumeCheckpoint(ctx, c.ID, at))

	t.Run("second consume fails the precondition", func(t *testing.T) {
		err := s.ConsumeCheckpoint(ctx, c.ID, at)
		assert.ErrorIs(t, err, errs.ErrPreconditionFailed)
	})

	t.Run("missing checkpoint is not found", func(t *testing.T) {
		err := s.ConsumeCheckpoint(ctx, ids.NewCheckpoint(), at)
		assert.ErrorIs(t, err, errs.ErrNotFound)
	})
}

func TestPatternVersioning(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	p := &models.Pattern{
		PatternID:     ids.New(ids.PrefixPattern),
		PatternHash:   "a1b2c3",
		PatternType:   "decomposition",
		MissionType:   "refactor",
		Template:      []string{"analyze", "refactor", "test"},
		Effectiveness: 0.8,
		Status:        models.PatternActive,
		Version:       1,
		CreatedAt:     models.Now(),
	}
	require.NoError(t, s.InsertPattern(ctx, p))

	t.Run("same hash and version conflicts", func(t *testing.T) {
		dup := *p
		dup.PatternID = ids.New(ids.PrefixPattern)
		assert.ErrorIs(t, s.InsertPattern(ctx, &dup), errs.ErrConflict)
	})

	t.Run("version bump coexists", func(t *testing.T) {
		v2 := *p
		v2.PatternID = ids.New(ids.PrefixPattern)
		v2.Version = 2
		v2.Template = []string{"analyze", "refactor", "test", "document"}
		require.NoError(t, s.InsertPattern(ctx, &v2))

		got, err := s.GetPatternByHash(ctx, "a1b2c3")
		require.NoError(t, err)
		assert.Equal(t, 2, got.Version)
		assert.Len(t, got.Template, 4)
	})

	t.Run("outcome round-trip", func(t *testing.T) {
		o := &models.PatternOutcome{
			OutcomeID:  ids.New(ids.PrefixOutcome),
			PatternID:  p.PatternID,
			MissionID:  ids.NewMission(),
			Outcome:    models.OutcomeSuccess,
			Duration:   90 * time.Second,
			Deviations: []string{"skipped docs"},
			RecordedAt: models.Now(),
		}
		require.NoError(t, s.InsertOutcome(ctx, o))

		outcomes, err := s.ListOutcomes(ctx, p.PatternID, 0)
		require.NoError(t, err)
		require.Len(t, outcomes, 1)
		assert.Equal(t, models.OutcomeSuccess, outcomes[0].Outcome)
		assert.Equal(t, 90*time.Second, outcomes[0].Duration)
	})
}
