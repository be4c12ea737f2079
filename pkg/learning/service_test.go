package learning_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flightline/fleet/pkg/errs"
	"github.com/flightline/fleet/pkg/events"
	"github.com/flightline/fleet/pkg/ids"
	"github.com/flightline/fleet/pkg/learning"
	"github.com/flightline/fleet/pkg/models"
	"github.com/flightline/fleet/pkg/store"
	testdb "github.com/flightline/fleet/test/database"
)

type fixture struct {
	learning *learning.Service
	events   *events.Service
	store    *store.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.New(testdb.NewTestClient(t))
	ev := events.NewService(st, events.NewRegistry(), events.NewNotifier(), slog.Default())
	return &fixture{
		learning: learning.NewService(st, ev, slog.Default()),
		events:   ev,
		store:    st,
	}
}

// seedCompletedMission inserts a completed mission whose work orders finished
// in the given order.
func (f *fixture) seedCompletedMission(t *testing.T, missionType string, workTypes ...string) *models.Mission {
	t.Helper()
	ctx := context.Background()
	now := models.Now()
	started := now.Add(-10 * time.Minute)

	mission := &models.Mission{
		ID:          ids.NewMission(),
		Title:       "seeded",
		Status:      models.MissionCompleted,
		Priority:    models.PriorityMedium,
		CreatedAt:   started,
		StartedAt:   &started,
		CompletedAt: &now,
	}
	require.NoError(t, f.store.InsertMission(ctx, mission))

	data, err := json.Marshal(map[string]any{"title": mission.Title, "mission_type": missionType})
	require.NoError(t, err)
	_, err = f.events.Append(ctx, events.AppendRequest{
		StreamType: models.StreamMission,
		StreamID:   mission.ID,
		EventType:  "mission_created",
		Data:       data,
	})
	require.NoError(t, err)

	sortie := &models.Sortie{
		ID:        ids.NewSortie(),
		MissionID: mission.ID,
		Status:    models.SortieClosed,
		CreatedAt: started,
		UpdatedAt: now,
	}
	require.NoError(t, f.store.InsertSortie(ctx, sortie))
	for i, wt := range workTypes {
		finished := started.Add(time.Duration(i+1) * time.Minute)
		require.NoError(t, f.store.InsertWorkOrder(ctx, &models.WorkOrder{
			ID:          ids.NewWorkOrder(),
			SortieID:    sortie.ID,
			WorkType:    wt,
			Status:      models.WorkOrderCompleted,
			Priority:    models.PriorityMedium,
			CreatedAt:   started,
			UpdatedAt:   finished,
			CompletedAt: &finished,
		}))
	}
	return mission
}

func TestObserveCompletedLearnsPattern(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mission := f.seedCompletedMission(t, "refactor", "Design API", "Implement API", "Verify")
	require.NoError(t, f.learning.ObserveCompleted(ctx, mission.ID))

	patterns, err := f.learning.ListPatterns(ctx, "refactor", "", "", 0)
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, []string{"design api", "implement api", "verify"}, patterns[0].Template)
	assert.Equal(t, 1, patterns[0].SuccessCount)
	assert.Equal(t, 1, patterns[0].Version)
	assert.InDelta(t, 1.0, patterns[0].Effectiveness, 0.01)
	assert.Equal(t, 10*time.Minute, patterns[0].AvgDuration)

	t.Run("learned event emitted", func(t *testing.T) {
		latest, err := f.events.GetLatest(ctx, models.StreamSystem, "fleet")
		require.NoError(t, err)
		assert.Equal(t, "pattern_learned", latest.EventType)
	})

	t.Run("same sequence credits the existing pattern", func(t *testing.T) {
		second := f.seedCompletedMission(t, "refactor", "design-api", "IMPLEMENT api", "verify")
		require.NoError(t, f.learning.ObserveCompleted(ctx, second.ID))

		patterns, err := f.learning.ListPatterns(ctx, "refactor", "", "", 0)
		require.NoError(t, err)
		require.Len(t, patterns, 1)
		assert.Equal(t, 2, patterns[0].SuccessCount)
	})

	t.Run("pending mission rejected", func(t *testing.T) {
		pending := &models.Mission{
			ID:        ids.NewMission(),
			Title:     "not done",
			Status:    models.MissionPending,
			Priority:  models.PriorityMedium,
			CreatedAt: models.Now(),
		}
		require.NoError(t, f.store.InsertMission(ctx, pending))
		assert.ErrorIs(t, f.learning.ObserveCompleted(ctx, pending.ID), errs.ErrInvalidInput)
	})
}

func TestMatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.learning.CreatePattern(ctx, learning.CreateRequest{
		MissionType: "general",
		Template:    []string{"implement api", "test api"},
	})
	require.NoError(t, err)

	got, err := f.learning.Match(ctx, "general", []string{"implement", "test", "api"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, created.PatternID, got.PatternID)

	t.Run("match refreshes last used", func(t *testing.T) {
		reread, err := f.learning.GetPattern(ctx, created.PatternID)
		require.NoError(t, err)
		assert.NotNil(t, reread.LastUsedAt)
	})

	t.Run("dissimilar keywords miss", func(t *testing.T) {
		got, err := f.learning.Match(ctx, "general", []string{"write", "docs"})
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("wrong mission type misses", func(t *testing.T) {
		got, err := f.learning.Match(ctx, "hotfix", []string{"implement", "test", "api"})
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("ineffective pattern not offered", func(t *testing.T) {
		weak := f.seedCompletedMission(t, "general", "deploy service")
		require.NoError(t, f.learning.ObserveCompleted(ctx, weak.ID))
		patterns, err := f.learning.ListPatterns(ctx, "general", "", "", 0)
		require.NoError(t, err)
		var weakID string
		for i := range patterns {
			if len(patterns[i].Template) == 1 {
				weakID = patterns[i].PatternID
			}
		}
		require.NotEmpty(t, weakID)
		for range 3 {
			_, err := f.learning.RecordOutcome(ctx, learning.RecordOutcomeRequest{
				PatternID: weakID,
				MissionID: weak.ID,
				Outcome:   models.OutcomeFailure,
			})
			require.NoError(t, err)
		}

		got, err := f.learning.Match(ctx, "general", []string{"deploy", "service"})
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestRecordOutcome(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pattern, err := f.learning.CreatePattern(ctx, learning.CreateRequest{
		Template: []string{"design", "implement"},
	})
	require.NoError(t, err)

	_, err = f.learning.RecordOutcome(ctx, learning.RecordOutcomeRequest{
		PatternID: pattern.PatternID,
		MissionID: "msn-test",
		Outcome:   models.OutcomeSuccess,
		Duration:  4 * time.Minute,
	})
	require.NoError(t, err)

	got, err := f.learning.GetPattern(ctx, pattern.PatternID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.SuccessCount)
	assert.Equal(t, 0, got.FailureCount)
	assert.InDelta(t, 1.0, got.Effectiveness, 0.01)
	assert.Equal(t, 4*time.Minute, got.AvgDuration)

	t.Run("partial counts against the pattern", func(t *testing.T) {
		_, err := f.learning.RecordOutcome(ctx, learning.RecordOutcomeRequest{
			PatternID: pattern.PatternID,
			MissionID: "msn-test",
			Outcome:   models.OutcomePartial,
			Duration:  2 * time.Minute,
		})
		require.NoError(t, err)

		got, err := f.learning.GetPattern(ctx, pattern.PatternID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.FailureCount)
		assert.InDelta(t, 0.5, got.Effectiveness, 0.01)
		assert.Equal(t, 3*time.Minute, got.AvgDuration)
	})

	t.Run("bad outcome rejected", func(t *testing.T) {
		_, err := f.learning.RecordOutcome(ctx, learning.RecordOutcomeRequest{
			PatternID: pattern.PatternID,
			Outcome:   models.OutcomeKind("shrug"),
		})
		assert.ErrorIs(t, err, errs.ErrInvalidInput)
	})

	t.Run("unknown pattern rejected", func(t *testing.T) {
		_, err := f.learning.RecordOutcome(ctx, learning.RecordOutcomeRequest{
			PatternID: "pat-missing",
			Outcome:   models.OutcomeSuccess,
		})
		assert.ErrorIs(t, err, errs.ErrNotFound)
	})
}

func TestVersionBumpOnMaterialDrop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pattern, err := f.learning.CreatePattern(ctx, learning.CreateRequest{
		Template: []string{"build", "ship"},
	})
	require.NoError(t, err)

	record := func(outcome models.OutcomeKind) {
		t.Helper()
		_, err := f.learning.RecordOutcome(ctx, learning.RecordOutcomeRequest{
			PatternID: pattern.PatternID,
			MissionID: "msn-test",
			Outcome:   outcome,
		})
		require.NoError(t, err)
	}
	for range 5 {
		record(models.OutcomeSuccess)
	}
	for range 5 {
		record(models.OutcomeFailure)
	}

	newest, err := f.store.GetPatternByHash(ctx, pattern.PatternHash)
	require.NoError(t, err)
	assert.Greater(t, newest.Version, 1)
	assert.Equal(t, models.PatternActive, newest.Status)
	assert.Equal(t, pattern.Template, newest.Template)

	old, err := f.learning.GetPattern(ctx, pattern.PatternID)
	require.NoError(t, err)
	assert.Equal(t, models.PatternArchived, old.Status)
}

func TestCreatePatternConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.learning.CreatePattern(ctx, learning.CreateRequest{Template: []string{"a1", "b2"}})
	require.NoError(t, err)
	_, err = f.learning.CreatePattern(ctx, learning.CreateRequest{Template: []string{"A1!", "b2"}})
	assert.ErrorIs(t, err, errs.ErrConflict)

	_, err = f.learning.CreatePattern(ctx, learning.CreateRequest{Template: []string{"--"}})
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestGetMetrics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p1, err := f.learning.CreatePattern(ctx, learning.CreateRequest{Template: []string{"design", "build"}})
	require.NoError(t, err)
	_, err = f.learning.CreatePattern(ctx, learning.CreateRequest{
		MissionType: "hotfix", Template: []string{"patch", "verify"},
	})
	require.NoError(t, err)
	_, err = f.learning.RecordOutcome(ctx, learning.RecordOutcomeRequest{
		PatternID: p1.PatternID, MissionID: "msn-test", Outcome: models.OutcomeSuccess,
	})
	require.NoError(t, err)

	m, err := f.learning.GetMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, m.TotalPatterns)
	assert.Equal(t, 2, m.ActivePatterns)
	assert.Equal(t, 1, m.TotalUsage)
	require.Contains(t, m.ByType, "sequence")
	assert.Equal(t, 2, m.ByType["sequence"].Patterns)
}

func TestObserverPass(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	observer := learning.NewObserver(f.learning, time.Hour)
	mission := f.seedCompletedMission(t, "general", "triage", "fix", "verify")
	_, err := f.events.Append(ctx, events.AppendRequest{
		StreamType: models.StreamMission,
		StreamID:   mission.ID,
		EventType:  "mission_completed",
		Data:       json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	observer.Pass(ctx)
	patterns, err := f.learning.ListPatterns(ctx, "general", "", "", 0)
	require.NoError(t, err)
	require.Len(t, patterns, 1)

	t.Run("second pass is idempotent", func(t *testing.T) {
		observer.Pass(ctx)
		patterns, err := f.learning.ListPatterns(ctx, "general", "", "", 0)
		require.NoError(t, err)
		require.Len(t, patterns, 1)
		assert.Equal(t, 1, patterns[0].SuccessCount)
	})
}
