package events_test

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/flightline/fleet/pkg/errs"
	"github.com/flightline/fleet/pkg/events"
	"github.com/flightline/fleet/pkg/ids"
	"github.com/flightline/fleet/pkg/models"
	"github.com/flightline/fleet/pkg/store"
	testdb "github.com/flightline/fleet/test/database"
)

func newService(t *testing.T) *events.Service {
	t.Helper()
	st := store.New(testdb.NewTestClient(t))
	return events.NewService(st, events.NewRegistry(), events.NewNotifier(), slog.Default())
}

func TestAppend(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	missionID := ids.NewMission()

	t.Run("sequences start at one and increase", func(t *testing.T) {
		for want := int64(1); want <= 3; want++ {
			e, err := svc.Append(ctx, events.AppendRequest{
				StreamType: models.StreamMission,
				StreamID:   missionID,
				EventType:  "mission_created",
				Data:       []byte(`{"title":"t"}`),
			})
			require.NoError(t, err)
			assert.Equal(t, want, e.Sequence)
			assert.True(t, ids.Valid(e.EventID))
		}
	})

	t.Run("unregistered event type is rejected", func(t *testing.T) {
		_, err := svc.Append(ctx, events.AppendRequest{
			StreamType: models.StreamMission,
			StreamID:   missionID,
			EventType:  "mission_exploded",
		})
		assert.ErrorIs(t, err, errs.ErrInvalidInput)
	})

	t.Run("wrong stream for event type is rejected", func(t *testing.T) {
		_, err := svc.Append(ctx, events.AppendRequest{
			StreamType: models.StreamPilot,
			StreamID:   "raven-1",
			EventType:  "mission_created",
			Data:       []byte(`{"title":"t"}`),
		})
		assert.ErrorIs(t, err, errs.ErrInvalidInput)
	})

	t.Run("missing required field is rejected", func(t *testing.T) {
		_, err := svc.Append(ctx, events.AppendRequest{
			StreamType: models.StreamFile,
			StreamID:   "src/app.go",
			EventType:  "file_released",
			Data:       []byte(`{"file_path":"src/app.go"}`),
		})
		assert.ErrorIs(t, err, errs.ErrInvalidInput)
	})

	t.Run("occurred_at defaults to recorded_at", func(t *testing.T) {
		e, err := svc.Append(ctx, events.AppendRequest{
			StreamType: models.StreamMission,
			StreamID:   missionID,
			EventType:  "mission_started",
		})
		require.NoError(t, err)
		assert.WithinDuration(t, e.RecordedAt, e.OccurredAt, time.Millisecond)
	})
}

func TestQueryByCorrelation(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	correlation := ids.NewMission()

	for _, stream := range []string{ids.NewMission(), ids.NewMission()} {
		_, err := svc.Append(ctx, events.AppendRequest{
			StreamType:    models.StreamMission,
			StreamID:      stream,
			EventType:     "mission_created",
			Data:          []byte(`{"title":"t"}`),
			CorrelationID: correlation,
		})
		require.NoError(t, err)
	}

	got, err := svc.QueryByCorrelation(ctx, correlation)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestNotifierWakesSubscribers(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	missionID := ids.NewMission()

	ch, cancel := svc.Notifier().Subscribe(events.StreamKey{Type: models.StreamMission, ID: missionID})
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	var got models.Event
	go func() {
		defer wg.Done()
		select {
		case got = <-ch:
		case <-time.After(2 * time.Second):
		}
	}()

	_, err := svc.Append(ctx, events.AppendRequest{
		StreamType: models.StreamMission,
		StreamID:   missionID,
		EventType:  "mission_created",
		Data:       []byte(`{"title":"t"}`),
	})
	require.NoError(t, err)

	wg.Wait()
	assert.Equal(t, "mission_created", got.EventType)
	assert.Equal(t, int64(1), got.Sequence)
}

// Appending in any interleaving across streams must keep each stream's
// sequence gap-free from 1.
func TestSequencesGapFree(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		svc := newService(t)
		ctx := context.Background()

		streams := []string{ids.NewMission(), ids.NewMission(), ids.NewMission()}
		counts := make(map[string]int64)

		steps := rapid.IntRange(1, 40).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			stream := rapid.SampledFrom(streams).Draw(rt, "stream")
			e, err := svc.Append(ctx, events.AppendRequest{
				StreamType: models.StreamMission,
				StreamID:   stream,
				EventType:  "mission_started",
			})
			require.NoError(rt, err)
			counts[stream]++
			require.Equal(rt, counts[stream], e.Sequence)
		}

		for stream, n := range counts {
			got, err := svc.QueryByStream(ctx, models.StreamMission, stream, 0, 0)
			require.NoError(rt, err)
			require.Len(rt, got, int(n))
			for i, e := range got {
				require.Equal(rt, int64(i+1), e.Sequence)
			}
		}
	})
}
