package mailbox_test

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
	"github.com/flightline/fleet/pkg/store"
	testdb "github.com/flightline/fleet/test/database"
)

func newService(t *testing.T) *mailbox.Service {
	t.Helper()
	st := store.New(testdb.NewTestClient(t))
	ev := events.NewService(st, events.NewRegistry(), events.NewNotifier(), slog.Default())
	return mailbox.NewService(st, ev, slog.Default())
}

func TestPostAndPoll(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.Post(ctx, "raven-1", "tower", []byte(`{"msg":"go"}`), "")
		require.NoError(t, err)
	}

	t.Run("poll returns backlog in sequence order", func(t *testing.T) {
		got, err := svc.Poll(ctx, "raven-1", "raven-1", 10, 0)
		require.NoError(t, err)
		require.Len(t, got, 3)
		for i, e := range got {
			assert.Equal(t, int64(i+1), e.Sequence)
			assert.Equal(t, "mailbox_message", e.EventType)
		}
	})

	t.Run("redelivery until acknowledged", func(t *testing.T) {
		again, err := svc.Poll(ctx, "raven-1", "raven-1", 10, 0)
		require.NoError(t, err)
		assert.Len(t, again, 3)
	})

	t.Run("advance trims the backlog", func(t *testing.T) {
		cursor, err := svc.Advance(ctx, "raven-1", "raven-1", 2)
		require.NoError(t, err)
		assert.Equal(t, int64(2), cursor.Position)

		got, err := svc.Poll(ctx, "raven-1", "raven-1", 10, 0)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, int64(3), got[0].Sequence)
	})

	t.Run("max_events caps the batch", func(t *testing.T) {
		got, err := svc.Poll(ctx, "raven-1", "raven-2", 2, 0)
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})
}

func TestAdvanceRegression(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	_, err := svc.Post(ctx, "raven-1", "", nil, "")
	require.NoError(t, err)
	_, err = svc.Advance(ctx, "raven-1", "raven-1", 1)
	require.NoError(t, err)

	t.Run("same position is idempotent", func(t *testing.T) {
		_, err := svc.Advance(ctx, "raven-1", "raven-1", 1)
		assert.NoError(t, err)
	})

	t.Run("backwards move is rejected", func(t *testing.T) {
		_, err := svc.Advance(ctx, "raven-1", "raven-1", 0)
		assert.ErrorIs(t, err, errs.ErrCursorRegression)
		assert.ErrorIs(t, err, errs.ErrPreconditionFailed)
	})
}

func TestLongPoll(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	t.Run("timeout returns empty", func(t *testing.T) {
		start := time.Now()
		got, err := svc.Poll(ctx, "raven-1", "raven-1", 10, 50*time.Millisecond)
		require.NoError(t, err)
		assert.Empty(t, got)
		assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	})

	t.Run("post wakes the waiter", func(t *testing.T) {
		done := make(chan []models.Event, 1)
		go func() {
			got, err := svc.Poll(ctx, "raven-1", "raven-1", 10, 5*time.Second)
			if err == nil {
				done <- got
			}
		}()

		// Give the poller time to park on the notifier.
		time.Sleep(50 * time.Millisecond)
		_, err := svc.Post(ctx, "raven-1", "tower", []byte(`{"msg":"wake"}`), "")
		require.NoError(t, err)

		select {
		case got := <-done:
			require.Len(t, got, 1)
		case <-time.After(3 * time.Second):
			t.Fatal("waiter was not woken by post")
		}
	})
}

func TestBroadcast(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	_, err := svc.Broadcast(ctx, "tower", []byte(`{"msg":"all hands"}`), "")
	require.NoError(t, err)

	// Both consumers see the broadcast with independent cursors.
	for _, consumer := range []string{"raven-1", "raven-2"} {
		got, err := svc.Poll(ctx, models.BroadcastMailbox, consumer, 10, 0)
		require.NoError(t, err)
		require.Len(t, got, 1, "consumer %s", consumer)
	}

	_, err = svc.Advance(ctx, models.BroadcastMailbox, "raven-1", 1)
	require.NoError(t, err)

	got, err := svc.Poll(ctx, models.BroadcastMailbox, "raven-2", 10, 0)
	require.NoError(t, err)
	assert.Len(t, got, 1, "raven-2 cursor is independent")
}

func TestStatus(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := svc.Post(ctx, "raven-1", "", nil, "")
		require.NoError(t, err)
	}
	_, err := svc.Advance(ctx, "raven-1", "raven-1", 1)
	require.NoError(t, err)

	status, err := svc.Status(ctx, "raven-1")
	require.NoError(t, err)
	require.Len(t, status, 1)
	assert.Equal(t, "raven-1", status[0].MailboxID)
	assert.Equal(t, int64(1), status[0].Position)
	assert.Equal(t, int64(3), status[0].Pending)
}
