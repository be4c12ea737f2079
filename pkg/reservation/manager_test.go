package reservation_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flightline/fleet/pkg/errs"
	"github.com/flightline/fleet/pkg/events"
	"github.com/flightline/fleet/pkg/models"
	"github.com/flightline/fleet/pkg/reservation"
	"github.com/flightline/fleet/pkg/store"
	testdb "github.com/flightline/fleet/test/database"
)

func newManager(t *testing.T) (*reservation.Manager, *events.Service) {
	t.Helper()
	st := store.New(testdb.NewTestClient(t))
	ev := events.NewService(st, events.NewRegistry(), events.NewNotifier(), slog.Default())
	return reservation.NewManager(st, ev, time.Hour, 5*time.Minute, slog.Default()), ev
}

func TestAcquireExclusive(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	granted, err := m.Acquire(ctx, reservation.AcquireRequest{
		FilePath: "src/app.go", Callsign: "alpha", Exclusive: true})
	require.NoError(t, err)
	assert.Equal(t, "alpha", granted.HolderCallsign)

	t.Run("fail-fast conflict", func(t *testing.T) {
		_, err := m.Acquire(ctx, reservation.AcquireRequest{
			FilePath: "src/app.go", Callsign: "bravo", Exclusive: true})
		assert.ErrorIs(t, err, errs.ErrConflict)
	})

	t.Run("shared blocked by exclusive", func(t *testing.T) {
		_, err := m.Acquire(ctx, reservation.AcquireRequest{
			FilePath: "src/app.go", Callsign: "bravo"})
		assert.ErrorIs(t, err, errs.ErrConflict)
	})

	t.Run("disjoint path is granted", func(t *testing.T) {
		_, err := m.Acquire(ctx, reservation.AcquireRequest{
			FilePath: "src/other.go", Callsign: "bravo", Exclusive: true})
		assert.NoError(t, err)
	})

	t.Run("release frees the path", func(t *testing.T) {
		require.NoError(t, m.Release(ctx, granted.ReservationID, "alpha", false))
		_, err := m.Acquire(ctx, reservation.AcquireRequest{
			FilePath: "src/app.go", Callsign: "bravo", Exclusive: true})
		assert.NoError(t, err)
	})
}

func TestSharedReservationsCoexist(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	for _, callsign := range []string{"alpha", "bravo"} {
		_, err := m.Acquire(ctx, reservation.AcquireRequest{
			FilePath: "docs/readme.md", Callsign: callsign})
		require.NoError(t, err)
	}

	active, err := m.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestWildcardConflict(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, reservation.AcquireRequest{
		FilePath: "src/api/*", Callsign: "alpha", Exclusive: true})
	require.NoError(t, err)

	t.Run("file inside the directory conflicts", func(t *testing.T) {
		_, err := m.Acquire(ctx, reservation.AcquireRequest{
			FilePath: "src/api/handler.go", Callsign: "bravo", Exclusive: true})
		assert.ErrorIs(t, err, errs.ErrConflict)
	})

	t.Run("nested file does not conflict", func(t *testing.T) {
		_, err := m.Acquire(ctx, reservation.AcquireRequest{
			FilePath: "src/api/v2/handler.go", Callsign: "bravo", Exclusive: true})
		assert.NoError(t, err)
	})
}

func TestBlockedWaiterGrantedOnRelease(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	first, err := m.Acquire(ctx, reservation.AcquireRequest{
		FilePath: "src/app.go", Callsign: "alpha", Exclusive: true})
	require.NoError(t, err)

	type result struct {
		r   *models.Reservation
		err error
	}
	done := make(chan result, 1)
	go func() {
		r, err := m.Acquire(ctx, reservation.AcquireRequest{
			FilePath: "src/app.go", Callsign: "bravo", Exclusive: true,
			Timeout: 5 * time.Second})
		done <- result{r, err}
	}()

	// Let bravo queue up before alpha releases.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, m.Release(ctx, first.ReservationID, "alpha", false))

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Equal(t, "bravo", res.r.HolderCallsign)
	case <-time.After(3 * time.Second):
		t.Fatal("waiter was not granted after release")
	}
}

func TestWaiterTimeout(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, reservation.AcquireRequest{
		FilePath: "src/app.go", Callsign: "alpha", Exclusive: true})
	require.NoError(t, err)

	start := time.Now()
	_, err = m.Acquire(ctx, reservation.AcquireRequest{
		FilePath: "src/app.go", Callsign: "bravo", Exclusive: true,
		Timeout: 100 * time.Millisecond})
	assert.ErrorIs(t, err, errs.ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestReleaseAuthorization(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	granted, err := m.Acquire(ctx, reservation.AcquireRequest{
		FilePath: "src/app.go", Callsign: "alpha", Exclusive: true})
	require.NoError(t, err)

	t.Run("non-holder cannot release", func(t *testing.T) {
		err := m.Release(ctx, granted.ReservationID, "bravo", false)
		assert.ErrorIs(t, err, errs.ErrNotHolder)
	})

	t.Run("forced release works for anyone", func(t *testing.T) {
		assert.NoError(t, m.Release(ctx, granted.ReservationID, "bravo", true))
	})
}

func TestSweepReleasesExpired(t *testing.T) {
	m, ev := newManager(t)
	ctx := context.Background()

	granted, err := m.Acquire(ctx, reservation.AcquireRequest{
		FilePath: "src/app.go", Callsign: "alpha", Exclusive: true,
		TTL: time.Millisecond})
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	m.SweepExpired(ctx)

	t.Run("path is free again", func(t *testing.T) {
		_, err := m.Acquire(ctx, reservation.AcquireRequest{
			FilePath: "src/app.go", Callsign: "bravo", Exclusive: true})
		assert.NoError(t, err)
	})

	t.Run("expiry event carries the reason", func(t *testing.T) {
		got, err := ev.QueryByStream(ctx, models.StreamFile, "src/app.go", 0, 0)
		require.NoError(t, err)
		var found bool
		for _, e := range got {
			if e.EventType == "file_released" {
				assert.Contains(t, string(e.Data), `"reason":"expired"`)
				found = true
			}
		}
		assert.True(t, found, "no file_released event emitted for %s", granted.ReservationID)
	})
}

func TestLockFIFO(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	l, err := m.AcquireLock(ctx, "deploy", "alpha", time.Minute, 0)
	require.NoError(t, err)

	t.Run("fail-fast on held key", func(t *testing.T) {
		_, err := m.AcquireLock(ctx, "deploy", "bravo", time.Minute, 0)
		assert.ErrorIs(t, err, errs.ErrConflict)
	})

	t.Run("waiter is granted on release", func(t *testing.T) {
		done := make(chan error, 1)
		go func() {
			_, err := m.AcquireLock(ctx, "deploy", "bravo", time.Minute, 5*time.Second)
			done <- err
		}()

		time.Sleep(50 * time.Millisecond)
		require.NoError(t, m.ReleaseLock(ctx, l.LockID, "alpha", false))

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(3 * time.Second):
			t.Fatal("lock waiter was not granted")
		}
	})
}

func TestAcquireLocksOrdered(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	granted, err := m.AcquireLocks(ctx, []string{"zulu", "alpha", "mike"}, "alpha", time.Minute, 0)
	require.NoError(t, err)
	require.Len(t, granted, 3)

	// Keys are taken in lexicographic order regardless of request order.
	assert.Equal(t, "alpha", granted[0].LockKey)
	assert.Equal(t, "mike", granted[1].LockKey)
	assert.Equal(t, "zulu", granted[2].LockKey)

	t.Run("partial failure rolls back", func(t *testing.T) {
		_, err := m.AcquireLocks(ctx, []string{"alpha", "new-key"}, "bravo", time.Minute, 0)
		require.ErrorIs(t, err, errs.ErrConflict)

		// new-key must not be left held by the failed bulk acquire.
		_, err = m.AcquireLock(ctx, "new-key", "charlie", time.Minute, 0)
		assert.NoError(t, err)
	})
}
