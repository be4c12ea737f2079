package reservation

import (
	"context"
	"sync"
	"time"

	"github.com/flightline/fleet/pkg/models"
)

// sweepInterval is how often expired holders are reaped.
const sweepInterval = 30 * time.Second

// Sweeper releases expired reservations and locks on a fixed interval and
// wakes the wait queues after each pass.
type Sweeper struct {
	manager  *Manager
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSweeper creates a sweeper over the manager. A zero interval uses the
// default.
func NewSweeper(m *Manager, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = sweepInterval
	}
	return &Sweeper{
		manager:  m,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
	s.manager.logger.Info("Reservation sweeper started", "interval", s.interval)
}

// Stop signals the loop to exit and waits for it.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Sweeper) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.manager.SweepExpired(ctx)
		}
	}
}

// SweepExpired releases every expired reservation and lock, emits expiry
// events, and re-runs the wait queues. Exposed so tests and the startup path
// can force a pass.
func (m *Manager) SweepExpired(ctx context.Context) {
	now := fmtNow(models.Now())

	reservations, err := m.store.ExpireReservations(ctx, now)
	if err != nil {
		m.logger.Warn("Expiring reservations failed", "error", err)
	}
	for i := range reservations {
		m.emitFileEvent(ctx, "file_released", reservations[i].FilePath, reservations[i].HolderCallsign, "expired")
	}

	locks, err := m.store.ExpireLocks(ctx, now)
	if err != nil {
		m.logger.Warn("Expiring locks failed", "error", err)
	}
	for i := range locks {
		m.emitLockEvent(ctx, "lock_released", locks[i].LockKey, "expired")
	}

	if len(reservations) > 0 || len(locks) > 0 {
		m.logger.Info("Swept expired holders",
			"reservations", len(reservations), "locks", len(locks))
		m.dispatch(ctx)
	}
}
