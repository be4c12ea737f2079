// Package cleanup enforces the fleet's retention policy in the background.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/flightline/fleet/pkg/models"
	"github.com/flightline/fleet/pkg/store"
)

// Retention bounds how long finished state is kept.
type Retention struct {
	// Interval is how often the sweep runs.
	Interval time.Duration

	// Holders ages out released reservations and locks, and consumed
	// checkpoints.
	Holders time.Duration

	// Missions moves terminal missions to archived.
	Missions time.Duration

	// Events ages out event log entries. Must exceed the mission horizon:
	// a live mission's decomposition is reconstructed from its events.
	Events time.Duration

	// Purge removes archived missions and their children outright.
	Purge time.Duration
}

// DefaultRetention returns the built-in policy: released holders and consumed
// checkpoints for a week, terminal missions archived after thirty days,
// events kept for ninety, archived missions purged after half a year.
func DefaultRetention() Retention {
	return Retention{
		Interval: time.Hour,
		Holders:  7 * 24 * time.Hour,
		Missions: 30 * 24 * time.Hour,
		Events:   90 * 24 * time.Hour,
		Purge:    180 * 24 * time.Hour,
	}
}

// Service periodically enforces the retention policy. Every pass is
// idempotent; a missed pass just makes the next one bigger.
type Service struct {
	store     *store.Store
	retention Retention
	logger    *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates the cleanup service. Zero retention fields fall back to
// the defaults.
func NewService(st *store.Store, retention Retention, logger *slog.Logger) *Service {
	def := DefaultRetention()
	if retention.Interval <= 0 {
		retention.Interval = def.Interval
	}
	if retention.Holders <= 0 {
		retention.Holders = def.Holders
	}
	if retention.Missions <= 0 {
		retention.Missions = def.Missions
	}
	if retention.Events <= 0 {
		retention.Events = def.Events
	}
	if retention.Purge <= 0 {
		retention.Purge = def.Purge
	}
	return &Service{
		store:     st,
		retention: retention,
		logger:    logger.With("component", "cleanup"),
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("Cleanup service started",
		"interval", s.retention.Interval,
		"holder_retention", s.retention.Holders,
		"mission_retention", s.retention.Missions,
		"event_retention", s.retention.Events)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.Pass(ctx)

	ticker := time.NewTicker(s.retention.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Pass(ctx)
		}
	}
}

// Pass runs one retention sweep. Exposed so tests and startup can force it.
func (s *Service) Pass(ctx context.Context) {
	now := models.Now()
	cutoff := func(age time.Duration) string {
		return now.Add(-age).Format(time.RFC3339Nano)
	}

	s.sweep("released reservations", func() (int64, error) {
		return s.store.DeleteReleasedReservationsBefore(ctx, cutoff(s.retention.Holders))
	})
	s.sweep("released locks", func() (int64, error) {
		return s.store.DeleteReleasedLocksBefore(ctx, cutoff(s.retention.Holders))
	})
	s.sweep("consumed checkpoints", func() (int64, error) {
		return s.store.DeleteConsumedCheckpointsBefore(ctx, cutoff(s.retention.Holders))
	})
	s.sweep("expired checkpoints", func() (int64, error) {
		return s.store.DeleteExpiredCheckpoints(ctx, cutoff(0))
	})
	s.sweep("terminal missions", func() (int64, error) {
		return s.store.ArchiveMissionsBefore(ctx, cutoff(s.retention.Missions))
	})
	s.sweep("old events", func() (int64, error) {
		return s.store.DeleteEventsBefore(ctx, cutoff(s.retention.Events))
	})
	s.sweep("stale cursors", func() (int64, error) {
		return s.store.DeleteStaleCursorsBefore(ctx, cutoff(s.retention.Purge))
	})
	s.sweep("archived missions", func() (int64, error) {
		var n int64
		err := s.store.RunInTx(ctx, func(tx *store.Store) error {
			var txErr error
			n, txErr = tx.PurgeArchivedMissionsBefore(ctx, cutoff(s.retention.Purge))
			return txErr
		})
		return n, err
	})
}

func (s *Service) sweep(what string, fn func() (int64, error)) {
	count, err := fn()
	if err != nil {
		s.logger.Error("Retention sweep failed", "target", what, "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("Retention sweep", "target", what, "removed", count)
	}
}
