package learning

import (
	"context"
	"sync"
	"time"

	"github.com/flightline/fleet/pkg/models"
)

// observeInterval is how often the observer scans for finished missions.
const observeInterval = time.Minute

// Observer watches the event log for finished missions and feeds them to the
// learning service.
type Observer struct {
	service  *Service
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	since time.Time
	seen  map[string]bool
}

// NewObserver creates the observer. A zero interval uses the default.
func NewObserver(s *Service, interval time.Duration) *Observer {
	if interval <= 0 {
		interval = observeInterval
	}
	return &Observer{
		service:  s,
		interval: interval,
		stopCh:   make(chan struct{}),
		since:    models.Now(),
		seen:     make(map[string]bool),
	}
}

// Start launches the observer loop.
func (o *Observer) Start(ctx context.Context) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(ctx)
	}()
	o.service.logger.Info("Learning observer started", "interval", o.interval)
}

// Stop signals the loop to exit and waits for it.
func (o *Observer) Stop() {
	o.stopOnce.Do(func() { close(o.stopCh) })
	o.wg.Wait()
}

func (o *Observer) run(ctx context.Context) {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Pass(ctx)
		}
	}
}

// Pass processes missions finished since the last scan. Exposed so tests and
// startup can force it.
func (o *Observer) Pass(ctx context.Context) {
	cutoff := o.since
	// One tick of overlap; the seen set absorbs duplicates.
	o.since = models.Now().Add(-time.Second)

	o.scan(ctx, "mission_completed", cutoff, o.service.ObserveCompleted)
	o.scan(ctx, "mission_failed", cutoff, o.service.ObserveFailed)
}

func (o *Observer) scan(ctx context.Context, eventType string, since time.Time,
	observe func(context.Context, string) error) {
	evs, err := o.service.events.QueryByType(ctx, eventType, &since, 0)
	if err != nil {
		o.service.logger.Warn("Scanning finished missions failed",
			"event_type", eventType, "error", err)
		return
	}
	for i := range evs {
		missionID := evs[i].StreamID
		if o.seen[missionID] {
			continue
		}
		if err := observe(ctx, missionID); err != nil {
			o.service.logger.Warn("Observing mission failed",
				"mission_id", missionID, "error", err)
			continue
		}
		o.seen[missionID] = true
	}
}
