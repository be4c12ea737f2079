package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/flightline/fleet/pkg/models"
)

// reconcileInterval is how often in-flight missions are reconciled against
// their work orders.
const reconcileInterval = 5 * time.Second

// Reconciler periodically propagates work order state up through sorties and
// missions.
type Reconciler struct {
	service  *Service
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewReconciler creates the reconcile loop. A zero interval uses the default.
func NewReconciler(s *Service, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = reconcileInterval
	}
	return &Reconciler{
		service:  s,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the reconcile loop.
func (r *Reconciler) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(ctx)
	}()
	r.service.logger.Info("Mission reconciler started", "interval", r.interval)
}

// Stop signals the loop to exit and waits for it.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Reconciler) run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pass(ctx)
		}
	}
}

func (r *Reconciler) pass(ctx context.Context) {
	missions, err := r.service.store.ListMissions(ctx, models.MissionInProgress, 0)
	if err != nil {
		r.service.logger.Warn("Listing in-flight missions failed", "error", err)
		return
	}
	for i := range missions {
		if err := r.service.Reconcile(ctx, missions[i].ID); err != nil {
			r.service.logger.Warn("Reconcile failed", "mission_id", missions[i].ID, "error", err)
		}
	}
}
