package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flightline/fleet/pkg/models"
	"github.com/flightline/fleet/pkg/store"
)

// pollInterval is how often the fleet gauges are refreshed.
const pollInterval = 15 * time.Second

// Poller refreshes the fleet-level gauges from the store.
type Poller struct {
	metrics  *Metrics
	store    *store.Store
	interval time.Duration
	logger   *slog.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPoller creates the gauge poller. A zero interval uses the default.
func NewPoller(m *Metrics, st *store.Store, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = pollInterval
	}
	return &Poller{
		metrics:  m,
		store:    st,
		interval: interval,
		logger:   logger.With("component", "metrics"),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the poller loop.
func (p *Poller) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx)
	}()
	p.logger.Info("Metrics poller started", "interval", p.interval)
}

// Stop signals the loop to exit and waits for it.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

func (p *Poller) run(ctx context.Context) {
	p.Pass(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Pass(ctx)
		}
	}
}

// Pass refreshes every gauge once.
func (p *Poller) Pass(ctx context.Context) {
	if pilots, err := p.store.CountPilotsByStatus(ctx); err == nil {
		setGrouped(p.metrics.Pilots, pilots)
	} else {
		p.logger.Warn("Counting pilots failed", "error", err)
	}
	if missions, err := p.store.CountMissionsByStatus(ctx); err == nil {
		setGrouped(p.metrics.Missions, missions)
	} else {
		p.logger.Warn("Counting missions failed", "error", err)
	}
	if orders, err := p.store.CountWorkOrdersByStatus(ctx); err == nil {
		setGrouped(p.metrics.WorkOrders, orders)
	} else {
		p.logger.Warn("Counting work orders failed", "error", err)
	}

	now := models.Now().Format(time.RFC3339Nano)
	if n, err := p.store.CountActiveReservations(ctx, now); err == nil {
		p.metrics.Reservations.Set(float64(n))
	} else {
		p.logger.Warn("Counting reservations failed", "error", err)
	}
	if n, err := p.store.CountActiveLocks(ctx, now); err == nil {
		p.metrics.Locks.Set(float64(n))
	} else {
		p.logger.Warn("Counting locks failed", "error", err)
	}
}

// setGrouped resets the vector so statuses that dropped to zero do not
// linger at their old value.
func setGrouped(vec *prometheus.GaugeVec, counts map[string]int64) {
	vec.Reset()
	for status, n := range counts {
		vec.WithLabelValues(status).Set(float64(n))
	}
}
