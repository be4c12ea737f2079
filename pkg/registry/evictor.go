package registry

import (
	"context"
	"sync"
	"time"
)

// evictInterval is how often the registry scans for stale pilots.
const evictInterval = 30 * time.Second

// Evictor periodically marks pilots offline when their heartbeats lapse and
// requeues their work.
type Evictor struct {
	service  *Service
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewEvictor creates an evictor over the registry. A zero interval uses the
// default.
func NewEvictor(s *Service, interval time.Duration) *Evictor {
	if interval <= 0 {
		interval = evictInterval
	}
	return &Evictor{
		service:  s,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the eviction loop.
func (e *Evictor) Start(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(ctx)
	}()
	e.service.logger.Info("Stale pilot evictor started", "interval", e.interval)
}

// Stop signals the loop to exit and waits for it.
func (e *Evictor) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
}

func (e *Evictor) run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.service.EvictStale(ctx); err != nil {
				e.service.logger.Warn("Stale pilot scan failed", "error", err)
			}
		}
	}
}
