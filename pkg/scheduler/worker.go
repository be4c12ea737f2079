package scheduler

import (
	"context"
	"sync"
	"time"
)

// dispatchInterval is how often the worker scans for schedulable work.
const dispatchInterval = 2 * time.Second

// Worker drives the scheduler: orphan recovery at startup, then periodic
// dispatch passes and acknowledgement reaping.
type Worker struct {
	service  *Service
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWorker creates the scheduling loop. A zero interval uses the default.
func NewWorker(s *Service, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = dispatchInterval
	}
	return &Worker{
		service:  s,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start recovers orphaned state and launches the dispatch loop.
func (w *Worker) Start(ctx context.Context) {
	if err := w.service.RecoverOrphans(ctx); err != nil {
		w.service.logger.Warn("Orphan recovery failed", "error", err)
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
	w.service.logger.Info("Scheduler worker started", "interval", w.interval)
}

// Stop signals the loop to exit and waits for it.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.service.ReapAckTimeouts(ctx); err != nil {
				w.service.logger.Warn("Reaping acknowledgements failed", "error", err)
			}
			if _, err := w.service.Dispatch(ctx); err != nil {
				w.service.logger.Warn("Dispatch pass failed", "error", err)
			}
		}
	}
}
