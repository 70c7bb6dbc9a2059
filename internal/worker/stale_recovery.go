package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shelfcast/publisher/internal/pkg/logger"
)

// =============================================================================
// STALE PUBLISHING RECOVERY
// =============================================================================
// A process that dies between claiming an item and persisting its verdict
// leaves the row in 'publishing' forever, since the claim query never picks
// publishing rows. This worker periodically returns such rows to
// 'scheduled' so the next run retries them.

const (
	// DefaultRecoveryInterval is how often we scan for stuck items.
	DefaultRecoveryInterval = 2 * time.Minute

	// DefaultStaleAge must exceed the item timeout. The claim is refreshed
	// when an item starts, so only a run that died mid-item, or an item
	// still queued behind its batch, crosses it. A requeued queued item is
	// skipped by the run that first claimed it.
	DefaultStaleAge = 15 * time.Minute
)

// StaleRequeuer resets publishing rows claimed longer than staleAfter ago.
type StaleRequeuer interface {
	RequeueStale(ctx context.Context, staleAfter time.Duration) (int64, error)
}

// StalePublishingWorker reclaims items orphaned in 'publishing'.
type StalePublishingWorker struct {
	store    StaleRequeuer
	interval time.Duration
	staleAge time.Duration

	requeued int64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewStalePublishingWorker creates a recovery worker with default settings.
func NewStalePublishingWorker(store StaleRequeuer) *StalePublishingWorker {
	return NewStalePublishingWorkerWithConfig(store, DefaultRecoveryInterval, DefaultStaleAge)
}

// NewStalePublishingWorkerWithConfig creates a recovery worker with custom timing.
func NewStalePublishingWorkerWithConfig(store StaleRequeuer, interval, staleAge time.Duration) *StalePublishingWorker {
	if interval <= 0 {
		interval = DefaultRecoveryInterval
	}
	if staleAge <= 0 {
		staleAge = DefaultStaleAge
	}
	return &StalePublishingWorker{store: store, interval: interval, staleAge: staleAge}
}

// Start launches the recovery loop in the background.
func (w *StalePublishingWorker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.running = true

	logger.Info("[StaleRecovery] starting", "interval", w.interval.String(), "stale_age", w.staleAge.String())

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = w.RecoverOnce(ctx)
			}
		}
	}()
}

// Stop ends the loop and waits for an in-flight scan.
func (w *StalePublishingWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.cancel()
	w.mu.Unlock()

	w.wg.Wait()
	logger.Info("[StaleRecovery] stopped", "requeued_total", atomic.LoadInt64(&w.requeued))
}

// RecoverOnce runs a single scan and returns the number of rows requeued.
func (w *StalePublishingWorker) RecoverOnce(ctx context.Context) (int64, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	n, err := w.store.RequeueStale(queryCtx, w.staleAge)
	if err != nil {
		logger.Error("[StaleRecovery] requeue failed", "error", err)
		return 0, err
	}
	if n > 0 {
		atomic.AddInt64(&w.requeued, n)
		logger.Warn("[StaleRecovery] requeued stuck publishing items", "count", n)
	}
	return n, nil
}

// Requeued returns the total number of rows requeued since start.
func (w *StalePublishingWorker) Requeued() int64 {
	return atomic.LoadInt64(&w.requeued)
}
