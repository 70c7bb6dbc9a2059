package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/shelfcast/publisher/internal/domain"
	"github.com/shelfcast/publisher/internal/pkg/distlock"
	"github.com/shelfcast/publisher/internal/pkg/logger"
	"github.com/shelfcast/publisher/internal/service/publishing"
)

// =============================================================================
// PUBLICATION SCHEDULER
// =============================================================================
// One run claims every due item in a single statement, then processes the
// batch with bounded parallelism. A run is started by the HTTP trigger or,
// when scheduler.cron is set, by the in-process cron. Overlapping runs are
// safe because claiming is exclusive; the optional run lock just turns an
// overlapping trigger into a cheap no-op.

const (
	// RunLockKey names the lock shared by every scheduler instance.
	RunLockKey = "publication-scheduler:run"

	// DefaultMaxParallelItems bounds concurrent items per run.
	DefaultMaxParallelItems = 8

	// DefaultRunLockTTL is the lease of the run lock. A run that holds it
	// longer keeps extending it while items are in flight.
	DefaultRunLockTTL = 10 * time.Minute
)

// lockExtender is implemented by lock backends whose lease runs out on its
// own. Session-held locks don't need it.
type lockExtender interface {
	Extend(ctx context.Context, ttl time.Duration) error
}

// Claimer hands out due items.
type Claimer interface {
	ClaimDueItems(ctx context.Context, now time.Time) ([]domain.ScheduledItem, error)
}

// ItemProcessor publishes one claimed item and reports the outcome.
type ItemProcessor interface {
	ProcessItem(ctx context.Context, item *domain.ScheduledItem) publishing.ItemReport
}

// SchedulerConfig controls a PublicationScheduler.
type SchedulerConfig struct {
	MaxParallelItems int
	RunLock          bool
	RunLockTTL       time.Duration
	// Cron is a five-field schedule for the in-process trigger; empty
	// disables it.
	Cron string
}

// RunSummary is the JSON body returned by the trigger.
type RunSummary struct {
	Published   int                     `json:"published"`
	Failed      int                     `json:"failed"`
	RateLimited int                     `json:"rate_limited"`
	Superseded  int                     `json:"superseded"`
	Claimed     int                     `json:"claimed"`
	Skipped     bool                    `json:"skipped"`
	StartedAt   time.Time               `json:"started_at"`
	DurationMS  int64                   `json:"duration_ms"`
	Results     []publishing.ItemReport `json:"results"`
}

// SchedulerStats are cumulative counters since process start.
type SchedulerStats struct {
	Runs             int64 `json:"runs"`
	RunsSkipped      int64 `json:"runs_skipped"`
	ItemsPublished   int64 `json:"items_published"`
	ItemsFailed      int64 `json:"items_failed"`
	ItemsRateLimited int64 `json:"items_rate_limited"`
	Errors           int64 `json:"errors"`
}

// PublicationScheduler runs publication batches.
type PublicationScheduler struct {
	claimer   Claimer
	processor ItemProcessor
	cfg       SchedulerConfig

	redisClient *redis.Client // optional; nil falls back to PG advisory locks
	db          *sql.DB

	// Stats
	runs             int64
	runsSkipped      int64
	itemsPublished   int64
	itemsFailed      int64
	itemsRateLimited int64
	errors           int64

	// Control
	mu   sync.Mutex
	cron *cron.Cron
}

// NewPublicationScheduler creates a scheduler.
func NewPublicationScheduler(claimer Claimer, processor ItemProcessor, cfg SchedulerConfig) *PublicationScheduler {
	if cfg.MaxParallelItems <= 0 {
		cfg.MaxParallelItems = DefaultMaxParallelItems
	}
	if cfg.RunLockTTL <= 0 {
		cfg.RunLockTTL = DefaultRunLockTTL
	}
	return &PublicationScheduler{claimer: claimer, processor: processor, cfg: cfg}
}

// SetLockBackends sets where the run lock lives. Redis wins when both are
// given.
func (s *PublicationScheduler) SetLockBackends(redisClient *redis.Client, db *sql.DB) {
	s.redisClient = redisClient
	s.db = db
}

// RunOnce claims and processes one batch. An error means the batch could
// not be claimed; item failures are reported in the summary instead.
func (s *PublicationScheduler) RunOnce(ctx context.Context, now time.Time) (RunSummary, error) {
	started := time.Now()
	summary := RunSummary{StartedAt: now, Results: []publishing.ItemReport{}}
	atomic.AddInt64(&s.runs, 1)

	if s.cfg.RunLock && (s.redisClient != nil || s.db != nil) {
		lock := distlock.NewLock(s.redisClient, s.db, RunLockKey, s.cfg.RunLockTTL)
		ok, err := lock.Acquire(ctx)
		if err != nil {
			atomic.AddInt64(&s.errors, 1)
			return summary, fmt.Errorf("acquire run lock: %w", err)
		}
		if !ok {
			atomic.AddInt64(&s.runsSkipped, 1)
			logger.Info("[Scheduler] another run holds the lock, skipping")
			summary.Skipped = true
			return summary, nil
		}
		defer func() {
			relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := lock.Release(relCtx); err != nil {
				logger.Warn("[Scheduler] release run lock", "error", err)
			}
		}()
		if ext, ok := lock.(lockExtender); ok {
			stop := s.keepLock(ctx, ext)
			defer stop()
		}
	}

	items, err := s.claimer.ClaimDueItems(ctx, now)
	if err != nil {
		atomic.AddInt64(&s.errors, 1)
		return summary, err
	}
	summary.Claimed = len(items)
	if len(items) == 0 {
		summary.DurationMS = time.Since(started).Milliseconds()
		return summary, nil
	}
	logger.Info("[Scheduler] claimed due items", "count", len(items))

	reports := make([]publishing.ItemReport, len(items))
	var g errgroup.Group
	g.SetLimit(s.cfg.MaxParallelItems)
	for i := range items {
		g.Go(func() error {
			reports[i] = s.processOne(ctx, &items[i])
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range reports {
		switch r.Status {
		case domain.ItemPublished:
			summary.Published++
		case domain.ItemFailed:
			summary.Failed++
		case domain.ItemRateLimited:
			summary.RateLimited++
		}
		if r.ErrorCode == domain.ErrCodeClaimSuperseded {
			summary.Superseded++
		}
	}
	summary.Results = reports
	summary.DurationMS = time.Since(started).Milliseconds()

	atomic.AddInt64(&s.itemsPublished, int64(summary.Published))
	atomic.AddInt64(&s.itemsFailed, int64(summary.Failed))
	atomic.AddInt64(&s.itemsRateLimited, int64(summary.RateLimited))

	logger.Info("[Scheduler] run complete",
		"claimed", summary.Claimed, "published", summary.Published,
		"failed", summary.Failed, "rate_limited", summary.RateLimited,
		"superseded", summary.Superseded, "duration_ms", summary.DurationMS)
	return summary, nil
}

// keepLock extends the run lock every third of its TTL until the returned
// stop func is called. stop waits for the keeper to exit.
func (s *PublicationScheduler) keepLock(ctx context.Context, lock lockExtender) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.cfg.RunLockTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := lock.Extend(ctx, s.cfg.RunLockTTL)
				if err == nil || ctx.Err() != nil {
					continue
				}
				logger.Warn("[Scheduler] extend run lock", "error", err)
				if errors.Is(err, distlock.ErrNotHeld) {
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// processOne isolates one item so a panic cannot take down its siblings.
func (s *PublicationScheduler) processOne(ctx context.Context, item *domain.ScheduledItem) (report publishing.ItemReport) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&s.errors, 1)
			logger.Error("[Scheduler] item processing panicked", "item_id", item.ID, "panic", fmt.Sprint(r))
			report = publishing.ItemReport{
				ID:        item.ID,
				Status:    domain.ItemPublishing,
				Error:     fmt.Sprintf("panic: %v", r),
				ErrorCode: domain.ErrCodeUnexpected,
			}
		}
	}()
	return s.processor.ProcessItem(ctx, item)
}

// Start installs the cron trigger when one is configured. Runs fired by cron
// skip while the previous one is still going.
func (s *PublicationScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.Cron == "" || s.cron != nil {
		return nil
	}

	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := c.AddFunc(s.cfg.Cron, func() {
		if _, err := s.RunOnce(ctx, time.Now()); err != nil {
			logger.Error("[Scheduler] cron run failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("parse scheduler cron %q: %w", s.cfg.Cron, err)
	}
	c.Start()
	s.cron = c
	logger.Info("[Scheduler] cron trigger started", "schedule", s.cfg.Cron)
	return nil
}

// Stop halts the cron trigger and waits for a running batch to finish.
func (s *PublicationScheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	logger.Info("[Scheduler] stopped",
		"runs", atomic.LoadInt64(&s.runs), "published", atomic.LoadInt64(&s.itemsPublished))
}

// Stats returns a snapshot of the counters.
func (s *PublicationScheduler) Stats() SchedulerStats {
	return SchedulerStats{
		Runs:             atomic.LoadInt64(&s.runs),
		RunsSkipped:      atomic.LoadInt64(&s.runsSkipped),
		ItemsPublished:   atomic.LoadInt64(&s.itemsPublished),
		ItemsFailed:      atomic.LoadInt64(&s.itemsFailed),
		ItemsRateLimited: atomic.LoadInt64(&s.itemsRateLimited),
		Errors:           atomic.LoadInt64(&s.errors),
	}
}
