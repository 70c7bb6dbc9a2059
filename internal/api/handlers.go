package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/shelfcast/publisher/internal/domain"
	"github.com/shelfcast/publisher/internal/pkg/httputil"
	"github.com/shelfcast/publisher/internal/pkg/logger"
	"github.com/shelfcast/publisher/internal/service/publishing"
	"github.com/shelfcast/publisher/internal/worker"
)

// Runner runs one publication batch.
type Runner interface {
	RunOnce(ctx context.Context, now time.Time) (worker.RunSummary, error)
	Stats() worker.SchedulerStats
}

// Retrier resets a failed or rate-limited item.
type Retrier interface {
	Retry(ctx context.Context, id string) (*domain.ScheduledItem, error)
}

// Reconciler requeues items stuck in publishing.
type Reconciler interface {
	RecoverOnce(ctx context.Context) (int64, error)
}

// Handlers serves the scheduler API.
type Handlers struct {
	runner        Runner
	retrier       Retrier
	reconciler    Reconciler
	triggerSecret string
	now           func() time.Time
}

// NewHandlers creates the handler set. An empty triggerSecret leaves the
// trigger open, for deployments behind a private network.
func NewHandlers(runner Runner, retrier Retrier, reconciler Reconciler, triggerSecret string) *Handlers {
	return &Handlers{
		runner:        runner,
		retrier:       retrier,
		reconciler:    reconciler,
		triggerSecret: triggerSecret,
		now:           time.Now,
	}
}

// RequireTrigger guards the scheduler endpoints with the shared secret.
func (h *Handlers) RequireTrigger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.triggerSecret == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(h.triggerSecret)) != 1 {
			httputil.Unauthorized(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RunScheduler processes every due item and returns the run summary.
//
//	POST /api/scheduler/run
//	GET  /api/scheduler/run
func (h *Handlers) RunScheduler(w http.ResponseWriter, r *http.Request) {
	// The batch keeps going if the caller hangs up; claimed items must
	// reach a verdict.
	ctx := context.WithoutCancel(r.Context())

	summary, err := h.runner.RunOnce(ctx, h.now().UTC())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, summary)
}

// SchedulerStats returns the cumulative scheduler counters.
//
//	GET /api/scheduler/stats
func (h *Handlers) SchedulerStats(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, h.runner.Stats())
}

// Reconcile requeues stale publishing items immediately.
//
//	POST /api/scheduler/reconcile
func (h *Handlers) Reconcile(w http.ResponseWriter, r *http.Request) {
	n, err := h.reconciler.RecoverOnce(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]int64{"requeued": n})
}

// RetryItem resets a failed or rate-limited item to scheduled.
//
//	POST /api/items/{id}/retry
func (h *Handlers) RetryItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		httputil.Error(w, http.StatusBadRequest, "item id is required", "bad_request")
		return
	}

	item, err := h.retrier.Retry(r.Context(), id)
	switch {
	case errors.Is(err, publishing.ErrNotFound):
		httputil.NotFound(w, "scheduled item not found")
		return
	case errors.Is(err, publishing.ErrInvalidTransition):
		httputil.Conflict(w, "item can only be retried from failed or rate_limited")
		return
	case err != nil:
		httputil.InternalError(w, err)
		return
	}

	logger.Info("[API] item queued for retry", "item_id", item.ID)
	httputil.OK(w, map[string]interface{}{
		"id":          item.ID,
		"status":      item.Status,
		"retry_count": item.RetryCount,
	})
}
