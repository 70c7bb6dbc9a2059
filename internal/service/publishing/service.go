package publishing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shelfcast/publisher/internal/domain"
	"github.com/shelfcast/publisher/internal/pkg/logger"
)

const persistTimeout = 15 * time.Second

// PlatformReport summarizes one platform of one item for the trigger response.
type PlatformReport struct {
	Platform domain.Platform     `json:"platform"`
	Name     string              `json:"name"`
	Status   domain.OutcomeClass `json:"status"`
	Error    string              `json:"error,omitempty"`
	PostIDs  []string            `json:"post_ids,omitempty"`
}

// ItemReport is the outcome of processing one item.
type ItemReport struct {
	ID          string           `json:"id"`
	Status      domain.ItemState `json:"status"`
	Error       string           `json:"error,omitempty"`
	ErrorCode   string           `json:"error_code,omitempty"`
	RetryCount  int              `json:"retry_count"`
	NextRetryAt *time.Time       `json:"next_retry_at,omitempty"`
	Platforms   []PlatformReport `json:"platforms,omitempty"`
	// Applied is false when the item was no longer publishing under this
	// run's claim and the verdict was discarded.
	Applied bool `json:"applied"`
}

// Service processes claimed items end to end. All public methods are safe
// for concurrent use if the underlying stores are.
type Service struct {
	store       ItemStore
	media       *MediaResolver
	dispatcher  *Dispatcher
	policy      RetryPolicy
	itemTimeout time.Duration
	now         func() time.Time
}

// NewService creates the publishing service.
func NewService(store ItemStore, media *MediaResolver, dispatcher *Dispatcher, policy RetryPolicy, itemTimeout time.Duration) *Service {
	return &Service{
		store:       store,
		media:       media,
		dispatcher:  dispatcher,
		policy:      policy,
		itemTimeout: itemTimeout,
		now:         time.Now,
	}
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// ProcessItem resolves media once, dispatches, aggregates and persists the
// verdict of one claimed item. It never panics and never returns an error:
// every failure ends up in the report and, when possible, on the item.
//
// The claim is refreshed before any work starts, so an item that waited in
// the batch queue is not seen as stale while it publishes. An item whose
// claim was already lost is skipped untouched.
func (s *Service) ProcessItem(ctx context.Context, item *domain.ScheduledItem) (report ItemReport) {
	defer func() {
		if r := recover(); r != nil {
			report = s.handleUnexpected(ctx, item, fmt.Errorf("panic while processing item: %v", r))
		}
	}()

	started := s.now().UTC().Truncate(time.Microsecond)
	held, err := s.store.StartProcessing(ctx, item, started)
	if err != nil {
		return s.handleUnexpected(ctx, item, fmt.Errorf("refresh claim: %w", err))
	}
	if !held {
		logger.Warn("[Publishing] claim superseded, item skipped", "item_id", item.ID)
		return ItemReport{
			ID:         item.ID,
			Status:     item.Status,
			Error:      "claim superseded by another run",
			ErrorCode:  domain.ErrCodeClaimSuperseded,
			RetryCount: item.RetryCount,
		}
	}
	item.ClaimedAt = &started

	if s.itemTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.itemTimeout)
		defer cancel()
	}

	ref, declaredVideo := item.MediaReference()
	media, cleanup, err := s.media.ResolveMedia(ctx, item.ID, ref, declaredVideo)
	defer cleanup()
	if err != nil {
		logger.Warn("[Publishing] media resolution failed", "item_id", item.ID, "error", err)
		v := FailureVerdict(item, domain.ErrCodeMediaResolution, err.Error(), s.now())
		return s.apply(ctx, item, v, nil)
	}

	results := s.dispatcher.Dispatch(ctx, item, media)
	v := Aggregate(item, results, s.now(), s.policy)
	return s.apply(ctx, item, v, results)
}

// Retry resets a failed or rate-limited item to scheduled.
func (s *Service) Retry(ctx context.Context, id string) (*domain.ScheduledItem, error) {
	item, err := s.store.ResetToScheduled(ctx, id)
	if err != nil {
		return nil, err
	}
	logger.Info("[Publishing] item reset to scheduled", "item_id", id)
	return item, nil
}

func (s *Service) apply(ctx context.Context, item *domain.ScheduledItem, v domain.Verdict, results map[domain.Platform]*domain.PlatformResult) ItemReport {
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	applied, err := s.store.ApplyVerdict(persistCtx, item, v)
	if err != nil {
		return s.handleUnexpected(ctx, item, fmt.Errorf("persist %s verdict: %w", v.State, err))
	}
	if !applied {
		logger.Warn("[Publishing] item no longer publishing, verdict discarded", "item_id", item.ID, "verdict", string(v.State))
	}

	report := newReport(item, v, results)
	report.Applied = applied
	logger.Info("[Publishing] item processed",
		"item_id", item.ID, "status", string(v.State), "retry_count", v.RetryCount, "error", v.ErrorMessage)
	return report
}

// handleUnexpected covers errors raised outside the adapter contract. A
// rate-limit looking error reschedules with the fixed backoff; anything
// else fails the item. Either write only lands if the item is still
// publishing.
func (s *Service) handleUnexpected(ctx context.Context, item *domain.ScheduledItem, cause error) ItemReport {
	logger.Error("[Publishing] unexpected error", "item_id", item.ID, "error", cause)

	var rl *RateLimitError
	var v domain.Verdict
	if errors.As(cause, &rl) || IsRateLimitMessage(cause.Error()) {
		v = RateLimitVerdict(item, cause.Error(), s.now(), s.policy)
	} else {
		v = FailureVerdict(item, domain.ErrCodeUnexpected, cause.Error(), s.now())
	}

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	report := newReport(item, v, nil)
	applied, err := s.store.ApplyVerdict(persistCtx, item, v)
	if err != nil {
		logger.Error("[Publishing] could not record failure", "item_id", item.ID, "error", err)
		return report
	}
	report.Applied = applied
	return report
}

func newReport(item *domain.ScheduledItem, v domain.Verdict, results map[domain.Platform]*domain.PlatformResult) ItemReport {
	report := ItemReport{
		ID:          item.ID,
		Status:      v.State,
		Error:       v.ErrorMessage,
		ErrorCode:   v.ErrorCode,
		RetryCount:  v.RetryCount,
		NextRetryAt: v.NextRetryAt,
	}
	for _, p := range item.TargetPlatforms() {
		r, ok := results[p]
		if !ok {
			continue
		}
		pr := PlatformReport{Platform: p, Name: p.HumanName(), Status: r.Class(), PostIDs: r.PostIDs()}
		if pr.Status != domain.OutcomeSuccess {
			pr.Error = r.Reason()
		}
		report.Platforms = append(report.Platforms, pr)
	}
	return report
}
