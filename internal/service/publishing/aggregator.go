package publishing

import (
	"strings"
	"time"

	"github.com/shelfcast/publisher/internal/domain"
)

// DefaultRateLimitBackoff is used when an adapter gives no retry guidance.
const DefaultRateLimitBackoff = 15 * time.Minute

// RetryPolicy controls the rate-limit path of the state machine.
type RetryPolicy struct {
	RateLimitBackoff time.Duration
	// MaxRateLimitRetries of 0 retries forever.
	MaxRateLimitRetries int
}

func (p RetryPolicy) backoff() time.Duration {
	if p.RateLimitBackoff <= 0 {
		return DefaultRateLimitBackoff
	}
	return p.RateLimitBackoff
}

// exhausted reports whether retryCount is past the rate-limit cap.
func (p RetryPolicy) exhausted(retryCount int) bool {
	return p.MaxRateLimitRetries > 0 && retryCount > p.MaxRateLimitRetries
}

// Aggregate folds per-platform results into the item verdict. Any hard
// platform failure makes the item failed no matter how many platforms
// succeeded; rate limits alone make it rate_limited; otherwise it is
// published.
func Aggregate(item *domain.ScheduledItem, results map[domain.Platform]*domain.PlatformResult, now time.Time, policy RetryPolicy) domain.Verdict {
	v := domain.Verdict{DecidedAt: now, RetryCount: item.RetryCount}

	platforms := item.TargetPlatforms()
	if len(platforms) == 0 {
		v.State = domain.ItemFailed
		v.ErrorCode = domain.ErrCodeInvalidItem
		v.ErrorMessage = "no target platform"
		return v
	}

	var (
		hard      []string
		limited   []string
		hardCode  string
		postIDs   = make(map[domain.Platform][]string)
		published []domain.Platform
	)
	for _, p := range platforms {
		r, ok := results[p]
		if !ok {
			hard = append(hard, p.HumanName()+": not dispatched")
			continue
		}
		switch r.Class() {
		case domain.OutcomeSuccess:
			published = append(published, p)
			postIDs[p] = r.PostIDs()
		case domain.OutcomeRateLimited:
			limited = append(limited, p.HumanName()+": "+r.Reason())
		default:
			hard = append(hard, p.HumanName()+": "+r.Reason())
			if hardCode == "" {
				hardCode = r.ErrCode
			}
		}
	}

	switch {
	case len(hard) > 0:
		v.State = domain.ItemFailed
		v.ErrorMessage = strings.Join(hard, "; ")
		v.ErrorCode = hardCode
		if v.ErrorCode == "" {
			v.ErrorCode = domain.ErrCodePlatformFailure
		}
	case len(limited) > 0:
		v.RetryCount = item.RetryCount + 1
		v.ErrorMessage = strings.Join(limited, "; ")
		if policy.exhausted(v.RetryCount) {
			v.State = domain.ItemFailed
			v.ErrorCode = domain.ErrCodeRateLimitExhausted
			return v
		}
		v.State = domain.ItemRateLimited
		v.ErrorCode = domain.ErrCodeRateLimited
		next, ok := retryAt(results, now)
		if !ok {
			next = now.Add(policy.backoff())
		}
		v.NextRetryAt = &next
	default:
		v.State = domain.ItemPublished
		v.PostIDs = postIDs
		v.Published = published
	}
	return v
}

// FailureVerdict builds a failed verdict for errors raised before or
// outside dispatch.
func FailureVerdict(item *domain.ScheduledItem, code, message string, now time.Time) domain.Verdict {
	return domain.Verdict{
		State:        domain.ItemFailed,
		ErrorCode:    code,
		ErrorMessage: message,
		RetryCount:   item.RetryCount,
		DecidedAt:    now,
	}
}

// RateLimitVerdict builds a rate-limited verdict with the fixed backoff, or
// a rate_limit_exhausted failure once the retry cap is passed.
func RateLimitVerdict(item *domain.ScheduledItem, message string, now time.Time, policy RetryPolicy) domain.Verdict {
	if policy.exhausted(item.RetryCount + 1) {
		return domain.Verdict{
			State:        domain.ItemFailed,
			ErrorCode:    domain.ErrCodeRateLimitExhausted,
			ErrorMessage: message,
			RetryCount:   item.RetryCount + 1,
			DecidedAt:    now,
		}
	}
	next := now.Add(policy.backoff())
	return domain.Verdict{
		State:        domain.ItemRateLimited,
		ErrorCode:    domain.ErrCodeRateLimited,
		ErrorMessage: message,
		RetryCount:   item.RetryCount + 1,
		NextRetryAt:  &next,
		DecidedAt:    now,
	}
}
