package publishing

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shelfcast/publisher/internal/domain"
)

var rateLimitCodes = map[string]bool{
	"rate_limited":      true,
	"rate_limit":        true,
	"too_many_requests": true,
	"429":               true,

	// Graph API throttling codes.
	"4":   true,
	"17":  true,
	"32":  true,
	"613": true,
}

var rateLimitPhrases = []string{
	"rate limit",
	"rate-limit",
	"ratelimit",
	"too many requests",
	"quota exceeded",
	"429",
}

// IsRateLimitMessage is the last-resort check for errors that escaped the
// typed adapter contract.
func IsRateLimitMessage(msg string) bool {
	msg = strings.ToLower(msg)
	for _, p := range rateLimitPhrases {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsRateLimitCode reports whether an adapter error code or HTTP status means throttling.
func IsRateLimitCode(code string) bool {
	code = strings.ToLower(strings.TrimSpace(code))
	return rateLimitCodes[code]
}

// ClassifyError turns an error returned outside the result contract into an
// account outcome. Typed errors win over message inspection.
func ClassifyError(err error) domain.AccountOutcome {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return domain.AccountOutcome{
			Class:        domain.OutcomeRateLimited,
			ErrorMessage: rl.Error(),
			ErrorCode:    domain.ErrCodeRateLimited,
			RetryAfter:   rl.RetryAfter,
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.AccountOutcome{
			Class:        domain.OutcomeFailed,
			ErrorMessage: "publish timed out",
			ErrorCode:    "timeout",
		}
	}
	if IsRateLimitMessage(err.Error()) {
		return domain.AccountOutcome{
			Class:        domain.OutcomeRateLimited,
			ErrorMessage: err.Error(),
			ErrorCode:    domain.ErrCodeRateLimited,
		}
	}
	return domain.AccountOutcome{
		Class:        domain.OutcomeFailed,
		ErrorMessage: err.Error(),
		ErrorCode:    domain.ErrCodeUnexpected,
	}
}

// normalizeResult maps an adapter reply onto exactly one outcome class.
// Adapters that leave Class empty are classified from their flags, code and
// message.
func normalizeResult(res PublishResult) domain.AccountOutcome {
	out := domain.AccountOutcome{
		PostID:       res.PostID,
		ErrorMessage: res.ErrorMessage,
		ErrorCode:    res.ErrorCode,
		RetryAfter:   res.RetryAfter,
	}
	switch {
	case res.Class != "":
		out.Class = res.Class
	case res.Success:
		out.Class = domain.OutcomeSuccess
	case res.RateLimited, IsRateLimitCode(res.ErrorCode), IsRateLimitMessage(res.ErrorMessage):
		out.Class = domain.OutcomeRateLimited
	default:
		out.Class = domain.OutcomeFailed
	}
	if out.Class != domain.OutcomeSuccess && out.ErrorMessage == "" {
		out.ErrorMessage = "publish failed"
		if out.Class == domain.OutcomeRateLimited {
			out.ErrorMessage = "rate limited"
		}
	}
	return out
}

// retryAt picks the latest future guidance among rate-limited accounts of
// platforms that are themselves rate limited. A platform that published
// through another account is not retried, so its guidance is ignored.
func retryAt(results map[domain.Platform]*domain.PlatformResult, now time.Time) (time.Time, bool) {
	var latest time.Time
	for _, r := range results {
		if r == nil || r.Class() != domain.OutcomeRateLimited {
			continue
		}
		for _, a := range r.Accounts {
			if a.Class != domain.OutcomeRateLimited || a.RetryAfter <= 0 {
				continue
			}
			if t := now.Add(a.RetryAfter); t.After(latest) {
				latest = t
			}
		}
	}
	return latest, !latest.IsZero() && latest.After(now)
}
