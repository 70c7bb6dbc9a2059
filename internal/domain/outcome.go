package domain

import (
	"strings"
	"time"
)

// OutcomeClass is the normalized reply of one publish attempt.
type OutcomeClass string

const (
	OutcomeSuccess     OutcomeClass = "success"
	OutcomeRateLimited OutcomeClass = "rate_limited"
	OutcomeFailed      OutcomeClass = "failed"
)

// Error codes persisted on failed or rate-limited items.
const (
	ErrCodeMediaResolution    = "media_resolution"
	ErrCodeNoAccount          = "no_connected_account"
	ErrCodeRateLimited        = "rate_limited"
	ErrCodeRateLimitExhausted = "rate_limit_exhausted"
	ErrCodePlatformFailure    = "platform_failure"
	ErrCodeInvalidItem        = "invalid_item"
	ErrCodeUnexpected         = "unexpected"
	// ErrCodeClaimSuperseded marks an item that was requeued and claimed
	// by another run before this run started on it. Never persisted.
	ErrCodeClaimSuperseded = "claim_superseded"
)

// AccountOutcome is the ephemeral result of one (platform, account) call.
type AccountOutcome struct {
	AccountID    string        `json:"account_id,omitempty"`
	AccountName  string        `json:"account_name,omitempty"`
	Class        OutcomeClass  `json:"class"`
	PostID       string        `json:"post_id,omitempty"`
	ErrorMessage string        `json:"error,omitempty"`
	ErrorCode    string        `json:"error_code,omitempty"`
	RetryAfter   time.Duration `json:"-"`
}

// PlatformResult collects every account outcome for one platform. Err is
// set when the platform failed before any account was tried.
type PlatformResult struct {
	Platform Platform         `json:"platform"`
	Accounts []AccountOutcome `json:"accounts"`
	Err      string           `json:"error,omitempty"`
	ErrCode  string           `json:"error_code,omitempty"`
}

// Class derives the platform verdict: one success is enough, otherwise a
// rate-limit signal from any account makes the platform retryable.
func (r *PlatformResult) Class() OutcomeClass {
	if r.Err != "" {
		return OutcomeFailed
	}
	rateLimited := false
	for _, a := range r.Accounts {
		switch a.Class {
		case OutcomeSuccess:
			return OutcomeSuccess
		case OutcomeRateLimited:
			rateLimited = true
		}
	}
	if rateLimited {
		return OutcomeRateLimited
	}
	return OutcomeFailed
}

// Reason joins the failures of a platform for the item's error message.
func (r *PlatformResult) Reason() string {
	if r.Err != "" {
		return r.Err
	}
	var parts []string
	for _, a := range r.Accounts {
		if a.Class == OutcomeSuccess {
			continue
		}
		msg := a.ErrorMessage
		if msg == "" {
			msg = string(a.Class)
		}
		if a.AccountName != "" {
			msg = a.AccountName + ": " + msg
		}
		parts = append(parts, msg)
	}
	if len(parts) == 0 {
		return "no account attempted"
	}
	return strings.Join(parts, ", ")
}

// PostIDs returns the ids of every account that published.
func (r *PlatformResult) PostIDs() []string {
	var ids []string
	for _, a := range r.Accounts {
		if a.Class == OutcomeSuccess && a.PostID != "" {
			ids = append(ids, a.PostID)
		}
	}
	return ids
}

// Verdict is the item-level decision produced by the aggregator.
type Verdict struct {
	State        ItemState             `json:"state"`
	ErrorMessage string                `json:"error,omitempty"`
	ErrorCode    string                `json:"error_code,omitempty"`
	NextRetryAt  *time.Time            `json:"next_retry_at,omitempty"`
	RetryCount   int                   `json:"retry_count"`
	PostIDs      map[Platform][]string `json:"post_ids,omitempty"`
	Published    []Platform            `json:"-"`
	DecidedAt    time.Time             `json:"-"`
}
