package publishing

import (
	"errors"
	"fmt"
	"time"

	"github.com/shelfcast/publisher/internal/domain"
)

// Sentinel errors for the publishing service layer.
var (
	ErrNotFound          = errors.New("scheduled item not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrAdapterMissing    = errors.New("no publisher registered for platform")
	ErrEmptyText         = errors.New("post text is empty")
	ErrAccountNotFound   = errors.New("account not found")
)

// MediaResolutionError is fatal to an item: no platform is attempted.
type MediaResolutionError struct {
	Ref string
	Err error
}

func (e *MediaResolutionError) Error() string {
	return fmt.Sprintf("media resolution failed for %s: %v", e.Ref, e.Err)
}

func (e *MediaResolutionError) Unwrap() error { return e.Err }

// NoAccountError marks a platform with nothing to publish to. It fails the
// platform, not the whole dispatch.
type NoAccountError struct {
	Platform domain.Platform
}

func (e *NoAccountError) Error() string {
	return "no connected account"
}

// RateLimitError lets adapters and stores signal a retryable throttle
// through a plain error return.
type RateLimitError struct {
	Message    string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.Message == "" {
		return "rate limited"
	}
	return e.Message
}
