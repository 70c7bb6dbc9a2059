package publishing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shelfcast/publisher/internal/domain"
)

// PublishRequest is what one adapter call receives. At most one of ImageURL
// and VideoURL is set.
type PublishRequest struct {
	ItemID   string
	Text     string
	ImageURL string
	VideoURL string
	Account  domain.Account
}

// PublishResult is the adapter's normalized reply. Adapters should set
// Class; the flag fields exist for adapters that only know success and a
// rate-limit bit.
type PublishResult struct {
	Class        domain.OutcomeClass
	Success      bool
	RateLimited  bool
	PostID       string
	ErrorMessage string
	ErrorCode    string
	// RetryAfter is the adapter's own backoff guidance for rate limits.
	RetryAfter time.Duration
}

// Publisher publishes one post to one account on one platform. Everything
// about the platform's upload protocol stays behind this call.
type Publisher interface {
	Publish(ctx context.Context, req PublishRequest) (PublishResult, error)
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context, req PublishRequest) (PublishResult, error)

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, req PublishRequest) (PublishResult, error) {
	return f(ctx, req)
}

// Registry maps platforms to their adapters. Safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	publishers map[domain.Platform]Publisher
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{publishers: make(map[domain.Platform]Publisher)}
}

// Register installs the adapter for a platform, replacing any previous one.
func (r *Registry) Register(platform domain.Platform, p Publisher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publishers[platform] = p
}

// For returns the adapter for a platform.
func (r *Registry) For(platform domain.Platform) (Publisher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.publishers[platform]
	if !ok {
		return nil, ErrAdapterMissing
	}
	return p, nil
}

// Platforms lists registered platforms in stable order.
func (r *Registry) Platforms() []domain.Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Platform, 0, len(r.publishers))
	for p := range r.publishers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
