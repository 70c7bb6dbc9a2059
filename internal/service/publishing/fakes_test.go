package publishing

import (
	"context"
	"sync"
	"time"

	"github.com/shelfcast/publisher/internal/domain"
)

// memItemStore is an in-memory ItemStore.
type memItemStore struct {
	mu        sync.Mutex
	items     map[string]*domain.ScheduledItem
	verdicts  map[string]domain.Verdict
	bookBumps map[string]int
	history   []domain.ContentHistoryRecord
	applyErr  error
}

func newMemItemStore(items ...domain.ScheduledItem) *memItemStore {
	s := &memItemStore{
		items:     make(map[string]*domain.ScheduledItem),
		verdicts:  make(map[string]domain.Verdict),
		bookBumps: make(map[string]int),
	}
	for i := range items {
		it := items[i]
		s.items[it.ID] = &it
	}
	return s
}

func (s *memItemStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ScheduledItem
	for _, it := range s.items {
		if len(out) >= limit {
			break
		}
		due := it.Status == domain.ItemScheduled && !it.ScheduledAt.After(now)
		retry := it.Status == domain.ItemRateLimited && it.NextRetryAt != nil && !it.NextRetryAt.After(now)
		if !due && !retry {
			continue
		}
		it.Status = domain.ItemPublishing
		claimed := now
		it.ClaimedAt = &claimed
		out = append(out, *it)
	}
	return out, nil
}

// holdsClaim reports whether item still owns the stored claim. Callers
// hold s.mu.
func (s *memItemStore) holdsClaim(item *domain.ScheduledItem) (*domain.ScheduledItem, bool) {
	it, ok := s.items[item.ID]
	if !ok || it.Status != domain.ItemPublishing || it.ClaimedAt == nil || item.ClaimedAt == nil {
		return nil, false
	}
	return it, it.ClaimedAt.Equal(*item.ClaimedAt)
}

func (s *memItemStore) StartProcessing(ctx context.Context, item *domain.ScheduledItem, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.holdsClaim(item)
	if !ok {
		return false, nil
	}
	started := now
	it.ClaimedAt = &started
	return true, nil
}

func (s *memItemStore) ApplyVerdict(ctx context.Context, item *domain.ScheduledItem, v domain.Verdict) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.applyErr != nil {
		return false, s.applyErr
	}
	it, ok := s.holdsClaim(item)
	if !ok {
		return false, nil
	}
	it.Status = v.State
	it.ErrorMessage = v.ErrorMessage
	it.ErrorCode = v.ErrorCode
	it.RetryCount = v.RetryCount
	it.NextRetryAt = v.NextRetryAt
	it.ClaimedAt = nil
	if v.State == domain.ItemPublished {
		at := v.DecidedAt
		it.PublishedAt = &at
		kind := it.BookkeepingKind()
		if kind == domain.KindSales && it.Book != nil {
			s.bookBumps[it.Book.ID]++
		}
		if kind == domain.KindContent {
			for _, p := range v.Published {
				s.history = append(s.history, domain.ContentHistoryRecord{
					ItemID:      it.ID,
					Platform:    p,
					Fingerprint: domain.Fingerprint(it.Text),
					PublishedAt: at,
				})
			}
		}
	}
	s.verdicts[item.ID] = v
	return true, nil
}

func (s *memItemStore) ResetToScheduled(ctx context.Context, id string) (*domain.ScheduledItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	if it.Status != domain.ItemFailed && it.Status != domain.ItemRateLimited {
		return nil, ErrInvalidTransition
	}
	it.Status = domain.ItemScheduled
	it.NextRetryAt = nil
	it.ErrorMessage = ""
	it.ErrorCode = ""
	cp := *it
	return &cp, nil
}

// requeue does what the stale reconciler does to one item.
func (s *memItemStore) requeue(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it := s.items[id]
	it.Status = domain.ItemScheduled
	it.ClaimedAt = nil
}

func (s *memItemStore) get(id string) domain.ScheduledItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.items[id]
}

// memAccountStore is an in-memory AccountStore.
type memAccountStore struct {
	mu       sync.Mutex
	accounts []domain.Account
	calls    int
}

func (s *memAccountStore) Get(ctx context.Context, id string) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	for i := range s.accounts {
		if s.accounts[i].ID == id {
			a := s.accounts[i]
			return &a, nil
		}
	}
	return nil, ErrAccountNotFound
}

func (s *memAccountStore) ListByIDs(ctx context.Context, owner string, platform domain.Platform, ids []string) ([]domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	var out []domain.Account
	for _, id := range ids {
		for _, a := range s.accounts {
			if a.ID == id && a.OwnerUserID == owner && a.Platform == platform {
				out = append(out, a)
			}
		}
	}
	return out, nil
}

func (s *memAccountStore) ListByOwner(ctx context.Context, owner string, platform domain.Platform) ([]domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	var out []domain.Account
	for _, a := range s.accounts {
		if a.OwnerUserID == owner && a.Platform == platform {
			out = append(out, a)
		}
	}
	return out, nil
}

// memObjectStore is an in-memory ObjectStore.
type memObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
	deletes int
}

func newMemObjectStore() *memObjectStore {
	return &memObjectStore{objects: make(map[string][]byte)}
}

func (s *memObjectStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	s.objects[key] = data
	return nil
}

func (s *memObjectStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes++
	delete(s.objects, key)
	return nil
}

func (s *memObjectStore) PublicURL(key string) string {
	return "https://cdn.test/" + key
}

func (s *memObjectStore) counts() (puts, deletes, live int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts, s.deletes, len(s.objects)
}

// recordingPublisher records every call and answers from a per-account script.
type recordingPublisher struct {
	mu       sync.Mutex
	calls    []PublishRequest
	byAcct   map[string]PublishResult
	fallback PublishResult
	err      error
	onCall   func()
}

func okPublisher() *recordingPublisher {
	return &recordingPublisher{fallback: PublishResult{Class: domain.OutcomeSuccess, PostID: "post-1"}}
}

func (p *recordingPublisher) Publish(ctx context.Context, req PublishRequest) (PublishResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req)
	if p.onCall != nil {
		p.onCall()
	}
	if p.err != nil {
		return PublishResult{}, p.err
	}
	if res, ok := p.byAcct[req.Account.ID]; ok {
		return res, nil
	}
	return p.fallback, nil
}

func (p *recordingPublisher) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}
