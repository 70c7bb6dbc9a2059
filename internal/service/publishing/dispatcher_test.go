package publishing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfcast/publisher/internal/domain"
)

func newTestDispatcher(reg *Registry, accounts AccountStore, timeout time.Duration) *Dispatcher {
	return NewDispatcher(reg, accounts, NewComposer("{{ title }}", nil), DispatcherConfig{CallTimeout: timeout})
}

func TestDispatch_ImageXorVideo(t *testing.T) {
	reg := NewRegistry()
	fb := okPublisher()
	reg.Register(domain.PlatformFacebook, fb)
	d := newTestDispatcher(reg, &memAccountStore{accounts: []domain.Account{account("fb-1", domain.PlatformFacebook, "Page")}}, time.Second)
	item := contentItem("item-1", domain.PlatformFacebook)

	d.Dispatch(context.Background(), &item, ResolvedMedia{URL: "https://cdn.test/v.mp4", Kind: MediaVideo})
	d.Dispatch(context.Background(), &item, ResolvedMedia{URL: "https://cdn.test/c.jpg", Kind: MediaImage})
	d.Dispatch(context.Background(), &item, ResolvedMedia{})

	require.Len(t, fb.calls, 3)
	assert.Equal(t, "", fb.calls[0].ImageURL)
	assert.Equal(t, "https://cdn.test/v.mp4", fb.calls[0].VideoURL)
	assert.Equal(t, "https://cdn.test/c.jpg", fb.calls[1].ImageURL)
	assert.Equal(t, "", fb.calls[1].VideoURL)
	assert.Empty(t, fb.calls[2].ImageURL+fb.calls[2].VideoURL)
}

func TestDispatch_ExplicitSelectionUsedVerbatim(t *testing.T) {
	reg := NewRegistry()
	fb := okPublisher()
	reg.Register(domain.PlatformFacebook, fb)
	store := &memAccountStore{accounts: []domain.Account{
		account("fb-1", domain.PlatformFacebook, "One"),
		account("fb-2", domain.PlatformFacebook, "Two"),
		account("fb-3", domain.PlatformFacebook, "Three"),
	}}
	d := newTestDispatcher(reg, store, time.Second)

	item := contentItem("item-1", domain.PlatformFacebook)
	item.AccountSelection = map[domain.Platform][]string{domain.PlatformFacebook: {"fb-3", "fb-1"}}

	results := d.Dispatch(context.Background(), &item, ResolvedMedia{})
	require.Contains(t, results, domain.PlatformFacebook)
	require.Len(t, fb.calls, 2)
	assert.Equal(t, "fb-3", fb.calls[0].Account.ID)
	assert.Equal(t, "fb-1", fb.calls[1].Account.ID)
}

func TestDispatch_SingleTargetUsesPresetAccount(t *testing.T) {
	reg := NewRegistry()
	x := okPublisher()
	reg.Register(domain.PlatformX, x)
	store := &memAccountStore{accounts: []domain.Account{
		account("x-1", domain.PlatformX, "@one"),
		account("x-2", domain.PlatformX, "@two"),
	}}
	d := newTestDispatcher(reg, store, time.Second)

	item := domain.ScheduledItem{ID: "s-1", Shape: domain.ShapeSingle, Kind: domain.KindContent, Text: "hi", OwnerUserID: "user-1", Platform: domain.PlatformX, AccountID: "x-2"}
	results := d.Dispatch(context.Background(), &item, ResolvedMedia{})

	require.Len(t, x.calls, 1)
	assert.Equal(t, "x-2", x.calls[0].Account.ID)
	assert.Equal(t, domain.OutcomeSuccess, results[domain.PlatformX].Class())
}

func TestDispatch_PlatformsRunConcurrentlyAccountsSequentially(t *testing.T) {
	reg := NewRegistry()
	var (
		mu        sync.Mutex
		inFlight  = map[domain.Platform]int{}
		maxPer    = map[domain.Platform]int{}
		maxTotal  int
		total     int
		bothBegun = make(chan struct{})
		once      sync.Once
	)
	track := func(p domain.Platform) Publisher {
		return PublisherFunc(func(ctx context.Context, req PublishRequest) (PublishResult, error) {
			mu.Lock()
			inFlight[p]++
			total++
			if inFlight[p] > maxPer[p] {
				maxPer[p] = inFlight[p]
			}
			if total > maxTotal {
				maxTotal = total
			}
			if total == 2 {
				once.Do(func() { close(bothBegun) })
			}
			mu.Unlock()

			select {
			case <-bothBegun:
			case <-time.After(200 * time.Millisecond):
			}

			mu.Lock()
			inFlight[p]--
			total--
			mu.Unlock()
			return PublishResult{Class: domain.OutcomeSuccess}, nil
		})
	}
	reg.Register(domain.PlatformFacebook, track(domain.PlatformFacebook))
	reg.Register(domain.PlatformYouTube, track(domain.PlatformYouTube))

	store := &memAccountStore{accounts: []domain.Account{
		account("fb-1", domain.PlatformFacebook, "A"),
		account("fb-2", domain.PlatformFacebook, "B"),
		account("yt-1", domain.PlatformYouTube, "C"),
	}}
	d := newTestDispatcher(reg, store, time.Second)
	item := contentItem("item-1", domain.PlatformFacebook, domain.PlatformYouTube)

	results := d.Dispatch(context.Background(), &item, ResolvedMedia{})
	assert.Len(t, results, 2)
	assert.Equal(t, 1, maxPer[domain.PlatformFacebook], "accounts of one platform never overlap")
	assert.Equal(t, 2, maxTotal, "platforms overlap")
}

func TestDispatch_TimeoutIsHardFailure(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	reg := NewRegistry()
	reg.Register(domain.PlatformYouTube, PublisherFunc(func(ctx context.Context, req PublishRequest) (PublishResult, error) {
		<-release
		return PublishResult{Class: domain.OutcomeSuccess}, nil
	}))
	d := newTestDispatcher(reg, &memAccountStore{accounts: []domain.Account{account("yt-1", domain.PlatformYouTube, "Channel")}}, 50*time.Millisecond)
	item := contentItem("item-1", domain.PlatformYouTube)

	results := d.Dispatch(context.Background(), &item, ResolvedMedia{})
	r := results[domain.PlatformYouTube]
	require.Len(t, r.Accounts, 1)
	assert.Equal(t, domain.OutcomeFailed, r.Accounts[0].Class)
	assert.Equal(t, "timeout", r.Accounts[0].ErrorCode)
	assert.Contains(t, r.Accounts[0].ErrorMessage, "timed out")
}

func TestDispatch_ItemDeadlineReportedAsSuch(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	reg := NewRegistry()
	reg.Register(domain.PlatformYouTube, PublisherFunc(func(ctx context.Context, req PublishRequest) (PublishResult, error) {
		<-release
		return PublishResult{Class: domain.OutcomeSuccess}, nil
	}))
	d := newTestDispatcher(reg, &memAccountStore{accounts: []domain.Account{account("yt-1", domain.PlatformYouTube, "Channel")}}, time.Second)
	item := contentItem("item-1", domain.PlatformYouTube)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	results := d.Dispatch(ctx, &item, ResolvedMedia{})
	r := results[domain.PlatformYouTube]
	require.Len(t, r.Accounts, 1)
	assert.Equal(t, "timeout", r.Accounts[0].ErrorCode)
	assert.Equal(t, "item deadline exceeded before publish finished", r.Accounts[0].ErrorMessage)
}

func TestDispatch_PanicAndErrorsClassified(t *testing.T) {
	reg := NewRegistry()
	reg.Register(domain.PlatformTikTok, PublisherFunc(func(ctx context.Context, req PublishRequest) (PublishResult, error) {
		panic("nil upload session")
	}))
	reg.Register(domain.PlatformThreads, PublisherFunc(func(ctx context.Context, req PublishRequest) (PublishResult, error) {
		return PublishResult{}, errors.New("HTTP 429: Too Many Requests")
	}))
	reg.Register(domain.PlatformBluesky, PublisherFunc(func(ctx context.Context, req PublishRequest) (PublishResult, error) {
		return PublishResult{}, &RateLimitError{RetryAfter: time.Hour}
	}))
	store := &memAccountStore{accounts: []domain.Account{
		account("tt-1", domain.PlatformTikTok, "tt"),
		account("th-1", domain.PlatformThreads, "th"),
		account("bs-1", domain.PlatformBluesky, "bs"),
	}}
	d := newTestDispatcher(reg, store, time.Second)
	item := contentItem("item-1", domain.PlatformTikTok, domain.PlatformThreads, domain.PlatformBluesky)

	results := d.Dispatch(context.Background(), &item, ResolvedMedia{})

	tt := results[domain.PlatformTikTok].Accounts[0]
	assert.Equal(t, domain.OutcomeFailed, tt.Class)
	assert.Contains(t, tt.ErrorMessage, "publisher panic")

	assert.Equal(t, domain.OutcomeRateLimited, results[domain.PlatformThreads].Class())

	bs := results[domain.PlatformBluesky].Accounts[0]
	assert.Equal(t, domain.OutcomeRateLimited, bs.Class)
	assert.Equal(t, time.Hour, bs.RetryAfter)
}

func TestDispatch_MissingSingleAccount(t *testing.T) {
	reg := NewRegistry()
	fb := okPublisher()
	reg.Register(domain.PlatformFacebook, fb)
	d := newTestDispatcher(reg, &memAccountStore{}, time.Second)

	for _, accountID := range []string{"", "gone"} {
		item := domain.ScheduledItem{ID: "s-1", Shape: domain.ShapeSingle, Text: "hi", Platform: domain.PlatformFacebook, AccountID: accountID}
		r := d.Dispatch(context.Background(), &item, ResolvedMedia{})[domain.PlatformFacebook]
		assert.Equal(t, domain.ErrCodeNoAccount, r.ErrCode)
		assert.Equal(t, "no connected account", r.Reason())
	}
	assert.Zero(t, fb.callCount())
}

func TestDispatch_EmptyTextIsInvalid(t *testing.T) {
	reg := NewRegistry()
	fb := okPublisher()
	reg.Register(domain.PlatformFacebook, fb)
	d := newTestDispatcher(reg, &memAccountStore{accounts: []domain.Account{account("fb-1", domain.PlatformFacebook, "Page")}}, time.Second)

	item := contentItem("item-1", domain.PlatformFacebook)
	item.Text = "   "
	r := d.Dispatch(context.Background(), &item, ResolvedMedia{})[domain.PlatformFacebook]

	assert.Equal(t, domain.ErrCodeInvalidItem, r.ErrCode)
	assert.Zero(t, fb.callCount())
}
