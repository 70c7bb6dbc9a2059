package publishing

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfcast/publisher/internal/domain"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	items    *memItemStore
	accounts *memAccountStore
	objects  *memObjectStore
	registry *Registry
	svc      *Service
}

func newHarness(t *testing.T, lockerHosts []string, items []domain.ScheduledItem, accounts []domain.Account) *harness {
	t.Helper()
	h := &harness{
		items:    newMemItemStore(items...),
		accounts: &memAccountStore{accounts: accounts},
		objects:  newMemObjectStore(),
		registry: NewRegistry(),
	}
	media := NewMediaResolver(http.DefaultClient, h.objects, MediaConfig{
		LockerHosts:  lockerHosts,
		FetchTimeout: 2 * time.Second,
	})
	dispatcher := NewDispatcher(h.registry, h.accounts, NewComposer("{{ title }} {{ link }}", nil), DispatcherConfig{
		CallTimeout: time.Second,
	})
	h.svc = NewService(h.items, media, dispatcher, RetryPolicy{RateLimitBackoff: 15 * time.Minute, MaxRateLimitRetries: 10}, 5*time.Second)
	h.svc.SetClock(func() time.Time { return testNow })
	return h
}

func (h *harness) process(t *testing.T, id string) ItemReport {
	t.Helper()
	claimed, err := NewClaimManager(h.items, 10).ClaimDueItems(context.Background(), testNow)
	require.NoError(t, err)
	for i := range claimed {
		if claimed[i].ID == id {
			return h.svc.ProcessItem(context.Background(), &claimed[i])
		}
	}
	t.Fatalf("item %s was not claimed", id)
	return ItemReport{}
}

func contentItem(id string, platforms ...domain.Platform) domain.ScheduledItem {
	return domain.ScheduledItem{
		ID:          id,
		Shape:       domain.ShapeMulti,
		Kind:        domain.KindContent,
		OwnerUserID: "user-1",
		Status:      domain.ItemScheduled,
		ScheduledAt: testNow.Add(-time.Minute),
		Text:        "New chapter drops Friday",
		Platforms:   platforms,
	}
}

func account(id string, platform domain.Platform, name string) domain.Account {
	return domain.Account{ID: id, OwnerUserID: "user-1", Platform: platform, DisplayName: name}
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestProcessItem_PartialRateLimitReschedules(t *testing.T) {
	h := newHarness(t, nil,
		[]domain.ScheduledItem{contentItem("item-1", domain.PlatformFacebook, domain.PlatformX)},
		[]domain.Account{account("fb-1", domain.PlatformFacebook, "Main Page"), account("x-1", domain.PlatformX, "@shelf")},
	)
	fb := okPublisher()
	x := &recordingPublisher{fallback: PublishResult{Class: domain.OutcomeRateLimited, ErrorMessage: "slow down"}}
	h.registry.Register(domain.PlatformFacebook, fb)
	h.registry.Register(domain.PlatformX, x)

	report := h.process(t, "item-1")

	assert.Equal(t, domain.ItemRateLimited, report.Status)
	assert.True(t, report.Applied)
	assert.Equal(t, 1, fb.callCount())
	assert.Equal(t, 1, x.callCount())

	got := h.items.get("item-1")
	assert.Equal(t, domain.ItemRateLimited, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, domain.ErrCodeRateLimited, got.ErrorCode)
	require.NotNil(t, got.NextRetryAt)
	assert.Equal(t, testNow.Add(15*time.Minute), *got.NextRetryAt)
	assert.Contains(t, got.ErrorMessage, "X (Twitter)")
	assert.Empty(t, h.items.history, "nothing is recorded until every platform publishes")
}

func TestProcessItem_OneAccountSucceedingPublishesPlatform(t *testing.T) {
	h := newHarness(t, nil,
		[]domain.ScheduledItem{contentItem("item-1", domain.PlatformFacebook)},
		[]domain.Account{account("fb-1", domain.PlatformFacebook, "Main Page"), account("fb-2", domain.PlatformFacebook, "Outlet")},
	)
	fb := &recordingPublisher{
		byAcct: map[string]PublishResult{
			"fb-1": {Class: domain.OutcomeSuccess, PostID: "p-1"},
			"fb-2": {Class: domain.OutcomeFailed, ErrorMessage: "permission denied"},
		},
	}
	h.registry.Register(domain.PlatformFacebook, fb)

	report := h.process(t, "item-1")

	assert.Equal(t, domain.ItemPublished, report.Status)
	assert.Equal(t, 2, fb.callCount(), "every account is attempted")

	got := h.items.get("item-1")
	assert.Equal(t, domain.ItemPublished, got.Status)
	assert.Empty(t, got.ErrorMessage)
	require.NotNil(t, got.PublishedAt)

	require.Len(t, h.items.history, 1)
	assert.Equal(t, domain.PlatformFacebook, h.items.history[0].Platform)
	assert.Equal(t, domain.Fingerprint("New chapter drops Friday"), h.items.history[0].Fingerprint)

	require.Len(t, report.Platforms, 1)
	assert.Equal(t, []string{"p-1"}, report.Platforms[0].PostIDs)
}

func TestProcessItem_UnreachableLockerFailsWithoutDispatch(t *testing.T) {
	locker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	lockerURL := locker.URL + "/file/trailer.mp4"
	locker.Close()

	item := contentItem("item-1", domain.PlatformFacebook, domain.PlatformYouTube)
	item.CustomMediaURL = lockerURL

	h := newHarness(t, []string{"127.0.0.1"},
		[]domain.ScheduledItem{item},
		[]domain.Account{account("fb-1", domain.PlatformFacebook, "Main Page"), account("yt-1", domain.PlatformYouTube, "Channel")},
	)
	fb, yt := okPublisher(), okPublisher()
	h.registry.Register(domain.PlatformFacebook, fb)
	h.registry.Register(domain.PlatformYouTube, yt)

	report := h.process(t, "item-1")

	assert.Equal(t, domain.ItemFailed, report.Status)
	assert.Equal(t, domain.ErrCodeMediaResolution, report.ErrorCode)
	assert.Zero(t, fb.callCount())
	assert.Zero(t, yt.callCount())
	assert.Zero(t, h.accounts.calls, "accounts are not resolved for a media failure")

	got := h.items.get("item-1")
	assert.Equal(t, domain.ItemFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "media resolution failed")
}

func TestProcessItem_MissingAccountFailsDespiteOtherSuccess(t *testing.T) {
	h := newHarness(t, nil,
		[]domain.ScheduledItem{contentItem("item-1", domain.PlatformInstagram, domain.PlatformYouTube)},
		[]domain.Account{account("yt-1", domain.PlatformYouTube, "Channel")},
	)
	ig, yt := okPublisher(), okPublisher()
	h.registry.Register(domain.PlatformInstagram, ig)
	h.registry.Register(domain.PlatformYouTube, yt)

	report := h.process(t, "item-1")

	assert.Equal(t, domain.ItemFailed, report.Status)
	assert.Zero(t, ig.callCount())
	assert.Equal(t, 1, yt.callCount())

	got := h.items.get("item-1")
	assert.Equal(t, domain.ItemFailed, got.Status)
	assert.Equal(t, "Instagram: no connected account", got.ErrorMessage)
	assert.Equal(t, domain.ErrCodeNoAccount, got.ErrorCode)
	assert.Empty(t, h.items.history)
}

func TestProcessItem_LockerMediaResolvedOnceAndCleanedUp(t *testing.T) {
	img := pngBytes(t)
	var hits atomic.Int32
	locker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(img)
	}))
	defer locker.Close()

	item := contentItem("item-1", domain.PlatformFacebook, domain.PlatformX)
	item.CustomMediaURL = locker.URL + "/share/cover"

	h := newHarness(t, []string{"127.0.0.1"},
		[]domain.ScheduledItem{item},
		[]domain.Account{account("fb-1", domain.PlatformFacebook, "Main Page"), account("x-1", domain.PlatformX, "@shelf")},
	)
	fb, x := okPublisher(), okPublisher()
	h.registry.Register(domain.PlatformFacebook, fb)
	h.registry.Register(domain.PlatformX, x)

	report := h.process(t, "item-1")
	require.Equal(t, domain.ItemPublished, report.Status)

	assert.Equal(t, int32(1), hits.Load(), "locker is downloaded once per item")
	puts, deletes, live := h.objects.counts()
	assert.Equal(t, 1, puts)
	assert.Equal(t, 1, deletes)
	assert.Zero(t, live)

	require.Len(t, fb.calls, 1)
	require.Len(t, x.calls, 1)
	assert.True(t, strings.HasPrefix(fb.calls[0].ImageURL, "https://cdn.test/tmp/media/item-1/"))
	assert.Equal(t, fb.calls[0].ImageURL, x.calls[0].ImageURL)
	assert.Empty(t, fb.calls[0].VideoURL)
}

func TestProcessItem_TempCopyDeletedOnFailure(t *testing.T) {
	img := pngBytes(t)
	locker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(img)
	}))
	defer locker.Close()

	item := contentItem("item-1", domain.PlatformFacebook)
	item.CustomMediaURL = locker.URL + "/share/cover"

	h := newHarness(t, []string{"127.0.0.1"},
		[]domain.ScheduledItem{item},
		[]domain.Account{account("fb-1", domain.PlatformFacebook, "Main Page")},
	)
	h.registry.Register(domain.PlatformFacebook, &recordingPublisher{err: errors.New("boom")})

	report := h.process(t, "item-1")
	assert.Equal(t, domain.ItemFailed, report.Status)

	_, deletes, live := h.objects.counts()
	assert.Equal(t, 1, deletes)
	assert.Zero(t, live)
}

func TestProcessItem_SalesCounterOnlyOnSuccess(t *testing.T) {
	book := &domain.Book{ID: "book-1", Title: "The Long Road", ProductURL: "https://shop.test/long-road", Price: 12.5}
	ok := domain.ScheduledItem{
		ID: "sale-ok", Shape: domain.ShapeSingle, Kind: domain.KindSales, OwnerUserID: "user-1",
		Status: domain.ItemScheduled, ScheduledAt: testNow.Add(-time.Hour),
		Book: book, Platform: domain.PlatformFacebook, AccountID: "fb-1",
	}
	bad := ok
	bad.ID = "sale-bad"
	bad.AccountID = "fb-missing"

	h := newHarness(t, nil,
		[]domain.ScheduledItem{ok, bad},
		[]domain.Account{account("fb-1", domain.PlatformFacebook, "Main Page")},
	)
	fb := okPublisher()
	h.registry.Register(domain.PlatformFacebook, fb)

	assert.Equal(t, domain.ItemPublished, h.process(t, "sale-ok").Status)
	assert.Equal(t, 1, h.items.bookBumps["book-1"])
	require.Len(t, fb.calls, 1)
	assert.Equal(t, "The Long Road https://shop.test/long-road", fb.calls[0].Text)

	report := h.svc.ProcessItem(context.Background(), ptr(h.items.get("sale-bad")))
	assert.Equal(t, domain.ItemFailed, report.Status)
	assert.Equal(t, domain.ErrCodeNoAccount, report.ErrorCode)
	assert.Equal(t, 1, h.items.bookBumps["book-1"])
}

func TestProcessItem_VerdictDiscardedWhenNoLongerPublishing(t *testing.T) {
	h := newHarness(t, nil,
		[]domain.ScheduledItem{contentItem("item-1", domain.PlatformFacebook)},
		[]domain.Account{account("fb-1", domain.PlatformFacebook, "Main Page")},
	)
	fb := okPublisher()
	// A reconciler pass moves the item back while the platform call runs.
	fb.onCall = func() { h.items.requeue("item-1") }
	h.registry.Register(domain.PlatformFacebook, fb)

	report := h.process(t, "item-1")
	assert.Equal(t, domain.ItemPublished, report.Status)
	assert.False(t, report.Applied)
	assert.Equal(t, 1, fb.callCount())
	assert.Equal(t, domain.ItemScheduled, h.items.get("item-1").Status)
	assert.Empty(t, h.items.history)
}

func TestProcessItem_SupersededClaimSkipsPublish(t *testing.T) {
	h := newHarness(t, nil,
		[]domain.ScheduledItem{contentItem("item-1", domain.PlatformFacebook)},
		[]domain.Account{account("fb-1", domain.PlatformFacebook, "Main Page")},
	)
	fb := okPublisher()
	h.registry.Register(domain.PlatformFacebook, fb)

	stale, err := NewClaimManager(h.items, 10).ClaimDueItems(context.Background(), testNow)
	require.NoError(t, err)
	require.Len(t, stale, 1)

	// Requeued while waiting for a slot, then claimed again by a later run.
	h.items.requeue("item-1")
	later := testNow.Add(20 * time.Minute)
	fresh, err := NewClaimManager(h.items, 10).ClaimDueItems(context.Background(), later)
	require.NoError(t, err)
	require.Len(t, fresh, 1)

	report := h.svc.ProcessItem(context.Background(), &stale[0])
	assert.Equal(t, domain.ErrCodeClaimSuperseded, report.ErrorCode)
	assert.False(t, report.Applied)
	assert.Zero(t, fb.callCount())

	report = h.svc.ProcessItem(context.Background(), &fresh[0])
	assert.Equal(t, domain.ItemPublished, report.Status)
	assert.True(t, report.Applied)
	assert.Equal(t, 1, fb.callCount())
	assert.Len(t, h.items.history, 1)
}

func TestProcessItem_RefreshesClaimBeforeWork(t *testing.T) {
	h := newHarness(t, nil,
		[]domain.ScheduledItem{contentItem("item-1", domain.PlatformFacebook)},
		[]domain.Account{account("fb-1", domain.PlatformFacebook, "Main Page")},
	)
	started := testNow.Add(7 * time.Minute)
	fb := okPublisher()
	fb.onCall = func() {
		got := h.items.get("item-1")
		if assert.NotNil(t, got.ClaimedAt) {
			assert.Equal(t, started, *got.ClaimedAt)
		}
	}
	h.registry.Register(domain.PlatformFacebook, fb)

	claimed, err := NewClaimManager(h.items, 10).ClaimDueItems(context.Background(), testNow)
	require.NoError(t, err)
	h.svc.SetClock(func() time.Time { return started })

	report := h.svc.ProcessItem(context.Background(), &claimed[0])
	assert.True(t, report.Applied)
	assert.Equal(t, 1, fb.callCount())
}

func TestProcessItem_PersistRateLimitErrorReschedules(t *testing.T) {
	h := newHarness(t, nil,
		[]domain.ScheduledItem{contentItem("item-1", domain.PlatformFacebook)},
		[]domain.Account{account("fb-1", domain.PlatformFacebook, "Main Page")},
	)
	h.registry.Register(domain.PlatformFacebook, okPublisher())
	claimed, err := NewClaimManager(h.items, 10).ClaimDueItems(context.Background(), testNow)
	require.NoError(t, err)

	h.items.applyErr = &RateLimitError{Message: "database quota exceeded"}
	report := h.svc.ProcessItem(context.Background(), &claimed[0])

	assert.Equal(t, domain.ItemRateLimited, report.Status)
	assert.Equal(t, 1, report.RetryCount)
	assert.False(t, report.Applied)
}

func TestProcessItem_MissingAdapterFailsPlatform(t *testing.T) {
	h := newHarness(t, nil,
		[]domain.ScheduledItem{contentItem("item-1", domain.PlatformPinterest)},
		[]domain.Account{account("pin-1", domain.PlatformPinterest, "Boards")},
	)

	report := h.process(t, "item-1")
	assert.Equal(t, domain.ItemFailed, report.Status)
	assert.Equal(t, domain.ErrCodePlatformFailure, report.ErrorCode)
	assert.Equal(t, "Pinterest: no publisher registered for platform", report.Error)
}

func TestRetry(t *testing.T) {
	failed := contentItem("failed", domain.PlatformFacebook)
	failed.Status = domain.ItemFailed
	failed.RetryCount = 3
	failed.ErrorMessage = "Facebook: permission denied"
	pending := contentItem("pending", domain.PlatformFacebook)

	h := newHarness(t, nil, []domain.ScheduledItem{failed, pending}, nil)

	got, err := h.svc.Retry(context.Background(), "failed")
	require.NoError(t, err)
	assert.Equal(t, domain.ItemScheduled, got.Status)
	assert.Equal(t, 3, got.RetryCount)
	assert.Empty(t, got.ErrorMessage)

	_, err = h.svc.Retry(context.Background(), "pending")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = h.svc.Retry(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func ptr[T any](v T) *T { return &v }
