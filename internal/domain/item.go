package domain

import (
	"time"
)

// ItemState enumerates the lifecycle states of a scheduled item.
type ItemState string

const (
	ItemScheduled   ItemState = "scheduled"
	ItemPublishing  ItemState = "publishing"
	ItemPublished   ItemState = "published"
	ItemRateLimited ItemState = "rate_limited"
	ItemFailed      ItemState = "failed"
)

// IsTerminal returns true for states the scheduler never picks up again on its own.
func (s ItemState) IsTerminal() bool {
	return s == ItemPublished || s == ItemFailed
}

// ItemShape distinguishes single-platform book posts from campaign posts.
type ItemShape string

const (
	ShapeSingle ItemShape = "single"
	ShapeMulti  ItemShape = "multi"
)

// ItemKind controls the bookkeeping applied after a successful publish.
type ItemKind string

const (
	// KindSales promotes a book and bumps its usage counters.
	KindSales ItemKind = "sales"
	// KindContent is non-sales text and is recorded in content history.
	KindContent ItemKind = "content"
)

// Book is the catalogue entry a sales post promotes.
type Book struct {
	ID         string  `json:"id" db:"id"`
	Title      string  `json:"title" db:"title"`
	ImageURL   string  `json:"image_url" db:"image_url"`
	VideoURL   string  `json:"video_url" db:"video_url"`
	Price      float64 `json:"price" db:"price"`
	ProductURL string  `json:"product_url" db:"product_url"`
	Frozen     bool    `json:"frozen" db:"frozen"`
}

// ScheduledItem is one unit of publication work. Single-target items use
// Platform and AccountID; multi-target items use Platforms and
// AccountSelection.
type ScheduledItem struct {
	ID          string    `json:"id" db:"id"`
	Shape       ItemShape `json:"shape" db:"shape"`
	Kind        ItemKind  `json:"kind" db:"kind"`
	OwnerUserID string    `json:"owner_user_id" db:"owner_user_id"`
	CampaignID  *string   `json:"campaign_id,omitempty" db:"campaign_id"`
	Status      ItemState `json:"status" db:"status"`
	ScheduledAt time.Time `json:"scheduled_at" db:"scheduled_at"`

	Text           string `json:"text" db:"text"`
	CustomMediaURL string `json:"custom_media_url,omitempty" db:"custom_media_url"`
	Category       string `json:"category,omitempty" db:"category"`
	Book           *Book  `json:"book,omitempty"`

	// Single-target fields.
	Platform    Platform `json:"platform,omitempty" db:"platform"`
	AccountID   string   `json:"account_id,omitempty" db:"account_id"`
	AutoPublish bool     `json:"auto_publish" db:"auto_publish"`

	// Multi-target fields. An empty or missing selection for a platform
	// means every account the owner has on it.
	Platforms        []Platform            `json:"platforms,omitempty" db:"platforms"`
	AccountSelection map[Platform][]string `json:"account_selection,omitempty" db:"account_selection"`

	RetryCount   int        `json:"retry_count" db:"retry_count"`
	NextRetryAt  *time.Time `json:"next_retry_at,omitempty" db:"next_retry_at"`
	ClaimedAt    *time.Time `json:"claimed_at,omitempty" db:"claimed_at"`
	PublishedAt  *time.Time `json:"published_at,omitempty" db:"published_at"`
	ErrorMessage string     `json:"error_message,omitempty" db:"error_message"`
	ErrorCode    string     `json:"error_code,omitempty" db:"error_code"`
}

// IsSingleTarget reports whether the item has a pre-resolved account.
func (it *ScheduledItem) IsSingleTarget() bool {
	return it.Shape == ShapeSingle
}

// BookkeepingKind is the kind used for post-publish bookkeeping.
// Single-target items always promote a book.
func (it *ScheduledItem) BookkeepingKind() ItemKind {
	if it.IsSingleTarget() {
		return KindSales
	}
	return it.Kind
}

// TargetPlatforms returns the distinct platforms the item must reach, in
// declaration order.
func (it *ScheduledItem) TargetPlatforms() []Platform {
	if it.IsSingleTarget() {
		if it.Platform == "" {
			return nil
		}
		return []Platform{it.Platform}
	}
	out := make([]Platform, 0, len(it.Platforms))
	seen := make(map[Platform]bool, len(it.Platforms))
	for _, p := range it.Platforms {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// DueAt is the time the claim query orders by: the retry time for items
// coming back from a rate limit, the scheduled time otherwise.
func (it *ScheduledItem) DueAt() time.Time {
	if it.NextRetryAt != nil {
		return *it.NextRetryAt
	}
	return it.ScheduledAt
}

// MediaReference returns the raw media reference and whether it was
// declared as a video. A custom override wins over the book's media, and a
// book video wins over its cover image.
func (it *ScheduledItem) MediaReference() (ref string, declaredVideo bool) {
	if it.CustomMediaURL != "" {
		return it.CustomMediaURL, false
	}
	if it.Book == nil {
		return "", false
	}
	if it.Book.VideoURL != "" {
		return it.Book.VideoURL, true
	}
	return it.Book.ImageURL, false
}
