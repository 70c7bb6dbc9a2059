package publishing

import (
	"context"
	"time"

	"github.com/shelfcast/publisher/internal/domain"
)

// ItemStore is the schedule-state store as seen by the publishing core.
// Implementations must be safe for concurrent use.
type ItemStore interface {
	// ClaimDue marks up to limit due items publishing in one statement and
	// returns them.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledItem, error)

	// StartProcessing refreshes the claim of an item this run is about to
	// publish. The stored claimed_at must still equal item.ClaimedAt; the
	// new value becomes the claim token. Returns false when the claim was
	// lost to the stale reconciler or another run.
	StartProcessing(ctx context.Context, item *domain.ScheduledItem, now time.Time) (bool, error)

	// ApplyVerdict persists a verdict and its side effects atomically. It
	// returns false without side effects when the item is no longer
	// publishing under the claim token in item.ClaimedAt.
	ApplyVerdict(ctx context.Context, item *domain.ScheduledItem, v domain.Verdict) (bool, error)

	// ResetToScheduled moves a failed or rate-limited item back to
	// scheduled. Returns ErrNotFound or ErrInvalidTransition.
	ResetToScheduled(ctx context.Context, id string) (*domain.ScheduledItem, error)
}

// AccountStore is the read-only account lookup.
type AccountStore interface {
	// Get returns one account. Returns ErrAccountNotFound if it doesn't exist.
	Get(ctx context.Context, id string) (*domain.Account, error)

	// ListByIDs returns the owner's accounts on a platform among ids, in ids order.
	ListByIDs(ctx context.Context, ownerUserID string, platform domain.Platform, ids []string) ([]domain.Account, error)

	// ListByOwner returns every account the owner has on a platform.
	ListByOwner(ctx context.Context, ownerUserID string, platform domain.Platform) ([]domain.Account, error)
}

// ObjectStore holds temporary media copies.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Delete(ctx context.Context, key string) error
	PublicURL(key string) string
}
