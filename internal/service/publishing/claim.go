package publishing

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shelfcast/publisher/internal/domain"
)

// DefaultClaimBatchSize caps how many items one run takes.
const DefaultClaimBatchSize = 25

// ClaimManager takes exclusive ownership of due items for one run.
type ClaimManager struct {
	store     ItemStore
	batchSize int
}

// NewClaimManager creates a claim manager. batchSize <= 0 uses the default.
func NewClaimManager(store ItemStore, batchSize int) *ClaimManager {
	if batchSize <= 0 {
		batchSize = DefaultClaimBatchSize
	}
	return &ClaimManager{store: store, batchSize: batchSize}
}

// ClaimDueItems marks every due, unpaused, unfrozen item publishing in one
// bulk operation and returns them in due-time order. Items are marked
// before any work starts, so an overlapping run cannot pick them up.
func (m *ClaimManager) ClaimDueItems(ctx context.Context, now time.Time) ([]domain.ScheduledItem, error) {
	items, err := m.store.ClaimDue(ctx, now, m.batchSize)
	if err != nil {
		return nil, fmt.Errorf("claim due items: %w", err)
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].DueAt().Before(items[j].DueAt())
	})
	return items, nil
}
