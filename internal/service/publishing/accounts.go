package publishing

import (
	"context"
	"fmt"

	"github.com/shelfcast/publisher/internal/domain"
)

// AccountResolver expands a platform target into concrete accounts.
type AccountResolver struct {
	accounts AccountStore
}

// NewAccountResolver creates a resolver backed by the given store.
func NewAccountResolver(accounts AccountStore) *AccountResolver {
	return &AccountResolver{accounts: accounts}
}

// ResolveAccounts returns the explicit selection when it is non-empty, and
// otherwise every account the owner has on the platform. Campaigns created
// before per-account selection existed rely on the fallback. An empty
// result is a *NoAccountError.
func (r *AccountResolver) ResolveAccounts(ctx context.Context, platform domain.Platform, ownerUserID string, explicit []string) ([]domain.Account, error) {
	var (
		accounts []domain.Account
		err      error
	)
	if len(explicit) > 0 {
		accounts, err = r.accounts.ListByIDs(ctx, ownerUserID, platform, explicit)
	} else {
		accounts, err = r.accounts.ListByOwner(ctx, ownerUserID, platform)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve %s accounts: %w", platform, err)
	}
	if len(accounts) == 0 {
		return nil, &NoAccountError{Platform: platform}
	}
	return accounts, nil
}
