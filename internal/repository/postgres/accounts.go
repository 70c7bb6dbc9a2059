package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/shelfcast/publisher/internal/domain"
	"github.com/shelfcast/publisher/internal/service/publishing"
)

// AccountRepo implements publishing.AccountStore against PostgreSQL. It only
// reads; inactive accounts are invisible to the scheduler.
type AccountRepo struct{ db *sql.DB }

// NewAccountRepo creates a Postgres-backed account lookup.
func NewAccountRepo(db *sql.DB) *AccountRepo { return &AccountRepo{db: db} }

const accountColumns = `
	id, user_id, platform, COALESCE(display_name,''), COALESCE(external_id,''),
	COALESCE(access_token,''), COALESCE(refresh_token,''), token_expires_at`

func scanAccount(row rowScanner) (domain.Account, error) {
	var (
		a       domain.Account
		expires sql.NullTime
	)
	err := row.Scan(&a.ID, &a.OwnerUserID, &a.Platform, &a.DisplayName, &a.ExternalID,
		&a.AccessToken, &a.RefreshToken, &expires)
	a.TokenExpiresAt = nullTime(expires)
	return a, err
}

func (r *AccountRepo) Get(ctx context.Context, id string) (*domain.Account, error) {
	a, err := scanAccount(r.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM social_accounts
		WHERE id = $1 AND is_active = TRUE
	`, id))
	if err == sql.ErrNoRows {
		return nil, publishing.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &a, nil
}

// ListByIDs keeps the caller's order so accounts are attempted in the order
// they were selected.
func (r *AccountRepo) ListByIDs(ctx context.Context, ownerUserID string, platform domain.Platform, ids []string) ([]domain.Account, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return r.list(ctx, `
		SELECT `+accountColumns+`
		FROM social_accounts
		WHERE user_id = $1 AND platform = $2 AND is_active = TRUE
		  AND id::text = ANY($3)
		ORDER BY array_position($3::text[], id::text)
	`, ownerUserID, string(platform), pq.Array(ids))
}

func (r *AccountRepo) ListByOwner(ctx context.Context, ownerUserID string, platform domain.Platform) ([]domain.Account, error) {
	return r.list(ctx, `
		SELECT `+accountColumns+`
		FROM social_accounts
		WHERE user_id = $1 AND platform = $2 AND is_active = TRUE
		ORDER BY created_at, id
	`, ownerUserID, string(platform))
}

func (r *AccountRepo) list(ctx context.Context, q string, args ...interface{}) ([]domain.Account, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

var _ publishing.AccountStore = (*AccountRepo)(nil)
