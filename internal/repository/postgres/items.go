package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/shelfcast/publisher/internal/domain"
	"github.com/shelfcast/publisher/internal/service/publishing"
)

// ItemRepo implements publishing.ItemStore against PostgreSQL.
type ItemRepo struct{ db *sql.DB }

// NewItemRepo creates a Postgres-backed schedule-state store.
func NewItemRepo(db *sql.DB) *ItemRepo { return &ItemRepo{db: db} }

// itemColumns is shared by every query that returns full items; the source
// relation is aliased it, the joined book b.
const itemColumns = `
	it.id, it.shape, it.kind, it.user_id, it.campaign_id, it.status, it.scheduled_at,
	COALESCE(it.text,''), COALESCE(it.custom_media_url,''), COALESCE(it.category,''),
	COALESCE(it.platform,''), COALESCE(it.account_id::text,''), it.auto_publish,
	it.platforms, COALESCE(it.account_selection, '{}'::jsonb),
	it.retry_count, it.next_retry_at, it.claimed_at, it.published_at,
	COALESCE(it.error_message,''), COALESCE(it.error_code,''),
	b.id, COALESCE(b.title,''), COALESCE(b.image_url,''), COALESCE(b.video_url,''),
	COALESCE(b.price,0), COALESCE(b.product_url,''), COALESCE(b.frozen,FALSE)`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(row rowScanner) (domain.ScheduledItem, error) {
	var (
		it                            domain.ScheduledItem
		campaignID, bookID            sql.NullString
		nextRetry, claimed, published sql.NullTime
		platforms                     []string
		selection                     []byte
		bookTitle, bookImage          string
		bookVideo, bookLink           string
		bookPrice                     float64
		bookFrozen                    bool
	)
	if err := row.Scan(
		&it.ID, &it.Shape, &it.Kind, &it.OwnerUserID, &campaignID, &it.Status, &it.ScheduledAt,
		&it.Text, &it.CustomMediaURL, &it.Category,
		&it.Platform, &it.AccountID, &it.AutoPublish,
		pq.Array(&platforms), &selection,
		&it.RetryCount, &nextRetry, &claimed, &published,
		&it.ErrorMessage, &it.ErrorCode,
		&bookID, &bookTitle, &bookImage, &bookVideo,
		&bookPrice, &bookLink, &bookFrozen,
	); err != nil {
		return it, err
	}

	if campaignID.Valid {
		it.CampaignID = &campaignID.String
	}
	it.NextRetryAt = nullTime(nextRetry)
	it.ClaimedAt = nullTime(claimed)
	it.PublishedAt = nullTime(published)
	for _, p := range platforms {
		it.Platforms = append(it.Platforms, domain.Platform(p))
	}
	if len(selection) > 0 {
		if err := json.Unmarshal(selection, &it.AccountSelection); err != nil {
			return it, fmt.Errorf("decode account selection of %s: %w", it.ID, err)
		}
	}
	if bookID.Valid {
		it.Book = &domain.Book{
			ID:         bookID.String,
			Title:      bookTitle,
			ImageURL:   bookImage,
			VideoURL:   bookVideo,
			Price:      bookPrice,
			ProductURL: bookLink,
			Frozen:     bookFrozen,
		}
	}
	return it, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// ClaimDue marks due items publishing in one statement. Row locks with SKIP
// LOCKED keep two concurrent runs from claiming the same row.
func (r *ItemRepo) ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		WITH due AS (
			SELECT i.id
			FROM publication_items i
			LEFT JOIN campaigns c ON c.id = i.campaign_id
			LEFT JOIN books bk ON bk.id = i.book_id
			WHERE ((i.status = 'scheduled' AND i.scheduled_at <= $1)
			    OR (i.status = 'rate_limited' AND i.next_retry_at <= $1))
			  AND (i.shape = 'multi' OR i.auto_publish)
			  AND NOT COALESCE(c.paused, FALSE)
			  AND NOT COALESCE(bk.frozen, FALSE)
			ORDER BY COALESCE(i.next_retry_at, i.scheduled_at)
			LIMIT $2
			FOR UPDATE OF i SKIP LOCKED
		), claimed AS (
			UPDATE publication_items i
			SET status = 'publishing', claimed_at = $1, updated_at = NOW()
			FROM due
			WHERE i.id = due.id
			RETURNING i.*
		)
		SELECT `+itemColumns+`
		FROM claimed it
		LEFT JOIN books b ON b.id = it.book_id
		ORDER BY COALESCE(it.next_retry_at, it.scheduled_at)
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due items: %w", err)
	}
	defer rows.Close()

	var out []domain.ScheduledItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed item: %w", err)
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed items: %w", err)
	}
	return out, nil
}

// Get returns one item with its book.
func (r *ItemRepo) Get(ctx context.Context, id string) (*domain.ScheduledItem, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+itemColumns+`
		FROM publication_items it
		LEFT JOIN books b ON b.id = it.book_id
		WHERE it.id = $1
	`, id)
	it, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, publishing.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	return &it, nil
}

// StartProcessing moves the claim token of a claimed item to now. now must
// already be at microsecond precision so the stored value compares equal.
func (r *ItemRepo) StartProcessing(ctx context.Context, item *domain.ScheduledItem, now time.Time) (bool, error) {
	if item.ClaimedAt == nil {
		return false, nil
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE publication_items
		SET claimed_at = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'publishing' AND claimed_at = $3
	`, item.ID, now, *item.ClaimedAt)
	if err != nil {
		return false, fmt.Errorf("start item %s: %w", item.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("start item %s: %w", item.ID, err)
	}
	return n > 0, nil
}

// ApplyVerdict writes the verdict and its side effects in one transaction.
// The status and claim-token guard makes a verdict from a superseded claim,
// or a second application for the same claim, a no-op.
func (r *ItemRepo) ApplyVerdict(ctx context.Context, item *domain.ScheduledItem, v domain.Verdict) (bool, error) {
	if item.ClaimedAt == nil {
		return false, nil
	}
	var (
		publishedAt *time.Time
		postIDs     []byte
	)
	if v.State == domain.ItemPublished {
		at := v.DecidedAt
		publishedAt = &at
		if len(v.PostIDs) > 0 {
			b, err := json.Marshal(v.PostIDs)
			if err != nil {
				return false, fmt.Errorf("encode post ids: %w", err)
			}
			postIDs = b
		}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin verdict tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE publication_items
		SET status = $2,
		    error_message = NULLIF($3, ''),
		    error_code = NULLIF($4, ''),
		    retry_count = $5,
		    next_retry_at = $6,
		    published_at = COALESCE($7, published_at),
		    post_ids = COALESCE($8::jsonb, post_ids),
		    claimed_at = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'publishing' AND claimed_at = $9
	`, item.ID, string(v.State), v.ErrorMessage, v.ErrorCode, v.RetryCount, v.NextRetryAt, publishedAt, nullBytes(postIDs), *item.ClaimedAt)
	if err != nil {
		return false, fmt.Errorf("update item %s: %w", item.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update item %s: %w", item.ID, err)
	}
	if n == 0 {
		return false, nil
	}

	if v.State == domain.ItemPublished {
		switch kind := item.BookkeepingKind(); {
		case kind == domain.KindSales && item.Book != nil:
			if _, err := tx.ExecContext(ctx, `
				UPDATE books
				SET publication_count = publication_count + 1,
				    last_published_at = $2
				WHERE id = $1
			`, item.Book.ID, v.DecidedAt); err != nil {
				return false, fmt.Errorf("bump book %s: %w", item.Book.ID, err)
			}
		case kind == domain.KindContent:
			fp := domain.Fingerprint(item.Text)
			for _, p := range v.Published {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO content_history
						(id, item_id, campaign_id, user_id, platform, category, fingerprint, published_at)
					VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)
				`, uuid.New().String(), item.ID, item.CampaignID, item.OwnerUserID,
					string(p), item.Category, fp, v.DecidedAt); err != nil {
					return false, fmt.Errorf("record content history: %w", err)
				}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit verdict: %w", err)
	}
	return true, nil
}

// ResetToScheduled moves a failed or rate-limited item back to scheduled.
// The retry count is kept so the backoff cap still applies.
func (r *ItemRepo) ResetToScheduled(ctx context.Context, id string) (*domain.ScheduledItem, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE publication_items
		SET status = 'scheduled',
		    error_message = NULL,
		    error_code = NULL,
		    next_retry_at = NULL,
		    claimed_at = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND status IN ('failed', 'rate_limited')
	`, id)
	if err != nil {
		return nil, fmt.Errorf("reset item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("reset item: %w", err)
	}

	it, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("reset item in status %s: %w", it.Status, publishing.ErrInvalidTransition)
	}
	return it, nil
}

// RequeueStale returns items stuck in publishing for longer than staleAfter
// to scheduled and reports how many moved.
func (r *ItemRepo) RequeueStale(ctx context.Context, staleAfter time.Duration) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE publication_items
		SET status = 'scheduled',
		    claimed_at = NULL,
		    updated_at = NOW()
		WHERE status = 'publishing'
		  AND claimed_at < NOW() - make_interval(secs => $1)
	`, staleAfter.Seconds())
	if err != nil {
		return 0, fmt.Errorf("requeue stale items: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeue stale items: %w", err)
	}
	return n, nil
}

func nullBytes(b []byte) interface{} {
	if b == nil {
		return nil
	}
	return string(b)
}

var _ publishing.ItemStore = (*ItemRepo)(nil)
