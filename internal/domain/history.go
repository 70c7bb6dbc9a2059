package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// ContentHistoryRecord marks non-sales text as already published on a
// platform so the text generator can avoid repeating a topic.
type ContentHistoryRecord struct {
	ID          string    `json:"id" db:"id"`
	ItemID      string    `json:"item_id" db:"item_id"`
	CampaignID  *string   `json:"campaign_id,omitempty" db:"campaign_id"`
	Platform    Platform  `json:"platform" db:"platform"`
	Category    string    `json:"category" db:"category"`
	Fingerprint string    `json:"fingerprint" db:"fingerprint"`
	PublishedAt time.Time `json:"published_at" db:"published_at"`
}

// Fingerprint hashes text after case folding and whitespace collapsing, so
// trivially re-spaced copies of the same post collide.
func Fingerprint(text string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
