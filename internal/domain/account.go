package domain

import "time"

// Account is one credentialed identity on a platform. The scheduler reads
// accounts but never writes them; token refresh happens elsewhere.
type Account struct {
	ID             string     `json:"id" db:"id"`
	OwnerUserID    string     `json:"owner_user_id" db:"user_id"`
	Platform       Platform   `json:"platform" db:"platform"`
	DisplayName    string     `json:"display_name" db:"display_name"`
	ExternalID     string     `json:"external_id" db:"external_id"`
	AccessToken    string     `json:"-" db:"access_token"`
	RefreshToken   string     `json:"-" db:"refresh_token"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty" db:"token_expires_at"`
}

// Label is the name used when reporting a per-account failure.
func (a *Account) Label() string {
	if a.DisplayName != "" {
		return a.DisplayName
	}
	return a.ID
}
