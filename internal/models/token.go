package models

import "time"

type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// RefreshToken is the persistent record of one opaque refresh token. The token
// value itself is the primary lookup key; it never appears in access tokens.
type RefreshToken struct {
	Token           string     `json:"token"`
	UserID          string     `json:"user_id"`
	CreatedAt       time.Time  `json:"created_at"`
	ExpiresAt       time.Time  `json:"expires_at"`
	RevokedAt       *time.Time `json:"revoked_at,omitempty"`
	ReplacedByToken string     `json:"replaced_by_token,omitempty"`
}

// IsActive reports whether the token can still be redeemed: never revoked and
// not yet past its expiry. Once RevokedAt is set the token stays dead forever.
func (t *RefreshToken) IsActive(now time.Time) bool {
	return t.RevokedAt == nil && now.Before(t.ExpiresAt)
}
