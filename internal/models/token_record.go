package models

import "time"

// TokenRecord is the server-side custody row. Token fields hold AEAD
// ciphertext, never plaintext.
type TokenRecord struct {
	TokenRef              string
	Provider              Provider
	Email                 string
	AccessTokenEncrypted  string
	RefreshTokenEncrypted string
	ExpiresAt             time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// HasRefreshToken reports whether a refresh token is held for this record.
func (r *TokenRecord) HasRefreshToken() bool {
	return r.RefreshTokenEncrypted != ""
}

// ResolvedToken is the result of resolving a tokenRef.
type ResolvedToken struct {
	AccessToken string
	Provider    Provider
	Email       string
	ExpiresAt   time.Time
}
