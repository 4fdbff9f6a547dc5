// Package store persists custody token records.
package store

import (
	"context"
	"time"

	"github.com/tokenvault/tokenvault/internal/models"
)

// TokenStore is the persistence port of the custody service. Implementations
// hold ciphertext only.
type TokenStore interface {
	// GetByRef returns the record or a *errors.NotFoundError.
	GetByRef(ctx context.Context, ref string) (*models.TokenRecord, error)
	// GetByAccount returns the record for (provider, email) or a
	// *errors.NotFoundError.
	GetByAccount(ctx context.Context, provider models.Provider, email string) (*models.TokenRecord, error)
	// Replace stores rec as the only record for its (provider, email),
	// atomically dropping any previous record and with it the previous
	// token_ref, which is returned ("" when there was none).
	Replace(ctx context.Context, rec *models.TokenRecord) (previousRef string, err error)
	// UpdateTokens rewrites the token columns of ref in place, but only while
	// the stored expiry still equals expected. It reports whether the row was
	// updated.
	UpdateTokens(ctx context.Context, ref string, expected time.Time, upd TokenUpdate) (bool, error)
	// Delete removes ref. Unknown refs are not an error.
	Delete(ctx context.Context, ref string) error
	Close() error
}

// TokenUpdate carries refreshed ciphertext. An empty RefreshTokenEncrypted
// keeps the stored refresh token.
type TokenUpdate struct {
	AccessTokenEncrypted  string
	RefreshTokenEncrypted string
	ExpiresAt             time.Time
}

func accountKey(p models.Provider, email string) string {
	return string(p) + "\x00" + email
}
