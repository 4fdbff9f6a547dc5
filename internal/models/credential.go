package models

import "time"

// Tokens is what a provider adapter returns after an exchange or refresh.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Email        string
	Name         string

	// Rotated is set by a refresh when the provider issued a new refresh
	// token. The new value must be persisted or the session breaks on the
	// next refresh.
	Rotated bool
}

// Credential is the device-side view of a linked account.
type Credential struct {
	Provider     Provider
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	SubjectEmail string
	TokenRef     string
}

// ExpiresWithin reports whether the access token expires before now+d.
func (c *Credential) ExpiresWithin(now time.Time, d time.Duration) bool {
	return !c.ExpiresAt.After(now.Add(d))
}
