package localcache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tverrors "github.com/tokenvault/tokenvault/internal/errors"
	"github.com/tokenvault/tokenvault/internal/logging"
	"github.com/tokenvault/tokenvault/internal/models"
)

// Per-provider key suffixes. The full key is "<provider>_<suffix>".
const (
	suffixAccessToken  = "access_token"
	suffixRefreshToken = "refresh_token"
	suffixExpiry       = "token_expiry"
	suffixEmail        = "email"
	suffixTokenRef     = "token_ref"
)

var allSuffixes = []string{suffixAccessToken, suffixRefreshToken, suffixExpiry, suffixEmail, suffixTokenRef}

// Key returns the storage key for a provider field.
func Key(p models.Provider, suffix string) string {
	return string(p) + "_" + suffix
}

// Keys returns every storage key owned by a provider.
func Keys(p models.Provider) []string {
	out := make([]string, 0, len(allSuffixes))
	for _, s := range allSuffixes {
		out = append(out, Key(p, s))
	}
	return out
}

// CredentialStore maps models.Credential onto the per-provider key layout.
type CredentialStore struct {
	cache  *Cache
	logger *logging.Logger
}

func NewCredentialStore(cache *Cache, logger *logging.Logger) *CredentialStore {
	if logger == nil {
		logger = logging.Discard()
	}
	return &CredentialStore{cache: cache, logger: logger}
}

// Save writes every field of cred. Optional empty fields are deleted so a
// stale value never survives a re-link.
func (s *CredentialStore) Save(ctx context.Context, cred models.Credential) error {
	if !cred.Provider.Valid() {
		return &tverrors.ValidationError{Field: "provider", Reason: "unknown provider"}
	}
	if cred.AccessToken == "" {
		return &tverrors.ValidationError{Field: "accessToken", Reason: "required"}
	}

	fields := []struct {
		suffix string
		value  string
	}{
		{suffixAccessToken, cred.AccessToken},
		{suffixRefreshToken, cred.RefreshToken},
		{suffixExpiry, strconv.FormatInt(cred.ExpiresAt.UnixMilli(), 10)},
		{suffixEmail, cred.SubjectEmail},
		{suffixTokenRef, cred.TokenRef},
	}
	for _, f := range fields {
		key := Key(cred.Provider, f.suffix)
		if f.value == "" {
			if err := s.cache.Delete(ctx, key); err != nil {
				return fmt.Errorf("clear %s: %w", key, err)
			}
			continue
		}
		if err := s.cache.Set(ctx, key, f.value); err != nil {
			return fmt.Errorf("save %s: %w", key, err)
		}
	}
	return nil
}

// SetTokenRef records the custody reference for an already saved credential.
func (s *CredentialStore) SetTokenRef(ctx context.Context, p models.Provider, ref string) error {
	key := Key(p, suffixTokenRef)
	if ref == "" {
		return s.cache.Delete(ctx, key)
	}
	return s.cache.Set(ctx, key, ref)
}

// Load returns the stored credential, or nil when absent. Undecryptable
// values are reported as absent so the caller routes to a fresh login.
func (s *CredentialStore) Load(ctx context.Context, p models.Provider) (*models.Credential, error) {
	cred := &models.Credential{Provider: p}
	targets := map[string]*string{
		suffixAccessToken:  &cred.AccessToken,
		suffixRefreshToken: &cred.RefreshToken,
		suffixEmail:        &cred.SubjectEmail,
		suffixTokenRef:     &cred.TokenRef,
	}

	for _, suffix := range allSuffixes {
		key := Key(p, suffix)
		value, ok, err := s.cache.Get(ctx, key)
		if err != nil {
			if tverrors.IsDecrypt(err) {
				s.logger.WarnWithContext(ctx, "local credential unreadable, treating as absent",
					"provider", string(p),
					"key", key,
					"error", err.Error(),
				)
				return nil, nil
			}
			return nil, err
		}
		if !ok {
			continue
		}
		if suffix == suffixExpiry {
			ms, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
			if err != nil {
				s.logger.WarnWithContext(ctx, "local credential expiry malformed, treating as absent",
					"provider", string(p),
				)
				return nil, nil
			}
			cred.ExpiresAt = time.UnixMilli(ms)
			continue
		}
		*targets[suffix] = value
	}

	if cred.AccessToken == "" {
		return nil, nil
	}
	return cred, nil
}

// Clear deletes every key of the provider. It attempts all deletes and
// returns the joined failures.
func (s *CredentialStore) Clear(ctx context.Context, p models.Provider) error {
	var errs []error
	for _, key := range Keys(p) {
		if err := s.cache.Delete(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// LinkedProviders lists providers that currently have a readable credential.
func (s *CredentialStore) LinkedProviders(ctx context.Context) ([]models.Provider, error) {
	var out []models.Provider
	for _, p := range models.Providers() {
		cred, err := s.Load(ctx, p)
		if err != nil {
			return nil, err
		}
		if cred != nil {
			out = append(out, p)
		}
	}
	return out, nil
}
