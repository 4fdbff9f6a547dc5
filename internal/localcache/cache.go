// Package localcache is the on-device encrypted credential cache.
package localcache

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/tokenvault/tokenvault/internal/encryption"
	tverrors "github.com/tokenvault/tokenvault/internal/errors"
	"github.com/tokenvault/tokenvault/internal/keystore"
	"github.com/tokenvault/tokenvault/internal/kv"
)

// Scheme tags prefixed to every value written through the cache.
const (
	SchemeCurrent = "enc2:"
	SchemeLegacy  = "enc1:"
)

// Cache encrypts values before they reach the underlying kv.Store. The
// device key is loaded from the keystore on first use and never written to
// the kv store.
type Cache struct {
	store    kv.Store
	keys     keystore.KeyStore
	alias    string
	legacy   *encryption.LegacyStream
	initOnce sync.Once
	initErr  error
	cipher   *encryption.CBC
}

// Option configures a Cache.
type Option func(*Cache)

// WithKeyAlias overrides the keystore alias.
func WithKeyAlias(alias string) Option {
	return func(c *Cache) {
		c.alias = alias
	}
}

func New(store kv.Store, keys keystore.KeyStore, opts ...Option) *Cache {
	c := &Cache{
		store:  store,
		keys:   keys,
		alias:  keystore.DefaultAlias,
		legacy: encryption.NewLegacyStream(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) init() error {
	c.initOnce.Do(func() {
		key, err := keystore.LoadOrCreate(c.keys, c.alias)
		if err != nil {
			c.initErr = fmt.Errorf("load device key: %w", err)
			return
		}
		c.cipher, c.initErr = encryption.NewCBC(key)
	})
	return c.initErr
}

// Get returns the plaintext stored under key. Absent keys return ok=false.
// Corrupt values return a *errors.DecryptError.
func (c *Cache) Get(ctx context.Context, key string) (string, bool, error) {
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil || !ok {
		return "", false, err
	}

	switch {
	case strings.HasPrefix(raw, SchemeCurrent):
		if err := c.init(); err != nil {
			return "", false, err
		}
		plain, err := c.cipher.Decrypt(strings.TrimPrefix(raw, SchemeCurrent))
		if err != nil {
			return "", false, &tverrors.DecryptError{Key: key, Reason: "current scheme", Err: err}
		}
		return plain, true, nil

	case strings.HasPrefix(raw, SchemeLegacy):
		// Not rewritten here; the owner's next Set replaces it.
		plain, err := c.legacy.Decrypt(strings.TrimPrefix(raw, SchemeLegacy))
		if err != nil {
			return "", false, &tverrors.DecryptError{Key: key, Reason: "legacy scheme", Err: err}
		}
		return plain, true, nil

	case looksLikeSchemeTag(raw):
		return "", false, &tverrors.DecryptError{Key: key, Reason: "unknown scheme " + raw[:strings.IndexByte(raw, ':')+1]}

	default:
		// Written before encryption existed.
		return raw, true, nil
	}
}

// Set encrypts plaintext with the current scheme.
func (c *Cache) Set(ctx context.Context, key, plaintext string) error {
	if err := c.init(); err != nil {
		return err
	}
	enc, err := c.cipher.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("encrypt %s: %w", key, err)
	}
	return c.store.Set(ctx, key, SchemeCurrent+enc)
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.store.Delete(ctx, key)
}

// looksLikeSchemeTag matches "enc<digits>:" so that a future scheme is not
// mistaken for plaintext.
func looksLikeSchemeTag(raw string) bool {
	if !strings.HasPrefix(raw, "enc") {
		return false
	}
	i := 3
	for i < len(raw) && raw[i] >= '0' && raw[i] <= '9' {
		i++
	}
	return i > 3 && i < len(raw) && raw[i] == ':'
}
