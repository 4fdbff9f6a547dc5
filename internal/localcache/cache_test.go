package localcache

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenvault/tokenvault/internal/encryption"
	tverrors "github.com/tokenvault/tokenvault/internal/errors"
	"github.com/tokenvault/tokenvault/internal/keystore"
	"github.com/tokenvault/tokenvault/internal/kv"
)

func newTestCache(t *testing.T) (*Cache, *kv.MemoryStore, *keystore.Memory) {
	t.Helper()
	store := kv.NewMemoryStore()
	keys := keystore.NewMemory()
	return New(store, keys), store, keys
}

func TestCacheRoundTrip(t *testing.T) {
	c, store, keys := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "google_access_token", "ya29.token"))

	raw, ok := store.Raw("google_access_token")
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(raw, SchemeCurrent))
	assert.NotContains(t, raw, "ya29.token")

	got, ok, err := c.Get(ctx, "google_access_token")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "ya29.token", got)

	// The key lives in the keystore, not next to the data.
	key, err := keys.Get(keystore.DefaultAlias)
	require.NoError(t, err)
	assert.Len(t, key, 32)
	for _, k := range []string{keystore.DefaultAlias} {
		_, inStore := store.Raw(k)
		assert.False(t, inStore)
	}
}

func TestCacheAbsent(t *testing.T) {
	c, _, _ := newTestCache(t)
	_, ok, err := c.Get(context.Background(), "nothing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCacheLegacyMigration(t *testing.T) {
	c, store, _ := newTestCache(t)
	ctx := context.Background()

	legacy, err := encryption.NewLegacyStream().Encrypt("old@example.com")
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, "google_email", SchemeLegacy+legacy))

	got, ok, err := c.Get(ctx, "google_email")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "old@example.com", got)

	// Reading does not rewrite.
	raw, _ := store.Raw("google_email")
	assert.True(t, strings.HasPrefix(raw, SchemeLegacy))

	// The owner's next write moves the value to the current scheme.
	require.NoError(t, c.Set(ctx, "google_email", got))
	raw, _ = store.Raw("google_email")
	assert.True(t, strings.HasPrefix(raw, SchemeCurrent))

	got, ok, err = c.Get(ctx, "google_email")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "old@example.com", got)
}

func TestCachePlaintextPassthrough(t *testing.T) {
	c, store, _ := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "google_email", "plain@example.com"))

	got, ok, err := c.Get(ctx, "google_email")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "plain@example.com", got)
}

func TestCacheCorruptValue(t *testing.T) {
	c, store, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "google_access_token", "value"))
	raw, _ := store.Raw("google_access_token")
	require.NoError(t, store.Set(ctx, "google_access_token", raw[:len(raw)-4]+"AAAA"))

	_, ok, err := c.Get(ctx, "google_access_token")
	assert.False(t, ok)
	assert.True(t, tverrors.IsDecrypt(err), "got %v", err)

	require.NoError(t, store.Set(ctx, "google_email", "enc9:whatever"))
	_, _, err = c.Get(ctx, "google_email")
	assert.True(t, tverrors.IsDecrypt(err))
}

func TestCacheKeystoreFailure(t *testing.T) {
	store := kv.NewMemoryStore()
	keys := keystore.NewMemory()
	keys.FailGet = errors.New("secure element unavailable")
	c := New(store, keys)

	err := c.Set(context.Background(), "k", "v")
	require.Error(t, err)
	assert.False(t, tverrors.IsDecrypt(err))
}

func TestLooksLikeSchemeTag(t *testing.T) {
	assert.True(t, looksLikeSchemeTag("enc3:abc"))
	assert.False(t, looksLikeSchemeTag("enc:abc"))
	assert.False(t, looksLikeSchemeTag("encoded value"))
	assert.False(t, looksLikeSchemeTag("user@example.com"))
}
