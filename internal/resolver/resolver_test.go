package resolver

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenvault/tokenvault/internal/custody"
	"github.com/tokenvault/tokenvault/internal/encryption"
	tverrors "github.com/tokenvault/tokenvault/internal/errors"
	"github.com/tokenvault/tokenvault/internal/logging"
	"github.com/tokenvault/tokenvault/internal/metrics"
	"github.com/tokenvault/tokenvault/internal/models"
	"github.com/tokenvault/tokenvault/internal/store"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeRefresher struct {
	calls   atomic.Int32
	gate    chan struct{}
	started chan struct{}
	once    sync.Once
	tokens  models.Tokens
	err     error
	lastRT  atomic.Value
}

func (f *fakeRefresher) Refresh(ctx context.Context, _ models.Provider, rt string) (models.Tokens, error) {
	f.calls.Add(1)
	f.lastRT.Store(rt)
	if f.started != nil {
		f.once.Do(func() { close(f.started) })
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return models.Tokens{}, ctx.Err()
		}
	}
	if f.err != nil {
		return models.Tokens{}, f.err
	}
	return f.tokens, nil
}

type recordingAuditor struct {
	mu     sync.Mutex
	events []logging.AuditEventType
}

func (a *recordingAuditor) Record(_ context.Context, e *logging.AuditEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e.EventType)
}

func (a *recordingAuditor) types() []logging.AuditEventType {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]logging.AuditEventType(nil), a.events...)
}

type fixture struct {
	store     *store.MemoryStore
	cipher    *encryption.AEAD
	custody   *custody.Service
	refresher *fakeRefresher
	auditor   *recordingAuditor
	metrics   *metrics.Metrics
	resolver  *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key, err := encryption.GenerateKey()
	require.NoError(t, err)
	cipher, err := encryption.NewAEAD(key)
	require.NoError(t, err)

	f := &fixture{
		store:  store.NewMemoryStore(),
		cipher: cipher,
		refresher: &fakeRefresher{tokens: models.Tokens{
			AccessToken:  "fresh-access",
			RefreshToken: "refresh-1",
			ExpiresAt:    fixedNow.Add(time.Hour),
		}},
		auditor: &recordingAuditor{},
		metrics: metrics.NewMetrics("test"),
	}
	clock := func() time.Time { return fixedNow }
	f.custody = custody.NewService(f.store, cipher, custody.WithClock(clock))
	f.resolver = New(f.store, cipher, f.refresher,
		WithClock(clock),
		WithAuditor(f.auditor),
		WithMetrics(f.metrics),
	)
	return f
}

func (f *fixture) storeToken(t *testing.T, expiresIn time.Duration, refreshToken string) string {
	t.Helper()
	ref, err := f.custody.Store(context.Background(), custody.StoreRequest{
		Provider:     "google",
		Email:        "alice@example.com",
		AccessToken:  "stored-access",
		RefreshToken: refreshToken,
		ExpiresAt:    fixedNow.Add(expiresIn).UnixMilli(),
	})
	require.NoError(t, err)
	return ref
}

func TestResolveFreshTokenSkipsProvider(t *testing.T) {
	f := newFixture(t)
	ref := f.storeToken(t, time.Hour, "refresh-1")

	got, err := f.resolver.Resolve(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, "stored-access", got.AccessToken)
	assert.Equal(t, models.ProviderGoogle, got.Provider)
	assert.Equal(t, "alice@example.com", got.Email)
	assert.Equal(t, int32(0), f.refresher.calls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Resolutions.WithLabelValues("google", OutcomeCached)))
}

func TestResolveInsideBufferRefreshes(t *testing.T) {
	f := newFixture(t)
	ref := f.storeToken(t, 4*time.Minute, "refresh-1")

	got, err := f.resolver.Resolve(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", got.AccessToken)
	assert.Equal(t, fixedNow.Add(time.Hour), got.ExpiresAt)
	assert.Equal(t, int32(1), f.refresher.calls.Load())
	assert.Equal(t, "refresh-1", f.refresher.lastRT.Load())

	rec, err := f.store.GetByRef(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, fixedNow.Add(time.Hour).UnixMilli(), rec.ExpiresAt.UnixMilli())
	access, err := f.cipher.Open(rec.AccessTokenEncrypted)
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", access)

	// the refreshed record is now served from custody
	again, err := f.resolver.Resolve(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", again.AccessToken)
	assert.Equal(t, int32(1), f.refresher.calls.Load())
	assert.Contains(t, f.auditor.types(), logging.TokenRefresh)
}

func TestResolvePersistsRotatedRefreshToken(t *testing.T) {
	f := newFixture(t)
	f.refresher.tokens.RefreshToken = "refresh-2"
	f.refresher.tokens.Rotated = true
	ref := f.storeToken(t, -time.Minute, "refresh-1")

	_, err := f.resolver.Resolve(context.Background(), ref)
	require.NoError(t, err)

	rec, err := f.store.GetByRef(context.Background(), ref)
	require.NoError(t, err)
	rt, err := f.cipher.Open(rec.RefreshTokenEncrypted)
	require.NoError(t, err)
	assert.Equal(t, "refresh-2", rt)
}

func TestResolveKeepsRefreshTokenWithoutRotation(t *testing.T) {
	f := newFixture(t)
	ref := f.storeToken(t, -time.Minute, "refresh-1")

	_, err := f.resolver.Resolve(context.Background(), ref)
	require.NoError(t, err)

	rec, err := f.store.GetByRef(context.Background(), ref)
	require.NoError(t, err)
	rt, err := f.cipher.Open(rec.RefreshTokenEncrypted)
	require.NoError(t, err)
	assert.Equal(t, "refresh-1", rt)
}

func TestConcurrentResolvesShareOneRefresh(t *testing.T) {
	f := newFixture(t)
	f.refresher.gate = make(chan struct{})
	f.refresher.started = make(chan struct{})
	ref := f.storeToken(t, -time.Minute, "refresh-1")

	const callers = 16
	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := f.resolver.Resolve(context.Background(), ref)
			results[i], errs[i] = got.AccessToken, err
		}(i)
	}

	<-f.refresher.started
	time.Sleep(20 * time.Millisecond)
	close(f.refresher.gate)
	wg.Wait()

	assert.Equal(t, int32(1), f.refresher.calls.Load())
	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, "fresh-access", results[i])
	}
}

func TestResolveCallerCancellationDoesNotAbortSharedRefresh(t *testing.T) {
	f := newFixture(t)
	f.refresher.gate = make(chan struct{})
	f.refresher.started = make(chan struct{})
	ref := f.storeToken(t, -time.Minute, "refresh-1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.resolver.Resolve(ctx, ref)
		done <- err
	}()

	<-f.refresher.started
	cancel()
	close(f.refresher.gate)
	require.NoError(t, <-done)

	rec, err := f.store.GetByRef(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, fixedNow.Add(time.Hour).UnixMilli(), rec.ExpiresAt.UnixMilli())
}

func TestResolveUnknownRef(t *testing.T) {
	f := newFixture(t)

	_, err := f.resolver.Resolve(context.Background(), "no-such-ref")
	assert.True(t, tverrors.IsNotFound(err))
	assert.True(t, tverrors.NeedsRelink(err))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Resolutions.WithLabelValues("unknown", OutcomeNotFound)))

	_, err = f.resolver.Resolve(context.Background(), "")
	assert.True(t, tverrors.IsValidation(err))
}

func TestResolveReplacedRefIsNotFound(t *testing.T) {
	f := newFixture(t)
	first := f.storeToken(t, time.Hour, "refresh-1")
	second := f.storeToken(t, time.Hour, "refresh-1")

	_, err := f.resolver.Resolve(context.Background(), first)
	assert.True(t, tverrors.IsNotFound(err))
	_, err = f.resolver.Resolve(context.Background(), second)
	assert.NoError(t, err)
}

func TestResolveExpiredWithoutRefreshToken(t *testing.T) {
	f := newFixture(t)
	ref := f.storeToken(t, -time.Minute, "")

	_, err := f.resolver.Resolve(context.Background(), ref)
	assert.True(t, tverrors.IsNotFound(err))
	assert.Equal(t, int32(0), f.refresher.calls.Load())
}

func TestResolveReauthRequired(t *testing.T) {
	f := newFixture(t)
	f.refresher.err = &tverrors.ReauthRequiredError{Provider: "google", Reason: "invalid_grant"}
	ref := f.storeToken(t, -time.Minute, "refresh-1")

	_, err := f.resolver.Resolve(context.Background(), ref)
	assert.True(t, tverrors.IsReauthRequired(err))
	assert.Contains(t, f.auditor.types(), logging.ReauthRequired)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Resolutions.WithLabelValues("google", OutcomeReauth)))

	// the record is left in place; a later store replaces it
	_, err = f.store.GetByRef(context.Background(), ref)
	assert.NoError(t, err)
}

// racingStore simulates another process refreshing the same record between
// our read and our compare-and-swap.
type racingStore struct {
	*store.MemoryStore
	cipher *encryption.AEAD
}

func (r racingStore) UpdateTokens(ctx context.Context, ref string, expected time.Time, _ store.TokenUpdate) (bool, error) {
	ct, err := r.cipher.Seal("winner-access")
	if err != nil {
		return false, err
	}
	if _, err := r.MemoryStore.UpdateTokens(ctx, ref, expected, store.TokenUpdate{
		AccessTokenEncrypted: ct,
		ExpiresAt:            fixedNow.Add(2 * time.Hour),
	}); err != nil {
		return false, err
	}
	return false, nil
}

func TestResolveLostCompareAndSwapServesWinner(t *testing.T) {
	f := newFixture(t)
	ref := f.storeToken(t, -time.Minute, "refresh-1")
	rs := New(racingStore{MemoryStore: f.store, cipher: f.cipher}, f.cipher, f.refresher,
		WithClock(func() time.Time { return fixedNow }))

	got, err := rs.Resolve(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, "winner-access", got.AccessToken)
	assert.Equal(t, fixedNow.Add(2*time.Hour), got.ExpiresAt)
}

func TestResolveLostCompareAndSwapOnDeletedRecord(t *testing.T) {
	f := newFixture(t)
	ref := f.storeToken(t, -time.Minute, "refresh-1")
	f.refresher.gate = make(chan struct{})
	f.refresher.started = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := f.resolver.Resolve(context.Background(), ref)
		done <- err
	}()

	<-f.refresher.started
	require.NoError(t, f.custody.Delete(context.Background(), ref))
	close(f.refresher.gate)

	assert.True(t, tverrors.IsNotFound(<-done))
}
