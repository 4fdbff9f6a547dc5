// Package resolver turns a tokenRef into a currently valid access token,
// refreshing through the provider when the cached token is about to expire.
package resolver

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tokenvault/tokenvault/internal/encryption"
	tverrors "github.com/tokenvault/tokenvault/internal/errors"
	"github.com/tokenvault/tokenvault/internal/logging"
	"github.com/tokenvault/tokenvault/internal/metrics"
	"github.com/tokenvault/tokenvault/internal/models"
	"github.com/tokenvault/tokenvault/internal/store"
)

const (
	// DefaultRefreshBuffer is how close to expiry a cached token may get
	// before resolution refreshes it.
	DefaultRefreshBuffer = 5 * time.Minute

	// DefaultRefreshTimeout bounds one coalesced refresh, independent of
	// the caller that started it.
	DefaultRefreshTimeout = 30 * time.Second
)

// Resolution outcomes, used as metric labels.
const (
	OutcomeCached    = "cached"
	OutcomeRefreshed = "refreshed"
	OutcomeCoalesced = "coalesced"
	OutcomeReauth    = "reauth"
	OutcomeNotFound  = "not_found"
	OutcomeError     = "error"
)

// Refresher redeems a refresh token with the provider.
type Refresher interface {
	Refresh(ctx context.Context, p models.Provider, refreshToken string) (models.Tokens, error)
}

// Service resolves token references. It is safe for concurrent use.
type Service struct {
	store          store.TokenStore
	cipher         *encryption.AEAD
	refresher      Refresher
	buffer         time.Duration
	refreshTimeout time.Duration
	group          singleflight.Group
	logger         *logging.Logger
	auditor        logging.Auditor
	metrics        *metrics.Metrics
	now            func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithRefreshBuffer overrides DefaultRefreshBuffer.
func WithRefreshBuffer(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.buffer = d
		}
	}
}

func WithRefreshTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.refreshTimeout = d
		}
	}
}

func WithLogger(l *logging.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

func WithAuditor(a logging.Auditor) Option {
	return func(s *Service) {
		s.auditor = a
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func New(ts store.TokenStore, cipher *encryption.AEAD, refresher Refresher, opts ...Option) *Service {
	s := &Service{
		store:          ts,
		cipher:         cipher,
		refresher:      refresher,
		buffer:         DefaultRefreshBuffer,
		refreshTimeout: DefaultRefreshTimeout,
		logger:         logging.Discard(),
		auditor:        logging.NopAuditor{},
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Resolve returns a usable access token for ref. Unknown references and
// records without a refresh token yield *errors.NotFoundError; a refresh
// the provider rejects yields *errors.ReauthRequiredError. Both mean the
// account has to be linked again.
func (s *Service) Resolve(ctx context.Context, ref string) (models.ResolvedToken, error) {
	if ref == "" {
		return models.ResolvedToken{}, &tverrors.ValidationError{Field: "tokenRef", Reason: "required"}
	}

	rec, err := s.store.GetByRef(ctx, ref)
	if err != nil {
		s.recordFailure(ctx, "", ref, err)
		return models.ResolvedToken{}, err
	}
	if s.fresh(rec) {
		out, err := s.decrypt(rec)
		if err != nil {
			s.recordFailure(ctx, rec.Provider, ref, err)
			return models.ResolvedToken{}, err
		}
		s.metrics.RecordResolution(rec.Provider.String(), OutcomeCached)
		return out, nil
	}

	// Concurrent resolutions of one ref share a single provider refresh.
	// The flight runs detached from any one caller's cancellation.
	flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.refreshTimeout)
	defer cancel()

	v, err, shared := s.group.Do(ref, func() (interface{}, error) {
		return s.refresh(flightCtx, ref)
	})
	if err != nil {
		if !shared {
			s.recordFailure(ctx, rec.Provider, ref, err)
		}
		return models.ResolvedToken{}, err
	}

	res := v.(refreshResult)
	if shared {
		s.metrics.RecordResolution(rec.Provider.String(), OutcomeCoalesced)
	} else {
		s.metrics.RecordResolution(rec.Provider.String(), res.outcome)
	}
	return res.token, nil
}

type refreshResult struct {
	token   models.ResolvedToken
	outcome string
}

func (s *Service) refresh(ctx context.Context, ref string) (refreshResult, error) {
	// Re-read inside the flight: another process may have refreshed already.
	rec, err := s.store.GetByRef(ctx, ref)
	if err != nil {
		return refreshResult{}, err
	}
	if s.fresh(rec) {
		out, err := s.decrypt(rec)
		return refreshResult{token: out, outcome: OutcomeCached}, err
	}

	if !rec.HasRefreshToken() {
		return refreshResult{}, &tverrors.NotFoundError{Resource: "refresh token", ID: logging.Fingerprint(ref)}
	}
	refreshToken, err := s.cipher.Open(rec.RefreshTokenEncrypted)
	if err != nil {
		return refreshResult{}, &tverrors.ReauthRequiredError{Provider: rec.Provider.String(), Reason: "stored refresh token unreadable", Err: err}
	}

	tokens, err := s.refresher.Refresh(ctx, rec.Provider, refreshToken)
	if err != nil {
		return refreshResult{}, err
	}

	accessCT, err := s.cipher.Seal(tokens.AccessToken)
	if err != nil {
		return refreshResult{}, fmt.Errorf("encrypt access token: %w", err)
	}
	upd := store.TokenUpdate{AccessTokenEncrypted: accessCT, ExpiresAt: tokens.ExpiresAt}
	if tokens.Rotated {
		upd.RefreshTokenEncrypted, err = s.cipher.Seal(tokens.RefreshToken)
		if err != nil {
			return refreshResult{}, fmt.Errorf("encrypt refresh token: %w", err)
		}
	}

	updated, err := s.store.UpdateTokens(ctx, ref, rec.ExpiresAt, upd)
	if err != nil {
		return refreshResult{}, err
	}

	own := models.ResolvedToken{
		AccessToken: tokens.AccessToken,
		Provider:    rec.Provider,
		Email:       rec.Email,
		ExpiresAt:   tokens.ExpiresAt,
	}

	if !updated {
		// Another writer advanced the record first, or it was deleted or
		// replaced. Prefer the stored winner so every holder converges.
		current, err := s.store.GetByRef(ctx, ref)
		if err != nil {
			return refreshResult{}, err
		}
		s.logger.WarnWithContext(ctx, "refresh lost compare-and-swap",
			"provider", rec.Provider.String(),
			"token_ref", logging.Fingerprint(ref),
			"rotated", tokens.Rotated,
		)
		if s.fresh(current) {
			out, err := s.decrypt(current)
			return refreshResult{token: out, outcome: OutcomeRefreshed}, err
		}
		return refreshResult{token: own, outcome: OutcomeRefreshed}, nil
	}

	s.auditor.Record(ctx, logging.NewAuditEvent(logging.TokenRefresh, "refresh", logging.StatusSuccess).
		WithProvider(rec.Provider.String()).
		WithTokenRef(ref).
		WithDetails(map[string]interface{}{"rotated": tokens.Rotated}))
	return refreshResult{token: own, outcome: OutcomeRefreshed}, nil
}

func (s *Service) fresh(rec *models.TokenRecord) bool {
	return rec.ExpiresAt.After(s.now().Add(s.buffer))
}

func (s *Service) decrypt(rec *models.TokenRecord) (models.ResolvedToken, error) {
	access, err := s.cipher.Open(rec.AccessTokenEncrypted)
	if err != nil {
		return models.ResolvedToken{}, fmt.Errorf("decrypt access token: %w", err)
	}
	return models.ResolvedToken{
		AccessToken: access,
		Provider:    rec.Provider,
		Email:       rec.Email,
		ExpiresAt:   rec.ExpiresAt,
	}, nil
}

func (s *Service) recordFailure(ctx context.Context, p models.Provider, ref string, err error) {
	provider := p.String()
	if provider == "" {
		provider = "unknown"
	}
	switch {
	case tverrors.IsNotFound(err):
		s.metrics.RecordResolution(provider, OutcomeNotFound)
	case tverrors.IsReauthRequired(err):
		s.metrics.RecordResolution(provider, OutcomeReauth)
		s.auditor.Record(ctx, logging.NewAuditEvent(logging.ReauthRequired, "resolve", logging.StatusFailure).
			WithProvider(provider).
			WithTokenRef(ref).
			WithSeverity(logging.SeverityWarning).
			WithError(err))
	default:
		s.metrics.RecordResolution(provider, OutcomeError)
		s.logger.ErrorWithContext(ctx, "token resolution failed",
			"provider", provider,
			"token_ref", logging.Fingerprint(ref),
			"error", err.Error(),
		)
	}
}
