// Package custody is the server-side credential custody service. Callers
// hand over tokens once and get back an opaque reference; raw tokens are
// never returned.
package custody

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tokenvault/tokenvault/internal/encryption"
	tverrors "github.com/tokenvault/tokenvault/internal/errors"
	"github.com/tokenvault/tokenvault/internal/logging"
	"github.com/tokenvault/tokenvault/internal/metrics"
	"github.com/tokenvault/tokenvault/internal/models"
	"github.com/tokenvault/tokenvault/internal/store"
)

// Validation bounds.
const (
	MaxEmailLength = 320
	MaxTokenLength = 8 << 10
	MaxExpiryAge   = 24 * time.Hour
	MaxExpiryAhead = 366 * 24 * time.Hour
)

// StoreRequest is the input of Store. ExpiresAt is Unix milliseconds.
type StoreRequest struct {
	Provider     string
	Email        string
	AccessToken  string
	RefreshToken string
	ExpiresAt    int64
}

// Service stores and deletes custody records.
type Service struct {
	store   store.TokenStore
	cipher  *encryption.AEAD
	logger  *logging.Logger
	auditor logging.Auditor
	metrics *metrics.Metrics
	now     func() time.Time
	newRef  func() string
}

// Option configures a Service.
type Option func(*Service)

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

func NewService(ts store.TokenStore, cipher *encryption.AEAD, opts ...Option) *Service {
	s := &Service{
		store:   ts,
		cipher:  cipher,
		logger:  logging.Discard(),
		auditor: logging.NopAuditor{},
		now:     time.Now,
		newRef:  func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Validated is a StoreRequest that passed Validate.
type Validated struct {
	Provider     models.Provider
	Email        string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Validate checks req against the custody input rules. It does no crypto
// and no I/O.
func Validate(req StoreRequest, now time.Time) (Validated, error) {
	provider := models.Provider(strings.TrimSpace(req.Provider))
	if !provider.Valid() {
		return Validated{}, &tverrors.ValidationError{Field: "provider", Reason: "must be google or microsoft"}
	}

	email := strings.TrimSpace(req.Email)
	if email == "" {
		return Validated{}, &tverrors.ValidationError{Field: "email", Reason: "required"}
	}
	if len(email) > MaxEmailLength {
		return Validated{}, &tverrors.ValidationError{Field: "email", Reason: "too long"}
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return Validated{}, &tverrors.ValidationError{Field: "email", Reason: "not a bare email address"}
	}

	if req.AccessToken == "" {
		return Validated{}, &tverrors.ValidationError{Field: "accessToken", Reason: "required"}
	}
	if len(req.AccessToken) > MaxTokenLength {
		return Validated{}, &tverrors.ValidationError{Field: "accessToken", Reason: "too long"}
	}
	if len(req.RefreshToken) > MaxTokenLength {
		return Validated{}, &tverrors.ValidationError{Field: "refreshToken", Reason: "too long"}
	}

	if req.ExpiresAt <= 0 {
		return Validated{}, &tverrors.ValidationError{Field: "expiresAt", Reason: "must be a positive unix millisecond timestamp"}
	}
	expires := time.UnixMilli(req.ExpiresAt)
	if !expires.After(now.Add(-MaxExpiryAge)) || !expires.Before(now.Add(MaxExpiryAhead)) {
		return Validated{}, &tverrors.ValidationError{Field: "expiresAt", Reason: "out of range"}
	}

	return Validated{
		Provider:     provider,
		Email:        strings.ToLower(email),
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		ExpiresAt:    expires.UTC(),
	}, nil
}

// Store encrypts the tokens and replaces any record for the same account.
// A new reference is minted on every call; the previous one stops resolving.
func (s *Service) Store(ctx context.Context, req StoreRequest) (string, error) {
	v, err := Validate(req, s.now())
	if err != nil {
		s.metrics.RecordCustody("store", "invalid")
		return "", err
	}

	accessCT, err := s.cipher.Seal(v.AccessToken)
	if err != nil {
		s.metrics.RecordCustody("store", "error")
		return "", fmt.Errorf("encrypt access token: %w", err)
	}
	var refreshCT string
	if v.RefreshToken != "" {
		refreshCT, err = s.cipher.Seal(v.RefreshToken)
		if err != nil {
			s.metrics.RecordCustody("store", "error")
			return "", fmt.Errorf("encrypt refresh token: %w", err)
		}
	}

	ref := s.newRef()
	previous, err := s.store.Replace(ctx, &models.TokenRecord{
		TokenRef:              ref,
		Provider:              v.Provider,
		Email:                 v.Email,
		AccessTokenEncrypted:  accessCT,
		RefreshTokenEncrypted: refreshCT,
		ExpiresAt:             v.ExpiresAt,
	})
	if err != nil {
		s.metrics.RecordCustody("store", "error")
		s.auditor.Record(ctx, logging.NewAuditEvent(logging.TokenStore, "store", logging.StatusFailure).
			WithProvider(v.Provider.String()).
			WithIPAddress(logging.GetClientIP(ctx)).
			WithError(err))
		return "", err
	}

	s.metrics.RecordCustody("store", "success")
	s.auditor.Record(ctx, logging.NewAuditEvent(logging.TokenStore, "store", logging.StatusSuccess).
		WithProvider(v.Provider.String()).
		WithIPAddress(logging.GetClientIP(ctx)).
		WithTokenRef(ref).
		WithDetails(map[string]interface{}{
			"replaced":          previous != "",
			"has_refresh_token": refreshCT != "",
		}))
	s.logger.InfoWithContext(ctx, "credential stored",
		"provider", v.Provider.String(),
		"token_ref", logging.Fingerprint(ref),
		"replaced", previous != "",
	)
	return ref, nil
}

// Delete removes ref. Unknown references succeed.
func (s *Service) Delete(ctx context.Context, ref string) error {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		s.metrics.RecordCustody("delete", "invalid")
		return &tverrors.ValidationError{Field: "tokenRef", Reason: "required"}
	}

	if err := s.store.Delete(ctx, ref); err != nil {
		s.metrics.RecordCustody("delete", "error")
		s.auditor.Record(ctx, logging.NewAuditEvent(logging.TokenDelete, "delete", logging.StatusFailure).
			WithIPAddress(logging.GetClientIP(ctx)).
			WithTokenRef(ref).
			WithError(err))
		return err
	}

	s.metrics.RecordCustody("delete", "success")
	s.auditor.Record(ctx, logging.NewAuditEvent(logging.TokenDelete, "delete", logging.StatusSuccess).
		WithIPAddress(logging.GetClientIP(ctx)).
		WithTokenRef(ref))
	return nil
}
