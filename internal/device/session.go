// Package device wires the device-side credential lifecycle: linking an
// account, keeping its access token usable and tearing it down.
package device

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tokenvault/tokenvault/internal/besteffort"
	tverrors "github.com/tokenvault/tokenvault/internal/errors"
	"github.com/tokenvault/tokenvault/internal/localcache"
	"github.com/tokenvault/tokenvault/internal/logging"
	"github.com/tokenvault/tokenvault/internal/models"
	"github.com/tokenvault/tokenvault/internal/provider"
	"github.com/tokenvault/tokenvault/internal/teardown"
)

// DefaultRefreshBuffer matches the server-side resolver.
const DefaultRefreshBuffer = 5 * time.Minute

// Custody is the remote custody service as seen from the device.
type Custody interface {
	Store(ctx context.Context, p models.Provider, email string, tokens models.Tokens) (string, error)
	DeleteOp(tokenRef string) besteffort.Op
}

// Session owns the device's linked accounts.
type Session struct {
	providers   *provider.Registry
	credentials *localcache.CredentialStore
	custody     Custody
	teardown    *teardown.Orchestrator
	runner      *besteffort.Runner
	logger      *logging.Logger
	buffer      time.Duration
	now         func() time.Time
}

type Option func(*Session)

func WithLogger(l *logging.Logger) Option {
	return func(s *Session) {
		s.logger = l
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		s.now = now
	}
}

// WithRunner sets the runner for best-effort teardown steps, so a caller
// about to exit can wait for fired revocations.
func WithRunner(r *besteffort.Runner) Option {
	return func(s *Session) {
		s.runner = r
	}
}

func WithRefreshBuffer(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.buffer = d
		}
	}
}

// NewSession builds a Session. custody may be nil for a device that keeps
// credentials locally only.
func NewSession(providers *provider.Registry, credentials *localcache.CredentialStore, custody Custody, opts ...Option) *Session {
	s := &Session{
		providers:   providers,
		credentials: credentials,
		custody:     custody,
		logger:      logging.Discard(),
		buffer:      DefaultRefreshBuffer,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.runner == nil {
		s.runner = besteffort.NewRunner(s.logger, 0)
	}

	var remote teardown.Custody
	if custody != nil {
		remote = custody
	}
	s.teardown = teardown.New(credentials, providers, remote,
		teardown.WithLogger(s.logger),
		teardown.WithRunner(s.runner))
	return s
}

// BeginLink starts authorization for p. The verifier in the result must be
// kept until CompleteLink.
func (s *Session) BeginLink(p models.Provider) (provider.AuthorizationRequest, error) {
	a, err := s.providers.Get(p)
	if err != nil {
		return provider.AuthorizationRequest{}, err
	}
	return a.BuildAuthorizationRequest(nil)
}

// CompleteLink exchanges the code, saves the credential locally and hands
// the tokens to custody. Once custody holds them the local refresh token is
// dropped; custody is its only home from then on. When custody fails the
// local credential is kept and returned together with the error.
//
// Relinking p retires the custody record of the previous link, and revokes
// its access token when the account changed.
func (s *Session) CompleteLink(ctx context.Context, p models.Provider, code, verifier string) (*models.Credential, error) {
	a, err := s.providers.Get(p)
	if err != nil {
		return nil, err
	}

	tokens, err := a.ExchangeCode(ctx, code, verifier)
	if err != nil {
		return nil, err
	}

	previous, err := s.credentials.Load(ctx, p)
	if err != nil {
		s.logger.WarnWithContext(ctx, "reading previous credential failed",
			"provider", p.String(),
			"error", err.Error(),
		)
		previous = nil
	}

	cred := &models.Credential{
		Provider:     p,
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		ExpiresAt:    tokens.ExpiresAt,
		SubjectEmail: tokens.Email,
	}
	if err := s.credentials.Save(ctx, *cred); err != nil {
		return nil, fmt.Errorf("save credential: %w", err)
	}
	defer func() { s.retire(ctx, previous, cred) }()

	if s.custody == nil {
		return cred, nil
	}
	ref, err := s.custody.Store(ctx, p, tokens.Email, tokens)
	if err != nil {
		s.logger.WarnWithContext(ctx, "custody store failed, credential kept locally",
			"provider", p.String(),
			"error", err.Error(),
		)
		return cred, fmt.Errorf("custody store: %w", err)
	}

	held := *cred
	held.RefreshToken = ""
	held.TokenRef = ref
	if err := s.credentials.Save(ctx, held); err != nil {
		return cred, fmt.Errorf("save token reference: %w", err)
	}
	*cred = held

	s.logger.InfoWithContext(ctx, "account linked",
		"provider", p.String(),
		"token_ref", logging.Fingerprint(ref),
	)
	return cred, nil
}

// retire fires the remote cleanup for a link replaced by current. The same
// account's access token is left alone: revoking it can take the new grant
// down with it.
func (s *Session) retire(ctx context.Context, previous, current *models.Credential) {
	if previous == nil {
		return
	}
	var ops []besteffort.Op
	if s.custody != nil && previous.TokenRef != "" && previous.TokenRef != current.TokenRef {
		ops = append(ops, s.custody.DeleteOp(previous.TokenRef))
	}
	if previous.AccessToken != "" && !strings.EqualFold(previous.SubjectEmail, current.SubjectEmail) {
		ops = append(ops, s.providers.RevokeOp(previous.Provider, previous.AccessToken))
	}
	if len(ops) == 0 {
		return
	}
	s.logger.InfoWithContext(ctx, "retiring previous link",
		"provider", previous.Provider.String(),
		"steps", len(ops),
	)
	s.runner.Fire(ctx, ops...)
}

// Credential returns the linked credential for p.
//
// A credential held by custody is returned as stored: the server refreshes
// it through the reference, and the device never redeems the refresh token
// itself. A local-only credential is refreshed first when it is about to
// expire; a rejected refresh clears it so the dead refresh token is never
// retried.
func (s *Session) Credential(ctx context.Context, p models.Provider) (*models.Credential, error) {
	cred, err := s.credentials.Load(ctx, p)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, &tverrors.NotFoundError{Resource: "credential", ID: p.String()}
	}

	if cred.TokenRef != "" {
		if cred.RefreshToken != "" {
			s.dropRefreshToken(ctx, cred)
		}
		return cred, nil
	}
	if !cred.ExpiresWithin(s.now(), s.buffer) {
		return cred, nil
	}
	if cred.RefreshToken == "" {
		return nil, &tverrors.ReauthRequiredError{Provider: p.String(), Reason: "no refresh token"}
	}

	a, err := s.providers.Get(p)
	if err != nil {
		return nil, err
	}
	tokens, err := a.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		if tverrors.IsReauthRequired(err) {
			if clearErr := s.credentials.Clear(ctx, p); clearErr != nil {
				s.logger.WarnWithContext(ctx, "clearing rejected credential failed",
					"provider", p.String(),
					"error", clearErr.Error(),
				)
			}
		}
		return nil, err
	}

	cred.AccessToken = tokens.AccessToken
	cred.RefreshToken = tokens.RefreshToken
	cred.ExpiresAt = tokens.ExpiresAt
	if err := s.credentials.Save(ctx, *cred); err != nil {
		return nil, fmt.Errorf("save refreshed credential: %w", err)
	}
	if tokens.Rotated {
		s.logger.InfoWithContext(ctx, "refresh token rotated", "provider", p.String())
	}
	return cred, nil
}

// dropRefreshToken removes a refresh token left next to a custody reference
// by an older link.
func (s *Session) dropRefreshToken(ctx context.Context, cred *models.Credential) {
	cred.RefreshToken = ""
	if err := s.credentials.Save(ctx, *cred); err != nil {
		s.logger.WarnWithContext(ctx, "dropping local refresh token failed",
			"provider", cred.Provider.String(),
			"error", err.Error(),
		)
	}
}

// Linked lists providers with a usable local credential.
func (s *Session) Linked(ctx context.Context) ([]models.Provider, error) {
	return s.credentials.LinkedProviders(ctx)
}

// Logout tears down p. Remote steps are best-effort.
func (s *Session) Logout(ctx context.Context, p models.Provider) error {
	return s.teardown.Logout(ctx, p)
}

// Forget removes every credential and waits for the remote steps.
func (s *Session) Forget(ctx context.Context) teardown.Report {
	return s.teardown.DeleteAll(ctx)
}
