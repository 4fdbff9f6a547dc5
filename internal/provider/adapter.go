// Package provider implements the OAuth2 authorization-code + PKCE flow for
// the supported mail identity providers.
package provider

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/tokenvault/tokenvault/internal/besteffort"
	tverrors "github.com/tokenvault/tokenvault/internal/errors"
	"github.com/tokenvault/tokenvault/internal/logging"
	"github.com/tokenvault/tokenvault/internal/metrics"
	"github.com/tokenvault/tokenvault/internal/models"
)

// AuthorizationRequest is handed to the browser step. CodeVerifier and State
// stay on the device until the matching ExchangeCode call.
type AuthorizationRequest struct {
	URL          string
	CodeVerifier string
	State        string
}

// Adapter talks to one provider. Every adapter owns its oauth2.Config and
// HTTP client; nothing mutable is shared between adapters.
type Adapter struct {
	cfg     Config
	oauth   oauth2.Config
	client  *http.Client
	logger  *logging.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithHTTPClient replaces the default client (tests use httptest clients).
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) {
		a.client = c
	}
}

func WithLogger(l *logging.Logger) Option {
	return func(a *Adapter) {
		if l != nil {
			a.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Adapter) {
		a.metrics = m
	}
}

// WithClock sets the clock used for the default expiry.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) {
		a.now = now
	}
}

// New validates cfg and builds an adapter.
func New(cfg Config, opts ...Option) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s adapter: %w", cfg.Provider, err)
	}
	cfg = cfg.clone()

	a := &Adapter{
		cfg: cfg,
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
			RedirectURL: cfg.RedirectURL,
			Scopes:      cfg.Scopes,
		},
		logger: logging.Discard(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.client == nil {
		a.client = NewHTTPClient(cfg.UseUTLS, cfg.Timeout)
	}
	a.logger = a.logger.With("provider", cfg.Provider.String())
	return a, nil
}

func (a *Adapter) Provider() models.Provider {
	return a.cfg.Provider
}

// BuildAuthorizationRequest returns the authorization URL with an S256
// challenge over a fresh verifier. Empty scopes fall back to the configured
// set.
func (a *Adapter) BuildAuthorizationRequest(scopes []string) (AuthorizationRequest, error) {
	conf := a.oauth
	if len(scopes) > 0 {
		conf.Scopes = append([]string(nil), scopes...)
	}

	verifier := oauth2.GenerateVerifier()
	state := rand.Text()

	opts := []oauth2.AuthCodeOption{oauth2.S256ChallengeOption(verifier)}
	for k, v := range a.cfg.ExtraAuthParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}

	return AuthorizationRequest{
		URL:          conf.AuthCodeURL(state, opts...),
		CodeVerifier: verifier,
		State:        state,
	}, nil
}

// ExchangeCode redeems an authorization code and fetches the account
// profile with the new access token.
func (a *Adapter) ExchangeCode(ctx context.Context, code, codeVerifier string) (models.Tokens, error) {
	if strings.TrimSpace(code) == "" {
		return models.Tokens{}, &tverrors.ValidationError{Field: "code", Reason: "required"}
	}
	if strings.TrimSpace(codeVerifier) == "" {
		return models.Tokens{}, &tverrors.ValidationError{Field: "codeVerifier", Reason: "required"}
	}

	tok, err := a.oauth.Exchange(a.clientContext(ctx), code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		a.metrics.RecordProviderRequest(a.cfg.Provider.String(), "exchange", "error")
		status := retrieveStatus(err)
		a.logger.WarnWithContext(ctx, "authorization code exchange failed", "status", status)
		return models.Tokens{}, &tverrors.TokenExchangeError{Provider: a.cfg.Provider.String(), Status: status, Err: err}
	}
	a.metrics.RecordProviderRequest(a.cfg.Provider.String(), "exchange", "ok")

	profile, err := a.fetchProfile(ctx, tok.AccessToken)
	if err != nil {
		return models.Tokens{}, err
	}

	return models.Tokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    a.expiry(tok),
		Email:        profile.Email,
		Name:         profile.Name,
	}, nil
}

// Refresh redeems a refresh token. RefreshToken in the result is the token
// to keep using; Rotated reports whether the provider issued a new one.
// Every provider-side failure is terminal: the caller has to re-authorize.
func (a *Adapter) Refresh(ctx context.Context, refreshToken string) (models.Tokens, error) {
	if refreshToken == "" {
		return models.Tokens{}, &tverrors.ReauthRequiredError{Provider: a.cfg.Provider.String(), Reason: "no refresh token"}
	}

	src := a.oauth.TokenSource(a.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return models.Tokens{}, ctxErr
		}
		a.metrics.RecordProviderRequest(a.cfg.Provider.String(), "refresh", "error")
		reason := refreshFailureReason(err)
		a.logger.WarnWithContext(ctx, "token refresh rejected", "reason", reason)
		return models.Tokens{}, &tverrors.ReauthRequiredError{Provider: a.cfg.Provider.String(), Reason: reason, Err: err}
	}
	a.metrics.RecordProviderRequest(a.cfg.Provider.String(), "refresh", "ok")

	// oauth2 carries the old refresh token over when the response omits one.
	out := models.Tokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    a.expiry(tok),
	}
	if tok.RefreshToken != "" && tok.RefreshToken != refreshToken {
		out.RefreshToken = tok.RefreshToken
		out.Rotated = true
	}
	return out, nil
}

// Revoke asks the provider to invalidate accessToken. Callers treat it as
// best-effort; see RevokeOp.
func (a *Adapter) Revoke(ctx context.Context, accessToken string) error {
	var (
		req *http.Request
		err error
	)
	switch {
	case a.cfg.RevokeURL != "":
		if accessToken == "" {
			return nil
		}
		form := url.Values{"token": {accessToken}}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.RevokeURL, strings.NewReader(form.Encode()))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	case a.cfg.LogoutURL != "":
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.LogoutURL, nil)
		if err != nil {
			return err
		}
	default:
		return nil
	}

	resp, err := a.client.Do(req)
	if err != nil {
		a.metrics.RecordProviderRequest(a.cfg.Provider.String(), "revoke", "error")
		return fmt.Errorf("%s revoke: %w", a.cfg.Provider, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		a.metrics.RecordProviderRequest(a.cfg.Provider.String(), "revoke", "error")
		return fmt.Errorf("%s revoke: status %d", a.cfg.Provider, resp.StatusCode)
	}
	a.metrics.RecordProviderRequest(a.cfg.Provider.String(), "revoke", "ok")
	return nil
}

// RevokeOp wraps Revoke as a best-effort operation.
func (a *Adapter) RevokeOp(accessToken string) besteffort.Op {
	return besteffort.Op{
		Name: "revoke:" + a.cfg.Provider.String(),
		Run: func(ctx context.Context) error {
			return a.Revoke(ctx, accessToken)
		},
	}
}

func (a *Adapter) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, a.client)
}

func (a *Adapter) expiry(tok *oauth2.Token) time.Time {
	if tok.Expiry.IsZero() {
		return a.now().Add(DefaultTokenLifetime)
	}
	return tok.Expiry
}

func retrieveStatus(err error) int {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		return re.Response.StatusCode
	}
	return 0
}

func refreshFailureReason(err error) string {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.ErrorCode != "" {
			return re.ErrorCode
		}
		if re.Response != nil {
			return fmt.Sprintf("status %d", re.Response.StatusCode)
		}
	}
	return "transport"
}

// fetchProfile decodes the provider-specific profile document into a
// Profile.
func (a *Adapter) fetchProfile(ctx context.Context, accessToken string) (Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.ProfileURL, nil)
	if err != nil {
		return Profile{}, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		a.metrics.RecordProviderRequest(a.cfg.Provider.String(), "profile", "error")
		return Profile{}, &tverrors.TokenExchangeError{Provider: a.cfg.Provider.String(), Err: fmt.Errorf("profile: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Profile{}, &tverrors.TokenExchangeError{Provider: a.cfg.Provider.String(), Err: fmt.Errorf("profile: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		a.metrics.RecordProviderRequest(a.cfg.Provider.String(), "profile", "error")
		return Profile{}, &tverrors.TokenExchangeError{
			Provider: a.cfg.Provider.String(),
			Status:   resp.StatusCode,
			Err:      errors.New("profile request rejected"),
		}
	}
	a.metrics.RecordProviderRequest(a.cfg.Provider.String(), "profile", "ok")

	profile, err := decodeProfile(a.cfg.Provider, body)
	if err != nil {
		return Profile{}, &tverrors.TokenExchangeError{Provider: a.cfg.Provider.String(), Status: resp.StatusCode, Err: err}
	}
	return profile, nil
}

// Profile is the account identity returned by a provider.
type Profile struct {
	Email string
	Name  string
}

type googleProfile struct {
	Email         string `json:"email"`
	EmailVerified *bool  `json:"email_verified"`
	Name          string `json:"name"`
}

type graphProfile struct {
	Mail              string `json:"mail"`
	UserPrincipalName string `json:"userPrincipalName"`
	DisplayName       string `json:"displayName"`
}

func decodeProfile(p models.Provider, body []byte) (Profile, error) {
	var out Profile
	switch p {
	case models.ProviderGoogle:
		var gp googleProfile
		if err := json.Unmarshal(body, &gp); err != nil {
			return Profile{}, fmt.Errorf("decode profile: %w", err)
		}
		if gp.EmailVerified != nil && !*gp.EmailVerified {
			return Profile{}, errors.New("profile email is not verified")
		}
		out = Profile{Email: gp.Email, Name: gp.Name}
	case models.ProviderMicrosoft:
		var mp graphProfile
		if err := json.Unmarshal(body, &mp); err != nil {
			return Profile{}, fmt.Errorf("decode profile: %w", err)
		}
		email := mp.Mail
		if email == "" {
			email = mp.UserPrincipalName
		}
		out = Profile{Email: email, Name: mp.DisplayName}
	default:
		return Profile{}, fmt.Errorf("unknown provider %q", p)
	}

	out.Email = strings.TrimSpace(out.Email)
	if out.Email == "" {
		return Profile{}, errors.New("profile has no email address")
	}
	return out, nil
}
