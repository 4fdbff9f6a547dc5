package provider

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2/endpoints"

	"github.com/tokenvault/tokenvault/internal/models"
)

const (
	GoogleProfileURL    = "https://openidconnect.googleapis.com/v1/userinfo"
	GoogleRevokeURL     = "https://oauth2.googleapis.com/revoke"
	MicrosoftProfileURL = "https://graph.microsoft.com/v1.0/me"

	// DefaultTokenLifetime is assumed when a token response omits expires_in.
	DefaultTokenLifetime = time.Hour
)

// Config describes one identity provider. Two adapters never share a
// Config value's slices or maps; New copies them.
type Config struct {
	Provider     models.Provider
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	ProfileURL   string
	// RevokeURL receives a form POST with the token. When empty, LogoutURL
	// is fetched instead; when both are empty revoke is a no-op.
	RevokeURL   string
	LogoutURL   string
	RedirectURL string
	Scopes      []string
	// ExtraAuthParams are appended to every authorization URL.
	ExtraAuthParams map[string]string
	UseUTLS         bool
	Timeout         time.Duration
}

// Google returns the default Gmail configuration. Offline access and a
// forced consent prompt make Google issue a refresh token every time.
func Google(clientID, clientSecret, redirectURL string) Config {
	return Config{
		Provider:     models.ProviderGoogle,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		AuthURL:      endpoints.Google.AuthURL,
		TokenURL:     endpoints.Google.TokenURL,
		ProfileURL:   GoogleProfileURL,
		RevokeURL:    GoogleRevokeURL,
		RedirectURL:  redirectURL,
		Scopes: []string{
			"openid",
			"email",
			"profile",
			"https://www.googleapis.com/auth/gmail.send",
		},
		ExtraAuthParams: map[string]string{
			"access_type": "offline",
			"prompt":      "consent",
		},
		Timeout: 20 * time.Second,
	}
}

// Microsoft returns the default Outlook configuration for tenant ("common"
// when empty). Microsoft has no token revocation endpoint.
func Microsoft(clientID, clientSecret, redirectURL, tenant string) Config {
	if tenant == "" {
		tenant = "common"
	}
	ep := endpoints.AzureAD(tenant)
	return Config{
		Provider:     models.ProviderMicrosoft,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		AuthURL:      ep.AuthURL,
		TokenURL:     ep.TokenURL,
		ProfileURL:   MicrosoftProfileURL,
		RedirectURL:  redirectURL,
		Scopes: []string{
			"openid",
			"email",
			"offline_access",
			"User.Read",
			"Mail.Send",
		},
		ExtraAuthParams: map[string]string{
			"response_mode": "query",
		},
		Timeout: 20 * time.Second,
	}
}

// Validate checks the fields every adapter needs.
func (c Config) Validate() error {
	if !c.Provider.Valid() {
		return fmt.Errorf("unknown provider %q", c.Provider)
	}
	if strings.TrimSpace(c.ClientID) == "" {
		return errors.New("client_id is required")
	}
	if strings.TrimSpace(c.RedirectURL) == "" {
		return errors.New("redirect_uri is required")
	}
	for name, raw := range map[string]string{
		"auth_url":    c.AuthURL,
		"token_url":   c.TokenURL,
		"profile_url": c.ProfileURL,
	} {
		if err := validateEndpoint(raw); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	for name, raw := range map[string]string{
		"revoke_url": c.RevokeURL,
		"logout_url": c.LogoutURL,
	} {
		if raw == "" {
			continue
		}
		if err := validateEndpoint(raw); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func validateEndpoint(raw string) error {
	if raw == "" {
		return errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func (c Config) clone() Config {
	out := c
	out.Scopes = append([]string(nil), c.Scopes...)
	if c.ExtraAuthParams != nil {
		out.ExtraAuthParams = make(map[string]string, len(c.ExtraAuthParams))
		for k, v := range c.ExtraAuthParams {
			out.ExtraAuthParams[k] = v
		}
	}
	return out
}
