package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/tokenvault/tokenvault/internal/encryption"
	"github.com/tokenvault/tokenvault/internal/models"
	"github.com/tokenvault/tokenvault/internal/provider"
)

// Config represents the complete application configuration.
type Config struct {
	Version   string          `yaml:"version"`
	Server    ServerConfig    `yaml:"server"`
	API       APIConfig       `yaml:"api"`
	Custody   CustodyConfig   `yaml:"custody"`
	Providers ProvidersConfig `yaml:"providers"`
	Device    DeviceConfig    `yaml:"device"`
}

// ServerConfig contains server-related configuration.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	HTTPPort        int           `yaml:"http_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	LogLevel        string        `yaml:"log_level"`
	TLS             TLSConfig     `yaml:"tls"`
}

// TLSConfig contains TLS configuration.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	MinVersion string `yaml:"min_version"` // "1.2" or "1.3"
}

// APIConfig contains API-related configuration.
type APIConfig struct {
	Auth           AuthConfig      `yaml:"auth"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	BodyLimit      int64           `yaml:"body_limit"`
	TrustedProxies []string        `yaml:"trusted_proxies"`
}

// AuthConfig lists the accepted API keys.
type AuthConfig struct {
	APIKeys []string `yaml:"api_keys"`
}

// RateLimitConfig contains per-endpoint limits.
type RateLimitConfig struct {
	ManageTokens  EndpointLimit `yaml:"manage_tokens"`
	SendMail      EndpointLimit `yaml:"send_mail"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// EndpointLimit allows Requests per Window per client IP.
type EndpointLimit struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

// CustodyConfig contains server-side credential custody settings.
type CustodyConfig struct {
	EncryptionKey  string        `yaml:"encryption_key"`
	Storage        StorageConfig `yaml:"storage"`
	RefreshBuffer  time.Duration `yaml:"refresh_buffer"`
	RefreshTimeout time.Duration `yaml:"refresh_timeout"`
}

// StorageConfig selects the custody backend.
type StorageConfig struct {
	Driver string `yaml:"driver"` // sqlite, postgres or memory
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

// ProvidersConfig holds one block per identity provider.
type ProvidersConfig struct {
	Google    ProviderConfig `yaml:"google"`
	Microsoft ProviderConfig `yaml:"microsoft"`
}

// ProviderConfig overrides the built-in provider defaults. Empty endpoint
// fields keep the defaults.
type ProviderConfig struct {
	Enabled      bool          `yaml:"enabled"`
	ClientID     string        `yaml:"client_id"`
	ClientSecret string        `yaml:"client_secret"`
	RedirectURL  string        `yaml:"redirect_url"`
	Tenant       string        `yaml:"tenant"`
	AuthURL      string        `yaml:"auth_url"`
	TokenURL     string        `yaml:"token_url"`
	ProfileURL   string        `yaml:"profile_url"`
	RevokeURL    string        `yaml:"revoke_url"`
	LogoutURL    string        `yaml:"logout_url"`
	Scopes       []string      `yaml:"scopes"`
	UseUTLS      bool          `yaml:"use_utls"`
	Timeout      time.Duration `yaml:"timeout"`
}

// DeviceConfig contains settings for the device-side commands.
type DeviceConfig struct {
	KeyringService  string   `yaml:"keyring_service"`
	KeyringBackends []string `yaml:"keyring_backends"`
	KeyringDir      string   `yaml:"keyring_dir"`
	KVPath          string   `yaml:"kv_path"`
	CustodyURL      string   `yaml:"custody_url"`
	CustodyAPIKey   string   `yaml:"custody_api_key"`
	// KeyringPassword unlocks the file keyring backend. Environment only.
	KeyringPassword string `yaml:"-"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("version is required")
	}

	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}

	if err := c.API.Validate(); err != nil {
		return fmt.Errorf("api: %w", err)
	}

	if err := c.Custody.Validate(); err != nil {
		return fmt.Errorf("custody: %w", err)
	}

	if err := c.Providers.Google.Validate(); err != nil {
		return fmt.Errorf("providers.google: %w", err)
	}

	if err := c.Providers.Microsoft.Validate(); err != nil {
		return fmt.Errorf("providers.microsoft: %w", err)
	}

	if err := c.Device.Validate(); err != nil {
		return fmt.Errorf("device: %w", err)
	}

	return nil
}

// ValidateServe checks what only the custody server needs: a key, at least
// one API key and at least one enabled provider.
func (c *Config) ValidateServe() error {
	if c.Custody.EncryptionKey == "" {
		return fmt.Errorf("custody: encryption_key is required")
	}
	if _, err := encryption.ParseKey(c.Custody.EncryptionKey); err != nil {
		return fmt.Errorf("custody: encryption_key: %w", err)
	}
	if len(c.API.Auth.APIKeys) == 0 {
		return fmt.Errorf("api: auth.api_keys is required")
	}
	if !c.Providers.Google.Enabled && !c.Providers.Microsoft.Enabled {
		return fmt.Errorf("providers: at least one provider must be enabled")
	}
	return nil
}

// Validate validates server configuration.
func (s *ServerConfig) Validate() error {
	if s.Host == "" {
		return fmt.Errorf("host is required")
	}
	if s.HTTPPort <= 0 || s.HTTPPort > 65535 {
		return fmt.Errorf("http_port must be between 1 and 65535")
	}
	if s.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown_timeout must be positive")
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = 30 * time.Second
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
	if s.TLS.Enabled {
		if s.TLS.CertFile == "" {
			return fmt.Errorf("tls cert_file is required when TLS is enabled")
		}
		if s.TLS.KeyFile == "" {
			return fmt.Errorf("tls key_file is required when TLS is enabled")
		}
		if s.TLS.MinVersion != "" && s.TLS.MinVersion != "1.2" && s.TLS.MinVersion != "1.3" {
			return fmt.Errorf("tls min_version must be either \"1.2\" or \"1.3\"")
		}
		if s.TLS.MinVersion == "" {
			s.TLS.MinVersion = "1.3"
		}
	}
	return nil
}

// Validate validates API configuration.
func (a *APIConfig) Validate() error {
	for i, k := range a.Auth.APIKeys {
		if len(k) < 16 {
			return fmt.Errorf("auth: api_keys[%d] must be at least 16 characters", i)
		}
	}
	if a.BodyLimit <= 0 {
		a.BodyLimit = 64 << 10
	}
	if a.RateLimit.SweepInterval <= 0 {
		a.RateLimit.SweepInterval = time.Minute
	}
	if err := a.RateLimit.ManageTokens.validate(); err != nil {
		return fmt.Errorf("rate_limit.manage_tokens: %w", err)
	}
	if err := a.RateLimit.SendMail.validate(); err != nil {
		return fmt.Errorf("rate_limit.send_mail: %w", err)
	}
	return nil
}

func (e *EndpointLimit) validate() error {
	if e.Requests < 0 {
		return fmt.Errorf("requests cannot be negative")
	}
	if e.Requests == 0 {
		e.Requests = 30
	}
	// Cap to keep the limiter meaningful
	if e.Requests > 100000 {
		e.Requests = 100000
	}
	if e.Window <= 0 {
		e.Window = time.Minute
	}
	return nil
}

// Validate validates custody configuration.
func (c *CustodyConfig) Validate() error {
	switch c.Storage.Driver {
	case "":
		c.Storage.Driver = "sqlite"
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("storage.driver must be one of: sqlite, postgres, memory")
	}
	if c.Storage.Driver == "sqlite" && c.Storage.Path == "" {
		c.Storage.Path = "tokenvault.db"
	}
	if c.Storage.Driver == "postgres" && c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required for postgres")
	}
	if c.RefreshBuffer < 0 || c.RefreshBuffer > time.Hour {
		return fmt.Errorf("refresh_buffer must be between 0 and 1h")
	}
	if c.RefreshBuffer == 0 {
		c.RefreshBuffer = 5 * time.Minute
	}
	if c.RefreshTimeout <= 0 {
		c.RefreshTimeout = 30 * time.Second
	}
	return nil
}

// Validate validates a provider block. Disabled providers are not checked.
func (p *ProviderConfig) Validate() error {
	if !p.Enabled {
		return nil
	}
	if p.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	if p.RedirectURL == "" {
		return fmt.Errorf("redirect_url is required")
	}
	for name, raw := range map[string]string{
		"auth_url":    p.AuthURL,
		"token_url":   p.TokenURL,
		"profile_url": p.ProfileURL,
		"revoke_url":  p.RevokeURL,
		"logout_url":  p.LogoutURL,
	} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s must be an absolute URL", name)
		}
	}
	if p.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative")
	}
	return nil
}

// Validate validates device configuration.
func (d *DeviceConfig) Validate() error {
	if d.KeyringService == "" {
		d.KeyringService = "tokenvault"
	}
	if d.KVPath == "" {
		d.KVPath = "tokenvault-device.db"
	}
	if d.CustodyURL != "" {
		u, err := url.Parse(d.CustodyURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("custody_url must be an absolute URL")
		}
	}
	return nil
}

// ProviderConfigs returns adapter configs for every enabled provider,
// starting from the built-in defaults.
func (c *Config) ProviderConfigs() []provider.Config {
	var out []provider.Config
	if g := c.Providers.Google; g.Enabled {
		out = append(out, g.apply(provider.Google(g.ClientID, g.ClientSecret, g.RedirectURL)))
	}
	if m := c.Providers.Microsoft; m.Enabled {
		out = append(out, m.apply(provider.Microsoft(m.ClientID, m.ClientSecret, m.RedirectURL, m.Tenant)))
	}
	return out
}

// Provider returns the block for p.
func (c *Config) Provider(p models.Provider) ProviderConfig {
	if p == models.ProviderMicrosoft {
		return c.Providers.Microsoft
	}
	return c.Providers.Google
}

func (p ProviderConfig) apply(base provider.Config) provider.Config {
	if p.AuthURL != "" {
		base.AuthURL = p.AuthURL
	}
	if p.TokenURL != "" {
		base.TokenURL = p.TokenURL
	}
	if p.ProfileURL != "" {
		base.ProfileURL = p.ProfileURL
	}
	if p.RevokeURL != "" {
		base.RevokeURL = p.RevokeURL
	}
	if p.LogoutURL != "" {
		base.LogoutURL = p.LogoutURL
	}
	if len(p.Scopes) > 0 {
		base.Scopes = append([]string(nil), p.Scopes...)
	}
	base.UseUTLS = p.UseUTLS
	if p.Timeout > 0 {
		base.Timeout = p.Timeout
	}
	return base
}
