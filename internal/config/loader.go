package config

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/tokenvault/tokenvault/internal/errors"
	"github.com/tokenvault/tokenvault/internal/logging"
)

// PathEnv names the environment variable holding the config file path.
const PathEnv = "TOKENVAULT_CONFIG_PATH"

// Secrets are overlaid from the environment after the file is parsed, so
// they never have to be written to disk.
type Secrets struct {
	EncryptionKey         string   `env:"TOKENVAULT_ENCRYPTION_KEY"`
	APIKeys               []string `env:"TOKENVAULT_API_KEYS" envSeparator:","`
	GoogleClientSecret    string   `env:"TOKENVAULT_GOOGLE_CLIENT_SECRET"`
	MicrosoftClientSecret string   `env:"TOKENVAULT_MICROSOFT_CLIENT_SECRET"`
	PostgresDSN           string   `env:"TOKENVAULT_POSTGRES_DSN"`
	CustodyAPIKey         string   `env:"TOKENVAULT_CUSTODY_API_KEY"`
	KeyringPassword       string   `env:"TOKENVAULT_KEYRING_PASSWORD"`
}

// DefaultPath is the config file used when neither --config nor PathEnv
// names one.
const DefaultPath = "config.yaml"

// reloadDebounce coalesces the burst of events an editor save produces.
const reloadDebounce = 100 * time.Millisecond

// PathFromEnv returns the path named by PathEnv, or DefaultPath.
func PathFromEnv() string {
	if p := os.Getenv(PathEnv); p != "" {
		return p
	}
	return DefaultPath
}

// Loader reads one config file and, once watched, re-applies it when its
// contents change.
type Loader struct {
	path string

	mu       sync.RWMutex
	current  *Config
	digest   [sha256.Size]byte
	onChange func(*Config)
	logger   *logging.Logger
}

// NewLoader returns a loader for path. Nothing is read until Load.
func NewLoader(path string) *Loader {
	return &Loader{path: path, logger: logging.Discard()}
}

// SetLogger sets the logger used for reload reports.
func (l *Loader) SetLogger(logger *logging.Logger) {
	if logger == nil {
		return
	}
	l.mu.Lock()
	l.logger = logger
	l.mu.Unlock()
}

// SetOnChange registers fn to receive every configuration applied by a
// reload. The initial Load does not call it.
func (l *Loader) SetOnChange(fn func(*Config)) {
	l.mu.Lock()
	l.onChange = fn
	l.mu.Unlock()
}

// Path returns the watched file.
func (l *Loader) Path() string {
	return l.path
}

// Get returns the configuration last applied.
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Load reads, parses and validates the file and makes it current.
func (l *Loader) Load() (*Config, error) {
	raw, err := l.read()
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(expandEnv(raw))
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.current = cfg
	l.digest = sha256.Sum256(raw)
	l.mu.Unlock()
	return cfg, nil
}

func (l *Loader) read() ([]byte, error) {
	raw, err := os.ReadFile(l.path)
	switch {
	case err == nil:
		return raw, nil
	case os.IsNotExist(err):
		return nil, &errors.ErrConfigNotFound{Path: l.path}
	default:
		return nil, &errors.ErrFileRead{Path: l.path, Err: err}
	}
}

// reload applies the file when its bytes differ from what is current. It
// reports whether a new configuration was applied.
func (l *Loader) reload() (bool, error) {
	raw, err := l.read()
	if err != nil {
		return false, err
	}
	sum := sha256.Sum256(raw)

	l.mu.RLock()
	unchanged := sum == l.digest
	l.mu.RUnlock()
	if unchanged {
		return false, nil
	}

	cfg, err := Parse(expandEnv(raw))
	if err != nil {
		return false, err
	}

	l.mu.Lock()
	l.current = cfg
	l.digest = sum
	onChange := l.onChange
	l.mu.Unlock()

	if onChange != nil {
		onChange(cfg)
	}
	return true, nil
}

// Watch re-applies the file after it changes until ctx is done. The parent
// directory is watched because editors replace the file rather than write
// it in place. A file that fails to parse or validate leaves the current
// configuration untouched.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		watcher.Close()
		return err
	}
	target := filepath.Clean(l.path)

	go func() {
		defer watcher.Close()

		timer := time.NewTimer(reloadDebounce)
		if !timer.Stop() {
			<-timer.C
		}
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) == target && event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					timer.Reset(reloadDebounce)
				}
			case <-timer.C:
				l.applyChange()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.log().Warn("config watcher error", "error", err.Error())
			}
		}
	}()
	return nil
}

func (l *Loader) applyChange() {
	applied, err := l.reload()
	switch {
	case err != nil:
		l.log().Error("config reload rejected, keeping previous", "path", l.path, "error", err.Error())
	case applied:
		l.log().Info("config reloaded", "path", l.path)
	}
}

func (l *Loader) log() *logging.Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.logger
}

// Parse parses configuration from byte slice
func Parse(data []byte) (*Config, error) {
	var config Config
	config.Server.Host = "127.0.0.1"
	config.Server.HTTPPort = 8320
	config.Server.ShutdownTimeout = 30 * time.Second
	config.Server.LogLevel = "info"
	config.API.BodyLimit = 64 << 10
	config.Custody.Storage.Driver = "sqlite"
	config.Custody.RefreshBuffer = 5 * time.Minute

	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, &errors.ErrConfigParse{Err: err}
	}

	if err := applySecrets(&config); err != nil {
		return nil, &errors.ErrConfigParse{Err: err}
	}

	if err := config.Validate(); err != nil {
		return nil, &errors.ErrConfigValidation{Err: err}
	}

	return &config, nil
}

// applySecrets overlays non-empty secrets from the environment.
func applySecrets(c *Config) error {
	var s Secrets
	if err := env.Parse(&s); err != nil {
		return fmt.Errorf("environment: %w", err)
	}
	if s.EncryptionKey != "" {
		c.Custody.EncryptionKey = s.EncryptionKey
	}
	if len(s.APIKeys) > 0 {
		c.API.Auth.APIKeys = s.APIKeys
	}
	if s.GoogleClientSecret != "" {
		c.Providers.Google.ClientSecret = s.GoogleClientSecret
	}
	if s.MicrosoftClientSecret != "" {
		c.Providers.Microsoft.ClientSecret = s.MicrosoftClientSecret
	}
	if s.PostgresDSN != "" {
		c.Custody.Storage.DSN = s.PostgresDSN
	}
	if s.CustodyAPIKey != "" {
		c.Device.CustodyAPIKey = s.CustodyAPIKey
	}
	if s.KeyringPassword != "" {
		c.Device.KeyringPassword = s.KeyringPassword
	}
	return nil
}

// expandEnv substitutes ${VAR} references before the YAML is parsed.
func expandEnv(content []byte) []byte {
	return []byte(os.ExpandEnv(string(content)))
}
