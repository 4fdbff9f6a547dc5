package keystore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/99designs/keyring"
)

// KeyringConfig selects the OS keychain backend.
type KeyringConfig struct {
	ServiceName string
	// Backends restricts the allowed backends by name ("keychain",
	// "secret-service", "wincred", "pass", "file"). Empty means all.
	Backends []string
	FileDir  string
	// FilePassword unlocks the encrypted-file backend when nothing else is
	// available.
	FilePassword string
}

// Keyring adapts a 99designs keyring to KeyStore.
type Keyring struct {
	ring keyring.Keyring
}

var _ KeyStore = (*Keyring)(nil)

func OpenKeyring(cfg KeyringConfig) (*Keyring, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "tokenvault"
	}
	backends, err := parseBackends(cfg.Backends)
	if err != nil {
		return nil, err
	}

	ring, err := keyring.Open(keyring.Config{
		ServiceName:              cfg.ServiceName,
		AllowedBackends:          backends,
		FileDir:                  cfg.FileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(cfg.FilePassword),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &Keyring{ring: ring}, nil
}

// NewKeyring wraps an already opened keyring, e.g. keyring.NewArrayKeyring.
func NewKeyring(ring keyring.Keyring) *Keyring {
	return &Keyring{ring: ring}
}

func (k *Keyring) Get(alias string) ([]byte, error) {
	item, err := k.ring.Get(alias)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting key %q: %w", alias, err)
	}
	return item.Data, nil
}

func (k *Keyring) Set(alias string, key []byte) error {
	err := k.ring.Set(keyring.Item{
		Key:         alias,
		Data:        key,
		Label:       "tokenvault device cache key",
		Description: "Encrypts linked mail account credentials on this device",
	})
	if err != nil {
		return fmt.Errorf("setting key %q: %w", alias, err)
	}
	return nil
}

func (k *Keyring) Delete(alias string) error {
	err := k.ring.Remove(alias)
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("deleting key %q: %w", alias, err)
	}
	return nil
}

func parseBackends(names []string) ([]keyring.BackendType, error) {
	if len(names) == 0 {
		return nil, nil
	}
	out := make([]keyring.BackendType, 0, len(names))
	for _, n := range names {
		switch strings.ToLower(strings.TrimSpace(n)) {
		case "keychain":
			out = append(out, keyring.KeychainBackend)
		case "secret-service", "secretservice":
			out = append(out, keyring.SecretServiceBackend)
		case "wincred":
			out = append(out, keyring.WinCredBackend)
		case "kwallet":
			out = append(out, keyring.KWalletBackend)
		case "pass":
			out = append(out, keyring.PassBackend)
		case "file":
			out = append(out, keyring.FileBackend)
		default:
			return nil, fmt.Errorf("unknown keyring backend %q", n)
		}
	}
	return out, nil
}
