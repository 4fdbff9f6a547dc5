// Package keystore holds the device encryption key outside the value store.
package keystore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tokenvault/tokenvault/internal/encryption"
)

// DefaultAlias is the fixed alias the device cache key lives under.
const DefaultAlias = "tokenvault.device-cache-key"

var ErrKeyNotFound = errors.New("key not found in keystore")

// KeyStore is a secure-element or OS-keychain backed secret store.
type KeyStore interface {
	Get(alias string) ([]byte, error)
	Set(alias string, key []byte) error
	Delete(alias string) error
}

// LoadOrCreate returns the key stored under alias, generating and persisting
// a new 256-bit key on first use.
func LoadOrCreate(ks KeyStore, alias string) ([]byte, error) {
	key, err := ks.Get(alias)
	if err == nil {
		if len(key) != encryption.KeySize {
			return nil, fmt.Errorf("keystore alias %q holds a %d-byte key", alias, len(key))
		}
		return key, nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return nil, fmt.Errorf("read key %q: %w", alias, err)
	}

	key, err = encryption.GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := ks.Set(alias, key); err != nil {
		return nil, fmt.Errorf("persist key %q: %w", alias, err)
	}
	return key, nil
}

// Memory is an in-process KeyStore for tests.
type Memory struct {
	mu   sync.Mutex
	keys map[string][]byte

	// FailGet makes every Get fail with this error when set.
	FailGet error
}

func NewMemory() *Memory {
	return &Memory{keys: make(map[string][]byte)}
}

func (m *Memory) Get(alias string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailGet != nil {
		return nil, m.FailGet
	}
	key, ok := m.keys[alias]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), key...), nil
}

func (m *Memory) Set(alias string, key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.keys[alias] = append([]byte(nil), key...)
	return nil
}

func (m *Memory) Delete(alias string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.keys, alias)
	return nil
}
