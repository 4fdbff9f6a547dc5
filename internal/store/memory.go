package store

import (
	"context"
	"sync"
	"time"

	tverrors "github.com/tokenvault/tokenvault/internal/errors"
	"github.com/tokenvault/tokenvault/internal/logging"
	"github.com/tokenvault/tokenvault/internal/models"
)

// MemoryStore implements TokenStore in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	byRef     map[string]*models.TokenRecord
	byAccount map[string]string // accountKey -> ref
	now       func() time.Time
}

var _ TokenStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byRef:     make(map[string]*models.TokenRecord),
		byAccount: make(map[string]string),
		now:       time.Now,
	}
}

func (m *MemoryStore) GetByRef(_ context.Context, ref string) (*models.TokenRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.byRef[ref]
	if !ok {
		return nil, &tverrors.NotFoundError{Resource: "token", ID: logging.Fingerprint(ref)}
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) GetByAccount(_ context.Context, provider models.Provider, email string) (*models.TokenRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ref, ok := m.byAccount[accountKey(provider, email)]
	if !ok {
		return nil, &tverrors.NotFoundError{Resource: "token", ID: string(provider)}
	}
	cp := *m.byRef[ref]
	return &cp, nil
}

func (m *MemoryStore) Replace(_ context.Context, rec *models.TokenRecord) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	cp := *rec
	cp.ExpiresAt = time.UnixMilli(rec.ExpiresAt.UnixMilli()).UTC()
	cp.CreatedAt = now
	cp.UpdatedAt = now

	key := accountKey(rec.Provider, rec.Email)
	previous := m.byAccount[key]
	if previous != "" {
		cp.CreatedAt = m.byRef[previous].CreatedAt
		delete(m.byRef, previous)
	}
	m.byRef[cp.TokenRef] = &cp
	m.byAccount[key] = cp.TokenRef
	return previous, nil
}

func (m *MemoryStore) UpdateTokens(_ context.Context, ref string, expected time.Time, upd TokenUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.byRef[ref]
	if !ok || rec.ExpiresAt.UnixMilli() != expected.UnixMilli() {
		return false, nil
	}
	rec.AccessTokenEncrypted = upd.AccessTokenEncrypted
	if upd.RefreshTokenEncrypted != "" {
		rec.RefreshTokenEncrypted = upd.RefreshTokenEncrypted
	}
	rec.ExpiresAt = time.UnixMilli(upd.ExpiresAt.UnixMilli()).UTC()
	rec.UpdatedAt = m.now().UTC()
	return true, nil
}

func (m *MemoryStore) Delete(_ context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.byRef[ref]
	if !ok {
		return nil
	}
	delete(m.byRef, ref)
	key := accountKey(rec.Provider, rec.Email)
	if m.byAccount[key] == ref {
		delete(m.byAccount, key)
	}
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}

// Len returns the number of stored records.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byRef)
}
