package store

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a hand-rolled in-memory Store used by tests elsewhere in
// the module. It is not a cache — it is a complete Store implementation
// over plain maps, guarded by the caller owning exclusive access (tests
// construct one per test case).
type MemoryStore struct {
	Providers     map[uuid.UUID]Provider
	Models        map[uuid.UUID]Model
	APIKeys       map[uuid.UUID]APIKey
	OAuthAccounts map[uuid.UUID]OAuthAccount
	UsageLogs     []UsageLog
}

// NewMemoryStore returns an empty MemoryStore ready for population by tests.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		Providers:     map[uuid.UUID]Provider{},
		Models:        map[uuid.UUID]Model{},
		APIKeys:       map[uuid.UUID]APIKey{},
		OAuthAccounts: map[uuid.UUID]OAuthAccount{},
	}
}

func (m *MemoryStore) ActiveProviders(ctx context.Context) ([]Provider, error) {
	out := make([]Provider, 0, len(m.Providers))
	for _, p := range m.Providers {
		if p.IsActive {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *MemoryStore) ActiveModels(ctx context.Context) ([]Model, error) {
	out := make([]Model, 0, len(m.Models))
	for _, mm := range m.Models {
		if mm.IsActive {
			out = append(out, mm)
		}
	}
	return out, nil
}

func (m *MemoryStore) ResolveModelChain(ctx context.Context, publicName string) ([]ModelWithProvider, error) {
	var matches []ModelWithProvider
	for _, mm := range m.Models {
		if !mm.IsActive || mm.PublicName != publicName {
			continue
		}
		p, ok := m.Providers[mm.ProviderID]
		if !ok || !p.IsActive {
			continue
		}
		matches = append(matches, ModelWithProvider{Model: mm, Provider: p})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Model.Priority != matches[j].Model.Priority {
			return matches[i].Model.Priority < matches[j].Model.Priority
		}
		return matches[i].Model.CreatedAt.Before(matches[j].Model.CreatedAt)
	})
	if len(matches) > 5 {
		matches = matches[:5]
	}
	return matches, nil
}

func (m *MemoryStore) ActiveOAuthAccounts(ctx context.Context, providerID uuid.UUID) ([]OAuthAccount, error) {
	var out []OAuthAccount
	for _, a := range m.OAuthAccounts {
		if a.ProviderID == providerID && a.IsActive {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastUsedAt.Before(out[j].LastUsedAt) })
	return out, nil
}

func (m *MemoryStore) UpdateOAuthTokens(ctx context.Context, accountID uuid.UUID, encryptedAccess, encryptedRefresh string, expiresAt time.Time) error {
	a, ok := m.OAuthAccounts[accountID]
	if !ok {
		return ErrNotFound
	}
	a.EncryptedAccessToken = encryptedAccess
	a.EncryptedRefreshToken = encryptedRefresh
	a.ExpiresAt = expiresAt
	m.OAuthAccounts[accountID] = a
	return nil
}

func (m *MemoryStore) TouchOAuthAccount(ctx context.Context, accountID uuid.UUID, at time.Time) error {
	a, ok := m.OAuthAccounts[accountID]
	if !ok {
		return ErrNotFound
	}
	a.LastUsedAt = at
	m.OAuthAccounts[accountID] = a
	return nil
}

func (m *MemoryStore) UpdateOAuthHealth(ctx context.Context, accountID uuid.UUID, score int) error {
	a, ok := m.OAuthAccounts[accountID]
	if !ok {
		return ErrNotFound
	}
	a.HealthScore = score
	m.OAuthAccounts[accountID] = a
	return nil
}

func (m *MemoryStore) FindAPIKeyByHash(ctx context.Context, keyHash string) (*APIKey, error) {
	for _, k := range m.APIKeys {
		if k.KeyHash == keyHash {
			kk := k
			return &kk, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) InsertUsageLog(ctx context.Context, log *UsageLog) error {
	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}
	m.UsageLogs = append(m.UsageLogs, *log)
	return nil
}
