package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func seeded(t *testing.T) (*MemoryStore, uuid.UUID, uuid.UUID) {
	t.Helper()
	s := NewMemoryStore()

	providerID := uuid.New()
	s.Providers[providerID] = Provider{
		ID:       providerID,
		Name:     "openai-primary",
		Type:     ProviderTypeOpenAI,
		BaseURL:  "https://api.openai.com",
		AuthType: AuthTypeBearer,
		IsActive: true,
	}

	fastID := uuid.New()
	slowID := uuid.New()
	s.Models[fastID] = Model{ID: fastID, ProviderID: providerID, PublicName: "gpt-4", UpstreamModelName: "gpt-4o", Priority: 1, IsActive: true}
	s.Models[slowID] = Model{ID: slowID, ProviderID: providerID, PublicName: "gpt-4", UpstreamModelName: "gpt-4o-mini", Priority: 2, IsActive: true}

	return s, providerID, fastID
}

func TestMemoryStore_ResolveModelChainOrdersByPriority(t *testing.T) {
	s, _, _ := seeded(t)

	chain, err := s.ResolveModelChain(context.Background(), "gpt-4")
	if err != nil {
		t.Fatalf("ResolveModelChain: %v", err)
	}
	if len(chain) != 2 {
		t.Fatalf("got %d candidates, want 2", len(chain))
	}
	if chain[0].Model.UpstreamModelName != "gpt-4o" {
		t.Errorf("first candidate = %s, want gpt-4o (lowest priority)", chain[0].Model.UpstreamModelName)
	}
	if chain[1].Model.UpstreamModelName != "gpt-4o-mini" {
		t.Errorf("second candidate = %s, want gpt-4o-mini", chain[1].Model.UpstreamModelName)
	}
}

func TestMemoryStore_ResolveModelChainBreaksPriorityTiesByCreatedAt(t *testing.T) {
	s, providerID, _ := seeded(t)

	now := time.Now()
	older := uuid.New()
	newer := uuid.New()
	s.Models[older] = Model{ID: older, ProviderID: providerID, PublicName: "tied", UpstreamModelName: "tied-older", Priority: 1, IsActive: true, CreatedAt: now.Add(-time.Hour)}
	s.Models[newer] = Model{ID: newer, ProviderID: providerID, PublicName: "tied", UpstreamModelName: "tied-newer", Priority: 1, IsActive: true, CreatedAt: now}

	chain, err := s.ResolveModelChain(context.Background(), "tied")
	if err != nil {
		t.Fatalf("ResolveModelChain: %v", err)
	}
	if len(chain) != 2 {
		t.Fatalf("got %d candidates, want 2", len(chain))
	}
	if chain[0].Model.UpstreamModelName != "tied-older" {
		t.Errorf("first candidate = %s, want tied-older (earlier created_at breaks the priority tie)", chain[0].Model.UpstreamModelName)
	}
	if chain[1].Model.UpstreamModelName != "tied-newer" {
		t.Errorf("second candidate = %s, want tied-newer", chain[1].Model.UpstreamModelName)
	}
}

func TestMemoryStore_ResolveModelChainSkipsInactiveProvider(t *testing.T) {
	s, providerID, _ := seeded(t)
	p := s.Providers[providerID]
	p.IsActive = false
	s.Providers[providerID] = p

	chain, err := s.ResolveModelChain(context.Background(), "gpt-4")
	if err != nil {
		t.Fatalf("ResolveModelChain: %v", err)
	}
	if len(chain) != 0 {
		t.Fatalf("got %d candidates, want 0 with provider inactive", len(chain))
	}
}

func TestMemoryStore_ResolveModelChainCapsAtFive(t *testing.T) {
	s, providerID, _ := seeded(t)
	for i := 0; i < 10; i++ {
		id := uuid.New()
		s.Models[id] = Model{ID: id, ProviderID: providerID, PublicName: "gpt-4", UpstreamModelName: "extra", Priority: 100 + i, IsActive: true}
	}

	chain, err := s.ResolveModelChain(context.Background(), "gpt-4")
	if err != nil {
		t.Fatalf("ResolveModelChain: %v", err)
	}
	if len(chain) != 5 {
		t.Fatalf("got %d candidates, want capped at 5", len(chain))
	}
}

func TestMemoryStore_ActiveOAuthAccountsOrderedByLRU(t *testing.T) {
	s, providerID, _ := seeded(t)

	older := uuid.New()
	newer := uuid.New()
	now := time.Now()
	s.OAuthAccounts[newer] = OAuthAccount{ID: newer, ProviderID: providerID, IsActive: true, LastUsedAt: now}
	s.OAuthAccounts[older] = OAuthAccount{ID: older, ProviderID: providerID, IsActive: true, LastUsedAt: now.Add(-time.Hour)}

	accounts, err := s.ActiveOAuthAccounts(context.Background(), providerID)
	if err != nil {
		t.Fatalf("ActiveOAuthAccounts: %v", err)
	}
	if len(accounts) != 2 {
		t.Fatalf("got %d accounts, want 2", len(accounts))
	}
	if accounts[0].ID != older {
		t.Errorf("first account = %v, want least-recently-used account %v", accounts[0].ID, older)
	}
}

func TestMemoryStore_UpdateOAuthTokensAndHealth(t *testing.T) {
	s, providerID, _ := seeded(t)
	acctID := uuid.New()
	s.OAuthAccounts[acctID] = OAuthAccount{ID: acctID, ProviderID: providerID, IsActive: true, HealthScore: 70}

	expires := time.Now().Add(time.Hour)
	if err := s.UpdateOAuthTokens(context.Background(), acctID, "new-access", "new-refresh", expires); err != nil {
		t.Fatalf("UpdateOAuthTokens: %v", err)
	}
	if err := s.UpdateOAuthHealth(context.Background(), acctID, 85); err != nil {
		t.Fatalf("UpdateOAuthHealth: %v", err)
	}
	if err := s.TouchOAuthAccount(context.Background(), acctID, expires); err != nil {
		t.Fatalf("TouchOAuthAccount: %v", err)
	}

	got := s.OAuthAccounts[acctID]
	if got.EncryptedAccessToken != "new-access" || got.EncryptedRefreshToken != "new-refresh" {
		t.Errorf("tokens not updated: %+v", got)
	}
	if got.HealthScore != 85 {
		t.Errorf("health score = %d, want 85", got.HealthScore)
	}
	if !got.LastUsedAt.Equal(expires) {
		t.Errorf("last used at not touched")
	}
}

func TestMemoryStore_UpdateUnknownAccountReturnsNotFound(t *testing.T) {
	s := NewMemoryStore()
	if err := s.UpdateOAuthTokens(context.Background(), uuid.New(), "a", "b", time.Now()); err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_FindAPIKeyByHash(t *testing.T) {
	s := NewMemoryStore()
	id := uuid.New()
	s.APIKeys[id] = APIKey{ID: id, KeyHash: "abc123", KeyPrefix: "sk-abc1...", IsActive: true}

	found, err := s.FindAPIKeyByHash(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("FindAPIKeyByHash: %v", err)
	}
	if found == nil || found.ID != id {
		t.Fatalf("expected to find key %v, got %+v", id, found)
	}

	missing, err := s.FindAPIKeyByHash(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatalf("FindAPIKeyByHash: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for unknown hash, got %+v", missing)
	}
}

func TestMemoryStore_InsertUsageLogAssignsID(t *testing.T) {
	s := NewMemoryStore()
	log := &UsageLog{InputTokens: 10, OutputTokens: 20, StatusCode: 200}
	if err := s.InsertUsageLog(context.Background(), log); err != nil {
		t.Fatalf("InsertUsageLog: %v", err)
	}
	if log.ID == uuid.Nil {
		t.Fatal("expected ID to be assigned")
	}
	if len(s.UsageLogs) != 1 {
		t.Fatalf("got %d logs, want 1", len(s.UsageLogs))
	}
}
