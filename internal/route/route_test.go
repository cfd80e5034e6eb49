package route

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nulpointcorp/llm-gateway/internal/crypto"
	"github.com/nulpointcorp/llm-gateway/internal/health"
	"github.com/nulpointcorp/llm-gateway/internal/oauth"
	"github.com/nulpointcorp/llm-gateway/internal/selector"
	"github.com/nulpointcorp/llm-gateway/internal/ssrf"
	"github.com/nulpointcorp/llm-gateway/internal/store"
)

const testHexKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func newRouter(t *testing.T, s store.Store) *Router {
	t.Helper()
	env, err := crypto.NewEnvelope(testHexKey)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	guard := ssrf.NewGuard(false, false, nil)
	sel := selector.New(s, health.New())
	refresher := oauth.NewRefresher(env, s, oauth.GoogleClientConfig{}, oauth.OpenAIClientConfig{}, nil)
	return New(s, guard, env, sel, refresher)
}

func TestRouter_ModelNotFound(t *testing.T) {
	s := store.NewMemoryStore()
	r := newRouter(t, s)

	_, err := r.Resolve(t.Context(), "does-not-exist")
	if err != ErrModelNotFound {
		t.Fatalf("got %v, want ErrModelNotFound", err)
	}
}

func TestRouter_ResolvesBearerProvider(t *testing.T) {
	s := store.NewMemoryStore()
	r := newRouter(t, s)

	env, _ := crypto.NewEnvelope(testHexKey)
	sealed, _ := env.Encrypt("sk-upstream-secret")

	providerID := uuid.New()
	s.Providers[providerID] = store.Provider{
		ID: providerID, Type: store.ProviderTypeOpenAI, BaseURL: "https://api.openai.com",
		AuthType: store.AuthTypeBearer, EncryptedCredentials: sealed, IsActive: true,
	}
	modelID := uuid.New()
	s.Models[modelID] = store.Model{ID: modelID, ProviderID: providerID, PublicName: "gpt-4", UpstreamModelName: "gpt-4o", IsActive: true}

	resolved, err := r.Resolve(t.Context(), "gpt-4")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.Credentials != "sk-upstream-secret" {
		t.Errorf("Credentials = %q, want decrypted secret", resolved.Credentials)
	}
}

func TestRouter_SkipsSSRFRejectedCandidateThenUsesNext(t *testing.T) {
	s := store.NewMemoryStore()
	r := newRouter(t, s)

	env, _ := crypto.NewEnvelope(testHexKey)
	sealed, _ := env.Encrypt("sk-secret")

	badProvider := uuid.New()
	s.Providers[badProvider] = store.Provider{ID: badProvider, Type: store.ProviderTypeOpenAI, BaseURL: "https://127.0.0.1/", AuthType: store.AuthTypeBearer, EncryptedCredentials: sealed, IsActive: true}
	goodProvider := uuid.New()
	s.Providers[goodProvider] = store.Provider{ID: goodProvider, Type: store.ProviderTypeOpenAI, BaseURL: "https://api.openai.com", AuthType: store.AuthTypeBearer, EncryptedCredentials: sealed, IsActive: true}

	badModel := uuid.New()
	s.Models[badModel] = store.Model{ID: badModel, ProviderID: badProvider, PublicName: "gpt-4", UpstreamModelName: "x", Priority: 1, IsActive: true}
	goodModel := uuid.New()
	s.Models[goodModel] = store.Model{ID: goodModel, ProviderID: goodProvider, PublicName: "gpt-4", UpstreamModelName: "y", Priority: 2, IsActive: true}

	resolved, err := r.Resolve(t.Context(), "gpt-4")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.Provider.ID != goodProvider {
		t.Fatalf("expected to fall through to the good provider, got %v", resolved.Provider.ID)
	}
}

func TestRouter_AllCandidatesFailRaisesNoAvailableProvider(t *testing.T) {
	s := store.NewMemoryStore()
	r := newRouter(t, s)

	providerID := uuid.New()
	s.Providers[providerID] = store.Provider{ID: providerID, Type: store.ProviderTypeOpenAI, BaseURL: "https://127.0.0.1/", AuthType: store.AuthTypeBearer, IsActive: true}
	modelID := uuid.New()
	s.Models[modelID] = store.Model{ID: modelID, ProviderID: providerID, PublicName: "gpt-4", IsActive: true}

	_, err := r.Resolve(t.Context(), "gpt-4")
	if err != ErrNoAvailableProvider {
		t.Fatalf("got %v, want ErrNoAvailableProvider", err)
	}
}

func TestRouter_OAuthProviderResolvesAccessToken(t *testing.T) {
	s := store.NewMemoryStore()
	r := newRouter(t, s)
	env, _ := crypto.NewEnvelope(testHexKey)

	providerID := uuid.New()
	s.Providers[providerID] = store.Provider{ID: providerID, Type: store.ProviderTypeGoogle, BaseURL: "https://generativelanguage.googleapis.com", AuthType: store.AuthTypeOAuth, IsActive: true}
	modelID := uuid.New()
	s.Models[modelID] = store.Model{ID: modelID, ProviderID: providerID, PublicName: "gemini-pro", IsActive: true}

	sealedAccess, _ := env.Encrypt("live-access-token")
	sealedRefresh, _ := env.Encrypt("refresh-token")
	acctID := uuid.New()
	s.OAuthAccounts[acctID] = store.OAuthAccount{
		ID: acctID, ProviderID: providerID, IsActive: true,
		EncryptedAccessToken: sealedAccess, EncryptedRefreshToken: sealedRefresh,
		ExpiresAt: time.Now().Add(time.Hour), HealthScore: 70,
	}

	resolved, err := r.Resolve(t.Context(), "gemini-pro")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.OAuthAccessToken != "live-access-token" {
		t.Errorf("OAuthAccessToken = %q, want decrypted token", resolved.OAuthAccessToken)
	}
}

func TestRouter_OAuthProviderWithNoAccountsSkipped(t *testing.T) {
	s := store.NewMemoryStore()
	r := newRouter(t, s)

	providerID := uuid.New()
	s.Providers[providerID] = store.Provider{ID: providerID, Type: store.ProviderTypeGoogle, BaseURL: "https://generativelanguage.googleapis.com", AuthType: store.AuthTypeOAuth, IsActive: true}
	modelID := uuid.New()
	s.Models[modelID] = store.Model{ID: modelID, ProviderID: providerID, PublicName: "gemini-pro", IsActive: true}

	_, err := r.Resolve(t.Context(), "gemini-pro")
	if err != ErrNoAvailableProvider {
		t.Fatalf("got %v, want ErrNoAvailableProvider", err)
	}
}

// Verify an http server var is reachable for future dispatcher-level tests
// sharing this package's fixtures (keeps net/http/httptest imported and
// exercised alongside the router's pre-dispatch-only scope).
func TestRouter_PreDispatchNeverCallsUpstream(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := store.NewMemoryStore()
	env, _ := crypto.NewEnvelope(testHexKey)
	guard := ssrf.NewGuard(true, false, nil) // disabled: srv.URL is a loopback address
	sel := selector.New(s, health.New())
	refresher := oauth.NewRefresher(env, s, oauth.GoogleClientConfig{}, oauth.OpenAIClientConfig{}, nil)
	r := New(s, guard, env, sel, refresher)

	sealed, _ := env.Encrypt("sk-secret")

	providerID := uuid.New()
	s.Providers[providerID] = store.Provider{ID: providerID, Type: store.ProviderTypeCustom, BaseURL: srv.URL, AuthType: store.AuthTypeBearer, EncryptedCredentials: sealed, IsActive: true}
	modelID := uuid.New()
	s.Models[modelID] = store.Model{ID: modelID, ProviderID: providerID, PublicName: "m", IsActive: true}

	if _, err := r.Resolve(t.Context(), "m"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if called {
		t.Fatal("router must not dispatch to upstream during resolution")
	}
}
