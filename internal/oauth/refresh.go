// Package oauth refreshes expired OAuth access tokens per upstream provider
// type and persists the resulting secrets through the crypto envelope.
package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/crypto"
	"github.com/nulpointcorp/llm-gateway/internal/store"
)

// RefreshMargin is how far ahead of expiry a refresh is triggered.
const RefreshMargin = 5 * time.Minute

// ErrRefreshFailed is returned when the upstream OAuth endpoint rejects the
// refresh attempt (non-2xx response).
type ErrRefreshFailed struct {
	Provider string
	Status   int
}

func (e *ErrRefreshFailed) Error() string {
	return fmt.Sprintf("oauth: refresh failed for %s: upstream status %d", e.Provider, e.Status)
}

// GoogleClientConfig holds the client credentials used for Google and
// generic-oauth2 refresh calls.
type GoogleClientConfig struct {
	ClientID     string
	ClientSecret string
}

// OpenAIClientConfig holds the client ID used for OpenAI OAuth refresh.
type OpenAIClientConfig struct {
	ClientID string
}

const (
	defaultGoogleTokenURL = "https://oauth2.googleapis.com/token"
	defaultOpenAITokenURL = "https://auth.openai.com/oauth/token"
)

// Refresher refreshes expired OAuth accounts and persists the new secrets.
type Refresher struct {
	envelope *crypto.Envelope
	store    store.Store
	http     *http.Client
	google   GoogleClientConfig
	openai   OpenAIClientConfig
	now      func() time.Time

	googleTokenURL string
	openaiTokenURL string

	// Lock, when non-nil, serializes refreshes per account across
	// instances. A duplicate refresh must still produce a valid state even
	// without a lock — the lock is an optimization, not a correctness
	// requirement.
	Lock SingleFlightLock
}

// SingleFlightLock is an optional distributed lock used to avoid redundant
// concurrent refreshes of the same account across gateway instances.
type SingleFlightLock interface {
	// TryAcquire attempts to take the lock for key for the given TTL,
	// returning false if another holder already has it.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// NewRefresher builds a Refresher. lock may be nil, in which case refreshes
// are not serialized across instances.
func NewRefresher(env *crypto.Envelope, s store.Store, google GoogleClientConfig, openai OpenAIClientConfig, lock SingleFlightLock) *Refresher {
	return &Refresher{
		envelope:       env,
		store:          s,
		http:           &http.Client{Timeout: 15 * time.Second},
		google:         google,
		openai:         openai,
		now:            time.Now,
		Lock:           lock,
		googleTokenURL: defaultGoogleTokenURL,
		openaiTokenURL: defaultOpenAITokenURL,
	}
}

// SetGoogleTokenURLForTest overrides the Google token endpoint, used by
// tests to point at an httptest server instead of the real upstream.
func (r *Refresher) SetGoogleTokenURLForTest(url string) { r.googleTokenURL = url }

// SetOpenAITokenURLForTest overrides the OpenAI token endpoint, used by
// tests to point at an httptest server instead of the real upstream.
func (r *Refresher) SetOpenAITokenURLForTest(url string) { r.openaiTokenURL = url }

// RefreshIfExpired returns account unchanged if its access token still has
// more than RefreshMargin of life left. Otherwise it decrypts the refresh
// token, calls the provider-specific refresh endpoint, seals and persists
// the new token triple, and returns the updated row.
func (r *Refresher) RefreshIfExpired(ctx context.Context, account store.OAuthAccount, providerType store.ProviderType) (store.OAuthAccount, error) {
	if account.ExpiresAt.After(r.now().Add(RefreshMargin)) {
		return account, nil
	}

	lockKey := "oauth-refresh:" + account.ID.String()
	if r.Lock != nil {
		acquired, err := r.Lock.TryAcquire(ctx, lockKey, 10*time.Second)
		if err == nil && acquired {
			defer r.Lock.Release(ctx, lockKey)
		}
		// On lock error or lost race, proceed anyway — a duplicate refresh
		// must still produce a valid state.
	}

	refreshToken, err := r.envelope.Decrypt(account.EncryptedRefreshToken)
	if err != nil {
		return account, fmt.Errorf("oauth: decrypt refresh token: %w", err)
	}

	var result refreshResult
	switch providerType {
	case store.ProviderTypeGoogle, store.ProviderTypeOAuth:
		result, err = r.refreshGoogle(ctx, refreshToken)
	default:
		result, err = r.refreshOpenAI(ctx, refreshToken)
	}
	if err != nil {
		return account, err
	}

	sealedAccess, err := r.envelope.Encrypt(result.accessToken)
	if err != nil {
		return account, fmt.Errorf("oauth: seal access token: %w", err)
	}

	sealedRefresh := account.EncryptedRefreshToken
	if result.refreshToken != "" {
		sealedRefresh, err = r.envelope.Encrypt(result.refreshToken)
		if err != nil {
			return account, fmt.Errorf("oauth: seal refresh token: %w", err)
		}
	}

	expiresAt := r.now().Add(time.Duration(result.expiresIn) * time.Second)

	if err := r.store.UpdateOAuthTokens(ctx, account.ID, sealedAccess, sealedRefresh, expiresAt); err != nil {
		return account, fmt.Errorf("oauth: persist refreshed tokens: %w", err)
	}

	account.EncryptedAccessToken = sealedAccess
	account.EncryptedRefreshToken = sealedRefresh
	account.ExpiresAt = expiresAt
	return account, nil
}

type refreshResult struct {
	accessToken  string
	refreshToken string
	expiresIn    int64
}

// splitProjectSuffix splits a Google-variant refresh token of the form
// "<token>|<projectId>" into its parts. If no suffix is present, suffix is
// empty.
func splitProjectSuffix(refreshToken string) (token, suffix string) {
	if idx := strings.LastIndex(refreshToken, "|"); idx != -1 {
		return refreshToken[:idx], refreshToken[idx:]
	}
	return refreshToken, ""
}

func (r *Refresher) refreshGoogle(ctx context.Context, refreshToken string) (refreshResult, error) {
	token, suffix := splitProjectSuffix(refreshToken)

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", token)
	form.Set("client_id", r.google.ClientID)
	form.Set("client_secret", r.google.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.googleTokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return refreshResult{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.http.Do(req)
	if err != nil {
		return refreshResult{}, fmt.Errorf("oauth: google refresh request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return refreshResult{}, &ErrRefreshFailed{Provider: "google", Status: resp.StatusCode}
	}

	var body struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return refreshResult{}, fmt.Errorf("oauth: decode google refresh response: %w", err)
	}

	newRefresh := body.RefreshToken
	if newRefresh != "" {
		newRefresh += suffix
	}

	return refreshResult{accessToken: body.AccessToken, refreshToken: newRefresh, expiresIn: body.ExpiresIn}, nil
}

func (r *Refresher) refreshOpenAI(ctx context.Context, refreshToken string) (refreshResult, error) {
	payload, err := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
		"client_id":     r.openai.ClientID,
	})
	if err != nil {
		return refreshResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.openaiTokenURL, bytes.NewReader(payload))
	if err != nil {
		return refreshResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return refreshResult{}, fmt.Errorf("oauth: openai refresh request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return refreshResult{}, &ErrRefreshFailed{Provider: "openai", Status: resp.StatusCode}
	}

	var body struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return refreshResult{}, fmt.Errorf("oauth: decode openai refresh response: %w", err)
	}

	return refreshResult{accessToken: body.AccessToken, refreshToken: body.RefreshToken, expiresIn: body.ExpiresIn}, nil
}
