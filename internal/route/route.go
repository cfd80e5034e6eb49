// Package route resolves a public model name to a concrete, dispatchable
// upstream candidate: a provider, the upstream model alias, and (for OAuth
// providers) a selected, freshly refreshed account.
package route

import (
	"context"
	"errors"
	"fmt"

	"github.com/nulpointcorp/llm-gateway/internal/crypto"
	"github.com/nulpointcorp/llm-gateway/internal/oauth"
	"github.com/nulpointcorp/llm-gateway/internal/selector"
	"github.com/nulpointcorp/llm-gateway/internal/ssrf"
	"github.com/nulpointcorp/llm-gateway/internal/store"
)

// ErrModelNotFound is raised when no active model row matches the public
// name requested.
var ErrModelNotFound = errors.New("route: model not found")

// ErrNoAvailableProvider is raised when every candidate in the fallback
// chain failed its pre-dispatch viability check.
var ErrNoAvailableProvider = errors.New("route: no available provider")

// ResolvedRoute exposes plaintext credentials to downstream components. It
// must never be persisted or logged.
type ResolvedRoute struct {
	Provider         store.Provider
	Model            store.Model
	Credentials      string // decrypted static credentials, when AuthType is bearer/header
	OAuthAccessToken string // decrypted access token, when AuthType is oauth
	OAuthAccountID   string
}

// Router resolves public model names into a ResolvedRoute.
type Router struct {
	store     store.Store
	guard     *ssrf.Guard
	envelope  *crypto.Envelope
	selector  *selector.Selector
	refresher *oauth.Refresher
}

// New builds a Router from its collaborating components.
func New(s store.Store, guard *ssrf.Guard, env *crypto.Envelope, sel *selector.Selector, refresher *oauth.Refresher) *Router {
	return &Router{store: s, guard: guard, envelope: env, selector: sel, refresher: refresher}
}

// Resolve walks the priority-ordered candidate chain for publicName,
// skipping any candidate that fails a pre-dispatch viability check, and
// returns the first viable one.
func (r *Router) Resolve(ctx context.Context, publicName string) (ResolvedRoute, error) {
	chain, err := r.store.ResolveModelChain(ctx, publicName)
	if err != nil {
		return ResolvedRoute{}, fmt.Errorf("route: load candidates: %w", err)
	}
	if len(chain) == 0 {
		return ResolvedRoute{}, ErrModelNotFound
	}

	for _, candidate := range chain {
		resolved, ok := r.tryCandidate(ctx, candidate)
		if ok {
			return resolved, nil
		}
	}

	return ResolvedRoute{}, ErrNoAvailableProvider
}

func (r *Router) tryCandidate(ctx context.Context, candidate store.ModelWithProvider) (ResolvedRoute, bool) {
	provider := candidate.Provider

	if result := r.guard.Check(provider.BaseURL); !result.Valid {
		return ResolvedRoute{}, false
	}

	route := ResolvedRoute{Provider: provider, Model: candidate.Model}

	switch provider.AuthType {
	case store.AuthTypeBearer, store.AuthTypeHeader:
		if provider.EncryptedCredentials == "" {
			return ResolvedRoute{}, false
		}
		plain, err := r.envelope.Decrypt(provider.EncryptedCredentials)
		if err != nil {
			return ResolvedRoute{}, false
		}
		route.Credentials = plain

	case store.AuthTypeOAuth:
		accountID, found, _, err := r.selector.Select(ctx, provider.ID)
		if err != nil || !found {
			return ResolvedRoute{}, false
		}

		accounts, err := r.store.ActiveOAuthAccounts(ctx, provider.ID)
		if err != nil {
			return ResolvedRoute{}, false
		}
		var account store.OAuthAccount
		var located bool
		for _, a := range accounts {
			if a.ID == accountID {
				account, located = a, true
				break
			}
		}
		if !located {
			return ResolvedRoute{}, false
		}

		refreshed, err := r.refresher.RefreshIfExpired(ctx, account, provider.Type)
		if err != nil {
			return ResolvedRoute{}, false
		}

		accessToken, err := r.envelope.Decrypt(refreshed.EncryptedAccessToken)
		if err != nil {
			return ResolvedRoute{}, false
		}
		route.OAuthAccessToken = accessToken
		route.OAuthAccountID = refreshed.ID.String()

	case store.AuthTypeNone:
		// No credential material required.

	default:
		return ResolvedRoute{}, false
	}

	return route, true
}
