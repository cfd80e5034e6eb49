package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Store implementations when an update targets a
// row that does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the typed persistence boundary the request plane reads and
// writes through. All operations are atomic at the row level; nothing in
// the core request path requires a multi-row transaction.
type Store interface {
	// ActiveProviders lists all providers with is_active = true.
	ActiveProviders(ctx context.Context) ([]Provider, error)

	// ActiveModels lists all models with is_active = true.
	ActiveModels(ctx context.Context) ([]Model, error)

	// ResolveModelChain returns the fallback chain for publicName: active
	// model rows (joined with their active provider) ordered by ascending
	// priority, capped at 5 candidates.
	ResolveModelChain(ctx context.Context, publicName string) ([]ModelWithProvider, error)

	// ActiveOAuthAccounts lists active accounts for a provider ordered by
	// ascending last_used_at (least-recently-used first).
	ActiveOAuthAccounts(ctx context.Context, providerID uuid.UUID) ([]OAuthAccount, error)

	// UpdateOAuthTokens persists a refreshed token triple for an account.
	UpdateOAuthTokens(ctx context.Context, accountID uuid.UUID, encryptedAccess, encryptedRefresh string, expiresAt time.Time) error

	// TouchOAuthAccount updates last_used_at, used by the selector on
	// selection (fire-and-forget from the caller's perspective).
	TouchOAuthAccount(ctx context.Context, accountID uuid.UUID, at time.Time) error

	// UpdateOAuthHealth persists the live health score for an account.
	UpdateOAuthHealth(ctx context.Context, accountID uuid.UUID, score int) error

	// FindAPIKeyByHash looks up an APIKey by its SHA-256 hex digest.
	// Returns (nil, nil) if no row matches.
	FindAPIKeyByHash(ctx context.Context, keyHash string) (*APIKey, error)

	// InsertUsageLog writes a usage record, best-effort.
	InsertUsageLog(ctx context.Context, log *UsageLog) error
}
