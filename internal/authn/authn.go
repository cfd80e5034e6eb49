// Package authn extracts and validates the caller's API key.
package authn

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/nulpointcorp/llm-gateway/internal/store"
)

const bearerPrefix = "Bearer "

// ExtractBearer returns the trimmed token from an Authorization header value
// iff it starts with the exact-case prefix "Bearer ". Returns ("", false)
// otherwise.
func ExtractBearer(header string) (string, bool) {
	if !strings.HasPrefix(header, bearerPrefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(bearerPrefix):])
	if token == "" {
		return "", false
	}
	return token, true
}

// Authenticator validates raw API keys against the store.
type Authenticator struct {
	store store.Store
}

// New builds an Authenticator backed by s.
func New(s store.Store) *Authenticator {
	return &Authenticator{store: s}
}

// Validate hashes raw and looks it up by key_hash, returning the row iff it
// exists and is active. Returns (nil, nil) on any miss — callers map that to
// an invalid_api_key response.
func (a *Authenticator) Validate(ctx context.Context, raw string) (*store.APIKey, error) {
	hash := HashKey(raw)
	key, err := a.store.FindAPIKeyByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	if key == nil || !key.IsActive {
		return nil, nil
	}
	return key, nil
}

// HashKey returns the SHA-256 hex digest of a raw API key, the value stored
// as APIKey.KeyHash.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Prefix returns the displayable prefix persisted alongside a new key: the
// first 12 characters of raw followed by an ellipsis.
func Prefix(raw string) string {
	if len(raw) <= 12 {
		return raw + "..."
	}
	return raw[:12] + "..."
}
