// Package store defines the typed relational entities of the gateway and
// the Store interface the rest of the request plane reads and writes
// through. The GORM-backed implementation lives in gorm.go.
package store

import (
	"time"

	"github.com/google/uuid"
)

// ProviderType enumerates the upstream wire shapes a Provider speaks.
type ProviderType string

const (
	ProviderTypeOpenAI    ProviderType = "openai"
	ProviderTypeGoogle    ProviderType = "google"
	ProviderTypeAnthropic ProviderType = "anthropic"
	ProviderTypeOAuth     ProviderType = "oauth"
	ProviderTypeCustom    ProviderType = "custom"
)

// AuthType enumerates how a Provider authenticates outbound calls.
type AuthType string

const (
	AuthTypeBearer AuthType = "bearer"
	AuthTypeHeader AuthType = "header"
	AuthTypeOAuth  AuthType = "oauth"
	AuthTypeNone   AuthType = "none"
)

// Provider is an upstream endpoint the gateway can dispatch to.
type Provider struct {
	ID                    uuid.UUID    `gorm:"type:uuid;primaryKey" json:"id"`
	Name                  string       `gorm:"size:200;not null" json:"name"`
	Type                  ProviderType `gorm:"size:20;not null" json:"type"`
	BaseURL               string       `gorm:"size:500;not null" json:"base_url"`
	AuthType              AuthType     `gorm:"size:20;not null" json:"auth_type"`
	EncryptedCredentials  string       `gorm:"type:text" json:"-"`
	TimeoutMs             int          `gorm:"default:30000" json:"timeout_ms"`
	IsActive              bool         `gorm:"default:true;index" json:"is_active"`
	CreatedAt             time.Time    `json:"created_at"`

	Models        []Model        `gorm:"foreignKey:ProviderID;constraint:OnDelete:CASCADE" json:"-"`
	OAuthAccounts []OAuthAccount `gorm:"foreignKey:ProviderID;constraint:OnDelete:CASCADE" json:"-"`
}

// Model is a public alias pointing at a provider + upstream model identifier.
// Multiple rows may share a PublicName, forming a fallback chain ordered by
// ascending Priority (lower value preferred).
type Model struct {
	ID                 uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ProviderID         uuid.UUID `gorm:"type:uuid;not null;index:idx_model_public_name" json:"provider_id"`
	PublicName         string    `gorm:"size:200;not null;index:idx_model_public_name" json:"public_name"`
	UpstreamModelName  string    `gorm:"size:200;not null" json:"upstream_model_name"`
	SupportsStreaming  bool      `gorm:"default:true" json:"supports_streaming"`
	Priority           int       `gorm:"default:100" json:"priority"`
	IsActive           bool      `gorm:"default:true;index" json:"is_active"`
	CreatedAt          time.Time `json:"created_at"`

	Provider *Provider `gorm:"foreignKey:ProviderID" json:"provider,omitempty"`
}

// APIKey is a caller credential. The raw key is never stored — only its
// SHA-256 hex digest and a displayable prefix.
type APIKey struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	Label       string     `gorm:"size:200" json:"label"`
	KeyHash     string     `gorm:"size:64;not null;uniqueIndex" json:"-"`
	KeyPrefix   string     `gorm:"size:20;not null" json:"key_prefix"`
	RateLimit   int        `gorm:"default:60" json:"rate_limit"`
	QuotaLimit  *int64     `json:"quota_limit,omitempty"`
	IsActive    bool       `gorm:"default:true;index" json:"is_active"`
	CreatedAt   time.Time  `json:"created_at"`
}

// OAuthAccount is a bearer-token pool member belonging to exactly one
// Provider. HealthScore is the persisted seed; the live score lives in
// internal/health and is written back opportunistically.
type OAuthAccount struct {
	ID                     uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	ProviderID             uuid.UUID  `gorm:"type:uuid;not null;index:idx_oauth_provider_lru" json:"provider_id"`
	EncryptedAccessToken   string     `gorm:"type:text;not null" json:"-"`
	EncryptedRefreshToken  string     `gorm:"type:text;not null" json:"-"`
	ExpiresAt              time.Time  `json:"expires_at"`
	Email                  string     `gorm:"size:320" json:"email,omitempty"`
	HealthScore            int        `gorm:"default:70" json:"health_score"`
	LastUsedAt             time.Time  `gorm:"index:idx_oauth_provider_lru" json:"last_used_at"`
	IsActive               bool       `gorm:"default:true;index" json:"is_active"`
	CreatedAt              time.Time  `json:"created_at"`
}

// UsageLog is an append-only record of a single dispatched request. Foreign
// keys are nullable and go null when the referenced parent is deleted —
// logs are immortal.
type UsageLog struct {
	ID           uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	APIKeyID     *uuid.UUID `gorm:"type:uuid;index" json:"api_key_id,omitempty"`
	ProviderID   *uuid.UUID `gorm:"type:uuid;index" json:"provider_id,omitempty"`
	ModelID      *uuid.UUID `gorm:"type:uuid;index" json:"model_id,omitempty"`
	InputTokens  uint32     `json:"input_tokens"`
	OutputTokens uint32     `json:"output_tokens"`
	LatencyMs    uint32     `json:"latency_ms"`
	StatusCode   uint16     `json:"status_code"`
	CreatedAt    time.Time  `gorm:"index" json:"created_at"`
}

// ModelWithProvider is the join row returned by ResolveModelChain.
type ModelWithProvider struct {
	Model    Model
	Provider Provider
}
