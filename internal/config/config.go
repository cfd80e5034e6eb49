// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment
// variables take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example DATABASE_URL becomes
// database_url in YAML.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Env is the deployment posture, "development" or "production". Production
	// enforces HTTPS in the SSRF guard and HTTPS-only cookies. Default: development.
	Env string

	// DatabaseURL is the Postgres DSN backing the Store.
	DatabaseURL string

	// EncryptionKey is the 64 hex-character AES-256 key used to seal
	// provider credentials and OAuth tokens at rest.
	EncryptionKey string

	// ClickHouseDSN is the usage-log sink. When empty, usage logs flush only
	// to the operational log stream.
	ClickHouseDSN string

	// OAuthRefreshLockRedisURL, when set, backs a short-lived distributed
	// lock the token refresher takes before refreshing an account's tokens.
	// When unset, refreshes are not serialized across instances.
	OAuthRefreshLockRedisURL string

	Google GoogleOAuthConfig
	OpenAI OpenAIOAuthConfig

	SSRF SSRFConfig

	RateLimit RateLimitConfig

	// AdminSessionTTLHours is the dashboard session lifetime. Recognized and
	// validated even though the dashboard itself is out of scope here.
	AdminSessionTTLHours int

	// BaseURL is used to construct OAuth redirect URLs.
	BaseURL string

	// AllowClientAPIKeys is loaded from ALLOW_CLIENT_API_KEYS (default false).
	// Nothing in the request path reads it: upstream requests always carry the
	// credentials configured in the Store, and client-supplied Authorization
	// headers are not forwarded.
	AllowClientAPIKeys bool
}

// GoogleOAuthConfig configures Google OAuth account onboarding/refresh.
// Entirely optional — a blank ClientID disables the Google OAuth flow.
type GoogleOAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string
}

// OpenAIOAuthConfig configures OpenAI OAuth account onboarding/refresh.
type OpenAIOAuthConfig struct {
	ClientID    string
	RedirectURI string
}

// SSRFConfig controls the upstream-URL validation guard.
type SSRFConfig struct {
	// AllowedHosts is a comma-separated host allowlist. Empty means the
	// guard's built-in private/loopback/link-local rejection applies with
	// no additional host restriction.
	AllowedHosts []string
	// Disabled bypasses all SSRF checks. Default: false.
	Disabled bool
}

// RateLimitConfig controls request-rate limiting.
type RateLimitConfig struct {
	// WindowMs is the fixed-window size in milliseconds. Default: 60000.
	WindowMs int64
	// MaxRequests is the default per-key ceiling within WindowMs. Default: 60.
	MaxRequests int
	// GlobalMax is the global ceiling within WindowMs, shared across all
	// keys. Default: 1000.
	GlobalMax int
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("NODE_ENV", "development")
	v.SetDefault("DISABLE_SSRF_PROTECTION", false)
	v.SetDefault("RATE_LIMIT_WINDOW_MS", 60000)
	v.SetDefault("RATE_LIMIT_MAX_REQUESTS", 60)
	v.SetDefault("GLOBAL_RATE_LIMIT_MAX", 1000)
	v.SetDefault("ADMIN_SESSION_TTL_HOURS", 168)
	v.SetDefault("BASE_URL", "http://localhost:4000")
	v.SetDefault("ALLOW_CLIENT_API_KEYS", false)

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),
		Env:      strings.ToLower(v.GetString("NODE_ENV")),

		DatabaseURL:   v.GetString("DATABASE_URL"),
		EncryptionKey: v.GetString("ENCRYPTION_KEY"),
		ClickHouseDSN: v.GetString("CLICKHOUSE_DSN"),

		OAuthRefreshLockRedisURL: v.GetString("OAUTH_REFRESH_LOCK_REDIS_URL"),

		Google: GoogleOAuthConfig{
			ClientID:     v.GetString("GOOGLE_CLIENT_ID"),
			ClientSecret: v.GetString("GOOGLE_CLIENT_SECRET"),
			RedirectURI:  v.GetString("GOOGLE_REDIRECT_URI"),
			Scopes:       splitCSV(v.GetString("GOOGLE_SCOPES")),
		},
		OpenAI: OpenAIOAuthConfig{
			ClientID:    v.GetString("OPENAI_CLIENT_ID"),
			RedirectURI: v.GetString("OPENAI_REDIRECT_URI"),
		},

		SSRF: SSRFConfig{
			AllowedHosts: splitCSV(v.GetString("ALLOWED_UPSTREAM_HOSTS")),
			Disabled:     v.GetBool("DISABLE_SSRF_PROTECTION"),
		},

		RateLimit: RateLimitConfig{
			WindowMs:    v.GetInt64("RATE_LIMIT_WINDOW_MS"),
			MaxRequests: v.GetInt("RATE_LIMIT_MAX_REQUESTS"),
			GlobalMax:   v.GetInt("GLOBAL_RATE_LIMIT_MAX"),
		},

		AdminSessionTTLHours: v.GetInt("ADMIN_SESSION_TTL_HOURS"),
		BaseURL:              v.GetString("BASE_URL"),

		AllowClientAPIKeys: v.GetBool("ALLOW_CLIENT_API_KEYS"),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}

	if len(c.EncryptionKey) != 64 {
		return fmt.Errorf("config: ENCRYPTION_KEY must be 64 hex characters, got %d", len(c.EncryptionKey))
	}
	if _, err := hex.DecodeString(c.EncryptionKey); err != nil {
		return fmt.Errorf("config: ENCRYPTION_KEY must be hex-encoded: %w", err)
	}

	switch c.Env {
	case "development", "production":
	default:
		return fmt.Errorf("config: invalid NODE_ENV %q; must be one of: development, production", c.Env)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.RateLimit.WindowMs <= 0 {
		return fmt.Errorf("config: RATE_LIMIT_WINDOW_MS must be positive, got %d", c.RateLimit.WindowMs)
	}
	if c.RateLimit.MaxRequests < 1 {
		return fmt.Errorf("config: RATE_LIMIT_MAX_REQUESTS must be ≥ 1, got %d", c.RateLimit.MaxRequests)
	}
	if c.RateLimit.GlobalMax < 1 {
		return fmt.Errorf("config: GLOBAL_RATE_LIMIT_MAX must be ≥ 1, got %d", c.RateLimit.GlobalMax)
	}
	if c.AdminSessionTTLHours < 1 {
		return fmt.Errorf("config: ADMIN_SESSION_TTL_HOURS must be ≥ 1, got %d", c.AdminSessionTTLHours)
	}

	// Google OAuth is all-or-nothing: a partial configuration is almost
	// certainly a typo'd env var rather than an intentional half-setup.
	if c.Google.ClientID != "" && (c.Google.ClientSecret == "" || c.Google.RedirectURI == "") {
		return fmt.Errorf("config: GOOGLE_CLIENT_ID set but GOOGLE_CLIENT_SECRET or GOOGLE_REDIRECT_URI missing")
	}
	if c.OpenAI.ClientID != "" && c.OpenAI.RedirectURI == "" {
		return fmt.Errorf("config: OPENAI_CLIENT_ID set but OPENAI_REDIRECT_URI missing")
	}

	return nil
}

// RateLimitWindow returns RateLimit.WindowMs as a time.Duration, for callers
// that operate in Go duration terms rather than raw milliseconds.
func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimit.WindowMs) * time.Millisecond
}

// splitCSV splits a comma-separated env var value into a trimmed,
// non-empty slice of entries. Returns nil for an empty input.
func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
