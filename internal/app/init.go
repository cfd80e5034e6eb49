package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/authn"
	"github.com/nulpointcorp/llm-gateway/internal/crypto"
	"github.com/nulpointcorp/llm-gateway/internal/dispatch"
	"github.com/nulpointcorp/llm-gateway/internal/health"
	"github.com/nulpointcorp/llm-gateway/internal/logger"
	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/oauth"
	"github.com/nulpointcorp/llm-gateway/internal/proxy"
	"github.com/nulpointcorp/llm-gateway/internal/ratelimit"
	"github.com/nulpointcorp/llm-gateway/internal/route"
	"github.com/nulpointcorp/llm-gateway/internal/selector"
	"github.com/nulpointcorp/llm-gateway/internal/ssrf"
	"github.com/nulpointcorp/llm-gateway/internal/store"
)

// initStore opens the Postgres-backed Store, the credential-sealing envelope,
// and the SSRF guard. It also establishes the optional Redis connection
// backing the OAuth refresh lock.
func (a *App) initStore(ctx context.Context) error {
	st, err := store.Open(a.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.st = st

	env, err := crypto.NewEnvelope(a.cfg.EncryptionKey)
	if err != nil {
		return fmt.Errorf("crypto envelope: %w", err)
	}
	a.envelope = env

	a.guard = ssrf.NewGuard(a.cfg.SSRF.Disabled, a.cfg.Env == "production", a.cfg.SSRF.AllowedHosts)

	if a.cfg.OAuthRefreshLockRedisURL != "" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.OAuthRefreshLockRedisURL)))
		rdb, err := connectRedis(ctx, a.cfg.OAuthRefreshLockRedisURL)
		if err != nil {
			return fmt.Errorf("oauth lock redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initServices builds the rate limiter, health engine, OAuth refresher,
// account selector, router, authenticator, dispatcher, usage logger, and
// Prometheus registry.
func (a *App) initServices(ctx context.Context) error {
	a.limiter = ratelimit.New()
	a.healthEng = health.New()

	var lock oauth.SingleFlightLock
	if a.rdb != nil {
		lock = oauth.NewRedisLock(a.rdb)
	}

	a.refresher = oauth.NewRefresher(
		a.envelope,
		a.st,
		oauth.GoogleClientConfig{ClientID: a.cfg.Google.ClientID, ClientSecret: a.cfg.Google.ClientSecret},
		oauth.OpenAIClientConfig{ClientID: a.cfg.OpenAI.ClientID},
		lock,
	)

	a.sel = selector.New(a.st, a.healthEng)
	a.router = route.New(a.st, a.guard, a.envelope, a.sel, a.refresher)
	a.auth = authn.New(a.st)
	a.dispatcher = dispatch.New(&http.Client{Timeout: 120 * time.Second}, a.healthEng, a.st)

	reqLogger, err := logger.New(ctx, a.log, a.cfg.ClickHouseDSN)
	if err != nil {
		return fmt.Errorf("usage logger: %w", err)
	}
	a.reqLogger = reqLogger

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	opts := proxy.GatewayOptions{
		Store:      a.st,
		Auth:       a.auth,
		Limiter:    a.limiter,
		Router:     a.router,
		Dispatcher: a.dispatcher,
		RateLimit: proxy.RateLimitConfig{
			WindowMs:      a.cfg.RateLimit.WindowMs,
			GlobalMax:     a.cfg.RateLimit.GlobalMax,
			DefaultKeyMax: a.cfg.RateLimit.MaxRequests,
		},
		Logger:     a.log,
		Metrics:    a.prom,
		ReqLogger:  a.reqLogger,
		Production: a.cfg.Env == "production",
	}

	a.gw = proxy.NewGateway(opts)

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
