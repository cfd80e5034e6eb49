// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initStore    — Postgres-backed Store, crypto envelope, SSRF guard
//  2. initServices — rate limiter, health engine, OAuth refresher, selector, router
//  3. initGateway  — proxy + management routes
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/llm-gateway/internal/authn"
	"github.com/nulpointcorp/llm-gateway/internal/config"
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

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb *redis.Client

	st         store.Store
	envelope   *crypto.Envelope
	guard      *ssrf.Guard
	limiter    *ratelimit.Limiter
	healthEng  *health.Engine
	refresher  *oauth.Refresher
	sel        *selector.Selector
	router     *route.Router
	auth       *authn.Authenticator
	dispatcher *dispatch.Dispatcher

	reqLogger *logger.Logger
	prom      *metrics.Registry

	mgmt *proxy.ManagementRoutes
	gw   *proxy.Gateway

	closeMu sync.Mutex
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"store", a.initStore},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("env", a.cfg.Env),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.StartWithRoutes(addr, a.mgmt)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	a.closeMu.Lock()
	defer a.closeMu.Unlock()
	if a.limiter != nil {
		a.limiter.Close()
		a.limiter = nil
	}
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("logger close error", slog.String("error", err.Error()))
		}
		a.reqLogger = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error — callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}
