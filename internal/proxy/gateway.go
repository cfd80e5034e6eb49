// Package proxy is the gateway's HTTP front end.
//
// The Gateway receives an incoming OpenAI-compatible request, authenticates
// the caller, applies rate limiting, resolves the target provider through
// the router's fallback chain, translates and dispatches the upstream
// request, and streams or normalizes the response back to the caller.
//
// Key design constraints:
//   - No blocking I/O on the hot path beyond the upstream call itself.
//   - Usage logging is asynchronous and never blocks the response.
//   - All I/O uses context.Context so timeouts propagate correctly.
//   - Streaming responses are pass-through (SSE); embeddings never stream.
package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/nulpointcorp/llm-gateway/internal/authn"
	"github.com/nulpointcorp/llm-gateway/internal/dispatch"
	"github.com/nulpointcorp/llm-gateway/internal/logger"
	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/normalize"
	"github.com/nulpointcorp/llm-gateway/internal/ratelimit"
	"github.com/nulpointcorp/llm-gateway/internal/route"
	"github.com/nulpointcorp/llm-gateway/internal/stream"
	"github.com/nulpointcorp/llm-gateway/internal/store"
	"github.com/nulpointcorp/llm-gateway/internal/translate"
	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

// RateLimitConfig carries the window/ceiling settings the gateway applies
// per incoming request. The per-key max falls back to DefaultKeyMax only
// when the caller's own APIKey row doesn't set one.
type RateLimitConfig struct {
	WindowMs      int64
	GlobalMax     int
	DefaultKeyMax int
}

// GatewayOptions holds the collaborating components a Gateway dispatches
// through. Auth, Router, and Dispatcher are required. A nil Logger falls back
// to slog.Default(), a nil Limiter skips rate limiting, and a nil Store skips
// usage-log inserts and the readiness probe (GET /v1/models still needs one).
// Metrics, ReqLogger, and CORSOrigins are optional.
type GatewayOptions struct {
	Store      store.Store
	Auth       *authn.Authenticator
	Limiter    *ratelimit.Limiter
	Router     *route.Router
	Dispatcher *dispatch.Dispatcher
	RateLimit  RateLimitConfig

	Logger     *slog.Logger
	Metrics    *metrics.Registry
	ReqLogger  *logger.Logger
	Production bool

	CORSOrigins []string
}

// Gateway is the main proxy — all dependencies are injected via the
// constructor so they can be replaced with fakes in unit tests.
type Gateway struct {
	store      store.Store
	auth       *authn.Authenticator
	limiter    *ratelimit.Limiter
	router     *route.Router
	dispatcher *dispatch.Dispatcher
	rateLimit  RateLimitConfig

	log        *slog.Logger
	metrics    *metrics.Registry
	reqLogger  *logger.Logger
	production bool

	corsOrigins []string
}

// NewGateway constructs a Gateway from opts.
func NewGateway(opts GatewayOptions) *Gateway {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		store:       opts.Store,
		auth:        opts.Auth,
		limiter:     opts.Limiter,
		router:      opts.Router,
		dispatcher:  opts.Dispatcher,
		rateLimit:   opts.RateLimit,
		log:         log,
		metrics:     opts.Metrics,
		reqLogger:   opts.ReqLogger,
		production:  opts.Production,
		corsOrigins: opts.CORSOrigins,
	}
}

// SetCORSOrigins configures the allowed CORS origins for the gateway.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

type inboundRequest struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

// dispatchProxy is the shared handler behind /v1/chat/completions,
// /v1/completions, and /v1/embeddings. forceNonStreaming is set for
// embeddings, which never streams regardless of the caller's "stream" field.
func (g *Gateway) dispatchProxy(ctx *fasthttp.RequestCtx, routeLabel, path string, forceNonStreaming bool) {
	start := time.Now()
	reqID, _ := ctx.UserValue("request_id").(string)
	reqBytes := len(ctx.PostBody())
	servedProvider := "unknown"
	streaming := false
	respBytes := -1

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		if streaming {
			return // finalized by writeSSE's completion callback
		}
		g.metrics.DecInFlight()
		status := ctx.Response.StatusCode()
		dur := time.Since(start)
		if respBytes < 0 {
			respBytes = len(ctx.Response.Body())
		}
		g.metrics.ObserveHTTP(routeLabel, status, dur, reqBytes, respBytes)
		g.metrics.RecordRequest(servedProvider, status)
		g.metrics.ObserveGatewayRequest(servedProvider, routeLabel, dur)
	}()

	// 1. Auth.
	keyRaw, ok := authn.ExtractBearer(string(ctx.Request.Header.Peek("Authorization")))
	if !ok {
		apierr.WriteInvalidAPIKey(ctx, "missing or malformed Authorization header")
		return
	}
	apiKey, err := g.auth.Validate(ctx, keyRaw)
	if err != nil {
		g.log.ErrorContext(ctx, "authn_error", slog.String("request_id", reqID), slog.String("error", err.Error()))
		apierr.WriteInternalError(ctx, err, g.production)
		return
	}
	if apiKey == nil {
		apierr.WriteInvalidAPIKey(ctx, "invalid API key")
		return
	}

	// 2 & 3. Global then per-key rate check.
	if g.limiter != nil {
		keyMax := apiKey.RateLimit
		if keyMax <= 0 {
			keyMax = g.rateLimit.DefaultKeyMax
		}
		result := g.limiter.CheckRequest(apiKey.ID.String(), keyMax, g.rateLimit.WindowMs, g.rateLimit.GlobalMax, g.rateLimit.WindowMs)
		if !result.Allowed {
			if g.metrics != nil {
				g.metrics.RecordRateLimit("key", "blocked")
			}
			apierr.WriteRateLimit(ctx)
			return
		}
		if g.metrics != nil {
			g.metrics.RecordRateLimit("key", "allowed")
		}
	}

	// 4. Parse JSON body.
	rawBody := ctx.PostBody()
	var req inboundRequest
	if len(rawBody) > 0 {
		if err := json.Unmarshal(rawBody, &req); err != nil {
			apierr.WriteBadRequest(ctx, fmt.Sprintf("invalid JSON: %s", err.Error()))
			return
		}
	}

	// 5. Require model.
	if req.Model == "" {
		apierr.WriteBadRequest(ctx, "field 'model' is required")
		return
	}

	wantStream := req.Stream && !forceNonStreaming

	// 6. Resolve route.
	resolved, err := g.router.Resolve(ctx, req.Model)
	if err != nil {
		switch {
		case errors.Is(err, route.ErrModelNotFound):
			apierr.WriteModelNotFound(ctx, fmt.Sprintf("model %q is not registered", req.Model))
		case errors.Is(err, route.ErrNoAvailableProvider):
			apierr.Write(ctx, fasthttp.StatusBadGateway, "no available provider for this model", apierr.TypeProviderError, apierr.CodeProviderError)
		default:
			apierr.WriteInternalError(ctx, err, g.production)
		}
		return
	}
	servedProvider = string(resolved.Provider.Type)

	// 7. Streaming requested but model doesn't support it → bad_request.
	if wantStream && !resolved.Model.SupportsStreaming {
		apierr.WriteBadRequest(ctx, fmt.Sprintf("model %q does not support streaming", req.Model))
		return
	}

	g.log.InfoContext(ctx, "proxy_request",
		slog.String("request_id", reqID),
		slog.String("model", req.Model),
		slog.String("provider", string(resolved.Provider.Type)),
		slog.Bool("stream", wantStream),
	)

	// 8. Translate.
	built, err := translate.Translate(ctx, resolved, path, rawBody, wantStream, reqID)
	if err != nil {
		apierr.WriteInternalError(ctx, err, g.production)
		return
	}

	// 9. Dispatch.
	upStart := time.Now()
	resp, err := g.dispatcher.Do(built, resolved.OAuthAccountID)
	if err != nil {
		built.Cancel()
		upDur := time.Since(upStart)
		outcome := classifyDispatchError(err)
		if g.metrics != nil {
			g.metrics.ObserveUpstreamAttempt(servedProvider, routeLabel, outcome, upDur)
			g.metrics.RecordError(servedProvider, outcome)
		}
		g.log.ErrorContext(ctx, "dispatch_error",
			slog.String("request_id", reqID),
			slog.String("provider", servedProvider),
			slog.String("error", err.Error()),
		)
		handleDispatchError(ctx, err, g.production)
		g.logUsage(reqID, nil, nil, servedProvider, req.Model, 0, 0, time.Since(start), ctx.Response.StatusCode())
		return
	}
	// A streaming body is read by the stream writer after this handler
	// returns, so in that case the completion callback cancels instead.
	defer func() {
		if !streaming {
			built.Cancel()
		}
	}()
	if g.metrics != nil {
		g.metrics.ObserveUpstreamAttempt(servedProvider, routeLabel, "success", time.Since(upStart))
	}

	providerID := resolved.Provider.ID
	modelID := resolved.Model.ID

	// 10. Stream-transform or normalize.
	if wantStream {
		streaming = true
		capturedStart := start
		capturedReqBytes := reqBytes
		capturedRoute := routeLabel
		capturedProvider := servedProvider
		capturedModel := resolved.Model.PublicName
		g.writeSSE(ctx, resolved.Provider.Type, resolved.Model.UpstreamModelName, resp, func(outputTokens int) {
			built.Cancel()
			g.logUsage(reqID, &providerID, &modelID, capturedProvider, capturedModel, 0, outputTokens, time.Since(capturedStart), fasthttp.StatusOK)
			if g.metrics != nil {
				dur := time.Since(capturedStart)
				g.metrics.ObserveHTTP(capturedRoute, fasthttp.StatusOK, dur, capturedReqBytes, -1)
				g.metrics.RecordRequest(capturedProvider, fasthttp.StatusOK)
				g.metrics.ObserveGatewayRequest(capturedProvider, capturedRoute, dur)
				g.metrics.AddTokens(capturedProvider, capturedRoute, 0, outputTokens)
				g.metrics.DecInFlight()
			}
		})
		return
	}

	defer resp.Body.Close()
	bodyBuf, err := io.ReadAll(resp.Body)
	if err != nil {
		apierr.WriteInternalError(ctx, err, g.production)
		return
	}

	completion, err := normalize.Normalize(resolved.Provider.Type, resolved.Model.PublicName, bodyBuf)
	if err != nil {
		apierr.WriteInternalError(ctx, err, g.production)
		return
	}
	out, err := json.Marshal(completion)
	if err != nil {
		apierr.WriteInternalError(ctx, err, g.production)
		return
	}

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(out)
	respBytes = len(out)

	g.logUsage(reqID, &providerID, &modelID, servedProvider, resolved.Model.PublicName, completion.Usage.PromptTokens, completion.Usage.CompletionTokens, time.Since(start), fasthttp.StatusOK)

	g.log.DebugContext(ctx, "proxy_response_ok",
		slog.String("request_id", reqID),
		slog.String("provider", servedProvider),
		slog.String("model", req.Model),
		slog.Int("input_tokens", completion.Usage.PromptTokens),
		slog.Int("output_tokens", completion.Usage.CompletionTokens),
		slog.Duration("elapsed", time.Since(start)),
	)
}

func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	g.dispatchProxy(ctx, "chat_completions", "/v1/chat/completions", false)
}

func (g *Gateway) handleCompletions(ctx *fasthttp.RequestCtx) {
	g.dispatchProxy(ctx, "completions", "/v1/completions", false)
}

func (g *Gateway) handleEmbeddings(ctx *fasthttp.RequestCtx) {
	g.dispatchProxy(ctx, "embeddings", "/v1/embeddings", true)
}

// modelListEntry is one row of GET /v1/models' "data" array.
type modelListEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// handleListModels serves GET /v1/models, a public (unauthenticated)
// listing of active models drawn live from the Store.
func (g *Gateway) handleListModels(ctx *fasthttp.RequestCtx) {
	models, err := g.store.ActiveModels(ctx)
	if err != nil {
		apierr.WriteInternalError(ctx, err, g.production)
		return
	}

	data := make([]modelListEntry, 0, len(models))
	for _, m := range models {
		data = append(data, modelListEntry{
			ID:      m.PublicName,
			Object:  "model",
			Created: m.CreatedAt.Unix(),
			OwnedBy: "gateway",
		})
	}

	body, _ := json.Marshal(map[string]any{"object": "list", "data": data})
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBody(body)
}

// logUsage enqueues a UsageLog entry to both the append-only Store (best
// effort, fire-and-forget) and the async request logger. Never blocks the
// hot path.
func (g *Gateway) logUsage(requestID string, providerID, modelID *uuid.UUID, providerName, modelName string, inputTokens, outputTokens int, latency time.Duration, status int) {
	latencyMs := latency.Milliseconds()
	var clampedLatency uint32 = 0xFFFFFFFF
	if latencyMs < int64(clampedLatency) {
		clampedLatency = uint32(latencyMs)
	}

	if g.store != nil {
		entry := &store.UsageLog{
			ID:           uuid.New(),
			ProviderID:   providerID,
			ModelID:      modelID,
			InputTokens:  uint32(inputTokens),
			OutputTokens: uint32(outputTokens),
			LatencyMs:    clampedLatency,
			StatusCode:   uint16(status),
			CreatedAt:    time.Now(),
		}
		go func() {
			if err := g.store.InsertUsageLog(context.Background(), entry); err != nil {
				g.log.Error("usage_log_insert_failed", slog.String("error", err.Error()))
			}
		}()
	}

	if g.reqLogger == nil {
		return
	}
	reqUUID, _ := uuid.Parse(requestID)
	latencyMs16 := uint16(latencyMs)
	if latencyMs > 65535 {
		latencyMs16 = 65535
	}
	g.reqLogger.Log(logger.RequestLog{
		ID:           reqUUID,
		Provider:     providerName,
		Model:        modelName,
		InputTokens:  uint32(inputTokens),
		OutputTokens: uint32(outputTokens),
		LatencyMs:    latencyMs16,
		Status:       uint16(status),
		CreatedAt:    time.Now(),
	})
}

// classifyDispatchError maps a dispatch-level error to a short metrics
// outcome label.
func classifyDispatchError(err error) string {
	var pe *dispatch.ProviderError
	switch {
	case errors.As(err, &pe):
		if pe.Status == fasthttp.StatusTooManyRequests {
			return "rate_limited"
		}
		return "provider_error"
	case errors.Is(err, dispatch.ErrTimeout):
		return "timeout"
	default:
		return "transport_error"
	}
}

// handleDispatchError maps a dispatch-level error to the HTTP response.
func handleDispatchError(ctx *fasthttp.RequestCtx, err error, production bool) {
	var pe *dispatch.ProviderError
	switch {
	case errors.As(err, &pe):
		apierr.WriteProviderError(ctx, pe.Status, pe.Body)
	case errors.Is(err, dispatch.ErrTimeout):
		apierr.WriteTimeout(ctx)
	default:
		apierr.WriteInternalError(ctx, err, production)
	}
}

// writeSSE reads translated upstream bytes from resp.Body, feeds them
// through the stream transformer, and streams the transformed frames to the
// caller as Server-Sent Events. onComplete is called once the stream drains
// with an output token count, enabling async logging: 0 for Google and
// Anthropic streams, otherwise an estimate of transformed output bytes / 4
// (at least 1).
func (g *Gateway) writeSSE(ctx *fasthttp.RequestCtx, kind store.ProviderType, model string, resp *http.Response, onComplete func(outputTokens int)) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	tr := stream.New(kind, model, nil)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer
		defer resp.Body.Close()

		charCount := 0
		buf := make([]byte, 4096)
		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				out := tr.Feed(buf[:n])
				charCount += len(out)
				w.Write(out) //nolint:errcheck
				w.Flush()    //nolint:errcheck
			}
			if readErr != nil {
				break
			}
		}
		final := tr.Flush()
		w.Write(final) //nolint:errcheck
		w.Flush()      //nolint:errcheck

		estimated := 0
		if kind != store.ProviderTypeGoogle && kind != store.ProviderTypeAnthropic {
			estimated = charCount / 4
			if estimated == 0 {
				estimated = 1
			}
		}
		if onComplete != nil {
			onComplete(estimated)
		}
	})
}
