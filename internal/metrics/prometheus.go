// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_http_request_size_bytes{route}
	httpReqSize *prometheus.HistogramVec

	// gateway_http_response_size_bytes{route,status}
	httpRespSize *prometheus.HistogramVec

	// gateway_requests_total{provider, status}
	requestsTotal *prometheus.CounterVec

	// gateway_request_duration_seconds{provider,route}
	requestDuration *prometheus.HistogramVec

	// gateway_upstream_attempts_total{provider,route,outcome}
	upstreamAttempts *prometheus.CounterVec

	// gateway_upstream_attempt_duration_seconds{provider,route,outcome}
	upstreamDuration *prometheus.HistogramVec

	// provider_errors_total{provider, error_type}
	providerErrors *prometheus.CounterVec

	// gateway_ratelimit_total{scope,result}
	rateLimitTotal *prometheus.CounterVec

	// gateway_tokens_total{provider,route,direction}
	tokensTotal *prometheus.CounterVec

	// gateway_oauth_account_health{provider,account} — current [0,100] health score
	oauthAccountHealth *prometheus.GaugeVec

	// gateway_route_candidate_outcome_total{outcome} — pre-dispatch candidate walk
	// outcomes (resolved, ssrf_rejected, decrypt_failed, oauth_unavailable,
	// refresh_failed), recorded via RecordRouteCandidateOutcome. The router in
	// internal/route does not call it.
	routeCandidateOutcome *prometheus.CounterVec

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes upstream dispatch)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		httpReqSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_size_bytes",
				Help:    "HTTP request body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 12), // 256B .. ~512KB
			},
			[]string{"route"},
		),

		httpRespSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_response_size_bytes",
				Help:    "HTTP response body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 14), // 256B .. ~2MB
			},
			[]string{"route", "status"},
		),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Total number of proxy requests",
			},
			[]string{"provider", "status"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_request_duration_seconds",
				Help:    "End-to-end request duration (gateway perspective) in seconds",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"provider", "route"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_attempts_total",
				Help: "Total upstream provider dispatch attempts",
			},
			[]string{"provider", "route", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_upstream_attempt_duration_seconds",
				Help:    "Upstream provider attempt duration in seconds",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"provider", "route", "outcome"},
		),

		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_errors_total",
				Help: "Total provider errors by type",
			},
			[]string{"provider", "error_type"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ratelimit_total",
				Help: "Rate limit decisions by scope (key/global) and result",
			},
			[]string{"scope", "result"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"provider", "route", "direction"},
		),

		oauthAccountHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_oauth_account_health",
				Help: "Current [0,100] health score of an OAuth account",
			},
			[]string{"provider", "account"},
		),

		routeCandidateOutcome: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_route_candidate_outcome_total",
				Help: "Pre-dispatch route candidate walk outcomes",
			},
			[]string{"outcome"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.httpReqSize,
		r.httpRespSize,
		r.requestsTotal,
		r.requestDuration,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.providerErrors,
		r.rateLimitTotal,
		r.tokensTotal,
		r.oauthAccountHealth,
		r.routeCandidateOutcome,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) RecordRequest(provider string, statusCode int) {
	r.requestsTotal.WithLabelValues(provider, strconv.Itoa(statusCode)).Inc()
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration, reqBytes, respBytes int) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
	if reqBytes >= 0 {
		r.httpReqSize.WithLabelValues(route).Observe(float64(reqBytes))
	}
	if respBytes >= 0 {
		r.httpRespSize.WithLabelValues(route, status).Observe(float64(respBytes))
	}
}

// ObserveGatewayRequest records per-provider request latency.
func (r *Registry) ObserveGatewayRequest(provider, route string, dur time.Duration) {
	r.requestDuration.WithLabelValues(provider, route).Observe(dur.Seconds())
}

// ObserveUpstreamAttempt records one upstream provider dispatch attempt.
func (r *Registry) ObserveUpstreamAttempt(provider, route, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(provider, route, outcome).Inc()
	r.upstreamDuration.WithLabelValues(provider, route, outcome).Observe(dur.Seconds())
}

// RecordRateLimit records a rate-limit decision for a scope ("key" or
// "global") and result ("allowed" or "blocked").
func (r *Registry) RecordRateLimit(scope, result string) {
	r.rateLimitTotal.WithLabelValues(scope, result).Inc()
}

func (r *Registry) AddTokens(provider, route string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, route, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, route, "output").Add(float64(outputTokens))
	}
	if inputTokens+outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, route, "total").Add(float64(inputTokens + outputTokens))
	}
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) RecordError(provider, errType string) {
	r.providerErrors.WithLabelValues(provider, errType).Inc()
}

// SetOAuthAccountHealth records an account's current health score.
func (r *Registry) SetOAuthAccountHealth(provider, account string, score int) {
	r.oauthAccountHealth.WithLabelValues(provider, account).Set(float64(score))
}

// RecordRouteCandidateOutcome records one pre-dispatch candidate's fate.
func (r *Registry) RecordRouteCandidateOutcome(outcome string) {
	r.routeCandidateOutcome.WithLabelValues(outcome).Inc()
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}
func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
