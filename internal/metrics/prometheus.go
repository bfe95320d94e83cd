// Package metrics provides the proxy's Prometheus metrics registry.
//
// All metrics live on a private registry (not the global default) so they
// don't interfere with host-level metrics when the proxy is embedded in
// other applications. The /metrics HTTP handler is exposed via Handler().
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

	// proxy_inflight_requests
	inFlight prometheus.Gauge

	// proxy_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// proxy_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// proxy_requests_total{provider,endpoint,cache_state}
	requestsTotal *prometheus.CounterVec

	// proxy_request_duration_seconds{provider,endpoint,cache_state}
	requestDuration *prometheus.HistogramVec

	// proxy_cache_lookups_total{kind,result}
	cacheLookups *prometheus.CounterVec

	// proxy_semantic_similarity — score distribution of semantic hits
	semanticScore prometheus.Histogram

	// proxy_coalesced_total{role}
	coalesced *prometheus.CounterVec

	// proxy_stream_replays_total{source}
	streamReplays *prometheus.CounterVec

	// proxy_ratelimit_total{scope,result}
	rateLimitTotal *prometheus.CounterVec

	// proxy_upstream_errors_total{provider,kind}
	upstreamErrors *prometheus.CounterVec

	// proxy_tokens_total{provider,direction,cache_state}
	tokensTotal *prometheus.CounterVec

	// proxy_saved_usd_total{provider}
	savedUSD *prometheus.CounterVec

	// proxy_telemetry_dropped_total
	telemetryDropped prometheus.Counter

	// proxy_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

// New builds the registry with all metrics registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "proxy_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_http_requests_total",
				Help: "Total HTTP requests by route and status",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxy_http_request_duration_seconds",
				Help:    "End-to-end HTTP request duration in seconds",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_requests_total",
				Help: "Proxy requests by provider, endpoint, and cache outcome",
			},
			[]string{"provider", "endpoint", "cache_state"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxy_request_duration_seconds",
				Help:    "Request duration by provider, endpoint, and cache outcome",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "endpoint", "cache_state"},
		),

		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_cache_lookups_total",
				Help: "Cache lookups by kind (exact, semantic) and result",
			},
			[]string{"kind", "result"},
		),

		semanticScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "proxy_semantic_similarity",
			Help:    "Similarity scores of served semantic hits",
			Buckets: []float64{0.85, 0.88, 0.90, 0.92, 0.94, 0.96, 0.98, 0.99, 1.0},
		}),

		coalesced: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_coalesced_total",
				Help: "Coalescing outcomes by role (leader, follower, solo, promoted)",
			},
			[]string{"role"},
		),

		streamReplays: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_stream_replays_total",
				Help: "Streams served from a recorded transcript by source (cache, synthesized)",
			},
			[]string{"source"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_ratelimit_total",
				Help: "Rate limit decisions by scope (minute, monthly) and result",
			},
			[]string{"scope", "result"},
		),

		upstreamErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_upstream_errors_total",
				Help: "Upstream provider errors by classified kind",
			},
			[]string{"provider", "kind"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_tokens_total",
				Help: "Token usage by provider, direction, and cache outcome",
			},
			[]string{"provider", "direction", "cache_state"},
		),

		savedUSD: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_saved_usd_total",
				Help: "Cumulative USD saved by serving from cache",
			},
			[]string{"provider"},
		),

		telemetryDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxy_telemetry_dropped_total",
			Help: "Usage events dropped due to telemetry backpressure",
		}),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "proxy_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.requestsTotal,
		r.requestDuration,
		r.cacheLookups,
		r.semanticScore,
		r.coalesced,
		r.streamReplays,
		r.rateLimitTotal,
		r.upstreamErrors,
		r.tokensTotal,
		r.savedUSD,
		r.telemetryDropped,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// ObserveRequest records one completed proxy request.
func (r *Registry) ObserveRequest(provider, endpoint, cacheState string, dur time.Duration) {
	r.requestsTotal.WithLabelValues(provider, endpoint, cacheState).Inc()
	r.requestDuration.WithLabelValues(provider, endpoint, cacheState).Observe(dur.Seconds())
}

func (r *Registry) CacheLookup(kind, result string) {
	r.cacheLookups.WithLabelValues(kind, result).Inc()
}

// ObserveSemanticHit records the similarity score of a served semantic hit.
func (r *Registry) ObserveSemanticHit(score float64) {
	r.semanticScore.Observe(score)
}

func (r *Registry) RecordCoalesce(role string) {
	r.coalesced.WithLabelValues(role).Inc()
}

func (r *Registry) RecordStreamReplay(source string) {
	r.streamReplays.WithLabelValues(source).Inc()
}

func (r *Registry) RecordRateLimit(scope, result string) {
	r.rateLimitTotal.WithLabelValues(scope, result).Inc()
}

func (r *Registry) RecordUpstreamError(provider, kind string) {
	r.upstreamErrors.WithLabelValues(provider, kind).Inc()
}

func (r *Registry) AddTokens(provider, cacheState string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "input", cacheState).Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "output", cacheState).Add(float64(outputTokens))
	}
}

func (r *Registry) AddSavedUSD(provider string, usd float64) {
	if usd > 0 {
		r.savedUSD.WithLabelValues(provider).Add(usd)
	}
}

// RecordTelemetryDropped adds newly observed telemetry drops.
func (r *Registry) RecordTelemetryDropped(n float64) {
	if n > 0 {
		r.telemetryDropped.Add(n)
	}
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
