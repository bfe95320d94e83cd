package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/watchllm/watchllm-proxy/internal/accounting"
	"github.com/watchllm/watchllm-proxy/internal/cachestore"
	"github.com/watchllm/watchllm-proxy/internal/config"
	"github.com/watchllm/watchllm-proxy/internal/embedding"
	"github.com/watchllm/watchllm-proxy/internal/metrics"
	"github.com/watchllm/watchllm-proxy/internal/pricing"
	"github.com/watchllm/watchllm-proxy/internal/proxy"
	"github.com/watchllm/watchllm-proxy/internal/ratelimit"
	"github.com/watchllm/watchllm-proxy/internal/registry"
	"github.com/watchllm/watchllm-proxy/internal/telemetry"
)

// memoryCacheCapacity bounds the in-process cache when CACHE_MODE=memory.
const memoryCacheCapacity = 4096

// initInfra establishes optional external connections. Redis is required only
// when the cache or registry depends on it; ClickHouse only when a DSN is set.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Redis.URL != "" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	if a.cfg.ClickHouse.DSN != "" {
		a.log.Info("connecting to clickhouse", slog.String("dsn", redactURL(a.cfg.ClickHouse.DSN)))

		sink, err := telemetry.NewClickHouseSink(ctx, a.cfg.ClickHouse.DSN)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		a.pipeline = telemetry.NewPipeline(a.baseCtx, sink, a.log)
		a.analytics = sink
		a.log.Info("clickhouse connected")
	} else {
		a.pipeline = telemetry.NewPipeline(a.baseCtx, telemetry.NewSlogSink(a.log), a.log)
		a.log.Info("usage events: structured log (no CLICKHOUSE_DSN)")
	}

	return nil
}

// initProviders builds the upstream adapter map. At least one provider must
// come out of it; projects carrying their own credentials still need the
// adapter to exist.
func (a *App) initProviders(ctx context.Context) error {
	provs, err := buildProviders(ctx, a.cfg, a.log)
	if err != nil {
		return err
	}
	if len(provs) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}
	a.provs = provs

	names := make([]string, 0, len(provs))
	for n := range provs {
		names = append(names, n)
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	return nil
}

// initServices creates the project registry, cache store, embedding client,
// quota tracker, cost calculator, and metrics registry.
func (a *App) initServices(_ context.Context) error {
	// ── Project registry ──────────────────────────────────────────────────────
	if a.rdb != nil {
		a.reg = registry.NewRedisRegistry(a.rdb)
		a.log.Info("project registry: redis")
	} else {
		a.reg = registry.NewStaticRegistry(staticProjects(a.cfg.Projects))
		a.log.Info("project registry: static", slog.Int("projects", len(a.cfg.Projects)))
	}

	// ── Cache store ───────────────────────────────────────────────────────────
	var kv cachestore.KV
	switch a.cfg.Cache.Mode {
	case "redis":
		kv = cachestore.NewRedisKV(a.rdb, a.log)
		a.log.Info("cache backend: redis")
	case "memory":
		kv = cachestore.NewMemoryKV(memoryCacheCapacity)
		a.log.Info("cache backend: memory (in-process)")
	case "none":
		a.log.Info("cache backend: disabled")
	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	var vec cachestore.VectorIndex
	if kv != nil {
		switch a.cfg.Cache.SemanticMode {
		case "qdrant":
			vec = cachestore.NewQdrantIndex(a.cfg.Cache.QdrantURL, a.cfg.Cache.QdrantCollection, a.cfg.Cache.QdrantAPIKey)
			a.log.Info("vector index: qdrant", slog.String("collection", a.cfg.Cache.QdrantCollection))
		case "memory":
			vec = cachestore.NewMemoryIndex()
			a.log.Info("vector index: memory (brute-force)")
		case "none":
			a.log.Info("vector index: disabled (exact match only)")
		}
	}

	if kv != nil {
		a.cache = cachestore.New(kv, vec, a.log)
	}

	// ── Embedding client (semantic lookups need both a vector index and this) ─
	if vec != nil && a.cfg.Embedding.APIKey != "" {
		a.embedder = embedding.NewClient(
			a.cfg.Embedding.APIKey, a.cfg.Embedding.BaseURL, a.log,
			embedding.WithModel(a.cfg.Embedding.Model),
			embedding.WithTimeout(a.cfg.Embedding.Timeout),
		)
	}

	// ── Monthly quota ─────────────────────────────────────────────────────────
	if a.rdb != nil {
		a.quota = ratelimit.NewRedisQuota(a.rdb, a.log)
	} else {
		a.quota = ratelimit.NewMemoryQuota()
	}

	// ── Cost accounting ───────────────────────────────────────────────────────
	a.calc = accounting.NewCalculator(pricing.NewTable(), accounting.NewCounter())

	// ── Metrics ───────────────────────────────────────────────────────────────
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	return nil
}

// initGateway wires the proxy edge and the fasthttp server.
func (a *App) initGateway(_ context.Context) error {
	exclusions, err := proxy.NewModelExclusions(a.cfg.Cache.Exclude)
	if err != nil {
		return fmt.Errorf("cache exclusions: %w", err)
	}
	if n := len(a.cfg.Cache.Exclude); n > 0 {
		a.log.Info("cache exclusions loaded", slog.Int("rules", n))
	}

	gw, err := proxy.New(proxy.Options{
		Logger:     a.log,
		Registry:   a.reg,
		Cache:      a.cache,
		Embedder:   a.embedder,
		Quota:      a.quota,
		Providers:  a.provs,
		Calculator: a.calc,
		Telemetry:  a.pipeline,
		Analytics:  a.analytics,
		Metrics:    a.prom,
		Exclusions: exclusions,

		CORSOrigins:   a.cfg.CORSOrigins,
		UnaryTimeout:  a.cfg.Timeouts.Unary,
		StreamTimeout: a.cfg.Timeouts.Stream,
		Version:       a.version,
	})
	if err != nil {
		return err
	}
	a.gw = gw

	a.srv = &fasthttp.Server{
		Handler:            gw.Handler(),
		Name:               "watchllm-proxy/" + a.version,
		ReadTimeout:        30 * time.Second,
		WriteTimeout:       a.cfg.Timeouts.Stream + 30*time.Second,
		MaxRequestBodySize: 4 << 20,
		StreamRequestBody:  false,
	}

	return nil
}

// staticProjects expands PROJECTS entries into full project records with
// plan-based defaults. The static path is single-tenant convenience; the
// control plane writes richer records into Redis.
func staticProjects(entries []config.StaticProjectConfig) map[string]*registry.Project {
	out := make(map[string]*registry.Project, len(entries))
	for _, e := range entries {
		p := &registry.Project{
			ID:           e.ProjectID,
			Plan:         registry.Plan(e.Plan),
			CacheEnabled: true,
		}
		switch p.Plan {
		case registry.PlanFree:
			p.MonthlyRequestLimit = 1_000
			p.PerMinuteLimit = 20
		case registry.PlanStarter:
			p.MonthlyRequestLimit = 100_000
			p.PerMinuteLimit = 120
		case registry.PlanPro:
			// Unlimited monthly; per-minute stays as a sanity bound.
			p.PerMinuteLimit = 600
		}
		out[e.Token] = p
	}
	return out
}
