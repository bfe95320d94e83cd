// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra     — external connections (Redis, ClickHouse when configured)
//  2. initProviders — upstream LLM adapters
//  3. initServices  — cache, embedder, limiters, accounting, telemetry, metrics
//  4. initGateway   — proxy edge + fasthttp server
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"

	"github.com/watchllm/watchllm-proxy/internal/accounting"
	"github.com/watchllm/watchllm-proxy/internal/cachestore"
	"github.com/watchllm/watchllm-proxy/internal/config"
	"github.com/watchllm/watchllm-proxy/internal/embedding"
	"github.com/watchllm/watchllm-proxy/internal/metrics"
	"github.com/watchllm/watchllm-proxy/internal/providers"
	anthropicprov "github.com/watchllm/watchllm-proxy/internal/providers/anthropic"
	geminiprov "github.com/watchllm/watchllm-proxy/internal/providers/gemini"
	openaiprov "github.com/watchllm/watchllm-proxy/internal/providers/openai"
	openaicompatprov "github.com/watchllm/watchllm-proxy/internal/providers/openaicompat"
	"github.com/watchllm/watchllm-proxy/internal/proxy"
	"github.com/watchllm/watchllm-proxy/internal/ratelimit"
	"github.com/watchllm/watchllm-proxy/internal/registry"
	"github.com/watchllm/watchllm-proxy/internal/telemetry"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb *redis.Client

	reg      registry.Registry
	cache    cachestore.Store
	embedder embedding.Embedder
	quota    ratelimit.QuotaTracker
	calc     *accounting.Calculator

	pipeline  *telemetry.Pipeline
	analytics telemetry.Analytics

	prom *metrics.Registry

	provs map[string]providers.Provider
	gw    *proxy.Gateway
	srv   *fasthttp.Server
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
		{"infra", a.initInfra},
		{"providers", a.initProviders},
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

// Run starts the HTTP server and blocks until ctx is cancelled or the server
// fails. The server is shut down gracefully before returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting proxy",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("cache_mode", a.cfg.Cache.Mode),
		slog.String("semantic_mode", a.cfg.Cache.SemanticMode),
		slog.Int("providers", len(a.provs)),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.srv.ListenAndServe(addr)
	})

	g.Go(func() error {
		<-gctx.Done()
		if err := a.srv.Shutdown(); err != nil {
			a.log.Error("server shutdown error", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.pipeline != nil {
		if err := a.pipeline.Close(); err != nil {
			a.log.Error("telemetry close error", slog.String("error", err.Error()))
		}
		a.pipeline = nil
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

// buildProviders creates the provider map from non-empty API keys.
func buildProviders(ctx context.Context, cfg *config.Config, log *slog.Logger) (map[string]providers.Provider, error) {
	provs := make(map[string]providers.Provider)

	if cfg.OpenAI.APIKey != "" {
		var opts []openaiprov.Option
		if cfg.OpenAI.BaseURL != "" {
			opts = append(opts, openaiprov.WithBaseURL(cfg.OpenAI.BaseURL))
		}
		provs["openai"] = openaiprov.New(cfg.OpenAI.APIKey, opts...)
	}
	if cfg.Anthropic.APIKey != "" {
		var opts []anthropicprov.Option
		if cfg.Anthropic.BaseURL != "" {
			opts = append(opts, anthropicprov.WithBaseURL(cfg.Anthropic.BaseURL))
		}
		provs["anthropic"] = anthropicprov.New(cfg.Anthropic.APIKey, opts...)
	}
	if cfg.Gemini.APIKey != "" {
		var opts []geminiprov.Option
		if cfg.Gemini.BaseURL != "" {
			opts = append(opts, geminiprov.WithBaseURL(cfg.Gemini.BaseURL))
		}
		p, err := geminiprov.New(ctx, cfg.Gemini.APIKey, opts...)
		if err != nil {
			return nil, fmt.Errorf("gemini: %w", err)
		}
		provs["gemini"] = p
	}
	if cfg.Groq.APIKey != "" {
		baseURL := cfg.Groq.BaseURL
		if baseURL == "" {
			baseURL = "https://api.groq.com/openai/v1"
		}
		provs["groq"] = openaicompatprov.New("groq", cfg.Groq.APIKey, baseURL)
	}

	for _, c := range cfg.Compat {
		if c.APIKey == "" {
			log.Warn("compat provider has no API key, skipping", slog.String("name", c.Name))
			continue
		}
		provs[c.Name] = openaicompatprov.New(c.Name, c.APIKey, c.BaseURL)
	}

	return provs, nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
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
