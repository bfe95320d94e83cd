// Package proxy is the edge layer: an OpenAI-compatible HTTP surface over
// the cache, coalescer, rate limiters, and provider adapters.
//
// Request lifecycle: authenticate → per-minute bucket → canonicalize →
// monthly quota → cache lookup (exact, then semantic) → coalesce → upstream.
// Every terminal response carries X-WatchLLM-* headers describing how it was
// served, and emits one usage event off the hot path.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/watchllm/watchllm-proxy/internal/accounting"
	"github.com/watchllm/watchllm-proxy/internal/cachestore"
	"github.com/watchllm/watchllm-proxy/internal/canonical"
	"github.com/watchllm/watchllm-proxy/internal/coalesce"
	"github.com/watchllm/watchllm-proxy/internal/embedding"
	"github.com/watchllm/watchllm-proxy/internal/metrics"
	"github.com/watchllm/watchllm-proxy/internal/providers"
	"github.com/watchllm/watchllm-proxy/internal/ratelimit"
	"github.com/watchllm/watchllm-proxy/internal/registry"
	"github.com/watchllm/watchllm-proxy/internal/telemetry"
	"github.com/watchllm/watchllm-proxy/pkg/apierr"
)

// Options configures a Gateway. Registry, Providers, and Calculator are
// required; everything else is optional and degrades a capability when nil.
type Options struct {
	Logger        *slog.Logger
	Registry      registry.Registry
	Cache         cachestore.Store   // nil disables caching entirely
	Embedder      embedding.Embedder // nil disables semantic lookup
	Coalescer     *coalesce.Group
	MinuteLimiter *ratelimit.MinuteLimiter
	Quota         ratelimit.QuotaTracker // nil disables the monthly check
	Providers     map[string]providers.Provider
	Calculator    *accounting.Calculator
	Telemetry     *telemetry.Pipeline // nil disables usage events
	Analytics     telemetry.Analytics // nil disables /v1/analytics
	Metrics       *metrics.Registry   // nil disables metrics
	Exclusions    *ModelExclusions
	CORSOrigins   []string

	UnaryTimeout  time.Duration
	StreamTimeout time.Duration
	MaxBodyBytes  int
	Version       string
}

// Gateway is the proxy's HTTP edge.
type Gateway struct {
	log        *slog.Logger
	registry   registry.Registry
	cache      cachestore.Store
	embedder   embedding.Embedder
	group      *coalesce.Group
	minute     *ratelimit.MinuteLimiter
	quota      ratelimit.QuotaTracker
	providers  map[string]providers.Provider
	calc       *accounting.Calculator
	telemetry  *telemetry.Pipeline
	analytics  telemetry.Analytics
	metrics    *metrics.Registry
	exclusions *ModelExclusions

	corsOrigins   []string
	unaryTimeout  time.Duration
	streamTimeout time.Duration
	maxBodyBytes  int
	version       string

	prevDropped int64
}

// New builds a Gateway from Options.
func New(opts Options) (*Gateway, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("proxy: a registry is required")
	}
	if len(opts.Providers) == 0 {
		return nil, fmt.Errorf("proxy: at least one provider is required")
	}
	if opts.Calculator == nil {
		return nil, fmt.Errorf("proxy: a cost calculator is required")
	}

	g := &Gateway{
		log:        opts.Logger,
		registry:   opts.Registry,
		cache:      opts.Cache,
		embedder:   opts.Embedder,
		group:      opts.Coalescer,
		minute:     opts.MinuteLimiter,
		quota:      opts.Quota,
		providers:  opts.Providers,
		calc:       opts.Calculator,
		telemetry:  opts.Telemetry,
		analytics:  opts.Analytics,
		metrics:    opts.Metrics,
		exclusions: opts.Exclusions,

		corsOrigins:   opts.CORSOrigins,
		unaryTimeout:  opts.UnaryTimeout,
		streamTimeout: opts.StreamTimeout,
		maxBodyBytes:  opts.MaxBodyBytes,
		version:       opts.Version,
	}
	if g.log == nil {
		g.log = slog.Default()
	}
	if g.group == nil {
		g.group = coalesce.NewGroup()
	}
	if g.minute == nil {
		g.minute = ratelimit.NewMinuteLimiter()
	}
	if g.unaryTimeout <= 0 {
		g.unaryTimeout = providers.UnaryTimeout
	}
	if g.streamTimeout <= 0 {
		g.streamTimeout = providers.StreamTimeout
	}
	if g.maxBodyBytes <= 0 {
		g.maxBodyBytes = canonical.DefaultMaxBodyBytes
	}
	if g.version == "" {
		g.version = "dev"
	}
	return g, nil
}

// SetMetrics injects the metrics registry after construction.
func (g *Gateway) SetMetrics(m *metrics.Registry) { g.metrics = m }

// SetTelemetry injects the usage-event pipeline after construction.
func (g *Gateway) SetTelemetry(p *telemetry.Pipeline) { g.telemetry = p }

// SetAnalytics injects the analytics reader after construction.
func (g *Gateway) SetAnalytics(a telemetry.Analytics) { g.analytics = a }

// reqState accumulates per-request accounting across the dispatch paths.
// Exactly one goroutine touches it at a time: the handler, then (for
// streams) the body stream writer.
type reqState struct {
	start       time.Time
	route       string
	endpoint    string
	projectID   string
	provider    string
	model       string
	fingerprint string
	cacheState  telemetry.CacheState
	similarity  float64
	streamed    bool
	tokensIn    int
	tokensOut   int
	cost        accounting.Cost
	errorKind   string
	finalized   bool
}

func parseBearerToken(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// authenticate resolves the bearer token to a project and writes the error
// response itself on failure.
func (g *Gateway) authenticate(ctx *fasthttp.RequestCtx) *registry.Project {
	token := parseBearerToken(string(ctx.Request.Header.Peek("Authorization")))
	if token == "" {
		apierr.WriteKind(ctx, apierr.KindUnauthenticated, "missing bearer token", apierr.CodeInvalidAPIKey)
		return nil
	}

	project, err := g.registry.Lookup(ctx, token)
	if err != nil {
		if !errors.Is(err, registry.ErrUnknownToken) {
			g.log.WarnContext(ctx, "registry_error", slog.String("error", err.Error()))
		}
		apierr.WriteKind(ctx, apierr.KindUnauthenticated, "invalid API key", apierr.CodeInvalidAPIKey)
		return nil
	}
	if project.Suspended {
		apierr.WriteKind(ctx, apierr.KindForbidden, "project is suspended", apierr.CodeProjectSuspended)
		return nil
	}
	return project
}

// dispatchChat is the core handler for /v1/chat/completions and
// /v1/completions.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx, endpoint canonical.Endpoint, route string) {
	st := &reqState{
		start:      time.Now(),
		route:      route,
		endpoint:   string(endpoint),
		provider:   "unknown",
		cacheState: telemetry.CacheBypass,
	}
	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if st.streamed {
			return // finalized by the stream writer
		}
		g.finalize(ctx.Response.StatusCode(), st)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	// 1. Authenticate.
	project := g.authenticate(ctx)
	if project == nil {
		return
	}
	st.projectID = project.ID

	// 2. Per-minute bucket, before any normalization work.
	if allowed, retry := g.minute.Allow(project.ID, project.PerMinuteLimit); !allowed {
		if g.metrics != nil {
			g.metrics.RecordRateLimit("minute", "denied")
		}
		g.log.WarnContext(ctx, "rate_limit_exceeded",
			slog.String("request_id", reqID),
			slog.String("project_id", project.ID),
			slog.String("scope", "minute"),
		)
		apierr.WriteRateLimit(ctx, "per-minute rate limit exceeded", apierr.CodeRateLimitExceeded, retry.Seconds())
		return
	}
	if g.metrics != nil {
		g.metrics.RecordRateLimit("minute", "allowed")
	}

	// 3. Canonicalize.
	req, err := canonical.Parse(ctx.PostBody(), endpoint, g.maxBodyBytes)
	if err != nil {
		apierr.WriteKind(ctx, apierr.KindBadRequest, err.Error(), apierr.CodeInvalidRequest)
		return
	}

	providerName, cleanModel := providers.ResolveProvider(req.Model)
	req.Provider, req.Model = providerName, cleanModel
	st.provider, st.model = providerName, cleanModel

	prov, ok := g.providers[providerName]
	if !ok {
		apierr.WriteKind(ctx, apierr.KindUpstreamUnavailable,
			fmt.Sprintf("no %s provider configured", providerName), apierr.CodeProviderError)
		return
	}

	// 4. Monthly quota, after normalization for accurate attribution.
	if g.quota != nil {
		dec := g.quota.Consume(ctx, project.ID, project.MonthlyRequestLimit)
		if !dec.Allowed {
			if g.metrics != nil {
				g.metrics.RecordRateLimit("monthly", "denied")
			}
			g.log.WarnContext(ctx, "rate_limit_exceeded",
				slog.String("request_id", reqID),
				slog.String("project_id", project.ID),
				slog.String("scope", "monthly"),
			)
			apierr.WriteRateLimit(ctx, "monthly request quota exceeded", apierr.CodeQuotaExceeded, dec.RetryAfter.Seconds())
			return
		}
		if g.metrics != nil {
			g.metrics.RecordRateLimit("monthly", "allowed")
		}
	}

	st.fingerprint = req.Fingerprint()
	cred := project.Credential(providerName)

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("project_id", project.ID),
		slog.String("model", req.Model),
		slog.String("provider", providerName),
		slog.Bool("stream", req.Stream),
	)

	// 5. Cache eligibility. Non-deterministic sampling, excluded models, and
	// cache-disabled projects all bypass straight to the provider.
	cacheable := g.cache != nil && project.CacheEnabled &&
		req.CacheEligible() && !g.exclusions.Matches(req.Model)
	if !cacheable {
		if g.metrics != nil {
			g.metrics.CacheLookup("exact", "bypass")
		}
		g.serveUpstream(ctx, prov, req, project, cred, st)
		return
	}

	// 6. Exact lookup.
	if entry, ok := g.cache.LookupExact(ctx, project.ID, st.fingerprint); ok {
		if g.metrics != nil {
			g.metrics.CacheLookup("exact", "hit")
		}
		st.cacheState = telemetry.CacheHit
		st.similarity = 1
		g.cache.Touch(ctx, project.ID, st.fingerprint)
		g.serveEntry(ctx, req, entry, st)
		return
	}
	if g.metrics != nil {
		g.metrics.CacheLookup("exact", "miss")
	}

	// 7. Semantic lookup. Embedding failures downgrade to exact-only.
	var vec []float32
	if g.embedder != nil && req.SemanticEligible() {
		if v, ok := g.embedder.Embed(ctx, req.PromptHash(), req.PromptText()); ok {
			vec = v
			q := cachestore.SemanticQuery{
				ProjectID: project.ID,
				Endpoint:  string(req.Endpoint),
				Model:     req.Model,
				Vector:    v,
				Threshold: project.Threshold(),
			}
			if entry, score, ok := g.cache.LookupSemantic(ctx, q); ok {
				if g.metrics != nil {
					g.metrics.CacheLookup("semantic", "hit")
					g.metrics.ObserveSemanticHit(score)
				}
				st.cacheState = telemetry.CacheHitSemantic
				st.similarity = score
				g.cache.Touch(ctx, project.ID, entry.Fingerprint)
				g.serveEntry(ctx, req, entry, st)
				return
			}
			if g.metrics != nil {
				g.metrics.CacheLookup("semantic", "miss")
			}
		} else {
			g.log.DebugContext(ctx, "semantic_downgrade",
				slog.String("request_id", reqID),
				slog.String("fingerprint", st.fingerprint),
			)
		}
	}

	// 8. Coalesce identical concurrent misses.
	timeout := g.unaryTimeout
	if req.Stream {
		timeout = g.streamTimeout
	}
	flight, role := g.group.Join(ctx, project.ID+":"+st.fingerprint, timeout)
	switch role {
	case coalesce.Leader:
		if g.metrics != nil {
			g.metrics.RecordCoalesce("leader")
		}
		g.runLeader(ctx, flight, prov, req, project, cred, vec, st)
	case coalesce.Follower:
		if g.metrics != nil {
			g.metrics.RecordCoalesce("follower")
		}
		g.runFollower(ctx, flight, req, st)
	default: // Solo: the existing flight is presumed stuck
		if g.metrics != nil {
			g.metrics.RecordCoalesce("solo")
		}
		g.serveUpstream(ctx, prov, req, project, cred, st)
	}
}

// runLeader performs the upstream call on the flight's detached context,
// publishes the outcome to all waiters, and inserts the cache entry.
func (g *Gateway) runLeader(ctx *fasthttp.RequestCtx, flight *coalesce.Flight, prov providers.Provider,
	req *canonical.Request, project *registry.Project, cred string, vec []float32, st *reqState) {

	st.cacheState = telemetry.CacheMiss

	resp, err := prov.Complete(flight.Context(), req, cred)
	if err != nil {
		flight.Finish(&coalesce.Result{Err: err})
		flight.Leave()
		st.errorKind = writeUpstreamError(ctx, err)
		if g.metrics != nil {
			g.metrics.RecordUpstreamError(st.provider, st.errorKind)
		}
		g.log.ErrorContext(ctx, "upstream_error",
			slog.String("provider", st.provider),
			slog.String("model", req.Model),
			slog.String("error", err.Error()),
		)
		return
	}

	if req.Stream && resp.Stream != nil {
		g.leadStream(ctx, flight, req, project, resp, vec, st)
		return
	}

	estOut := g.calc.Counter().Count(req.Model, resp.Content)
	cost := g.calc.ForUpstream(st.provider, req.Model, resp.Usage, g.estimateIn(req), estOut)

	body, err := buildUnaryBody(req.Endpoint, responseID(resp.ID, st.fingerprint), req.Model,
		resp.Content, resp.FinishReason, resp.ToolCalls, cost.TokensIn, cost.TokensOut)
	if err != nil {
		flight.Finish(&coalesce.Result{Err: err})
		flight.Leave()
		apierr.WriteKind(ctx, apierr.KindInternal, "failed to serialize response", apierr.CodeInternalError)
		return
	}

	entry := g.buildEntry(req, project, vec, cachestore.KindUnary, body, nil, cost, st.fingerprint)
	flight.Finish(&coalesce.Result{Entry: entry})
	flight.Leave()

	if g.storable(req, resp.ToolCalls) {
		if err := g.cache.Insert(ctx, entry); err != nil {
			g.log.WarnContext(ctx, "cache_insert_error",
				slog.String("fingerprint", st.fingerprint),
				slog.String("error", err.Error()),
			)
		}
	}

	st.cost = cost
	st.tokensIn, st.tokensOut = cost.TokensIn, cost.TokensOut
	setResultHeaders(ctx, st)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// runFollower serves the leader's outcome. Unary followers block on the
// flight result; streaming followers attach to the fan-out hub.
func (g *Gateway) runFollower(ctx *fasthttp.RequestCtx, flight *coalesce.Flight, req *canonical.Request, st *reqState) {
	if !req.Stream {
		res, err := flight.Wait(ctx)
		flight.Leave()
		if err != nil {
			apierr.WriteTimeout(ctx)
			return
		}
		if res.Err != nil {
			st.errorKind = writeUpstreamError(ctx, res.Err)
			return
		}
		st.cacheState = telemetry.CacheCoalesced
		st.similarity = 1
		g.serveEntry(ctx, req, res.Entry, st)
		return
	}

	prefix, tail, cancelSub := flight.Hub().Subscribe()
	if len(prefix) == 0 {
		// Nothing streamed yet. Wait for the first chunk or the terminal
		// result before committing to an SSE response, so upstream errors
		// still map to proper statuses.
		select {
		case c, open := <-tail:
			if !open {
				cancelSub()
				g.followClosedFlight(ctx, flight, req, st)
				return
			}
			prefix = append(prefix, c)
		case <-ctx.Done():
			cancelSub()
			flight.Leave()
			apierr.WriteTimeout(ctx)
			return
		}
	}

	st.cacheState = telemetry.CacheCoalesced
	st.similarity = 1
	st.streamed = true
	setResultHeaders(ctx, st)
	streamFromHub(ctx, prefix, tail, flight.Hub().Err, func() {
		cancelSub()
		g.adoptFlightUsage(flight, st)
		flight.Leave()
		g.finalize(fasthttp.StatusOK, st)
	})
}

// followClosedFlight handles a streaming follower whose flight finished
// before publishing a single chunk: either the leader failed, or it ran a
// unary call for the same fingerprint.
func (g *Gateway) followClosedFlight(ctx *fasthttp.RequestCtx, flight *coalesce.Flight, req *canonical.Request, st *reqState) {
	res, err := flight.Wait(ctx)
	flight.Leave()
	if err != nil {
		apierr.WriteTimeout(ctx)
		return
	}
	if res.Err != nil {
		st.errorKind = writeUpstreamError(ctx, res.Err)
		return
	}
	st.cacheState = telemetry.CacheCoalesced
	st.similarity = 1
	g.serveEntry(ctx, req, res.Entry, st)
}

// adoptFlightUsage copies the finished flight's token and cost figures into
// the follower's accounting. Followers are billed as cache hits.
func (g *Gateway) adoptFlightUsage(flight *coalesce.Flight, st *reqState) {
	select {
	case <-flight.Done():
	default:
		return
	}
	res, err := flight.Wait(context.Background())
	if err != nil || res == nil {
		return
	}
	if res.Err != nil {
		st.errorKind = errorKindLabel(res.Err)
		return
	}
	e := res.Entry
	st.cost = g.calc.ForServed(st.provider, e.Model, e.TokensIn, e.TokensOut)
	st.tokensIn, st.tokensOut = e.TokensIn, e.TokensOut
}

// serveEntry writes a cached (or coalesced) entry in the shape the client
// asked for, synthesizing across the unary/stream boundary when needed.
func (g *Gateway) serveEntry(ctx *fasthttp.RequestCtx, req *canonical.Request, entry *cachestore.Entry, st *reqState) {
	st.cost = g.calc.ForServed(st.provider, entry.Model, entry.TokensIn, entry.TokensOut)
	st.tokensIn, st.tokensOut = entry.TokensIn, entry.TokensOut

	if !req.Stream {
		setResultHeaders(ctx, st)
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetContentType("application/json")
		ctx.SetBody(entry.Body)
		return
	}

	var chunks []cachestore.Chunk
	if entry.Kind == cachestore.KindStream && len(entry.Transcript) > 0 {
		chunks = entry.Transcript
		if g.metrics != nil {
			g.metrics.RecordStreamReplay("cache")
		}
	} else {
		content, finishReason, err := extractBodyContent(entry.Body)
		if err != nil {
			g.log.WarnContext(ctx, "replay_synthesis_error",
				slog.String("fingerprint", entry.Fingerprint),
				slog.String("error", err.Error()),
			)
			apierr.WriteKind(ctx, apierr.KindInternal, "cached entry is unreadable", apierr.CodeInternalError)
			return
		}
		id := responseID("", entry.Fingerprint)
		chunks = []cachestore.Chunk{
			{Data: buildChunkBody(req.Endpoint, id, entry.Model, content, finishReason)},
		}
		if g.metrics != nil {
			g.metrics.RecordStreamReplay("synthesized")
		}
	}

	st.streamed = true
	setResultHeaders(ctx, st)
	replayTranscript(ctx, chunks, func() {
		g.finalize(fasthttp.StatusOK, st)
	})
}

// serveUpstream calls the provider directly with no caching or coalescing:
// the bypass and solo paths.
func (g *Gateway) serveUpstream(ctx *fasthttp.RequestCtx, prov providers.Provider,
	req *canonical.Request, project *registry.Project, cred string, st *reqState) {

	if !req.Stream {
		upCtx, cancel := context.WithTimeout(ctx, g.unaryTimeout)
		defer cancel()

		resp, err := prov.Complete(upCtx, req, cred)
		if err != nil {
			st.errorKind = writeUpstreamError(ctx, err)
			if g.metrics != nil {
				g.metrics.RecordUpstreamError(st.provider, st.errorKind)
			}
			return
		}

		estOut := g.calc.Counter().Count(req.Model, resp.Content)
		cost := g.calc.ForUpstream(st.provider, req.Model, resp.Usage, g.estimateIn(req), estOut)
		body, err := buildUnaryBody(req.Endpoint, responseID(resp.ID, st.fingerprint), req.Model,
			resp.Content, resp.FinishReason, resp.ToolCalls, cost.TokensIn, cost.TokensOut)
		if err != nil {
			apierr.WriteKind(ctx, apierr.KindInternal, "failed to serialize response", apierr.CodeInternalError)
			return
		}

		st.cost = cost
		st.tokensIn, st.tokensOut = cost.TokensIn, cost.TokensOut
		setResultHeaders(ctx, st)
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetContentType("application/json")
		ctx.SetBody(body)
		return
	}

	// Streaming bypass: cancel must survive until the body writer drains,
	// so it travels with the writer instead of being deferred here.
	upCtx, cancel := context.WithTimeout(ctx, g.streamTimeout)
	resp, err := prov.Complete(upCtx, req, cred)
	if err != nil {
		cancel()
		st.errorKind = writeUpstreamError(ctx, err)
		if g.metrics != nil {
			g.metrics.RecordUpstreamError(st.provider, st.errorKind)
		}
		return
	}
	g.serveDirectStream(ctx, req, resp, st, cancel)
}

// estimateIn estimates input tokens from the canonical request's text.
func (g *Gateway) estimateIn(req *canonical.Request) int {
	switch req.Endpoint {
	case canonical.EndpointCompletions:
		return g.calc.EstimateRequest(req.Model, []string{req.Prompt})
	case canonical.EndpointEmbeddings:
		return g.calc.EstimateRequest(req.Model, []string{strings.Join(req.Input, "\n")})
	}
	contents := make([]string, len(req.Messages))
	for i, m := range req.Messages {
		contents[i] = m.Content
	}
	return g.calc.EstimateRequest(req.Model, contents)
}

// storable applies the tool-calling cache rule: requests carrying tool
// definitions cache only when tool_choice is "none" or the response invoked
// no tool.
func (g *Gateway) storable(req *canonical.Request, calls []providers.ToolCall) bool {
	return !req.ToolsRestricted() || len(calls) == 0
}

func (g *Gateway) buildEntry(req *canonical.Request, project *registry.Project, vec []float32,
	kind cachestore.ResponseKind, body []byte, transcript []cachestore.Chunk,
	cost accounting.Cost, fingerprint string) *cachestore.Entry {

	now := time.Now()
	return &cachestore.Entry{
		Fingerprint:     fingerprint,
		ProjectID:       project.ID,
		Endpoint:        string(req.Endpoint),
		Model:           req.Model,
		Embedding:       vec,
		StoredAt:        now,
		ExpiresAt:       now.Add(project.CacheTTL()),
		Kind:            kind,
		Body:            body,
		Transcript:      transcript,
		TokensIn:        cost.TokensIn,
		TokensOut:       cost.TokensOut,
		ProviderCostUSD: cost.ActualUSD,
	}
}

// setResultHeaders stamps the X-WatchLLM-* response headers. For streams the
// latency figure is time-to-first-byte.
func setResultHeaders(ctx *fasthttp.RequestCtx, st *reqState) {
	ctx.Response.Header.Set("X-WatchLLM-Cache", string(st.cacheState))
	switch st.cacheState {
	case telemetry.CacheHit, telemetry.CacheCoalesced:
		ctx.Response.Header.Set("X-WatchLLM-Similarity", "exact")
	case telemetry.CacheHitSemantic:
		ctx.Response.Header.Set("X-WatchLLM-Similarity", strconv.FormatFloat(st.similarity, 'f', 4, 64))
	}
	ctx.Response.Header.Set("X-WatchLLM-Latency-Ms",
		strconv.FormatInt(time.Since(st.start).Milliseconds(), 10))
	ctx.Response.Header.Set("X-WatchLLM-Cost-Usd",
		strconv.FormatFloat(st.cost.ActualUSD, 'f', 6, 64))
}

// finalize records metrics and the usage event exactly once per request.
func (g *Gateway) finalize(status int, st *reqState) {
	if st.finalized {
		return
	}
	st.finalized = true
	dur := time.Since(st.start)

	if g.metrics != nil {
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(st.route, status, dur)
		g.metrics.ObserveRequest(st.provider, st.endpoint, string(st.cacheState), dur)
		g.metrics.AddTokens(st.provider, string(st.cacheState), st.tokensIn, st.tokensOut)
		g.metrics.AddSavedUSD(st.provider, st.cost.SavedUSD)
		g.syncTelemetryDrops()
	}

	if g.telemetry == nil || st.projectID == "" {
		return
	}
	latency := dur.Milliseconds()
	if latency > int64(^uint32(0)) {
		latency = int64(^uint32(0))
	}
	g.telemetry.Record(telemetry.UsageEvent{
		ProjectID:        st.projectID,
		Endpoint:         st.endpoint,
		Provider:         st.provider,
		Model:            st.model,
		Fingerprint:      st.fingerprint,
		CacheState:       st.cacheState,
		SimilarityScore:  st.similarity,
		Streamed:         st.streamed,
		TokensIn:         uint32(st.tokensIn),
		TokensOut:        uint32(st.tokensOut),
		CostUSD:          st.cost.ActualUSD,
		PotentialCostUSD: st.cost.PotentialUSD,
		SavedUSD:         st.cost.SavedUSD,
		PriceStale:       st.cost.PriceStale,
		Status:           uint16(status),
		ErrorKind:        st.errorKind,
		LatencyMs:        uint32(latency),
	})
}

// syncTelemetryDrops mirrors newly observed pipeline drops into the counter.
func (g *Gateway) syncTelemetryDrops() {
	if g.telemetry == nil || g.metrics == nil {
		return
	}
	total := g.telemetry.Dropped()
	prev := atomic.SwapInt64(&g.prevDropped, total)
	if total > prev {
		g.metrics.RecordTelemetryDropped(float64(total - prev))
	}
}
