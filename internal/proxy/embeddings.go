package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/watchllm/watchllm-proxy/internal/cachestore"
	"github.com/watchllm/watchllm-proxy/internal/canonical"
	"github.com/watchllm/watchllm-proxy/internal/providers"
	"github.com/watchllm/watchllm-proxy/internal/telemetry"
	"github.com/watchllm/watchllm-proxy/pkg/apierr"
)

// dispatchEmbeddings handles /v1/embeddings. Embedding responses are exact
// match only: identical inputs hit, similar inputs do not, and the calls are
// cheap enough that coalescing is not worth a flight.
func (g *Gateway) dispatchEmbeddings(ctx *fasthttp.RequestCtx) {
	st := &reqState{
		start:      time.Now(),
		route:      "embeddings",
		endpoint:   string(canonical.EndpointEmbeddings),
		provider:   "unknown",
		cacheState: telemetry.CacheBypass,
	}
	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		g.finalize(ctx.Response.StatusCode(), st)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	project := g.authenticate(ctx)
	if project == nil {
		return
	}
	st.projectID = project.ID

	if allowed, retry := g.minute.Allow(project.ID, project.PerMinuteLimit); !allowed {
		if g.metrics != nil {
			g.metrics.RecordRateLimit("minute", "denied")
		}
		apierr.WriteRateLimit(ctx, "per-minute rate limit exceeded", apierr.CodeRateLimitExceeded, retry.Seconds())
		return
	}
	if g.metrics != nil {
		g.metrics.RecordRateLimit("minute", "allowed")
	}

	req, err := canonical.Parse(ctx.PostBody(), canonical.EndpointEmbeddings, g.maxBodyBytes)
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
	embedder, ok := prov.(providers.EmbeddingProvider)
	if !ok {
		apierr.WriteKind(ctx, apierr.KindBadRequest,
			fmt.Sprintf("provider %s does not serve embeddings", providerName), apierr.CodeInvalidRequest)
		return
	}

	if g.quota != nil {
		dec := g.quota.Consume(ctx, project.ID, project.MonthlyRequestLimit)
		if !dec.Allowed {
			if g.metrics != nil {
				g.metrics.RecordRateLimit("monthly", "denied")
			}
			apierr.WriteRateLimit(ctx, "monthly request quota exceeded", apierr.CodeQuotaExceeded, dec.RetryAfter.Seconds())
			return
		}
		if g.metrics != nil {
			g.metrics.RecordRateLimit("monthly", "allowed")
		}
	}

	st.fingerprint = req.Fingerprint()
	cred := project.Credential(providerName)

	cacheable := g.cache != nil && project.CacheEnabled && !g.exclusions.Matches(req.Model)
	if cacheable {
		if entry, ok := g.cache.LookupExact(ctx, project.ID, st.fingerprint); ok {
			if g.metrics != nil {
				g.metrics.CacheLookup("exact", "hit")
			}
			st.cacheState = telemetry.CacheHit
			st.similarity = 1
			st.cost = g.calc.ForServed(st.provider, entry.Model, entry.TokensIn, entry.TokensOut)
			st.tokensIn = entry.TokensIn
			g.cache.Touch(ctx, project.ID, st.fingerprint)
			setResultHeaders(ctx, st)
			ctx.SetStatusCode(fasthttp.StatusOK)
			ctx.SetContentType("application/json")
			ctx.SetBody(entry.Body)
			return
		}
		if g.metrics != nil {
			g.metrics.CacheLookup("exact", "miss")
		}
		st.cacheState = telemetry.CacheMiss
	} else if g.metrics != nil {
		g.metrics.CacheLookup("exact", "bypass")
	}

	upCtx, cancel := context.WithTimeout(ctx, g.unaryTimeout)
	defer cancel()

	resp, err := embedder.Embed(upCtx, req, cred)
	if err != nil {
		st.errorKind = writeUpstreamError(ctx, err)
		if g.metrics != nil {
			g.metrics.RecordUpstreamError(st.provider, st.errorKind)
		}
		g.log.ErrorContext(ctx, "upstream_error",
			slog.String("request_id", reqID),
			slog.String("provider", providerName),
			slog.String("error", err.Error()),
		)
		return
	}

	model := resp.Model
	if model == "" {
		model = req.Model
	}
	out := outboundEmbeddingResponse{
		Object: "list",
		Data:   make([]outboundEmbeddingData, len(resp.Data)),
		Model:  model,
		Usage: outboundEmbeddingUsage{
			PromptTokens: resp.Usage.InputTokens,
			TotalTokens:  resp.Usage.InputTokens,
		},
	}
	for i, d := range resp.Data {
		out.Data[i] = outboundEmbeddingData{Object: "embedding", Index: d.Index, Embedding: d.Embedding}
	}

	body, err := json.Marshal(out)
	if err != nil {
		apierr.WriteKind(ctx, apierr.KindInternal, "failed to serialize response", apierr.CodeInternalError)
		return
	}

	cost := g.calc.ForUpstream(st.provider, req.Model, resp.Usage, g.estimateIn(req), 0)
	st.cost = cost
	st.tokensIn = cost.TokensIn

	if cacheable {
		entry := g.buildEntry(req, project, nil, cachestore.KindUnary, body, nil, cost, st.fingerprint)
		if err := g.cache.Insert(ctx, entry); err != nil {
			g.log.WarnContext(ctx, "cache_insert_error",
				slog.String("fingerprint", st.fingerprint),
				slog.String("error", err.Error()),
			)
		}
	}

	setResultHeaders(ctx, st)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}
