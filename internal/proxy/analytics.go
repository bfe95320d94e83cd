package proxy

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/watchllm/watchllm-proxy/pkg/apierr"
)

const (
	defaultSummaryWindow = 24 * time.Hour
	maxSummaryWindow     = 30 * 24 * time.Hour
)

// handleAnalyticsSummary serves aggregate usage for the caller's own
// project. The window query parameter is a Go duration (default 24h,
// capped at 30 days).
func (g *Gateway) handleAnalyticsSummary(ctx *fasthttp.RequestCtx) {
	project := g.authenticate(ctx)
	if project == nil {
		return
	}
	if g.analytics == nil {
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
			"analytics store is not configured", apierr.KindUpstreamUnavailable, apierr.CodeProviderError)
		return
	}

	window := defaultSummaryWindow
	if raw := string(ctx.QueryArgs().Peek("window")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			apierr.WriteKind(ctx, apierr.KindBadRequest,
				"query parameter 'window' must be a positive duration", apierr.CodeInvalidRequest)
			return
		}
		window = d
	}
	if window > maxSummaryWindow {
		window = maxSummaryWindow
	}

	sum, err := g.analytics.ProjectSummary(ctx, project.ID, time.Now().Add(-window))
	if err != nil {
		g.log.ErrorContext(ctx, "analytics_error",
			slog.String("project_id", project.ID),
			slog.String("error", err.Error()),
		)
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
			"analytics query failed", apierr.KindUpstreamUnavailable, apierr.CodeProviderError)
		return
	}
	writeJSON(ctx, sum)
}

// handleAnalyticsRequests lists the caller's most recent requests.
func (g *Gateway) handleAnalyticsRequests(ctx *fasthttp.RequestCtx) {
	project := g.authenticate(ctx)
	if project == nil {
		return
	}
	if g.analytics == nil {
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
			"analytics store is not configured", apierr.KindUpstreamUnavailable, apierr.CodeProviderError)
		return
	}

	limit := ctx.QueryArgs().GetUintOrZero("limit")
	rows, err := g.analytics.RecentRequests(ctx, project.ID, limit)
	if err != nil {
		g.log.ErrorContext(ctx, "analytics_error",
			slog.String("project_id", project.ID),
			slog.String("error", err.Error()),
		)
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
			"analytics query failed", apierr.KindUpstreamUnavailable, apierr.CodeProviderError)
		return
	}
	writeJSON(ctx, map[string]any{"data": rows})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
