package proxy

import (
	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/watchllm/watchllm-proxy/internal/canonical"
)

// Handler builds the full request handler: routes plus the middleware chain.
// The caller owns the fasthttp.Server so shutdown stays in one place.
func (g *Gateway) Handler() fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/chat/completions", g.handleChatCompletions)
	r.POST("/v1/completions", g.handleCompletions)
	r.POST("/v1/embeddings", g.handleEmbeddings)

	r.GET("/v1/analytics/summary", g.handleAnalyticsSummary)
	r.GET("/v1/analytics/requests", g.handleAnalyticsRequests)

	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)

	if g.metrics != nil {
		r.GET("/metrics", g.metrics.Handler())
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	g.dispatchChat(ctx, canonical.EndpointChat, "chat_completions")
}

func (g *Gateway) handleCompletions(ctx *fasthttp.RequestCtx) {
	g.dispatchChat(ctx, canonical.EndpointCompletions, "completions")
}

func (g *Gateway) handleEmbeddings(ctx *fasthttp.RequestCtx) {
	g.dispatchEmbeddings(ctx)
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]string{"status": "ok", "version": g.version})
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]string{"status": "ok"})
}
