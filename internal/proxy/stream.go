package proxy

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/watchllm/watchllm-proxy/internal/cachestore"
	"github.com/watchllm/watchllm-proxy/internal/canonical"
	"github.com/watchllm/watchllm-proxy/internal/coalesce"
	"github.com/watchllm/watchllm-proxy/internal/providers"
	"github.com/watchllm/watchllm-proxy/internal/registry"
)

// errTruncatedStream marks an upstream stream that closed without a terminal
// finish_reason. Its partial transcript is never cached.
var errTruncatedStream = errors.New("upstream stream ended without finish_reason")

// cacheInsertTimeout bounds the post-stream cache write, which runs off any
// request context.
const cacheInsertTimeout = 5 * time.Second

// leadStream serves a streaming leader. The upstream pump runs in its own
// goroutine on the flight context so it survives this client's disconnect as
// long as any follower remains; the leader's own response is just another
// hub subscription.
func (g *Gateway) leadStream(ctx *fasthttp.RequestCtx, flight *coalesce.Flight, req *canonical.Request,
	project *registry.Project, resp *providers.Response, vec []float32, st *reqState) {

	prefix, tail, cancelSub := flight.Hub().Subscribe()
	go g.pumpStream(flight, req, project, resp, vec, st.fingerprint)

	st.streamed = true
	setResultHeaders(ctx, st)
	streamFromHub(ctx, prefix, tail, flight.Hub().Err, func() {
		cancelSub()
		g.adoptLeaderUsage(flight, st)
		flight.Leave()
		g.finalize(fasthttp.StatusOK, st)
	})
}

// pumpStream drains the upstream stream into the flight's hub, recording
// inter-chunk delays, and finishes the flight with either a cache entry or
// the terminal error. Partial transcripts are discarded.
func (g *Gateway) pumpStream(flight *coalesce.Flight, req *canonical.Request, project *registry.Project,
	resp *providers.Response, vec []float32, fingerprint string) {

	id := responseID(resp.ID, fingerprint)
	model := resp.Model
	if model == "" {
		model = req.Model
	}

	hub := flight.Hub()
	var content strings.Builder
	var streamErr error
	finish := ""
	prev := time.Now()

	for chunk := range resp.Stream {
		if chunk.Err != nil {
			streamErr = chunk.Err
			break
		}
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
		content.WriteString(chunk.Content)

		data := buildChunkBody(req.Endpoint, id, model, chunk.Content, chunk.FinishReason)
		now := time.Now()
		hub.Publish(cachestore.Chunk{DelayMs: now.Sub(prev).Milliseconds(), Data: data})
		prev = now
	}

	if streamErr != nil {
		g.log.Warn("stream_upstream_error",
			slog.String("provider", req.Provider),
			slog.String("model", req.Model),
			slog.String("fingerprint", fingerprint),
			slog.String("error", streamErr.Error()),
		)
		flight.Finish(&coalesce.Result{Err: streamErr})
		return
	}
	if err := flight.Context().Err(); err != nil {
		flight.Finish(&coalesce.Result{Err: err})
		return
	}
	if finish == "" {
		g.log.Warn("stream_truncated",
			slog.String("provider", req.Provider),
			slog.String("model", req.Model),
			slog.String("fingerprint", fingerprint),
		)
		flight.Finish(&coalesce.Result{Err: providers.NetworkError(req.Provider, errTruncatedStream)})
		return
	}

	estOut := g.calc.Counter().Count(req.Model, content.String())
	cost := g.calc.ForUpstream(req.Provider, req.Model, resp.Usage, g.estimateIn(req), estOut)

	body, err := buildUnaryBody(req.Endpoint, id, model, content.String(), finish, nil, cost.TokensIn, cost.TokensOut)
	if err != nil {
		flight.Finish(&coalesce.Result{Err: err})
		return
	}

	// Snapshot the transcript before Finish closes the hub.
	transcript := hub.Transcript()
	entry := g.buildEntry(req, project, vec, cachestore.KindStream, body, transcript, cost, fingerprint)
	flight.Finish(&coalesce.Result{Entry: entry})

	if g.storable(req, nil) {
		ictx, cancel := context.WithTimeout(context.Background(), cacheInsertTimeout)
		defer cancel()
		if err := g.cache.Insert(ictx, entry); err != nil {
			g.log.Warn("cache_insert_error",
				slog.String("fingerprint", fingerprint),
				slog.String("error", err.Error()),
			)
		}
	}
}

// adoptLeaderUsage copies the pump's final accounting into the leader's
// request state. The leader pays for the upstream call.
func (g *Gateway) adoptLeaderUsage(flight *coalesce.Flight, st *reqState) {
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
	st.tokensIn, st.tokensOut = e.TokensIn, e.TokensOut
	st.cost = g.calc.ForUpstream(st.provider, e.Model,
		providers.Usage{InputTokens: e.TokensIn, OutputTokens: e.TokensOut}, e.TokensIn, e.TokensOut)
}

// serveDirectStream streams an upstream response straight through: the solo
// and bypass paths, where nothing is recorded or shared.
func (g *Gateway) serveDirectStream(ctx *fasthttp.RequestCtx, req *canonical.Request,
	resp *providers.Response, st *reqState, cancel context.CancelFunc) {

	id := responseID(resp.ID, st.fingerprint)
	model := resp.Model
	if model == "" {
		model = req.Model
	}

	st.streamed = true
	setResultHeaders(ctx, st)
	setSSEHeaders(ctx)
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // stream writer panic guard
		defer cancel()

		var content strings.Builder
		var streamErr error
		for chunk := range resp.Stream {
			if chunk.Err != nil {
				streamErr = chunk.Err
				break
			}
			content.WriteString(chunk.Content)
			if err := writeEvent(w, buildChunkBody(req.Endpoint, id, model, chunk.Content, chunk.FinishReason)); err != nil {
				break
			}
		}
		if streamErr != nil {
			st.errorKind = errorKindLabel(streamErr)
			writeEvent(w, streamErrorBody(streamErr)) //nolint:errcheck
		} else {
			writeDone(w)
		}

		estOut := g.calc.Counter().Count(req.Model, content.String())
		st.cost = g.calc.ForUpstream(st.provider, req.Model, resp.Usage, g.estimateIn(req), estOut)
		st.tokensIn, st.tokensOut = st.cost.TokensIn, st.cost.TokensOut
		g.finalize(fasthttp.StatusOK, st)
	})
}
