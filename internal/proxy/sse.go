package proxy

import (
	"bufio"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/watchllm/watchllm-proxy/internal/cachestore"
)

// Replay delay clamps. Recorded inter-chunk delays are honored only within
// this band: the floor avoids a tight write loop, the ceiling keeps replays
// of slow upstreams from being slow themselves. The goal is streaming feel,
// not bit-perfect timing reproduction.
const (
	replayDelayMin = time.Millisecond
	replayDelayMax = 50 * time.Millisecond
)

func clampReplayDelay(ms int64) time.Duration {
	d := time.Duration(ms) * time.Millisecond
	if d < replayDelayMin {
		return replayDelayMin
	}
	if d > replayDelayMax {
		return replayDelayMax
	}
	return d
}

func setSSEHeaders(ctx *fasthttp.RequestCtx) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)
}

// writeEvent frames one SSE data event and flushes it. A flush error means
// the client is gone.
func writeEvent(w *bufio.Writer, data []byte) error {
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return w.Flush()
}

func writeDone(w *bufio.Writer) {
	fmt.Fprint(w, "data: [DONE]\n\n")
	w.Flush() //nolint:errcheck
}

// replayTranscript serves a recorded transcript as a live-looking SSE stream.
// onDone runs after the stream drains or the client disconnects.
func replayTranscript(ctx *fasthttp.RequestCtx, chunks []cachestore.Chunk, onDone func()) {
	setSSEHeaders(ctx)
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // stream writer panic guard
		if onDone != nil {
			defer onDone()
		}

		for i, c := range chunks {
			if i > 0 {
				time.Sleep(clampReplayDelay(c.DelayMs))
			}
			if err := writeEvent(w, c.Data); err != nil {
				return
			}
		}
		writeDone(w)
	})
}

// streamFromHub serves a coalesced flight's stream: the buffered prefix
// first, then the live tail until the hub closes. A send error stops the
// stream without disturbing the flight. termErr is consulted after the tail
// drains; a non-nil result replaces the [DONE] terminator with an error
// event, so a mid-stream upstream failure is never dressed up as a clean
// end. onDone runs exactly once at the end.
func streamFromHub(ctx *fasthttp.RequestCtx, prefix []cachestore.Chunk, tail <-chan cachestore.Chunk,
	termErr func() error, onDone func()) {

	setSSEHeaders(ctx)
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // stream writer panic guard
		if onDone != nil {
			defer onDone()
		}

		for _, c := range prefix {
			if err := writeEvent(w, c.Data); err != nil {
				return
			}
		}
		for c := range tail {
			if err := writeEvent(w, c.Data); err != nil {
				return
			}
		}
		if termErr != nil {
			if err := termErr(); err != nil {
				writeEvent(w, streamErrorBody(err)) //nolint:errcheck
				return
			}
		}
		writeDone(w)
	})
}
