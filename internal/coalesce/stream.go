package coalesce

import (
	"sync"

	"github.com/watchllm/watchllm-proxy/internal/cachestore"
)

// subscriberBuffer is the per-follower chunk buffer. A follower that falls
// further behind than this is cut off rather than allowed to stall the
// leader's stream.
const subscriberBuffer = 256

// StreamHub fans one live chunk stream out to any number of followers.
// Followers that attach mid-stream first receive the buffered prefix, then
// the live tail, in order and without gaps.
type StreamHub struct {
	mu     sync.Mutex
	prefix []cachestore.Chunk
	subs   map[*subscriber]struct{}
	closed bool
	err    error
}

type subscriber struct {
	ch      chan cachestore.Chunk
	dropped bool
}

func newStreamHub() *StreamHub {
	return &StreamHub{subs: make(map[*subscriber]struct{})}
}

// Publish appends a chunk to the recorded prefix and delivers it to all
// attached followers. A follower whose buffer is full is dropped; it will
// observe its channel closing early.
func (h *StreamHub) Publish(c cachestore.Chunk) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.prefix = append(h.prefix, c)

	for s := range h.subs {
		select {
		case s.ch <- c:
		default:
			s.dropped = true
			close(s.ch)
			delete(h.subs, s)
		}
	}
}

// closeIfOpen terminates the stream, closing all follower channels. err is
// recorded for followers that check Err after drain.
func (h *StreamHub) closeIfOpen(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	h.err = err
	for s := range h.subs {
		close(s.ch)
		delete(h.subs, s)
	}
}

// Subscribe attaches a follower. The returned prefix is a snapshot of every
// chunk published so far; ch then carries the live tail and is closed when
// the stream ends (or the follower is dropped for falling behind). cancel
// detaches without waiting for stream end and is safe to call twice.
func (h *StreamHub) Subscribe() (prefix []cachestore.Chunk, ch <-chan cachestore.Chunk, cancel func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	snap := make([]cachestore.Chunk, len(h.prefix))
	copy(snap, h.prefix)

	s := &subscriber{ch: make(chan cachestore.Chunk, subscriberBuffer)}
	if h.closed {
		close(s.ch)
		return snap, s.ch, func() {}
	}
	h.subs[s] = struct{}{}

	cancelFn := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[s]; ok {
			delete(h.subs, s)
			close(s.ch)
		}
	}
	return snap, s.ch, cancelFn
}

// Err returns the terminal stream error, if any. Valid after the follower's
// channel has closed.
func (h *StreamHub) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Transcript returns the chunks published so far. After the stream closes
// cleanly this is the complete transcript.
func (h *StreamHub) Transcript() []cachestore.Chunk {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]cachestore.Chunk, len(h.prefix))
	copy(out, h.prefix)
	return out
}
