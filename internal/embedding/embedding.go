// Package embedding computes prompt embeddings for semantic cache lookups.
//
// Embedding is an accelerator, never a dependency: every call is bounded by
// a short deadline and every failure degrades the request to exact-match
// caching. Vectors are memoized by prompt hash so coalesced followers and
// retried requests never recompute.
package embedding

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// DefaultModel is the embedding model used when none is configured.
const DefaultModel = "text-embedding-3-small"

// DefaultTimeout bounds one embedding call. The semantic path is an
// optimization; it must never hold a request hostage.
const DefaultTimeout = 2 * time.Second

// defaultMemoCapacity bounds the vector memo.
const defaultMemoCapacity = 4096

// Embedder turns prompt text into a vector. ok=false means the vector is
// unavailable (upstream failure, deadline) and the caller should fall back
// to exact-only caching.
type Embedder interface {
	Embed(ctx context.Context, promptHash, text string) (vec []float32, ok bool)
}

// Client is the OpenAI-backed Embedder.
type Client struct {
	sdk     openaiSDK.Client
	model   string
	timeout time.Duration
	log     *slog.Logger

	mu    sync.Mutex
	memo  map[string]*list.Element
	order *list.List // front = most recent
	cap   int
}

type memoEntry struct {
	hash string
	vec  []float32
}

// Option configures a Client.
type Option func(*Client)

// WithModel overrides the embedding model.
func WithModel(model string) Option {
	return func(c *Client) {
		if model != "" {
			c.model = model
		}
	}
}

// WithTimeout overrides the per-call deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewClient builds a Client. baseURL is optional and supports
// OpenAI-compatible embedding servers.
func NewClient(apiKey, baseURL string, log *slog.Logger, opts ...Option) *Client {
	if log == nil {
		log = slog.Default()
	}
	c := &Client{
		model:   DefaultModel,
		timeout: DefaultTimeout,
		log:     log,
		memo:    make(map[string]*list.Element, defaultMemoCapacity),
		order:   list.New(),
		cap:     defaultMemoCapacity,
	}
	for _, o := range opts {
		o(c)
	}

	sdkOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		sdkOpts = append(sdkOpts, option.WithBaseURL(baseURL))
	}
	c.sdk = openaiSDK.NewClient(sdkOpts...)
	return c
}

// Embed returns the embedding for text, serving from the memo when the
// prompt hash has been seen. Upstream failures are logged and reported as
// ok=false; they never surface to the request path as errors.
func (c *Client) Embed(ctx context.Context, promptHash, text string) ([]float32, bool) {
	if text == "" {
		return nil, false
	}
	if vec, ok := c.lookup(promptHash); ok {
		return vec, true
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.sdk.Embeddings.New(callCtx, openaiSDK.EmbeddingNewParams{
		Model: openaiSDK.EmbeddingModel(c.model),
		Input: openaiSDK.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: []string{text},
		},
	})
	if err != nil {
		c.log.WarnContext(ctx, "embedding_error",
			slog.String("model", c.model),
			slog.String("error", err.Error()),
		)
		return nil, false
	}
	if len(resp.Data) == 0 {
		c.log.WarnContext(ctx, "embedding_empty_response", slog.String("model", c.model))
		return nil, false
	}

	src := resp.Data[0].Embedding
	vec := make([]float32, len(src))
	for i, v := range src {
		vec[i] = float32(v)
	}

	c.store(promptHash, vec)
	return vec, true
}

func (c *Client) lookup(hash string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.memo[hash]; ok {
		c.order.MoveToFront(el)
		return el.Value.(*memoEntry).vec, true
	}
	return nil, false
}

func (c *Client) store(hash string, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.memo[hash]; ok {
		return
	}
	c.memo[hash] = c.order.PushFront(&memoEntry{hash: hash, vec: vec})
	for len(c.memo) > c.cap {
		back := c.order.Back()
		if back == nil {
			break
		}
		e := back.Value.(*memoEntry)
		c.order.Remove(back)
		delete(c.memo, e.hash)
	}
}

// Static is a fixed-vector Embedder for tests and offline runs.
type Static struct {
	Vectors map[string][]float32 // keyed by prompt hash
}

// Embed implements Embedder.
func (s *Static) Embed(_ context.Context, promptHash, _ string) ([]float32, bool) {
	vec, ok := s.Vectors[promptHash]
	return vec, ok
}

// String satisfies fmt.Stringer for config dumps without leaking keys.
func (c *Client) String() string {
	return fmt.Sprintf("embedding.Client{model=%s timeout=%s}", c.model, c.timeout)
}
