package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/watchllm/watchllm-proxy/internal/accounting"
	"github.com/watchllm/watchllm-proxy/internal/cachestore"
	"github.com/watchllm/watchllm-proxy/internal/canonical"
	"github.com/watchllm/watchllm-proxy/internal/embedding"
	"github.com/watchllm/watchllm-proxy/internal/pricing"
	"github.com/watchllm/watchllm-proxy/internal/providers"
	"github.com/watchllm/watchllm-proxy/internal/ratelimit"
	"github.com/watchllm/watchllm-proxy/internal/registry"
)

// --- helpers ----------------------------------------------------------------

const testToken = "sk-watch-test"

func testProject() *registry.Project {
	return &registry.Project{
		ID:                  "proj-1",
		Plan:                registry.PlanPro,
		CacheEnabled:        true,
		SimilarityThreshold: 0.90,
	}
}

// funcProvider adapts a function to the Provider interface.
type funcProvider struct {
	name  string
	calls int32
	fn    func(ctx context.Context, req *canonical.Request, apiKey string) (*providers.Response, error)
}

func (p *funcProvider) Name() string { return p.name }

func (p *funcProvider) Complete(ctx context.Context, req *canonical.Request, apiKey string) (*providers.Response, error) {
	atomic.AddInt32(&p.calls, 1)
	return p.fn(ctx, req, apiKey)
}

func (p *funcProvider) callCount() int32 { return atomic.LoadInt32(&p.calls) }

func okProvider() *funcProvider {
	return &funcProvider{
		name: "openai",
		fn: func(_ context.Context, req *canonical.Request, _ string) (*providers.Response, error) {
			return &providers.Response{
				ID:           "resp-123",
				Model:        req.Model,
				Content:      "hello from upstream",
				FinishReason: "stop",
				Usage:        providers.Usage{InputTokens: 10, OutputTokens: 5},
			}, nil
		},
	}
}

// streamProvider emits the given chunks followed by a stop chunk.
func streamProvider(chunks ...string) *funcProvider {
	return &funcProvider{
		name: "openai",
		fn: func(_ context.Context, req *canonical.Request, _ string) (*providers.Response, error) {
			if !req.Stream {
				return &providers.Response{
					Model: req.Model, Content: strings.Join(chunks, ""), FinishReason: "stop",
					Usage: providers.Usage{InputTokens: 10, OutputTokens: 5},
				}, nil
			}
			ch := make(chan providers.StreamChunk)
			go func() {
				defer close(ch)
				for i, c := range chunks {
					fr := ""
					if i == len(chunks)-1 {
						fr = "stop"
					}
					ch <- providers.StreamChunk{Content: c, FinishReason: fr}
				}
			}()
			return &providers.Response{Model: req.Model, Stream: ch}, nil
		},
	}
}

// errorStreamProvider emits the given chunks and then fails mid-stream.
func errorStreamProvider(chunks ...string) *funcProvider {
	return &funcProvider{
		name: "openai",
		fn: func(_ context.Context, req *canonical.Request, _ string) (*providers.Response, error) {
			ch := make(chan providers.StreamChunk)
			go func() {
				defer close(ch)
				for _, c := range chunks {
					ch <- providers.StreamChunk{Content: c}
				}
				ch <- providers.StreamChunk{Err: providers.NewError("openai", 500, "upstream connection reset")}
			}()
			return &providers.Response{Model: req.Model, Stream: ch}, nil
		},
	}
}

type gatewayOption func(*Options)

func newTestGateway(t *testing.T, prov providers.Provider, gwOpts ...gatewayOption) *Gateway {
	t.Helper()

	store := cachestore.New(cachestore.NewMemoryKV(1024), cachestore.NewMemoryIndex(), nil)
	calc := accounting.NewCalculator(pricing.NewTable(), accounting.NewCounter())

	opts := Options{
		Registry:   registry.NewStaticRegistry(map[string]*registry.Project{testToken: testProject()}),
		Cache:      store,
		Providers:  map[string]providers.Provider{"openai": prov},
		Calculator: calc,
		Quota:      ratelimit.NewMemoryQuota(),
	}
	for _, o := range gwOpts {
		o(&opts)
	}

	gw, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return gw
}

// serveGateway runs the full handler pipeline on an in-memory listener.
func serveGateway(t *testing.T, gw *Gateway) *http.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()

	go func() {
		_ = fasthttp.Serve(ln, gw.Handler())
	}()
	t.Cleanup(func() { ln.Close() })

	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
}

func doPost(t *testing.T, client *http.Client, path, token string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "http://proxy"+path, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func chatBody(content string) []byte {
	b, _ := json.Marshal(map[string]any{
		"model":    "gpt-4o",
		"messages": []map[string]string{{"role": "user", "content": content}},
	})
	return b
}

// sseContents parses an SSE body into its data payloads, asserting the DONE
// terminator, and returns the concatenated delta text.
func sseContents(t *testing.T, body []byte) string {
	t.Helper()
	events := strings.Split(strings.TrimSpace(string(body)), "\n\n")
	if len(events) == 0 {
		t.Fatal("no SSE events")
	}
	last := strings.TrimPrefix(events[len(events)-1], "data: ")
	if last != "[DONE]" {
		t.Fatalf("stream not terminated by [DONE], got %q", last)
	}

	var sb strings.Builder
	for _, ev := range events[:len(events)-1] {
		payload := strings.TrimPrefix(ev, "data: ")
		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
				Text string `json:"text"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			t.Fatalf("bad chunk %q: %v", payload, err)
		}
		for _, c := range chunk.Choices {
			sb.WriteString(c.Delta.Content)
			sb.WriteString(c.Text)
		}
	}
	return sb.String()
}

// promptHashOf mirrors the embedding key derivation for a chat body.
func promptHashOf(t *testing.T, body []byte) string {
	t.Helper()
	req, err := canonical.Parse(body, canonical.EndpointChat, 0)
	if err != nil {
		t.Fatal(err)
	}
	return req.PromptHash()
}

// --- auth -------------------------------------------------------------------

func TestAuthRequired(t *testing.T) {
	client := serveGateway(t, newTestGateway(t, okProvider()))

	resp := doPost(t, client, "/v1/chat/completions", "", chatBody("hi"))
	readBody(t, resp)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", resp.StatusCode)
	}

	resp = doPost(t, client, "/v1/chat/completions", "sk-unknown", chatBody("hi"))
	readBody(t, resp)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unknown token: status = %d, want 401", resp.StatusCode)
	}
}

func TestSuspendedProjectForbidden(t *testing.T) {
	suspended := testProject()
	suspended.Suspended = true
	gw := newTestGateway(t, okProvider(), func(o *Options) {
		o.Registry = registry.NewStaticRegistry(map[string]*registry.Project{testToken: suspended})
	})
	client := serveGateway(t, gw)

	resp := doPost(t, client, "/v1/chat/completions", testToken, chatBody("hi"))
	readBody(t, resp)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}

// --- dispatch ---------------------------------------------------------------

func TestChatMissServedFromUpstream(t *testing.T) {
	prov := okProvider()
	client := serveGateway(t, newTestGateway(t, prov))

	resp := doPost(t, client, "/v1/chat/completions", testToken, chatBody("hi"))
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	if got := resp.Header.Get("X-WatchLLM-Cache"); got != "miss" {
		t.Errorf("X-WatchLLM-Cache = %q, want miss", got)
	}

	var out struct {
		Object  string `json:"object"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Object != "chat.completion" {
		t.Errorf("object = %q", out.Object)
	}
	if out.Choices[0].Message.Content != "hello from upstream" {
		t.Errorf("content = %q", out.Choices[0].Message.Content)
	}
	if out.Usage.PromptTokens != 10 || out.Usage.CompletionTokens != 5 {
		t.Errorf("usage = %+v", out.Usage)
	}
}

func TestChatExactHit(t *testing.T) {
	prov := okProvider()
	client := serveGateway(t, newTestGateway(t, prov))

	readBody(t, doPost(t, client, "/v1/chat/completions", testToken, chatBody("hi")))
	resp := doPost(t, client, "/v1/chat/completions", testToken, chatBody("hi"))
	readBody(t, resp)

	if got := resp.Header.Get("X-WatchLLM-Cache"); got != "hit" {
		t.Errorf("X-WatchLLM-Cache = %q, want hit", got)
	}
	if got := resp.Header.Get("X-WatchLLM-Similarity"); got != "exact" {
		t.Errorf("X-WatchLLM-Similarity = %q, want exact", got)
	}
	if got := resp.Header.Get("X-WatchLLM-Cost-Usd"); got != "0.000000" {
		t.Errorf("X-WatchLLM-Cost-Usd = %q, want 0.000000", got)
	}
	if prov.callCount() != 1 {
		t.Errorf("provider calls = %d, want 1", prov.callCount())
	}
}

func TestSemanticHit(t *testing.T) {
	first := chatBody("how do I reverse a slice in go")
	second := chatBody("reversing a go slice, how?")

	prov := okProvider()
	gw := newTestGateway(t, prov, func(o *Options) {
		o.Embedder = &embedding.Static{Vectors: map[string][]float32{
			promptHashOf(t, first):  {1, 0, 0},
			promptHashOf(t, second): {0.99, 0.14, 0}, // cosine ≈ 0.99
		}}
	})
	client := serveGateway(t, gw)

	readBody(t, doPost(t, client, "/v1/chat/completions", testToken, first))
	resp := doPost(t, client, "/v1/chat/completions", testToken, second)
	readBody(t, resp)

	if got := resp.Header.Get("X-WatchLLM-Cache"); got != "hit_semantic" {
		t.Fatalf("X-WatchLLM-Cache = %q, want hit_semantic", got)
	}
	sim := resp.Header.Get("X-WatchLLM-Similarity")
	if !strings.HasPrefix(sim, "0.9") {
		t.Errorf("X-WatchLLM-Similarity = %q, want ~0.99", sim)
	}
	if prov.callCount() != 1 {
		t.Errorf("provider calls = %d, want 1", prov.callCount())
	}
}

func TestTemperatureBypassesCache(t *testing.T) {
	prov := okProvider()
	client := serveGateway(t, newTestGateway(t, prov))

	body, _ := json.Marshal(map[string]any{
		"model":       "gpt-4o",
		"temperature": 0.7,
		"messages":    []map[string]string{{"role": "user", "content": "hi"}},
	})

	for i := 0; i < 2; i++ {
		resp := doPost(t, client, "/v1/chat/completions", testToken, body)
		readBody(t, resp)
		if got := resp.Header.Get("X-WatchLLM-Cache"); got != "bypass" {
			t.Errorf("X-WatchLLM-Cache = %q, want bypass", got)
		}
	}
	if prov.callCount() != 2 {
		t.Errorf("provider calls = %d, want 2", prov.callCount())
	}
}

func TestCacheExcludedModel(t *testing.T) {
	prov := okProvider()
	excl, err := NewModelExclusions([]string{"gpt-4o"})
	if err != nil {
		t.Fatal(err)
	}
	gw := newTestGateway(t, prov, func(o *Options) { o.Exclusions = excl })
	client := serveGateway(t, gw)

	resp := doPost(t, client, "/v1/chat/completions", testToken, chatBody("hi"))
	readBody(t, resp)
	if got := resp.Header.Get("X-WatchLLM-Cache"); got != "bypass" {
		t.Errorf("X-WatchLLM-Cache = %q, want bypass", got)
	}
}

func TestMinuteRateLimit(t *testing.T) {
	limited := testProject()
	limited.PerMinuteLimit = 1
	gw := newTestGateway(t, okProvider(), func(o *Options) {
		o.Registry = registry.NewStaticRegistry(map[string]*registry.Project{testToken: limited})
	})
	client := serveGateway(t, gw)

	readBody(t, doPost(t, client, "/v1/chat/completions", testToken, chatBody("hi")))
	resp := doPost(t, client, "/v1/chat/completions", testToken, chatBody("hi"))
	readBody(t, resp)

	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
}

func TestMonthlyQuotaExceeded(t *testing.T) {
	limited := testProject()
	limited.MonthlyRequestLimit = 1
	gw := newTestGateway(t, okProvider(), func(o *Options) {
		o.Registry = registry.NewStaticRegistry(map[string]*registry.Project{testToken: limited})
	})
	client := serveGateway(t, gw)

	readBody(t, doPost(t, client, "/v1/chat/completions", testToken, chatBody("first")))
	resp := doPost(t, client, "/v1/chat/completions", testToken, chatBody("second"))
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if !bytes.Contains(body, []byte("monthly_quota_exceeded")) {
		t.Errorf("body = %s, want monthly_quota_exceeded code", body)
	}
}

func TestBadRequestBody(t *testing.T) {
	client := serveGateway(t, newTestGateway(t, okProvider()))

	for _, body := range []string{`{not json`, `{"messages":[{"role":"user","content":"hi"}]}`} {
		resp := doPost(t, client, "/v1/chat/completions", testToken, []byte(body))
		readBody(t, resp)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, resp.StatusCode)
		}
	}
}

func TestUpstreamErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		upstream   int
		wantStatus int
		wantType   string
	}{
		{"rate limited", 429, 429, "upstream_rate_limited"},
		{"auth", 401, 502, "upstream_auth"},
		{"server error", 500, 502, "upstream_unavailable"},
		{"invalid", 400, 502, "upstream_invalid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prov := &funcProvider{
				name: "openai",
				fn: func(_ context.Context, _ *canonical.Request, _ string) (*providers.Response, error) {
					return nil, providers.NewError("openai", tt.upstream, "upstream said no")
				},
			}
			client := serveGateway(t, newTestGateway(t, prov))

			resp := doPost(t, client, "/v1/chat/completions", testToken, chatBody("hi"))
			body := readBody(t, resp)
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if !bytes.Contains(body, []byte(tt.wantType)) {
				t.Errorf("body = %s, want type %s", body, tt.wantType)
			}
		})
	}
}

func TestToolCallResponseNotCached(t *testing.T) {
	prov := &funcProvider{
		name: "openai",
		fn: func(_ context.Context, req *canonical.Request, _ string) (*providers.Response, error) {
			return &providers.Response{
				Model:        req.Model,
				FinishReason: "tool_calls",
				ToolCalls:    []providers.ToolCall{{ID: "call-1", Name: "get_weather", Arguments: `{"city":"Oslo"}`}},
				Usage:        providers.Usage{InputTokens: 12, OutputTokens: 6},
			}, nil
		},
	}
	client := serveGateway(t, newTestGateway(t, prov))

	body, _ := json.Marshal(map[string]any{
		"model":    "gpt-4o",
		"messages": []map[string]string{{"role": "user", "content": "weather in oslo"}},
		"tools": []map[string]any{{
			"type":     "function",
			"function": map[string]any{"name": "get_weather"},
		}},
	})

	for i := 0; i < 2; i++ {
		resp := doPost(t, client, "/v1/chat/completions", testToken, body)
		readBody(t, resp)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
	}
	// The tool-invoking response must not have been served from cache.
	if prov.callCount() != 2 {
		t.Errorf("provider calls = %d, want 2", prov.callCount())
	}
}

// --- streaming --------------------------------------------------------------

func TestStreamingMissThenReplay(t *testing.T) {
	prov := streamProvider("Hello", " world")
	store := cachestore.New(cachestore.NewMemoryKV(64), cachestore.NewMemoryIndex(), nil)
	gw := newTestGateway(t, prov, func(o *Options) { o.Cache = store })
	client := serveGateway(t, gw)

	body, _ := json.Marshal(map[string]any{
		"model":    "gpt-4o",
		"stream":   true,
		"messages": []map[string]string{{"role": "user", "content": "greet me"}},
	})

	resp := doPost(t, client, "/v1/chat/completions", testToken, body)
	got := sseContents(t, readBody(t, resp))
	if got != "Hello world" {
		t.Fatalf("streamed content = %q", got)
	}
	if state := resp.Header.Get("X-WatchLLM-Cache"); state != "miss" {
		t.Errorf("X-WatchLLM-Cache = %q, want miss", state)
	}

	// The transcript is inserted by the pump goroutine after the client has
	// read the terminal event; poll the store rather than sleeping.
	fp := fingerprintOf(t, body)
	waitFor(t, func() bool {
		_, ok := store.LookupExact(context.Background(), "proj-1", fp)
		return ok
	})

	resp = doPost(t, client, "/v1/chat/completions", testToken, body)
	got = sseContents(t, readBody(t, resp))
	if got != "Hello world" {
		t.Errorf("replayed content = %q", got)
	}
	if state := resp.Header.Get("X-WatchLLM-Cache"); state != "hit" {
		t.Errorf("X-WatchLLM-Cache = %q, want hit", state)
	}
	if prov.callCount() != 1 {
		t.Errorf("provider calls = %d, want 1", prov.callCount())
	}
}

func TestStreamUpstreamErrorNotCached(t *testing.T) {
	prov := errorStreamProvider("Hello", " wor")
	store := cachestore.New(cachestore.NewMemoryKV(64), cachestore.NewMemoryIndex(), nil)
	gw := newTestGateway(t, prov, func(o *Options) { o.Cache = store })
	client := serveGateway(t, gw)

	body, _ := json.Marshal(map[string]any{
		"model":    "gpt-4o",
		"stream":   true,
		"messages": []map[string]string{{"role": "user", "content": "greet me"}},
	})

	resp := doPost(t, client, "/v1/chat/completions", testToken, body)
	raw := string(readBody(t, resp))
	if strings.Contains(raw, "[DONE]") {
		t.Errorf("failed stream ended with [DONE]:\n%s", raw)
	}
	if !strings.Contains(raw, "upstream_unavailable") {
		t.Errorf("failed stream carries no error event:\n%s", raw)
	}

	fp := fingerprintOf(t, body)
	if _, ok := store.LookupExact(context.Background(), "proj-1", fp); ok {
		t.Fatal("partial transcript found in the cache")
	}

	// A retry goes back upstream instead of serving the partial response.
	resp = doPost(t, client, "/v1/chat/completions", testToken, body)
	readBody(t, resp)
	if state := resp.Header.Get("X-WatchLLM-Cache"); state != "miss" {
		t.Errorf("X-WatchLLM-Cache = %q, want miss", state)
	}
	if prov.callCount() != 2 {
		t.Errorf("provider calls = %d, want 2", prov.callCount())
	}
}

func TestUpstreamRetryAfterPassthrough(t *testing.T) {
	prov := &funcProvider{
		name: "openai",
		fn: func(_ context.Context, _ *canonical.Request, _ string) (*providers.Response, error) {
			return nil, &providers.ProviderError{
				Provider:   "openai",
				Kind:       providers.ErrRateLimited,
				Status:     429,
				Message:    "slow down",
				RetryAfter: 7 * time.Second,
			}
		},
	}
	client := serveGateway(t, newTestGateway(t, prov))

	resp := doPost(t, client, "/v1/chat/completions", testToken, chatBody("hi"))
	body := readBody(t, resp)
	if resp.StatusCode != 429 {
		t.Errorf("status = %d, want 429", resp.StatusCode)
	}
	if !bytes.Contains(body, []byte("upstream_rate_limited")) {
		t.Errorf("body = %s, want upstream_rate_limited", body)
	}
	if got := resp.Header.Get("Retry-After"); got != "7" {
		t.Errorf("Retry-After = %q, want 7", got)
	}
}

// fingerprintOf mirrors the dispatch path's fingerprint derivation.
func fingerprintOf(t *testing.T, body []byte) string {
	t.Helper()
	req, err := canonical.Parse(body, canonical.EndpointChat, 0)
	if err != nil {
		t.Fatal(err)
	}
	req.Provider, req.Model = providers.ResolveProvider(req.Model)
	return req.Fingerprint()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("condition not reached in time")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestStreamRequestOnUnaryEntrySynthesizes(t *testing.T) {
	prov := okProvider()
	client := serveGateway(t, newTestGateway(t, prov))

	unary := chatBody("synth me")
	readBody(t, doPost(t, client, "/v1/chat/completions", testToken, unary))

	var m map[string]any
	if err := json.Unmarshal(unary, &m); err != nil {
		t.Fatal(err)
	}
	m["stream"] = true
	streamBody, _ := json.Marshal(m)

	resp := doPost(t, client, "/v1/chat/completions", testToken, streamBody)
	got := sseContents(t, readBody(t, resp))
	if got != "hello from upstream" {
		t.Errorf("synthesized content = %q", got)
	}
	if state := resp.Header.Get("X-WatchLLM-Cache"); state != "hit" {
		t.Errorf("X-WatchLLM-Cache = %q, want hit", state)
	}
	if prov.callCount() != 1 {
		t.Errorf("provider calls = %d, want 1", prov.callCount())
	}
}

// --- coalescing -------------------------------------------------------------

func TestConcurrentIdenticalRequestsCoalesce(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	prov := &funcProvider{
		name: "openai",
		fn: func(_ context.Context, req *canonical.Request, _ string) (*providers.Response, error) {
			once.Do(func() { close(entered) })
			<-release
			return &providers.Response{
				Model: req.Model, Content: "shared answer", FinishReason: "stop",
				Usage: providers.Usage{InputTokens: 8, OutputTokens: 4},
			}, nil
		},
	}
	client := serveGateway(t, newTestGateway(t, prov))
	body := chatBody("expensive question")

	const followers = 4
	results := make(chan string, followers+1)

	go func() {
		resp := doPost(t, client, "/v1/chat/completions", testToken, body)
		readBody(t, resp)
		results <- resp.Header.Get("X-WatchLLM-Cache")
	}()
	<-entered

	for i := 0; i < followers; i++ {
		go func() {
			resp := doPost(t, client, "/v1/chat/completions", testToken, body)
			readBody(t, resp)
			results <- resp.Header.Get("X-WatchLLM-Cache")
		}()
	}
	// Let the followers reach the flight before the leader finishes.
	time.Sleep(150 * time.Millisecond)
	close(release)

	counts := map[string]int{}
	for i := 0; i < followers+1; i++ {
		counts[<-results]++
	}

	if prov.callCount() != 1 {
		t.Errorf("provider calls = %d, want 1", prov.callCount())
	}
	if counts["miss"] != 1 {
		t.Errorf("miss count = %d, want exactly 1 leader (all: %v)", counts["miss"], counts)
	}
	if counts["coalesced"] != followers {
		t.Errorf("coalesced count = %d, want %d (all: %v)", counts["coalesced"], followers, counts)
	}
}

// --- embeddings -------------------------------------------------------------

type embedCapableProvider struct {
	funcProvider
	embedCalls int32
}

func (p *embedCapableProvider) Embed(_ context.Context, req *canonical.Request, _ string) (*providers.EmbeddingResponse, error) {
	atomic.AddInt32(&p.embedCalls, 1)
	data := make([]providers.EmbeddingVector, len(req.Input))
	for i := range req.Input {
		data[i] = providers.EmbeddingVector{Index: i, Embedding: []float32{0.1, 0.2, 0.3}}
	}
	return &providers.EmbeddingResponse{
		Model: req.Model,
		Data:  data,
		Usage: providers.Usage{InputTokens: 4},
	}, nil
}

func TestEmbeddingsExactHit(t *testing.T) {
	prov := &embedCapableProvider{funcProvider: *okProvider()}
	client := serveGateway(t, newTestGateway(t, prov))

	body, _ := json.Marshal(map[string]any{
		"model": "text-embedding-3-small",
		"input": []string{"alpha", "beta"},
	})

	resp := doPost(t, client, "/v1/embeddings", testToken, body)
	first := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, first)
	}
	if state := resp.Header.Get("X-WatchLLM-Cache"); state != "miss" {
		t.Errorf("X-WatchLLM-Cache = %q, want miss", state)
	}

	var out struct {
		Object string `json:"object"`
		Data   []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(first, &out); err != nil {
		t.Fatal(err)
	}
	if out.Object != "list" || len(out.Data) != 2 {
		t.Errorf("envelope = %s", first)
	}

	resp = doPost(t, client, "/v1/embeddings", testToken, body)
	second := readBody(t, resp)
	if state := resp.Header.Get("X-WatchLLM-Cache"); state != "hit" {
		t.Errorf("X-WatchLLM-Cache = %q, want hit", state)
	}
	if !bytes.Equal(first, second) {
		t.Error("cached embedding body differs from original")
	}
	if atomic.LoadInt32(&prov.embedCalls) != 1 {
		t.Errorf("embed calls = %d, want 1", prov.embedCalls)
	}
}

// --- health -----------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	client := serveGateway(t, newTestGateway(t, okProvider()))

	resp, err := client.Get("http://proxy/health")
	if err != nil {
		t.Fatal(err)
	}
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK || !bytes.Contains(body, []byte(`"status":"ok"`)) {
		t.Errorf("health = %d %s", resp.StatusCode, body)
	}
}
