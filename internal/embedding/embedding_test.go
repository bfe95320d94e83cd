package embedding

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// embeddingServer serves the OpenAI embeddings shape and counts calls.
func embeddingServer(t *testing.T, vec []float64) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.URL.Path != "/embeddings" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"object": "list",
			"data": []map[string]any{
				{"object": "embedding", "index": 0, "embedding": vec},
			},
			"model": "text-embedding-3-small",
			"usage": map[string]int{"prompt_tokens": 3, "total_tokens": 3},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEmbedReturnsVector(t *testing.T) {
	srv, _ := embeddingServer(t, []float64{0.1, 0.2, 0.3})
	c := NewClient("sk-test", srv.URL, discardLogger())

	vec, ok := c.Embed(context.Background(), "hash-1", "explain goroutines")
	if !ok {
		t.Fatal("Embed failed")
	}
	if len(vec) != 3 || vec[0] != 0.1 {
		t.Errorf("vec = %v", vec)
	}
}

func TestEmbedMemoizesByPromptHash(t *testing.T) {
	srv, calls := embeddingServer(t, []float64{1, 0})
	c := NewClient("sk-test", srv.URL, discardLogger())

	for i := 0; i < 3; i++ {
		if _, ok := c.Embed(context.Background(), "hash-1", "same prompt"); !ok {
			t.Fatal("Embed failed")
		}
	}
	if got := atomic.LoadInt32(calls); got != 1 {
		t.Errorf("upstream calls = %d, want 1", got)
	}

	// A different hash is a different prompt, memo must not collide.
	c.Embed(context.Background(), "hash-2", "other prompt")
	if got := atomic.LoadInt32(calls); got != 2 {
		t.Errorf("upstream calls = %d, want 2", got)
	}
}

func TestEmbedFailsOpen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	c := NewClient("sk-test", srv.URL, discardLogger(), WithTimeout(500*time.Millisecond))
	if _, ok := c.Embed(context.Background(), "hash-1", "prompt"); ok {
		t.Error("upstream failure must report ok=false, not an error")
	}
}

func TestEmbedTimeoutFailsOpen(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	t.Cleanup(func() { close(release); srv.Close() })

	c := NewClient("sk-test", srv.URL, discardLogger(), WithTimeout(50*time.Millisecond))

	start := time.Now()
	if _, ok := c.Embed(context.Background(), "hash-1", "prompt"); ok {
		t.Error("timed-out call must report ok=false")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("deadline not enforced: took %v", elapsed)
	}
}

func TestEmbedEmptyText(t *testing.T) {
	srv, calls := embeddingServer(t, []float64{1})
	c := NewClient("sk-test", srv.URL, discardLogger())

	if _, ok := c.Embed(context.Background(), "hash-1", ""); ok {
		t.Error("empty text must not embed")
	}
	if atomic.LoadInt32(calls) != 0 {
		t.Error("empty text reached upstream")
	}
}

func TestStaticEmbedder(t *testing.T) {
	s := &Static{Vectors: map[string][]float32{"h": {1, 2}}}

	if vec, ok := s.Embed(context.Background(), "h", "ignored"); !ok || len(vec) != 2 {
		t.Errorf("Embed = (%v, %v)", vec, ok)
	}
	if _, ok := s.Embed(context.Background(), "missing", "ignored"); ok {
		t.Error("unknown hash must miss")
	}
}
