// Package cachestore is the semantic response cache.
//
// It combines two indexes over one entry space:
//
//   - exact: fingerprint-keyed key/value lookups (Redis in production, an
//     in-process map otherwise), TTL-enforced.
//   - semantic: approximate-nearest-neighbor search over prompt embeddings
//     (in-process brute force, or a Qdrant collection), which resolves back
//     through the exact index so expiry is enforced in exactly one place.
//
// Entries never cross project boundaries and never cross (endpoint, model)
// families. Inserts are idempotent on fingerprint: the first writer wins and
// later duplicates are discarded.
package cachestore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// ResponseKind records how an entry's payload was produced.
type ResponseKind string

const (
	KindUnary  ResponseKind = "unary"
	KindStream ResponseKind = "stream"
)

// Chunk is one recorded streaming event: the SSE data payload plus the delay
// observed since the previous chunk.
type Chunk struct {
	DelayMs int64  `json:"d"`
	Data    []byte `json:"c"`
}

// Entry is one cached response. Entries are immutable once inserted; the
// hit counter lives in a side key so reads never rewrite payloads.
type Entry struct {
	Fingerprint string       `json:"fingerprint"`
	ProjectID   string       `json:"project_id"`
	Endpoint    string       `json:"endpoint"`
	Model       string       `json:"model"`
	Embedding   []float32    `json:"embedding,omitempty"`
	StoredAt    time.Time    `json:"stored_at"`
	ExpiresAt   time.Time    `json:"expires_at"`
	Kind        ResponseKind `json:"kind"`

	// Body holds the full OpenAI-compatible response JSON (unary kind).
	Body []byte `json:"body,omitempty"`
	// Transcript holds the ordered chunk sequence (stream kind).
	Transcript []Chunk `json:"transcript,omitempty"`

	TokensIn        int     `json:"tokens_in"`
	TokensOut       int     `json:"tokens_out"`
	ProviderCostUSD float64 `json:"provider_cost_usd"`
}

// Expired reports whether the entry is past its TTL at time now.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// SemanticQuery scopes a nearest-neighbor search.
type SemanticQuery struct {
	ProjectID string
	Endpoint  string
	Model     string
	Vector    []float32
	Threshold float64
}

// Store is the cache contract consumed by the proxy.
type Store interface {
	LookupExact(ctx context.Context, projectID, fingerprint string) (*Entry, bool)
	LookupSemantic(ctx context.Context, q SemanticQuery) (*Entry, float64, bool)
	// Insert is idempotent on fingerprint: when a live entry already exists
	// the new one is discarded and Insert reports success.
	Insert(ctx context.Context, e *Entry) error
	// Touch records a hit on the entry, best-effort.
	Touch(ctx context.Context, projectID, fingerprint string)
}

// KV is the exact-index backend.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	// SetNX stores value only when key is absent; reports whether it wrote.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Delete(ctx context.Context, key string) error
}

// tieEpsilon: semantic matches whose scores differ by less than this are
// considered tied and broken by recency.
const tieEpsilon = 1e-4

// semanticCandidates is how many neighbors are fetched per search so that a
// few expired or unresolvable refs do not turn a hit into a miss.
const semanticCandidates = 4

// Cache implements Store over a KV backend and an optional vector index.
type Cache struct {
	kv  KV
	vec VectorIndex // nil disables semantic lookup
	log *slog.Logger
}

// New creates a Cache. vec may be nil (exact-match only).
func New(kv KV, vec VectorIndex, log *slog.Logger) *Cache {
	if log == nil {
		log = slog.Default()
	}
	return &Cache{kv: kv, vec: vec, log: log}
}

func entryKey(projectID, fingerprint string) string {
	return "cache:" + projectID + ":" + fingerprint
}

func hitKey(projectID, fingerprint string) string {
	return "cachehits:" + projectID + ":" + fingerprint
}

// LookupExact returns the live entry for (project, fingerprint).
// Expiry is strict: an expired entry is never returned, even when the
// backend has not evicted it yet.
func (c *Cache) LookupExact(ctx context.Context, projectID, fingerprint string) (*Entry, bool) {
	raw, ok := c.kv.Get(ctx, entryKey(projectID, fingerprint))
	if !ok {
		return nil, false
	}

	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		c.log.WarnContext(ctx, "cache_entry_decode_error",
			slog.String("fingerprint", fingerprint),
			slog.String("error", err.Error()),
		)
		return nil, false
	}
	if e.Expired(time.Now()) {
		return nil, false
	}
	return &e, true
}

// LookupSemantic returns the highest-similarity live entry above the query
// threshold, scoped to (project, endpoint, model). Ties within a small
// epsilon prefer the most recently stored entry. The expiry check runs
// before any similarity consideration: refs whose entry has expired are
// skipped regardless of score.
func (c *Cache) LookupSemantic(ctx context.Context, q SemanticQuery) (*Entry, float64, bool) {
	if c.vec == nil || len(q.Vector) == 0 {
		return nil, 0, false
	}

	refs, err := c.vec.Search(ctx, q, semanticCandidates)
	if err != nil {
		c.log.WarnContext(ctx, "semantic_search_error", slog.String("error", err.Error()))
		return nil, 0, false
	}

	var (
		best      *Entry
		bestScore float64
	)
	for _, ref := range refs {
		e, ok := c.LookupExact(ctx, q.ProjectID, ref.Fingerprint)
		if !ok {
			continue
		}
		if e.Endpoint != q.Endpoint || e.Model != q.Model {
			continue
		}
		switch {
		case best == nil:
			best, bestScore = e, ref.Score
		case ref.Score > bestScore+tieEpsilon:
			best, bestScore = e, ref.Score
		case ref.Score > bestScore-tieEpsilon && e.StoredAt.After(best.StoredAt):
			best, bestScore = e, ref.Score
		}
	}

	if best == nil {
		return nil, 0, false
	}
	return best, bestScore, true
}

// Insert stores the entry under both indexes. Duplicate fingerprints are a
// no-op: the leader's entry wins once and subsequent computes are discarded.
func (c *Cache) Insert(ctx context.Context, e *Entry) error {
	if e.Fingerprint == "" || e.ProjectID == "" {
		return fmt.Errorf("cachestore: entry missing fingerprint or project")
	}

	ttl := time.Until(e.ExpiresAt)
	if ttl <= 0 {
		return nil // already expired, nothing to store
	}

	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("cachestore: encode entry: %w", err)
	}

	wrote, err := c.kv.SetNX(ctx, entryKey(e.ProjectID, e.Fingerprint), raw, ttl)
	if err != nil {
		return fmt.Errorf("cachestore: insert: %w", err)
	}
	if !wrote {
		return nil // idempotent duplicate
	}

	if c.vec != nil && len(e.Embedding) > 0 {
		meta := VectorMeta{
			ProjectID:   e.ProjectID,
			Endpoint:    e.Endpoint,
			Model:       e.Model,
			Fingerprint: e.Fingerprint,
			ExpiresAt:   e.ExpiresAt,
		}
		if err := c.vec.Upsert(ctx, meta, e.Embedding); err != nil {
			// The exact entry is live; a missing vector only costs hit rate.
			c.log.WarnContext(ctx, "vector_upsert_error",
				slog.String("fingerprint", e.Fingerprint),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// Touch increments the entry's hit counter, best-effort.
func (c *Cache) Touch(ctx context.Context, projectID, fingerprint string) {
	if _, err := c.kv.Incr(ctx, hitKey(projectID, fingerprint), 0); err != nil {
		c.log.DebugContext(ctx, "cache_touch_error", slog.String("error", err.Error()))
	}
}

// HitCount reads the current hit counter for an entry.
func (c *Cache) HitCount(ctx context.Context, projectID, fingerprint string) int64 {
	raw, ok := c.kv.Get(ctx, hitKey(projectID, fingerprint))
	if !ok {
		return 0
	}
	var n int64
	fmt.Sscanf(string(raw), "%d", &n)
	return n
}
