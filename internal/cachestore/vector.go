package cachestore

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"
)

// VectorMeta identifies one indexed embedding and its cache scope.
type VectorMeta struct {
	ProjectID   string
	Endpoint    string
	Model       string
	Fingerprint string
	ExpiresAt   time.Time
}

// VectorRef is one search result: the entry fingerprint plus cosine score.
type VectorRef struct {
	Fingerprint string
	Score       float64
}

// VectorIndex is the approximate-nearest-neighbor backend. Implementations
// filter by (project, endpoint, model) and return refs ordered best-first
// with scores at or above q.Threshold.
type VectorIndex interface {
	Upsert(ctx context.Context, meta VectorMeta, vec []float32) error
	Search(ctx context.Context, q SemanticQuery, limit int) ([]VectorRef, error)
}

// ── In-process brute-force index ─────────────────────────────────────────────

type memoryVector struct {
	meta VectorMeta
	vec  []float32
	norm float64
}

// MemoryIndex is a brute-force cosine index for single-instance deployments
// and tests. Fine up to tens of thousands of vectors; beyond that use Qdrant.
type MemoryIndex struct {
	mu      sync.RWMutex
	vectors map[string]*memoryVector // keyed by project + ":" + fingerprint
}

// NewMemoryIndex creates an empty in-process index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{vectors: make(map[string]*memoryVector)}
}

// Upsert stores or replaces the vector for meta's fingerprint.
func (m *MemoryIndex) Upsert(_ context.Context, meta VectorMeta, vec []float32) error {
	cp := make([]float32, len(vec))
	copy(cp, vec)

	m.mu.Lock()
	m.vectors[meta.ProjectID+":"+meta.Fingerprint] = &memoryVector{
		meta: meta,
		vec:  cp,
		norm: l2norm(cp),
	}
	m.mu.Unlock()
	return nil
}

// Search scans all vectors in the query scope and returns up to limit refs
// with cosine similarity >= q.Threshold, best first. Expired vectors are
// skipped and dropped lazily.
func (m *MemoryIndex) Search(_ context.Context, q SemanticQuery, limit int) ([]VectorRef, error) {
	qnorm := l2norm(q.Vector)
	if qnorm == 0 {
		return nil, nil
	}
	now := time.Now()

	m.mu.RLock()
	refs := make([]VectorRef, 0, 8)
	expired := make([]string, 0)
	for key, v := range m.vectors {
		if v.meta.ProjectID != q.ProjectID || v.meta.Endpoint != q.Endpoint || v.meta.Model != q.Model {
			continue
		}
		if !v.meta.ExpiresAt.IsZero() && now.After(v.meta.ExpiresAt) {
			expired = append(expired, key)
			continue
		}
		score := dot(q.Vector, v.vec) / (qnorm * v.norm)
		if score >= q.Threshold {
			refs = append(refs, VectorRef{Fingerprint: v.meta.Fingerprint, Score: score})
		}
	}
	m.mu.RUnlock()

	if len(expired) > 0 {
		m.mu.Lock()
		for _, key := range expired {
			delete(m.vectors, key)
		}
		m.mu.Unlock()
	}

	sort.Slice(refs, func(i, j int) bool { return refs[i].Score > refs[j].Score })
	if limit > 0 && len(refs) > limit {
		refs = refs[:limit]
	}
	return refs, nil
}

// Len reports the number of indexed vectors.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.vectors)
}

func dot(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func l2norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}
