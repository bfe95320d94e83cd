// Package ratelimit enforces the two request limits a project carries: a
// per-minute rate (in-process token bucket) and a monthly request quota
// (Redis counter shared across proxy instances).
package ratelimit

import (
	"sync"
	"time"
)

// bucket is a lazily refilled token bucket. Tokens accrue continuously at
// limit/minute; there is no background refill goroutine.
type bucket struct {
	tokens   float64
	limit    float64 // tokens per minute; also the burst capacity
	lastSeen time.Time
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastSeen).Minutes()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.limit
	if b.tokens > b.limit {
		b.tokens = b.limit
	}
	b.lastSeen = now
}

// retryAfter is how long until one whole token is available.
func (b *bucket) retryAfter() time.Duration {
	missing := 1 - b.tokens
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / b.limit * float64(time.Minute))
}

// MinuteLimiter tracks one token bucket per project.
type MinuteLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

// NewMinuteLimiter creates an empty limiter.
func NewMinuteLimiter() *MinuteLimiter {
	return &MinuteLimiter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow consumes one token for projectID under the given per-minute limit.
// Denials return the duration after which a retry can succeed. A limit <= 0
// means the project is unlimited.
func (m *MinuteLimiter) Allow(projectID string, perMinute int64) (bool, time.Duration) {
	if perMinute <= 0 {
		return true, 0
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[projectID]
	if !ok || b.limit != float64(perMinute) {
		// New project, or the plan's limit changed: start with a full bucket.
		b = &bucket{tokens: float64(perMinute), limit: float64(perMinute), lastSeen: now}
		m.buckets[projectID] = b
	}

	b.refill(now)
	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	return false, b.retryAfter()
}

// EvictStale drops buckets idle longer than maxIdle. Call periodically so
// one-off projects do not accumulate forever.
func (m *MinuteLimiter) EvictStale(maxIdle time.Duration) int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for id, b := range m.buckets {
		if now.Sub(b.lastSeen) > maxIdle {
			delete(m.buckets, id)
			evicted++
		}
	}
	return evicted
}

// Len reports the tracked project count.
func (m *MinuteLimiter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}
