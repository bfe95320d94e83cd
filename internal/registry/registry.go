// Package registry resolves API tokens to projects.
//
// The registry is read-only from the proxy's perspective: the external
// control plane provisions project records, the proxy only looks them up.
// Two implementations exist:
//
//   - RedisRegistry — reads control-plane records from Redis, with an
//     in-process snapshot refreshed on a timer so the hot path never waits
//     on the network for a token it has seen recently.
//   - StaticRegistry — fixed project set for tests and single-tenant
//     deployments configured entirely from the environment.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Plan is the billing plan a project is on.
type Plan string

const (
	PlanFree    Plan = "free"
	PlanStarter Plan = "starter"
	PlanPro     Plan = "pro"
)

// Project is the unit of tenancy. Immutable within a request; the registry
// refreshes records out-of-band.
type Project struct {
	ID                  string            `json:"id"`
	Plan                Plan              `json:"plan"`
	Suspended           bool              `json:"suspended"`
	MonthlyRequestLimit int64             `json:"monthly_request_limit"`
	PerMinuteLimit      int64             `json:"per_minute_limit"`
	CacheTTLSeconds     int               `json:"cache_ttl_seconds"`
	SimilarityThreshold float64           `json:"similarity_threshold"`
	CacheEnabled        bool              `json:"cache_enabled"`
	ProviderCredentials map[string]string `json:"provider_credentials"`
}

// CacheTTL returns the project TTL as a duration, defaulting to one hour.
func (p *Project) CacheTTL() time.Duration {
	if p.CacheTTLSeconds <= 0 {
		return time.Hour
	}
	return time.Duration(p.CacheTTLSeconds) * time.Second
}

// Threshold clamps the similarity threshold into the supported [0.85, 0.99]
// band; out-of-band values from the control plane are clamped, not rejected.
func (p *Project) Threshold() float64 {
	switch {
	case p.SimilarityThreshold < 0.85:
		return 0.85
	case p.SimilarityThreshold > 0.99:
		return 0.99
	default:
		return p.SimilarityThreshold
	}
}

// Credential returns the project's upstream credential for a provider.
func (p *Project) Credential(provider string) string {
	if p.ProviderCredentials == nil {
		return ""
	}
	return p.ProviderCredentials[provider]
}

// ErrUnknownToken is returned when no project matches the presented token.
var ErrUnknownToken = errors.New("registry: unknown token")

// Registry resolves an opaque bearer token to its project.
type Registry interface {
	Lookup(ctx context.Context, token string) (*Project, error)
}

// TokenKey is the Redis key under which the control plane stores a project
// record for a token. Tokens are never stored in the clear.
func TokenKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "project:token:" + hex.EncodeToString(sum[:])
}

// ── Redis-backed registry ────────────────────────────────────────────────────

const (
	defaultSnapshotTTL  = 30 * time.Second
	defaultLookupLimit  = 2 * time.Second
	negativeSnapshotTTL = 5 * time.Second
)

type snapshot struct {
	project   *Project // nil records a recent miss
	fetchedAt time.Time
}

// RedisRegistry reads project records written by the control plane.
type RedisRegistry struct {
	rdb         *redis.Client
	snapshotTTL time.Duration

	mu    sync.RWMutex
	cache map[string]snapshot // keyed by hashed-token Redis key
}

// NewRedisRegistry wraps an existing Redis client. The caller owns the
// client lifecycle.
func NewRedisRegistry(rdb *redis.Client) *RedisRegistry {
	return &RedisRegistry{
		rdb:         rdb,
		snapshotTTL: defaultSnapshotTTL,
		cache:       make(map[string]snapshot),
	}
}

// Lookup resolves token via the snapshot cache, falling back to Redis when
// the snapshot is missing or older than the refresh interval. A Redis error
// serves the last snapshot if one exists (stale reads are acceptable);
// otherwise the token is treated as unknown.
func (r *RedisRegistry) Lookup(ctx context.Context, token string) (*Project, error) {
	if token == "" {
		return nil, ErrUnknownToken
	}
	key := TokenKey(token)
	now := time.Now()

	r.mu.RLock()
	snap, ok := r.cache[key]
	r.mu.RUnlock()

	if ok {
		ttl := r.snapshotTTL
		if snap.project == nil {
			ttl = negativeSnapshotTTL
		}
		if now.Sub(snap.fetchedAt) < ttl {
			if snap.project == nil {
				return nil, ErrUnknownToken
			}
			return snap.project, nil
		}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, defaultLookupLimit)
	defer cancel()

	raw, err := r.rdb.Get(fetchCtx, key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		r.store(key, snapshot{project: nil, fetchedAt: now})
		return nil, ErrUnknownToken

	case err != nil:
		// Registry unreachable: serve the stale snapshot when we have one.
		if ok && snap.project != nil {
			return snap.project, nil
		}
		return nil, fmt.Errorf("registry: lookup: %w", err)
	}

	var p Project
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("registry: decode project record: %w", err)
	}

	r.store(key, snapshot{project: &p, fetchedAt: now})
	return &p, nil
}

func (r *RedisRegistry) store(key string, s snapshot) {
	r.mu.Lock()
	r.cache[key] = s
	r.mu.Unlock()
}

// ── Static registry ──────────────────────────────────────────────────────────

// StaticRegistry holds a fixed token→project map.
type StaticRegistry struct {
	projects map[string]*Project
}

// NewStaticRegistry builds a registry from a token→project map.
func NewStaticRegistry(projects map[string]*Project) *StaticRegistry {
	cp := make(map[string]*Project, len(projects))
	for tok, p := range projects {
		cp[tok] = p
	}
	return &StaticRegistry{projects: cp}
}

// Lookup implements Registry.
func (s *StaticRegistry) Lookup(_ context.Context, token string) (*Project, error) {
	p, ok := s.projects[token]
	if !ok {
		return nil, ErrUnknownToken
	}
	return p, nil
}
