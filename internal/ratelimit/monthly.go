package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// quotaKeyTTL keeps spent monthly counters around a little past month end
// for analytics backfill before Redis reclaims them.
const quotaKeyTTL = 40 * 24 * time.Hour

// QuotaDecision is the outcome of a monthly quota check.
type QuotaDecision struct {
	Allowed    bool
	Used       int64
	Limit      int64
	RetryAfter time.Duration // until the month rolls over, when denied
}

// QuotaTracker counts requests per project per calendar month (UTC).
type QuotaTracker interface {
	// Consume counts one request against projectID's monthly quota of limit
	// requests. limit <= 0 means unlimited.
	Consume(ctx context.Context, projectID string, limit int64) QuotaDecision
}

// quotaKey is the shared counter key for a project and month.
func quotaKey(projectID string, now time.Time) string {
	return fmt.Sprintf("quota:%s:%s", projectID, now.UTC().Format("2006-01"))
}

// untilNextMonth is the Retry-After for an exhausted quota.
func untilNextMonth(now time.Time) time.Duration {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	return next.Sub(now)
}

// RedisQuota is the shared-across-instances quota tracker. When Redis is
// unreachable the check fails open: a transient outage must not take down
// paying traffic, slight over-admission is the accepted cost.
type RedisQuota struct {
	rdb *redis.Client
	log *slog.Logger
	now func() time.Time
}

// NewRedisQuota wraps an existing Redis client.
func NewRedisQuota(rdb *redis.Client, log *slog.Logger) *RedisQuota {
	if log == nil {
		log = slog.Default()
	}
	return &RedisQuota{rdb: rdb, log: log, now: time.Now}
}

// Consume implements QuotaTracker.
func (q *RedisQuota) Consume(ctx context.Context, projectID string, limit int64) QuotaDecision {
	if limit <= 0 {
		return QuotaDecision{Allowed: true, Limit: limit}
	}
	now := q.now()
	key := quotaKey(projectID, now)

	used, err := q.rdb.Incr(ctx, key).Result()
	if err != nil {
		q.log.WarnContext(ctx, "quota_incr_error",
			slog.String("project_id", projectID),
			slog.String("error", err.Error()),
		)
		return QuotaDecision{Allowed: true, Limit: limit}
	}
	if used == 1 {
		q.rdb.Expire(ctx, key, quotaKeyTTL)
	}

	if used > limit {
		// The increment above overshot; undo it so analytics see the true
		// admitted count. Best-effort.
		q.rdb.Decr(ctx, key)
		return QuotaDecision{
			Allowed:    false,
			Used:       limit,
			Limit:      limit,
			RetryAfter: untilNextMonth(now),
		}
	}
	return QuotaDecision{Allowed: true, Used: used, Limit: limit}
}

// Used reads the current month's admitted count for a project.
func (q *RedisQuota) Used(ctx context.Context, projectID string) int64 {
	n, err := q.rdb.Get(ctx, quotaKey(projectID, q.now())).Int64()
	if err != nil {
		return 0
	}
	return n
}

// MemoryQuota is a single-instance QuotaTracker for deployments without
// Redis and for tests.
type MemoryQuota struct {
	mu    sync.Mutex
	used  map[string]int64 // keyed by quotaKey
	month string
	now   func() time.Time
}

// NewMemoryQuota creates an empty in-process tracker.
func NewMemoryQuota() *MemoryQuota {
	return &MemoryQuota{used: make(map[string]int64), now: time.Now}
}

// Consume implements QuotaTracker.
func (m *MemoryQuota) Consume(_ context.Context, projectID string, limit int64) QuotaDecision {
	if limit <= 0 {
		return QuotaDecision{Allowed: true, Limit: limit}
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Reset all counters when the month rolls over.
	if month := now.UTC().Format("2006-01"); month != m.month {
		m.used = make(map[string]int64)
		m.month = month
	}

	key := quotaKey(projectID, now)
	if m.used[key] >= limit {
		return QuotaDecision{
			Allowed:    false,
			Used:       m.used[key],
			Limit:      limit,
			RetryAfter: untilNextMonth(now),
		}
	}
	m.used[key]++
	return QuotaDecision{Allowed: true, Used: m.used[key], Limit: limit}
}
