package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMinuteLimiterBurstThenDeny(t *testing.T) {
	m := NewMinuteLimiter()
	now := time.Now()
	m.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		ok, _ := m.Allow("proj-1", 5)
		if !ok {
			t.Fatalf("request %d denied within burst", i)
		}
	}

	ok, retry := m.Allow("proj-1", 5)
	if ok {
		t.Fatal("request beyond burst allowed")
	}
	if retry <= 0 || retry > 13*time.Second {
		t.Errorf("retry = %v, want ~12s for 5/min", retry)
	}
}

func TestMinuteLimiterRefills(t *testing.T) {
	m := NewMinuteLimiter()
	now := time.Now()
	m.now = func() time.Time { return now }

	for i := 0; i < 60; i++ {
		m.Allow("proj-1", 60)
	}
	if ok, _ := m.Allow("proj-1", 60); ok {
		t.Fatal("exhausted bucket allowed")
	}

	// One token accrues per second at 60/min.
	now = now.Add(1100 * time.Millisecond)
	if ok, _ := m.Allow("proj-1", 60); !ok {
		t.Error("expected one token after refill interval")
	}
	if ok, _ := m.Allow("proj-1", 60); ok {
		t.Error("second token should not exist yet")
	}
}

func TestMinuteLimiterIsolatesProjects(t *testing.T) {
	m := NewMinuteLimiter()
	now := time.Now()
	m.now = func() time.Time { return now }

	m.Allow("proj-a", 1)
	if ok, _ := m.Allow("proj-a", 1); ok {
		t.Fatal("proj-a should be exhausted")
	}
	if ok, _ := m.Allow("proj-b", 1); !ok {
		t.Error("proj-b must have its own bucket")
	}
}

func TestMinuteLimiterUnlimited(t *testing.T) {
	m := NewMinuteLimiter()
	for i := 0; i < 1000; i++ {
		if ok, _ := m.Allow("proj-1", 0); !ok {
			t.Fatal("limit 0 must be unlimited")
		}
	}
}

func TestMinuteLimiterLimitChangeResetsBucket(t *testing.T) {
	m := NewMinuteLimiter()
	now := time.Now()
	m.now = func() time.Time { return now }

	m.Allow("proj-1", 1)
	// Plan upgrade: new limit gets a fresh full bucket.
	if ok, _ := m.Allow("proj-1", 10); !ok {
		t.Error("expected fresh bucket after limit change")
	}
}

func TestEvictStale(t *testing.T) {
	m := NewMinuteLimiter()
	now := time.Now()
	m.now = func() time.Time { return now }

	m.Allow("proj-old", 10)
	now = now.Add(2 * time.Hour)
	m.Allow("proj-new", 10)

	if n := m.EvictStale(time.Hour); n != 1 {
		t.Errorf("evicted = %d, want 1", n)
	}
	if m.Len() != 1 {
		t.Errorf("len = %d, want 1", m.Len())
	}
}

func newTestQuota(t *testing.T) (*RedisQuota, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisQuota(rdb, nil), mr
}

func TestRedisQuotaEnforcesLimit(t *testing.T) {
	q, _ := newTestQuota(t)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		d := q.Consume(ctx, "proj-1", 3)
		if !d.Allowed {
			t.Fatalf("request %d denied under quota", i)
		}
		if d.Used != i {
			t.Errorf("used = %d, want %d", d.Used, i)
		}
	}

	d := q.Consume(ctx, "proj-1", 3)
	if d.Allowed {
		t.Fatal("request beyond quota allowed")
	}
	if d.RetryAfter <= 0 {
		t.Error("denial must carry a retry-after")
	}
	if got := q.Used(ctx, "proj-1"); got != 3 {
		t.Errorf("stored used = %d, want 3 (overshoot undone)", got)
	}
}

func TestRedisQuotaFailsOpen(t *testing.T) {
	q, mr := newTestQuota(t)
	mr.Close()

	d := q.Consume(context.Background(), "proj-1", 1)
	if !d.Allowed {
		t.Error("quota must fail open when Redis is down")
	}
}

func TestRedisQuotaScopedByMonth(t *testing.T) {
	q, _ := newTestQuota(t)
	ctx := context.Background()

	base := time.Date(2026, time.August, 31, 23, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return base }

	q.Consume(ctx, "proj-1", 1)
	if d := q.Consume(ctx, "proj-1", 1); d.Allowed {
		t.Fatal("august quota should be spent")
	}

	q.now = func() time.Time { return base.Add(2 * time.Hour) } // september
	if d := q.Consume(ctx, "proj-1", 1); !d.Allowed {
		t.Error("new month must reset the quota")
	}
}

func TestMemoryQuota(t *testing.T) {
	q := NewMemoryQuota()
	base := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return base }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if d := q.Consume(ctx, "proj-1", 2); !d.Allowed {
			t.Fatalf("request %d denied under quota", i)
		}
	}
	if d := q.Consume(ctx, "proj-1", 2); d.Allowed {
		t.Fatal("over-quota request allowed")
	}

	q.now = func() time.Time { return base.AddDate(0, 1, 0) }
	if d := q.Consume(ctx, "proj-1", 2); !d.Allowed {
		t.Error("month rollover must reset")
	}
}

func TestUntilNextMonth(t *testing.T) {
	now := time.Date(2026, time.January, 31, 23, 30, 0, 0, time.UTC)
	if d := untilNextMonth(now); d != 30*time.Minute {
		t.Errorf("untilNextMonth = %v, want 30m", d)
	}
}
