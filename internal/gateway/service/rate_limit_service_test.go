package service

import (
	"context"
	"strconv"
	"testing"
	"time"

	"fuzexec/internal/common/cache"
	pkgerrors "fuzexec/pkg/errors"

	"github.com/alicebob/miniredis/v2"
)

func TestRateLimitServiceFixedWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := cache.DefaultRedisConfig()
	cfg.Addr = mr.Addr()
	c, err := cache.NewRedisCacheWithConfig(cfg)
	if err != nil {
		t.Fatalf("new redis cache: %v", err)
	}
	defer c.Close()

	svc := NewRateLimitService(c, time.Minute, time.Second)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := svc.Allow(ctx, "exec:rate:user:alice:submit", 3, 0); err != nil {
			t.Fatalf("request %d rejected: %v", i, err)
		}
	}
	if err := svc.Allow(ctx, "exec:rate:user:alice:submit", 3, 0); !pkgerrors.Is(err, pkgerrors.TooManyRequests) {
		t.Fatalf("expected rate limit, got %v", err)
	}
	if err := svc.Allow(ctx, "exec:rate:user:bob:submit", 3, 0); err != nil {
		t.Fatalf("other identity should not share quota: %v", err)
	}

	mr.FastForward(2 * time.Minute)
	if err := svc.Allow(ctx, "exec:rate:user:alice:submit", 3, 0); err != nil {
		t.Fatalf("window should reset: %v", err)
	}
}

func TestRateLimitServiceWithoutCache(t *testing.T) {
	svc := NewRateLimitService(nil, time.Minute, time.Second)
	if err := svc.Allow(context.Background(), "k", 1, 0); !pkgerrors.Is(err, pkgerrors.ServiceUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestLocalRateLimiterRefills(t *testing.T) {
	now := time.Unix(1700000000, 0)
	l := NewLocalRateLimiter(time.Minute)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := l.Allow(ctx, "alice", 2, 0); err != nil {
			t.Fatalf("request %d rejected: %v", i, err)
		}
	}
	if err := l.Allow(ctx, "alice", 2, 0); !pkgerrors.Is(err, pkgerrors.TooManyRequests) {
		t.Fatalf("expected rate limit, got %v", err)
	}
	if err := l.Allow(ctx, "bob", 2, 0); err != nil {
		t.Fatalf("bob has a separate bucket: %v", err)
	}

	now = now.Add(30 * time.Second)
	if err := l.Allow(ctx, "alice", 2, 0); err != nil {
		t.Fatalf("one token should refill after half a window: %v", err)
	}
	if err := l.Allow(ctx, "alice", 2, 0); !pkgerrors.Is(err, pkgerrors.TooManyRequests) {
		t.Fatalf("expected rate limit after refill used, got %v", err)
	}
}

func TestLocalRateLimiterSweepsIdleKeys(t *testing.T) {
	now := time.Unix(1700000000, 0)
	l := NewLocalRateLimiter(time.Second)
	l.now = func() time.Time { return now }
	for i := 0; i < localLimiterMaxKeys; i++ {
		_ = l.Allow(context.Background(), "k"+strconv.Itoa(i), 1, 0)
	}
	now = now.Add(time.Minute)
	_ = l.Allow(context.Background(), "fresh", 1, 0)
	if len(l.entries) != 1 {
		t.Fatalf("expected idle buckets to be swept, have %d", len(l.entries))
	}
}
