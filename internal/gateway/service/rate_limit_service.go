package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fuzexec/internal/common/cache"
	pkgerrors "fuzexec/pkg/errors"

	"golang.org/x/time/rate"
)

// Limiter admits or rejects one request against a per-key quota.
type Limiter interface {
	Allow(ctx context.Context, key string, max int, window time.Duration) error
}

// RateLimitService enforces fixed-window limits using Redis.
type RateLimitService struct {
	cache        cache.BasicOps
	window       time.Duration
	redisTimeout time.Duration
}

func NewRateLimitService(cacheClient cache.BasicOps, window time.Duration, redisTimeout time.Duration) *RateLimitService {
	if redisTimeout <= 0 {
		redisTimeout = 200 * time.Millisecond
	}
	return &RateLimitService{cache: cacheClient, window: window, redisTimeout: redisTimeout}
}

func (s *RateLimitService) Allow(ctx context.Context, key string, max int, window time.Duration) error {
	if s.cache == nil {
		return pkgerrors.New(pkgerrors.ServiceUnavailable).WithMessage("rate limit cache is unavailable")
	}
	if max <= 0 {
		return nil
	}
	if window <= 0 {
		window = s.window
	}

	ctxCache, cancel := context.WithTimeout(ctx, s.redisTimeout)
	defer cancel()

	acquired, err := s.cache.SetNX(ctxCache, key, 1, window)
	if err != nil {
		return pkgerrors.Wrapf(err, pkgerrors.CacheError, "rate limit check failed")
	}
	var count int64
	if acquired {
		count = 1
	} else {
		count, err = s.cache.Incr(ctxCache, key)
		if err != nil {
			return pkgerrors.Wrapf(err, pkgerrors.CacheError, "rate limit check failed")
		}
		// A key without ttl would never reset the window.
		ttl, ttlErr := s.cache.TTL(ctxCache, key)
		if ttlErr == nil && ttl <= 0 {
			_ = s.cache.Expire(ctxCache, key, window)
		}
	}
	if int(count) > max {
		return pkgerrors.New(pkgerrors.TooManyRequests).WithMessage(fmt.Sprintf("rate limit exceeded for %s", key))
	}
	return nil
}

const localLimiterMaxKeys = 10000

type localEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// LocalRateLimiter is the in-process token bucket used when Redis is not
// configured. Each key refills max tokens per window.
type LocalRateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	entries map[string]*localEntry
	now     func() time.Time
}

func NewLocalRateLimiter(window time.Duration) *LocalRateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &LocalRateLimiter{
		window:  window,
		entries: make(map[string]*localEntry),
		now:     time.Now,
	}
}

func (l *LocalRateLimiter) Allow(ctx context.Context, key string, max int, window time.Duration) error {
	if max <= 0 {
		return nil
	}
	if window <= 0 {
		window = l.window
	}
	now := l.now()

	l.mu.Lock()
	entry, ok := l.entries[key]
	if !ok {
		if len(l.entries) >= localLimiterMaxKeys {
			l.sweepLocked(now)
		}
		perToken := window / time.Duration(max)
		if perToken <= 0 {
			perToken = time.Nanosecond
		}
		entry = &localEntry{limiter: rate.NewLimiter(rate.Every(perToken), max)}
		l.entries[key] = entry
	}
	entry.lastSeen = now
	allowed := entry.limiter.AllowN(now, 1)
	l.mu.Unlock()

	if !allowed {
		return pkgerrors.New(pkgerrors.TooManyRequests).WithMessage(fmt.Sprintf("rate limit exceeded for %s", key))
	}
	return nil
}

// sweepLocked drops buckets idle for longer than one window; they are full
// again and indistinguishable from new ones.
func (l *LocalRateLimiter) sweepLocked(now time.Time) {
	for key, entry := range l.entries {
		if now.Sub(entry.lastSeen) > l.window {
			delete(l.entries, key)
		}
	}
}
