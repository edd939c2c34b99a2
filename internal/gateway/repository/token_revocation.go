package repository

import (
	"context"
	"errors"
	"time"

	"fuzexec/internal/common/cache"
)

const tokenRevocationKeyPrefix = "exec:auth:revoked:"

// TokenRevocationRepository checks revoked token hashes in Redis with a
// local cache in front.
type TokenRevocationRepository struct {
	local        *RevocationCache
	redis        cache.BasicOps
	redisTimeout time.Duration
	localTTL     time.Duration
}

// NewTokenRevocationRepository creates the repository. local may be nil.
func NewTokenRevocationRepository(local *RevocationCache, redis cache.BasicOps, redisTimeout, localTTL time.Duration) *TokenRevocationRepository {
	if redisTimeout <= 0 {
		redisTimeout = 200 * time.Millisecond
	}
	return &TokenRevocationRepository{
		local:        local,
		redis:        redis,
		redisTimeout: redisTimeout,
		localTTL:     localTTL,
	}
}

// Revoke marks a token hash revoked until ttl passes.
func (r *TokenRevocationRepository) Revoke(ctx context.Context, tokenHash string, ttl time.Duration) error {
	if tokenHash == "" {
		return errors.New("token hash is required")
	}
	if r.redis == nil {
		return errors.New("redis is nil")
	}
	ctxCache, cancel := context.WithTimeout(ctx, r.redisTimeout)
	defer cancel()
	if err := r.redis.Set(ctxCache, tokenRevocationKeyPrefix+tokenHash, 1, ttl); err != nil {
		return err
	}
	if r.local != nil {
		r.local.Add(tokenHash, r.localTTL)
	}
	return nil
}

// IsRevoked reports whether the token hash was revoked. Only positive
// answers are cached locally.
func (r *TokenRevocationRepository) IsRevoked(ctx context.Context, tokenHash string) (bool, error) {
	if tokenHash == "" {
		return false, nil
	}
	if r.local != nil {
		if r.local.Contains(tokenHash) {
			return true, nil
		}
	}
	if r.redis == nil {
		return false, errors.New("redis is nil")
	}
	ctxCache, cancel := context.WithTimeout(ctx, r.redisTimeout)
	defer cancel()
	n, err := r.redis.Exists(ctxCache, tokenRevocationKeyPrefix+tokenHash)
	if err != nil {
		return false, err
	}
	revoked := n > 0
	if revoked && r.local != nil {
		r.local.Add(tokenHash, r.localTTL)
	}
	return revoked, nil
}
