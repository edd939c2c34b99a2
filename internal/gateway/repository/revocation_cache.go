package repository

import (
	"container/list"
	"sync"
	"time"
)

const defaultRevocationCacheSize = 1024

// RevocationCache is a bounded in-process set of revoked token hashes.
// Entries expire after their ttl; when full, the least recently seen hash
// is dropped and the next lookup falls through to Redis.
type RevocationCache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	recency *list.List
	limit   int
	ttl     time.Duration
	now     func() time.Time
}

type revokedHash struct {
	hash    string
	expires time.Time
}

// NewRevocationCache creates a cache holding at most limit hashes, each for
// ttl unless Add is given its own.
func NewRevocationCache(limit int, ttl time.Duration) *RevocationCache {
	if limit <= 0 {
		limit = defaultRevocationCacheSize
	}
	return &RevocationCache{
		entries: make(map[string]*list.Element, limit),
		recency: list.New(),
		limit:   limit,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Contains reports whether hash is known to be revoked.
func (c *RevocationCache) Contains(hash string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[hash]
	if !ok {
		return false
	}
	if c.expired(elem.Value.(*revokedHash)) {
		c.drop(elem)
		return false
	}
	c.recency.MoveToFront(elem)
	return true
}

// Add records hash as revoked. ttl <= 0 uses the cache default; a zero
// default never expires.
func (c *RevocationCache) Add(hash string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ttl <= 0 {
		ttl = c.ttl
	}
	var expires time.Time
	if ttl > 0 {
		expires = c.now().Add(ttl)
	}
	if elem, ok := c.entries[hash]; ok {
		elem.Value.(*revokedHash).expires = expires
		c.recency.MoveToFront(elem)
		return
	}
	c.entries[hash] = c.recency.PushFront(&revokedHash{hash: hash, expires: expires})
	for len(c.entries) > c.limit {
		c.drop(c.recency.Back())
	}
}

// Len returns the number of cached hashes, expired ones included until
// they are next touched.
func (c *RevocationCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *RevocationCache) expired(e *revokedHash) bool {
	return !e.expires.IsZero() && !c.now().Before(e.expires)
}

func (c *RevocationCache) drop(elem *list.Element) {
	delete(c.entries, elem.Value.(*revokedHash).hash)
	c.recency.Remove(elem)
}
