package dispatch

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// idemCache maps idempotency keys to job ids for the configured TTL. It is a
// fast path in front of the store's key index: eviction only means a store
// lookup, never a duplicate job, because the store index is consulted on
// cache miss.
type idemCache struct {
	lru *expirable.LRU[string, string]
}

func newIdemCache(size int, ttl time.Duration) *idemCache {
	if size <= 0 {
		size = 4096
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &idemCache{lru: expirable.NewLRU[string, string](size, nil, ttl)}
}

func (c *idemCache) get(key string) (string, bool) {
	if key == "" {
		return "", false
	}
	return c.lru.Get(key)
}

func (c *idemCache) put(key, jobID string) {
	if key == "" {
		return
	}
	c.lru.Add(key, jobID)
}
