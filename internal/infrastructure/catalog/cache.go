package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/toolbridge/toolbridge/internal/domain/chat"
)

// cacheKey derives the cache key for one backend dialect and client
// credential. The credential is hashed so the key is safe to log.
func cacheKey(d chat.Dialect, auth string) string {
	sum := sha256.Sum256([]byte(auth))
	return string(d) + ":" + hex.EncodeToString(sum[:])[:16]
}

type entry struct {
	models  []chat.ModelInfo
	expires time.Time
}

// Cache is a TTL cache of model lists with request coalescing: concurrent
// misses on one key trigger a single upstream fetch, and every waiter gets
// that fetch's result.
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry
	ttl     time.Duration
	group   singleflight.Group
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		entries: make(map[string]entry),
		ttl:     ttl,
	}
}

// Resolve returns the cached list for key or runs fetch and caches the
// result. The bool reports a cache hit. Fetch failures propagate to every
// coalesced waiter and leave the cache untouched, so the next call retries.
func (c *Cache) Resolve(key string, fetch func() ([]chat.ModelInfo, error)) ([]chat.ModelInfo, bool, error) {
	if models, ok := c.get(key); ok {
		return models, true, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// A concurrent caller may have just filled the entry.
		if models, ok := c.get(key); ok {
			return models, nil
		}
		models, err := fetch()
		if err != nil {
			return nil, err
		}
		c.set(key, models)
		return models, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.([]chat.ModelInfo), false, nil
}

func (c *Cache) get(key string) ([]chat.ModelInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return e.models, true
}

func (c *Cache) set(key string, models []chat.ModelInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{
		models:  models,
		expires: time.Now().Add(c.ttl),
	}
}
