package cache

import (
	"errors"
	"slices"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// LRUCache is a bounded in-process cache. Entries expire after the TTL given
// at construction; per-call TTLs are ignored.
type LRUCache struct {
	cache *lru.LRU[string, []byte]
}

// NewLRUCache creates an in-memory cache holding at most size entries.
func NewLRUCache(size int, ttl time.Duration) *LRUCache {
	return &LRUCache{
		cache: lru.NewLRU[string, []byte](size, nil, ttl),
	}
}

// Set stores a copy of value.
func (c *LRUCache) Set(key string, value []byte, _ time.Duration) error {
	c.cache.Add(key, slices.Clone(value))
	return nil
}

// Get retrieves a value
func (c *LRUCache) Get(key string) ([]byte, error) {
	val, ok := c.cache.Get(key)
	if !ok {
		return nil, ErrKeyNotFound
	}
	return slices.Clone(val), nil
}

// Delete removes a value
func (c *LRUCache) Delete(key string) error {
	c.cache.Remove(key)
	return nil
}

// Len returns the number of live entries.
func (c *LRUCache) Len() int {
	return c.cache.Len()
}

// Close drops all entries.
func (c *LRUCache) Close() error {
	c.cache.Purge()
	return nil
}

// Tiered reads from a fast cache first and falls back to a durable one,
// back-filling the fast tier on a hit.
type Tiered struct {
	fast    Cache
	durable Cache
}

// NewTiered combines a fast and a durable cache.
func NewTiered(fast, durable Cache) *Tiered {
	return &Tiered{fast: fast, durable: durable}
}

// Set writes through to both tiers.
func (t *Tiered) Set(key string, value []byte, ttl time.Duration) error {
	if err := t.durable.Set(key, value, ttl); err != nil {
		return err
	}
	return t.fast.Set(key, value, ttl)
}

// Get retrieves a value
func (t *Tiered) Get(key string) ([]byte, error) {
	if val, err := t.fast.Get(key); err == nil {
		return val, nil
	}
	val, err := t.durable.Get(key)
	if err != nil {
		return nil, err
	}
	_ = t.fast.Set(key, val, 0)
	return val, nil
}

// Delete removes a value
func (t *Tiered) Delete(key string) error {
	_ = t.fast.Delete(key)
	return t.durable.Delete(key)
}

// Close closes both tiers.
func (t *Tiered) Close() error {
	return errors.Join(t.fast.Close(), t.durable.Close())
}
