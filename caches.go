package vbus

import (
	"sync"
	"sync/atomic"
)

// maxCacheEntries bounds the size of a cache. Signatures arrive from
// remote peers, so the set of keys is not under our control.
const maxCacheEntries = 1024

type cache[K comparable, V any] struct {
	m sync.Map
	n atomic.Int64
}

type cacheEntry[V any] struct {
	val V
	err error
}

// Get returns the cached result for k, if any.
func (c *cache[K, V]) Get(k K) (cacheEntry[V], bool) {
	ent, ok := c.m.Load(k)
	if !ok {
		return cacheEntry[V]{}, false
	}
	return ent.(cacheEntry[V]), true
}

// Set records the result of computing k's value. Set is a no-op once
// the cache is full.
func (c *cache[K, V]) Set(k K, val V, err error) {
	if c.n.Load() >= maxCacheEntries {
		return
	}
	if _, loaded := c.m.LoadOrStore(k, cacheEntry[V]{val, err}); !loaded {
		c.n.Add(1)
	}
}
