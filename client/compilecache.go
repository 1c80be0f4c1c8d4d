// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package client

import (
	"container/list"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/gomlx/xrt/internal/metrics"
)

// DefaultCompilationCacheSize is the compilation cache capacity used when
// Options.CompilationCacheSize is zero.
const DefaultCompilationCacheSize = 1024

// cacheKeyHashLimit bounds how many bytes of the serialized program are
// hashed. Serialized programs can be tens of megabytes; hashing a bounded
// prefix keeps lookups cheap. Equality still compares the full bytes.
const cacheKeyHashLimit = 4096

// cacheKey identifies a compiled program: compiled-program handles are only
// valid within the domain (worker endpoint) that compiled them, so the domain
// is part of the key.
type cacheKey struct {
	domain  string
	program string
}

func (k cacheKey) hash() uint64 {
	h := xxhash.Sum64String(k.domain)
	limit := len(k.program)
	if limit > cacheKeyHashLimit {
		limit = cacheKeyHashLimit
	}
	return hashCombine(h, xxhash.Sum64String(k.program[:limit]))
}

func hashCombine(a, b uint64) uint64 {
	return a ^ (b + 0x9e3779b97f4a7c15 + (a << 6) + (a >> 2))
}

// compileCache is a bounded LRU of compiled programs. It owns one reference
// to each cached Computation; lookups hand out an extra shared owner, so
// evicting an entry still referenced by a caller never invalidates the
// caller's copy -- it only makes the program ineligible for reuse.
type compileCache struct {
	capacity int

	mu      sync.Mutex
	order   *list.List // of *cacheEntry, front is most recently used.
	buckets map[uint64][]*cacheEntry
}

type cacheEntry struct {
	key         cacheKey
	hash        uint64
	computation *Computation
	elem        *list.Element
}

func newCompileCache(capacity int) *compileCache {
	if capacity <= 0 {
		capacity = DefaultCompilationCacheSize
	}
	return &compileCache{
		capacity: capacity,
		order:    list.New(),
		buckets:  make(map[uint64][]*cacheEntry),
	}
}

// lockedLookup finds the entry for key, comparing full key bytes within the
// hash bucket. It must be called with the cache lock held.
func (c *compileCache) lockedLookup(hash uint64, key cacheKey) *cacheEntry {
	for _, entry := range c.buckets[hash] {
		if entry.key == key {
			return entry
		}
	}
	return nil
}

// getOrCompile returns the cached computation for (domain, program), or
// invokes compile on a miss and caches its result. The lock is never held
// across the compile call. If capacity is exceeded, the least-recently-used
// entry is evicted and its cache reference released.
func (c *compileCache) getOrCompile(domain string, program []byte, compile func() (*Computation, error)) (*Computation, error) {
	key := cacheKey{domain: domain, program: string(program)}
	hash := key.hash()

	c.mu.Lock()
	if entry := c.lockedLookup(hash, key); entry != nil {
		c.order.MoveToFront(entry.elem)
		shared := entry.computation.share()
		c.mu.Unlock()
		metrics.CompileCacheHits.Inc()
		return shared, nil
	}
	c.mu.Unlock()

	metrics.CompileCacheMisses.Inc()
	computation, err := compile()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if entry := c.lockedLookup(hash, key); entry != nil {
		// Lost a race with a concurrent compile of the same program: keep
		// the cached one, let ours go through the normal release path.
		c.order.MoveToFront(entry.elem)
		shared := entry.computation.share()
		c.mu.Unlock()
		computation.Release()
		return shared, nil
	}
	entry := &cacheEntry{key: key, hash: hash, computation: computation}
	entry.elem = c.order.PushFront(entry)
	c.buckets[hash] = append(c.buckets[hash], entry)
	var evicted *Computation
	if c.order.Len() > c.capacity {
		evicted = c.lockedEvictOldest()
	}
	shared := computation.share()
	c.mu.Unlock()
	if evicted != nil {
		evicted.Release()
	}
	return shared, nil
}

// lockedEvictOldest removes the least-recently-used entry and returns its
// computation, to be released outside the lock.
func (c *compileCache) lockedEvictOldest() *Computation {
	elem := c.order.Back()
	if elem == nil {
		return nil
	}
	entry := c.order.Remove(elem).(*cacheEntry)
	bucket := c.buckets[entry.hash]
	for i, e := range bucket {
		if e == entry {
			bucket[i] = bucket[len(bucket)-1]
			bucket = bucket[:len(bucket)-1]
			break
		}
	}
	if len(bucket) == 0 {
		delete(c.buckets, entry.hash)
	} else {
		c.buckets[entry.hash] = bucket
	}
	return entry.computation
}

// clear releases every cached computation.
func (c *compileCache) clear() {
	c.mu.Lock()
	var all []*Computation
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		all = append(all, elem.Value.(*cacheEntry).computation)
	}
	c.order.Init()
	c.buckets = make(map[uint64][]*cacheEntry)
	c.mu.Unlock()
	for _, computation := range all {
		computation.Release()
	}
}

// len returns the number of cached programs.
func (c *compileCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
