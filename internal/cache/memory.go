// Package cache provides the response cache for the gateway.
//
// Two backends are available behind the Cache interface:
//   - ExactCache  — Redis-backed, recommended for multi-replica clusters.
//   - MemoryCache — in-process LRU with per-entry TTL, zero external deps.
//
// Entries are immutable once stored: a key is only ever read or replaced
// wholesale, never partially mutated, so concurrent readers can never
// observe a half-written response.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

const defaultCapacity = 10_000

// memEntry stores a cached value with its expiry and a hit counter.
type memEntry struct {
	key       string
	data      []byte
	expiresAt time.Time
	hits      int64
}

// MemoryCache is an in-process cache bounded by both a capacity limit
// (least-recently-used eviction) and a per-entry TTL.
//
// It is safe for concurrent use. All operations hold the mutex for a
// short, bounded critical section — no I/O happens under the lock. A
// background goroutine sweeps expired entries so memory does not grow
// while idle.
type MemoryCache struct {
	mu       sync.Mutex
	items    map[string]*list.Element // value is *memEntry
	order    *list.List               // front = most recently used
	capacity int

	done chan struct{}
}

// NewMemoryCache creates a MemoryCache with the given capacity (entries)
// and starts the background sweep. capacity ≤ 0 uses the default (10 000).
// The sweep goroutine stops when ctx is cancelled or Close is called.
func NewMemoryCache(ctx context.Context, capacity int) *MemoryCache {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	c := &MemoryCache{
		items:    make(map[string]*list.Element),
		order:    list.New(),
		capacity: capacity,
		done:     make(chan struct{}),
	}
	go c.sweep(ctx)
	return c
}

// Get returns the cached value for key. Returns (nil, false) on a miss or
// if the entry has expired; expired entries are removed lazily on access.
// A hit refreshes the entry's LRU position and increments its hit counter
// but never modifies the stored payload.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, false
	}

	e := el.Value.(*memEntry)
	if time.Now().After(e.expiresAt) {
		c.remove(el)
		return nil, false
	}

	e.hits++
	c.order.MoveToFront(el)
	return e.data, true
}

// Set stores value under key for the duration of ttl, replacing any
// existing entry atomically. When the cache is at capacity the least
// recently used entry is evicted first.
// A zero or negative ttl is treated as a 1-hour TTL.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Hour
	}

	entry := &memEntry{
		key:       key,
		data:      value,
		expiresAt: time.Now().Add(ttl),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		// Replace wholesale — readers holding the old slice are unaffected.
		el.Value = entry
		c.order.MoveToFront(el)
		return nil
	}

	for len(c.items) >= c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.remove(oldest)
	}

	c.items[key] = c.order.PushFront(entry)
	return nil
}

// Delete removes key from the cache. Returns nil if the key did not exist.
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.remove(el)
	}
	return nil
}

// Len returns the number of entries currently held.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Hits returns the hit counter for key, or 0 if the key is absent.
func (c *MemoryCache) Hits(key string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		return el.Value.(*memEntry).hits
	}
	return 0
}

// Close stops the background sweep goroutine.
func (c *MemoryCache) Close() {
	close(c.done)
}

// remove must be called with c.mu held.
func (c *MemoryCache) remove(el *list.Element) {
	e := el.Value.(*memEntry)
	delete(c.items, e.key)
	c.order.Remove(el)
}

// sweep runs every 5 minutes and evicts all expired entries.
func (c *MemoryCache) sweep(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.evictExpired()
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

func (c *MemoryCache) evictExpired() {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	var next *list.Element
	for el := c.order.Front(); el != nil; el = next {
		next = el.Next()
		if now.After(el.Value.(*memEntry).expiresAt) {
			c.remove(el)
		}
	}
}
