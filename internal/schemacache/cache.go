// Package schemacache implements the capacity-bounded, per-entry-TTL cache
// of tool schemas. Concurrent loads of the same key are coalesced through
// golang.org/x/sync/singleflight so the backing upstream call runs once.
package schemacache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Key identifies one cached schema.
type Key struct {
	Server string
	Tool   string
}

// Loader fetches a tool's schema from its upstream (typically `listTools`
// filtered to one tool, via the capability layer).
type Loader func(ctx context.Context, key Key) (any, error)

// Stats are the cache's running counters.
type Stats struct {
	Hits          int64
	Misses        int64
	Coalesced     int64
	Evictions     int64
	LoadLatencyMs int64
	LoadCount     int64
}

type entry struct {
	key        Key
	schema     any
	insertedAt time.Time
	lastAccess time.Time
	hits       int64
	misses     int64
	elem       *list.Element
}

// Cache is a capacity-bounded, per-entry-TTL LRU cache of tool schemas with
// singleflight request coalescing.
type Cache struct {
	mu         sync.Mutex
	maxEntries int
	ttl        time.Duration
	entries    map[Key]*entry
	order      *list.List // front = most recently used
	group      singleflight.Group
	inflight   map[string]struct{} // group keys with a loader running
	stats      Stats
}

// New constructs a Cache with the given capacity and per-entry TTL. A
// maxEntries of 0 means unbounded.
func New(maxEntries int, ttl time.Duration) *Cache {
	return &Cache{
		maxEntries: maxEntries,
		ttl:        ttl,
		entries:    make(map[Key]*entry),
		order:      list.New(),
		inflight:   make(map[string]struct{}),
	}
}

// GetIfCached returns a cached schema without triggering a load.
func (c *Cache) GetIfCached(server, tool string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.lookupLocked(Key{Server: server, Tool: tool})
	if e == nil {
		c.stats.Misses++
		return nil, false
	}
	c.stats.Hits++
	return e.schema, true
}

// lookupLocked returns a live (non-expired) entry and bumps its LRU
// position, or nil if absent/expired. Caller must hold c.mu.
func (c *Cache) lookupLocked(key Key) *entry {
	e, ok := c.entries[key]
	if !ok {
		return nil
	}
	if c.ttl > 0 && time.Since(e.insertedAt) > c.ttl {
		c.evictLocked(e)
		return nil
	}
	e.lastAccess = time.Now()
	c.order.MoveToFront(e.elem)
	return e
}

// GetOrLoad returns the cached schema, or loads it via loader if absent or
// expired. At most one loader runs concurrently per key; callers
// arriving during an in-flight load wait on its result. Failures are never
// cached (no negative caching).
func (c *Cache) GetOrLoad(ctx context.Context, server, tool string, loader Loader) (any, error) {
	key := Key{Server: server, Tool: tool}
	groupKey := server + "\x00" + tool

	c.mu.Lock()
	if e := c.lookupLocked(key); e != nil {
		c.stats.Hits++
		c.mu.Unlock()
		return e.schema, nil
	}
	// Coalesced counts followers only: singleflight's shared flag is also
	// true for the leader once anyone joins its flight, so leader/follower
	// is decided here, before Do.
	_, follower := c.inflight[groupKey]
	if follower {
		c.stats.Coalesced++
	} else {
		c.inflight[groupKey] = struct{}{}
	}
	c.mu.Unlock()

	start := time.Now()
	v, err, _ := c.group.Do(groupKey, func() (any, error) {
		return loader(ctx, key)
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if !follower {
		delete(c.inflight, groupKey)
	}
	if err != nil {
		c.stats.Misses++
		return nil, err
	}
	c.stats.Misses++
	c.stats.LoadCount++
	c.stats.LoadLatencyMs += time.Since(start).Milliseconds()
	c.insertLocked(key, v)
	return v, nil
}

func (c *Cache) insertLocked(key Key, schema any) {
	if existing, ok := c.entries[key]; ok {
		existing.schema = schema
		existing.insertedAt = time.Now()
		existing.lastAccess = existing.insertedAt
		c.order.MoveToFront(existing.elem)
		return
	}
	if c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}
	now := time.Now()
	e := &entry{key: key, schema: schema, insertedAt: now, lastAccess: now}
	e.elem = c.order.PushFront(e)
	c.entries[key] = e
}

func (c *Cache) evictOldestLocked() {
	back := c.order.Back()
	if back == nil {
		return
	}
	c.evictLocked(back.Value.(*entry))
}

func (c *Cache) evictLocked(e *entry) {
	c.order.Remove(e.elem)
	delete(c.entries, e.key)
	c.stats.Evictions++
}

// Preload loads a batch of keys in parallel with a fixed concurrency
// budget; a failure loading one key does not prevent the others from being
// cached.
func (c *Cache) Preload(ctx context.Context, keys []Key, loader Loader) {
	const concurrency = 8
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	for _, key := range keys {
		wg.Add(1)
		sem <- struct{}{}
		go func(k Key) {
			defer wg.Done()
			defer func() { <-sem }()
			_, _ = c.GetOrLoad(ctx, k.Server, k.Tool, loader)
		}(key)
	}
	wg.Wait()
}

// InvalidateByServer evicts every cached entry for a given server, used when
// that upstream is removed.
func (c *Cache) InvalidateByServer(server string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.entries {
		if key.Server == server {
			c.evictLocked(e)
		}
	}
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[Key]*entry)
	c.order = list.New()
}

// Size returns the current entry count.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// StatsSnapshot returns a copy of the running counters.
func (c *Cache) StatsSnapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
