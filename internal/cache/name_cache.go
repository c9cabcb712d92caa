package cache

import (
	"sync"
	"sync/atomic"
)

// NameCache caches enumerated strings by id, and ids by string.
// Entries never expire: enumerated ids are append-only, so a cached mapping
// can only become invalid when the whole enumerator is rebuilt, which is
// handled by Invalidate.
//
// Thread-safe: Uses RWMutex for concurrent access.
type NameCache struct {
	mu      sync.RWMutex
	byID    map[int32]string
	byName  map[string]int32
	maxSize int
	hits    atomic.Uint64
	misses  atomic.Uint64
}

// NewNameCache creates a new name cache.
// maxSize: Maximum number of entries (use 0 for unlimited)
func NewNameCache(maxSize int) *NameCache {
	return &NameCache{
		byID:    make(map[int32]string, 256),
		byName:  make(map[string]int32, 256),
		maxSize: maxSize,
	}
}

// Get returns the cached string for id.
func (c *NameCache) Get(id int32) (string, bool) {
	if Disabled {
		return "", false
	}

	c.mu.RLock()
	name, ok := c.byID[id]
	c.mu.RUnlock()
	c.count(ok)
	return name, ok
}

// Lookup returns the cached id for name.
func (c *NameCache) Lookup(name string) (int32, bool) {
	if Disabled {
		return 0, false
	}

	c.mu.RLock()
	id, ok := c.byName[name]
	c.mu.RUnlock()
	c.count(ok)
	return id, ok
}

func (c *NameCache) count(hit bool) {
	if hit {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
}

// Set stores the id <-> name mapping.
// No-op if caching is disabled (PERSISTENTFS_CACHE=0).
func (c *NameCache) Set(id int32, name string) {
	if Disabled {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxSize > 0 && len(c.byID) >= c.maxSize {
		// At capacity: keep the hot set that is already cached.
		if _, exists := c.byID[id]; !exists {
			return
		}
	}

	c.byID[id] = name
	c.byName[name] = id
}

// Invalidate clears all entries from the cache.
func (c *NameCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.byID) > 0 {
		c.byID = make(map[int32]string, 256)
		c.byName = make(map[string]int32, 256)
	}
}

// Size returns the current number of entries in the cache.
func (c *NameCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byID)
}

// NameCacheStats holds cache statistics.
type NameCacheStats struct {
	Size    int
	MaxSize int
	Hits    uint64
	Misses  uint64
}

// Stats returns current cache statistics.
func (c *NameCache) Stats() NameCacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return NameCacheStats{
		Size:    len(c.byID),
		MaxSize: c.maxSize,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}
}
