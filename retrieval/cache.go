package retrieval

import (
	"container/list"
	"sync"
)

// queryCache is a bounded LRU over query results. Entries remember their
// source set so reindexing a source invalidates exactly the entries that
// depend on it and nothing else.
type queryCache struct {
	capacity int

	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List
	// bySource maps source id -> keys of entries whose source set contains it.
	bySource map[string]map[string]struct{}
	// versions counts invalidations per source. A fill computed outside the
	// lock carries the versions it saw; put drops the fill if any moved, so
	// a reindex landing mid-query never leaves a stale entry behind.
	versions map[string]uint64
}

type cacheEntry struct {
	key     string
	sources []string
	chunks  []Chunk
}

func newQueryCache(capacity int) *queryCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &queryCache{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		lru:      list.New(),
		bySource: make(map[string]map[string]struct{}),
		versions: make(map[string]uint64),
	}
}

// snapshotVersions records the invalidation counters of the given sources
// before a search runs outside the lock.
func (c *queryCache) snapshotVersions(sources []string) map[string]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]uint64, len(sources))
	for _, sourceID := range sources {
		seen[sourceID] = c.versions[sourceID]
	}
	return seen
}

func (c *queryCache) get(key string) ([]Chunk, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, exists := c.entries[key]
	if !exists {
		return nil, false
	}
	c.lru.MoveToFront(elem)

	entry := elem.Value.(*cacheEntry)
	chunks := make([]Chunk, len(entry.chunks))
	copy(chunks, entry.chunks)
	return chunks, true
}

// put caches a fill computed against the versions in seen. A fill whose
// sources were invalidated since seen was taken is stale and dropped.
func (c *queryCache) put(key string, sources []string, chunks []Chunk, seen map[string]uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, sourceID := range sources {
		if c.versions[sourceID] != seen[sourceID] {
			return
		}
	}

	if elem, exists := c.entries[key]; exists {
		c.lru.MoveToFront(elem)
		elem.Value.(*cacheEntry).chunks = chunks
		return
	}

	for c.lru.Len() >= c.capacity {
		c.evict(c.lru.Back())
	}

	entry := &cacheEntry{key: key, sources: sources, chunks: chunks}
	c.entries[key] = c.lru.PushFront(entry)
	for _, sourceID := range sources {
		keys, exists := c.bySource[sourceID]
		if !exists {
			keys = make(map[string]struct{})
			c.bySource[sourceID] = keys
		}
		keys[key] = struct{}{}
	}
}

func (c *queryCache) invalidateSource(sourceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.versions[sourceID]++
	for key := range c.bySource[sourceID] {
		if elem, exists := c.entries[key]; exists {
			c.evict(elem)
		}
	}
	delete(c.bySource, sourceID)
}

// evict removes an entry and unlinks it from every source's key set.
// Callers hold c.mu.
func (c *queryCache) evict(elem *list.Element) {
	if elem == nil {
		return
	}
	entry := c.lru.Remove(elem).(*cacheEntry)
	delete(c.entries, entry.key)
	for _, sourceID := range entry.sources {
		if keys, exists := c.bySource[sourceID]; exists {
			delete(keys, entry.key)
			if len(keys) == 0 {
				delete(c.bySource, sourceID)
			}
		}
	}
}

func (c *queryCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
