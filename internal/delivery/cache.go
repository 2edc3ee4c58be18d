package delivery

import (
	"sync"
	"time"
)

// defaultDigestCapacity bounds how many delivery names an adapter
// remembers. A site keeps a few dozen rotated logs in its index, so the
// bound is generous; once it is hit the oldest name is forgotten and a
// re-delivery of it falls through to the ledger, which still rejects
// the duplicate.
const defaultDigestCapacity = 4096

// digestEntry holds a recorded digest with its insertion time for
// eviction ordering.
type digestEntry struct {
	digest     string
	insertedAt time.Time
}

// digestCache remembers the last payload digest handed to the pipeline
// per delivery name. Digests are recorded only after the pipeline
// accepts or definitively rejects a unit; deferred deliveries stay
// eligible for retry. The cache is bounded: at capacity the entry with
// the oldest insertion time is evicted. Entries never expire on their
// own since a digest is derived from content and cannot go stale.
type digestCache struct {
	mu      sync.Mutex
	entries map[string]*digestEntry
	maxSize int
}

func newDigestCache() *digestCache {
	return newBoundedDigestCache(defaultDigestCapacity)
}

func newBoundedDigestCache(maxSize int) *digestCache {
	if maxSize < 1 {
		maxSize = 1
	}
	return &digestCache{
		entries: make(map[string]*digestEntry, maxSize),
		maxSize: maxSize,
	}
}

func (c *digestCache) lookup(name string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[name]
	if !ok {
		return "", false
	}
	return e.digest, true
}

func (c *digestCache) store(name, digest string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()

	// A known name is updated in place and keeps its slot.
	if e, ok := c.entries[name]; ok {
		e.digest = digest
		e.insertedAt = now
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	c.entries[name] = &digestEntry{digest: digest, insertedAt: now}
}

func (c *digestCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictOldest removes the entry with the oldest insertion time.
// Must be called with c.mu held.
func (c *digestCache) evictOldest() {
	var oldestName string
	var oldestTime time.Time
	first := true

	for name, e := range c.entries {
		if first || e.insertedAt.Before(oldestTime) {
			oldestName = name
			oldestTime = e.insertedAt
			first = false
		}
	}

	if !first {
		delete(c.entries, oldestName)
	}
}
