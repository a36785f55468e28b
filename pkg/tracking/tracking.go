// Package tracking implements the bounded in-process LRU that mirrors
// recently read backend entries, avoiding round trips to the cache store's
// backend (spec §4.2). It is generic over the cached result type so that
// it has no dependency on the root store package, which in turn is the
// package that instantiates it.
package tracking

import (
	"container/list"
	"sync"
	"time"

	"github.com/platformatic/undici-cache-redis/pkg/vary"
)

// Metadata is the subset of a metadata row's fields the tracking cache
// needs: enough to answer a Get and enough to recognize an invalidation
// notification naming any of this entry's four storage keys.
type Metadata struct {
	MetadataKey string
	IDKey       string
	ValueKey    string
	TagsKey     string
	Vary        vary.Fingerprint
}

// references any of this entry's storage keys, used by Invalidate.
func (m Metadata) references(backendKey string) bool {
	return backendKey == m.MetadataKey || backendKey == m.IDKey ||
		backendKey == m.ValueKey || (m.TagsKey != "" && backendKey == m.TagsKey)
}

type entry[T any] struct {
	id       string
	metadata Metadata
	result   T
	size     int
	// deleteAt is the backend row's deleteAt, ms since epoch. The tracking
	// cache carries no TTL of its own and is never guaranteed to receive a
	// push invalidation for this row (e.g. cluster mode, or a backend that
	// doesn't support CLIENT TRACKING), so Get must still honor it: a
	// mirrored entry past its deleteAt is served as absent just as the
	// backend row itself would be. Zero means unknown/no expiry.
	deleteAt int64
}

// bucket holds every cached variant for one request shape
// (origin:path:method), keyed by entry id (spec: "ordered mapping from
// entry id to {metadata, result, size}").
type bucket[T any] struct {
	shapeKey string
	entries  map[string]*entry[T]
	element  *list.Element
}

// Cache is the bounded in-process LRU described in spec §4.2. The LRU unit
// is the bucket (shape), not the individual entry: #clean evicts whole
// shapes from the tail until both bounds hold.
type Cache[T any] struct {
	mu sync.Mutex

	maxCount int // 0 = unbounded
	maxSize  int // 0 = unbounded

	buckets map[string]*bucket[T]
	order   *list.List // MRU at front, LRU at back; elements are *bucket[T]

	count int
	size  int
}

// New creates a tracking cache. maxCount and maxSize of 0 mean unbounded,
// matching the spec's default configuration.
func New[T any](maxCount, maxSize int) *Cache[T] {
	return &Cache[T]{
		maxCount: maxCount,
		maxSize:  maxSize,
		buckets:  make(map[string]*bucket[T]),
		order:    list.New(),
	}
}

// Get performs Vary matching inside the shape bucket and, on hit, touches
// the bucket's LRU position. A matching entry whose deleteAt has passed is
// evicted and treated as a miss rather than served (spec §8.1: a request
// past deleteAt must return absent, and the tracking mirror carries no
// guarantee of a timely push invalidation).
func (c *Cache[T]) Get(shapeKey string, headers vary.Headers) (Metadata, T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero T
	b, ok := c.buckets[shapeKey]
	if !ok {
		return Metadata{}, zero, false
	}

	for id, e := range b.entries {
		if !vary.Match(e.metadata.Vary, headers) {
			continue
		}
		if e.deleteAt != 0 && e.deleteAt <= time.Now().UnixMilli() {
			c.deleteLocked(shapeKey, id)
			return Metadata{}, zero, false
		}
		c.order.MoveToFront(b.element)
		return e.metadata, e.result, true
	}
	return Metadata{}, zero, false
}

// Set removes any previously matching entry in the bucket (same Vary
// fingerprint), inserts the new one, updates counters, and triggers
// eviction if either bound is now exceeded. deleteAt is the backend row's
// absolute expiry, ms since epoch; 0 means unknown.
func (c *Cache[T]) Set(shapeKey, id string, metadata Metadata, result T, size int, deleteAt int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.buckets[shapeKey]
	if !ok {
		b = &bucket[T]{shapeKey: shapeKey, entries: make(map[string]*entry[T])}
		b.element = c.order.PushFront(b)
		c.buckets[shapeKey] = b
	} else {
		c.order.MoveToFront(b.element)
	}

	for existingID, e := range b.entries {
		if vary.Equal(e.metadata.Vary, metadata.Vary) {
			c.count--
			c.size -= e.size
			delete(b.entries, existingID)
			break
		}
	}

	b.entries[id] = &entry[T]{id: id, metadata: metadata, result: result, size: size, deleteAt: deleteAt}
	c.count++
	c.size += size

	c.clean()
}

// Delete removes the matching entry by id; removes the bucket if it
// becomes empty.
func (c *Cache[T]) Delete(shapeKey, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleteLocked(shapeKey, id)
}

func (c *Cache[T]) deleteLocked(shapeKey, id string) {
	b, ok := c.buckets[shapeKey]
	if !ok {
		return
	}
	e, ok := b.entries[id]
	if !ok {
		return
	}
	delete(b.entries, id)
	c.count--
	c.size -= e.size

	if len(b.entries) == 0 {
		c.order.Remove(b.element)
		delete(c.buckets, shapeKey)
	}
}

// Invalidate evicts every locally cached entry referencing backendKey —
// any of its idKey, valueKey, metadataKey, or tagsKey. Since the mirror
// indexes by shape, whole buckets containing a match are evicted (spec
// §4.2 note).
func (c *Cache[T]) Invalidate(backendKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if backendKey == "" {
		c.buckets = make(map[string]*bucket[T])
		c.order = list.New()
		c.count = 0
		c.size = 0
		return
	}

	var toEvict []string
	for shapeKey, b := range c.buckets {
		for _, e := range b.entries {
			if e.metadata.references(backendKey) {
				toEvict = append(toEvict, shapeKey)
				break
			}
		}
	}

	for _, shapeKey := range toEvict {
		b := c.buckets[shapeKey]
		c.count -= len(b.entries)
		for _, e := range b.entries {
			c.size -= e.size
		}
		c.order.Remove(b.element)
		delete(c.buckets, shapeKey)
	}
}

// clean repeatedly evicts the least-recently-used bucket until both bounds
// hold. Must be called with c.mu held.
func (c *Cache[T]) clean() {
	for (c.maxCount > 0 && c.count > c.maxCount) || (c.maxSize > 0 && c.size > c.maxSize) {
		back := c.order.Back()
		if back == nil {
			return
		}
		b := back.Value.(*bucket[T])
		c.order.Remove(back)
		delete(c.buckets, b.shapeKey)
		for _, e := range b.entries {
			c.count--
			c.size -= e.size
		}
	}
}

// Count returns the total number of cached entries across all buckets.
func (c *Cache[T]) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Size returns the total body-byte size across all cached entries.
func (c *Cache[T]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}
