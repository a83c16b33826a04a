// Package memcache implements the in-process, cost-bounded LRU cache of
// decoded-and-processed results keyed by keys.MemoryCacheKey.
package memcache

import (
	"container/list"
	"sync"
	"time"

	"github.com/kean/imagepipe/core"
	"github.com/kean/imagepipe/keys"
	"github.com/kean/imagepipe/result"
)

// Entry is one cached value plus its accounting fields.
type Entry struct {
	Key        keys.MemoryCacheKey
	Value      *result.Response
	Cost       int64
	LastAccess time.Time
}

// Cache is a cost- and count-bounded LRU keyed by keys.MemoryCacheKey.
type Cache struct {
	mu            sync.Mutex
	ll            *list.List // front = most recently used
	items         map[keys.MemoryCacheKey]*list.Element
	costLimit     int64
	countLimit    int
	totalCost     int64
	ttl           time.Duration // <= 0 disables expiry
	storePreviews bool

	now func() time.Time
}

// New creates a Cache. A zero ttl disables time-based expiry. When
// storePreviews is false, Insert silently drops progressive-preview values.
func New(costLimit int64, countLimit int, ttl time.Duration, storePreviews bool) *Cache {
	return &Cache{
		ll:            list.New(),
		items:         make(map[keys.MemoryCacheKey]*list.Element),
		costLimit:     costLimit,
		countLimit:    countLimit,
		ttl:           ttl,
		storePreviews: storePreviews,
		now:           time.Now,
	}
}

// Get returns the cached response for key, promoting it to most-recently-
// used. The second return is false on a miss or an expired entry.
func (c *Cache) Get(key keys.MemoryCacheKey) (*result.Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*Entry)
	if c.ttl > 0 && c.now().Sub(e.LastAccess) > c.ttl {
		c.removeElementLocked(el)
		return nil, false
	}
	e.LastAccess = c.now()
	c.ll.MoveToFront(el)
	return e.Value, true
}

// Insert adds or replaces the cached value for key with the given cost.
// isPreview marks a progressive, not-yet-final decode; such entries are
// dropped entirely unless the cache was built with storePreviews.
func (c *Cache) Insert(key keys.MemoryCacheKey, resp *result.Response, cost int64, isPreview bool) {
	if isPreview && !c.storePreviews {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		e := el.Value.(*Entry)
		c.totalCost += cost - e.Cost
		e.Value = resp
		e.Cost = cost
		e.LastAccess = c.now()
		c.ll.MoveToFront(el)
		c.evictLocked()
		return
	}

	e := &Entry{Key: key, Value: resp, Cost: cost, LastAccess: c.now()}
	el := c.ll.PushFront(e)
	c.items[key] = el
	c.totalCost += cost
	c.evictLocked()
}

// Remove deletes key if present.
func (c *Cache) Remove(key keys.MemoryCacheKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeElementLocked(el)
	}
}

// RemoveAll empties the cache.
func (c *Cache) RemoveAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.items = make(map[keys.MemoryCacheKey]*list.Element)
	c.totalCost = 0
}

// OnMemoryPressure responds to a platform low-memory signal by dropping the
// whole cache.
func (c *Cache) OnMemoryPressure() {
	c.RemoveAll()
}

// OnAppBackgrounded trims the cache to 10% of its cost limit, evicting the
// least-recently-used entries first. Intended for a "the app is no longer
// in the foreground" signal, which is cheaper to recover from than a full
// flush but still frees most of the held memory.
func (c *Cache) OnAppBackgrounded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	target := c.costLimit / 10
	for c.totalCost > target {
		back := c.ll.Back()
		if back == nil {
			break
		}
		c.removeElementLocked(back)
	}
}

// removeElementLocked must be called with c.mu held.
func (c *Cache) removeElementLocked(el *list.Element) {
	e := el.Value.(*Entry)
	c.ll.Remove(el)
	delete(c.items, e.Key)
	c.totalCost -= e.Cost
}

// evictLocked must be called with c.mu held. It evicts least-recently-used
// entries until both the cost and count limits are satisfied.
func (c *Cache) evictLocked() {
	for (c.costLimit > 0 && c.totalCost > c.costLimit) || (c.countLimit > 0 && c.ll.Len() > c.countLimit) {
		back := c.ll.Back()
		if back == nil {
			break
		}
		c.removeElementLocked(back)
	}
}

// ComputeCost estimates the memory footprint of a decoded image using the
// default bytes-per-pixel heuristic.
func ComputeCost(meta core.Metadata, bytesPerPixel int) int64 {
	if bytesPerPixel <= 0 {
		bytesPerPixel = 4
	}
	return int64(meta.Width) * int64(meta.Height) * int64(bytesPerPixel)
}
