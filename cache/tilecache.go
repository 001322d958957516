// Package cache provides the bounded recency store that holds tiles after
// they fall out of the ideal coverage set, so a camera move back over the
// same area reuses parsed data instead of refetching it.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/tilemap/geo"
)

// EvictFunc is invoked for every entry that leaves the cache without being
// retrieved: capacity eviction, expiry, Filter rejection, SetMaxSize shrink
// and Clear. It is never invoked for Get/GetAndRemove/Remove.
type EvictFunc[V any] func(key geo.TileKey, value V)

type entry[V any] struct {
	key   geo.TileKey
	value V
	timer *time.Timer
}

// TileCache is a bounded store ordered by insertion recency. Multiple values
// may be held under one key; retrieval returns the oldest first.
//
// Absence is reported through the second return value; the cache never
// panics on missing keys.
type TileCache[V any] struct {
	mu      sync.Mutex
	maxSize int
	order   *list.List // *entry[V], oldest at back
	entries map[geo.TileKey][]*list.Element
	onEvict EvictFunc[V]

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a cache holding at most maxSize entries. onEvict may be nil.
func New[V any](maxSize int, onEvict EvictFunc[V]) *TileCache[V] {
	return &TileCache[V]{
		maxSize: maxSize,
		order:   list.New(),
		entries: make(map[geo.TileKey][]*list.Element),
		onEvict: onEvict,
	}
}

// Len returns the number of stored entries.
func (c *TileCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Add inserts a value. If capacity is exceeded the oldest entry is evicted.
// A positive ttl arms an expiry timer that evicts the entry on its own, even
// without capacity pressure.
func (c *TileCache[V]) Add(key geo.TileKey, value V, ttl time.Duration) {
	var evicted []*entry[V]

	c.mu.Lock()
	ent := &entry[V]{key: key, value: value}
	elem := c.order.PushFront(ent)
	c.entries[key] = append(c.entries[key], elem)

	if ttl > 0 {
		ent.timer = time.AfterFunc(ttl, func() { c.expire(key, elem) })
	}

	for c.maxSize >= 0 && c.order.Len() > c.maxSize {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		evicted = append(evicted, c.removeElement(oldest))
	}
	c.mu.Unlock()

	c.notify(evicted)
}

// Get returns the oldest value stored under key without removing it.
func (c *TileCache[V]) Get(key geo.TileKey) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elems := c.entries[key]
	if len(elems) == 0 {
		c.misses.Add(1)
		var zero V
		return zero, false
	}
	c.hits.Add(1)
	return elems[0].Value.(*entry[V]).value, true
}

// GetAndRemove removes and returns the oldest value stored under key.
// The eviction callback is not invoked: the caller takes ownership.
func (c *TileCache[V]) GetAndRemove(key geo.TileKey) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elems := c.entries[key]
	if len(elems) == 0 {
		c.misses.Add(1)
		var zero V
		return zero, false
	}
	c.hits.Add(1)
	ent := c.removeElement(elems[0])
	return ent.value, true
}

// Has reports whether at least one value is stored under key.
func (c *TileCache[V]) Has(key geo.TileKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries[key]) > 0
}

// Remove discards the oldest value stored under key, if any, without
// invoking the eviction callback.
func (c *TileCache[V]) Remove(key geo.TileKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elems := c.entries[key]; len(elems) > 0 {
		c.removeElement(elems[0])
	}
}

// SetMaxSize resizes the cache. Shrinking evicts oldest entries first;
// surviving content is untouched.
func (c *TileCache[V]) SetMaxSize(maxSize int) {
	var evicted []*entry[V]

	c.mu.Lock()
	c.maxSize = maxSize
	for c.maxSize >= 0 && c.order.Len() > c.maxSize {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		evicted = append(evicted, c.removeElement(oldest))
	}
	c.mu.Unlock()

	c.notify(evicted)
}

// Filter purges every entry whose value fails the predicate.
func (c *TileCache[V]) Filter(keep func(V) bool) {
	var evicted []*entry[V]

	c.mu.Lock()
	var drop []*list.Element
	for e := c.order.Front(); e != nil; e = e.Next() {
		if !keep(e.Value.(*entry[V]).value) {
			drop = append(drop, e)
		}
	}
	for _, e := range drop {
		evicted = append(evicted, c.removeElement(e))
	}
	c.mu.Unlock()

	c.notify(evicted)
}

// Clear evicts everything. The configured capacity is unchanged.
func (c *TileCache[V]) Clear() {
	var evicted []*entry[V]

	c.mu.Lock()
	for c.order.Len() > 0 {
		evicted = append(evicted, c.removeElement(c.order.Back()))
	}
	c.mu.Unlock()

	c.notify(evicted)
}

// Stats returns hit/miss counters.
func (c *TileCache[V]) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// expire is the timer path. The element may have been removed or retrieved
// since the timer was armed; only a still-linked element is evicted.
func (c *TileCache[V]) expire(key geo.TileKey, elem *list.Element) {
	c.mu.Lock()
	var evicted []*entry[V]
	for _, e := range c.entries[key] {
		if e == elem {
			evicted = append(evicted, c.removeElement(elem))
			break
		}
	}
	c.mu.Unlock()

	c.notify(evicted)
}

// removeElement unlinks an element. Caller holds c.mu.
func (c *TileCache[V]) removeElement(elem *list.Element) *entry[V] {
	ent := c.order.Remove(elem).(*entry[V])
	if ent.timer != nil {
		ent.timer.Stop()
		ent.timer = nil
	}

	elems := c.entries[ent.key]
	for i, e := range elems {
		if e == elem {
			elems = append(elems[:i], elems[i+1:]...)
			break
		}
	}
	if len(elems) == 0 {
		delete(c.entries, ent.key)
	} else {
		c.entries[ent.key] = elems
	}
	return ent
}

// notify runs the eviction callback outside the lock, so observers may
// re-enter the cache.
func (c *TileCache[V]) notify(evicted []*entry[V]) {
	if c.onEvict == nil {
		return
	}
	for _, ent := range evicted {
		c.onEvict(ent.key, ent.value)
	}
}
