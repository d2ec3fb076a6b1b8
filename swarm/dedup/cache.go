// Package dedup implements a capacity and time bounded set of content hashes.
// Entries are never evicted while alive: once the cache holds capacity live
// entries further adds fail until older entries expire.
package dedup

import (
	"container/list"
	"peernet/chainhash"
	"sync"
	"time"
)

type entry struct {
	hash  chainhash.Hash
	added time.Time
}

type Cache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	order    *list.List // oldest first
	index    map[chainhash.Hash]*list.Element
	now      func() time.Time
}

func New(capacity int, ttl time.Duration) *Cache {
	return &Cache{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		index:    make(map[chainhash.Hash]*list.Element),
		now:      time.Now,
	}
}

// TryAdd inserts h and returns true if it was neither present nor blocked by capacity.
func (c *Cache) TryAdd(h chainhash.Hash) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.sweep(now)

	if _, ok := c.index[h]; ok {
		return false
	}
	if c.order.Len() >= c.capacity {
		return false
	}

	c.index[h] = c.order.PushBack(&entry{hash: h, added: now})
	return true
}

// HasHash reports whether h is in the cache. With treatExpiredAsAbsent the expired
// entries are swept first, otherwise an expired entry that was not swept yet still counts.
func (c *Cache) HasHash(h chainhash.Hash, treatExpiredAsAbsent bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if treatExpiredAsAbsent {
		c.sweep(c.now())
	}
	_, ok := c.index[h]
	return ok
}

// Contains is HasHash with expiration-aware semantics.
func (c *Cache) Contains(h chainhash.Hash) bool {
	return c.HasHash(h, true)
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// sweep drops expired entries from the front. Entries age monotonically from back to front
// so it stops at the first live one.
func (c *Cache) sweep(now time.Time) {
	for {
		front := c.order.Front()
		if front == nil {
			return
		}
		e := front.Value.(*entry)
		if now.Sub(e.added) <= c.ttl {
			return
		}
		c.order.Remove(front)
		delete(c.index, e.hash)
	}
}
