package router

import (
	"sync"
	"time"
)

// lruNode is an element of the tenant cache's recency list.
type lruNode struct {
	key     string
	res     Resolution
	addedAt time.Time
	prev    *lruNode
	next    *lruNode
}

// tenantCache is an LRU + TTL cache of dynamic tenant resolutions.
// Eviction is oldest-first on overflow; invalidation is per tenant.
type tenantCache struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	lookup  map[string]*lruNode
	head    *lruNode
	tail    *lruNode
	size    int
}

func newTenantCache(maxSize int, ttl time.Duration) *tenantCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &tenantCache{
		maxSize: maxSize,
		ttl:     ttl,
		lookup:  map[string]*lruNode{},
	}
}

func (c *tenantCache) get(key string) (Resolution, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.lookup[key]
	if !ok {
		return Resolution{}, false
	}
	if time.Since(n.addedAt) > c.ttl {
		c.unchain(n)
		delete(c.lookup, key)
		return Resolution{}, false
	}
	// Refresh recency.
	c.unchain(n)
	c.addToHead(n)
	return n.res, true
}

func (c *tenantCache) put(key string, res Resolution) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.lookup[key]; ok {
		n.res = res
		n.addedAt = time.Now()
		c.unchain(n)
		c.addToHead(n)
		return
	}
	n := &lruNode{key: key, res: res, addedAt: time.Now()}
	c.addToHead(n)
	c.lookup[key] = n
	for c.size > c.maxSize {
		tail := c.tail
		if tail == nil {
			break
		}
		c.unchain(tail)
		delete(c.lookup, tail.key)
	}
}

// invalidate drops every cached resolution whose key matches the predicate.
func (c *tenantCache) invalidate(match func(key string) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, n := range c.lookup {
		if match(k) {
			c.unchain(n)
			delete(c.lookup, k)
		}
	}
}

func (c *tenantCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

func (c *tenantCache) addToHead(n *lruNode) {
	n.prev = nil
	n.next = c.head
	if c.head != nil {
		c.head.prev = n
	} else {
		c.tail = n
	}
	c.head = n
	c.size++
}

func (c *tenantCache) unchain(n *lruNode) {
	if n == c.head {
		c.head = n.next
	}
	if n == c.tail {
		c.tail = n.prev
	}
	if n.prev != nil {
		n.prev.next = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	}
	n.prev = nil
	n.next = nil
	c.size--
}
