package monitor

import (
	"container/list"
	"sync"
)

// dedupCache is a bounded LRU of event ids. Oldest entries are evicted when
// the capacity is reached.
type dedupCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	entries  map[string]*list.Element
}

func newDedupCache(capacity int) *dedupCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &dedupCache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element, capacity),
	}
}

func (c *dedupCache) seen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[id]
	if ok {
		c.order.MoveToBack(elem)
	}
	return ok
}

func (c *dedupCache) add(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[id]; ok {
		c.order.MoveToBack(elem)
		return
	}
	c.entries[id] = c.order.PushBack(id)
	for c.order.Len() > c.capacity {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(string))
	}
}

func (c *dedupCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
