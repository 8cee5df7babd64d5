package store

import (
	"container/list"
	"sync"

	"github.com/cask-db/cask/ident"
)

// objectCache maps identities to materialized objects. While an entry lives,
// every load of that identity returns the identical object. With a capacity
// of 0 the cache never evicts; with a positive capacity the least recently
// touched entries are dropped and a later load constructs a fresh object.
type objectCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[ident.ID]*list.Element
	lru      *list.List
}

type cacheEntry struct {
	id  ident.ID
	obj Storable
}

func newObjectCache(capacity int) *objectCache {
	return &objectCache{
		capacity: capacity,
		entries:  map[ident.ID]*list.Element{},
		lru:      list.New(),
	}
}

func (c *objectCache) get(id ident.ID) (Storable, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	c.lru.MoveToFront(el)
	return el.Value.(*cacheEntry).obj, true
}

func (c *objectCache) add(id ident.ID, obj Storable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[id]; ok {
		c.lru.MoveToFront(el)
		return
	}
	c.entries[id] = c.lru.PushFront(&cacheEntry{id: id, obj: obj})
	if c.capacity > 0 && c.lru.Len() > c.capacity {
		oldest := c.lru.Back()
		c.lru.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).id)
	}
}

func (c *objectCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
