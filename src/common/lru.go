package common

import "container/list"

// LRU is a fixed-size cache with least-recently-used eviction. It is not
// safe for concurrent access; callers synchronize.
type LRU struct {
	Size      int
	evictList *list.List
	items     map[interface{}]*list.Element
	onEvicted func(key interface{}, value interface{})
}

type lruEntry struct {
	key   interface{}
	value interface{}
}

// NewLRU creates an LRU of the given size. onEvicted, if not nil, is called
// with every entry that gets evicted.
func NewLRU(size int, onEvicted func(key interface{}, value interface{})) *LRU {
	return &LRU{
		Size:      size,
		evictList: list.New(),
		items:     make(map[interface{}]*list.Element),
		onEvicted: onEvicted,
	}
}

// Add adds a value to the cache and returns true if an eviction occurred.
func (c *LRU) Add(key, value interface{}) bool {
	if ent, ok := c.items[key]; ok {
		c.evictList.MoveToFront(ent)
		ent.Value.(*lruEntry).value = value
		return false
	}

	ent := &lruEntry{key, value}
	c.items[key] = c.evictList.PushFront(ent)

	if c.evictList.Len() > c.Size {
		c.removeOldest()
		return true
	}
	return false
}

// Get looks up a key's value from the cache.
func (c *LRU) Get(key interface{}) (interface{}, bool) {
	if ent, ok := c.items[key]; ok {
		c.evictList.MoveToFront(ent)
		return ent.Value.(*lruEntry).value, true
	}
	return nil, false
}

// Len returns the number of items in the cache.
func (c *LRU) Len() int {
	return c.evictList.Len()
}

func (c *LRU) removeOldest() {
	ent := c.evictList.Back()
	if ent == nil {
		return
	}
	c.evictList.Remove(ent)
	kv := ent.Value.(*lruEntry)
	delete(c.items, kv.key)
	if c.onEvicted != nil {
		c.onEvicted(kv.key, kv.value)
	}
}
