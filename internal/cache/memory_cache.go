package cache

import (
	"container/list"
	"sync"
)

type entry struct {
	key   Key
	value []byte
}

// MemoryCache implements in-memory LRU cache bounded by tile count
type MemoryCache struct {
	mu      sync.Mutex
	maxSize int
	items   map[Key]*list.Element
	lruList *list.List
}

// NewMemoryCache creates a new in-memory LRU cache
func NewMemoryCache(maxSize int) *MemoryCache {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &MemoryCache{
		maxSize: maxSize,
		items:   make(map[Key]*list.Element),
		lruList: list.New(),
	}
}

func (c *MemoryCache) Has(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.items[key]
	return ok
}

func (c *MemoryCache) Get(key Key) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return nil, ErrNotFound
	}

	c.lruList.MoveToFront(elem)
	return elem.Value.(*entry).value, nil
}

func (c *MemoryCache) Set(key Key, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		elem.Value.(*entry).value = value
		c.lruList.MoveToFront(elem)
		return nil
	}

	for c.lruList.Len() >= c.maxSize {
		c.removeElement(c.lruList.Back())
	}

	elem := c.lruList.PushFront(&entry{key: key, value: value})
	c.items[key] = elem
	return nil
}

func (c *MemoryCache) Delete(key Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}
	return nil
}

func (c *MemoryCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[Key]*list.Element)
	c.lruList = list.New()
	return nil
}

// Len reports the number of stored tiles.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lruList.Len()
}

func (c *MemoryCache) removeElement(elem *list.Element) {
	if elem == nil {
		return
	}
	delete(c.items, elem.Value.(*entry).key)
	c.lruList.Remove(elem)
}
