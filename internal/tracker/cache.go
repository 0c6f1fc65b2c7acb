package tracker

import (
	"container/list"
	"fmt"
	"strings"
	"sync"
)

// ParseCache is an LRU cache for parsed output, keyed by file path and
// modification time so an edit naturally misses.
type ParseCache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recently used
	max     int
	hits    int64
	misses  int64
}

type cacheItem struct {
	key   string
	value any
}

// NewParseCache returns a cache bounded to max entries.
func NewParseCache(max int) *ParseCache {
	if max <= 0 {
		max = 50
	}
	return &ParseCache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		max:     max,
	}
}

func cacheKey(path string, mtime int64) string {
	return fmt.Sprintf("%s:%d", path, mtime)
}

// Get returns the cached value for path at mtime.
func (c *ParseCache) Get(path string, mtime int64) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[cacheKey(path, mtime)]
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	c.order.MoveToFront(el)
	return el.Value.(*cacheItem).value, true
}

// Set stores a value for path at mtime, evicting the least recently
// used entry when over capacity.
func (c *ParseCache) Set(path string, mtime int64, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(path, mtime)
	if el, ok := c.entries[key]; ok {
		el.Value.(*cacheItem).value = value
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&cacheItem{key: key, value: value})
	c.entries[key] = el
	for c.order.Len() > c.max {
		back := c.order.Back()
		c.order.Remove(back)
		delete(c.entries, back.Value.(*cacheItem).key)
	}
}

// InvalidateFile drops every cached parse of path, regardless of mtime.
func (c *ParseCache) InvalidateFile(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	prefix := path + ":"
	dropped := 0
	for key, el := range c.entries {
		if strings.HasPrefix(key, prefix) {
			c.order.Remove(el)
			delete(c.entries, key)
			dropped++
		}
	}
	return dropped
}

// CacheStats reports cache effectiveness.
type CacheStats struct {
	Size   int   `json:"size"`
	Max    int   `json:"max"`
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// Stats returns a snapshot of the counters.
func (c *ParseCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Size:   c.order.Len(),
		Max:    c.max,
		Hits:   c.hits,
		Misses: c.misses,
	}
}
