package memory

import (
	"container/list"
	"sync"

	"github.com/relaylabs/relay/pkg/models"
)

// chunkCache is a recency-bounded cache of chunks keyed by chunk key.
// Writes go through both cache and store; deletes invalidate both. Chunks
// are immutable after creation, so reads need no store round-trip once
// cached.
type chunkCache struct {
	mu    sync.Mutex
	max   int
	order *list.List
	items map[string]*list.Element
}

type cacheEntry struct {
	key   string
	chunk *models.MemoryChunk
}

func newChunkCache(max int) *chunkCache {
	if max <= 0 {
		max = 256
	}
	return &chunkCache{
		max:   max,
		order: list.New(),
		items: make(map[string]*list.Element),
	}
}

func (c *chunkCache) get(key string) (*models.MemoryChunk, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).chunk, true
}

func (c *chunkCache) put(chunk *models.MemoryChunk) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[chunk.Key]; ok {
		el.Value.(*cacheEntry).chunk = chunk
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&cacheEntry{key: chunk.Key, chunk: chunk})
	c.items[chunk.Key] = el
	for c.order.Len() > c.max {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).key)
	}
}

func (c *chunkCache) delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.order.Remove(el)
		delete(c.items, key)
	}
}

func (c *chunkCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
