package volume

import (
	"sync"

	"github.com/vdo-uds/uds/internal/recordpage"
)

// pageCache is a bounded LRU cache of decoded record pages keyed by
// (physical chapter, page within chapter), sparing a dense lookup from
// re-decoding a page it already pulled in for an earlier query in the
// same request.
type pageCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[pageKey]*pageCacheEntry
	order    *pageCacheEntry // most-recently-used sentinel ring
}

type pageKey struct {
	physical uint32
	page     uint32
}

type pageCacheEntry struct {
	key        pageKey
	page       *recordpage.Page
	prev, next *pageCacheEntry
}

func newPageCache(capacity int) *pageCache {
	if capacity <= 0 {
		capacity = 1
	}

	return &pageCache{capacity: capacity, entries: make(map[pageKey]*pageCacheEntry)}
}

func (c *pageCache) get(physical, page uint32) (*recordpage.Page, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[pageKey{physical, page}]
	if !ok {
		return nil, false
	}

	c.moveToFront(e)

	return e.page, true
}

func (c *pageCache) put(physical, page uint32, p *recordpage.Page) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := pageKey{physical, page}
	if e, ok := c.entries[key]; ok {
		e.page = p
		c.moveToFront(e)

		return
	}

	e := &pageCacheEntry{key: key, page: p}
	c.entries[key] = e
	c.pushFront(e)

	if len(c.entries) > c.capacity {
		c.evictOldest()
	}
}

// invalidateChapter drops every cached page belonging to physical,
// called whenever that slot is overwritten with a new chapter.
func (c *pageCache) invalidateChapter(physical uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, e := range c.entries {
		if key.physical == physical {
			c.unlink(e)
			delete(c.entries, key)
		}
	}
}

func (c *pageCache) pushFront(e *pageCacheEntry) {
	if c.order == nil {
		e.next, e.prev = e, e
		c.order = e

		return
	}

	tail := c.order.prev
	e.next = c.order
	e.prev = tail
	tail.next = e
	c.order.prev = e
	c.order = e
}

func (c *pageCache) moveToFront(e *pageCacheEntry) {
	if c.order == e {
		return
	}

	c.unlink(e)
	c.pushFront(e)
}

func (c *pageCache) unlink(e *pageCacheEntry) {
	if e.next == e {
		c.order = nil
		return
	}

	e.prev.next = e.next
	e.next.prev = e.prev

	if c.order == e {
		c.order = e.next
	}

	e.next, e.prev = nil, nil
}

func (c *pageCache) evictOldest() {
	if c.order == nil {
		return
	}

	oldest := c.order.prev
	c.unlink(oldest)
	delete(c.entries, oldest.key)
}
