package pager

import (
	"container/list"

	"github.com/tokuhirom/murodb/core/page"
)

// lruCache holds decrypted page images, grounded on the teacher's
// container/list + map buffer-pool design (core/write_engine/memtable's
// bufferpoolmanager.go). Unlike that buffer pool there is no pin count: per
// spec.md §4.4, every page reaching the cache has already been written
// through to disk (the only source of a cache entry's content is either a
// disk read or applying a committed transaction), so eviction is always a
// plain discard.
type lruCache struct {
	capacity int
	ll       *list.List
	items    map[page.PageID]*list.Element
}

type lruEntry struct {
	id page.PageID
	pg *page.Page
}

func newLRUCache(capacity int) *lruCache {
	if capacity <= 0 {
		capacity = 256
	}
	return &lruCache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[page.PageID]*list.Element),
	}
}

// get returns a clone of the cached page and marks it most-recently-used.
func (c *lruCache) get(id page.PageID) (*page.Page, bool) {
	el, ok := c.items[id]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*lruEntry).pg.Clone(), true
}

// put inserts or refreshes a page, evicting the least-recently-used entry
// if the cache is over capacity. The stored page is cloned so later
// mutation of the caller's copy doesn't alias the cache.
func (c *lruCache) put(p *page.Page) {
	id := p.PageID()
	if el, ok := c.items[id]; ok {
		el.Value.(*lruEntry).pg = p.Clone()
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&lruEntry{id: id, pg: p.Clone()})
	c.items[id] = el
	if c.ll.Len() > c.capacity {
		c.evictOldest()
	}
}

func (c *lruCache) evictOldest() {
	el := c.ll.Back()
	if el == nil {
		return
	}
	c.ll.Remove(el)
	delete(c.items, el.Value.(*lruEntry).id)
}

// invalidateAll drops every cached entry, used by RefreshFromDiskIfChanged
// when another process has changed the on-disk header.
func (c *lruCache) invalidateAll() {
	c.ll = list.New()
	c.items = make(map[page.PageID]*list.Element)
}

func (c *lruCache) len() int { return c.ll.Len() }
