package protectfs

import "container/list"

// nodeCache is the resident-node cache: an LRU ordering over physical
// node numbers. It never evicts on its own; the tree layer decides when
// and how to drop entries, because dirty nodes must be flushed, not
// discarded, and a parent MHT cannot leave while a child is resident.
type nodeCache struct {
	order   *list.List // front = most recently used, values are *fileNode
	entries map[uint64]*list.Element
	maxSize int // capacity in bytes, NodeSize per entry
}

func newNodeCache(maxSize int) *nodeCache {
	return &nodeCache{
		order:   list.New(),
		entries: make(map[uint64]*list.Element),
		maxSize: maxSize,
	}
}

// find returns the cached node without touching the LRU order; recency
// is the caller's call, via bump.
func (c *nodeCache) find(physNumber uint64) *fileNode {
	e, ok := c.entries[physNumber]
	if !ok {
		return nil
	}
	return e.Value.(*fileNode)
}

// push inserts a node as most recently used. It reports false, leaving
// the cache unchanged, when the physical number is already resident.
func (c *nodeCache) push(n *fileNode) bool {
	if _, ok := c.entries[n.physNumber]; ok {
		return false
	}
	c.entries[n.physNumber] = c.order.PushFront(n)
	return true
}

// back returns the least recently used node without removing it.
func (c *nodeCache) back() *fileNode {
	e := c.order.Back()
	if e == nil {
		return nil
	}
	return e.Value.(*fileNode)
}

// popBack removes and returns the least recently used node.
func (c *nodeCache) popBack() *fileNode {
	e := c.order.Back()
	if e == nil {
		return nil
	}
	n := c.order.Remove(e).(*fileNode)
	delete(c.entries, n.physNumber)
	return n
}

// bump marks a node most recently used if it is resident.
func (c *nodeCache) bump(physNumber uint64) {
	if e, ok := c.entries[physNumber]; ok {
		c.order.MoveToFront(e)
	}
}

func (c *nodeCache) len() int { return c.order.Len() }

// full reports whether the cache is at or over capacity.
func (c *nodeCache) full() bool {
	return c.order.Len()*NodeSize >= c.maxSize
}

// forEach visits every resident node, most recently used first.
func (c *nodeCache) forEach(fn func(*fileNode)) {
	for e := c.order.Front(); e != nil; e = e.Next() {
		fn(e.Value.(*fileNode))
	}
}

// clear drops every entry. Only valid when no node needs writing.
func (c *nodeCache) clear() {
	c.order.Init()
	c.entries = make(map[uint64]*list.Element)
}
