/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package pfcache implements the write-back node cache the engine keeps
// between flushes: a bounded, capacity-limited LRU keyed by physical block
// number, built on hashicorp/golang-lru's simplelru so the recency
// bookkeeping itself is never hand-rolled. What simplelru does not give us
// is the format's eviction policy: a clean node can be dropped for free,
// but a dirty one must be flushed before it can leave the cache, since the
// cache is the only place its content exists once the in-memory write that
// made it dirty returns.
package pfcache

import (
	"github.com/pkg/errors"

	lru "github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/sgxpf/protectedfs/pkg/pfnode"
)

// FlushFunc re-encrypts and writes a single dirty node back to disk. The
// cache calls it synchronously, inline with Add, whenever capacity pressure
// would otherwise evict a dirty node.
type FlushFunc func(n *pfnode.Node) error

// Cache is the bounded write-back node cache. Keys are physical block
// numbers; nil is never a valid value.
type Cache struct {
	capacity int
	lru      *lru.LRU[uint64, *pfnode.Node]
	flush    FlushFunc
	onEvict  func(physicalNumber uint64)
}

// New constructs a Cache holding at most capacity nodes. flush is invoked
// whenever a dirty node is about to be evicted to make room for a new one;
// it must leave the node clean (Dirty == false) on success. onEvict, which
// may be nil, is notified with the physical number of every node that
// leaves the cache (used by pfmetrics to track cache occupancy).
func New(capacity int, flush FlushFunc, onEvict func(physicalNumber uint64)) (*Cache, error) {
	if capacity <= 0 {
		return nil, errors.New("pfcache: capacity must be positive")
	}
	if flush == nil {
		return nil, errors.New("pfcache: flush callback is required")
	}

	c := &Cache{capacity: capacity, flush: flush, onEvict: onEvict}
	inner, err := lru.NewLRU[uint64, *pfnode.Node](capacity, func(key uint64, n *pfnode.Node) {
		// A node leaving the cache is, by construction, clean (Add just
		// flushed it if it wasn't): its decrypted plaintext no longer
		// needs to live in memory at all.
		if n != nil {
			n.Wipe()
		}
		if c.onEvict != nil {
			c.onEvict(key)
		}
	})
	if err != nil {
		return nil, errors.Wrap(err, "pfcache: construct LRU")
	}
	c.lru = inner
	return c, nil
}

// Add inserts or refreshes node under its physical number, promoting it to
// most-recently-used. If the cache is already at capacity and the
// least-recently-used entry is dirty, Add flushes that entry first so the
// eventual eviction never silently drops unwritten data.
func (c *Cache) Add(n *pfnode.Node) error {
	key := n.PhysicalNumber
	if !c.lru.Contains(key) && c.lru.Len() >= c.capacity {
		if _, oldest, ok := c.lru.GetOldest(); ok && oldest.Dirty {
			if err := c.flush(oldest); err != nil {
				return errors.Wrapf(err, "pfcache: forced flush of physical node %d before eviction", oldest.PhysicalNumber)
			}
		}
	}
	c.lru.Add(key, n)
	return nil
}

// Find reports whether a node with the given physical number is cached,
// without affecting recency (mirrors the format's find operation).
func (c *Cache) Find(physicalNumber uint64) bool {
	return c.lru.Contains(physicalNumber)
}

// Get returns the cached node for physicalNumber, promoting it to
// most-recently-used.
func (c *Cache) Get(physicalNumber uint64) (*pfnode.Node, bool) {
	return c.lru.Get(physicalNumber)
}

// Peek returns the cached node for physicalNumber without affecting
// recency.
func (c *Cache) Peek(physicalNumber uint64) (*pfnode.Node, bool) {
	return c.lru.Peek(physicalNumber)
}

// Remove evicts physicalNumber from the cache unconditionally, used once a
// node has been flushed and the caller no longer needs it pinned.
func (c *Cache) Remove(physicalNumber uint64) {
	c.lru.Remove(physicalNumber)
}

// Len returns the number of nodes currently cached.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// GetFirst returns the most-recently-used node, i.e. the first node a
// traversal would visit.
func (c *Cache) GetFirst() (*pfnode.Node, bool) {
	keys := c.lru.Keys()
	if len(keys) == 0 {
		return nil, false
	}
	return c.lru.Peek(keys[len(keys)-1])
}

// GetLast returns the least-recently-used node, the next candidate for
// eviction.
func (c *Cache) GetLast() (*pfnode.Node, bool) {
	keys := c.lru.Keys()
	if len(keys) == 0 {
		return nil, false
	}
	return c.lru.Peek(keys[0])
}

// GetNext returns the node immediately less-recently-used than the node
// with physical number after, continuing an MRU-to-LRU traversal such as
// the one the flush engine runs to collect every dirty node. GetNext never
// itself affects recency.
func (c *Cache) GetNext(after uint64) (*pfnode.Node, bool) {
	keys := c.lru.Keys() // oldest (LRU) first, newest (MRU) last
	for i := len(keys) - 1; i >= 0; i-- {
		if keys[i] == after {
			if i == 0 {
				return nil, false
			}
			return c.lru.Peek(keys[i-1])
		}
	}
	return nil, false
}

// All returns every cached node, most-recently-used first. It is the basis
// for the flush engine's "collect all dirty nodes" pass; callers must not
// mutate the returned slice's backing nodes' identity fields.
func (c *Cache) All() []*pfnode.Node {
	keys := c.lru.Keys()
	nodes := make([]*pfnode.Node, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		if n, ok := c.lru.Peek(keys[i]); ok {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

// Purge drops every entry without flushing, used when a file is closed
// after a full flush has already written back every dirty node.
func (c *Cache) Purge() {
	c.lru.Purge()
}
