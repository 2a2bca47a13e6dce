/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package pf

// Hooks lets an observer react to flush, recovery, and cache events without
// pkg/pf depending on that observer's own stack (pfmetrics's prometheus
// client, for instance). A nil Hooks is legal and every call site below
// checks for it first; Open leaves it unset unless SetHooks is called.
type Hooks interface {
	// FlushResult is called once per flushLocked invocation that actually
	// did work, reporting whether it committed successfully.
	FlushResult(ok bool)
	// RecoveryResult is called once whenever replayRecovery runs,
	// reporting whether the replay itself completed successfully.
	RecoveryResult(ok bool)
	// CacheEvictionFlush is called every time the node cache forces a
	// full flush to make room for a new node (a dirty LRU entry).
	CacheEvictionFlush()
	// CacheOccupancy reports the node cache's size immediately after an
	// entry leaves it, letting an observer track occupancy as a gauge.
	CacheOccupancy(n int)
}

// SetHooks installs h as this session's event observer, replacing any
// previously installed Hooks. Passing nil disables observation.
func (c *Context) SetHooks(h Hooks) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = h
}

func (c *Context) flushResult(ok bool) {
	if c.hooks != nil {
		c.hooks.FlushResult(ok)
	}
}

func (c *Context) recoveryResult(ok bool) {
	if c.hooks != nil {
		c.hooks.RecoveryResult(ok)
	}
}

func (c *Context) cacheEvictionFlush() {
	if c.hooks != nil {
		c.hooks.CacheEvictionFlush()
	}
}

func (c *Context) cacheOccupancy(physicalNumber uint64) {
	if c.hooks != nil {
		c.hooks.CacheOccupancy(c.cache.Len())
	}
}
