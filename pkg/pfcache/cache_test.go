/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package pfcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgxpf/protectedfs/pkg/pfnode"
)

func newCleanNode(physicalNumber uint64) *pfnode.Node {
	n := pfnode.NewDataNode(physicalNumber, physicalNumber)
	n.Dirty = false
	n.New = false
	return n
}

func TestAddAndGetPromotesRecency(t *testing.T) {
	c, err := New(2, func(*pfnode.Node) error { return nil }, nil)
	require.NoError(t, err)

	require.NoError(t, c.Add(newCleanNode(1)))
	require.NoError(t, c.Add(newCleanNode(2)))

	got, ok := c.Get(1)
	require.True(t, ok)
	assert.Equal(t, uint64(1), got.PhysicalNumber)

	// Adding a third entry should evict physical 2, the now-LRU entry,
	// since Get(1) promoted 1 to MRU.
	require.NoError(t, c.Add(newCleanNode(3)))
	assert.False(t, c.Find(2))
	assert.True(t, c.Find(1))
	assert.True(t, c.Find(3))
}

func TestAddFlushesDirtyNodeBeforeEviction(t *testing.T) {
	var flushed []uint64
	c, err := New(1, func(n *pfnode.Node) error {
		flushed = append(flushed, n.PhysicalNumber)
		n.Dirty = false
		return nil
	}, nil)
	require.NoError(t, err)

	dirty := pfnode.NewDataNode(1, 1) // New nodes start dirty.
	require.NoError(t, c.Add(dirty))
	require.NoError(t, c.Add(newCleanNode(2)))

	assert.Equal(t, []uint64{1}, flushed)
	assert.False(t, c.Find(1))
	assert.True(t, c.Find(2))
}

func TestAddPropagatesFlushError(t *testing.T) {
	boom := assert.AnError
	c, err := New(1, func(*pfnode.Node) error { return boom }, nil)
	require.NoError(t, err)

	require.NoError(t, c.Add(pfnode.NewDataNode(1, 1)))
	err = c.Add(newCleanNode(2))
	assert.ErrorIs(t, err, boom)
	// The dirty node that failed to flush must still be cached.
	assert.True(t, c.Find(1))
}

func TestGetFirstAndGetLast(t *testing.T) {
	c, err := New(3, func(*pfnode.Node) error { return nil }, nil)
	require.NoError(t, err)

	require.NoError(t, c.Add(newCleanNode(1)))
	require.NoError(t, c.Add(newCleanNode(2)))
	require.NoError(t, c.Add(newCleanNode(3)))

	first, ok := c.GetFirst()
	require.True(t, ok)
	assert.Equal(t, uint64(3), first.PhysicalNumber) // most recently added

	last, ok := c.GetLast()
	require.True(t, ok)
	assert.Equal(t, uint64(1), last.PhysicalNumber) // least recently used
}

func TestGetNextWalksMRUToLRU(t *testing.T) {
	c, err := New(3, func(*pfnode.Node) error { return nil }, nil)
	require.NoError(t, err)

	require.NoError(t, c.Add(newCleanNode(1)))
	require.NoError(t, c.Add(newCleanNode(2)))
	require.NoError(t, c.Add(newCleanNode(3)))

	n, ok := c.GetNext(3)
	require.True(t, ok)
	assert.Equal(t, uint64(2), n.PhysicalNumber)

	n, ok = c.GetNext(2)
	require.True(t, ok)
	assert.Equal(t, uint64(1), n.PhysicalNumber)

	_, ok = c.GetNext(1)
	assert.False(t, ok)
}

func TestAllReturnsMRUFirst(t *testing.T) {
	c, err := New(3, func(*pfnode.Node) error { return nil }, nil)
	require.NoError(t, err)

	require.NoError(t, c.Add(newCleanNode(1)))
	require.NoError(t, c.Add(newCleanNode(2)))

	all := c.All()
	require.Len(t, all, 2)
	assert.Equal(t, uint64(2), all[0].PhysicalNumber)
	assert.Equal(t, uint64(1), all[1].PhysicalNumber)
}

func TestOnEvictNotifiesPhysicalNumber(t *testing.T) {
	var evicted []uint64
	c, err := New(1, func(*pfnode.Node) error { return nil }, func(p uint64) {
		evicted = append(evicted, p)
	})
	require.NoError(t, err)

	require.NoError(t, c.Add(newCleanNode(1)))
	require.NoError(t, c.Add(newCleanNode(2)))
	assert.Equal(t, []uint64{1}, evicted)
}

func TestEvictionZeroesNodePlaintext(t *testing.T) {
	c, err := New(1, func(*pfnode.Node) error { return nil }, nil)
	require.NoError(t, err)

	n := newCleanNode(1)
	for i := range n.Data {
		n.Data[i] = 0xAB
	}
	require.NoError(t, c.Add(n))
	require.NoError(t, c.Add(newCleanNode(2))) // evicts physical 1

	for _, b := range n.Data {
		require.Zero(t, b, "evicted node's plaintext must be zeroed, not left readable")
	}
}

func TestPurgeDropsEverythingWithoutFlushing(t *testing.T) {
	flushCalls := 0
	c, err := New(2, func(*pfnode.Node) error { flushCalls++; return nil }, nil)
	require.NoError(t, err)

	require.NoError(t, c.Add(newCleanNode(1)))
	c.Purge()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, 0, flushCalls)
}
