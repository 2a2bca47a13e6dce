/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package pf

import (
	"io"

	"github.com/pkg/errors"

	"github.com/sgxpf/protectedfs/pkg/errdefs"
	"github.com/sgxpf/protectedfs/pkg/pfcrypto"
	"github.com/sgxpf/protectedfs/pkg/pflayout"
	"github.com/sgxpf/protectedfs/pkg/pfnode"
)

// zeroEntry is the sentinel meaning "no node has ever been allocated in
// this slot", since a real Entry's Key and Tag are AEAD output and
// therefore never all-zero in practice.
var zeroEntry pfnode.Entry

// Read copies up to len(buf) bytes starting at offset into buf, returning
// the number of bytes actually read and io.EOF once offset reaches the
// file's logical size.
func (c *Context) Read(offset uint64, buf []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkUsable(); err != nil {
		return 0, err
	}
	return c.readLocked(offset, buf)
}

func (c *Context) readLocked(offset uint64, buf []byte) (int, error) {
	if offset >= c.size {
		return 0, io.EOF
	}

	cur := offset
	remaining := buf
	for len(remaining) > 0 && cur < c.size {
		toCopy, err := c.copyOneSpan(cur, remaining, nil)
		if err != nil {
			return int(cur - offset), err
		}
		cur += toCopy
		remaining = remaining[toCopy:]
	}

	n := int(cur - offset)
	if n < len(buf) {
		return n, io.EOF
	}
	return n, nil
}

// copyOneSpan copies as much as it can of the current block (inline
// region or data node) at logical position cur into dst, or, if src is
// non-nil, copies from src into the underlying storage instead (used by
// write). It returns how many bytes were transferred.
func (c *Context) copyOneSpan(cur uint64, dst, src []byte) (uint64, error) {
	if cur < pflayout.MDUserDataSize {
		avail := pflayout.MDUserDataSize - cur
		n := min64(avail, uint64(len(dst)), c.size-cur)
		if src == nil {
			copy(dst[:n], c.metaUser[cur:cur+n])
		} else {
			n = min64(avail, uint64(len(src)))
			copy(c.metaUser[cur:cur+n], src[:n])
			c.metaDirty = true
		}
		return n, nil
	}

	coords, err := pflayout.Locate(cur)
	if err != nil {
		return 0, errors.Wrap(errdefs.ErrCorrupted, err.Error())
	}

	create := src != nil
	node, err := c.getDataNode(cur, coords.DataNumber, create)
	if err != nil {
		return 0, err
	}

	avail := pflayout.BlockSize - coords.OffsetInNode
	if src == nil {
		n := min64(avail, uint64(len(dst)), c.size-cur)
		copy(dst[:n], node.Data[coords.OffsetInNode:coords.OffsetInNode+n])
		return n, nil
	}

	n := min64(avail, uint64(len(src)))
	copy(node.Data[coords.OffsetInNode:coords.OffsetInNode+n], src[:n])
	c.markDirtyPropagate(node)
	return n, nil
}

// Write copies data into the file starting at offset, growing the logical
// size if offset+len(data) exceeds it. A write that starts beyond the
// current end of file first zero-fills the gap up to offset.
func (c *Context) Write(offset uint64, data []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkUsable(); err != nil {
		return 0, err
	}
	if c.mode != ModeReadWrite {
		return 0, errors.Wrap(errdefs.ErrInvalidParameter, "file not opened for writing")
	}
	return c.writeLocked(offset, data)
}

func (c *Context) writeLocked(offset uint64, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, errors.Wrap(errdefs.ErrInvalidParameter, "write length must not be zero")
	}
	end := offset + uint64(len(data))
	if end < offset {
		return 0, errors.Wrap(errdefs.ErrInvalidParameter, "write offset and length overflow a 64-bit size")
	}
	if offset > c.size {
		// Zero-fill from the current end of file up to offset first.
		if _, err := c.writeLocked(c.size, make([]byte, offset-c.size)); err != nil {
			return 0, err
		}
	}

	cur := offset
	remaining := data
	for len(remaining) > 0 {
		n, err := c.copyOneSpan(cur, nil, remaining)
		if err != nil {
			return int(cur - offset), err
		}
		cur += n
		remaining = remaining[n:]
	}

	if end > c.size {
		c.size = end
		c.metaDirty = true
	}
	return len(data), nil
}

// Flush writes back every dirty node and the metadata block, leaving the
// file in a fully consistent on-disk state. It is safe to call even when
// nothing is dirty.
func (c *Context) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkUsable(); err != nil {
		return err
	}
	return c.flushLocked()
}

// flushNodeForEviction is the pfcache.FlushFunc the cache calls when it
// needs to evict a dirty node to make room: because evicting any one
// dirty node requires re-authenticating its whole ancestor chain up to
// the root and metadata anyway, a forced eviction flush is a full flush.
func (c *Context) flushNodeForEviction(*pfnode.Node) error {
	c.cacheEvictionFlush()
	return c.flushLocked()
}

// getOwningMHT returns the MHT node with the given logical number, loading
// it from cache or disk, or allocating it fresh when create is true and it
// has never existed. mhtNumber 0 is always the pinned root. Non-root MHT
// nodes chain arbitrarily deep: node m's parent is MHTParentNumber(m), so
// fetching m first fetches its parent recursively, which both resolves m's
// entry (key/tag live in the parent's ChildEntries table) and, as a side
// effect of every recursive cache.Get along the way, promotes every
// ancestor to MRU ahead of the node that needed them.
func (c *Context) getOwningMHT(mhtNumber uint64, create bool) (*pfnode.Node, error) {
	if mhtNumber == 0 {
		return c.root, nil
	}

	physical := pflayout.MHTPhysicalNumber(mhtNumber)
	if n, ok := c.cache.Get(physical); ok {
		return n, nil
	}

	parentNumber := pflayout.MHTParentNumber(mhtNumber)
	parent, err := c.getOwningMHT(parentNumber, create)
	if err != nil {
		return nil, err
	}
	slot := pflayout.MHTChildSlot(mhtNumber)

	entry := parent.MHT.ChildEntries[slot]
	if entry == zeroEntry {
		if !create {
			return nil, errors.Wrap(errdefs.ErrCorrupted, "mht node has not been allocated")
		}
		node := pfnode.NewMHTNode(mhtNumber, physical)
		node.ParentPhysical = parent.PhysicalNumber
		node.ParentSlot = slot
		if err := c.cache.Add(node); err != nil {
			return nil, err
		}
		return node, nil
	}

	plaintext, err := c.readAndDecryptNode(physical, entry)
	if err != nil {
		return nil, err
	}
	payload, err := pfnode.UnmarshalMHTPayload(plaintext)
	if err != nil {
		return nil, err
	}
	node := &pfnode.Node{
		Kind:           pfnode.KindMHT,
		LogicalNumber:  mhtNumber,
		PhysicalNumber: physical,
		ParentPhysical: parent.PhysicalNumber,
		ParentSlot:     slot,
		MHT:            payload,
	}
	if err := c.cache.Add(node); err != nil {
		return nil, err
	}
	return node, nil
}

// getDataNode returns the data node with the given logical data-node
// index, loading it from cache or disk, or allocating it fresh when
// create is true and it has never existed. offset is the byte offset
// within the data region that drove this lookup; per spec.md's fetch
// rule, allocating a brand new node is only ever legitimate when offset
// lands exactly on that node's first byte (an append), never mid-node,
// so that is checked before a new node is fabricated.
func (c *Context) getDataNode(offset, dataNumber uint64, create bool) (*pfnode.Node, error) {
	physical := pflayout.DataNumberPhysical(dataNumber)
	if n, ok := c.cache.Get(physical); ok {
		return n, nil
	}

	mhtNumber := pflayout.DataParentMHTNumber(dataNumber)
	slot := pflayout.DataSlot(dataNumber)
	mht, err := c.getOwningMHT(mhtNumber, create)
	if err != nil {
		return nil, err
	}

	entry := mht.MHT.DataEntries[slot]
	if entry == zeroEntry {
		if !create {
			return nil, errors.Wrap(errdefs.ErrCorrupted, "data node has not been allocated")
		}
		if !pflayout.AlignedAppendOffset(offset) {
			return nil, errors.Wrap(errdefs.ErrCorrupted, "write would allocate a data node at a non-aligned offset")
		}
		node := pfnode.NewDataNode(dataNumber, physical)
		node.ParentPhysical = mht.PhysicalNumber
		node.ParentSlot = slot
		if err := c.cache.Add(node); err != nil {
			return nil, err
		}
		return node, nil
	}

	plaintext, err := c.readAndDecryptNode(physical, entry)
	if err != nil {
		return nil, err
	}
	node := &pfnode.Node{
		Kind:           pfnode.KindData,
		LogicalNumber:  dataNumber,
		PhysicalNumber: physical,
		ParentPhysical: mht.PhysicalNumber,
		ParentSlot:     slot,
		Data:           plaintext,
	}
	if err := c.cache.Add(node); err != nil {
		return nil, err
	}
	return node, nil
}

func (c *Context) readAndDecryptNode(physical uint64, entry pfnode.Entry) ([]byte, error) {
	buf := make([]byte, pflayout.BlockSize)
	if err := c.cb.Read(c.handle, buf, physical*pflayout.BlockSize); err != nil {
		return nil, errors.Wrap(errdefs.ErrWriteToDiskFailed, err.Error())
	}
	plaintext, err := c.cb.AEAD.Decrypt(entry.Key, pfcrypto.ZeroIV, nil, buf, entry.Tag)
	if err != nil {
		c.status = errors.Wrap(errdefs.ErrMacMismatch, err.Error())
		return nil, c.status
	}
	return plaintext, nil
}

// markDirtyPropagate flags n as dirty and walks its ancestor chain up to
// the root marking every MHT node along the way dirty too, since each
// ancestor's stored tag for its child changes once that child is
// re-encrypted. Reaching the root also dirties the metadata block, whose
// encrypted part holds the root's own key and tag.
func (c *Context) markDirtyPropagate(n *pfnode.Node) {
	n.MarkDirty()
	if n.Kind == pfnode.KindData {
		if mht, ok := c.cache.Peek(n.ParentPhysical); ok {
			c.markDirtyPropagate(mht)
		} else if n.ParentPhysical == c.root.PhysicalNumber {
			c.markAncestorDirty(c.root)
		}
		return
	}
	c.markAncestorDirty(n)
}

func (c *Context) markAncestorDirty(n *pfnode.Node) {
	n.MarkDirty()
	if n.IsRoot() {
		c.metaDirty = true
		return
	}
	if parent, ok := c.cache.Peek(n.ParentPhysical); ok {
		c.markAncestorDirty(parent)
	} else if n.ParentPhysical == c.root.PhysicalNumber {
		c.markAncestorDirty(c.root)
	}
}

func min64(values ...uint64) uint64 {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
