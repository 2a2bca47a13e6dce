/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package pfnode defines the in-memory representation of a single on-disk
// block once it has been fetched and decrypted: either a data node (a raw
// BlockSize span of plaintext) or an MHT node (a table of child key/tag
// pairs). It mirrors the teacher's layered node model (logical identity,
// decrypted payload, dirty/new bookkeeping) without any of that model's
// filesystem-layer concerns.
package pfnode

import (
	"github.com/sgxpf/protectedfs/pkg/errdefs"
	"github.com/sgxpf/protectedfs/pkg/pflayout"

	"github.com/pkg/errors"
)

// Kind distinguishes a data node from an MHT node.
type Kind int

const (
	// KindData holds raw plaintext bytes.
	KindData Kind = iota
	// KindMHT holds a table of child entries.
	KindMHT
)

// Entry is one child slot inside an MHT node: the key used to decrypt the
// child and the authentication tag (GMAC) that both authenticates the
// child's content and, for a child MHT node, recursively chains to that
// child's own entries.
type Entry struct {
	Key [16]byte
	Tag [16]byte
}

// MHTPayload is the decrypted content of an MHT node: 96 data-node entries
// followed by 32 child-MHT entries, exactly filling one BlockSize block.
type MHTPayload struct {
	DataEntries  [pflayout.AttachedDataNodesCount]Entry
	ChildEntries [pflayout.ChildMHTNodesCount]Entry
}

// entrySize is the packed wire size of one Entry: a 16-byte key followed
// by a 16-byte tag.
const entrySize = 16 + 16

// MarshalBinary packs an MHTPayload into exactly pflayout.BlockSize bytes:
// 96 data entries then 32 child entries, each 32 bytes wide.
func (p *MHTPayload) MarshalBinary() []byte {
	buf := make([]byte, pflayout.BlockSize)
	off := 0
	for _, e := range p.DataEntries {
		off += packEntry(buf[off:], e)
	}
	for _, e := range p.ChildEntries {
		off += packEntry(buf[off:], e)
	}
	return buf
}

// UnmarshalMHTPayload unpacks a pflayout.BlockSize-byte buffer produced by
// MarshalBinary.
func UnmarshalMHTPayload(buf []byte) (*MHTPayload, error) {
	if len(buf) != pflayout.BlockSize {
		return nil, errMHTPayloadSize(len(buf))
	}
	p := &MHTPayload{}
	off := 0
	for i := range p.DataEntries {
		off += unpackEntry(buf[off:], &p.DataEntries[i])
	}
	for i := range p.ChildEntries {
		off += unpackEntry(buf[off:], &p.ChildEntries[i])
	}
	return p, nil
}

func packEntry(dst []byte, e Entry) int {
	copy(dst[0:16], e.Key[:])
	copy(dst[16:32], e.Tag[:])
	return entrySize
}

func unpackEntry(src []byte, e *Entry) int {
	copy(e.Key[:], src[0:16])
	copy(e.Tag[:], src[16:32])
	return entrySize
}

func errMHTPayloadSize(got int) error {
	return errors.Wrapf(errdefs.ErrCorrupted, "mht payload has wrong size: got %d, want %d", got, pflayout.BlockSize)
}

// Node is a single cached, decrypted block together with the bookkeeping
// the cache and flush engine need: its logical/physical identity, its
// parent linkage for re-authentication after a mutation, and dirty/new
// flags driving what the next flush must do with it.
type Node struct {
	Kind Kind

	// LogicalNumber is the node's logical index within its kind's own
	// numbering (data-node index, or MHT-node index with 0 == root).
	LogicalNumber uint64
	// PhysicalNumber is the physical block number on disk.
	PhysicalNumber uint64

	// ParentPhysical is the physical block number of the owning MHT node
	// (or 0, the metadata block, for the root MHT node).
	ParentPhysical uint64
	// ParentSlot is this node's entry index within the parent's entry
	// table (DataEntries for a data node, ChildEntries for an MHT node).
	ParentSlot int

	// Data holds the decrypted plaintext for a KindData node. Always
	// exactly pflayout.BlockSize bytes, zero-padded past the logical
	// file size.
	Data []byte
	// MHT holds the decrypted entry table for a KindMHT node.
	MHT *MHTPayload

	// New reports whether this node was allocated by the current
	// session and has never been written to disk.
	New bool
	// Dirty reports whether this node's content differs from what is on
	// disk (or, for a New node, has never been on disk at all) and must
	// be re-encrypted and written out on the next flush.
	Dirty bool
}

// NewDataNode allocates a zero-filled data node.
func NewDataNode(logicalNumber, physicalNumber uint64) *Node {
	return &Node{
		Kind:           KindData,
		LogicalNumber:  logicalNumber,
		PhysicalNumber: physicalNumber,
		Data:           make([]byte, pflayout.BlockSize),
		New:            true,
		Dirty:          true,
	}
}

// NewMHTNode allocates a zero-filled MHT node.
func NewMHTNode(logicalNumber, physicalNumber uint64) *Node {
	return &Node{
		Kind:           KindMHT,
		LogicalNumber:  logicalNumber,
		PhysicalNumber: physicalNumber,
		MHT:            &MHTPayload{},
		New:            true,
		Dirty:          true,
	}
}

// MarkDirty flags the node as needing re-encryption and write-back on the
// next flush.
func (n *Node) MarkDirty() {
	n.Dirty = true
}

// Wipe zeroes whatever secret-bearing content this node holds: the
// plaintext payload for a data node, or the child key/tag table for an MHT
// node (every entry's Key is a live AES key for a child node, exactly the
// kind of material that must not survive a close in a readable buffer).
func (n *Node) Wipe() {
	switch n.Kind {
	case KindData:
		for i := range n.Data {
			n.Data[i] = 0
		}
	case KindMHT:
		if n.MHT != nil {
			n.MHT.Wipe()
		}
	}
}

// Wipe zeroes every entry's key and tag in place.
func (p *MHTPayload) Wipe() {
	for i := range p.DataEntries {
		p.DataEntries[i] = Entry{}
	}
	for i := range p.ChildEntries {
		p.ChildEntries[i] = Entry{}
	}
}

// IsRoot reports whether this MHT node is the root of the tree, which has
// no MHT parent (its authentication tag lives in the metadata block
// instead of a parent's ChildEntries table).
func (n *Node) IsRoot() bool {
	return n.Kind == KindMHT && n.LogicalNumber == 0
}
