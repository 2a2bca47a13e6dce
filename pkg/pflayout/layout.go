/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package pflayout maps logical plaintext offsets onto the protected file's
// fixed physical block geometry. It performs no I/O and holds no state; every
// function is pure arithmetic over the constants below.
package pflayout

import "fmt"

// BlockSize is the fixed size, in bytes, of every on-disk block (PF_NODE_SIZE).
const BlockSize = 4096

// MetaPhysicalNumber is the physical block holding the metadata node.
const MetaPhysicalNumber = 0

// RootMHTPhysicalNumber is the physical block holding the root MHT node.
const RootMHTPhysicalNumber = 1

// AttachedDataNodesCount is the number of data nodes directly attached to
// a single MHT node (ATTACHED_DATA_NODES_COUNT).
const AttachedDataNodesCount = 96

// ChildMHTNodesCount is the number of child MHT node slots in a single MHT
// node (CHILD_MHT_NODES_COUNT).
const ChildMHTNodesCount = 32

// MDUserDataSize is the number of plaintext bytes stored inline in the
// metadata block's encrypted part. Chosen so the metadata block (plain
// header + AEAD-sealed encrypted part + tag) fits within one BlockSize block
// with room to spare; see pfmeta for the byte-exact layout.
const MDUserDataSize = 3072

// nodesPerMHTGroup is the total physical blocks consumed by one MHT node and
// its attached data nodes: the MHT node itself plus its 96 data nodes.
const nodesPerMHTGroup = 1 + AttachedDataNodesCount

// Coordinates identifies the physical location of a data byte range for a
// logical offset at or beyond MDUserDataSize.
type Coordinates struct {
	// MHTNumber is the logical number of the MHT node that owns this data
	// node (0 = root).
	MHTNumber uint64
	// DataNumber is the logical data-node index, counted from the start of
	// the data region (0-based, across all MHT groups).
	DataNumber uint64
	// PhysMHT is the physical block number of the owning MHT node.
	PhysMHT uint64
	// PhysData is the physical block number of the data node.
	PhysData uint64
	// OffsetInNode is the byte offset of the logical offset within its data
	// node's plaintext payload.
	OffsetInNode uint64
}

// Locate maps a logical offset into the data region (offset >=
// MDUserDataSize) to its MHT/data node coordinates, per spec.md §3:
//
//	d = (offset - MDUserDataSize) / BlockSize
//	m = d / AttachedDataNodesCount
//	phys_data = d + 2 + m
//	phys_mht  = phys_data - (d mod AttachedDataNodesCount) - 1
//
// Locate rejects offsets below MDUserDataSize; callers must handle the
// inline metadata region separately.
func Locate(offset uint64) (Coordinates, error) {
	if offset < MDUserDataSize {
		return Coordinates{}, fmt.Errorf("pflayout: offset %d is below inline region size %d", offset, MDUserDataSize)
	}

	rel := offset - MDUserDataSize
	d := rel / BlockSize
	m := d / AttachedDataNodesCount
	physData := d + 2 + m
	physMHT := physData - (d % AttachedDataNodesCount) - 1

	return Coordinates{
		MHTNumber:    m,
		DataNumber:   d,
		PhysMHT:      physMHT,
		PhysData:     physData,
		OffsetInNode: rel % BlockSize,
	}, nil
}

// DataNumberPhysical returns the physical block number of the data node with
// the given logical data-node index (0-based across all MHT groups).
func DataNumberPhysical(dataNumber uint64) uint64 {
	m := dataNumber / AttachedDataNodesCount
	return dataNumber + 2 + m
}

// MHTParentNumber returns the logical number of the MHT node that is the
// parent of the MHT node identified by mhtNumber. The root (mhtNumber == 0)
// has no MHT parent; callers must special-case it (its parent is the
// metadata block).
func MHTParentNumber(mhtNumber uint64) uint64 {
	if mhtNumber == 0 {
		return 0
	}
	return (mhtNumber - 1) / ChildMHTNodesCount
}

// MHTChildSlot returns the index, within a parent MHT node's 32 child-MHT
// entries, that a non-root MHT node occupies: (child_mht_number-1) mod 32.
func MHTChildSlot(mhtNumber uint64) int {
	return int((mhtNumber - 1) % ChildMHTNodesCount)
}

// DataParentMHTNumber returns the logical MHT number that owns the data node
// identified by its logical data-node index.
func DataParentMHTNumber(dataNumber uint64) uint64 {
	return dataNumber / AttachedDataNodesCount
}

// DataSlot returns the index, within an MHT node's 96 attached-data entries,
// that a data node occupies.
func DataSlot(dataNumber uint64) int {
	return int(dataNumber % AttachedDataNodesCount)
}

// MHTPhysicalNumber returns the physical block number of the MHT node with
// the given logical number. MHT number 0 (the root) is always physical
// block 1.
func MHTPhysicalNumber(mhtNumber uint64) uint64 {
	if mhtNumber == 0 {
		return RootMHTPhysicalNumber
	}
	// The MHT node at logical number m sits immediately before its first
	// attached data node, i.e. at the physical slot for data number m*96
	// minus the data node's own index within the group, minus one.
	firstData := mhtNumber * AttachedDataNodesCount
	return DataNumberPhysical(firstData) - 1
}

// AlignedAppendOffset reports whether offset is exactly at the start of a
// data node's plaintext span within the data region, used by the fetch
// engine to decide whether a write at the current end-of-file is an append
// (new node) rather than a read/modify of an existing node.
func AlignedAppendOffset(offset uint64) bool {
	if offset < MDUserDataSize {
		return false
	}
	return (offset-MDUserDataSize)%BlockSize == 0
}

// MaxPlaintextSizeForMHTCount returns the maximum plaintext size reachable
// with k attached top-level MHT groups allocated (invariant D in spec.md
// §3): plaintext_size <= MDUserDataSize + AttachedDataNodesCount*k*BlockSize.
func MaxPlaintextSizeForMHTCount(k uint64) uint64 {
	return MDUserDataSize + AttachedDataNodesCount*k*BlockSize
}
