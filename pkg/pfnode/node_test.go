/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package pfnode

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sgxpf/protectedfs/pkg/pflayout"
)

func TestNewDataNodeIsDirtyAndZeroed(t *testing.T) {
	n := NewDataNode(0, 2)
	assert.Equal(t, KindData, n.Kind)
	assert.True(t, n.New)
	assert.True(t, n.Dirty)
	assert.Len(t, n.Data, pflayout.BlockSize)
	for _, b := range n.Data {
		assert.Zero(t, b)
	}
}

func TestNewMHTNodeIsDirtyAndZeroed(t *testing.T) {
	n := NewMHTNode(0, pflayout.RootMHTPhysicalNumber)
	assert.Equal(t, KindMHT, n.Kind)
	assert.True(t, n.IsRoot())
	assert.NotNil(t, n.MHT)
	assert.Equal(t, Entry{}, n.MHT.DataEntries[0])
	assert.Equal(t, Entry{}, n.MHT.ChildEntries[pflayout.ChildMHTNodesCount-1])
}

func TestNonRootMHTIsNotRoot(t *testing.T) {
	n := NewMHTNode(1, pflayout.DataNumberPhysical(pflayout.AttachedDataNodesCount)-1)
	assert.False(t, n.IsRoot())
}

func TestWipeZeroesDataNodePlaintext(t *testing.T) {
	n := NewDataNode(0, 2)
	for i := range n.Data {
		n.Data[i] = 0xFF
	}

	n.Wipe()

	for _, b := range n.Data {
		assert.Zero(t, b)
	}
}

func TestWipeZeroesMHTNodeEntries(t *testing.T) {
	n := NewMHTNode(0, pflayout.RootMHTPhysicalNumber)
	n.MHT.DataEntries[0] = Entry{Key: [16]byte{1}, Tag: [16]byte{2}}
	n.MHT.ChildEntries[0] = Entry{Key: [16]byte{3}, Tag: [16]byte{4}}

	n.Wipe()

	assert.Equal(t, Entry{}, n.MHT.DataEntries[0])
	assert.Equal(t, Entry{}, n.MHT.ChildEntries[0])
}

func TestMarkDirty(t *testing.T) {
	n := NewDataNode(0, 2)
	n.Dirty = false
	n.MarkDirty()
	assert.True(t, n.Dirty)
}

func TestMHTPayloadMarshalRoundTrip(t *testing.T) {
	p := &MHTPayload{}
	p.DataEntries[0] = Entry{Key: [16]byte{1}, Tag: [16]byte{2}}
	p.ChildEntries[pflayout.ChildMHTNodesCount-1] = Entry{Key: [16]byte{3}, Tag: [16]byte{4}}

	buf := p.MarshalBinary()
	assert.Len(t, buf, pflayout.BlockSize)

	got, err := UnmarshalMHTPayload(buf)
	assert.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestUnmarshalMHTPayloadRejectsWrongSize(t *testing.T) {
	_, err := UnmarshalMHTPayload(make([]byte, 10))
	assert.Error(t, err)
}
