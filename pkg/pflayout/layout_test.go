/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package pflayout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocateRejectsInlineOffsets(t *testing.T) {
	_, err := Locate(MDUserDataSize - 1)
	assert.Error(t, err)
}

func TestLocateFirstDataNode(t *testing.T) {
	c, err := Locate(MDUserDataSize)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), c.MHTNumber)
	assert.Equal(t, uint64(0), c.DataNumber)
	assert.Equal(t, uint64(1), c.PhysMHT)
	assert.Equal(t, uint64(2), c.PhysData)
	assert.Equal(t, uint64(0), c.OffsetInNode)
}

func TestLocateWithinFirstNode(t *testing.T) {
	c, err := Locate(MDUserDataSize + 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), c.DataNumber)
	assert.Equal(t, uint64(2), c.PhysData)
	assert.Equal(t, uint64(10), c.OffsetInNode)
}

func TestLocateLastDataNodeUnderRoot(t *testing.T) {
	// 96th data node (index 95) is the last one under the root MHT.
	offset := MDUserDataSize + 95*BlockSize
	c, err := Locate(offset)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), c.MHTNumber)
	assert.Equal(t, uint64(95), c.DataNumber)
	assert.Equal(t, uint64(1), c.PhysMHT)
	assert.Equal(t, uint64(97), c.PhysData)
}

func TestLocateCrossesIntoSecondMHT(t *testing.T) {
	// 97th data node (index 96) is the first under the first non-root MHT.
	offset := MDUserDataSize + 96*BlockSize
	c, err := Locate(offset)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), c.MHTNumber)
	assert.Equal(t, uint64(96), c.DataNumber)
	// phys_data = 96 + 2 + 1 = 99
	assert.Equal(t, uint64(99), c.PhysData)
	// phys_mht = 99 - (96 mod 96) - 1 = 98
	assert.Equal(t, uint64(98), c.PhysMHT)
}

func TestMHTPhysicalNumberRoot(t *testing.T) {
	assert.Equal(t, uint64(RootMHTPhysicalNumber), MHTPhysicalNumber(0))
}

func TestMHTPhysicalNumberMatchesLocate(t *testing.T) {
	for _, dataNumber := range []uint64{96, 192, 96 * 33} {
		offset := MDUserDataSize + dataNumber*BlockSize
		c, err := Locate(offset)
		require.NoError(t, err)
		assert.Equal(t, c.PhysMHT, MHTPhysicalNumber(c.MHTNumber), "dataNumber=%d", dataNumber)
	}
}

func TestMHTParentAndChildSlot(t *testing.T) {
	cases := map[string]struct {
		mht       uint64
		parent    uint64
		childSlot int
	}{
		"first child of root": {mht: 1, parent: 0, childSlot: 0},
		"last direct child":   {mht: 32, parent: 0, childSlot: 31},
		"first grandchild":    {mht: 33, parent: 1, childSlot: 0},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.parent, MHTParentNumber(tc.mht))
			assert.Equal(t, tc.childSlot, MHTChildSlot(tc.mht))
		})
	}
}

func TestDataParentAndSlot(t *testing.T) {
	assert.Equal(t, uint64(0), DataParentMHTNumber(0))
	assert.Equal(t, 0, DataSlot(0))
	assert.Equal(t, uint64(0), DataParentMHTNumber(95))
	assert.Equal(t, 95, DataSlot(95))
	assert.Equal(t, uint64(1), DataParentMHTNumber(96))
	assert.Equal(t, 0, DataSlot(96))
}

func TestAlignedAppendOffset(t *testing.T) {
	assert.False(t, AlignedAppendOffset(MDUserDataSize-1))
	assert.True(t, AlignedAppendOffset(MDUserDataSize))
	assert.True(t, AlignedAppendOffset(MDUserDataSize+BlockSize))
	assert.False(t, AlignedAppendOffset(MDUserDataSize+10))
}

func TestMaxPlaintextSizeForMHTCount(t *testing.T) {
	assert.Equal(t, uint64(MDUserDataSize), MaxPlaintextSizeForMHTCount(0))
	assert.Equal(t, uint64(MDUserDataSize+AttachedDataNodesCount*BlockSize), MaxPlaintextSizeForMHTCount(1))
}
