/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package pfmeta

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgxpf/protectedfs/pkg/errdefs"
	"github.com/sgxpf/protectedfs/pkg/pfcrypto"
	"github.com/sgxpf/protectedfs/pkg/pflayout"
)

func testKey(t *testing.T) [pfcrypto.KeySize]byte {
	t.Helper()
	var key [pfcrypto.KeySize]byte
	require.NoError(t, pfcrypto.DefaultRNG{}.Random(key[:]))
	return key
}

func TestSealOpenRoundTrip(t *testing.T) {
	aead := pfcrypto.DefaultAEAD{}
	key := testKey(t)

	b := &Block{
		Plain: PlainHeader{Magic: Magic, MajorVersion: MajorVersion, MinorVersion: MinorVersion},
		Encrypted: EncryptedPart{
			PlaintextSize: 12345,
			Path:          "/data/reports/q3.pf",
			MHTKey:        testKey(t),
			MHTGMAC:       testKey(t),
		},
	}
	copy(b.Encrypted.UserData[:], "inline content")

	sealed, err := b.Seal(aead, key)
	require.NoError(t, err)
	block := PaddedBlockSize(sealed)
	assert.Len(t, block, pflayout.BlockSize)

	opened, err := Open(block, aead, key)
	require.NoError(t, err)
	assert.Equal(t, uint64(12345), opened.Encrypted.PlaintextSize)
	assert.Equal(t, "/data/reports/q3.pf", opened.Encrypted.Path)
	assert.Equal(t, b.Encrypted.MHTKey, opened.Encrypted.MHTKey)
	assert.True(t, opened.Plain.MagicValid())
}

func TestOpenRejectsWrongKey(t *testing.T) {
	aead := pfcrypto.DefaultAEAD{}
	key := testKey(t)
	wrongKey := testKey(t)

	b := &Block{Plain: PlainHeader{Magic: Magic, MajorVersion: MajorVersion}}
	sealed, err := b.Seal(aead, key)
	require.NoError(t, err)
	block := PaddedBlockSize(sealed)

	_, err = Open(block, aead, wrongKey)
	assert.ErrorIs(t, err, errdefs.ErrMacMismatch)
}

func TestOpenRejectsBadMagic(t *testing.T) {
	aead := pfcrypto.DefaultAEAD{}
	key := testKey(t)

	b := &Block{Plain: PlainHeader{Magic: 0xBAD, MajorVersion: MajorVersion}}
	sealed, err := b.Seal(aead, key)
	require.NoError(t, err)
	block := PaddedBlockSize(sealed)

	_, err = Open(block, aead, key)
	assert.ErrorIs(t, err, errdefs.ErrInvalidHeader)
}

func TestOpenRejectsBadVersion(t *testing.T) {
	aead := pfcrypto.DefaultAEAD{}
	key := testKey(t)

	b := &Block{Plain: PlainHeader{Magic: Magic, MajorVersion: MajorVersion + 1}}
	sealed, err := b.Seal(aead, key)
	require.NoError(t, err)
	block := PaddedBlockSize(sealed)

	_, err = Open(block, aead, key)
	assert.ErrorIs(t, err, errdefs.ErrInvalidVersion)
}

func TestEncodeRejectsOversizedPath(t *testing.T) {
	longPath := make([]byte, PathMaxLen)
	for i := range longPath {
		longPath[i] = 'a'
	}
	e := EncryptedPart{Path: string(longPath)}
	_, err := e.Encode()
	assert.ErrorIs(t, err, errdefs.ErrPathTooLong)
}

func TestVerifyPathConstantTime(t *testing.T) {
	assert.True(t, VerifyPath("/a/b", "/a/b"))
	assert.False(t, VerifyPath("/a/b", "/a/c"))
	assert.False(t, VerifyPath("/a/b", "/a/longer-path"))
}
