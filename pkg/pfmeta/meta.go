/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package pfmeta codes the metadata block, physical block 0: a plain
// header carrying the format magic/version and the update flag (read
// before any key material exists so Open can detect a crashed-mid-flush
// file before it even tries to decrypt anything), followed by an
// AEAD-sealed encrypted part carrying the logical file size, the bound
// path, the root MHT node's key and tag, and a small inline user-data
// region for files too small to need a single data node.
//
// The magic/version detection here follows the same plain-header-first
// pattern the teacher's pkg/layout uses to sniff a bootstrap file before
// trusting its body.
package pfmeta

import (
	"crypto/subtle"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/sgxpf/protectedfs/pkg/errdefs"
	"github.com/sgxpf/protectedfs/pkg/pfcrypto"
	"github.com/sgxpf/protectedfs/pkg/pflayout"
)

const (
	// Magic identifies a protected file's metadata block.
	Magic uint64 = 0x1050524f544c4628
	// MajorVersion is the only major version this implementation reads
	// or writes; a mismatch is not recoverable.
	MajorVersion uint16 = 1
	// MinorVersion is advisory: readers accept any minor version under
	// the same major version.
	MinorVersion uint16 = 0

	// PathMaxLen is the number of bytes reserved for the bound path in
	// the encrypted part, including its NUL terminator.
	PathMaxLen = 260

	plainHeaderSize = 8 + 2 + 2 + 4 + 16 + 16 // 48

	encryptedFixedSize = 8 + 2 + PathMaxLen + 16 + 16 // 302
)

// PlainHeader is the unencrypted prefix of the metadata block. It must be
// readable before any key is available, since it is what tells Open
// whether a crash-recovery replay is needed at all.
type PlainHeader struct {
	Magic         uint64
	MajorVersion  uint16
	MinorVersion  uint16
	UpdateFlag    bool
	MetaDataKeyID [16]byte
	MetaDataGMAC  [16]byte
}

// MagicValid reports whether h.Magic matches the expected constant,
// exposed for callers like pfsctl inspect that want to report on a
// possibly-foreign file without triggering DecodePlain's error path.
func (h PlainHeader) MagicValid() bool {
	return h.Magic == Magic
}

// EncodePlain serializes h into a plainHeaderSize-byte buffer.
func EncodePlain(h PlainHeader) []byte {
	buf := make([]byte, plainHeaderSize)
	binary.LittleEndian.PutUint64(buf[0:8], h.Magic)
	binary.LittleEndian.PutUint16(buf[8:10], h.MajorVersion)
	binary.LittleEndian.PutUint16(buf[10:12], h.MinorVersion)
	if h.UpdateFlag {
		buf[12] = 1
	}
	// buf[13:16] reserved, left zero
	copy(buf[16:32], h.MetaDataKeyID[:])
	copy(buf[32:48], h.MetaDataGMAC[:])
	return buf
}

// DecodePlain parses a plainHeaderSize-byte buffer, validating the magic
// and major version before returning. On a magic or version mismatch the
// parsed header is still returned alongside the error.
func DecodePlain(buf []byte) (PlainHeader, error) {
	if len(buf) < plainHeaderSize {
		return PlainHeader{}, errors.Wrapf(errdefs.ErrCorrupted, "metadata plain header truncated: got %d bytes", len(buf))
	}

	h := PlainHeader{
		Magic:        binary.LittleEndian.Uint64(buf[0:8]),
		MajorVersion: binary.LittleEndian.Uint16(buf[8:10]),
		MinorVersion: binary.LittleEndian.Uint16(buf[10:12]),
		UpdateFlag:   buf[12] != 0,
	}
	copy(h.MetaDataKeyID[:], buf[16:32])
	copy(h.MetaDataGMAC[:], buf[32:48])

	if h.Magic != Magic {
		return h, errdefs.ErrInvalidHeader
	}
	if h.MajorVersion != MajorVersion {
		return h, errdefs.ErrInvalidVersion
	}
	return h, nil
}

// EncryptedPart is the AEAD-sealed remainder of the metadata block.
type EncryptedPart struct {
	// PlaintextSize is the logical size of the file's content, in bytes.
	PlaintextSize uint64
	// Path is the bound path (logical identity) the container was
	// created with, sealed into the metadata so that opening it under a
	// different bound path is rejected. It does not depend on where the
	// file lives on disk.
	Path string
	// MHTKey and MHTGMAC authenticate and decrypt the root MHT node.
	MHTKey  [16]byte
	MHTGMAC [16]byte
	// UserData is a small inline region for plaintext that fits without
	// needing a single data node; see pflayout.MDUserDataSize.
	UserData [pflayout.MDUserDataSize]byte
}

// Encode serializes e into a fixed-size plaintext buffer suitable for
// sealing.
func (e EncryptedPart) Encode() ([]byte, error) {
	if len(e.Path) >= PathMaxLen {
		return nil, errdefs.ErrPathTooLong
	}

	buf := make([]byte, encryptedFixedSize+pflayout.MDUserDataSize)
	binary.LittleEndian.PutUint64(buf[0:8], e.PlaintextSize)
	binary.LittleEndian.PutUint16(buf[8:10], uint16(len(e.Path)))
	copy(buf[10:10+PathMaxLen], e.Path)
	off := 10 + PathMaxLen
	copy(buf[off:off+16], e.MHTKey[:])
	off += 16
	copy(buf[off:off+16], e.MHTGMAC[:])
	off += 16
	copy(buf[off:off+pflayout.MDUserDataSize], e.UserData[:])

	return buf, nil
}

// DecodeEncryptedPart parses a decrypted encrypted-part plaintext buffer.
func DecodeEncryptedPart(buf []byte) (EncryptedPart, error) {
	want := encryptedFixedSize + pflayout.MDUserDataSize
	if len(buf) != want {
		return EncryptedPart{}, errors.Wrapf(errdefs.ErrCorrupted, "metadata encrypted part has wrong size: got %d, want %d", len(buf), want)
	}

	var e EncryptedPart
	e.PlaintextSize = binary.LittleEndian.Uint64(buf[0:8])
	pathLen := binary.LittleEndian.Uint16(buf[8:10])
	if int(pathLen) >= PathMaxLen {
		return EncryptedPart{}, errdefs.ErrCorrupted
	}
	pathBytes := buf[10 : 10+int(pathLen)]
	e.Path = string(pathBytes)

	off := 10 + PathMaxLen
	copy(e.MHTKey[:], buf[off:off+16])
	off += 16
	copy(e.MHTGMAC[:], buf[off:off+16])
	off += 16
	copy(e.UserData[:], buf[off:off+pflayout.MDUserDataSize])

	return e, nil
}

// VerifyPath performs a constant-time comparison between the path bound
// into the metadata and the path Open was called with, so a mismatch never
// leaks information about where the two strings first diverge.
func VerifyPath(bound, requested string) bool {
	b, r := []byte(bound), []byte(requested)
	if len(b) != len(r) {
		// Still run a comparison of equal-length padded buffers so the
		// timing of a length mismatch doesn't differ from a content
		// mismatch by more than a single branch.
		padded := make([]byte, max(len(b), len(r)))
		copy(padded, b)
		other := make([]byte, len(padded))
		copy(other, r)
		subtle.ConstantTimeCompare(padded, other)
		return false
	}
	return subtle.ConstantTimeCompare(b, r) == 1
}

// Block is the full metadata block: plain header plus the decrypted
// encrypted part, as held in memory once the block has been read and
// authenticated (or before it is sealed for writing).
type Block struct {
	Plain     PlainHeader
	Encrypted EncryptedPart
}

// Seal encodes and AEAD-seals the encrypted part under key, filling in
// b.Plain.MetaDataGMAC, and returns the full plainHeaderSize+ciphertext
// buffer ready to write to physical block 0.
func (b *Block) Seal(aead pfcrypto.AEAD, key [pfcrypto.KeySize]byte) ([]byte, error) {
	plaintext, err := b.Encrypted.Encode()
	if err != nil {
		return nil, err
	}

	ciphertext, tag, err := aead.Encrypt(key, pfcrypto.ZeroIV, nil, plaintext)
	if err != nil {
		return nil, errors.Wrap(errdefs.ErrCryptoError, err.Error())
	}
	b.Plain.MetaDataGMAC = tag

	out := make([]byte, 0, plainHeaderSize+len(ciphertext))
	out = append(out, EncodePlain(b.Plain)...)
	out = append(out, ciphertext...)
	return out, nil
}

// Open parses and authenticates a full metadata block buffer, returning
// the decoded Block on success.
func Open(buf []byte, aead pfcrypto.AEAD, key [pfcrypto.KeySize]byte) (*Block, error) {
	if len(buf) != pflayout.BlockSize {
		return nil, errors.Wrapf(errdefs.ErrCorrupted, "metadata block has wrong size: got %d, want %d", len(buf), pflayout.BlockSize)
	}

	plain, err := DecodePlain(buf[:plainHeaderSize])
	if err != nil {
		return nil, err
	}

	ciphertext := buf[plainHeaderSize : plainHeaderSize+encryptedFixedSize+pflayout.MDUserDataSize]
	plaintext, err := aead.Decrypt(key, pfcrypto.ZeroIV, nil, ciphertext, plain.MetaDataGMAC)
	if err != nil {
		return nil, errors.Wrap(errdefs.ErrMacMismatch, err.Error())
	}

	encrypted, err := DecodeEncryptedPart(plaintext)
	if err != nil {
		return nil, err
	}

	return &Block{Plain: plain, Encrypted: encrypted}, nil
}

// PaddedBlockSize pads a sealed metadata buffer (plain header + ciphertext)
// out to pflayout.BlockSize with zero bytes, matching the fixed on-disk
// block width every physical block shares.
func PaddedBlockSize(sealed []byte) []byte {
	if len(sealed) >= pflayout.BlockSize {
		return sealed[:pflayout.BlockSize]
	}
	out := make([]byte, pflayout.BlockSize)
	copy(out, sealed)
	return out
}

// EqualConstantTime is a small helper retained for callers outside this
// package that need the same constant-time byte comparison VerifyPath
// uses, e.g. when comparing a recovery log's path binding.
func EqualConstantTime(a, b []byte) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare(a, b) == 1
}
