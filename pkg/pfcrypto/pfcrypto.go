/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package pfcrypto implements the cryptographic primitives the protected
// file format is built on: an AEAD abstraction matching the host callback
// table, a CSPRNG abstraction, and the SP 800-108 single-block key
// derivation function used to mint a fresh AES-128-GCM key for every node
// and for the metadata block.
//
// The package never reads or writes a file by itself; it is pure
// cryptographic plumbing, mirroring how gocryptfs's contentenc package
// separates block framing from the underlying cryptocore primitive.
package pfcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"runtime"

	"github.com/pkg/errors"
)

const (
	// KeySize is the AES-128 key size in bytes, used for every derived
	// per-node and per-metadata-block key.
	KeySize = 16
	// IVSize is the GCM nonce size used for node/metadata content sealing.
	// Node and metadata encryption always use the all-zero IV: the key is
	// single-use, derived fresh per node per encryption, so nonce reuse
	// under a given key never occurs.
	IVSize = 12
	// TagSize is the AES-GCM authentication tag length, doubling as the
	// on-disk GMAC field and, for KDF calls, as the derived key itself.
	TagSize = 16
)

// ZeroIV is the all-zero nonce used to seal every node and metadata block.
var ZeroIV = [IVSize]byte{}

// AEAD is the cryptographic callback surface the engine depends on. It
// mirrors the host-supplied aes_gcm_encrypt/aes_gcm_decrypt callbacks from
// the original SGX runtime rather than Go's cipher.AEAD, because the tag is
// always handled as a separate out-of-band field (stored in the parent
// node), never appended to the ciphertext.
type AEAD interface {
	// Encrypt seals plaintext under key/iv/aad, returning ciphertext (same
	// length as plaintext) and a detached TagSize-byte tag.
	Encrypt(key [KeySize]byte, iv [IVSize]byte, aad, plaintext []byte) (ciphertext []byte, tag [TagSize]byte, err error)
	// Decrypt opens ciphertext under key/iv/aad/tag, returning the
	// recovered plaintext or an authentication error.
	Decrypt(key [KeySize]byte, iv [IVSize]byte, aad, ciphertext []byte, tag [TagSize]byte) (plaintext []byte, err error)
}

// RNG is the CSPRNG callback surface, matching the host-supplied random
// callback.
type RNG interface {
	Random(buf []byte) error
}

// DefaultAEAD implements AEAD with the standard library's AES-128-GCM,
// serving as the in-process stand-in for the host callback when the engine
// is used outside of an enclave.
type DefaultAEAD struct{}

var _ AEAD = DefaultAEAD{}

func (DefaultAEAD) Encrypt(key [KeySize]byte, iv [IVSize]byte, aad, plaintext []byte) ([]byte, [TagSize]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, [TagSize]byte{}, err
	}
	sealed := gcm.Seal(nil, iv[:], plaintext, aad)
	if len(sealed) < TagSize {
		return nil, [TagSize]byte{}, errors.New("pfcrypto: sealed output shorter than tag size")
	}
	ciphertext := sealed[:len(sealed)-TagSize]
	var tag [TagSize]byte
	copy(tag[:], sealed[len(sealed)-TagSize:])
	return ciphertext, tag, nil
}

func (DefaultAEAD) Decrypt(key [KeySize]byte, iv [IVSize]byte, aad, ciphertext []byte, tag [TagSize]byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	sealed := make([]byte, 0, len(ciphertext)+TagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag[:]...)
	plaintext, err := gcm.Open(nil, iv[:], sealed, aad)
	if err != nil {
		return nil, errors.Wrap(ErrMacMismatch, err.Error())
	}
	return plaintext, nil
}

func newGCM(key [KeySize]byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, errors.Wrap(err, "pfcrypto: construct AES cipher")
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, IVSize)
	if err != nil {
		return nil, errors.Wrap(err, "pfcrypto: construct GCM")
	}
	return gcm, nil
}

// ErrMacMismatch is returned, wrapped with the underlying GCM error, when an
// authentication tag fails to verify.
var ErrMacMismatch = errors.New("pfcrypto: authentication tag mismatch")

// DefaultRNG implements RNG with crypto/rand.
type DefaultRNG struct{}

var _ RNG = DefaultRNG{}

func (DefaultRNG) Random(buf []byte) error {
	_, err := rand.Read(buf)
	if err != nil {
		return errors.Wrap(err, "pfcrypto: read random bytes")
	}
	return nil
}

// kdfLabelSize is the fixed width, in bytes, the label field occupies in the
// packed KDF input block; labels are NUL-padded to this width.
const kdfLabelSize = 64

// kdfInputSize is the size of the packed SP 800-108 input block:
// index(1) + label(64) + node_number(8) + nonce(16) + output_len_bits(2) +
// separator NUL bytes padding out to a round 96 bytes.
const kdfInputSize = 1 + kdfLabelSize + 8 + 16 + 2 + 5

// DeriveKey implements the NIST SP 800-108 single-block KDF in counter
// mode, using the supplied AEAD as the underlying PRF exactly as the
// original runtime does: the packed, fixed-layout input block below is fed
// to the AEAD as additional authenticated data over an empty plaintext, and
// the resulting authentication tag, not any ciphertext, is the derived key
// (see SPEC_FULL.md's KDF reconciliation note for why the struct is AAD and
// not plaintext).
func DeriveKey(aead AEAD, kdk [KeySize]byte, label string, nodeNumber uint64, nonce [16]byte) ([KeySize]byte, error) {
	if len(label) > kdfLabelSize {
		return [KeySize]byte{}, errors.Errorf("pfcrypto: KDF label %q exceeds %d bytes", label, kdfLabelSize)
	}

	input := make([]byte, kdfInputSize)
	offset := 0
	input[offset] = 0x01 // fixed counter/index byte, SP 800-108 counter mode with a single block
	offset++
	copy(input[offset:offset+kdfLabelSize], []byte(label))
	offset += kdfLabelSize
	binary.LittleEndian.PutUint64(input[offset:offset+8], nodeNumber)
	offset += 8
	copy(input[offset:offset+16], nonce[:])
	offset += 16
	binary.LittleEndian.PutUint16(input[offset:offset+2], uint16(KeySize*8)) // L, the requested output length in bits
	offset += 2
	// remaining bytes are zero padding to round out the block

	_, tag, err := aead.Encrypt(kdk, ZeroIV, input, nil)
	if err != nil {
		return [KeySize]byte{}, errors.Wrap(err, "pfcrypto: KDF seal")
	}
	return tag, nil
}

// Wipe overwrites key material in place. The runtime.KeepAlive call after
// the loop is what makes this more than a plain clear: without it, the
// compiler is free to prove the store dead (the caller never reads key
// again) and elide it entirely, exactly the failure mode a volatile-pointer
// wipe in C guards against. It has no effect on the Go garbage collector's
// ability to have already copied the bytes elsewhere, but it shortens the
// window a live key sits in a buffer we still hold a reference to, matching
// the defensive habit gocryptfs's cryptocore.Wipe follows.
func Wipe(key *[KeySize]byte) {
	for i := range key {
		key[i] = 0
	}
	runtime.KeepAlive(key)
}

// WipeBytes overwrites an arbitrary secret buffer in place.
func WipeBytes(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
	runtime.KeepAlive(buf)
}
