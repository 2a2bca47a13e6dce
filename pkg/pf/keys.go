/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package pf

import (
	"github.com/pkg/errors"

	"github.com/sgxpf/protectedfs/pkg/errdefs"
	"github.com/sgxpf/protectedfs/pkg/pfcrypto"
)

const (
	// labelMaster derives the session master key from an all-zero seed
	// key and a fresh random nonce, exactly the way the original runtime
	// treats MASTER-KEY as a pure randomness-expansion step rather than a
	// derivation tied to any caller secret.
	labelMaster = "SGX-PROTECTED-FS-MASTER-KEY"
	// labelRandom derives a per-node encryption key from the session
	// master key, a fresh random nonce drawn for that one call, and the
	// node's physical number as context. Both data and MHT nodes share
	// this single label; the physical number already makes every node's
	// KDF input distinct.
	labelRandom = "SGX-PROTECTED-FS-RANDOM-KEY"
	// labelMetadata derives the metadata block's encryption key from the
	// caller's KDK, so a freshly opened session can always re-derive it
	// from nothing but the KDK and the persisted meta_data_key_id.
	labelMetadata = "SGX-PROTECTED-FS-METADATA-KEY"

	// keyUsageRotationLimit bounds how many times the session master key
	// may serve as a KDF input before it is discarded and replaced with a
	// fresh one, bounding per-key AEAD exposure. Matches the original
	// runtime's MAX_MASTER_KEY_USAGES.
	keyUsageRotationLimit = 65536
)

// initSessionMasterKey draws a fresh session master key, derived from an
// all-zero seed and a freshly random nonce (the original runtime's
// ipf_init_session_master_key): the key is pure randomness expansion, not
// tied to the caller's KDK, since decryption never needs to re-derive a
// node key — every node's actual key/tag is recorded in its parent's entry
// table the moment it is sealed. Called once on every Open and again each
// time keyUsageRotationLimit is reached.
func (c *Context) initSessionMasterKey() error {
	var nonce [16]byte
	if err := c.cb.RNG.Random(nonce[:]); err != nil {
		return errors.Wrap(errdefs.ErrCryptoError, err.Error())
	}
	var emptyKey [pfcrypto.KeySize]byte
	key, err := pfcrypto.DeriveKey(c.cb.AEAD, emptyKey, labelMaster, 0, nonce)
	if err != nil {
		return errors.Wrap(errdefs.ErrCryptoError, err.Error())
	}
	if err := pfcrypto.UnlockMemory(c.sessionMasterKey[:]); err != nil {
		c.cb.Log("pf: could not unlock superseded session master key: %v", err)
	}
	c.sessionMasterKey = key
	c.keyDerivationCount = 0
	if err := pfcrypto.LockMemory(c.sessionMasterKey[:]); err != nil {
		c.cb.Log("pf: could not lock session master key into physical memory: %v", err)
	}
	return nil
}

// deriveKey derives a fresh key for the node at physicalNumber from the
// current session master key and a nonce drawn fresh for this call alone,
// consuming one unit of the session's key-derivation budget and rotating
// the session master key first if the budget has been exhausted.
func (c *Context) deriveKey(physicalNumber uint64) ([pfcrypto.KeySize]byte, error) {
	if c.keyDerivationCount >= keyUsageRotationLimit {
		if err := c.initSessionMasterKey(); err != nil {
			return [pfcrypto.KeySize]byte{}, err
		}
		c.cb.Log("pf: rotated session master key after %d derivations", keyUsageRotationLimit)
	}

	var nonce [16]byte
	if err := c.cb.RNG.Random(nonce[:]); err != nil {
		return [pfcrypto.KeySize]byte{}, errors.Wrap(errdefs.ErrCryptoError, err.Error())
	}
	key, err := pfcrypto.DeriveKey(c.cb.AEAD, c.sessionMasterKey, labelRandom, physicalNumber, nonce)
	if err != nil {
		return [pfcrypto.KeySize]byte{}, errors.Wrap(errdefs.ErrCryptoError, err.Error())
	}
	c.keyDerivationCount++
	return key, nil
}
