/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package pf

import (
	"sort"

	digest "github.com/opencontainers/go-digest"
	"github.com/pkg/errors"

	"github.com/sgxpf/protectedfs/pkg/errdefs"
	"github.com/sgxpf/protectedfs/pkg/pfcrypto"
	"github.com/sgxpf/protectedfs/pkg/pflayout"
	"github.com/sgxpf/protectedfs/pkg/pfmeta"
	"github.com/sgxpf/protectedfs/pkg/pfnode"
)

// flushLocked runs the six-phase commit protocol: write a side recovery
// log covering every block about to change, mark the metadata block
// in-flight, re-encrypt every dirty node bottom-up, then write every
// re-encrypted block plus the final metadata block (already carrying
// update_flag=0) to the main file in one pass before deleting the
// recovery log. A crash at any point up to and including that last
// write leaves the metadata's update flag set from S2, which the next
// Open detects and repairs by replaying the recovery log instead of
// trusting whatever partial write made it to disk.
func (c *Context) flushLocked() error {
	dirty := c.collectDirtyNodes()
	if len(dirty) == 0 && !c.metaDirty {
		return nil
	}

	err := c.commitFlush(dirty)
	c.flushResult(err == nil)
	return err
}

// commitFlush runs the S1-S6 phases against the already-collected dirty set.
func (c *Context) commitFlush(dirty []*pfnode.Node) error {
	// S1: WRITE_RECOVERY_LOG
	if err := c.writeRecoveryLog(dirty); err != nil {
		c.status = errors.Wrap(errdefs.ErrFlushError, err.Error())
		return c.status
	}

	// S2: SET_UPDATE_FLAG
	c.metaPlain.UpdateFlag = true
	if err := c.cb.Write(c.handle, pfmeta.EncodePlain(c.metaPlain), pflayout.MetaPhysicalNumber*pflayout.BlockSize); err != nil {
		c.status = errors.Wrap(errdefs.ErrFlushError, err.Error())
		return c.status
	}

	// S3: REENCRYPT_TREE. A parent MHT's own ciphertext is only correct
	// once every child it just re-keyed has written that new key/tag into
	// the parent's entry table, so re-encryption must proceed strictly
	// bottom-up: every dirty data node first (in any order, since none of
	// them depend on each other), then dirty non-root MHT nodes deepest
	// first (logical number descending), and the root MHT node last of
	// all, since it depends on every other dirty node's freshly sealed
	// entry.
	ordered := reencryptOrder(dirty)

	writes := make(map[uint64][]byte, len(ordered))
	maxPhysical := uint64(0)
	for _, n := range ordered {
		ciphertext, key, tag, err := c.sealNode(n)
		if err != nil {
			c.status = errors.Wrap(errdefs.ErrCryptoError, err.Error())
			return c.status
		}
		writes[n.PhysicalNumber] = ciphertext
		if n.PhysicalNumber > maxPhysical {
			maxPhysical = n.PhysicalNumber
		}

		if n.IsRoot() {
			c.rootKey, c.rootTag = key, tag
			continue
		}
		parent := c.parentOf(n)
		if n.Kind == pfnode.KindData {
			parent.MHT.DataEntries[n.ParentSlot] = pfnode.Entry{Key: key, Tag: tag}
		} else {
			parent.MHT.ChildEntries[n.ParentSlot] = pfnode.Entry{Key: key, Tag: tag}
		}
	}

	// S4: REENCRYPT_METADATA. A fresh meta_data_key_id nonce is drawn for
	// every flush, so the metadata key used to seal this flush's content
	// is never reused across flushes even though it is derived from the
	// same long-lived KDK.
	var newKeyID [16]byte
	if err := c.cb.RNG.Random(newKeyID[:]); err != nil {
		c.status = errors.Wrap(errdefs.ErrCryptoError, err.Error())
		return c.status
	}
	metaKey, err := pfcrypto.DeriveKey(c.cb.AEAD, c.kdk, labelMetadata, pflayout.MetaPhysicalNumber, newKeyID)
	if err != nil {
		c.status = errors.Wrap(errdefs.ErrCryptoError, err.Error())
		return c.status
	}
	c.metaKey = metaKey
	c.metaDataKeyID = newKeyID
	c.metaPlain.MetaDataKeyID = newKeyID
	// The in-flight flag is cleared here, before Seal, so the single S5
	// write below lands the final committed metadata block in one shot
	// rather than an in-flight copy later overwritten by a second write.
	c.metaPlain.UpdateFlag = false

	block := &pfmeta.Block{
		Plain: c.metaPlain,
		Encrypted: pfmeta.EncryptedPart{
			PlaintextSize: c.size,
			Path:          c.path,
			MHTKey:        c.rootKey,
			MHTGMAC:       c.rootTag,
			UserData:      c.metaUser,
		},
	}
	sealed, err := block.Seal(c.cb.AEAD, c.metaKey)
	if err != nil {
		c.status = errors.Wrap(errdefs.ErrCryptoError, err.Error())
		return c.status
	}
	metaBlock := pfmeta.PaddedBlockSize(sealed)
	c.metaPlain = block.Plain // picks up the freshly computed MetaDataGMAC

	// S5: WRITE_ALL. A single write lands the final, fully re-encrypted
	// metadata block (update_flag=0) alongside every other dirty block; a
	// crash at any point up to and including this loop still leaves the
	// on-disk flag set from S2, so the next Open replays the recovery log
	// instead of trusting a partially-written flush.
	for physical, ciphertext := range writes {
		if err := c.cb.Write(c.handle, ciphertext, physical*pflayout.BlockSize); err != nil {
			c.status = errors.Wrap(errdefs.ErrWriteToDiskFailed, err.Error())
			return c.status
		}
	}
	if err := c.cb.Write(c.handle, metaBlock, pflayout.MetaPhysicalNumber*pflayout.BlockSize); err != nil {
		c.status = errors.Wrap(errdefs.ErrWriteToDiskFailed, err.Error())
		return c.status
	}

	// S6: DELETE_RECOVERY_LOG.
	if err := c.cb.Remove(c.rawPath + recoverySuffix); err != nil {
		c.status = errors.Wrap(errdefs.ErrFlushError, err.Error())
		return c.status
	}

	if (maxPhysical+1)*pflayout.BlockSize > c.onDiskSize {
		c.onDiskSize = (maxPhysical + 1) * pflayout.BlockSize
	}
	for _, n := range dirty {
		n.Dirty = false
		n.New = false
	}
	c.metaDirty = false
	commitDigest := digest.FromBytes(metaBlock)
	c.cb.Log("pf: flushed %d nodes plus metadata, commit=%s", len(dirty), commitDigest)
	return nil
}

// reencryptOrder arranges dirty nodes into the bottom-up order S3 of the
// flush state machine requires: data nodes, then non-root MHT nodes sorted
// by logical number descending (deepest first), then the root MHT node.
func reencryptOrder(dirty []*pfnode.Node) []*pfnode.Node {
	var data, mht []*pfnode.Node
	var root *pfnode.Node
	for _, n := range dirty {
		switch {
		case n.IsRoot():
			root = n
		case n.Kind == pfnode.KindData:
			data = append(data, n)
		default:
			mht = append(mht, n)
		}
	}
	sort.Slice(mht, func(i, j int) bool {
		return mht[i].LogicalNumber > mht[j].LogicalNumber
	})

	ordered := make([]*pfnode.Node, 0, len(dirty))
	ordered = append(ordered, data...)
	ordered = append(ordered, mht...)
	if root != nil {
		ordered = append(ordered, root)
	}
	return ordered
}

// collectDirtyNodes gathers every dirty cached node plus the root MHT node
// if it is itself dirty.
func (c *Context) collectDirtyNodes() []*pfnode.Node {
	var dirty []*pfnode.Node
	if c.root.Dirty {
		dirty = append(dirty, c.root)
	}
	for _, n := range c.cache.All() {
		if n.Dirty {
			dirty = append(dirty, n)
		}
	}
	return dirty
}

// parentOf returns the in-memory parent node for n, which is always
// either the pinned root or a node already resident in the cache (every
// node on a dirty child's path to the root was marked dirty, and
// therefore fetched, by markDirtyPropagate).
func (c *Context) parentOf(n *pfnode.Node) *pfnode.Node {
	if n.ParentPhysical == c.root.PhysicalNumber {
		return c.root
	}
	parent, _ := c.cache.Peek(n.ParentPhysical)
	return parent
}

// sealNode derives a fresh key for n, encrypts its current plaintext
// content, and returns the ciphertext alongside the key and tag the
// parent (or, for the root, the metadata block) must now record.
func (c *Context) sealNode(n *pfnode.Node) (ciphertext []byte, key, tag [pfcrypto.KeySize]byte, err error) {
	var plaintext []byte
	if n.Kind == pfnode.KindMHT {
		plaintext = n.MHT.MarshalBinary()
	} else {
		plaintext = n.Data
	}

	key, err = c.deriveKey(n.PhysicalNumber)
	if err != nil {
		return nil, key, tag, err
	}
	ciphertext, tag, err = c.cb.AEAD.Encrypt(key, pfcrypto.ZeroIV, nil, plaintext)
	if err != nil {
		return nil, key, tag, errors.Wrap(errdefs.ErrCryptoError, err.Error())
	}
	return ciphertext, key, tag, nil
}

// writeRecoveryLog snapshots the pre-flush content of every physical
// block this flush is about to overwrite (skipping blocks that have never
// existed on disk, which have nothing to roll back to) and writes it to
// the side log file before anything in the main file is touched.
func (c *Context) writeRecoveryLog(dirty []*pfnode.Node) error {
	onDiskBlocks := c.onDiskSize / pflayout.BlockSize

	physicalNumbers := make([]uint64, 0, len(dirty)+1)
	for _, n := range dirty {
		physicalNumbers = append(physicalNumbers, n.PhysicalNumber)
	}
	physicalNumbers = append(physicalNumbers, pflayout.MetaPhysicalNumber)

	var records []recoveryRecord
	for _, physical := range physicalNumbers {
		if physical >= onDiskBlocks {
			continue
		}
		old := make([]byte, pflayout.BlockSize)
		if err := c.cb.Read(c.handle, old, physical*pflayout.BlockSize); err != nil {
			return err
		}
		records = append(records, recoveryRecord{Physical: physical, Content: old})
	}

	logBuf := encodeRecoveryLog(records)
	rh, _, err := c.cb.Open(c.rawPath+recoverySuffix, true)
	if err != nil {
		return err
	}
	defer c.cb.Close(rh)
	if err := c.cb.Truncate(rh, 0); err != nil {
		return err
	}
	return c.cb.Write(rh, logBuf, 0)
}
