/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package pf implements the protected file engine: the public open, close,
// read, write, flush, get_size and set_size operations, built on pflayout
// for geometry, pfnode for the in-memory node model, pfcache for the
// write-back LRU, pfmeta for the metadata block codec, and pfcrypto for
// every cryptographic primitive. pkg/pf itself touches neither a
// filesystem nor a logger directly: all of that goes through the
// pfio.Callbacks table supplied to Open, the same separation the original
// runtime used to run unmodified inside or outside an enclave.
package pf

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/sgxpf/protectedfs/pkg/errdefs"
	"github.com/sgxpf/protectedfs/pkg/pfcache"
	"github.com/sgxpf/protectedfs/pkg/pfcrypto"
	"github.com/sgxpf/protectedfs/pkg/pfio"
	"github.com/sgxpf/protectedfs/pkg/pflayout"
	"github.com/sgxpf/protectedfs/pkg/pfmeta"
	"github.com/sgxpf/protectedfs/pkg/pfnode"
)

// Mode selects the access pattern a Context was opened with.
type Mode int

const (
	// ModeReadOnly permits Read and GetSize only.
	ModeReadOnly Mode = iota
	// ModeReadWrite permits every operation, creating the file if it
	// does not already exist.
	ModeReadWrite
)

// DefaultCacheCapacity is the node-cache size Open uses when the caller
// does not override it: the root is always pinned outside the cache, so
// this many data/child-MHT nodes may be resident at once.
const DefaultCacheCapacity = 64

// recoverySuffix names the side log file relative to the main container
// path.
const recoverySuffix = ".recovery"

// Context is a single open protected file session. It is not safe for
// concurrent use by multiple goroutines without external synchronization
// beyond what its internal mutex provides for bookkeeping consistency;
// callers issuing overlapping Read/Write calls should serialize them the
// same way a single POSIX file descriptor would expect.
type Context struct {
	mu sync.Mutex

	cb   pfio.Callbacks
	mode Mode

	handle pfio.Handle
	path   string
	// rawPath is the filesystem path Open was called with, needed again
	// at flush time for the recovery log's sibling path.
	rawPath string
	// onDiskSize is the main file's length as of the last successful
	// flush, used to decide which physical blocks already have content
	// worth backing up before overwriting them.
	onDiskSize uint64

	// kdk is the caller-supplied Key Derivation Key, used only to derive
	// the metadata block's encryption key; it never directly encrypts
	// node content.
	kdk [pfcrypto.KeySize]byte

	// sessionMasterKey is freshly randomized on every Open and again
	// every keyUsageRotationLimit node-key derivations; it is never
	// persisted, since a node's derived key is always recorded directly
	// in its parent's entry table rather than re-derived on read.
	sessionMasterKey   [pfcrypto.KeySize]byte
	keyDerivationCount uint64

	// metaDataKeyID is persisted on disk as the metadata plain header's
	// MetaDataKeyID: the nonce the metadata encryption key was last
	// derived from the KDK with. It is replaced with a fresh nonce on
	// every flush.
	metaDataKeyID [16]byte

	size uint64

	root     *pfnode.Node
	rootKey  [pfcrypto.KeySize]byte
	rootTag  [pfcrypto.KeySize]byte
	metaKey   [pfcrypto.KeySize]byte
	metaUser  [pflayout.MDUserDataSize]byte
	metaPlain pfmeta.PlainHeader
	metaDirty bool

	cache *pfcache.Cache

	// hooks, if set via SetHooks, observes flush/recovery/cache events
	// without this package depending on the observer's own stack.
	hooks Hooks

	// status holds a sticky error once an operation fails in a way that
	// leaves the session's in-memory state unsafe to keep building on
	// (e.g. a write-back that partially failed). Every public method
	// checks it first; ClearError lets a caller acknowledge and attempt
	// to continue, but only when the underlying failure was one this
	// engine classifies as recoverable.
	status error

	closed bool
}

// Open opens the protected file at path under kdk, creating it (and
// its parent metadata/root MHT blocks) if it does not exist and mode is
// ModeReadWrite. boundPath is the logical identity baked into the
// metadata's path binding; pass the same value every time a given
// container is opened, or authentication will fail by design.
func Open(cb pfio.Callbacks, path, boundPath string, mode Mode, kdk [pfcrypto.KeySize]byte) (*Context, error) {
	if err := cb.Validate(); err != nil {
		return nil, err
	}
	if path == "" || boundPath == "" {
		return nil, errdefs.ErrInvalidPath
	}
	if len(boundPath) >= pfmeta.PathMaxLen {
		return nil, errdefs.ErrPathTooLong
	}

	c := &Context{cb: cb, mode: mode, path: boundPath, kdk: kdk}
	if err := pfcrypto.LockMemory(c.kdk[:]); err != nil {
		cb.Log("pf: could not lock KDK into physical memory: %v", err)
	}

	exists, err := cb.Exists(path)
	if err != nil {
		return nil, err
	}

	if !exists {
		if mode == ModeReadOnly {
			return nil, errors.Wrap(errdefs.ErrInvalidParameter, "cannot create a file opened read-only")
		}
		if err := c.createFresh(path); err != nil {
			return nil, err
		}
	} else {
		if err := c.openExisting(path); err != nil {
			return nil, err
		}
	}

	cache, err := pfcache.New(DefaultCacheCapacity, c.flushNodeForEviction, c.cacheOccupancy)
	if err != nil {
		return nil, err
	}
	c.cache = cache

	return c, nil
}

func (c *Context) createFresh(path string) error {
	h, _, err := c.cb.Open(path, true)
	if err != nil {
		return err
	}
	c.handle = h
	c.rawPath = path
	c.onDiskSize = 0

	var nonce [16]byte
	if err := c.cb.RNG.Random(nonce[:]); err != nil {
		return errors.Wrap(errdefs.ErrCryptoError, err.Error())
	}
	c.metaDataKeyID = nonce
	c.metaPlain = pfmeta.PlainHeader{
		Magic:         pfmeta.Magic,
		MajorVersion:  pfmeta.MajorVersion,
		MinorVersion:  pfmeta.MinorVersion,
		MetaDataKeyID: nonce,
	}

	c.root = pfnode.NewMHTNode(0, pflayout.RootMHTPhysicalNumber)
	c.size = 0
	c.metaDirty = true

	if err := c.initSessionMasterKey(); err != nil {
		return err
	}

	return c.flushLocked()
}

func (c *Context) openExisting(path string) error {
	h, fsize, err := c.cb.Open(path, false)
	if err != nil {
		return err
	}
	c.handle = h
	c.rawPath = path
	c.onDiskSize = fsize

	block, err := c.readMetadataPlain()
	if err != nil {
		return err
	}

	if block.UpdateFlag {
		if err := c.replayRecovery(path); err != nil {
			return err
		}
		block, err = c.readMetadataPlain()
		if err != nil {
			return err
		}
	}

	c.metaPlain = block
	c.metaDataKeyID = block.MetaDataKeyID
	metaKey, err := pfcrypto.DeriveKey(c.cb.AEAD, c.kdk, labelMetadata, pflayout.MetaPhysicalNumber, c.metaDataKeyID)
	if err != nil {
		return errors.Wrap(errdefs.ErrCryptoError, err.Error())
	}
	c.metaKey = metaKey

	buf := make([]byte, pflayout.BlockSize)
	if err := c.cb.Read(c.handle, buf, pflayout.MetaPhysicalNumber*pflayout.BlockSize); err != nil {
		return errors.Wrap(errdefs.ErrWriteToDiskFailed, err.Error())
	}
	full, err := pfmeta.Open(buf, c.cb.AEAD, c.metaKey)
	if err != nil {
		return err
	}

	if !pfmeta.VerifyPath(full.Encrypted.Path, c.path) {
		return errdefs.ErrInvalidPath
	}

	c.size = full.Encrypted.PlaintextSize
	c.rootKey = full.Encrypted.MHTKey
	c.rootTag = full.Encrypted.MHTGMAC
	c.metaUser = full.Encrypted.UserData

	rootBuf := make([]byte, pflayout.BlockSize)
	if err := c.cb.Read(c.handle, rootBuf, pflayout.RootMHTPhysicalNumber*pflayout.BlockSize); err != nil {
		return errors.Wrap(errdefs.ErrWriteToDiskFailed, err.Error())
	}
	plaintext, err := c.cb.AEAD.Decrypt(c.rootKey, pfcrypto.ZeroIV, nil, rootBuf, c.rootTag)
	if err != nil {
		return errors.Wrap(errdefs.ErrMacMismatch, err.Error())
	}
	payload, err := pfnode.UnmarshalMHTPayload(plaintext)
	if err != nil {
		return err
	}

	c.root = &pfnode.Node{
		Kind:           pfnode.KindMHT,
		LogicalNumber:  0,
		PhysicalNumber: pflayout.RootMHTPhysicalNumber,
		MHT:            payload,
	}

	return c.initSessionMasterKey()
}

// readMetadataPlain reads and parses just the metadata block's plain
// header, the one part of the file readable before any key is derived.
func (c *Context) readMetadataPlain() (pfmeta.PlainHeader, error) {
	buf := make([]byte, pflayout.BlockSize)
	if err := c.cb.Read(c.handle, buf, pflayout.MetaPhysicalNumber*pflayout.BlockSize); err != nil {
		return pfmeta.PlainHeader{}, errors.Wrap(errdefs.ErrWriteToDiskFailed, err.Error())
	}
	return pfmeta.DecodePlain(buf)
}

// GetSize returns the file's current logical plaintext size.
func (c *Context) GetSize() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkUsable(); err != nil {
		return 0, err
	}
	return c.size, nil
}

// SetSize changes the file's logical size. Shrinking is rejected: the
// format only supports growth in place, matching the spec's "shrink
// rejection" edge case.
func (c *Context) SetSize(newSize uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkUsable(); err != nil {
		return err
	}
	if c.mode != ModeReadWrite {
		return errors.Wrap(errdefs.ErrInvalidParameter, "file not opened for writing")
	}
	if newSize < c.size {
		return errdefs.ErrNotImplemented
	}
	if newSize == c.size {
		return nil
	}

	zero := make([]byte, newSize-c.size)
	if _, err := c.writeLocked(c.size, zero); err != nil {
		return err
	}
	return nil
}

// GetHandle returns the opaque pfio.Handle backing this session, for
// callers that want to report low-level facts like the
// physical file size without going through the engine.
func (c *Context) GetHandle() pfio.Handle {
	return c.handle
}

// Close flushes any pending writes and releases the underlying handle.
// Close is idempotent; calling it twice is a no-op the second time.
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	var flushErr error
	if c.status == nil {
		flushErr = c.flushLocked()
	}

	for _, n := range c.cache.All() {
		n.Wipe()
	}
	c.root.Wipe()
	c.cache.Purge()
	closeErr := c.cb.Close(c.handle)
	c.closed = true

	if err := pfcrypto.UnlockMemory(c.kdk[:]); err != nil {
		c.cb.Log("pf: could not unlock KDK: %v", err)
	}
	if err := pfcrypto.UnlockMemory(c.sessionMasterKey[:]); err != nil {
		c.cb.Log("pf: could not unlock session master key: %v", err)
	}
	pfcrypto.Wipe(&c.kdk)
	pfcrypto.Wipe(&c.sessionMasterKey)
	pfcrypto.Wipe(&c.metaKey)
	pfcrypto.Wipe(&c.rootKey)
	pfcrypto.Wipe(&c.rootTag)
	pfcrypto.WipeBytes(c.metaUser[:])

	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// ClearError acknowledges a sticky session error and, if the underlying
// failure is one this engine classifies as recoverable (FlushError or
// WriteToDiskFailed: a flush that can simply be retried), clears it so the
// session may continue. Non-recoverable failures (CryptoError, Corrupted/
// MacMismatch, Uninitialized) are NOT cleared; ClearError instead returns a
// distinct error explaining that the session must be closed and reopened,
// rather than silently doing nothing.
func (c *Context) ClearError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == nil {
		return nil
	}
	if errdefs.IsFlushError(c.status) {
		c.status = nil
		return nil
	}
	return errors.Wrap(errdefs.ErrRecoveryImpossible, "session error is not recoverable; close and reopen the file")
}

func (c *Context) checkUsable() error {
	if c.closed {
		return errdefs.ErrUninitialized
	}
	if c.status != nil {
		return c.status
	}
	return nil
}
