/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package pfio defines the host callback table the engine depends on for
// everything outside of pure computation: block I/O against the main file
// and its side recovery log, the AEAD and RNG primitives from pfcrypto,
// and an optional debug hook. Isolating these behind an interface is what
// let the original runtime run identical logic inside an SGX enclave or a
// plain host process; here it mainly keeps pkg/pf free of any direct
// dependency on os, logrus, or any other ambient-stack package.
package pfio

import (
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/sgxpf/protectedfs/pkg/pfcrypto"
)

// Handle is an opaque reference to an open file, returned by Callbacks.Open
// and passed back into Read/Write/Truncate/Close.
type Handle interface{}

// Callbacks is the full host callback table. A nil Debug is legal and
// treated as a no-op; every other field must be set.
type Callbacks struct {
	// Open opens path for either the main protected file or its
	// recovery log, creating it if it does not exist and create is
	// true. It returns a Handle plus the file's current size in bytes.
	Open func(path string, create bool) (Handle, uint64, error)
	// Read reads len(buf) bytes at offset into buf. A short read is an
	// error: the engine always knows exactly how many bytes a block
	// occupies.
	Read func(h Handle, buf []byte, offset uint64) error
	// Write writes buf at offset, extending the file if needed.
	Write func(h Handle, buf []byte, offset uint64) error
	// Truncate sets the file's size. The engine only ever calls it with
	// size 0, to clear a stale recovery log's content before rewriting
	// it; it never truncates the main file (growth goes through Write,
	// and recovery replay restores recorded blocks in place without
	// changing the file's length).
	Truncate func(h Handle, size uint64) error
	// Close releases h. Close must not itself flush in-memory state;
	// the engine always flushes before calling Close.
	Close func(h Handle) error
	// Remove deletes the file at path, used to delete a fully-replayed
	// recovery log.
	Remove func(path string) error
	// Exists reports whether a file exists at path without opening it,
	// used on Open to detect a stale recovery log from a previous
	// session.
	Exists func(path string) (bool, error)

	// AEAD is the authenticated encryption primitive backing every
	// node, metadata block and KDF call.
	AEAD pfcrypto.AEAD
	// RNG supplies fresh randomness for key and nonce generation.
	RNG pfcrypto.RNG

	// Debug, if non-nil, receives a line of diagnostic text for notable
	// engine events (each committed flush, recovery replay, session key
	// rotation, lock failures). It is the only logging surface the engine
	// itself ever touches; pfsctl's callbacksFor wires it to logrus.
	Debug func(format string, args ...interface{})
}

// Validate checks that every required callback is present.
func (c Callbacks) Validate() error {
	switch {
	case c.Open == nil:
		return errors.New("pfio: Open callback is required")
	case c.Read == nil:
		return errors.New("pfio: Read callback is required")
	case c.Write == nil:
		return errors.New("pfio: Write callback is required")
	case c.Truncate == nil:
		return errors.New("pfio: Truncate callback is required")
	case c.Close == nil:
		return errors.New("pfio: Close callback is required")
	case c.Remove == nil:
		return errors.New("pfio: Remove callback is required")
	case c.Exists == nil:
		return errors.New("pfio: Exists callback is required")
	case c.AEAD == nil:
		return errors.New("pfio: AEAD callback is required")
	case c.RNG == nil:
		return errors.New("pfio: RNG callback is required")
	}
	return nil
}

// log calls Debug if set, silently discarding the line otherwise.
func (c Callbacks) log(format string, args ...interface{}) {
	if c.Debug != nil {
		c.Debug(format, args...)
	}
}

// Log is the exported form of log, used by packages outside pfio (pkg/pf)
// that hold a Callbacks value and want to emit a debug line through it.
func (c Callbacks) Log(format string, args ...interface{}) {
	c.log(format, args...)
}

type osHandle struct {
	f *os.File
}

// DefaultCallbacks returns a Callbacks value backed by the local
// filesystem and the standard library's AES-GCM and CSPRNG, the
// configuration pfsctl uses outside of any enclave.
func DefaultCallbacks() Callbacks {
	return Callbacks{
		Open:     osOpen,
		Read:     osRead,
		Write:    osWrite,
		Truncate: osTruncate,
		Close:    osClose,
		Remove:   osRemove,
		Exists:   osExists,
		AEAD:     pfcrypto.DefaultAEAD{},
		RNG:      pfcrypto.DefaultRNG{},
	}
}

func osOpen(path string, create bool) (Handle, uint64, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0600)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "pfio: open %s", path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, errors.Wrapf(err, "pfio: stat %s", path)
	}
	return &osHandle{f: f}, uint64(info.Size()), nil
}

func osRead(h Handle, buf []byte, offset uint64) error {
	f := h.(*osHandle).f
	n, err := f.ReadAt(buf, int64(offset))
	if err != nil && !(err == io.EOF && n == len(buf)) {
		return errors.Wrapf(err, "pfio: read at offset %d", offset)
	}
	return nil
}

func osWrite(h Handle, buf []byte, offset uint64) error {
	f := h.(*osHandle).f
	if _, err := f.WriteAt(buf, int64(offset)); err != nil {
		return errors.Wrapf(err, "pfio: write at offset %d", offset)
	}
	return nil
}

func osTruncate(h Handle, size uint64) error {
	f := h.(*osHandle).f
	if err := f.Truncate(int64(size)); err != nil {
		return errors.Wrapf(err, "pfio: truncate to %d", size)
	}
	return nil
}

func osClose(h Handle) error {
	f := h.(*osHandle).f
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "pfio: close")
	}
	return nil
}

func osRemove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "pfio: remove %s", path)
	}
	return nil
}

func osExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, errors.Wrapf(err, "pfio: stat %s", path)
}
