/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package errdefs defines the sentinel errors returned across package
// boundaries, mirroring the PfStatus/PfErrorKind result codes the original
// SGX runtime returned from every public entry point.
package errdefs

import (
	"github.com/pkg/errors"
)

var (
	ErrAlreadyExists = errors.New("already exists")
	// ErrNotFound is returned when a lookup by key (a registry path, a
	// catalog record) finds nothing, as distinct from the lookup itself
	// failing.
	ErrNotFound = errors.New("not found")

	// ErrUninitialized is returned when an operation is attempted on a
	// Context that was never successfully opened.
	ErrUninitialized = errors.New("protected file: not initialized")
	// ErrInvalidParameter is returned when an argument violates an API
	// precondition (nil buffer, zero-length path, unsupported mode, ...).
	ErrInvalidParameter = errors.New("protected file: invalid parameter")
	// ErrInvalidMode is returned when the requested open mode is not one
	// of the supported read/write/append combinations.
	ErrInvalidMode = errors.New("protected file: invalid mode")
	// ErrInvalidPath is returned when a supplied path or bound path is
	// empty, or when an existing container's recorded bound path differs
	// from the one passed to Open. A path too long for the metadata block
	// gives ErrPathTooLong instead.
	ErrInvalidPath = errors.New("protected file: invalid path")
	// ErrPathTooLong is returned when a path does not fit in the
	// metadata block's fixed-size path field.
	ErrPathTooLong = errors.New("protected file: path too long")
	// ErrInvalidHeader is returned when the metadata block's magic
	// number does not match the expected constant.
	ErrInvalidHeader = errors.New("protected file: invalid header")
	// ErrInvalidVersion is returned when the metadata block's major
	// version is not one this implementation understands.
	ErrInvalidVersion = errors.New("protected file: unsupported version")
	// ErrNoMemory is returned when an allocation needed to service a
	// request fails.
	ErrNoMemory = errors.New("protected file: out of memory")
	// ErrMacMismatch is returned when an AEAD tag fails to authenticate,
	// meaning the node or metadata block has been tampered with or is
	// bound to the wrong key/path.
	ErrMacMismatch = errors.New("protected file: MAC mismatch")
	// ErrCorrupted is returned when on-disk structure is internally
	// inconsistent in a way authentication alone does not describe
	// (size fields out of range, malformed recovery log, ...).
	ErrCorrupted = errors.New("protected file: file corrupted")
	// ErrCryptoError is returned when the underlying AEAD or RNG
	// callback itself fails, as opposed to an authentication failure.
	ErrCryptoError = errors.New("protected file: crypto operation failed")
	// ErrFlushError is returned when a flush fails while writing the
	// recovery log, setting the metadata update flag, or removing the
	// recovery log; ClearError treats it as recoverable.
	ErrFlushError = errors.New("protected file: flush failed")
	// ErrWriteToDiskFailed is returned when a block write fails during a
	// flush's write-back phase or a recovery replay, or when reading a
	// block from the main file fails.
	ErrWriteToDiskFailed = errors.New("protected file: write to disk failed")
	// ErrRecoveryNeeded is returned by Open when the metadata update
	// flag is set and the caller opened in a mode that does not
	// auto-replay the recovery log.
	ErrRecoveryNeeded = errors.New("protected file: recovery needed")
	// ErrRecoveryImpossible is returned when a recovery log exists but
	// cannot be replayed (truncated, wrong size, missing).
	ErrRecoveryImpossible = errors.New("protected file: recovery impossible")
	// ErrNotImplemented is returned by SetSize when asked to shrink a
	// file, since the format only grows in place.
	ErrNotImplemented = errors.New("protected file: not implemented")
)

// IsAlreadyExists returns true if the error is due to already exists.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsNotFound reports whether err is, or wraps, ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsUninitialized reports whether err is, or wraps, ErrUninitialized.
func IsUninitialized(err error) bool { return errors.Is(err, ErrUninitialized) }

// IsInvalidParameter reports whether err is, or wraps, ErrInvalidParameter.
func IsInvalidParameter(err error) bool { return errors.Is(err, ErrInvalidParameter) }

// IsInvalidPath reports whether err is, or wraps, ErrInvalidPath or
// ErrPathTooLong.
func IsInvalidPath(err error) bool {
	return errors.Is(err, ErrInvalidPath) || errors.Is(err, ErrPathTooLong)
}

// IsMacMismatch reports whether err is, or wraps, ErrMacMismatch.
func IsMacMismatch(err error) bool { return errors.Is(err, ErrMacMismatch) }

// IsCorrupted reports whether err is, or wraps, ErrCorrupted, ErrInvalidHeader
// or ErrInvalidVersion.
func IsCorrupted(err error) bool {
	return errors.Is(err, ErrCorrupted) || errors.Is(err, ErrInvalidHeader) || errors.Is(err, ErrInvalidVersion)
}

// IsRecoveryNeeded reports whether err is, or wraps, ErrRecoveryNeeded.
func IsRecoveryNeeded(err error) bool { return errors.Is(err, ErrRecoveryNeeded) }

// IsRecoveryImpossible reports whether err is, or wraps, ErrRecoveryImpossible.
func IsRecoveryImpossible(err error) bool { return errors.Is(err, ErrRecoveryImpossible) }

// IsFlushError reports whether err is, or wraps, ErrFlushError or
// ErrWriteToDiskFailed.
func IsFlushError(err error) bool {
	return errors.Is(err, ErrFlushError) || errors.Is(err, ErrWriteToDiskFailed)
}

// IsNotImplemented reports whether err is, or wraps, ErrNotImplemented.
func IsNotImplemented(err error) bool { return errors.Is(err, ErrNotImplemented) }
