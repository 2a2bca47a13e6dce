/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package pfsctl

import (
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"

	"github.com/sgxpf/protectedfs/pkg/errdefs"
	"github.com/sgxpf/protectedfs/pkg/pf"
	"github.com/sgxpf/protectedfs/pkg/pfcrypto"
	"github.com/sgxpf/protectedfs/pkg/pfio"
	"github.com/sgxpf/protectedfs/pkg/pflayout"
	"github.com/sgxpf/protectedfs/pkg/pfmeta"
	"github.com/sgxpf/protectedfs/pkg/pfregistry"
)

// OpenOptions bundles what every subcommand that touches a protected file
// needs to open it.
type OpenOptions struct {
	Path      string
	BoundPath string
	KDK       [pfcrypto.KeySize]byte
	Mode      pf.Mode
	Hooks     pf.Hooks
}

func callbacksFor(logf func(string, ...interface{})) pfio.Callbacks {
	cb := pfio.DefaultCallbacks()
	cb.Debug = logf
	return cb
}

// OpenContainer opens the protected file named by opts, installing hooks if
// given: hooks attach to the Context itself via SetHooks, not to the I/O
// callback table.
func OpenContainer(opts OpenOptions, logf func(string, ...interface{})) (*pf.Context, error) {
	ctx, err := pf.Open(callbacksFor(logf), opts.Path, opts.BoundPath, opts.Mode, opts.KDK)
	if err != nil {
		return nil, err
	}
	if opts.Hooks != nil {
		ctx.SetHooks(opts.Hooks)
	}
	return ctx, nil
}

// Create opens (and so creates, since protected files are created lazily
// by pf.Open) a container, optionally registering it in reg.
func Create(opts OpenOptions, reg *pfregistry.Registry, now time.Time, logf func(string, ...interface{})) error {
	opts.Mode = pf.ModeReadWrite
	ctx, err := OpenContainer(opts, logf)
	if err != nil {
		return err
	}
	defer ctx.Close()

	if reg != nil {
		if err := reg.Register(opts.Path, opts.BoundPath, 0, now); err != nil && !errdefs.IsAlreadyExists(err) {
			return err
		}
	}
	return nil
}

// Write reads all of r and writes it into the container at offset, flushing
// before returning.
func Write(opts OpenOptions, offset uint64, r io.Reader, reg *pfregistry.Registry, now time.Time, logf func(string, ...interface{})) (int, error) {
	opts.Mode = pf.ModeReadWrite
	ctx, err := OpenContainer(opts, logf)
	if err != nil {
		return 0, err
	}
	defer ctx.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return 0, errors.Wrap(err, "read input")
	}
	n, err := ctx.Write(offset, data)
	if err != nil {
		return n, err
	}
	if err := ctx.Flush(); err != nil {
		return n, err
	}

	if reg != nil {
		size, sizeErr := ctx.GetSize()
		if sizeErr != nil {
			return n, sizeErr
		}
		if err := reg.Touch(opts.Path, opts.BoundPath, size, now); err != nil {
			return n, err
		}
	}
	return n, nil
}

// Read reads length bytes starting at offset and writes them to w.
func Read(opts OpenOptions, offset, length uint64, w io.Writer, logf func(string, ...interface{})) (int, error) {
	opts.Mode = pf.ModeReadOnly
	ctx, err := OpenContainer(opts, logf)
	if err != nil {
		return 0, err
	}
	defer ctx.Close()

	buf := make([]byte, length)
	n, err := ctx.Read(offset, buf)
	if err != nil && err != io.EOF {
		return n, err
	}
	if _, werr := w.Write(buf[:n]); werr != nil {
		return n, errors.Wrap(werr, "write output")
	}
	return n, nil
}

// Flush opens the container read-write, forces a flush, and closes it
// again (Close itself flushes, but an explicit flush lets an operator force
// a commit without otherwise touching the file).
func Flush(opts OpenOptions, logf func(string, ...interface{})) error {
	opts.Mode = pf.ModeReadWrite
	ctx, err := OpenContainer(opts, logf)
	if err != nil {
		return err
	}
	defer ctx.Close()
	return ctx.Flush()
}

// InspectReport summarizes a protected file's metadata plain header, the
// part of the format readable without a Key Derivation Key.
type InspectReport struct {
	Path          string
	MagicValid    bool
	MajorVersion  uint16
	MinorVersion  uint16
	UpdateFlag    bool
	OnDiskSizeRaw uint64
}

// Inspect reads just physical block 0's plain header, without opening a
// Context at all, so it never needs a KDK and never triggers recovery
// replay: it is meant for diagnosing a file an operator isn't sure how to
// open yet.
func Inspect(path string) (InspectReport, error) {
	cb := pfio.DefaultCallbacks()
	h, size, err := cb.Open(path, false)
	if err != nil {
		return InspectReport{}, err
	}
	defer cb.Close(h)

	if size < pflayout.BlockSize {
		return InspectReport{}, errors.Wrap(errdefs.ErrCorrupted, "file is smaller than one block")
	}

	buf := make([]byte, pflayout.BlockSize)
	if err := cb.Read(h, buf, pflayout.MetaPhysicalNumber*pflayout.BlockSize); err != nil {
		return InspectReport{}, err
	}

	plain, err := pfmeta.DecodePlain(buf)
	report := InspectReport{
		Path:          path,
		OnDiskSizeRaw: size,
	}
	if err != nil && !errdefs.IsCorrupted(err) {
		return InspectReport{}, err
	}
	report.MagicValid = plain.MagicValid()
	report.MajorVersion = plain.MajorVersion
	report.MinorVersion = plain.MinorVersion
	report.UpdateFlag = plain.UpdateFlag
	return report, nil
}

// String renders a report the way `pfsctl inspect` prints it.
func (r InspectReport) String() string {
	return fmt.Sprintf(
		"path: %s\nmagic valid: %v\nversion: %d.%d\nupdate flag set (needs recovery): %v\non-disk size: %d bytes",
		r.Path, r.MagicValid, r.MajorVersion, r.MinorVersion, r.UpdateFlag, r.OnDiskSizeRaw,
	)
}
