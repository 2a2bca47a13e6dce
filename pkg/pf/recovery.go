/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package pf

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/sgxpf/protectedfs/pkg/errdefs"
	"github.com/sgxpf/protectedfs/pkg/pflayout"
)

// recoveryRecordSize is the wire size of one recovery log record: a
// physical block number followed by that block's full pre-flush
// ciphertext. The recovery file is nothing but these records back to
// back, so its size must always be a multiple of recoveryRecordSize.
const recoveryRecordSize = 8 + pflayout.BlockSize

type recoveryRecord struct {
	Physical uint64
	Content  []byte // always exactly pflayout.BlockSize bytes
}

// encodeRecoveryLog packs the pre-flush snapshot of every physical block
// this flush is about to overwrite into a single buffer written to the
// side recovery log before anything in the main file changes.
func encodeRecoveryLog(records []recoveryRecord) []byte {
	buf := make([]byte, len(records)*recoveryRecordSize)

	off := 0
	for _, r := range records {
		binary.LittleEndian.PutUint64(buf[off:off+8], r.Physical)
		off += 8
		copy(buf[off:off+pflayout.BlockSize], r.Content)
		off += pflayout.BlockSize
	}
	return buf
}

func decodeRecoveryLog(buf []byte) ([]recoveryRecord, error) {
	if len(buf)%recoveryRecordSize != 0 {
		return nil, errors.Errorf("pf: recovery log size %d is not a multiple of %d", len(buf), recoveryRecordSize)
	}
	count := len(buf) / recoveryRecordSize

	records := make([]recoveryRecord, 0, count)
	off := 0
	for i := 0; i < count; i++ {
		physical := binary.LittleEndian.Uint64(buf[off : off+8])
		off += 8
		content := make([]byte, pflayout.BlockSize)
		copy(content, buf[off:off+pflayout.BlockSize])
		off += pflayout.BlockSize
		records = append(records, recoveryRecord{Physical: physical, Content: content})
	}
	return records, nil
}

// replayRecovery restores every block recorded in the side log and
// restores every block recorded in the side log in place, undoing a flush
// that crashed partway through. It is called from Open whenever the
// metadata block's update flag is found set. The recovery file never
// changes the main file's size: whatever a crashed flush may have grown
// the file into beyond these recorded blocks was never reached by S5/S6,
// so nothing but the recorded blocks needs restoring.
func (c *Context) replayRecovery(path string) error {
	err := c.replayRecoveryInner(path)
	c.recoveryResult(err == nil)
	return err
}

func (c *Context) replayRecoveryInner(path string) error {
	recoveryPath := path + recoverySuffix

	exists, err := c.cb.Exists(recoveryPath)
	if err != nil {
		return err
	}
	if !exists {
		return errors.Wrap(errdefs.ErrRecoveryImpossible, "update flag is set but no recovery log exists")
	}

	rh, size, err := c.cb.Open(recoveryPath, false)
	if err != nil {
		return errors.Wrap(errdefs.ErrRecoveryImpossible, err.Error())
	}
	defer c.cb.Close(rh)

	buf := make([]byte, size)
	if err := c.cb.Read(rh, buf, 0); err != nil {
		return errors.Wrap(errdefs.ErrRecoveryImpossible, err.Error())
	}

	records, err := decodeRecoveryLog(buf)
	if err != nil {
		return errors.Wrap(errdefs.ErrRecoveryImpossible, err.Error())
	}

	for _, r := range records {
		if err := c.cb.Write(c.handle, r.Content, r.Physical*pflayout.BlockSize); err != nil {
			return errors.Wrap(errdefs.ErrWriteToDiskFailed, err.Error())
		}
	}
	if err := c.cb.Remove(recoveryPath); err != nil {
		return err
	}

	c.cb.Log("pf: replayed recovery log for %s, restored %d blocks", path, len(records))
	return nil
}
