/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package pfcrypto

import "golang.org/x/sys/unix"

// LockMemory best-effort pins buf's pages so they are never written to
// swap, the same defensive posture the teacher's pkg/auth keyring takes by
// keeping secrets out of ordinary, swappable process memory (there via the
// kernel keyring, here via mlock). Failure is not fatal: many container
// runtimes run without CAP_IPC_LOCK or against a tight RLIMIT_MEMLOCK, and
// this is best-effort hardening the engine does not depend on for
// correctness.
func LockMemory(buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	return unix.Mlock(buf)
}

// UnlockMemory reverses LockMemory.
func UnlockMemory(buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	return unix.Munlock(buf)
}
