/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package pfsctl implements the subcommands of the pfsctl binary, kept
// separate from package main the same way the teacher keeps
// cmd/containerd-nydus-grpc/app/snapshotter separate from its main.go.
package pfsctl

import (
	"encoding/hex"
	"os"

	"github.com/pkg/errors"

	"github.com/sgxpf/protectedfs/pkg/pfcrypto"
)

// ResolveKDK decodes a hex-encoded Key Derivation Key from kdkHex, falling
// back to the named environment variable when kdkHex is empty. A KDK is
// always exactly pfcrypto.KeySize bytes; the protected file format has no
// concept of a variable-length key.
func ResolveKDK(kdkHex, envVar string) ([pfcrypto.KeySize]byte, error) {
	var kdk [pfcrypto.KeySize]byte

	if kdkHex == "" {
		kdkHex = os.Getenv(envVar)
	}
	if kdkHex == "" {
		return kdk, errors.Errorf("no Key Derivation Key given: pass --kdk or set %s", envVar)
	}

	raw, err := hex.DecodeString(kdkHex)
	if err != nil {
		return kdk, errors.Wrap(err, "decode --kdk as hex")
	}
	if len(raw) != pfcrypto.KeySize {
		return kdk, errors.Errorf("Key Derivation Key must be %d bytes (%d hex characters), got %d bytes",
			pfcrypto.KeySize, pfcrypto.KeySize*2, len(raw))
	}
	copy(kdk[:], raw)
	return kdk, nil
}

// BoundPathOrDefault returns boundPath if set, otherwise path itself: the
// common case where a container's logical identity is just its filename.
func BoundPathOrDefault(boundPath, path string) string {
	if boundPath != "" {
		return boundPath
	}
	return path
}
