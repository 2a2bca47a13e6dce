/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package pfio

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCallbacksValidate(t *testing.T) {
	require.NoError(t, DefaultCallbacks().Validate())
}

func TestValidateCatchesMissingCallback(t *testing.T) {
	c := DefaultCallbacks()
	c.Read = nil
	assert.Error(t, c.Validate())
}

func TestOSOpenCreatesAndReportsSize(t *testing.T) {
	c := DefaultCallbacks()
	dir := t.TempDir()
	path := filepath.Join(dir, "container.pf")

	h, size, err := c.Open(path, true)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), size)
	require.NoError(t, c.Close(h))
}

func TestOSWriteReadRoundTrip(t *testing.T) {
	c := DefaultCallbacks()
	dir := t.TempDir()
	path := filepath.Join(dir, "container.pf")

	h, _, err := c.Open(path, true)
	require.NoError(t, err)
	defer c.Close(h)

	payload := []byte("exactly one block of plaintext, padded out below")
	block := make([]byte, 4096)
	copy(block, payload)

	require.NoError(t, c.Write(h, block, 0))

	readBack := make([]byte, 4096)
	require.NoError(t, c.Read(h, readBack, 0))
	assert.Equal(t, block, readBack)
}

func TestOSTruncateGrowsFile(t *testing.T) {
	c := DefaultCallbacks()
	dir := t.TempDir()
	path := filepath.Join(dir, "container.pf")

	h, _, err := c.Open(path, true)
	require.NoError(t, err)
	defer c.Close(h)

	require.NoError(t, c.Truncate(h, 8192))

	_, size, err := c.Open(path, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(8192), size)
}

func TestOSExistsAndRemove(t *testing.T) {
	c := DefaultCallbacks()
	dir := t.TempDir()
	path := filepath.Join(dir, "container.pf.recovery")

	ok, err := c.Exists(path)
	require.NoError(t, err)
	assert.False(t, ok)

	h, _, err := c.Open(path, true)
	require.NoError(t, err)
	require.NoError(t, c.Close(h))

	ok, err = c.Exists(path)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, c.Remove(path))
	ok, err = c.Exists(path)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRemoveNonexistentIsNotAnError(t *testing.T) {
	c := DefaultCallbacks()
	dir := t.TempDir()
	assert.NoError(t, c.Remove(filepath.Join(dir, "missing")))
}
