/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package pfregistry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgxpf/protectedfs/pkg/errdefs"
)

func openTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRegisterThenGet(t *testing.T) {
	r := openTestRegistry(t)
	now := time.Unix(1700000000, 0).UTC()

	require.NoError(t, r.Register("/tmp/a.pf", "a", 0, now))

	rec, err := r.Get("/tmp/a.pf")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/a.pf", rec.Path)
	assert.Equal(t, "a", rec.BoundPath)
	assert.Equal(t, uint64(0), rec.SizeBytes)
	assert.True(t, rec.CreatedAt.Equal(now))
	assert.True(t, rec.LastOpenedAt.Equal(now))
}

func TestRegisterRejectsDuplicatePath(t *testing.T) {
	r := openTestRegistry(t)
	now := time.Now()

	require.NoError(t, r.Register("/tmp/a.pf", "a", 0, now))
	err := r.Register("/tmp/a.pf", "a", 0, now)
	assert.True(t, errdefs.IsAlreadyExists(err))
}

func TestGetUnknownPathIsNotFound(t *testing.T) {
	r := openTestRegistry(t)
	_, err := r.Get("/tmp/missing.pf")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestTouchRegistersAnUnknownPathFresh(t *testing.T) {
	r := openTestRegistry(t)
	now := time.Unix(1700000000, 0).UTC()

	require.NoError(t, r.Touch("/tmp/b.pf", "b", 4096, now))

	rec, err := r.Get("/tmp/b.pf")
	require.NoError(t, err)
	assert.Equal(t, uint64(4096), rec.SizeBytes)
	assert.True(t, rec.CreatedAt.Equal(now))
}

func TestTouchUpdatesSizeAndLastOpenedWithoutTouchingCreatedAt(t *testing.T) {
	r := openTestRegistry(t)
	created := time.Unix(1700000000, 0).UTC()
	touched := created.Add(time.Hour)

	require.NoError(t, r.Register("/tmp/c.pf", "c", 0, created))
	require.NoError(t, r.Touch("/tmp/c.pf", "c", 8192, touched))

	rec, err := r.Get("/tmp/c.pf")
	require.NoError(t, err)
	assert.Equal(t, uint64(8192), rec.SizeBytes)
	assert.True(t, rec.CreatedAt.Equal(created), "Touch must not overwrite an existing CreatedAt")
	assert.True(t, rec.LastOpenedAt.Equal(touched))
}

func TestListReturnsEveryRegisteredRecord(t *testing.T) {
	r := openTestRegistry(t)
	now := time.Now()

	require.NoError(t, r.Register("/tmp/a.pf", "a", 0, now))
	require.NoError(t, r.Register("/tmp/b.pf", "b", 0, now))

	records, err := r.List()
	require.NoError(t, err)
	require.Len(t, records, 2)
}

func TestForgetRemovesARecord(t *testing.T) {
	r := openTestRegistry(t)
	now := time.Now()
	require.NoError(t, r.Register("/tmp/a.pf", "a", 0, now))

	require.NoError(t, r.Forget("/tmp/a.pf"))

	_, err := r.Get("/tmp/a.pf")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestForgetManyRejectsDuplicatePaths(t *testing.T) {
	r := openTestRegistry(t)
	err := r.ForgetMany([]string{"/tmp/a.pf", "/tmp/b.pf", "/tmp/a.pf"})
	assert.ErrorContains(t, err, "listed more than once")
}

func TestForgetManyRemovesEveryPath(t *testing.T) {
	r := openTestRegistry(t)
	now := time.Now()
	require.NoError(t, r.Register("/tmp/a.pf", "a", 0, now))
	require.NoError(t, r.Register("/tmp/b.pf", "b", 0, now))

	require.NoError(t, r.ForgetMany([]string{"/tmp/a.pf", "/tmp/b.pf"}))

	records, err := r.List()
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestOpenCreatesRootDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "registry")
	r, err := Open(dir)
	require.NoError(t, err)
	defer r.Close()

	info, statErr := os.Stat(dir)
	require.NoError(t, statErr)
	assert.True(t, info.IsDir())
}
