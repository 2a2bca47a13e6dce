/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFillsDefaultsWithoutAFile(t *testing.T) {
	A := assert.New(t)

	cfg, err := Load("", "/var/lib/pfsctl")
	require.NoError(t, err)

	A.Equal(DefaultLogLevel, cfg.LogLevel)
	A.Equal(filepath.Join("/var/lib/pfsctl", "logs"), cfg.LogDir)
	A.Equal(DefaultCacheCapacity, cfg.CacheCapacity)
	A.Equal(filepath.Join("/var/lib/pfsctl", DefaultRegistryDirName), cfg.RegistryDir)
	A.Equal(DefaultMetricsAddr, cfg.MetricsAddr)
}

func TestLoadToleratesAMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"), "/root-dir")
	require.NoError(t, err)
	assert.Equal(t, DefaultLogLevel, cfg.LogLevel)
}

func TestLoadReadsTOMLFieldsAndOverridesDefaults(t *testing.T) {
	A := assert.New(t)

	path := filepath.Join(t.TempDir(), "pfsctl.toml")
	const toml = `
log_level = "debug"
log_to_stdout = true
cache_capacity = 128
enable_metrics = true
metrics_addr = "0.0.0.0:9999"
`
	require.NoError(t, os.WriteFile(path, []byte(toml), 0o600))

	cfg, err := Load(path, "/var/lib/pfsctl")
	require.NoError(t, err)

	A.Equal("debug", cfg.LogLevel)
	A.True(cfg.LogToStdout)
	A.Equal(128, cfg.CacheCapacity)
	A.True(cfg.EnableMetrics)
	A.Equal("0.0.0.0:9999", cfg.MetricsAddr)
	// Fields left unset in the file still fall back to their defaults.
	A.Equal(filepath.Join("/var/lib/pfsctl", "logs"), cfg.LogDir)
}

func TestLoadRejectsMalformedTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pfsctl.toml")
	require.NoError(t, os.WriteFile(path, []byte("this is not [valid toml"), 0o600))

	_, err := Load(path, "/var/lib/pfsctl")
	assert.Error(t, err)
}
