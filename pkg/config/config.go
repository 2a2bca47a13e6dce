/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package config loads pfsctl's TOML configuration file, the same
// toml-tagged-struct-plus-LoadFile shape the teacher's config package uses
// for its own daemon configuration.
package config

import (
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
)

const (
	// DefaultLogLevel is used when the config file does not set one.
	DefaultLogLevel = "info"
	// DefaultCacheCapacity is used when the config file does not set one.
	DefaultCacheCapacity = 64
	// DefaultRegistryDirName is the subdirectory, under RootDir, pfsctl
	// keeps its container registry database in.
	DefaultRegistryDirName = "registry"
	// DefaultMetricsAddr is the default of pfsctl serve's --metrics-addr
	// flag and of Config.MetricsAddr.
	DefaultMetricsAddr = "127.0.0.1:9469"
)

// Config is pfsctl's on-disk configuration. RootDir is always supplied on
// the command line (or defaulted there), never read from the file itself,
// matching how the teacher's Config treats its own RootDir/Address fields
// as "-" (command-line only).
type Config struct {
	RootDir string `toml:"-"`

	LogLevel    string `toml:"log_level"`
	LogDir      string `toml:"log_dir"`
	LogToStdout bool   `toml:"log_to_stdout"`

	RotateLogMaxSize    int  `toml:"log_rotate_max_size"`
	RotateLogMaxBackups int  `toml:"log_rotate_max_backups"`
	RotateLogMaxAge     int  `toml:"log_rotate_max_age"`
	RotateLogLocalTime  bool `toml:"log_rotate_local_time"`
	RotateLogCompress   bool `toml:"log_rotate_compress"`

	CacheCapacity int    `toml:"cache_capacity"`
	RegistryDir   string `toml:"registry_dir"`

	EnableMetrics bool   `toml:"enable_metrics"`
	MetricsAddr   string `toml:"metrics_addr"`
}

// Load reads path into a fresh Config, tolerating a missing file (pfsctl
// runs fine on defaults alone), then fills in every zero-valued field with
// its default.
func Load(path, rootDir string) (*Config, error) {
	c := &Config{RootDir: rootDir}

	if path != "" {
		tree, err := toml.LoadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "load config file %q", path)
		}
		if tree != nil {
			if err := tree.Unmarshal(c); err != nil {
				return nil, errors.Wrapf(err, "unmarshal config file %q", path)
			}
		}
	}

	c.fillDefaults()
	return c, nil
}

func (c *Config) fillDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.LogDir == "" {
		c.LogDir = filepath.Join(c.RootDir, "logs")
	}
	if c.CacheCapacity == 0 {
		c.CacheCapacity = DefaultCacheCapacity
	}
	if c.RegistryDir == "" {
		c.RegistryDir = filepath.Join(c.RootDir, DefaultRegistryDirName)
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = DefaultMetricsAddr
	}
}
