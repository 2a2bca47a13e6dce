/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package main

import (
	"github.com/urfave/cli/v2"
)

const (
	defaultRootDir  = "/var/lib/pfsctl"
	defaultLogLevel = "info"

	// kdkEnvVar is read for the Key Derivation Key when --kdk is not
	// given, so a KDK never has to appear in a process list.
	kdkEnvVar = "PFSCTL_KDK"
)

// globalArgs holds the flags every subcommand shares: where pfsctl keeps
// its state and how it logs, mirroring the teacher's own root/log-level/
// log-dir/log-to-stdout flag set.
type globalArgs struct {
	RootDir     string
	ConfigPath  string
	LogLevel    string
	LogDir      string
	LogToStdout bool
}

func globalFlags(args *globalArgs) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "root",
			Value:       defaultRootDir,
			Aliases:     []string{"R"},
			Usage:       "set `DIRECTORY` to store pfsctl working state (registry database, logs)",
			Destination: &args.RootDir,
		},
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to the pfsctl TOML configuration `FILE`",
			Destination: &args.ConfigPath,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Value:       defaultLogLevel,
			Aliases:     []string{"l"},
			Usage:       "set the logging `LEVEL` [trace, debug, info, warn, error, fatal, panic]",
			Destination: &args.LogLevel,
		},
		&cli.StringFlag{
			Name:        "log-dir",
			Aliases:     []string{"L"},
			Usage:       "set `DIRECTORY` to store log files",
			Destination: &args.LogDir,
		},
		&cli.BoolFlag{
			Name:        "log-to-stdout",
			Usage:       "log messages to standard out rather than files",
			Destination: &args.LogToStdout,
		},
	}
}

// containerFlags are the flags shared by every subcommand that opens an
// existing or new protected file.
type containerArgs struct {
	Path      string
	BoundPath string
	KDKHex    string
}

func containerFlags(args *containerArgs) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "path",
			Required:    true,
			Usage:       "`PATH` of the protected file on disk",
			Destination: &args.Path,
		},
		&cli.StringFlag{
			Name:        "bound-path",
			Usage:       "logical identity `NAME` bound into the file's metadata; defaults to --path",
			Destination: &args.BoundPath,
		},
		&cli.StringFlag{
			Name:        "kdk",
			Usage:       "32 hex characters Key Derivation Key; falls back to the " + kdkEnvVar + " environment variable",
			Destination: &args.KDKHex,
		},
	}
}
