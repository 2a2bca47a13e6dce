/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Command pfsctl is an operator CLI over pkg/pf: create, read, write and
// flush protected file containers, keep a small local registry of known
// containers, and optionally serve the flush/recovery/cache metrics of the
// serving process itself over HTTP. It plays the same role for pkg/pf that containerd-nydus-grpc plays
// for the rest of this codebase's teacher, just as a foreground CLI rather
// than a long-running gRPC daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/sgxpf/protectedfs/cmd/pfsctl/app/pfsctl"
	"github.com/sgxpf/protectedfs/internal/logging"
	pfsconfig "github.com/sgxpf/protectedfs/pkg/config"
	"github.com/sgxpf/protectedfs/pkg/pf"
	"github.com/sgxpf/protectedfs/pkg/pfmetrics"
	"github.com/sgxpf/protectedfs/pkg/pfregistry"
	"github.com/sgxpf/protectedfs/version"
)

func main() {
	var global globalArgs

	app := &cli.App{
		Name:    "pfsctl",
		Usage:   "inspect and operate on protected file containers",
		Version: version.Version,
		Flags:   globalFlags(&global),
		Before: func(*cli.Context) error {
			return setUpLogging(&global)
		},
		Commands: []*cli.Command{
			createCommand(&global),
			writeCommand(&global),
			readCommand(&global),
			flushCommand(&global),
			inspectCommand(),
			registryCommand(&global),
			serveCommand(&global),
		},
	}

	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("pfsctl: command failed")
	}
}

func setUpLogging(global *globalArgs) error {
	logDir := global.LogDir
	if logDir == "" {
		logDir = filepath.Join(global.RootDir, logging.DefaultLogDirName)
	}
	return logging.SetUp(global.LogLevel, global.LogToStdout, logDir, &logging.RotateLogArgs{
		RotateLogMaxSize:    100,
		RotateLogMaxBackups: 5,
		RotateLogMaxAge:     28,
		RotateLogLocalTime:  true,
		RotateLogCompress:   true,
	})
}

func loadConfig(global *globalArgs) (*pfsconfig.Config, error) {
	return pfsconfig.Load(global.ConfigPath, global.RootDir)
}

func openRegistry(cfg *pfsconfig.Config) (*pfregistry.Registry, error) {
	return pfregistry.Open(cfg.RegistryDir)
}

func createCommand(global *globalArgs) *cli.Command {
	var cargs containerArgs
	var size uint64
	return &cli.Command{
		Name:  "create",
		Usage: "create a new protected file container and register it",
		Flags: append(containerFlags(&cargs), &cli.Uint64Flag{
			Name:        "size",
			Usage:       "zero-fill the container to this `SIZE` in bytes immediately after creation",
			Destination: &size,
		}),
		Action: func(*cli.Context) error {
			opts, cfg, reg, err := setupContainer(global, &cargs, nil)
			if err != nil {
				return err
			}
			defer reg.Close()

			if err := pfsctl.Create(opts, reg, time.Now(), logrus.Debugf); err != nil {
				return err
			}
			if size > 0 {
				if err := growTo(opts, size); err != nil {
					return err
				}
				if err := reg.Touch(opts.Path, opts.BoundPath, size, time.Now()); err != nil {
					return err
				}
			}
			fmt.Printf("created %s (bound as %s) under %s\n", cargs.Path, opts.BoundPath, cfg.RootDir)
			return nil
		},
	}
}

func growTo(opts pfsctl.OpenOptions, size uint64) error {
	opts.Mode = pf.ModeReadWrite
	ctx, err := pfsctl.OpenContainer(opts, logrus.Debugf)
	if err != nil {
		return err
	}
	defer ctx.Close()
	return ctx.SetSize(size)
}

func writeCommand(global *globalArgs) *cli.Command {
	var cargs containerArgs
	var offset uint64
	return &cli.Command{
		Name:  "write",
		Usage: "write standard input into the container at --offset",
		Flags: append(containerFlags(&cargs), &cli.Uint64Flag{
			Name:        "offset",
			Usage:       "byte `OFFSET` to start writing at",
			Destination: &offset,
		}),
		Action: func(*cli.Context) error {
			opts, _, reg, err := setupContainer(global, &cargs, nil)
			if err != nil {
				return err
			}
			defer reg.Close()

			n, err := pfsctl.Write(opts, offset, os.Stdin, reg, time.Now(), logrus.Debugf)
			if err != nil {
				return err
			}
			fmt.Printf("wrote %d bytes at offset %d\n", n, offset)
			return nil
		},
	}
}

func readCommand(global *globalArgs) *cli.Command {
	var cargs containerArgs
	var offset, length uint64
	return &cli.Command{
		Name:  "read",
		Usage: "read --length bytes starting at --offset to standard output",
		Flags: append(containerFlags(&cargs),
			&cli.Uint64Flag{Name: "offset", Destination: &offset},
			&cli.Uint64Flag{Name: "length", Required: true, Destination: &length},
		),
		Action: func(*cli.Context) error {
			opts, err := containerOpenOptions(&cargs)
			if err != nil {
				return err
			}
			_, err = pfsctl.Read(opts, offset, length, os.Stdout, logrus.Debugf)
			return err
		},
	}
}

func flushCommand(global *globalArgs) *cli.Command {
	var cargs containerArgs
	return &cli.Command{
		Name:  "flush",
		Usage: "force a flush of a container's pending writes",
		Flags: containerFlags(&cargs),
		Action: func(*cli.Context) error {
			opts, err := containerOpenOptions(&cargs)
			if err != nil {
				return err
			}
			return pfsctl.Flush(opts, logrus.Debugf)
		},
	}
}

func inspectCommand() *cli.Command {
	var path string
	return &cli.Command{
		Name:  "inspect",
		Usage: "report a container's plain metadata header without needing its KDK",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "path", Required: true, Destination: &path},
		},
		Action: func(*cli.Context) error {
			report, err := pfsctl.Inspect(path)
			if err != nil {
				return err
			}
			fmt.Println(report.String())
			return nil
		},
	}
}

func registryCommand(global *globalArgs) *cli.Command {
	return &cli.Command{
		Name:  "registry",
		Usage: "inspect or edit the local container registry",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "list every registered container",
				Action: func(*cli.Context) error {
					cfg, err := loadConfig(global)
					if err != nil {
						return err
					}
					reg, err := openRegistry(cfg)
					if err != nil {
						return err
					}
					defer reg.Close()

					records, err := reg.List()
					if err != nil {
						return err
					}
					fmt.Print(pfsctl.FormatRecords(records))
					return nil
				},
			},
			{
				Name:      "forget",
				Usage:     "remove one or more containers from the registry",
				ArgsUsage: "PATH [PATH...]",
				Action: func(c *cli.Context) error {
					if c.NArg() == 0 {
						return errors.New("registry forget: at least one PATH is required")
					}
					cfg, err := loadConfig(global)
					if err != nil {
						return err
					}
					reg, err := openRegistry(cfg)
					if err != nil {
						return err
					}
					defer reg.Close()
					return reg.ForgetMany(c.Args().Slice())
				},
			},
		},
	}
}

func serveCommand(global *globalArgs) *cli.Command {
	var metricsAddr, pprofAddr string
	return &cli.Command{
		Name:  "serve",
		Usage: "serve Prometheus metrics (and optionally pprof) for instrumented sessions",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "metrics-addr",
				Value:       pfsconfig.DefaultMetricsAddr,
				Usage:       "`ADDRESS` to serve /metrics on",
				Destination: &metricsAddr,
			},
			&cli.StringFlag{
				Name:        "pprof-addr",
				Usage:       "`ADDRESS` to serve pprof endpoints on; disabled when empty",
				Destination: &pprofAddr,
			},
		},
		Action: func(*cli.Context) error {
			collector := pfmetrics.NewCollector()

			ctx, cancel := context.WithCancel(context.Background())
			sc := make(chan os.Signal, 1)
			signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sc
				logrus.Info("pfsctl serve: signal received, shutting down")
				cancel()
			}()
			defer signal.Stop(sc)

			return pfsctl.Serve(ctx, collector, pfsctl.ServeOptions{
				MetricsAddr: metricsAddr,
				PprofAddr:   pprofAddr,
			})
		},
	}
}

// setupContainer loads configuration, opens the registry, and resolves the
// KDK/bound-path pair shared by create/write.
func setupContainer(global *globalArgs, cargs *containerArgs, hooks pf.Hooks) (pfsctl.OpenOptions, *pfsconfig.Config, *pfregistry.Registry, error) {
	cfg, err := loadConfig(global)
	if err != nil {
		return pfsctl.OpenOptions{}, nil, nil, err
	}
	reg, err := openRegistry(cfg)
	if err != nil {
		return pfsctl.OpenOptions{}, nil, nil, err
	}
	opts, err := containerOpenOptions(cargs)
	if err != nil {
		reg.Close()
		return pfsctl.OpenOptions{}, nil, nil, err
	}
	opts.Hooks = hooks
	return opts, cfg, reg, nil
}

func containerOpenOptions(cargs *containerArgs) (pfsctl.OpenOptions, error) {
	kdk, err := pfsctl.ResolveKDK(cargs.KDKHex, kdkEnvVar)
	if err != nil {
		return pfsctl.OpenOptions{}, err
	}
	boundPath := pfsctl.BoundPathOrDefault(cargs.BoundPath, cargs.Path)
	return pfsctl.OpenOptions{
		Path:      cargs.Path,
		BoundPath: boundPath,
		KDK:       kdk,
	}, nil
}
