/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 * Copyright (c) 2023. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package logging configures the process-wide logrus logger used by pfsctl
// and carries a logger handle through a context.Context. The core pf
// package never imports this package; it only ever logs through the
// pfio.Callbacks.Debug hook, keeping the engine itself free of a logging
// dependency.
package logging

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

const (
	DefaultLogDirName  = "logs"
	defaultLogFileName = "pfsctl.log"
	// rfc3339NanoFixed is a fixed-width RFC3339 variant so log lines align
	// in a column, matching the format the teacher pinned its formatter to.
	rfc3339NanoFixed = "2006-01-02T15:04:05.000000000Z07:00"
)

type loggerKey struct{}

// RotateLogArgs configures lumberjack-backed log rotation.
type RotateLogArgs struct {
	RotateLogMaxSize    int
	RotateLogMaxBackups int
	RotateLogMaxAge     int
	RotateLogLocalTime  bool
	RotateLogCompress   bool
}

// SetUp installs the process-wide logrus level, formatter and output sink.
func SetUp(logLevel string, logToStdout bool, logDir string, logRotateArgs *RotateLogArgs) error {
	lvl, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return err
	}
	logrus.SetLevel(lvl)

	if logToStdout {
		logrus.SetOutput(os.Stdout)
	} else {
		if logRotateArgs == nil {
			return errors.New("logRotateArgs is needed when logToStdout is false")
		}

		if err := os.MkdirAll(logDir, 0755); err != nil {
			return errors.Wrapf(err, "create log dir %s", logDir)
		}
		logFile := filepath.Join(logDir, defaultLogFileName)

		lumberjackLogger := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    logRotateArgs.RotateLogMaxSize,
			MaxBackups: logRotateArgs.RotateLogMaxBackups,
			MaxAge:     logRotateArgs.RotateLogMaxAge,
			Compress:   logRotateArgs.RotateLogCompress,
			LocalTime:  logRotateArgs.RotateLogLocalTime,
		}
		logrus.SetOutput(lumberjackLogger)
	}

	logrus.SetFormatter(&logrus.TextFormatter{
		TimestampFormat: rfc3339NanoFixed,
		FullTimestamp:   true,
	})
	return nil
}

// WithLogger attaches a logrus entry to ctx, retrievable with FromContext.
func WithLogger(ctx context.Context, entry *logrus.Entry) context.Context {
	return context.WithValue(ctx, loggerKey{}, entry)
}

// FromContext returns the logrus entry attached to ctx, or the standard
// logger's entry if none was attached.
func FromContext(ctx context.Context) *logrus.Entry {
	if entry, ok := ctx.Value(loggerKey{}).(*logrus.Entry); ok {
		return entry
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

// WithContext returns a background context carrying the standard logger,
// the entry point pfsctl commands chain off of.
func WithContext() context.Context {
	return WithLogger(context.Background(), logrus.NewEntry(logrus.StandardLogger()))
}
