/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testLogDirName = "test-rotate-logs"

func countRotatedFiles(testLogDir, suffix string) int {
	i := 0
	_ = filepath.Walk(testLogDir, func(fname string, fi os.FileInfo, _ error) error {
		if fi != nil && !fi.IsDir() && strings.HasSuffix(fname, suffix) {
			i++
		}
		return nil
	})
	return i
}

func TestSetUpRequiresRotateArgsWhenNotStdout(t *testing.T) {
	os.RemoveAll(testLogDirName)
	defer os.RemoveAll(testLogDirName)

	err := SetUp(logrus.InfoLevel.String(), false, testLogDirName, nil)
	assert.ErrorContains(t, err, "logRotateArgs is needed when logToStdout is false")
}

func TestSetUpToStdoutNeedsNoRotateArgs(t *testing.T) {
	err := SetUp(logrus.InfoLevel.String(), true, "", nil)
	assert.NoError(t, err)
}

func TestSetUpRotatesLogFiles(t *testing.T) {
	os.RemoveAll(testLogDirName)
	defer os.RemoveAll(testLogDirName)

	logRotateArgs := &RotateLogArgs{
		RotateLogMaxSize:    1, // 1MB
		RotateLogMaxBackups: 3,
		RotateLogLocalTime:  true,
		RotateLogCompress:   true,
	}
	require.NoError(t, SetUp(logrus.InfoLevel.String(), false, testLogDirName, logRotateArgs))

	for i := 0; i < 60000; i++ {
		logrus.Infof("rotation probe line %d padded with filler to grow the file faster", i)
	}

	assert.Equal(t, logRotateArgs.RotateLogMaxBackups, countRotatedFiles(testLogDirName, "log.gz"))
}

func TestFromContextFallsBackToStandardLogger(t *testing.T) {
	entry := FromContext(WithContext())
	assert.NotNil(t, entry)
}
