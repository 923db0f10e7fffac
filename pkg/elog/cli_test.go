package elog

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCLILevels(t *testing.T) {
	log := &CLI{}
	assert.True(t, log.IsLogLevelEnabled(ErrorLevel))
	assert.True(t, log.IsLogLevelEnabled(WarnLevel))
	assert.False(t, log.IsLogLevelEnabled(InfoLevel))
	assert.False(t, log.IsLogLevelEnabled(DebugLevel))

	log.IsVerbose = true
	assert.True(t, log.IsLogLevelEnabled(InfoLevel))
	assert.False(t, log.IsLogLevelEnabled(TraceLevel))

	log.IsDebug = true
	assert.True(t, log.IsLogLevelEnabled(TraceLevel))
}

func TestCLIFormat(t *testing.T) {
	log := &CLI{DisableTTY: true}
	scoped := log.Scoped("alloc").Scoped("chunk").(*CLI)

	entry := scoped.entry().WithField("start", 1048576)
	entry.Level = logrus.DebugLevel
	entry.Message = "allocated\n"

	out, err := log.Format(entry)
	require.NoError(t, err)
	assert.Equal(t, "DEBU [alloc/chunk] allocated start=1048576\n", string(out))
}

func TestDiscard(t *testing.T) {
	log := Discard()
	assert.False(t, log.IsLogLevelEnabled(ErrorLevel))
	assert.NotPanics(t, func() {
		log.Scoped("x").Errorf("dropped %d", 1)
		log.Finish(true)
	})
}
