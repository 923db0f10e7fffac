package vio

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZeroes(t *testing.T) {
	buf := new(bytes.Buffer)
	n, err := io.CopyN(buf, Zeroes, 70000)
	require.NoError(t, err)
	assert.Equal(t, int64(70000), n)
	assert.Equal(t, make([]byte, 70000), buf.Bytes())
}

func TestZeroAt(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "img"))
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Write(bytes.Repeat([]byte{0xff}, 4096))
	require.NoError(t, err)

	require.NoError(t, ZeroAt(f, 1024, 2048))
	require.NoError(t, ZeroAt(f, 0, 0))

	data := make([]byte, 4096)
	_, err = f.ReadAt(data, 0)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0xff}, 1024), data[:1024])
	assert.Equal(t, make([]byte, 2048), data[1024:3072])
	assert.Equal(t, bytes.Repeat([]byte{0xff}, 1024), data[3072:])
}
