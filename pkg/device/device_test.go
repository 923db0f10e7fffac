package device

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vorteil/vmkfs/pkg/btrfs"
)

var junk = bytes.Repeat([]byte{0xff}, 4096)

func testFile(t *testing.T, size int64, marks ...int64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.raw")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, f.Truncate(size))
	for _, off := range marks {
		_, err = f.WriteAt(junk, off)
		require.NoError(t, err)
	}
	return path
}

func readBack(t *testing.T, f *os.File, off int64) []byte {
	t.Helper()
	buf := make([]byte, len(junk))
	_, err := f.ReadAt(buf, off)
	require.NoError(t, err)
	return buf
}

func TestPrepare(t *testing.T) {
	size := int64(128 * MiB)
	path := testFile(t, size, 0, MiB, 3*MiB, 64*MiB, size-4096)

	p := &Prep{Path: path, ZeroEnd: true}
	require.NoError(t, Prepare(p))
	defer p.Close()

	assert.NoError(t, p.Err)
	assert.Equal(t, uint64(size), p.DevByteCount)

	zero := make([]byte, len(junk))
	assert.Equal(t, zero, readBack(t, p.File, 0))
	assert.Equal(t, zero, readBack(t, p.File, MiB))
	assert.Equal(t, zero, readBack(t, p.File, 64*MiB))
	assert.Equal(t, zero, readBack(t, p.File, size-4096))
	assert.Equal(t, junk, readBack(t, p.File, 3*MiB))
}

func TestPrepareByteCount(t *testing.T) {
	size := int64(128 * MiB)
	path := testFile(t, size, 99*MiB, 120*MiB)

	p := &Prep{Path: path, ByteCount: 100 * MiB, ZeroEnd: true}
	require.NoError(t, Prepare(p))
	defer p.Close()

	assert.Equal(t, uint64(100*MiB), p.DevByteCount)
	assert.Equal(t, make([]byte, len(junk)), readBack(t, p.File, 99*MiB))
	assert.Equal(t, junk, readBack(t, p.File, 120*MiB))

	q := &Prep{Path: path, ByteCount: 1 << 40}
	require.NoError(t, Prepare(q))
	defer q.Close()
	assert.Equal(t, uint64(size), q.DevByteCount)

	e := &Prep{Path: path, ByteCount: uint64(size), Exact: true}
	require.NoError(t, Prepare(e))
	defer e.Close()
	assert.Equal(t, uint64(size), e.DevByteCount)
}

func TestPrepareByteCountTooLarge(t *testing.T) {
	size := int64(128 * MiB)
	path := testFile(t, size, 0, MiB, 64*MiB, size-4096)

	p := &Prep{Path: path, ByteCount: uint64(size) + 1, Exact: true, ZeroEnd: true, Discard: true}
	err := Prepare(p)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTooSmall))
	assert.Nil(t, p.File)

	var derr *Error
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, "size", derr.Op)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	for _, off := range []int64{0, MiB, 64 * MiB, size - 4096} {
		assert.Equal(t, junk, readBack(t, f, off), "offset %d", off)
	}
}

func TestPrepareDiscard(t *testing.T) {
	path := testFile(t, 96*MiB, 10*MiB)

	p := &Prep{Path: path, Discard: true}
	require.NoError(t, Prepare(p))
	defer p.Close()

	fi, err := p.File.Stat()
	require.NoError(t, err)
	assert.Equal(t, int64(96*MiB), fi.Size())
}

func TestPrepareErrors(t *testing.T) {
	p := &Prep{Path: testFile(t, 32*MiB)}
	err := Prepare(p)
	assert.True(t, errors.Is(err, ErrTooSmall))
	assert.Equal(t, err, p.Err)
	assert.Nil(t, p.File)

	var derr *Error
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, "size", derr.Op)

	p = &Prep{Path: filepath.Join(t.TempDir(), "missing")}
	err = Prepare(p)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, "open", derr.Op)
}

func TestPrepareAll(t *testing.T) {
	preps := []*Prep{
		{Path: testFile(t, 64*MiB)},
		{Path: filepath.Join(t.TempDir(), "missing")},
		{Path: testFile(t, 80*MiB)},
	}
	defer func() {
		for _, p := range preps {
			p.Close()
		}
	}()

	require.NoError(t, PrepareAll(context.Background(), preps))
	assert.NoError(t, preps[0].Err)
	assert.Error(t, preps[1].Err)
	assert.NoError(t, preps[2].Err)
	assert.Equal(t, uint64(80*MiB), preps[2].DevByteCount)

	preps[0], preps[1] = preps[1], preps[0]
	preps[0].Err = nil
	assert.Error(t, PrepareAll(context.Background(), preps[:1]))

	assert.Error(t, PrepareAll(context.Background(), nil))
}

func TestPrepareAllFirstDeviceFails(t *testing.T) {
	preps := []*Prep{
		{Path: filepath.Join(t.TempDir(), "missing")},
		{Path: testFile(t, 64*MiB)},
		{Path: testFile(t, 64*MiB)},
	}
	defer func() {
		for _, p := range preps {
			p.Close()
		}
	}()

	err := PrepareAll(context.Background(), preps)
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Equal(t, preps[0].Err, err)

	// the rest either finished first or saw the cancellation
	for _, p := range preps[1:] {
		if p.Err != nil {
			assert.True(t, errors.Is(p.Err, context.Canceled), "%v", p.Err)
			assert.Nil(t, p.File)
		}
	}
}

func TestPrepareAllCancelled(t *testing.T) {
	preps := []*Prep{
		{Path: testFile(t, 64*MiB)},
		{Path: testFile(t, 64*MiB)},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := PrepareAll(ctx, preps)
	assert.True(t, errors.Is(err, context.Canceled))
	for _, p := range preps {
		assert.True(t, errors.Is(p.Err, context.Canceled))
		assert.Nil(t, p.File)
	}
}

func TestProbe(t *testing.T) {
	write := func(path string, off int64, data []byte) {
		f, err := os.OpenFile(path, os.O_RDWR, 0)
		require.NoError(t, err)
		defer f.Close()
		_, err = f.WriteAt(data, off)
		require.NoError(t, err)
	}
	le64 := func(v uint64) []byte {
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, v)
		return b
	}

	clean := testFile(t, 64*MiB)
	sigs, err := Probe(clean)
	require.NoError(t, err)
	assert.Empty(t, sigs)
	assert.NoError(t, TestForMkfs(clean, false))

	cases := []struct {
		name string
		off  int64
		data []byte
		want Signature
	}{
		{"btrfs", btrfs.SuperInfoOffset + btrfsMagicAt, le64(btrfs.Magic), SignatureBtrfs},
		{"partial", btrfs.SuperInfoOffset + btrfsMagicAt, le64(btrfs.MagicTemporary), SignatureBtrfsPartial},
		{"ext", extMagicOffset, []byte{0x53, 0xEF}, SignatureExt},
		{"xfs", 0, []byte("XFSB"), SignatureXFS},
		{"gpt", gptOffset, []byte("EFI PART"), SignatureGPT},
		{"mbr", mbrMagicOffset, []byte{0x55, 0xAA}, SignatureMBR},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			path := testFile(t, 64*MiB)
			write(path, c.off, c.data)

			sigs, err := Probe(path)
			require.NoError(t, err)
			assert.Equal(t, []Signature{c.want}, sigs)

			err = TestForMkfs(path, false)
			assert.True(t, errors.Is(err, ErrExistingFilesystem))
			assert.NoError(t, TestForMkfs(path, true))
		})
	}

	_, err = Probe(t.TempDir())
	assert.Error(t, err)

	err = TestForMkfs(filepath.Join(t.TempDir(), "missing"), true)
	var derr *Error
	assert.True(t, errors.As(err, &derr))
}
