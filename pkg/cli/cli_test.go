package cli

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"bytes"
	"errors"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vorteil/vmkfs/pkg/mkfs"
	"github.com/vorteil/vmkfs/pkg/vcfg"
)

func TestExitCode(t *testing.T) {

	tests := []struct {
		err  error
		code int
	}{
		{nil, exitOK},
		{errors.New("plain"), exitFailure},
		{&mkfs.Error{Kind: mkfs.InvalidArgument}, exitUsage},
		{&mkfs.Error{Kind: mkfs.InvalidProfile}, exitUsage},
		{&mkfs.Error{Kind: mkfs.DeviceUnavailable}, exitDevice},
		{&mkfs.Error{Kind: mkfs.NoSpace}, exitNoSpace},
		{&mkfs.Error{Kind: mkfs.TreeStore}, exitFailure},
		{&mkfs.Error{Kind: mkfs.IO}, exitFailure},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.code, exitCode(tt.err), "%v", tt.err)
	}
}

func newMkfsCommand(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	mkfsFlags.AddUnhiddenTo(cmd.Flags())
	require.NoError(t, cmd.Flags().Parse(args))
	return cmd
}

func TestFlagsConfig(t *testing.T) {

	cmd := newMkfsCommand(t, "--label", "boot", "-m", "dup", "--byte-count", "512M",
		"-O", "raid56,no-holes", "--nodesize", "32K", "-f")

	cfg, err := flagsConfig(cmd.Flags())
	require.NoError(t, err)

	fs := cfg.Filesystem
	assert.Equal(t, "boot", fs.Label)
	assert.Equal(t, "dup", fs.Metadata)
	assert.Equal(t, vcfg.Bytes(512*vcfg.MiB), fs.ByteCount)
	assert.Equal(t, vcfg.Bytes(32*vcfg.KiB), fs.NodeSize)
	assert.Equal(t, []string{"raid56", "no-holes"}, fs.Features)
	assert.True(t, fs.Force)
	assert.Empty(t, fs.Data)

	opts, err := cfg.Options()
	require.NoError(t, err)
	assert.Equal(t, mkfs.DUP, opts.MetadataProfile)
	assert.Equal(t, uint32(32768), opts.NodeSize)

	cmd = newMkfsCommand(t, "--metadata", "raid7")
	_, err = flagsConfig(cmd.Flags())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--metadata")
	assert.Equal(t, exitUsage, exitCode(usageError(err)))

	flagMetadata.Value = ""
}

func TestResolveConfig(t *testing.T) {

	conf = &vcfg.VCFG{Filesystem: vcfg.Filesystem{
		Label:     "from-file",
		Metadata:  "dup",
		Mixed:     true,
		Force:     true,
		NoDiscard: true,
	}}
	defer func() { conf = nil }()
	orig := *conf

	cmd := newMkfsCommand(t, "--label", "scratch", "--force=false", "-K=false")
	cfg, err := resolveConfig(cmd.Flags())
	require.NoError(t, err)

	fs := cfg.Filesystem
	assert.Equal(t, "scratch", fs.Label)
	assert.Equal(t, "dup", fs.Metadata)
	assert.True(t, fs.Mixed)
	assert.False(t, fs.Force)
	assert.False(t, fs.NoDiscard)
	assert.Equal(t, orig, *conf)

	opts, err := cfg.Options()
	require.NoError(t, err)
	assert.False(t, opts.Force)
	assert.False(t, opts.NoDiscard)

	cmd = newMkfsCommand(t)
	cfg, err = resolveConfig(cmd.Flags())
	require.NoError(t, err)
	assert.True(t, cfg.Filesystem.Force)
	assert.Equal(t, "from-file", cfg.Filesystem.Label)

	flagLabel.Value = ""
}

func TestLoadConfig(t *testing.T) {

	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "conf.toml")
	require.NoError(t, ioutil.WriteFile(path, []byte(`
[filesystem]
label = "from-file"
metadata = "single"

[logging]
verbose = true
`), 0644))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Filesystem.Label)
	assert.True(t, cfg.Logging.Verbose)
}

func TestRunMkfs(t *testing.T) {

	path := filepath.Join(t.TempDir(), "disk.raw")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(1<<30))
	require.NoError(t, f.Close())

	buf := new(bytes.Buffer)
	stdout = buf
	defer func() { stdout = os.Stdout }()

	conf = &vcfg.VCFG{Filesystem: vcfg.Filesystem{Label: "from-file"}}
	defer func() { conf = nil }()

	cmd := newMkfsCommand(t, "--label", "scratch")
	err = runMkfs(cmd, []string{path})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "scratch")
	assert.Contains(t, buf.String(), "single")

	buf.Reset()
	err = inspect([]string{path})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "scratch")
	assert.Contains(t, buf.String(), "crc32c")

	// the device now carries a filesystem
	err = runMkfs(newMkfsCommand(t), []string{path})
	require.Error(t, err)
	assert.Equal(t, exitUsage, exitCode(err))

	flagLabel.Value = ""
}
