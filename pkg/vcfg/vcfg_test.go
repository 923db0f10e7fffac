package vcfg

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vorteil/vmkfs/pkg/btrfs"
	"github.com/vorteil/vmkfs/pkg/mkfs"
)

var testConfig = `
[filesystem]
label = "data"
nodesize = "16K"
byte-count = "1G"
metadata = "raid1"
data = "raid0"
features = ["raid-stripe-tree", "no-holes"]
checksum = "xxhash"

[logging]
format = "json"
verbose = true
`

func TestBytes(t *testing.T) {

	tests := []struct {
		in       string
		expected Bytes
	}{
		{"", 0},
		{"4096", 4096},
		{"0x1000", 4096},
		{"16K", 16 * KiB},
		{"256M", 256 * MiB},
		{"1G", GiB},
		{"2gb", 2 * GiB},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			x, err := ParseBytes(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, x)
		})
	}

	_, err := ParseBytes("lots")
	assert.Error(t, err)

	assert.Equal(t, "1G", GiB.String())
	assert.Equal(t, "256M", (256 * MiB).String())
	assert.Equal(t, "1000", Bytes(1000).String())
}

func TestLoad(t *testing.T) {

	v, err := Load([]byte(testConfig))
	require.NoError(t, err)

	assert.Equal(t, "data", v.Filesystem.Label)
	assert.Equal(t, 16*KiB, v.Filesystem.NodeSize)
	assert.Equal(t, GiB, v.Filesystem.ByteCount)
	assert.Equal(t, []string{"raid-stripe-tree", "no-holes"}, v.Filesystem.Features)
	assert.Equal(t, "json", v.Logging.Format)
	assert.True(t, v.Logging.Verbose)

	_, err = Load([]byte("[filesystem]\nlabl = \"x\"\n"))
	assert.Error(t, err)

	data, err := v.Marshal()
	require.NoError(t, err)
	again, err := Load(data)
	require.NoError(t, err)
	assert.Equal(t, v, again)
}

func TestLoadFilepath(t *testing.T) {

	dir := t.TempDir()

	v, err := LoadFilepath(filepath.Join(dir, "missing.toml"), true)
	require.NoError(t, err)
	assert.Equal(t, new(VCFG), v)

	_, err = LoadFilepath(filepath.Join(dir, "missing.toml"), false)
	assert.Error(t, err)

	path := filepath.Join(dir, "conf.toml")
	require.NoError(t, ioutil.WriteFile(path, []byte(testConfig), 0644))
	v, err = LoadFilepath(path, false)
	require.NoError(t, err)
	assert.Equal(t, "raid1", v.Filesystem.Metadata)
}

func TestMerge(t *testing.T) {

	a, err := Load([]byte(testConfig))
	require.NoError(t, err)

	b := &VCFG{Filesystem: Filesystem{
		Label:    "override",
		Data:     "single",
		Features: []string{"Extent-Tree-V2", "no-holes"},
		Force:    true,
	}}

	merged, err := Merge(a, b)
	require.NoError(t, err)

	assert.Equal(t, "override", merged.Filesystem.Label)
	assert.Equal(t, "single", merged.Filesystem.Data)
	assert.Equal(t, "raid1", merged.Filesystem.Metadata)
	assert.Equal(t, 16*KiB, merged.Filesystem.NodeSize)
	assert.True(t, merged.Filesystem.Force)
	assert.Equal(t, []string{"extent-tree-v2", "no-holes", "raid-stripe-tree"}, merged.Filesystem.Features)
}

func TestMergeLeavesArguments(t *testing.T) {

	a, err := Load([]byte(testConfig))
	require.NoError(t, err)
	orig, err := Load([]byte(testConfig))
	require.NoError(t, err)

	b := &VCFG{Filesystem: Filesystem{Label: "override", Features: []string{"no-holes"}}}

	merged, err := Merge(a, b)
	require.NoError(t, err)
	assert.Equal(t, "override", merged.Filesystem.Label)
	assert.Equal(t, orig, a)
	assert.Equal(t, &VCFG{Filesystem: Filesystem{Label: "override", Features: []string{"no-holes"}}}, b)

	merged.Filesystem.Features[0] = "changed"
	assert.Equal(t, orig.Filesystem.Features, a.Filesystem.Features)
}

func TestOptions(t *testing.T) {

	v, err := Load([]byte(testConfig))
	require.NoError(t, err)

	opts, err := v.Options()
	require.NoError(t, err)

	assert.Equal(t, "data", opts.Label)
	assert.Equal(t, uint32(16384), opts.NodeSize)
	assert.Equal(t, uint64(GiB), opts.ByteCount)
	assert.Equal(t, mkfs.RAID1, opts.MetadataProfile)
	assert.Equal(t, mkfs.RAID0, opts.DataProfile)
	assert.Equal(t, btrfs.CsumXXHash, opts.Checksum)
	assert.NotZero(t, opts.Features.Incompat&btrfs.FeatureIncompatRaidStripeTree)
	assert.NotZero(t, opts.Features.Incompat&btrfs.FeatureIncompatNoHoles)

	v.Filesystem.Metadata = "raid7"
	_, err = v.Options()
	assert.Error(t, err)

	v.Filesystem.Metadata = ""
	v.Filesystem.Features = []string{"warp-drive"}
	_, err = v.Options()
	assert.Error(t, err)
}
