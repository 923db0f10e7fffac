package vcfg

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/imdario/mergo"
	"github.com/mitchellh/go-homedir"
	"github.com/sisatech/toml"
	"github.com/vorteil/vmkfs/pkg/btrfs"
	"github.com/vorteil/vmkfs/pkg/mkfs"
)

// VCFG is the file form of the construction options.
type VCFG struct {
	Filesystem Filesystem `toml:"filesystem,omitempty" json:"filesystem,omitempty"`
	Logging    Logging    `toml:"logging,omitempty" json:"logging,omitempty"`
}

// Filesystem ..
type Filesystem struct {
	Label       string   `toml:"label,omitempty" json:"label,omitempty"`
	UUID        string   `toml:"uuid,omitempty" json:"uuid,omitempty"`
	NodeSize    Bytes    `toml:"nodesize,omitempty" json:"nodesize,omitempty"`
	SectorSize  Bytes    `toml:"sectorsize,omitempty" json:"sectorsize,omitempty"`
	ByteCount   Bytes    `toml:"byte-count,omitempty" json:"byte-count,omitempty"`
	Metadata    string   `toml:"metadata,omitempty" json:"metadata,omitempty"`
	Data        string   `toml:"data,omitempty" json:"data,omitempty"`
	Mixed       bool     `toml:"mixed,omitempty" json:"mixed,omitempty"`
	Features    []string `toml:"features,omitempty" json:"features,omitempty"`
	Checksum    string   `toml:"checksum,omitempty" json:"checksum,omitempty"`
	GlobalRoots int      `toml:"global-roots,omitempty" json:"global-roots,omitempty"`
	Force       bool     `toml:"force,omitempty" json:"force,omitempty"`
	NoDiscard   bool     `toml:"no-discard,omitempty" json:"no-discard,omitempty"`
}

// Logging selects how progress is reported.
type Logging struct {
	Format  string `toml:"format,omitempty" json:"format,omitempty"`
	Verbose bool   `toml:"verbose,omitempty" json:"verbose,omitempty"`
	Debug   bool   `toml:"debug,omitempty" json:"debug,omitempty"`
}

// DefaultPath returns the location of the user's configuration file.
func DefaultPath() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".vmkfs", "conf.toml"), nil
}

// Load ..
func Load(data []byte) (*VCFG, error) {
	vcfg := new(VCFG)
	md, err := toml.Decode(string(data), vcfg)
	if err != nil {
		return nil, err
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		var keys []string
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("unknown configuration keys: %s", strings.Join(keys, ", "))
	}

	return vcfg, nil
}

// LoadFilepath reads a configuration file. A missing file is not an error
// when optional is set.
func LoadFilepath(path string, optional bool) (*VCFG, error) {

	data, err := ioutil.ReadFile(path)
	if err != nil {
		if optional && os.IsNotExist(err) {
			return new(VCFG), nil
		}
		return nil, err
	}

	vcfg, err := Load(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return vcfg, nil
}

// Merge returns a copy of a with every field set in b overriding it.
// Features are combined. Neither argument is modified. A false bool in b
// is indistinguishable from an unset one and never overrides a.
func Merge(a, b *VCFG) (*VCFG, error) {

	c := *a
	c.Filesystem.Features = nil

	err := mergo.Merge(&c, b, mergo.WithOverride)
	if err != nil {
		return nil, err
	}

	c.Filesystem.Features = mergeStringArray(a.Filesystem.Features, b.Filesystem.Features)

	return &c, nil
}

func mergeStringArray(x ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, l := range x {
		for _, s := range l {
			s = strings.ToLower(strings.TrimSpace(s))
			if s == "" || seen[s] {
				continue
			}
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// Marshal ..
func (vcfg *VCFG) Marshal() ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := toml.NewEncoder(buf)
	err := enc.Encode(vcfg)
	return buf.Bytes(), err
}

// Options converts the configuration into construction options.
func (vcfg *VCFG) Options() (mkfs.Options, error) {

	fs := vcfg.Filesystem

	opts := mkfs.Options{
		Label:       fs.Label,
		UUID:        fs.UUID,
		NodeSize:    uint32(fs.NodeSize),
		SectorSize:  uint32(fs.SectorSize),
		ByteCount:   uint64(fs.ByteCount),
		Mixed:       fs.Mixed,
		GlobalRoots: fs.GlobalRoots,
		Force:       fs.Force,
		NoDiscard:   fs.NoDiscard,
	}

	if fs.NodeSize > math.MaxUint32 || fs.SectorSize > math.MaxUint32 {
		return opts, fmt.Errorf("block size out of range")
	}

	var err error
	opts.MetadataProfile, err = mkfs.ParseProfile(fs.Metadata)
	if err != nil {
		return opts, err
	}

	opts.DataProfile, err = mkfs.ParseProfile(fs.Data)
	if err != nil {
		return opts, err
	}

	for _, name := range fs.Features {
		f, err := mkfs.ParseFeature(name)
		if err != nil {
			return opts, err
		}
		opts.Features = opts.Features.Union(f)
	}

	if fs.Checksum != "" {
		opts.Checksum, err = btrfs.ParseCsumType(fs.Checksum)
		if err != nil {
			return opts, err
		}
	}

	return opts, nil
}
