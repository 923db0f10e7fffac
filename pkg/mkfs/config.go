package mkfs

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"os"
	"runtime"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/vorteil/vmkfs/pkg/btrfs"
	"github.com/vorteil/vmkfs/pkg/elog"
)

const (
	DefaultNodeSize   = 16384
	DefaultSectorSize = 4096
)

// Features is a set of incompat and compat_ro feature bits.
type Features struct {
	Incompat uint64
	CompatRO uint64
}

// DefaultFeatures are enabled on every filesystem.
var DefaultFeatures = Features{
	Incompat: btrfs.FeatureIncompatMixedBackref |
		btrfs.FeatureIncompatExtendedIref |
		btrfs.FeatureIncompatSkinnyMetadata |
		btrfs.FeatureIncompatNoHoles,
	CompatRO: btrfs.FeatureCompatROFreeSpaceTree |
		btrfs.FeatureCompatROFreeSpaceTreeValid,
}

var featureNames = []struct {
	name string
	Features
}{
	{"mixed-bg", Features{Incompat: btrfs.FeatureIncompatMixedGroups}},
	{"extref", Features{Incompat: btrfs.FeatureIncompatExtendedIref}},
	{"raid56", Features{Incompat: btrfs.FeatureIncompatRAID56}},
	{"skinny-metadata", Features{Incompat: btrfs.FeatureIncompatSkinnyMetadata}},
	{"no-holes", Features{Incompat: btrfs.FeatureIncompatNoHoles}},
	{"metadata-uuid", Features{Incompat: btrfs.FeatureIncompatMetadataUUID}},
	{"raid1c34", Features{Incompat: btrfs.FeatureIncompatRAID1C34}},
	{"zoned", Features{Incompat: btrfs.FeatureIncompatZoned}},
	{"extent-tree-v2", Features{Incompat: btrfs.FeatureIncompatExtentTreeV2}},
	{"raid-stripe-tree", Features{Incompat: btrfs.FeatureIncompatRaidStripeTree}},
	{"squota", Features{Incompat: btrfs.FeatureIncompatSimpleQuota}},
	{"remap-tree", Features{Incompat: btrfs.FeatureIncompatRemapTree}},
	{"big-metadata", Features{Incompat: btrfs.FeatureIncompatBigMetadata}},
	{"free-space-tree", Features{CompatRO: btrfs.FeatureCompatROFreeSpaceTree | btrfs.FeatureCompatROFreeSpaceTreeValid}},
	{"block-group-tree", Features{CompatRO: btrfs.FeatureCompatROBlockGroupTree}},
}

// ParseFeature resolves a feature name.
func ParseFeature(name string) (Features, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, f := range featureNames {
		if f.name == name {
			return f.Features, nil
		}
	}
	return Features{}, newError(InvalidArgument, "feature", "unknown feature %q", name)
}

func (f Features) Union(o Features) Features {
	return Features{Incompat: f.Incompat | o.Incompat, CompatRO: f.CompatRO | o.CompatRO}
}

func (f Features) Has(o Features) bool {
	return f.Incompat&o.Incompat == o.Incompat && f.CompatRO&o.CompatRO == o.CompatRO
}

// Names lists the named features present in f, sorted.
func (f Features) Names() []string {
	var names []string
	for _, x := range featureNames {
		if (x.Incompat != 0 || x.CompatRO != 0) && f.Has(x.Features) {
			names = append(names, x.name)
		}
	}
	sort.Strings(names)
	return names
}

func (f Features) String() string {
	return strings.Join(f.Names(), ",")
}

// Options are the caller's construction parameters. Zero values select
// defaults.
type Options struct {
	Label           string
	NodeSize        uint32
	SectorSize      uint32
	ByteCount       uint64
	MetadataProfile Profile
	DataProfile     Profile
	Mixed           bool
	Features        Features
	Checksum        btrfs.CsumType
	UUID            string
	Force           bool
	NoDiscard       bool

	// GlobalRoots is the number of global root shards created with
	// extent-tree-v2. Zero means one per CPU.
	GlobalRoots int

	Logger elog.Logger
}

// Config is the resolved, immutable description of the filesystem to
// build.
type Config struct {
	Label        string
	FSID         uuid.UUID
	NodeSize     uint32
	SectorSize   uint32
	StripeSize   uint32
	Features     Features
	Csum         btrfs.CsumType
	LeafDataSize uint32
	NumBytes     uint64
	ZoneSize     uint64
	GlobalRoots  int

	Devices         int
	Mixed           bool
	MetadataProfile Profile
	DataProfile     Profile
}

func isPowerOfTwo(x uint32) bool {
	return x != 0 && x&(x-1) == 0
}

// NewConfig validates opts for a filesystem on the given number of devices
// and resolves every default.
func NewConfig(opts Options, devices int) (*Config, error) {

	const op = "config"

	if devices < 1 {
		return nil, newError(InvalidArgument, op, "at least one device is required")
	}

	if len(opts.Label) >= btrfs.LabelSize {
		return nil, newError(InvalidArgument, op, "label too long (max %d bytes)", btrfs.LabelSize-1)
	}

	cfg := &Config{
		Label:       opts.Label,
		NodeSize:    opts.NodeSize,
		SectorSize:  opts.SectorSize,
		Csum:        opts.Checksum,
		NumBytes:    opts.ByteCount,
		GlobalRoots: opts.GlobalRoots,
		Devices:     devices,
		Mixed:       opts.Mixed,
	}

	if opts.UUID != "" {
		id, err := uuid.Parse(opts.UUID)
		if err != nil {
			return nil, newError(InvalidArgument, op, "invalid UUID %q: %v", opts.UUID, err)
		}
		cfg.FSID = id
	}

	if cfg.SectorSize == 0 {
		cfg.SectorSize = DefaultSectorSize
	}
	if cfg.NodeSize == 0 {
		cfg.NodeSize = DefaultNodeSize
	}

	pagesize := uint32(os.Getpagesize())
	if !isPowerOfTwo(cfg.SectorSize) || cfg.SectorSize < btrfs.MinSectorSize {
		return nil, newError(InvalidArgument, op, "invalid sectorsize %d", cfg.SectorSize)
	}
	if cfg.SectorSize != btrfs.MinSectorSize && cfg.SectorSize != pagesize {
		return nil, newError(InvalidArgument, op, "sectorsize %d must be %d or the page size %d", cfg.SectorSize, btrfs.MinSectorSize, pagesize)
	}

	if cfg.Mixed {
		cfg.NodeSize = cfg.SectorSize
	}
	if !isPowerOfTwo(cfg.NodeSize) {
		return nil, newError(InvalidArgument, op, "nodesize %d is not a power of two", cfg.NodeSize)
	}
	if cfg.NodeSize < cfg.SectorSize {
		return nil, newError(InvalidArgument, op, "nodesize %d smaller than sectorsize %d", cfg.NodeSize, cfg.SectorSize)
	}
	if cfg.NodeSize > btrfs.MaxNodeSize {
		return nil, newError(InvalidArgument, op, "nodesize %d larger than %d", cfg.NodeSize, btrfs.MaxNodeSize)
	}
	cfg.StripeSize = cfg.SectorSize
	cfg.LeafDataSize = cfg.NodeSize - btrfs.HeaderSize

	if !cfg.Csum.Valid() {
		return nil, newError(InvalidArgument, op, "unsupported checksum type %d", cfg.Csum)
	}

	if !opts.MetadataProfile.Valid() || !opts.DataProfile.Valid() {
		return nil, newError(InvalidProfile, op, "unknown profile")
	}
	if opts.Mixed && opts.DataProfile != ProfileAuto && opts.DataProfile != opts.MetadataProfile {
		return nil, newError(InvalidArgument, op, "mixed block groups need identical profiles, got %s and %s", opts.MetadataProfile, opts.DataProfile)
	}
	cfg.MetadataProfile, cfg.DataProfile = ResolveProfiles(devices, opts.MetadataProfile, opts.DataProfile, opts.Mixed)
	for _, p := range []Profile{cfg.MetadataProfile, cfg.DataProfile} {
		if p.MinDevices() > devices {
			return nil, newError(InvalidArgument, op, "%s needs %d devices, have %d", p, p.MinDevices(), devices)
		}
	}

	if cfg.GlobalRoots == 0 {
		cfg.GlobalRoots = runtime.NumCPU()
	}
	if cfg.GlobalRoots < 1 {
		return nil, newError(InvalidArgument, op, "invalid global root count %d", cfg.GlobalRoots)
	}

	cfg.Features = DefaultFeatures.Union(opts.Features)
	if cfg.Features.Incompat&btrfs.FeatureIncompatZoned != 0 {
		return nil, newError(InvalidArgument, op, "zoned devices are not supported")
	}

	flags := cfg.MetadataProfile.Flags() | cfg.DataProfile.Flags()
	if cfg.Mixed {
		cfg.Features.Incompat |= btrfs.FeatureIncompatMixedGroups
	}
	if flags&btrfs.BlockGroupRAID56Mask != 0 {
		cfg.Features.Incompat |= btrfs.FeatureIncompatRAID56
	}
	if flags&(btrfs.BlockGroupRAID1C3|btrfs.BlockGroupRAID1C4) != 0 {
		cfg.Features.Incompat |= btrfs.FeatureIncompatRAID1C34
	}
	if cfg.NodeSize > pagesize {
		cfg.Features.Incompat |= btrfs.FeatureIncompatBigMetadata
	}
	if cfg.Features.Incompat&btrfs.FeatureIncompatExtentTreeV2 != 0 {
		cfg.Features.CompatRO |= btrfs.FeatureCompatROBlockGroupTree
	}

	return cfg, nil
}

// metaFlags and dataFlags are the profile bits the final block groups
// carry. A mixed filesystem has a single class and uses the metadata
// profile for both.
func (cfg *Config) metaFlags() uint64 {
	return cfg.MetadataProfile.Flags()
}

func (cfg *Config) dataFlags() uint64 {
	if cfg.Mixed {
		return cfg.MetadataProfile.Flags()
	}
	return cfg.DataProfile.Flags()
}

func (cfg *Config) hasIncompat(bits uint64) bool {
	return cfg.Features.Incompat&bits == bits
}
