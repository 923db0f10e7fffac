package cli

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"code.cloudfoundry.org/bytefmt"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/vorteil/vmkfs/pkg/btrfs"
	"github.com/vorteil/vmkfs/pkg/flag"
	"github.com/vorteil/vmkfs/pkg/mkfs"
	"github.com/vorteil/vmkfs/pkg/vcfg"
)

func validateBytes(f flag.StringFlag) error {
	_, err := vcfg.ParseBytes(f.Value)
	return err
}

func validateProfile(f flag.StringFlag) error {
	_, err := mkfs.ParseProfile(f.Value)
	return err
}

var (
	flagLabel = flag.NewStringFlag("label", "filesystem label", false, func(f flag.StringFlag) error {
		if len(f.Value) >= btrfs.LabelSize {
			return fmt.Errorf("label must be shorter than %d bytes", btrfs.LabelSize)
		}
		return nil
	})
	flagUUID = flag.NewStringFlag("uuid", "filesystem uuid (random if unset)", false, func(f flag.StringFlag) error {
		if f.Value == "" {
			return nil
		}
		_, err := uuid.Parse(f.Value)
		return err
	})
	flagNodeSize   = flag.NewStringFlag("nodesize", "size of a tree block", false, validateBytes)
	flagSectorSize = flag.NewStringFlag("sectorsize", "size of a data block", false, validateBytes)
	flagByteCount  = flag.NewStringFlag("byte-count", "use only this many bytes of each device", false, validateBytes)
	flagMetadata   = flag.StringFlag{
		Part:     flag.NewShortFlagPart("metadata", "m", "metadata profile (single, dup, raid0, raid1, raid1c3, raid1c4, raid10, raid5, raid6)"),
		Validate: validateProfile,
	}
	flagData     = flag.NewStringFlag("data", "data profile", false, validateProfile)
	flagMixed    = flag.NewBoolFlag("mixed", "mix data and metadata in the same block groups", false, nil)
	flagFeatures = flag.StringSliceFlag{
		Part: flag.NewShortFlagPart("features", "O", "comma separated list of filesystem features"),
		Validate: func(f flag.StringSliceFlag) error {
			for _, name := range f.Value {
				_, err := mkfs.ParseFeature(name)
				if err != nil {
					return err
				}
			}
			return nil
		},
	}
	flagChecksum = flag.NewStringFlag("checksum", "checksum algorithm (crc32c, xxhash, sha256, blake2)", false, func(f flag.StringFlag) error {
		_, err := btrfs.ParseCsumType(f.Value)
		return err
	})
	flagGlobalRoots = flag.NewUintFlag("global-roots", "number of extent and checksum tree shards", true, nil)
	flagForce       = flag.BoolFlag{Part: flag.NewShortFlagPart("force", "f", "overwrite existing filesystems")}
	flagNoDiscard   = flag.BoolFlag{Part: flag.NewShortFlagPart("nodiscard", "K", "do not discard device contents")}
)

var mkfsFlags = flag.FlagsList{
	&flagLabel, &flagUUID, &flagNodeSize, &flagSectorSize, &flagByteCount,
	&flagMetadata, &flagData, &flagMixed, &flagFeatures, &flagChecksum,
	&flagGlobalRoots, &flagForce, &flagNoDiscard,
}

// flagsConfig returns a configuration holding only the flags set on the
// command line.
func flagsConfig(flagSet *pflag.FlagSet) (*vcfg.VCFG, error) {

	err := mkfsFlags.Validate()
	if err != nil {
		return nil, err
	}

	cfg := new(vcfg.VCFG)
	fs := &cfg.Filesystem

	for _, key := range mkfsFlags.Changed(flagSet) {
		switch key {
		case "label":
			fs.Label = flagLabel.Value
		case "uuid":
			fs.UUID = flagUUID.Value
		case "nodesize":
			fs.NodeSize, _ = vcfg.ParseBytes(flagNodeSize.Value)
		case "sectorsize":
			fs.SectorSize, _ = vcfg.ParseBytes(flagSectorSize.Value)
		case "byte-count":
			fs.ByteCount, _ = vcfg.ParseBytes(flagByteCount.Value)
		case "metadata":
			fs.Metadata = flagMetadata.Value
		case "data":
			fs.Data = flagData.Value
		case "mixed":
			fs.Mixed = flagMixed.Value
		case "features":
			fs.Features = flagFeatures.Value
		case "checksum":
			fs.Checksum = flagChecksum.Value
		case "global-roots":
			fs.GlobalRoots = int(flagGlobalRoots.Value)
		case "force":
			fs.Force = flagForce.Value
		case "nodiscard":
			fs.NoDiscard = flagNoDiscard.Value
		}
	}

	return cfg, nil
}

// applyBoolFlags copies the bool flags set on the command line into cfg.
// Merging cannot carry them since a false value looks unset.
func applyBoolFlags(cfg *vcfg.VCFG, flagSet *pflag.FlagSet) {
	fs := &cfg.Filesystem
	for _, key := range mkfsFlags.Changed(flagSet) {
		switch key {
		case "mixed":
			fs.Mixed = flagMixed.Value
		case "force":
			fs.Force = flagForce.Value
		case "nodiscard":
			fs.NoDiscard = flagNoDiscard.Value
		}
	}
}

func usageError(err error) error {
	var e *mkfs.Error
	if errors.As(err, &e) {
		return err
	}
	return &mkfs.Error{Kind: mkfs.InvalidArgument, Op: "arguments", Err: err}
}

// resolveConfig layers the flags set on the command line over the loaded
// configuration without modifying it.
func resolveConfig(flagSet *pflag.FlagSet) (*vcfg.VCFG, error) {

	override, err := flagsConfig(flagSet)
	if err != nil {
		return nil, err
	}

	base := conf
	if base == nil {
		base = new(vcfg.VCFG)
	}

	cfg, err := vcfg.Merge(base, override)
	if err != nil {
		return nil, err
	}
	applyBoolFlags(cfg, flagSet)

	return cfg, nil
}

func runMkfs(cmd *cobra.Command, args []string) error {

	cfg, err := resolveConfig(cmd.Flags())
	if err != nil {
		return usageError(err)
	}

	opts, err := cfg.Options()
	if err != nil {
		return usageError(err)
	}
	opts.Logger = log

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	res, err := mkfs.Make(ctx, args, opts)
	if err != nil {
		return err
	}

	return printResult(cfg, args, res)
}

type resultSummary struct {
	UUID     string   `json:"uuid"`
	Label    string   `json:"label,omitempty"`
	Devices  []string `json:"devices"`
	Size     uint64   `json:"size"`
	Metadata string   `json:"metadata"`
	Data     string   `json:"data"`
	Features []string `json:"features"`

	Allocation struct {
		System   uint64 `json:"system"`
		Metadata uint64 `json:"metadata"`
		Data     uint64 `json:"data"`
		Mixed    uint64 `json:"mixed,omitempty"`
		Remap    uint64 `json:"remap,omitempty"`
	} `json:"allocation"`
}

func printResult(cfg *vcfg.VCFG, devices []string, res *mkfs.Result) error {

	s := resultSummary{
		UUID:     res.UUID,
		Label:    cfg.Filesystem.Label,
		Devices:  devices,
		Size:     res.NumBytes,
		Metadata: res.MetadataProfile.String(),
		Data:     res.DataProfile.String(),
		Features: res.Features.Names(),
	}
	s.Allocation.System = res.Allocation.System
	s.Allocation.Metadata = res.Allocation.Metadata
	s.Allocation.Data = res.Allocation.Data
	s.Allocation.Mixed = res.Allocation.Mixed
	s.Allocation.Remap = res.Allocation.Remap

	if flagJSON {
		return printJSON(s)
	}

	PlainTable([][]string{
		{"KEY", "VALUE"},
		{"Label:", s.Label},
		{"UUID:", s.UUID},
		{"Devices:", strings.Join(s.Devices, ", ")},
		{"Filesystem size:", bytefmt.ByteSize(s.Size)},
		{"Metadata profile:", s.Metadata},
		{"Data profile:", s.Data},
		{"Features:", strings.Join(s.Features, ", ")},
	})

	fmt.Fprintln(stdout)

	rows := [][]string{{"Block group", "Allocated"}}
	add := func(name string, n uint64) {
		if n > 0 {
			rows = append(rows, []string{name, bytefmt.ByteSize(n)})
		}
	}
	add("System", s.Allocation.System)
	add("Metadata", s.Allocation.Metadata)
	add("Data", s.Allocation.Data)
	add("Data+Metadata", s.Allocation.Mixed)
	add("Metadata remap", s.Allocation.Remap)
	HeaderTable(rows)

	return nil
}
