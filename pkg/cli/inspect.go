package cli

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"code.cloudfoundry.org/bytefmt"
	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"

	"github.com/vorteil/vmkfs/pkg/btrfs"
	"github.com/vorteil/vmkfs/pkg/ctree"
	"github.com/vorteil/vmkfs/pkg/device"
	"github.com/vorteil/vmkfs/pkg/mkfs"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect DEVICE...",
	Short: "Summarize a filesystem",
	Long: `Print the superblock, member devices, trees and block groups of a
filesystem. Every member device must be given, the first one is read for the
superblock.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		err := inspect(args)
		if err != nil {
			SetError(err, exitFailure)
		}
	},
}

func inspect(paths []string) error {

	var devs []ctree.BlockDevice
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		devs = append(devs, f)
	}

	var flags ctree.OpenFlags
	if flagPartial {
		flags |= ctree.OpenTemporarySuper
	}

	fs, err := ctree.Open(devs, flags)
	if err != nil {
		return fmt.Errorf("%s: %w", paths[0], err)
	}
	defer fs.Close()

	if flagDump {
		spew.Fdump(stdout, fs.Super())
		return nil
	}

	sb := fs.Super()
	features := mkfs.Features{Incompat: sb.IncompatFlags, CompatRO: sb.CompatROFlags}

	PlainTable([][]string{
		{"KEY", "VALUE"},
		{"Label:", sb.LabelString()},
		{"UUID:", fs.FSID().String()},
		{"Generation:", strconv.FormatUint(fs.Generation(), 10)},
		{"Size:", bytefmt.ByteSize(sb.TotalBytes)},
		{"Used:", bytefmt.ByteSize(sb.BytesUsed)},
		{"Devices:", strconv.FormatUint(sb.NumDevices, 10)},
		{"Node size:", strconv.FormatUint(fs.NodeSize(), 10)},
		{"Sector size:", strconv.FormatUint(fs.SectorSize(), 10)},
		{"Checksum:", btrfs.CsumType(sb.CsumType).String()},
		{"Features:", strings.Join(features.Names(), ", ")},
	})
	fmt.Fprintln(stdout)

	rows := [][]string{{"Devid", "Size", "Used", "UUID"}}
	for _, d := range fs.Devices() {
		rows = append(rows, []string{
			strconv.FormatUint(d.ID, 10),
			bytefmt.ByteSize(d.TotalBytes),
			bytefmt.ByteSize(d.BytesUsed),
			d.UUID.String(),
		})
	}
	HeaderTable(rows)
	fmt.Fprintln(stdout)

	rows = [][]string{{"Tree", "Bytenr", "Level", "Items"}}
	for _, r := range append([]*ctree.Root{fs.TreeRoot(), fs.ChunkRoot()}, fs.Roots()...) {
		if r == nil {
			continue
		}
		rows = append(rows, []string{
			r.Key.String(),
			strconv.FormatUint(r.Bytenr(), 10),
			strconv.Itoa(int(r.Level())),
			strconv.Itoa(r.NumItems()),
		})
	}
	HeaderTable(rows)
	fmt.Fprintln(stdout)

	rows = [][]string{{"Start", "Length", "Type", "Profile", "Used"}}
	for _, g := range fs.BlockGroups() {
		rows = append(rows, []string{
			strconv.FormatUint(g.Start, 10),
			bytefmt.ByteSize(g.Length),
			mkfs.TypeName(g.Flags),
			mkfs.ProfileFromFlags(g.Flags).String(),
			bytefmt.ByteSize(g.Used()),
		})
	}
	HeaderTable(rows)

	return nil
}

var probeCmd = &cobra.Command{
	Use:   "probe DEVICE...",
	Short: "Look for existing filesystems and partition tables",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {

		rows := [][]string{{"Device", "Signatures"}}
		for _, path := range args {
			sigs, err := device.Probe(path)
			if err != nil {
				SetError(err, exitDevice)
				return
			}
			var names []string
			for _, s := range sigs {
				names = append(names, string(s))
			}
			if len(names) == 0 {
				names = append(names, "none")
			}
			rows = append(rows, []string{path, strings.Join(names, ", ")})
		}

		HeaderTable(rows)
	},
}
