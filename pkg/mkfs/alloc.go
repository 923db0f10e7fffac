package mkfs

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"

	"github.com/vorteil/vmkfs/pkg/btrfs"
	"github.com/vorteil/vmkfs/pkg/ctree"
)

// Allocation tracks the bytes of block groups created, by type.
type Allocation struct {
	Data     uint64
	Metadata uint64
	Mixed    uint64
	System   uint64
	Remap    uint64
}

func (a *Allocation) counter(flags uint64) (*uint64, error) {
	switch flags & btrfs.BlockGroupTypeMask {
	case btrfs.BlockGroupData:
		return &a.Data, nil
	case btrfs.BlockGroupMetadata:
		return &a.Metadata, nil
	case btrfs.BlockGroupData | btrfs.BlockGroupMetadata:
		return &a.Mixed, nil
	case btrfs.BlockGroupSystem:
		return &a.System, nil
	case btrfs.BlockGroupMetadataRemap:
		return &a.Remap, nil
	}
	return nil, fmt.Errorf("type %#x: %w", flags&btrfs.BlockGroupTypeMask, errUnknownType)
}

func (a *Allocation) add(flags, n uint64) error {
	c, err := a.counter(flags)
	if err != nil {
		return err
	}
	*c += n
	return nil
}

func (a *Allocation) sub(flags, n uint64) error {
	c, err := a.counter(flags)
	if err != nil {
		return err
	}
	if n > *c {
		n = *c
	}
	*c -= n
	return nil
}

// Total returns the sum of every counter.
func (a Allocation) Total() uint64 {
	return a.Data + a.Metadata + a.Mixed + a.System + a.Remap
}

// createOneBlockGroup allocates a chunk of the given type and profile,
// registers its block group and credits it to alloc.
func createOneBlockGroup(trans *ctree.Transaction, flags uint64, alloc *Allocation) (uint64, uint64, error) {

	if _, err := alloc.counter(flags); err != nil {
		return 0, 0, err
	}

	fs := trans.FS()
	fs.UpdateSpaceInfo(flags)

	start, length, err := fs.AllocChunk(trans, flags)
	if err != nil {
		return 0, 0, err
	}

	err = fs.MakeBlockGroup(trans, flags, start, length)
	if err != nil {
		return 0, 0, err
	}

	err = alloc.add(flags, length)
	if err != nil {
		return 0, 0, err
	}

	fs.Log.Debugf("created %s %s block group %d+%d", TypeName(flags), ctree.ProfileName(flags), start, length)

	return start, length, nil
}

// TypeName names the block group type carried by flags.
func TypeName(flags uint64) string {
	switch flags & btrfs.BlockGroupTypeMask {
	case btrfs.BlockGroupData:
		return "data"
	case btrfs.BlockGroupMetadata:
		return "metadata"
	case btrfs.BlockGroupData | btrfs.BlockGroupMetadata:
		return "data+metadata"
	case btrfs.BlockGroupSystem:
		return "system"
	case btrfs.BlockGroupMetadataRemap:
		return "metadata-remap"
	}
	return fmt.Sprintf("type(%#x)", flags&btrfs.BlockGroupTypeMask)
}

// createMetadataBlockGroups creates the first metadata chunk, plus a remap
// chunk when the remap tree is enabled, in a transaction of its own. The
// bootstrap system chunk is credited to alloc first.
func createMetadataBlockGroups(fs *ctree.FSInfo, cfg *Config, alloc *Allocation) error {

	trans, err := fs.StartTransaction()
	if err != nil {
		return err
	}

	if cfg.ZoneSize > 0 {
		alloc.System += cfg.ZoneSize
	} else {
		alloc.System += btrfs.MkfsSystemGroupSize
	}

	flags := btrfs.BlockGroupMetadata
	if cfg.Mixed {
		flags |= btrfs.BlockGroupData
	}

	_, _, err = createOneBlockGroup(trans, flags, alloc)
	if err != nil {
		trans.Abort(err)
		return err
	}

	if cfg.hasIncompat(btrfs.FeatureIncompatRemapTree) {
		_, _, err = createOneBlockGroup(trans, btrfs.BlockGroupMetadataRemap, alloc)
		if err != nil {
			trans.Abort(err)
			return err
		}
	}

	return trans.Commit()
}

// createDataBlockGroups creates the first data chunk of a filesystem
// without mixed block groups.
func createDataBlockGroups(trans *ctree.Transaction, cfg *Config, alloc *Allocation) error {

	if cfg.Mixed {
		return nil
	}

	_, _, err := createOneBlockGroup(trans, btrfs.BlockGroupData, alloc)
	return err
}

// createRaidGroups creates block groups with the final profiles once every
// device is attached. Classes whose profile is single keep their first
// chunk.
func createRaidGroups(trans *ctree.Transaction, cfg *Config, alloc *Allocation) error {

	meta := cfg.metaFlags()
	data := cfg.dataFlags()

	if meta != 0 {
		_, _, err := createOneBlockGroup(trans, btrfs.BlockGroupSystem|meta, alloc)
		if err != nil {
			return err
		}

		flags := btrfs.BlockGroupMetadata | meta
		if cfg.Mixed {
			flags |= btrfs.BlockGroupData
		}
		_, _, err = createOneBlockGroup(trans, flags, alloc)
		if err != nil {
			return err
		}
	}

	if !cfg.Mixed && data != 0 {
		_, _, err := createOneBlockGroup(trans, btrfs.BlockGroupData|data, alloc)
		if err != nil {
			return err
		}
	}

	return nil
}
