package mkfs

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"github.com/vorteil/vmkfs/pkg/btrfs"
	"github.com/vorteil/vmkfs/pkg/ctree"
)

// isTempBlockGroup reports whether a block group was only needed while the
// filesystem had a single device: it is empty and its profile differs from
// the final profile of its type. Remap groups are never temporary.
func isTempBlockGroup(bgi *btrfs.BlockGroupItem, data, meta, sys uint64) bool {

	if bgi.Used != 0 {
		return false
	}

	profile := bgi.Flags & btrfs.BlockGroupProfileMask

	switch bgi.Flags & btrfs.BlockGroupTypeMask {
	case btrfs.BlockGroupData, btrfs.BlockGroupData | btrfs.BlockGroupMetadata:
		return profile != data
	case btrfs.BlockGroupMetadata:
		return profile != meta
	case btrfs.BlockGroupSystem:
		return profile != sys
	}

	return false
}

// cleanupTempChunks removes every temporary block group together with its
// chunk and subtracts it from alloc. For a mixed filesystem pass the
// metadata profile as data. It returns the number of groups removed.
func cleanupTempChunks(fs *ctree.FSInfo, alloc *Allocation, data, meta, sys uint64) (int, error) {

	trans, err := fs.StartTransaction()
	if err != nil {
		return 0, err
	}

	n, err := removeTempGroups(trans, alloc, data, meta, sys)
	if err != nil {
		trans.Abort(err)
		return n, err
	}

	err = trans.Commit()
	if err != nil {
		return n, err
	}

	return n, nil
}

func removeTempGroups(trans *ctree.Transaction, alloc *Allocation, data, meta, sys uint64) (int, error) {

	fs := trans.FS()
	root := fs.BlockGroupRoot()

	var n int
	key := btrfs.Key{Type: btrfs.BlockGroupItemKey}

	for {
		path, err := ctree.SearchSlot(nil, root, key, false)
		if err != nil {
			return n, err
		}

		for !path.Valid() {
			if !path.NextLeaf() {
				return n, nil
			}
		}

		found := path.Key()
		if found.ObjectID < key.ObjectID {
			return n, nil
		}

		for found.Type != btrfs.BlockGroupItemKey {
			if !path.NextItem() {
				return n, nil
			}
			found = path.Key()
		}

		bgi := new(btrfs.BlockGroupItem)
		err = btrfs.Unmarshal(path.Data(), bgi)
		if err != nil {
			return n, err
		}

		if isTempBlockGroup(bgi, data, meta, sys) {
			err = fs.RemoveBlockGroup(trans, found.ObjectID, found.Offset)
			if err != nil {
				return n, err
			}
			err = alloc.sub(bgi.Flags, found.Offset)
			if err != nil {
				return n, err
			}
			n++
			fs.Log.Debugf("reclaimed temporary %s chunk %d+%d", TypeName(bgi.Flags), found.ObjectID, found.Offset)
		}

		key = btrfs.Key{ObjectID: found.ObjectID + found.Offset, Type: btrfs.BlockGroupItemKey}
	}
}
