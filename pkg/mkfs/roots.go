package mkfs

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/vorteil/vmkfs/pkg/btrfs"
	"github.com/vorteil/vmkfs/pkg/ctree"
)

const defaultSubvolName = "default"

func treeKey(objectid, offset uint64) btrfs.Key {
	return btrfs.Key{ObjectID: objectid, Type: btrfs.RootItemKey, Offset: offset}
}

// setupRaidStripeTree creates the empty raid stripe tree.
func setupRaidStripeTree(fs *ctree.FSInfo) error {
	return withTransaction(fs, func(trans *ctree.Transaction) error {
		_, err := ctree.CreateTree(trans, treeKey(btrfs.RaidStripeTreeObjectID, 0))
		return err
	})
}

// setupRemapTree creates the empty remap tree. Its root lives in the
// superblock rather than the tree root.
func setupRemapTree(fs *ctree.FSInfo) error {
	return withTransaction(fs, func(trans *ctree.Transaction) error {
		r, err := ctree.CreateTree(trans, treeKey(btrfs.RemapTreeObjectID, 0))
		if err != nil {
			return err
		}
		sb := fs.Super()
		sb.RemapRoot = r.Bytenr()
		sb.RemapRootGeneration = r.Generation()
		sb.RemapRootLevel = r.Level()
		return nil
	})
}

// createGlobalRoots adds shards 1 to n-1 of the extent, checksum and free
// space trees. Shard 0 of each exists from the bootstrap.
func createGlobalRoots(trans *ctree.Transaction, n int) error {

	fs := trans.FS()

	objectids := []uint64{btrfs.ExtentTreeObjectID, btrfs.CsumTreeObjectID}
	if fs.HasCompatRO(btrfs.FeatureCompatROFreeSpaceTree) {
		objectids = append(objectids, btrfs.FreeSpaceTreeObjectID)
	}

	for shard := 1; shard < n; shard++ {
		for _, objectid := range objectids {
			_, err := ctree.CreateTree(trans, treeKey(objectid, uint64(shard)))
			if err != nil {
				return err
			}
		}
	}

	fs.Super().NrGlobalRoots = uint64(n)

	return nil
}

func timespec(t time.Time) btrfs.Timespec {
	return btrfs.Timespec{Sec: uint64(t.Unix()), Nsec: uint32(t.Nanosecond())}
}

// makeDirInode inserts an empty directory inode with a ".." reference to
// itself.
func makeDirInode(trans *ctree.Transaction, r *ctree.Root, objectid uint64) error {

	now := timespec(time.Now())
	ii := btrfs.InodeItem{
		Generation: trans.Transid,
		TransID:    trans.Transid,
		NBytes:     uint64(trans.FS().NodeSize()),
		NLink:      1,
		Mode:       0o40755,
		ATime:      now,
		CTime:      now,
		MTime:      now,
		OTime:      now,
	}

	key := btrfs.Key{ObjectID: objectid, Type: btrfs.InodeItemKey}
	err := ctree.InsertItem(trans, r, key, btrfs.Marshal(&ii))
	if err != nil {
		return err
	}

	key = btrfs.Key{ObjectID: objectid, Type: btrfs.InodeRefKey, Offset: objectid}
	return ctree.InsertItem(trans, r, key, btrfs.InodeRefData(0, ".."))
}

// makeRootDir creates the root directory of the tree root and of the
// default subvolume, and links the subvolume into the former as
// "default".
func makeRootDir(trans *ctree.Transaction) error {

	fs := trans.FS()
	tree := fs.TreeRoot()
	dirid := fs.Super().RootDirObjectID

	err := makeDirInode(trans, tree, dirid)
	if err != nil {
		return err
	}

	err = makeDirInode(trans, fs.FSRoot(), btrfs.FirstFreeObjectID)
	if err != nil {
		return err
	}

	di := btrfs.DirItem{
		Location: btrfs.Key{ObjectID: btrfs.FSTreeObjectID, Type: btrfs.RootItemKey, Offset: ^uint64(0)},
		TransID:  trans.Transid,
		Type:     btrfs.FTDir,
	}
	key := btrfs.Key{ObjectID: dirid, Type: btrfs.DirItemKey, Offset: btrfs.NameHash(defaultSubvolName)}
	err = ctree.InsertItem(trans, tree, key, btrfs.DirItemData(di, defaultSubvolName))
	if err != nil {
		return err
	}

	key = btrfs.Key{ObjectID: btrfs.FSTreeObjectID, Type: btrfs.InodeRefKey, Offset: dirid}
	return ctree.InsertItem(trans, tree, key, btrfs.InodeRefData(0, defaultSubvolName))
}

// makeDataRelocTree creates the data relocation tree with its root
// directory.
func makeDataRelocTree(trans *ctree.Transaction) error {

	r, err := ctree.CreateTree(trans, treeKey(btrfs.DataRelocTreeObjectID, 0))
	if err != nil {
		return err
	}

	return makeDirInode(trans, r, btrfs.FirstFreeObjectID)
}

func isSubvolume(objectid uint64) bool {
	return objectid == btrfs.FSTreeObjectID ||
		(objectid >= btrfs.FirstFreeObjectID && objectid <= ^uint64(0)-255)
}

func uuidKey(id uuid.UUID, typ uint8) btrfs.Key {
	return btrfs.Key{
		ObjectID: binary.LittleEndian.Uint64(id[:8]),
		Type:     typ,
		Offset:   binary.LittleEndian.Uint64(id[8:]),
	}
}

// rebuildUUIDTree creates the uuid tree if needed and records the uuid of
// every subvolume in it.
func rebuildUUIDTree(fs *ctree.FSInfo) error {
	return withTransaction(fs, func(trans *ctree.Transaction) error {

		var err error
		r := fs.Root(btrfs.UUIDTreeObjectID, 0)
		if r == nil {
			r, err = ctree.CreateTree(trans, treeKey(btrfs.UUIDTreeObjectID, 0))
			if err != nil {
				return err
			}
		}

		for _, sub := range fs.Roots() {
			if !isSubvolume(sub.ObjectID()) || sub.UUID() == uuid.Nil {
				continue
			}

			key := uuidKey(sub.UUID(), btrfs.UUIDKeySubvol)
			data := make([]byte, 8)
			binary.LittleEndian.PutUint64(data, sub.ObjectID())

			err = ctree.InsertItem(trans, r, key, data)
			if errors.Is(err, ctree.ErrExists) {
				err = ctree.UpdateItem(trans, r, key, data)
			}
			if err != nil {
				return err
			}
		}

		fs.Super().UUIDTreeGeneration = trans.Transid

		return nil
	})
}
