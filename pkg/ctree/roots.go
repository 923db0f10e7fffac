package ctree

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"
	"time"

	"github.com/google/btree"
	"github.com/google/uuid"
	"github.com/vorteil/vmkfs/pkg/btrfs"
)

// Root is one tree: an ordered set of leaves and, once there is more than
// one leaf, levels of nodes above them. nodes[i] holds the blocks of level
// i+1; the last level is a single block.
type Root struct {
	Key btrfs.Key

	fs     *FSInfo
	item   btrfs.RootItem
	nodes  [][]*block
	leaves *btree.BTreeG[*block]
	dirty  bool
}

func newRoot(fs *FSInfo, key btrfs.Key) *Root {
	return &Root{
		Key: key,
		fs:  fs,
		leaves: btree.NewG(4, func(a, b *block) bool {
			return a.first.Less(b.first)
		}),
	}
}

func (r *Root) ObjectID() uint64 {
	return r.Key.ObjectID
}

func (r *Root) rootBlock() *block {
	if n := len(r.nodes); n > 0 {
		return r.nodes[n-1][0]
	}
	l, _ := r.leaves.Min()
	return l
}

// Bytenr returns the logical address of the tree's top block.
func (r *Root) Bytenr() uint64 {
	return r.rootBlock().bytenr
}

func (r *Root) Level() uint8 {
	return r.rootBlock().level
}

// Generation returns the generation of the tree's top block.
func (r *Root) Generation() uint64 {
	return r.rootBlock().generation
}

// NumBlocks returns the number of tree blocks in the tree.
func (r *Root) NumBlocks() int {
	n := r.leaves.Len()
	for _, level := range r.nodes {
		n += len(level)
	}
	return n
}

// NumItems returns the number of items in the tree.
func (r *Root) NumItems() int {
	n := 0
	r.leaves.Ascend(func(l *block) bool {
		n += len(l.items)
		return true
	})
	return n
}

// UUID returns the subvolume uuid recorded in the root item.
func (r *Root) UUID() uuid.UUID {
	return uuid.UUID(r.item.UUID)
}

// Item returns the root item as it will next be written.
func (r *Root) Item() btrfs.RootItem {
	ri := r.item
	b := r.rootBlock()
	ri.Bytenr = b.bytenr
	ri.Level = b.level
	ri.Generation = b.generation
	ri.GenerationV2 = b.generation
	ri.BytesUsed = uint64(r.NumBlocks()) * r.fs.nodesize
	return ri
}

func (r *Root) blocks() []*block {
	var list []*block
	for i := len(r.nodes) - 1; i >= 0; i-- {
		list = append(list, r.nodes[i]...)
	}
	r.leaves.Ascend(func(l *block) bool {
		list = append(list, l)
		return true
	})
	return list
}

func (r *Root) leafList() []*block {
	var list []*block
	r.leaves.Ascend(func(l *block) bool {
		list = append(list, l)
		return true
	})
	return list
}

// Ascend calls fn for every item with a key not less than from, in key
// order, until fn returns false.
func (r *Root) Ascend(from btrfs.Key, fn func(key btrfs.Key, data []byte) bool) {
	start := r.leafFor(from)
	r.leaves.AscendGreaterOrEqual(start, func(l *block) bool {
		for _, it := range l.items {
			if it.key.Less(from) {
				continue
			}
			if !fn(it.key, it.data) {
				return false
			}
		}
		return true
	})
}

// isFSTree reports whether objectid names a subvolume.
func isFSTree(objectid uint64) bool {
	return objectid == btrfs.FSTreeObjectID ||
		(objectid >= btrfs.FirstFreeObjectID && objectid <= ^uint64(0)-255)
}

func (fs *FSInfo) defaultRootItem(objectid, transid uint64) btrfs.RootItem {
	now := time.Now()
	ts := btrfs.Timespec{Sec: uint64(now.Unix()), Nsec: uint32(now.Nanosecond())}
	ri := btrfs.RootItem{
		Inode: btrfs.InodeItem{
			Generation: 1,
			Size:       3,
			NBytes:     fs.nodesize,
			NLink:      1,
			Mode:       0o40755,
		},
		Refs:     1,
		CTransID: transid,
		OTransID: transid,
		CTime:    ts,
		OTime:    ts,
	}
	if isFSTree(objectid) || objectid == btrfs.DataRelocTreeObjectID {
		ri.RootDirID = btrfs.FirstFreeObjectID
	}
	if isFSTree(objectid) {
		ri.UUID = uuid.New()
	}
	return ri
}

// CreateTree creates an empty tree and records it in the tree root, or in
// the superblock for the remap tree.
func CreateTree(trans *Transaction, key btrfs.Key) (*Root, error) {

	fs := trans.fs
	err := trans.check(fs)
	if err != nil {
		return nil, err
	}

	if key.Type != btrfs.RootItemKey {
		return nil, fmt.Errorf("tree key %v is not a root item", key)
	}
	if fs.Root(key.ObjectID, key.Offset) != nil {
		return nil, fmt.Errorf("tree %v: %w", key, ErrExists)
	}

	r := newRoot(fs, key)
	bytenr, err := fs.allocTreeBlock(key.ObjectID)
	if err != nil {
		return nil, err
	}
	r.leaves.ReplaceOrInsert(&block{
		bytenr:     bytenr,
		generation: trans.Transid,
		dirty:      true,
	})
	r.item = fs.defaultRootItem(key.ObjectID, trans.Transid)
	r.dirty = true

	switch key.ObjectID {
	case btrfs.RootTreeObjectID:
		fs.treeRoot = r
	case btrfs.ChunkTreeObjectID:
		fs.chunkRoot = r
	case btrfs.RemapTreeObjectID:
		fs.remapRoot = r
	default:
		ri := r.Item()
		err = InsertItem(trans, fs.treeRoot, key, btrfs.Marshal(&ri))
		if err != nil {
			return nil, err
		}
		fs.roots.ReplaceOrInsert(r)
	}

	fs.Log.Debugf("created tree %d/%d at %d", key.ObjectID, key.Offset, bytenr)

	return r, nil
}

// SetRootItem replaces the persistent parts of a tree's root item, such as
// its uuid and inode. Pointer fields are maintained by the tree itself.
func (r *Root) SetRootItem(ri btrfs.RootItem) {
	r.item = ri
	r.dirty = true
}

// updateRootItem writes the tree's current location into its root item.
func (fs *FSInfo) updateRootItem(trans *Transaction, r *Root) error {
	switch r {
	case fs.treeRoot, fs.chunkRoot:
		return nil
	case fs.remapRoot:
		fs.super.RemapRoot = r.Bytenr()
		fs.super.RemapRootGeneration = r.Generation()
		fs.super.RemapRootLevel = r.Level()
		return nil
	}
	ri := r.Item()
	return UpdateItem(trans, fs.treeRoot, r.Key, btrfs.Marshal(&ri))
}
