package ctree

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"errors"
	"io"

	"github.com/google/btree"
	"github.com/google/uuid"
	"github.com/vorteil/vmkfs/pkg/btrfs"
	"github.com/vorteil/vmkfs/pkg/elog"
)

var (
	ErrNoSpace            = errors.New("no space left on device")
	ErrNotFound           = errors.New("item not found")
	ErrExists             = errors.New("item already exists")
	ErrAborted            = errors.New("filesystem aborted")
	ErrCorrupt            = errors.New("filesystem corrupt")
	ErrDeviceAlreadyKnown = errors.New("device already part of the filesystem")
	ErrReadOnly           = errors.New("filesystem opened read-only")
	ErrTransaction        = errors.New("invalid transaction state")
	ErrTreeFull           = errors.New("tree exceeds supported depth")
)

// BlockDevice is the storage underneath one member device. *os.File
// satisfies it.
type BlockDevice interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
}

// OpenFlags control how Open treats the filesystem.
type OpenFlags int

const (
	// OpenWrites allows transactions.
	OpenWrites OpenFlags = 1 << iota

	// OpenTemporarySuper accepts, and keeps writing, the temporary magic of
	// a filesystem still under construction.
	OpenTemporarySuper
)

// FSInfo is an open filesystem.
type FSInfo struct {
	Log elog.Logger

	super         btrfs.Superblock
	flags         OpenFlags
	csum          btrfs.CsumType
	nodesize      uint64
	chunkTreeUUID [btrfs.UUIDSize]byte

	devices    []*Device
	chunks     *btree.BTreeG[*chunkMap]
	groups     *btree.BTreeG[*BlockGroup]
	spaceInfos map[uint64]*SpaceInfo

	roots     *btree.BTreeG[*Root]
	treeRoot  *Root
	chunkRoot *Root
	remapRoot *Root

	running   *Transaction
	pinned    []uint64
	aborted   error
	finalized bool
	closed    bool
}

func newFSInfo() *FSInfo {
	return &FSInfo{
		Log: elog.Discard(),
		chunks: btree.NewG(8, func(a, b *chunkMap) bool {
			return a.start < b.start
		}),
		groups: btree.NewG(8, func(a, b *BlockGroup) bool {
			return a.Start < b.Start
		}),
		roots: btree.NewG(8, func(a, b *Root) bool {
			return a.Key.Less(b.Key)
		}),
		spaceInfos: make(map[uint64]*SpaceInfo),
	}
}

// Super returns the in-memory superblock. Changes are written by the next
// commit.
func (fs *FSInfo) Super() *btrfs.Superblock {
	return &fs.super
}

func (fs *FSInfo) NodeSize() uint64 {
	return fs.nodesize
}

func (fs *FSInfo) SectorSize() uint64 {
	return uint64(fs.super.SectorSize)
}

// Generation returns the generation of the last committed transaction.
func (fs *FSInfo) Generation() uint64 {
	return fs.super.Generation
}

func (fs *FSInfo) FSID() uuid.UUID {
	return uuid.UUID(fs.super.FSID)
}

func (fs *FSInfo) TotalBytes() uint64 {
	return fs.super.TotalBytes
}

func (fs *FSInfo) HasIncompat(bits uint64) bool {
	return fs.super.IncompatFlags&bits == bits
}

func (fs *FSInfo) HasCompatRO(bits uint64) bool {
	return fs.super.CompatROFlags&bits == bits
}

// Aborted returns the error that aborted the filesystem, if any.
func (fs *FSInfo) Aborted() error {
	return fs.aborted
}

// SetFinalized marks construction complete; Close then writes the real
// magic.
func (fs *FSInfo) SetFinalized() {
	fs.finalized = true
}

func (fs *FSInfo) Devices() []*Device {
	return append([]*Device(nil), fs.devices...)
}

// BlockGroups returns every block group in logical order.
func (fs *FSInfo) BlockGroups() []*BlockGroup {
	var list []*BlockGroup
	fs.groups.Ascend(func(g *BlockGroup) bool {
		list = append(list, g)
		return true
	})
	return list
}

// Root returns the tree (objectid, offset), or nil.
func (fs *FSInfo) Root(objectid, offset uint64) *Root {
	switch objectid {
	case btrfs.RootTreeObjectID:
		return fs.treeRoot
	case btrfs.ChunkTreeObjectID:
		return fs.chunkRoot
	case btrfs.RemapTreeObjectID:
		return fs.remapRoot
	}
	r, _ := fs.roots.Get(&Root{Key: rootKey(objectid, offset)})
	return r
}

func (fs *FSInfo) TreeRoot() *Root  { return fs.treeRoot }
func (fs *FSInfo) ChunkRoot() *Root { return fs.chunkRoot }
func (fs *FSInfo) RemapRoot() *Root { return fs.remapRoot }

func (fs *FSInfo) ExtentRoot() *Root {
	return fs.Root(btrfs.ExtentTreeObjectID, 0)
}

func (fs *FSInfo) DevRoot() *Root {
	return fs.Root(btrfs.DevTreeObjectID, 0)
}

func (fs *FSInfo) FSRoot() *Root {
	return fs.Root(btrfs.FSTreeObjectID, 0)
}

// BlockGroupRoot returns the tree holding block group items: the block
// group tree when that feature is enabled, else the extent tree.
func (fs *FSInfo) BlockGroupRoot() *Root {
	if fs.HasCompatRO(btrfs.FeatureCompatROBlockGroupTree) {
		return fs.Root(btrfs.BlockGroupTreeObjectID, 0)
	}
	return fs.ExtentRoot()
}

func isGlobalRoot(objectid uint64) bool {
	switch objectid {
	case btrfs.ExtentTreeObjectID, btrfs.CsumTreeObjectID, btrfs.FreeSpaceTreeObjectID:
		return true
	}
	return false
}

// GlobalRoots returns every shard of the extent, checksum and free space
// trees.
func (fs *FSInfo) GlobalRoots() []*Root {
	var list []*Root
	fs.roots.Ascend(func(r *Root) bool {
		if isGlobalRoot(r.Key.ObjectID) {
			list = append(list, r)
		}
		return true
	})
	return list
}

// Roots returns every tree recorded in the tree root, in key order.
func (fs *FSInfo) Roots() []*Root {
	var list []*Root
	fs.roots.Ascend(func(r *Root) bool {
		list = append(list, r)
		return true
	})
	return list
}

// allRoots includes the trees whose pointers live in the superblock.
func (fs *FSInfo) allRoots() []*Root {
	list := []*Root{fs.treeRoot, fs.chunkRoot}
	if fs.remapRoot != nil {
		list = append(list, fs.remapRoot)
	}
	return append(list, fs.Roots()...)
}

func rootKey(objectid, offset uint64) btrfs.Key {
	return btrfs.Key{ObjectID: objectid, Type: btrfs.RootItemKey, Offset: offset}
}
