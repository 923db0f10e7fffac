package ctree

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/vorteil/vmkfs/pkg/btrfs"
)

// Open reads an existing filesystem from its member devices. devs[0]
// provides the superblock; the others are matched by device id.
func Open(devs []BlockDevice, flags OpenFlags) (*FSInfo, error) {

	if len(devs) == 0 {
		return nil, errors.New("no devices")
	}

	sb, err := readSuper(devs[0], btrfs.SuperInfoOffset)
	if err != nil {
		return nil, fmt.Errorf("read superblock: %w", err)
	}
	if sb.Temporary() && flags&OpenTemporarySuper == 0 {
		return nil, fmt.Errorf("filesystem construction incomplete: %w", ErrCorrupt)
	}

	fs := newFSInfo()
	fs.flags = flags
	fs.super = *sb
	fs.nodesize = uint64(sb.NodeSize)
	fs.csum = btrfs.CsumType(sb.CsumType)

	for i, dev := range devs {
		dsb, err := readSuper(dev, btrfs.SuperInfoOffset)
		if err != nil {
			return nil, fmt.Errorf("read superblock of device %d: %w", i, err)
		}
		if dsb.FSID != sb.FSID {
			return nil, fmt.Errorf("device %d belongs to filesystem %s: %w", i, uuid.UUID(dsb.FSID), ErrCorrupt)
		}
		if fs.device(dsb.DevItem.DevID) != nil {
			return nil, fmt.Errorf("device id %d given twice: %w", dsb.DevItem.DevID, ErrCorrupt)
		}
		fs.devices = append(fs.devices, &Device{
			ID:         dsb.DevItem.DevID,
			UUID:       uuid.UUID(dsb.DevItem.UUID),
			Path:       deviceName(dev),
			TotalBytes: dsb.DevItem.TotalBytes,
			BytesUsed:  dsb.DevItem.BytesUsed,
			file:       dev,
		})
	}

	keys, chunks, err := sb.SysChunks()
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrCorrupt)
	}
	for i := range keys {
		cm, err := fs.mapChunk(keys[i].Offset, chunks[i])
		if err != nil {
			return nil, err
		}
		fs.chunks.ReplaceOrInsert(cm)
	}

	fs.chunkRoot, err = fs.loadTree(rootKey(btrfs.ChunkTreeObjectID, 0), sb.ChunkRoot, sb.ChunkRootLevel)
	if err != nil {
		return nil, fmt.Errorf("chunk tree: %w", err)
	}

	err = fs.loadChunkTree()
	if err != nil {
		return nil, err
	}

	fs.treeRoot, err = fs.loadTree(rootKey(btrfs.RootTreeObjectID, 0), sb.Root, sb.RootLevel)
	if err != nil {
		return nil, fmt.Errorf("tree root: %w", err)
	}

	err = fs.loadRoots()
	if err != nil {
		return nil, err
	}

	if sb.RemapRoot != 0 {
		fs.remapRoot, err = fs.loadTree(rootKey(btrfs.RemapTreeObjectID, 0), sb.RemapRoot, sb.RemapRootLevel)
		if err != nil {
			return nil, fmt.Errorf("remap tree: %w", err)
		}
	}

	err = fs.loadBlockGroups()
	if err != nil {
		return nil, err
	}

	return fs, nil
}

func (fs *FSInfo) loadTree(key btrfs.Key, bytenr uint64, level uint8) (*Root, error) {

	r := newRoot(fs, key)

	d, err := fs.readBlock(bytenr)
	if err != nil {
		return nil, err
	}
	if d.hdr.Level != level {
		return nil, fmt.Errorf("block %d has level %d, expected %d: %w", bytenr, d.hdr.Level, level, ErrCorrupt)
	}

	if key.ObjectID == btrfs.ChunkTreeObjectID {
		fs.chunkTreeUUID = d.hdr.ChunkTreeUUID
	}

	if level >= btrfs.MaxLevel {
		return nil, fmt.Errorf("tree %d: level %d: %w", key.ObjectID, level, ErrCorrupt)
	}

	r.nodes = make([][]*block, level)
	current := []*decoded{d}
	for lvl := level; lvl > 0; lvl-- {
		var next []*decoded
		for _, n := range current {
			r.nodes[lvl-1] = append(r.nodes[lvl-1], &block{
				bytenr:     n.hdr.Bytenr,
				generation: n.hdr.Generation,
				level:      lvl,
			})
			if len(n.ptrs) == 0 {
				return nil, fmt.Errorf("node %d has no children: %w", n.hdr.Bytenr, ErrCorrupt)
			}
			for _, ptr := range n.ptrs {
				c, err := fs.readBlock(ptr.BlockPtr)
				if err != nil {
					return nil, err
				}
				if c.hdr.Level != lvl-1 {
					return nil, fmt.Errorf("block %d has level %d, expected %d: %w", ptr.BlockPtr, c.hdr.Level, lvl-1, ErrCorrupt)
				}
				next = append(next, c)
			}
		}
		current = next
	}

	for _, c := range current {
		if level > 0 && len(c.items) == 0 {
			return nil, fmt.Errorf("block %d is not a populated leaf: %w", c.hdr.Bytenr, ErrCorrupt)
		}
		r.leaves.ReplaceOrInsert(leafFromDecoded(c))
	}

	return r, nil
}

func leafFromDecoded(d *decoded) *block {
	l := &block{
		bytenr:     d.hdr.Bytenr,
		generation: d.hdr.Generation,
		items:      d.items,
	}
	if len(l.items) > 0 {
		l.first = l.items[0].key
	}
	return l
}

func (fs *FSInfo) loadChunkTree() error {

	var err error
	fs.chunkRoot.Ascend(btrfs.Key{}, func(key btrfs.Key, data []byte) bool {
		switch key.Type {
		case btrfs.DevItemKey:
			var di btrfs.DevItem
			err = btrfs.Unmarshal(data, &di)
			if err != nil {
				return false
			}
			d := fs.device(di.DevID)
			if d == nil {
				err = fmt.Errorf("device %d missing: %w", di.DevID, ErrCorrupt)
				return false
			}
			d.TotalBytes = di.TotalBytes
			d.BytesUsed = di.BytesUsed
		case btrfs.ChunkItemKey:
			var c *btrfs.ChunkItem
			c, _, err = btrfs.UnmarshalChunkItem(data)
			if err != nil {
				return false
			}
			var cm *chunkMap
			cm, err = fs.mapChunk(key.Offset, c)
			if err != nil {
				return false
			}
			fs.chunks.ReplaceOrInsert(cm)
		}
		return true
	})

	return err
}

func (fs *FSInfo) loadRoots() error {

	var err error
	fs.treeRoot.Ascend(btrfs.Key{}, func(key btrfs.Key, data []byte) bool {
		if key.Type != btrfs.RootItemKey {
			return true
		}
		var ri btrfs.RootItem
		err = btrfs.Unmarshal(data, &ri)
		if err != nil {
			return false
		}
		var r *Root
		r, err = fs.loadTree(key, ri.Bytenr, ri.Level)
		if err != nil {
			err = fmt.Errorf("tree %v: %w", key, err)
			return false
		}
		r.item = ri
		fs.roots.ReplaceOrInsert(r)
		return true
	})

	return err
}

// loadBlockGroups rebuilds block group usage by walking every tree block,
// and device usage from the device tree.
func (fs *FSInfo) loadBlockGroups() error {

	bgr := fs.BlockGroupRoot()
	if bgr == nil {
		return fmt.Errorf("no block group tree: %w", ErrCorrupt)
	}

	var err error
	bgr.Ascend(btrfs.Key{}, func(key btrfs.Key, data []byte) bool {
		if key.Type != btrfs.BlockGroupItemKey {
			return true
		}
		var bgi btrfs.BlockGroupItem
		err = btrfs.Unmarshal(data, &bgi)
		if err != nil {
			return false
		}
		var g *BlockGroup
		g, err = fs.newBlockGroup(bgi.Flags, key.ObjectID, key.Offset)
		if err != nil {
			return false
		}
		fs.groups.ReplaceOrInsert(g)
		fs.UpdateSpaceInfo(g.Flags).Total += g.Length
		return true
	})
	if err != nil {
		return err
	}

	for _, r := range fs.allRoots() {
		for _, b := range r.blocks() {
			err = fs.markBlock(b.bytenr)
			if err != nil {
				return err
			}
		}
	}
	fs.groups.Ascend(func(g *BlockGroup) bool {
		g.hint = 0
		return true
	})

	if dr := fs.DevRoot(); dr != nil {
		dr.Ascend(btrfs.Key{}, func(key btrfs.Key, data []byte) bool {
			if key.Type != btrfs.DevExtentKey {
				return true
			}
			var de btrfs.DevExtent
			err = btrfs.Unmarshal(data, &de)
			if err != nil {
				return false
			}
			d := fs.device(key.ObjectID)
			if d == nil {
				err = fmt.Errorf("extent on missing device %d: %w", key.ObjectID, ErrCorrupt)
				return false
			}
			d.addExtent(key.Offset, de.Length)
			return true
		})
	}

	return err
}
