package ctree

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/vorteil/vmkfs/pkg/btrfs"
)

type item struct {
	key  btrfs.Key
	data []byte
}

// block is one tree block held in memory. Leaves carry items; nodes are
// rebuilt from the blocks of the level below whenever they are written.
type block struct {
	bytenr     uint64
	generation uint64
	level      uint8
	items      []item
	first      btrfs.Key
	dirty      bool
}

func (b *block) used() int {
	n := 0
	for _, it := range b.items {
		n += btrfs.ItemSize + len(it.data)
	}
	return n
}

// search returns the first slot whose key is not less than k, and whether
// it matches.
func (b *block) search(k btrfs.Key) (int, bool) {
	i := sort.Search(len(b.items), func(i int) bool {
		return !b.items[i].key.Less(k)
	})
	return i, i < len(b.items) && b.items[i].key == k
}

func (fs *FSInfo) leafCapacity() int {
	return int(fs.nodesize) - btrfs.HeaderSize
}

func (fs *FSInfo) nodeCapacity() int {
	return (int(fs.nodesize) - btrfs.HeaderSize) / btrfs.KeyPtrSize
}

func (fs *FSInfo) header(b *block, owner uint64, nritems int) btrfs.Header {
	return btrfs.Header{
		FSID:          fs.super.FSID,
		Bytenr:        b.bytenr,
		Flags:         btrfs.HeaderFlagWritten | btrfs.MixedBackrefRev<<btrfs.BackrefRevShift,
		ChunkTreeUUID: fs.chunkTreeUUID,
		Generation:    b.generation,
		Owner:         owner,
		NrItems:       uint32(nritems),
		Level:         b.level,
	}
}

func (fs *FSInfo) seal(data []byte) {
	sum := fs.csum.Sum(data[btrfs.CsumSize:])
	copy(data[:btrfs.CsumSize], sum[:])
}

func (fs *FSInfo) encodeLeaf(b *block, owner uint64) []byte {
	data := make([]byte, fs.nodesize)
	hdr := fs.header(b, owner, len(b.items))
	copy(data, btrfs.Marshal(&hdr))

	end := fs.leafCapacity()
	for i, it := range b.items {
		end -= len(it.data)
		copy(data[btrfs.HeaderSize+end:], it.data)
		slot := btrfs.Item{
			Key:    it.key,
			Offset: uint32(end),
			Size:   uint32(len(it.data)),
		}
		copy(data[btrfs.HeaderSize+i*btrfs.ItemSize:], btrfs.Marshal(&slot))
	}

	fs.seal(data)
	return data
}

func (fs *FSInfo) encodeNode(b *block, owner uint64, children []*block) []byte {
	data := make([]byte, fs.nodesize)
	hdr := fs.header(b, owner, len(children))
	copy(data, btrfs.Marshal(&hdr))

	for i, c := range children {
		ptr := btrfs.KeyPtr{
			Key:        c.first,
			BlockPtr:   c.bytenr,
			Generation: c.generation,
		}
		copy(data[btrfs.HeaderSize+i*btrfs.KeyPtrSize:], btrfs.Marshal(&ptr))
	}

	fs.seal(data)
	return data
}

type decoded struct {
	hdr   btrfs.Header
	items []item
	ptrs  []btrfs.KeyPtr
}

func (fs *FSInfo) decodeBlock(data []byte, bytenr uint64) (*decoded, error) {

	if uint64(len(data)) != fs.nodesize {
		return nil, fmt.Errorf("block %d: short read: %w", bytenr, ErrCorrupt)
	}

	sum := fs.csum.Sum(data[btrfs.CsumSize:])
	if !bytes.Equal(sum[:fs.csum.Size()], data[:fs.csum.Size()]) {
		return nil, fmt.Errorf("block %d: %v: %w", bytenr, btrfs.ErrBadChecksum, ErrCorrupt)
	}

	d := new(decoded)
	err := btrfs.Unmarshal(data[:btrfs.HeaderSize], &d.hdr)
	if err != nil {
		return nil, err
	}

	if d.hdr.Bytenr != bytenr {
		return nil, fmt.Errorf("block %d claims bytenr %d: %w", bytenr, d.hdr.Bytenr, ErrCorrupt)
	}
	if d.hdr.FSID != fs.super.FSID {
		return nil, fmt.Errorf("block %d belongs to another filesystem: %w", bytenr, ErrCorrupt)
	}

	n := int(d.hdr.NrItems)
	if d.hdr.Level > 0 {
		if n > fs.nodeCapacity() {
			return nil, fmt.Errorf("node %d has %d pointers: %w", bytenr, n, ErrCorrupt)
		}
		d.ptrs = make([]btrfs.KeyPtr, n)
		for i := range d.ptrs {
			off := btrfs.HeaderSize + i*btrfs.KeyPtrSize
			err = btrfs.Unmarshal(data[off:off+btrfs.KeyPtrSize], &d.ptrs[i])
			if err != nil {
				return nil, err
			}
		}
		return d, nil
	}

	if n*btrfs.ItemSize > fs.leafCapacity() {
		return nil, fmt.Errorf("leaf %d has %d items: %w", bytenr, n, ErrCorrupt)
	}
	d.items = make([]item, n)
	for i := range d.items {
		off := btrfs.HeaderSize + i*btrfs.ItemSize
		var slot btrfs.Item
		err = btrfs.Unmarshal(data[off:off+btrfs.ItemSize], &slot)
		if err != nil {
			return nil, err
		}
		start := btrfs.HeaderSize + int(slot.Offset)
		end := start + int(slot.Size)
		if start < btrfs.HeaderSize+n*btrfs.ItemSize || end > len(data) {
			return nil, fmt.Errorf("leaf %d item %d out of bounds: %w", bytenr, i, ErrCorrupt)
		}
		d.items[i] = item{
			key:  slot.Key,
			data: append([]byte(nil), data[start:end]...),
		}
	}

	return d, nil
}

// owner is the tree objectid recorded in block headers.
func blockOwner(r *Root) uint64 {
	return r.Key.ObjectID
}

func le64(data []byte) uint64 {
	return binary.LittleEndian.Uint64(data)
}
