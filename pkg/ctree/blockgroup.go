package ctree

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"errors"
	"fmt"
	"math/bits"
	"sort"

	"github.com/vorteil/vmkfs/pkg/btrfs"
)

// ErrInUse is returned when removing a block group that still holds tree
// blocks.
var ErrInUse = errors.New("block group in use")

// BlockGroup is the in-memory view of a block group item. Tree blocks are
// tracked in a bitmap of nodesize slots.
type BlockGroup struct {
	Start  uint64
	Length uint64
	Flags  uint64

	used     uint64
	slots    []uint64
	excluded []uint64
	hint     int
	dirty    bool
	removing bool
}

// Used returns the bytes of live tree blocks in the group.
func (g *BlockGroup) Used() uint64 {
	return g.used
}

func (g *BlockGroup) Type() uint64 {
	return g.Flags & btrfs.BlockGroupTypeMask
}

func (g *BlockGroup) Profile() uint64 {
	return g.Flags & btrfs.BlockGroupProfileMask
}

func (g *BlockGroup) allocated() int {
	n := 0
	for _, w := range g.slots {
		n += bits.OnesCount64(w)
	}
	return n
}

func testBit(m []uint64, i int) bool {
	return m[i/64]&(1<<uint(i%64)) != 0
}

func setBit(m []uint64, i int) {
	m[i/64] |= 1 << uint(i%64)
}

func clearBit(m []uint64, i int) {
	m[i/64] &^= 1 << uint(i%64)
}

// SpaceInfo aggregates every block group of one type and profile.
type SpaceInfo struct {
	Flags uint64
	Total uint64
	Used  uint64
}

// UpdateSpaceInfo ensures a space info exists for flags and returns it.
func (fs *FSInfo) UpdateSpaceInfo(flags uint64) *SpaceInfo {
	key := flags & (btrfs.BlockGroupTypeMask | btrfs.BlockGroupProfileMask)
	si, ok := fs.spaceInfos[key]
	if !ok {
		si = &SpaceInfo{Flags: key}
		fs.spaceInfos[key] = si
	}
	return si
}

// SpaceInfos returns every space info sorted by flags.
func (fs *FSInfo) SpaceInfos() []SpaceInfo {
	var list []SpaceInfo
	for _, si := range fs.spaceInfos {
		list = append(list, *si)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Flags < list[j].Flags
	})
	return list
}

func (fs *FSInfo) newBlockGroup(flags, start, length uint64) (*BlockGroup, error) {
	cm := fs.chunkFor(start)
	if cm == nil || cm.start != start || cm.length != length {
		return nil, fmt.Errorf("no chunk at %d+%d: %w", start, length, ErrNotFound)
	}
	n := int(length / fs.nodesize)
	g := &BlockGroup{
		Start:    start,
		Length:   length,
		Flags:    flags,
		slots:    make([]uint64, (n+63)/64),
		excluded: make([]uint64, (n+63)/64),
	}
	fs.excludeSuperMirrors(g, cm)
	return g, nil
}

// excludeSuperMirrors keeps tree blocks away from superblock copies.
func (fs *FSInfo) excludeSuperMirrors(g *BlockGroup, cm *chunkMap) {
	n := int(g.Length / fs.nodesize)
	for i := 0; i < n; i++ {
		locs, rr := cm.locate(g.Start + uint64(i)*fs.nodesize)
		if rr != nil {
			locs = append(locs, rr.parity...)
		}
		for _, l := range locs {
			if overlapsSuper(l.offset, fs.nodesize) {
				setBit(g.excluded, i)
			}
		}
	}
}

func overlapsSuper(off, length uint64) bool {
	for i := 0; i < btrfs.SuperMirrorMax; i++ {
		m := btrfs.SuperMirrorOffset(i)
		if off < m+btrfs.SuperInfoSize && m < off+length {
			return true
		}
	}
	return false
}

// MakeBlockGroup registers a block group over an allocated chunk and writes
// its item.
func (fs *FSInfo) MakeBlockGroup(trans *Transaction, flags, start, length uint64) error {

	err := trans.check(fs)
	if err != nil {
		return err
	}

	if g, ok := fs.groups.Get(&BlockGroup{Start: start}); ok && g != nil {
		return fmt.Errorf("block group %d: %w", start, ErrExists)
	}

	g, err := fs.newBlockGroup(flags, start, length)
	if err != nil {
		return err
	}

	bgi := btrfs.BlockGroupItem{
		ChunkObjectID: btrfs.FirstChunkTreeObjectID,
		Flags:         flags,
	}
	key := btrfs.Key{ObjectID: start, Type: btrfs.BlockGroupItemKey, Offset: length}
	err = InsertItem(trans, fs.BlockGroupRoot(), key, btrfs.Marshal(&bgi))
	if err != nil {
		return err
	}

	fs.groups.ReplaceOrInsert(g)
	fs.UpdateSpaceInfo(flags).Total += length

	return nil
}

// RemoveBlockGroup deletes an empty block group together with its chunk.
func (fs *FSInfo) RemoveBlockGroup(trans *Transaction, start, length uint64) error {

	err := trans.check(fs)
	if err != nil {
		return err
	}

	g, ok := fs.groups.Get(&BlockGroup{Start: start})
	if !ok || g.Length != length {
		return fmt.Errorf("block group %d+%d: %w", start, length, ErrNotFound)
	}
	if g.allocated() > 0 {
		return fmt.Errorf("block group %d holds %d blocks: %w", start, g.allocated(), ErrInUse)
	}

	cm := fs.chunkFor(start)
	if cm == nil {
		return fmt.Errorf("chunk %d: %w", start, ErrNotFound)
	}

	g.removing = true

	key := btrfs.Key{ObjectID: start, Type: btrfs.BlockGroupItemKey, Offset: length}
	err = DeleteItem(trans, fs.BlockGroupRoot(), key)
	if err != nil {
		return err
	}

	key = btrfs.Key{ObjectID: btrfs.FirstChunkTreeObjectID, Type: btrfs.ChunkItemKey, Offset: start}
	err = DeleteItem(trans, fs.chunkRoot, key)
	if err != nil {
		return err
	}

	for _, s := range cm.stripes {
		key = btrfs.Key{ObjectID: s.dev.ID, Type: btrfs.DevExtentKey, Offset: s.offset}
		err = DeleteItem(trans, fs.DevRoot(), key)
		if err != nil {
			return err
		}
		s.dev.removeExtent(s.offset)
		s.dev.BytesUsed -= cm.stripeSize
		err = fs.updateDevItem(trans, s.dev)
		if err != nil {
			return err
		}
	}

	if cm.flags&btrfs.BlockGroupSystem != 0 {
		err = fs.super.RemoveSysChunk(start)
		if err != nil {
			return fmt.Errorf("%v: %w", err, ErrCorrupt)
		}
	}

	fs.groups.Delete(g)
	fs.chunks.Delete(cm)
	fs.UpdateSpaceInfo(g.Flags).Total -= length

	fs.Log.Debugf("removed %s block group %d+%d", ProfileName(g.Flags), start, length)

	return nil
}

// allocTreeBlock picks a free nodesize slot for a block of the given tree.
// The chunk tree lives in system groups, the remap tree in remap groups and
// everything else in metadata groups; the most redundant profile wins, then
// the lowest address.
func (fs *FSInfo) allocTreeBlock(owner uint64) (uint64, error) {

	var want, fallback uint64
	switch owner {
	case btrfs.ChunkTreeObjectID:
		want = btrfs.BlockGroupSystem
	case btrfs.RemapTreeObjectID:
		want = btrfs.BlockGroupMetadataRemap
		fallback = btrfs.BlockGroupMetadata
	default:
		want = btrfs.BlockGroupMetadata
		fallback = btrfs.BlockGroupSystem
	}

	for _, class := range []uint64{want, fallback} {
		if class == 0 {
			continue
		}
		for _, g := range fs.groupsOfClass(class) {
			if off, ok := fs.takeSlot(g); ok {
				return off, nil
			}
		}
	}

	return 0, fmt.Errorf("no free tree block for tree %d: %w", owner, ErrNoSpace)
}

func (fs *FSInfo) groupsOfClass(class uint64) []*BlockGroup {
	var list []*BlockGroup
	fs.groups.Ascend(func(g *BlockGroup) bool {
		if g.removing || g.Flags&class == 0 {
			return true
		}
		if class == btrfs.BlockGroupMetadata && g.Flags&btrfs.BlockGroupMetadataRemap != 0 {
			return true
		}
		list = append(list, g)
		return true
	})
	sort.SliceStable(list, func(i, j int) bool {
		return Redundancy(list[i].Flags) > Redundancy(list[j].Flags)
	})
	return list
}

func (fs *FSInfo) takeSlot(g *BlockGroup) (uint64, bool) {
	n := int(g.Length / fs.nodesize)
	for k := 0; k < n; k++ {
		i := (g.hint + k) % n
		if testBit(g.slots, i) || testBit(g.excluded, i) {
			continue
		}
		setBit(g.slots, i)
		g.hint = i + 1
		g.used += fs.nodesize
		g.dirty = true
		fs.UpdateSpaceInfo(g.Flags).Used += fs.nodesize
		return g.Start + uint64(i)*fs.nodesize, true
	}
	return 0, false
}

func (fs *FSInfo) groupFor(bytenr uint64) *BlockGroup {
	var found *BlockGroup
	fs.groups.DescendLessOrEqual(&BlockGroup{Start: bytenr}, func(g *BlockGroup) bool {
		found = g
		return false
	})
	if found == nil || bytenr >= found.Start+found.Length {
		return nil
	}
	return found
}

// markBlock records an existing tree block found while opening.
func (fs *FSInfo) markBlock(bytenr uint64) error {
	g := fs.groupFor(bytenr)
	if g == nil {
		return fmt.Errorf("tree block %d outside any block group: %w", bytenr, ErrCorrupt)
	}
	i := int((bytenr - g.Start) / fs.nodesize)
	if testBit(g.slots, i) {
		return fmt.Errorf("tree block %d referenced twice: %w", bytenr, ErrCorrupt)
	}
	setBit(g.slots, i)
	g.used += fs.nodesize
	fs.UpdateSpaceInfo(g.Flags).Used += fs.nodesize
	return nil
}

// freeTreeBlock drops a block from its group's usage. The slot stays
// reserved until the transaction commits.
func (fs *FSInfo) freeTreeBlock(bytenr uint64) {
	g := fs.groupFor(bytenr)
	if g == nil {
		return
	}
	g.used -= fs.nodesize
	g.dirty = true
	fs.UpdateSpaceInfo(g.Flags).Used -= fs.nodesize
	fs.pinned = append(fs.pinned, bytenr)
}

func (fs *FSInfo) unpinAll() {
	for _, bytenr := range fs.pinned {
		g := fs.groupFor(bytenr)
		if g == nil {
			continue
		}
		clearBit(g.slots, int((bytenr-g.Start)/fs.nodesize))
	}
	fs.pinned = nil
}

func (fs *FSInfo) updateBlockGroupItem(trans *Transaction, g *BlockGroup) error {
	bgi := btrfs.BlockGroupItem{
		Used:          g.used,
		ChunkObjectID: btrfs.FirstChunkTreeObjectID,
		Flags:         g.Flags,
	}
	key := btrfs.Key{ObjectID: g.Start, Type: btrfs.BlockGroupItemKey, Offset: g.Length}
	return UpdateItem(trans, fs.BlockGroupRoot(), key, btrfs.Marshal(&bgi))
}
