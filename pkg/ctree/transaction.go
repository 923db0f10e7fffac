package ctree

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"

	"github.com/vorteil/vmkfs/pkg/btrfs"
)

// commitPasses bounds the fixed point loop that writes back block group and
// root items during commit.
const commitPasses = 64

// Transaction groups tree modifications that become durable together.
type Transaction struct {
	Transid uint64

	fs   *FSInfo
	done bool
}

// StartTransaction begins a new transaction. Only one may run at a time.
func (fs *FSInfo) StartTransaction() (*Transaction, error) {
	if fs.aborted != nil {
		return nil, fmt.Errorf("%v: %w", fs.aborted, ErrAborted)
	}
	if fs.closed {
		return nil, fmt.Errorf("filesystem closed: %w", ErrTransaction)
	}
	if fs.flags&OpenWrites == 0 {
		return nil, ErrReadOnly
	}
	if fs.running != nil {
		return nil, fmt.Errorf("transaction %d still running: %w", fs.running.Transid, ErrTransaction)
	}
	trans := &Transaction{
		Transid: fs.super.Generation + 1,
		fs:      fs,
	}
	fs.running = trans
	return trans, nil
}

// FS returns the filesystem the transaction modifies.
func (trans *Transaction) FS() *FSInfo {
	return trans.fs
}

func (trans *Transaction) check(fs *FSInfo) error {
	if trans == nil {
		return fmt.Errorf("no transaction: %w", ErrTransaction)
	}
	if trans.fs != fs {
		return fmt.Errorf("transaction belongs to another filesystem: %w", ErrTransaction)
	}
	if fs.aborted != nil {
		return fmt.Errorf("%v: %w", fs.aborted, ErrAborted)
	}
	if trans.done || fs.running != trans {
		return fmt.Errorf("transaction %d finished: %w", trans.Transid, ErrTransaction)
	}
	return nil
}

// Abort abandons the transaction and puts the filesystem into an error
// state: the on-disk image stays at the last commit and every later
// transaction fails.
func (trans *Transaction) Abort(err error) {
	fs := trans.fs
	if trans.done {
		return
	}
	trans.done = true
	if fs.running == trans {
		fs.running = nil
	}
	if err == nil {
		err = fmt.Errorf("transaction %d aborted", trans.Transid)
	}
	if fs.aborted == nil {
		fs.aborted = err
	}
	fs.Log.Debugf("transaction %d aborted: %v", trans.Transid, err)
}

// Commit writes every change made in the transaction and then the
// superblocks.
func (trans *Transaction) Commit() error {

	fs := trans.fs
	err := trans.check(fs)
	if err != nil {
		return err
	}

	err = trans.commit()
	if err != nil {
		trans.Abort(err)
		return err
	}

	trans.done = true
	fs.running = nil
	return nil
}

func (trans *Transaction) commit() error {

	fs := trans.fs

	err := fs.flushItems(trans)
	if err != nil {
		return err
	}

	err = fs.writeDirtyBlocks()
	if err != nil {
		return err
	}

	for _, d := range fs.devices {
		err = d.file.Sync()
		if err != nil {
			return fmt.Errorf("sync device %d: %w", d.ID, err)
		}
	}

	sb := fs.super
	sb.Generation = trans.Transid
	sb.Root = fs.treeRoot.Bytenr()
	sb.RootLevel = fs.treeRoot.Level()
	sb.ChunkRoot = fs.chunkRoot.Bytenr()
	sb.ChunkRootLevel = fs.chunkRoot.Level()
	sb.ChunkRootGeneration = fs.chunkRoot.Generation()
	sb.BytesUsed = fs.bytesUsed()
	fs.fillBackupRoot(&sb)

	err = fs.writeSupers(sb)
	if err != nil {
		return err
	}

	fs.super = sb
	fs.unpinAll()

	fs.Log.Debugf("committed transaction %d", trans.Transid)

	return nil
}

// flushItems writes the block group and root items until writing them no
// longer changes anything.
func (fs *FSInfo) flushItems(trans *Transaction) error {
	for pass := 0; pass < commitPasses; pass++ {
		changed := false

		for _, g := range fs.BlockGroups() {
			if !g.dirty {
				continue
			}
			g.dirty = false
			changed = true
			err := fs.updateBlockGroupItem(trans, g)
			if err != nil {
				return err
			}
		}

		for _, r := range fs.allRoots() {
			if !r.dirty {
				continue
			}
			r.dirty = false
			changed = true
			err := fs.updateRootItem(trans, r)
			if err != nil {
				return err
			}
		}

		if !changed {
			return nil
		}
	}
	return fmt.Errorf("commit did not settle after %d passes: %w", commitPasses, ErrCorrupt)
}

func (fs *FSInfo) bytesUsed() uint64 {
	var n uint64
	fs.groups.Ascend(func(g *BlockGroup) bool {
		n += g.used
		return true
	})
	return n
}

func (fs *FSInfo) fillBackupRoot(sb *btrfs.Superblock) {
	b := &sb.SuperRoots[sb.Generation%btrfs.NumBackupRoots]
	*b = btrfs.RootBackup{
		TreeRoot:       sb.Root,
		TreeRootGen:    sb.Generation,
		ChunkRoot:      sb.ChunkRoot,
		ChunkRootGen:   sb.ChunkRootGeneration,
		TreeRootLevel:  sb.RootLevel,
		ChunkRootLevel: sb.ChunkRootLevel,
		TotalBytes:     sb.TotalBytes,
		BytesUsed:      sb.BytesUsed,
		NumDevices:     sb.NumDevices,
	}
	if r := fs.ExtentRoot(); r != nil {
		b.ExtentRoot, b.ExtentRootGen, b.ExtentRootLevel = r.Bytenr(), r.Generation(), r.Level()
	}
	if r := fs.FSRoot(); r != nil {
		b.FSRoot, b.FSRootGen, b.FSRootLevel = r.Bytenr(), r.Generation(), r.Level()
	}
	if r := fs.DevRoot(); r != nil {
		b.DevRoot, b.DevRootGen, b.DevRootLevel = r.Bytenr(), r.Generation(), r.Level()
	}
	if r := fs.Root(btrfs.CsumTreeObjectID, 0); r != nil {
		b.CsumRoot, b.CsumRootGen, b.CsumRootLevel = r.Bytenr(), r.Generation(), r.Level()
	}
}

func (fs *FSInfo) writeDirtyBlocks() error {
	for _, r := range fs.allRoots() {
		owner := blockOwner(r)
		leaves := r.leafList()
		children := leaves
		for _, level := range r.nodes {
			k := len(level)
			for j, n := range level {
				group := children[j*len(children)/k : (j+1)*len(children)/k]
				n.first = group[0].first
				if !n.dirty {
					continue
				}
				err := fs.writeBlock(n.bytenr, fs.encodeNode(n, owner, group))
				if err != nil {
					return err
				}
				n.dirty = false
			}
			children = level
		}
		for _, l := range leaves {
			if !l.dirty {
				continue
			}
			err := fs.writeBlock(l.bytenr, fs.encodeLeaf(l, owner))
			if err != nil {
				return err
			}
			l.dirty = false
		}
	}
	return nil
}

// writeBlock writes a tree block to every copy, updating parity for
// raid5/6 chunks.
func (fs *FSInfo) writeBlock(bytenr uint64, data []byte) error {

	cm := fs.chunkFor(bytenr)
	if cm == nil {
		return fmt.Errorf("tree block %d not mapped: %w", bytenr, ErrCorrupt)
	}

	locs, row := cm.locate(bytenr)
	for _, l := range locs {
		_, err := l.dev.file.WriteAt(data, int64(l.offset))
		if err != nil {
			return fmt.Errorf("write block %d to device %d: %w", bytenr, l.dev.ID, err)
		}
	}

	if row == nil {
		return nil
	}

	cols := make([][]byte, len(row.data))
	for i, l := range row.data {
		cols[i] = make([]byte, len(data))
		_, err := l.dev.file.ReadAt(cols[i], int64(l.offset))
		if err != nil {
			return fmt.Errorf("read stripe for parity on device %d: %w", l.dev.ID, err)
		}
	}

	p := make([]byte, len(data))
	var q []byte
	if len(row.parity) > 1 {
		q = make([]byte, len(data))
	}
	computeParity(cols, p, q)

	for i, l := range row.parity {
		buf := p
		if i == 1 {
			buf = q
		}
		_, err := l.dev.file.WriteAt(buf, int64(l.offset))
		if err != nil {
			return fmt.Errorf("write parity to device %d: %w", l.dev.ID, err)
		}
	}

	return nil
}

// readBlock reads a tree block from its first copy.
func (fs *FSInfo) readBlock(bytenr uint64) (*decoded, error) {
	cm := fs.chunkFor(bytenr)
	if cm == nil {
		return nil, fmt.Errorf("tree block %d not mapped: %w", bytenr, ErrCorrupt)
	}
	locs, _ := cm.locate(bytenr)
	data := make([]byte, fs.nodesize)
	_, err := locs[0].dev.file.ReadAt(data, int64(locs[0].offset))
	if err != nil {
		return nil, fmt.Errorf("read block %d: %w", bytenr, err)
	}
	return fs.decodeBlock(data, bytenr)
}

func (fs *FSInfo) magic() uint64 {
	if fs.flags&OpenTemporarySuper != 0 && !fs.finalized {
		return btrfs.MagicTemporary
	}
	return btrfs.Magic
}

// writeSupers writes sb to every mirror of every device.
func (fs *FSInfo) writeSupers(sb btrfs.Superblock) error {
	for _, d := range fs.devices {
		err := fs.writeSuper(d, sb)
		if err != nil {
			return err
		}
	}
	for _, d := range fs.devices {
		err := d.file.Sync()
		if err != nil {
			return fmt.Errorf("sync device %d: %w", d.ID, err)
		}
	}
	return nil
}

func (fs *FSInfo) writeSuper(d *Device, sb btrfs.Superblock) error {
	sb.Magic = fs.magic()
	sb.DevItem = d.item(sb.FSID, sb.SectorSize)
	for i := 0; i < btrfs.SuperMirrorMax; i++ {
		off := btrfs.SuperMirrorOffset(i)
		if off+btrfs.SuperInfoSize > d.TotalBytes {
			break
		}
		sb.Bytenr = off
		_, err := d.file.WriteAt(sb.Encode(), int64(off))
		if err != nil {
			return fmt.Errorf("write superblock %d to device %d: %w", i, d.ID, err)
		}
	}
	return nil
}

func readSuper(file BlockDevice, off uint64) (*btrfs.Superblock, error) {
	data := make([]byte, btrfs.SuperInfoSize)
	_, err := file.ReadAt(data, int64(off))
	if err != nil {
		return nil, err
	}
	return btrfs.DecodeSuperblock(data)
}

// Close ends use of the filesystem. A finalized filesystem gets its real
// magic; an aborted one is left as last committed.
func (fs *FSInfo) Close() error {

	if fs.closed {
		return nil
	}
	fs.closed = true

	if fs.running != nil {
		fs.running.Abort(fmt.Errorf("transaction %d open at close", fs.running.Transid))
	}

	if fs.aborted != nil || fs.flags&OpenWrites == 0 {
		return nil
	}

	if fs.finalized && fs.flags&OpenTemporarySuper != 0 {
		err := fs.writeSupers(fs.super)
		if err != nil {
			return err
		}
		fs.Log.Debugf("finalized superblocks at generation %d", fs.super.Generation)
	}

	return nil
}
