package ctree

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/vorteil/vmkfs/pkg/btrfs"
)

// BootstrapConfig describes the initial single-device image.
type BootstrapConfig struct {
	FSID          uuid.UUID
	ChunkTreeUUID uuid.UUID
	DevUUID       uuid.UUID
	Label         string
	NodeSize      uint32
	SectorSize    uint32
	StripeSize    uint32
	CsumType      btrfs.CsumType
	Incompat      uint64
	CompatRO      uint64
	DevSize       uint64
}

// bootstrapTrees are created in every image, in this order.
var bootstrapTrees = []uint64{
	btrfs.RootTreeObjectID,
	btrfs.ChunkTreeObjectID,
	btrfs.ExtentTreeObjectID,
	btrfs.DevTreeObjectID,
	btrfs.FSTreeObjectID,
	btrfs.CsumTreeObjectID,
}

func deviceName(file BlockDevice) string {
	if n, ok := file.(interface{ Name() string }); ok {
		return n.Name()
	}
	return ""
}

// MakeBootstrap writes the initial image to dev: one device, one system
// chunk at 1 MiB mapped one to one onto the device, and every tree in that
// chunk. The superblock carries the temporary magic.
func MakeBootstrap(dev BlockDevice, cfg BootstrapConfig) error {

	if cfg.DevSize < btrfs.ReservedForSuper+btrfs.MkfsSystemGroupSize {
		return fmt.Errorf("device of %d bytes cannot hold the system chunk: %w", cfg.DevSize, ErrNoSpace)
	}
	if cfg.NodeSize < btrfs.MinNodeSize || cfg.NodeSize > btrfs.MaxNodeSize || cfg.NodeSize&(cfg.NodeSize-1) != 0 {
		return fmt.Errorf("invalid nodesize %d", cfg.NodeSize)
	}
	if !cfg.CsumType.Valid() {
		return fmt.Errorf("invalid checksum type %d", cfg.CsumType)
	}

	fs := newFSInfo()
	fs.flags = OpenWrites | OpenTemporarySuper
	fs.nodesize = uint64(cfg.NodeSize)
	fs.csum = cfg.CsumType
	fs.chunkTreeUUID = cfg.ChunkTreeUUID

	fs.super = btrfs.Superblock{
		FSID:            cfg.FSID,
		Magic:           btrfs.MagicTemporary,
		TotalBytes:      cfg.DevSize,
		RootDirObjectID: btrfs.RootTreeDirObjectID,
		NumDevices:      1,
		SectorSize:      cfg.SectorSize,
		NodeSize:        cfg.NodeSize,
		LeafSize:        cfg.NodeSize,
		StripeSize:      cfg.StripeSize,
		IncompatFlags:   cfg.Incompat,
		CompatROFlags:   cfg.CompatRO,
		CsumType:        uint16(cfg.CsumType),
		NrGlobalRoots:   1,
	}
	fs.super.SetLabel(cfg.Label)

	d := &Device{
		ID:         1,
		UUID:       cfg.DevUUID,
		Path:       deviceName(dev),
		TotalBytes: cfg.DevSize,
		file:       dev,
	}
	fs.devices = []*Device{d}
	fs.super.DevItem = d.item(fs.super.FSID, fs.super.SectorSize)

	attr, _ := raidAttrFor(0)
	cm := &chunkMap{
		start:      btrfs.ReservedForSuper,
		length:     btrfs.MkfsSystemGroupSize,
		flags:      btrfs.BlockGroupSystem,
		stripeLen:  btrfs.StripeLen,
		stripeSize: btrfs.MkfsSystemGroupSize,
		attr:       attr,
		stripes:    []mapStripe{{dev: d, offset: btrfs.ReservedForSuper}},
	}
	fs.chunks.ReplaceOrInsert(cm)

	g, err := fs.newBlockGroup(cm.flags, cm.start, cm.length)
	if err != nil {
		return err
	}
	fs.groups.ReplaceOrInsert(g)
	fs.UpdateSpaceInfo(g.Flags).Total += g.Length

	trans, err := fs.StartTransaction()
	if err != nil {
		return err
	}

	err = fs.bootstrap(trans, cm, g)
	if err != nil {
		trans.Abort(err)
		return err
	}

	return trans.Commit()
}

func (fs *FSInfo) bootstrap(trans *Transaction, cm *chunkMap, g *BlockGroup) error {

	trees := append([]uint64(nil), bootstrapTrees...)
	if fs.HasCompatRO(btrfs.FeatureCompatROFreeSpaceTree) {
		trees = append(trees, btrfs.FreeSpaceTreeObjectID)
	}
	if fs.HasCompatRO(btrfs.FeatureCompatROBlockGroupTree) {
		trees = append(trees, btrfs.BlockGroupTreeObjectID)
	}

	for _, objectid := range trees {
		_, err := CreateTree(trans, rootKey(objectid, 0))
		if err != nil {
			return err
		}
	}

	d := fs.devices[0]
	di := d.item(fs.super.FSID, fs.super.SectorSize)
	err := InsertItem(trans, fs.chunkRoot, fs.devItemKey(d), btrfs.Marshal(&di))
	if err != nil {
		return err
	}

	err = fs.insertChunk(trans, cm)
	if err != nil {
		return err
	}

	bgi := btrfs.BlockGroupItem{
		ChunkObjectID: btrfs.FirstChunkTreeObjectID,
		Flags:         g.Flags,
	}
	key := btrfs.Key{ObjectID: g.Start, Type: btrfs.BlockGroupItemKey, Offset: g.Length}
	err = InsertItem(trans, fs.BlockGroupRoot(), key, btrfs.Marshal(&bgi))
	if err != nil {
		return err
	}
	g.dirty = true

	return nil
}
