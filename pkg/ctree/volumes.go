package ctree

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/vorteil/vmkfs/pkg/btrfs"
)

const (
	MiB = 0x100000
	GiB = 0x40000000

	// MinStripeSize is the smallest device extent AllocChunk hands out.
	MinStripeSize = MiB
)

// Device is one member of the filesystem.
type Device struct {
	ID         uint64
	UUID       uuid.UUID
	Path       string
	TotalBytes uint64
	BytesUsed  uint64

	file    BlockDevice
	extents []devExtent
}

type devExtent struct {
	start, length uint64
}

func (d *Device) item(fsid [btrfs.UUIDSize]byte, sectorsize uint32) btrfs.DevItem {
	return btrfs.DevItem{
		DevID:      d.ID,
		TotalBytes: d.TotalBytes,
		BytesUsed:  d.BytesUsed,
		IOAlign:    sectorsize,
		IOWidth:    sectorsize,
		SectorSize: sectorsize,
		UUID:       d.UUID,
		FSID:       fsid,
	}
}

func (d *Device) addExtent(start, length uint64) {
	d.extents = append(d.extents, devExtent{start: start, length: length})
	sort.Slice(d.extents, func(i, j int) bool {
		return d.extents[i].start < d.extents[j].start
	})
}

func (d *Device) removeExtent(start uint64) {
	for i, e := range d.extents {
		if e.start == start {
			d.extents = append(d.extents[:i], d.extents[i+1:]...)
			return
		}
	}
}

// largestHole returns the biggest unallocated range past the reserved area.
func (d *Device) largestHole() (uint64, uint64) {
	var best, bestLen uint64
	pos := uint64(btrfs.ReservedForSuper)
	consider := func(end uint64) {
		if end > pos && end-pos > bestLen {
			best, bestLen = pos, end-pos
		}
	}
	for _, e := range d.extents {
		consider(e.start)
		if e.start+e.length > pos {
			pos = e.start + e.length
		}
	}
	consider(d.TotalBytes)
	return best, bestLen
}

type mapStripe struct {
	dev    *Device
	offset uint64
}

// chunkMap translates a chunk's logical range onto its device stripes.
type chunkMap struct {
	start      uint64
	length     uint64
	flags      uint64
	stripeLen  uint64
	stripeSize uint64
	attr       raidAttr
	stripes    []mapStripe
}

type physLoc struct {
	dev    *Device
	offset uint64
}

// raidRow identifies the parity row a raid5/6 write touches.
type raidRow struct {
	data   []physLoc
	parity []physLoc
}

// locate maps a range that does not cross a stripe boundary. For parity
// profiles it also returns every column of the affected row.
func (cm *chunkMap) locate(logical uint64) ([]physLoc, *raidRow) {
	off := logical - cm.start
	n := len(cm.stripes)
	a := cm.attr

	switch {
	case a.parity > 0:
		nr := off / cm.stripeLen
		within := off % cm.stripeLen
		data := uint64(n - a.parity)
		row := nr / data
		col := nr % data
		phys := row*cm.stripeLen + within
		column := func(c uint64) physLoc {
			s := cm.stripes[(c+row)%uint64(n)]
			return physLoc{dev: s.dev, offset: s.offset + phys}
		}
		rr := &raidRow{}
		for c := uint64(0); c < uint64(n); c++ {
			if c < data {
				rr.data = append(rr.data, column(c))
			} else {
				rr.parity = append(rr.parity, column(c))
			}
		}
		return []physLoc{column(col)}, rr

	case a.subStripes > 1:
		nr := off / cm.stripeLen
		within := off % cm.stripeLen
		groups := uint64(n / a.subStripes)
		idx := int(nr%groups) * a.subStripes
		phys := (nr/groups)*cm.stripeLen + within
		var locs []physLoc
		for i := 0; i < a.subStripes; i++ {
			s := cm.stripes[idx+i]
			locs = append(locs, physLoc{dev: s.dev, offset: s.offset + phys})
		}
		return locs, nil

	case a.copies > 1 || n == 1:
		var locs []physLoc
		for _, s := range cm.stripes {
			locs = append(locs, physLoc{dev: s.dev, offset: s.offset + off})
		}
		return locs, nil
	}

	// raid0
	nr := off / cm.stripeLen
	within := off % cm.stripeLen
	s := cm.stripes[nr%uint64(n)]
	return []physLoc{{dev: s.dev, offset: s.offset + (nr/uint64(n))*cm.stripeLen + within}}, nil
}

func (cm *chunkMap) item(fs *FSInfo) *btrfs.ChunkItem {
	c := &btrfs.ChunkItem{
		Chunk: btrfs.Chunk{
			Length:     cm.length,
			Owner:      btrfs.ExtentTreeObjectID,
			StripeLen:  cm.stripeLen,
			Type:       cm.flags,
			IOAlign:    uint32(btrfs.StripeLen),
			IOWidth:    uint32(btrfs.StripeLen),
			SectorSize: fs.super.SectorSize,
			NumStripes: uint16(len(cm.stripes)),
			SubStripes: uint16(cm.attr.subStripes),
		},
	}
	for _, s := range cm.stripes {
		c.Stripes = append(c.Stripes, btrfs.Stripe{
			DevID:   s.dev.ID,
			Offset:  s.offset,
			DevUUID: s.dev.UUID,
		})
	}
	return c
}

func (fs *FSInfo) device(id uint64) *Device {
	for _, d := range fs.devices {
		if d.ID == id {
			return d
		}
	}
	return nil
}

func (fs *FSInfo) mapChunk(start uint64, c *btrfs.ChunkItem) (*chunkMap, error) {
	attr, err := raidAttrFor(c.Type)
	if err != nil {
		return nil, fmt.Errorf("chunk %d: %v: %w", start, err, ErrCorrupt)
	}
	cm := &chunkMap{
		start:     start,
		length:    c.Length,
		flags:     c.Type,
		stripeLen: c.StripeLen,
		attr:      attr,
	}
	if cm.stripeLen == 0 {
		cm.stripeLen = btrfs.StripeLen
	}
	for _, s := range c.Stripes {
		d := fs.device(s.DevID)
		if d == nil {
			return nil, fmt.Errorf("chunk %d references missing device %d: %w", start, s.DevID, ErrCorrupt)
		}
		cm.stripes = append(cm.stripes, mapStripe{dev: d, offset: s.Offset})
	}
	ds := attr.dataStripes(len(cm.stripes))
	if ds < 1 {
		return nil, fmt.Errorf("chunk %d has too few stripes: %w", start, ErrCorrupt)
	}
	cm.stripeSize = cm.length / uint64(ds)
	return cm, nil
}

func (fs *FSInfo) chunkFor(logical uint64) *chunkMap {
	var found *chunkMap
	fs.chunks.DescendLessOrEqual(&chunkMap{start: logical}, func(cm *chunkMap) bool {
		found = cm
		return false
	})
	if found == nil || logical >= found.start+found.length {
		return nil
	}
	return found
}

func (fs *FSInfo) nextChunkOffset() uint64 {
	start := uint64(btrfs.ReservedForSuper)
	if cm, ok := fs.chunks.Max(); ok {
		start = cm.start + cm.length
	}
	return start
}

// chunkLimits returns the largest stripe and the largest logical size of a
// new chunk of the given type.
func (fs *FSInfo) chunkLimits(flags uint64) (uint64, uint64) {
	var stripe, chunk uint64
	switch flags & btrfs.BlockGroupTypeMask {
	case btrfs.BlockGroupSystem:
		stripe = 32 * MiB
		chunk = 2 * stripe
	case btrfs.BlockGroupData:
		stripe = GiB
		chunk = 10 * stripe
	default:
		stripe = 256 * MiB
		if fs.super.TotalBytes > 50*GiB {
			stripe = GiB
		}
		chunk = stripe
	}

	limit := fs.super.TotalBytes / 10
	if limit < 16*MiB {
		limit = 16 * MiB
	}
	if chunk > limit {
		chunk = limit
	}
	return stripe, chunk
}

type candidate struct {
	dev   *Device
	start uint64
	size  uint64
}

// AllocChunk reserves device space for a new chunk of the given flags and
// records it in the chunk and device trees. It returns ErrNoSpace before
// touching anything if the devices cannot satisfy the profile.
func (fs *FSInfo) AllocChunk(trans *Transaction, flags uint64) (uint64, uint64, error) {

	err := trans.check(fs)
	if err != nil {
		return 0, 0, err
	}

	attr, err := raidAttrFor(flags)
	if err != nil {
		return 0, 0, err
	}

	maxStripe, maxChunk := fs.chunkLimits(flags)

	minHole := uint64(MinStripeSize)
	if attr.dup {
		minHole *= 2
	}

	var cands []candidate
	for _, d := range fs.devices {
		start, size := d.largestHole()
		if size >= minHole {
			cands = append(cands, candidate{dev: d, start: start, size: size})
		}
	}
	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].size > cands[j].size
	})

	ndevs := len(cands)
	if attr.maxDevs > 0 && ndevs > attr.maxDevs {
		ndevs = attr.maxDevs
	}
	ndevs -= ndevs % attr.devsIncrement
	if ndevs < attr.minDevs || ndevs == 0 {
		return 0, 0, fmt.Errorf("%s chunk needs %d devices with free space, have %d: %w",
			attr.name, attr.minDevs, len(cands), ErrNoSpace)
	}
	cands = cands[:ndevs]

	stripeSize := cands[ndevs-1].size
	numStripes := ndevs
	if attr.dup {
		stripeSize /= 2
		numStripes = 2
	}
	if stripeSize > maxStripe {
		stripeSize = maxStripe
	}
	dataStripes := uint64(attr.dataStripes(numStripes))
	if stripeSize*dataStripes > maxChunk {
		stripeSize = maxChunk / dataStripes
	}
	stripeSize &^= MiB - 1
	if stripeSize < MinStripeSize {
		return 0, 0, fmt.Errorf("%s chunk stripe below %d bytes: %w", attr.name, MinStripeSize, ErrNoSpace)
	}

	cm := &chunkMap{
		start:      fs.nextChunkOffset(),
		length:     stripeSize * dataStripes,
		flags:      flags,
		stripeLen:  btrfs.StripeLen,
		stripeSize: stripeSize,
		attr:       attr,
	}
	for i := 0; i < numStripes; i++ {
		c := cands[0]
		off := c.start + uint64(i)*stripeSize
		if !attr.dup {
			c = cands[i]
			off = c.start
		}
		cm.stripes = append(cm.stripes, mapStripe{dev: c.dev, offset: off})
	}

	err = fs.insertChunk(trans, cm)
	if err != nil {
		return 0, 0, err
	}

	fs.Log.Debugf("allocated %s chunk %d+%d (%d stripes of %d)", ProfileName(flags), cm.start, cm.length, numStripes, stripeSize)

	return cm.start, cm.length, nil
}

// insertChunk persists a chunk mapping: chunk item, device extents, device
// usage and, for system chunks, the superblock bootstrap array.
func (fs *FSInfo) insertChunk(trans *Transaction, cm *chunkMap) error {

	ci := cm.item(fs)
	key := btrfs.Key{ObjectID: btrfs.FirstChunkTreeObjectID, Type: btrfs.ChunkItemKey, Offset: cm.start}

	err := InsertItem(trans, fs.chunkRoot, key, ci.Marshal())
	if err != nil {
		return err
	}

	if cm.flags&btrfs.BlockGroupSystem != 0 {
		err = fs.super.AddSysChunk(key, ci)
		if err != nil {
			return fmt.Errorf("%v: %w", err, ErrNoSpace)
		}
	}

	fs.chunks.ReplaceOrInsert(cm)

	for _, s := range cm.stripes {
		de := btrfs.DevExtent{
			ChunkTree:     btrfs.ChunkTreeObjectID,
			ChunkObjectID: btrfs.FirstChunkTreeObjectID,
			ChunkOffset:   cm.start,
			Length:        cm.stripeSize,
			ChunkTreeUUID: fs.chunkTreeUUID,
		}
		dkey := btrfs.Key{ObjectID: s.dev.ID, Type: btrfs.DevExtentKey, Offset: s.offset}
		err = InsertItem(trans, fs.DevRoot(), dkey, btrfs.Marshal(&de))
		if err != nil {
			return err
		}
		s.dev.addExtent(s.offset, cm.stripeSize)
		s.dev.BytesUsed += cm.stripeSize
		err = fs.updateDevItem(trans, s.dev)
		if err != nil {
			return err
		}
	}

	return nil
}

func (fs *FSInfo) devItemKey(d *Device) btrfs.Key {
	return btrfs.Key{ObjectID: btrfs.DevItemsObjectID, Type: btrfs.DevItemKey, Offset: d.ID}
}

func (fs *FSInfo) updateDevItem(trans *Transaction, d *Device) error {
	di := d.item(fs.super.FSID, fs.super.SectorSize)
	err := UpdateItem(trans, fs.chunkRoot, fs.devItemKey(d), btrfs.Marshal(&di))
	if err != nil {
		return err
	}
	if d.ID == fs.super.DevItem.DevID {
		fs.super.DevItem = di
	}
	return nil
}

// AddDevice adds a prepared device to the filesystem. Its superblock is
// written when the transaction commits.
func (fs *FSInfo) AddDevice(trans *Transaction, file BlockDevice, path string, size uint64) (*Device, error) {

	err := trans.check(fs)
	if err != nil {
		return nil, err
	}

	var id uint64
	for _, d := range fs.devices {
		if d.Path != "" && d.Path == path {
			return nil, fmt.Errorf("%s: %w", path, ErrDeviceAlreadyKnown)
		}
		if d.ID > id {
			id = d.ID
		}
	}

	d := &Device{
		ID:         id + 1,
		UUID:       uuid.New(),
		Path:       path,
		TotalBytes: size,
		file:       file,
	}

	di := d.item(fs.super.FSID, fs.super.SectorSize)
	err = InsertItem(trans, fs.chunkRoot, fs.devItemKey(d), btrfs.Marshal(&di))
	if err != nil {
		return nil, err
	}

	fs.devices = append(fs.devices, d)
	fs.super.NumDevices++
	fs.super.TotalBytes += size

	fs.Log.Debugf("added device %d (%s, %d bytes)", d.ID, path, size)

	return d, nil
}

// DeviceAlreadyInRoot reports whether file already carries a superblock of
// this filesystem.
func (fs *FSInfo) DeviceAlreadyInRoot(file BlockDevice) bool {
	sb, err := readSuper(file, btrfs.SuperInfoOffset)
	if err != nil {
		return false
	}
	return sb.FSID == fs.super.FSID
}
