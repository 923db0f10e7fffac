package btrfs

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Key addresses every item in every tree. Keys sort by ObjectID, then Type,
// then Offset.
type Key struct {
	ObjectID uint64
	Type     uint8
	Offset   uint64
}

// MaxKey sorts after every other key.
var MaxKey = Key{ObjectID: ^uint64(0), Type: 0xFF, Offset: ^uint64(0)}

// Compare returns -1, 0 or 1.
func (k Key) Compare(o Key) int {
	switch {
	case k.ObjectID < o.ObjectID:
		return -1
	case k.ObjectID > o.ObjectID:
		return 1
	case k.Type < o.Type:
		return -1
	case k.Type > o.Type:
		return 1
	case k.Offset < o.Offset:
		return -1
	case k.Offset > o.Offset:
		return 1
	}
	return 0
}

// Less reports whether k sorts before o.
func (k Key) Less(o Key) bool {
	return k.Compare(o) < 0
}

func (k Key) String() string {
	return fmt.Sprintf("(%d %d %d)", k.ObjectID, k.Type, k.Offset)
}

// Header begins every tree block.
type Header struct {
	Csum          [CsumSize]byte
	FSID          [UUIDSize]byte
	Bytenr        uint64
	Flags         uint64
	ChunkTreeUUID [UUIDSize]byte
	Generation    uint64
	Owner         uint64
	NrItems       uint32
	Level         uint8
}

// Item is a leaf slot; Offset is relative to the end of the header.
type Item struct {
	Key    Key
	Offset uint32
	Size   uint32
}

// KeyPtr is a node slot pointing at a child block.
type KeyPtr struct {
	Key        Key
	BlockPtr   uint64
	Generation uint64
}

// DevItem describes one member device. It is stored in the chunk tree and
// embedded in each device's superblock.
type DevItem struct {
	DevID       uint64
	TotalBytes  uint64
	BytesUsed   uint64
	IOAlign     uint32
	IOWidth     uint32
	SectorSize  uint32
	Type        uint64
	Generation  uint64
	StartOffset uint64
	DevGroup    uint32
	SeekSpeed   uint8
	Bandwidth   uint8
	UUID        [UUIDSize]byte
	FSID        [UUIDSize]byte
}

// RootBackup is one of the superblock's rotating backup root records.
type RootBackup struct {
	TreeRoot        uint64
	TreeRootGen     uint64
	ChunkRoot       uint64
	ChunkRootGen    uint64
	ExtentRoot      uint64
	ExtentRootGen   uint64
	FSRoot          uint64
	FSRootGen       uint64
	DevRoot         uint64
	DevRootGen      uint64
	CsumRoot        uint64
	CsumRootGen     uint64
	TotalBytes      uint64
	BytesUsed       uint64
	NumDevices      uint64
	_               [4]uint64
	TreeRootLevel   uint8
	ChunkRootLevel  uint8
	ExtentRootLevel uint8
	FSRootLevel     uint8
	DevRootLevel    uint8
	CsumRootLevel   uint8
	_               [10]uint8
}

// Superblock is the structure of a superblock as written to the disk.
type Superblock struct {
	Csum                [CsumSize]byte
	FSID                [UUIDSize]byte
	Bytenr              uint64
	Flags               uint64
	Magic               uint64
	Generation          uint64
	Root                uint64
	ChunkRoot           uint64
	LogRoot             uint64
	_                   uint64
	TotalBytes          uint64
	BytesUsed           uint64
	RootDirObjectID     uint64
	NumDevices          uint64
	SectorSize          uint32
	NodeSize            uint32
	LeafSize            uint32
	StripeSize          uint32
	SysChunkArraySize   uint32
	ChunkRootGeneration uint64
	CompatFlags         uint64
	CompatROFlags       uint64
	IncompatFlags       uint64
	CsumType            uint16
	RootLevel           uint8
	ChunkRootLevel      uint8
	LogRootLevel        uint8
	DevItem             DevItem
	Label               [LabelSize]byte
	CacheGeneration     uint64
	UUIDTreeGeneration  uint64
	MetadataUUID        [UUIDSize]byte
	NrGlobalRoots       uint64
	RemapRoot           uint64
	RemapRootGeneration uint64
	RemapRootLevel      uint8
	_                   [199]uint8
	SysChunkArray       [SystemChunkArraySize]byte
	SuperRoots          [NumBackupRoots]RootBackup
	_                   [565]uint8
}

// Chunk is the fixed part of a chunk item; NumStripes Stripe records follow
// it on disk.
type Chunk struct {
	Length     uint64
	Owner      uint64
	StripeLen  uint64
	Type       uint64
	IOAlign    uint32
	IOWidth    uint32
	SectorSize uint32
	NumStripes uint16
	SubStripes uint16
}

// Stripe locates one copy or column of a chunk on a device.
type Stripe struct {
	DevID   uint64
	Offset  uint64
	DevUUID [UUIDSize]byte
}

// ChunkItem is a chunk with its stripes.
type ChunkItem struct {
	Chunk
	Stripes []Stripe
}

// Size returns the encoded length of the chunk item.
func (c *ChunkItem) Size() int {
	return ChunkSize + len(c.Stripes)*StripeSize
}

// Marshal encodes the chunk item.
func (c *ChunkItem) Marshal() []byte {
	buf := new(bytes.Buffer)
	write(buf, &c.Chunk)
	for i := range c.Stripes {
		write(buf, &c.Stripes[i])
	}
	return buf.Bytes()
}

// UnmarshalChunkItem decodes a chunk item and returns the number of bytes
// consumed.
func UnmarshalChunkItem(data []byte) (*ChunkItem, int, error) {
	c := new(ChunkItem)
	if len(data) < ChunkSize {
		return nil, 0, fmt.Errorf("chunk item truncated: %d bytes", len(data))
	}
	err := Unmarshal(data[:ChunkSize], &c.Chunk)
	if err != nil {
		return nil, 0, err
	}
	n := ChunkSize + int(c.NumStripes)*StripeSize
	if c.NumStripes == 0 || len(data) < n {
		return nil, 0, fmt.Errorf("chunk item with %d stripes truncated: %d bytes", c.NumStripes, len(data))
	}
	c.Stripes = make([]Stripe, c.NumStripes)
	for i := range c.Stripes {
		off := ChunkSize + i*StripeSize
		err = Unmarshal(data[off:off+StripeSize], &c.Stripes[i])
		if err != nil {
			return nil, 0, err
		}
	}
	return c, n, nil
}

// DevExtent records that a range of a device belongs to a chunk.
type DevExtent struct {
	ChunkTree     uint64
	ChunkObjectID uint64
	ChunkOffset   uint64
	Length        uint64
	ChunkTreeUUID [UUIDSize]byte
}

// BlockGroupItem tracks the allocation of a chunk's logical range.
type BlockGroupItem struct {
	Used          uint64
	ChunkObjectID uint64
	Flags         uint64
}

type Timespec struct {
	Sec  uint64
	Nsec uint32
}

type InodeItem struct {
	Generation uint64
	TransID    uint64
	Size       uint64
	NBytes     uint64
	BlockGroup uint64
	NLink      uint32
	UID        uint32
	GID        uint32
	Mode       uint32
	RDev       uint64
	Flags      uint64
	Sequence   uint64
	_          [4]uint64
	ATime      Timespec
	CTime      Timespec
	MTime      Timespec
	OTime      Timespec
}

// RootItem lives in the tree root and points at the root block of a tree.
type RootItem struct {
	Inode        InodeItem
	Generation   uint64
	RootDirID    uint64
	Bytenr       uint64
	ByteLimit    uint64
	BytesUsed    uint64
	LastSnapshot uint64
	Flags        uint64
	Refs         uint32
	DropProgress Key
	DropLevel    uint8
	Level        uint8
	GenerationV2 uint64
	UUID         [UUIDSize]byte
	ParentUUID   [UUIDSize]byte
	ReceivedUUID [UUIDSize]byte
	CTransID     uint64
	OTransID     uint64
	STransID     uint64
	RTransID     uint64
	CTime        Timespec
	OTime        Timespec
	STime        Timespec
	RTime        Timespec
	_            [8]uint64
}

// DirItem is followed on disk by the entry name.
type DirItem struct {
	Location Key
	TransID  uint64
	DataLen  uint16
	NameLen  uint16
	Type     uint8
}

// InodeRef is followed on disk by the entry name.
type InodeRef struct {
	Index   uint64
	NameLen uint16
}

// Encoded sizes.
const (
	ChunkSize          = 48
	StripeSize         = 32
	DevItemSize        = 98
	DevExtentSize      = 48
	BlockGroupItemSize = 24
	InodeItemSize      = 160
	RootItemSize       = 439
	DirItemSize        = 30
	InodeRefSize       = 10
	RootBackupSize     = 168
)

// Marshal encodes a fixed-size structure in little-endian byte order.
func Marshal(v interface{}) []byte {
	buf := new(bytes.Buffer)
	write(buf, v)
	return buf.Bytes()
}

func write(buf *bytes.Buffer, v interface{}) {
	err := binary.Write(buf, binary.LittleEndian, v)
	if err != nil {
		panic(err)
	}
}

// Unmarshal decodes a fixed-size structure from data.
func Unmarshal(data []byte, v interface{}) error {
	return binary.Read(bytes.NewReader(data), binary.LittleEndian, v)
}

// DirItemData encodes a dir item followed by its name.
func DirItemData(di DirItem, name string) []byte {
	di.NameLen = uint16(len(name))
	return append(Marshal(&di), name...)
}

// InodeRefData encodes an inode ref followed by its name.
func InodeRefData(index uint64, name string) []byte {
	ref := InodeRef{Index: index, NameLen: uint16(len(name))}
	return append(Marshal(&ref), name...)
}
