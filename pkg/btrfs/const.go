package btrfs

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

const (
	Magic          = 0x4D5F53665248425F // "_BHRfS_M"
	MagicTemporary = 0x4D5F536652484221 // "!BHRfS_M"

	SuperInfoOffset  = 0x10000
	SuperInfoSize    = 0x1000
	SuperMirrorMax   = 3
	SuperMirrorShift = 12

	LabelSize            = 256
	SystemChunkArraySize = 2048
	NumBackupRoots       = 4
	MaxLevel             = 8
	UUIDSize             = 16
	CsumSize             = 32

	HeaderSize = 101
	ItemSize   = 25
	KeyPtrSize = 33
	KeySize    = 17
	StripeLen  = 0x10000

	// ReservedForSuper is the region at the start of every device that is
	// never handed out to chunks.
	ReservedForSuper = 0x100000

	// MkfsSystemGroupSize is the size of the bootstrap system chunk.
	MkfsSystemGroupSize = 0x400000

	MinNodeSize   = 4096
	MaxNodeSize   = 65536
	MinSectorSize = 4096
)

// SuperMirrorOffset returns the byte offset of superblock copy i.
func SuperMirrorOffset(i int) uint64 {
	if i == 0 {
		return SuperInfoOffset
	}
	return uint64(16*1024) << (SuperMirrorShift * uint(i))
}

// Object ids.
const (
	RootTreeObjectID       uint64 = 1
	ExtentTreeObjectID     uint64 = 2
	ChunkTreeObjectID      uint64 = 3
	DevTreeObjectID        uint64 = 4
	FSTreeObjectID         uint64 = 5
	RootTreeDirObjectID    uint64 = 6
	CsumTreeObjectID       uint64 = 7
	QuotaTreeObjectID      uint64 = 8
	UUIDTreeObjectID       uint64 = 9
	FreeSpaceTreeObjectID  uint64 = 10
	BlockGroupTreeObjectID uint64 = 11
	RaidStripeTreeObjectID uint64 = 12
	RemapTreeObjectID      uint64 = 13
	DevItemsObjectID       uint64 = 1
	DataRelocTreeObjectID  uint64 = 1<<64 - 9
	FirstFreeObjectID      uint64 = 256
	FirstChunkTreeObjectID uint64 = 256
)

// Key types.
const (
	InodeItemKey      uint8 = 1
	InodeRefKey       uint8 = 12
	DirItemKey        uint8 = 84
	DirIndexKey       uint8 = 96
	RootItemKey       uint8 = 132
	RootBackrefKey    uint8 = 144
	RootRefKey        uint8 = 156
	ExtentItemKey     uint8 = 168
	MetadataItemKey   uint8 = 169
	BlockGroupItemKey uint8 = 192
	FreeSpaceInfoKey  uint8 = 198
	DevExtentKey      uint8 = 204
	DevItemKey        uint8 = 216
	ChunkItemKey      uint8 = 228
	UUIDKeySubvol     uint8 = 251
)

// Block group type and profile bits.
const (
	BlockGroupData          uint64 = 1 << 0
	BlockGroupSystem        uint64 = 1 << 1
	BlockGroupMetadata      uint64 = 1 << 2
	BlockGroupRAID0         uint64 = 1 << 3
	BlockGroupRAID1         uint64 = 1 << 4
	BlockGroupDUP           uint64 = 1 << 5
	BlockGroupRAID10        uint64 = 1 << 6
	BlockGroupRAID5         uint64 = 1 << 7
	BlockGroupRAID6         uint64 = 1 << 8
	BlockGroupRAID1C3       uint64 = 1 << 9
	BlockGroupRAID1C4       uint64 = 1 << 10
	BlockGroupRemapped      uint64 = 1 << 11
	BlockGroupMetadataRemap uint64 = 1 << 12

	BlockGroupTypeMask = BlockGroupData | BlockGroupSystem | BlockGroupMetadata | BlockGroupMetadataRemap

	BlockGroupRAID56Mask  = BlockGroupRAID5 | BlockGroupRAID6
	BlockGroupRAID1Mask   = BlockGroupRAID1 | BlockGroupRAID1C3 | BlockGroupRAID1C4
	BlockGroupProfileMask = BlockGroupRAID0 | BlockGroupRAID1 | BlockGroupDUP |
		BlockGroupRAID10 | BlockGroupRAID56Mask | BlockGroupRAID1C3 | BlockGroupRAID1C4
)

// Incompat feature bits.
const (
	FeatureIncompatMixedBackref   uint64 = 1 << 0
	FeatureIncompatDefaultSubvol  uint64 = 1 << 1
	FeatureIncompatMixedGroups    uint64 = 1 << 2
	FeatureIncompatCompressLZO    uint64 = 1 << 3
	FeatureIncompatCompressZSTD   uint64 = 1 << 4
	FeatureIncompatBigMetadata    uint64 = 1 << 5
	FeatureIncompatExtendedIref   uint64 = 1 << 6
	FeatureIncompatRAID56         uint64 = 1 << 7
	FeatureIncompatSkinnyMetadata uint64 = 1 << 8
	FeatureIncompatNoHoles        uint64 = 1 << 9
	FeatureIncompatMetadataUUID   uint64 = 1 << 10
	FeatureIncompatRAID1C34       uint64 = 1 << 11
	FeatureIncompatZoned          uint64 = 1 << 12
	FeatureIncompatExtentTreeV2   uint64 = 1 << 13
	FeatureIncompatRaidStripeTree uint64 = 1 << 14
	FeatureIncompatSimpleQuota    uint64 = 1 << 16
	FeatureIncompatRemapTree      uint64 = 1 << 17
)

// Compat-ro feature bits.
const (
	FeatureCompatROFreeSpaceTree      uint64 = 1 << 0
	FeatureCompatROFreeSpaceTreeValid uint64 = 1 << 1
	FeatureCompatROVerity             uint64 = 1 << 2
	FeatureCompatROBlockGroupTree     uint64 = 1 << 3
)

// File types used in dir items.
const (
	FTRegFile uint8 = 1
	FTDir     uint8 = 2
)

const (
	HeaderFlagWritten uint64 = 1 << 0
	MixedBackrefRev   uint64 = 1
	BackrefRevShift          = 56
)
