package btrfs

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"bytes"
	"encoding/binary"
	"reflect"
	"testing"
	"unsafe"
)

func offsetOf(obj, field interface{}) int {

	err := binary.Read(bytes.NewReader(make([]byte, binary.Size(obj))), binary.LittleEndian, obj)
	if err != nil {
		panic(err)
	}

	ptr := (*uint8)(unsafe.Pointer(reflect.ValueOf(field).Pointer()))
	val := *ptr
	*ptr = 0xFF

	buf := new(bytes.Buffer)
	err = binary.Write(buf, binary.LittleEndian, obj)
	if err != nil {
		panic(err)
	}

	*ptr = val
	data := buf.Bytes()

	for i, b := range data {
		if b != 0 {
			return i
		}
	}

	panic("field not found")
}

func TestStructureSizes(t *testing.T) {
	sizes := []struct {
		name string
		obj  interface{}
		size int
	}{
		{"Superblock", &Superblock{}, SuperInfoSize},
		{"Header", &Header{}, HeaderSize},
		{"Item", &Item{}, ItemSize},
		{"KeyPtr", &KeyPtr{}, KeyPtrSize},
		{"Key", &Key{}, KeySize},
		{"DevItem", &DevItem{}, DevItemSize},
		{"Chunk", &Chunk{}, ChunkSize},
		{"Stripe", &Stripe{}, StripeSize},
		{"DevExtent", &DevExtent{}, DevExtentSize},
		{"BlockGroupItem", &BlockGroupItem{}, BlockGroupItemSize},
		{"InodeItem", &InodeItem{}, InodeItemSize},
		{"RootItem", &RootItem{}, RootItemSize},
		{"DirItem", &DirItem{}, DirItemSize},
		{"InodeRef", &InodeRef{}, InodeRefSize},
		{"RootBackup", &RootBackup{}, RootBackupSize},
	}

	for _, s := range sizes {
		if n := binary.Size(s.obj); n != s.size {
			t.Errorf("struct %s has been corrupted (size %d, expected %d)", s.name, n, s.size)
		}
	}
}

func TestSuperblockOffsets(t *testing.T) {
	sb := new(Superblock)

	offsets := []struct {
		field  interface{}
		offset int
	}{
		{&sb.Magic, 0x40},
		{&sb.Root, 0x50},
		{&sb.TotalBytes, 0x70},
		{&sb.SectorSize, 0x90},
		{&sb.SysChunkArraySize, 0xa0},
		{&sb.CsumType, 0xc4},
		{&sb.DevItem, 0xc9},
		{&sb.Label, 0x12b},
		{&sb.NrGlobalRoots, 0x24b},
		{&sb.RemapRoot, 0x253},
		{&sb.SysChunkArray, 0x32b},
		{&sb.SuperRoots, 0xb2b},
	}

	for _, o := range offsets {
		if n := offsetOf(sb, o.field); n != o.offset {
			t.Errorf("struct Superblock has been corrupted (field at %#x, expected %#x)", n, o.offset)
		}
	}
}

func TestKeyCompare(t *testing.T) {
	keys := []Key{
		{1, RootItemKey, 0},
		{1, RootItemKey, 5},
		{1, BlockGroupItemKey, 0},
		{2, InodeItemKey, 0},
		MaxKey,
	}

	for i := range keys {
		if keys[i].Compare(keys[i]) != 0 {
			t.Errorf("key %v does not equal itself", keys[i])
		}
		for j := i + 1; j < len(keys); j++ {
			if !keys[i].Less(keys[j]) || keys[j].Compare(keys[i]) != 1 {
				t.Errorf("expected %v < %v", keys[i], keys[j])
			}
		}
	}
}

func TestChunkItemRoundTrip(t *testing.T) {
	c := &ChunkItem{
		Chunk: Chunk{
			Length:     8 << 20,
			Owner:      ExtentTreeObjectID,
			StripeLen:  StripeLen,
			Type:       BlockGroupMetadata | BlockGroupDUP,
			IOAlign:    4096,
			IOWidth:    4096,
			SectorSize: 4096,
			NumStripes: 2,
		},
		Stripes: []Stripe{
			{DevID: 1, Offset: 1 << 20},
			{DevID: 1, Offset: 9 << 20},
		},
	}

	data := c.Marshal()
	if len(data) != c.Size() || len(data) != 112 {
		t.Fatalf("chunk item encoded to %d bytes", len(data))
	}

	c2, n, err := UnmarshalChunkItem(append(data, 0xAA))
	if err != nil {
		t.Fatal(err)
	}
	if n != len(data) {
		t.Errorf("consumed %d bytes, expected %d", n, len(data))
	}
	if !reflect.DeepEqual(c, c2) {
		t.Errorf("chunk item did not survive encoding: %+v", c2)
	}

	_, _, err = UnmarshalChunkItem(data[:60])
	if err == nil {
		t.Errorf("truncated chunk item accepted")
	}
}

func TestDirItemData(t *testing.T) {
	data := DirItemData(DirItem{Type: FTDir}, "default")
	if len(data) != DirItemSize+7 {
		t.Errorf("dir item encoded to %d bytes", len(data))
	}
	if binary.LittleEndian.Uint16(data[27:]) != 7 {
		t.Errorf("dir item name length not set")
	}

	data = InodeRefData(0, "..")
	if len(data) != InodeRefSize+2 || string(data[InodeRefSize:]) != ".." {
		t.Errorf("inode ref encoded incorrectly: %v", data)
	}
}
