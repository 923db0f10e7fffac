package ctree

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vorteil/vmkfs/pkg/btrfs"
)

const testNodeSize = 4096

func testDevice(t *testing.T, size int64) *os.File {
	t.Helper()
	f, err := os.Create(filepath.Join(t.TempDir(), fmt.Sprintf("dev-%d", size)))
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	t.Cleanup(func() { f.Close() })
	return f
}

func testBootstrap(t *testing.T, dev *os.File, size uint64, compatRO uint64) {
	t.Helper()
	err := MakeBootstrap(dev, BootstrapConfig{
		FSID:          uuid.New(),
		ChunkTreeUUID: uuid.New(),
		DevUUID:       uuid.New(),
		Label:         "test",
		NodeSize:      testNodeSize,
		SectorSize:    4096,
		StripeSize:    4096,
		CsumType:      btrfs.CsumCRC32C,
		CompatRO:      compatRO,
		DevSize:       size,
	})
	require.NoError(t, err)
}

func testOpen(t *testing.T, devs ...*os.File) *FSInfo {
	t.Helper()
	var list []BlockDevice
	for _, d := range devs {
		list = append(list, d)
	}
	fs, err := Open(list, OpenWrites|OpenTemporarySuper)
	require.NoError(t, err)
	return fs
}

func testTransaction(t *testing.T, fs *FSInfo, fn func(trans *Transaction)) {
	t.Helper()
	trans, err := fs.StartTransaction()
	require.NoError(t, err)
	fn(trans)
	require.NoError(t, trans.Commit())
}

func itemKey(i int) btrfs.Key {
	return btrfs.Key{ObjectID: uint64(1000 + i), Type: btrfs.InodeItemKey}
}

func TestBootstrap(t *testing.T) {
	dev := testDevice(t, 256*MiB)
	testBootstrap(t, dev, 256*MiB, 0)

	_, err := Open([]BlockDevice{dev}, OpenWrites)
	assert.True(t, errors.Is(err, ErrCorrupt))

	fs := testOpen(t, dev)
	assert.Equal(t, uint64(1), fs.Generation())
	assert.Equal(t, "test", fs.Super().LabelString())
	assert.Len(t, fs.Roots(), 4)
	assert.NotNil(t, fs.ExtentRoot())
	assert.NotNil(t, fs.DevRoot())
	assert.NotNil(t, fs.FSRoot())
	assert.Len(t, fs.GlobalRoots(), 2)

	groups := fs.BlockGroups()
	require.Len(t, groups, 1)
	assert.Equal(t, uint64(btrfs.ReservedForSuper), groups[0].Start)
	assert.Equal(t, uint64(btrfs.MkfsSystemGroupSize), groups[0].Length)
	assert.Equal(t, btrfs.BlockGroupSystem, groups[0].Flags)
	assert.Equal(t, uint64(6*testNodeSize), groups[0].Used())

	data, err := LookupItem(fs.BlockGroupRoot(), btrfs.Key{ObjectID: groups[0].Start, Type: btrfs.BlockGroupItemKey, Offset: groups[0].Length})
	require.NoError(t, err)
	var bgi btrfs.BlockGroupItem
	require.NoError(t, btrfs.Unmarshal(data, &bgi))
	assert.Equal(t, groups[0].Used(), bgi.Used)

	devs := fs.Devices()
	require.Len(t, devs, 1)
	assert.Equal(t, uint64(btrfs.MkfsSystemGroupSize), devs[0].BytesUsed)
	assert.NoError(t, fs.Close())
}

func TestBootstrapOptionalTrees(t *testing.T) {
	dev := testDevice(t, 256*MiB)
	testBootstrap(t, dev, 256*MiB, btrfs.FeatureCompatROFreeSpaceTree|btrfs.FeatureCompatROBlockGroupTree)

	fs := testOpen(t, dev)
	assert.Len(t, fs.GlobalRoots(), 3)
	require.NotNil(t, fs.Root(btrfs.BlockGroupTreeObjectID, 0))
	assert.Equal(t, btrfs.BlockGroupTreeObjectID, fs.BlockGroupRoot().ObjectID())
	assert.Equal(t, 1, fs.BlockGroupRoot().NumItems())
	assert.Equal(t, 0, fs.ExtentRoot().NumItems())
}

func TestCopyOnWrite(t *testing.T) {
	dev := testDevice(t, 256*MiB)
	testBootstrap(t, dev, 256*MiB, 0)
	fs := testOpen(t, dev)

	before := fs.FSRoot().Bytenr()
	testTransaction(t, fs, func(trans *Transaction) {
		require.NoError(t, InsertItem(trans, fs.FSRoot(), itemKey(0), []byte("hello")))
	})

	assert.NotEqual(t, before, fs.FSRoot().Bytenr())
	assert.Equal(t, uint64(2), fs.FSRoot().Generation())
	assert.Equal(t, uint64(2), fs.Generation())
	assert.Equal(t, uint64(6*testNodeSize), fs.BlockGroups()[0].Used())

	// modifying again in one transaction keeps the block in place
	var moved uint64
	testTransaction(t, fs, func(trans *Transaction) {
		require.NoError(t, UpdateItem(trans, fs.FSRoot(), itemKey(0), []byte("world")))
		moved = fs.FSRoot().Bytenr()
		require.NoError(t, InsertItem(trans, fs.FSRoot(), itemKey(1), []byte("again")))
		assert.Equal(t, moved, fs.FSRoot().Bytenr())
	})
	require.NoError(t, fs.Close())

	fs = testOpen(t, dev)
	data, err := LookupItem(fs.FSRoot(), itemKey(0))
	require.NoError(t, err)
	assert.Equal(t, "world", string(data))
	assert.Equal(t, moved, fs.FSRoot().Bytenr())

	ri, err := LookupItem(fs.TreeRoot(), rootKey(btrfs.FSTreeObjectID, 0))
	require.NoError(t, err)
	var item btrfs.RootItem
	require.NoError(t, btrfs.Unmarshal(ri, &item))
	assert.Equal(t, moved, item.Bytenr)
	assert.Equal(t, uint64(3), item.Generation)
}

func TestSplitAndCollapse(t *testing.T) {
	dev := testDevice(t, 256*MiB)
	testBootstrap(t, dev, 256*MiB, 0)
	fs := testOpen(t, dev)

	const n = 400
	payload := bytes.Repeat([]byte{0xA5}, 100)

	testTransaction(t, fs, func(trans *Transaction) {
		for i := 0; i < n; i++ {
			require.NoError(t, InsertItem(trans, fs.FSRoot(), itemKey(i), payload))
		}
		err := InsertItem(trans, fs.FSRoot(), itemKey(7), payload)
		assert.True(t, errors.Is(err, ErrExists))
	})
	assert.Equal(t, uint8(1), fs.FSRoot().Level())
	require.NoError(t, fs.Close())

	fs = testOpen(t, dev)
	r := fs.FSRoot()
	assert.Equal(t, n, r.NumItems())
	assert.Equal(t, uint8(1), r.Level())

	var prev *btrfs.Key
	count := 0
	r.Ascend(btrfs.Key{}, func(key btrfs.Key, data []byte) bool {
		if prev != nil {
			assert.True(t, prev.Less(key))
		}
		k := key
		prev = &k
		count++
		return true
	})
	assert.Equal(t, n, count)

	p, err := SearchSlot(nil, r, itemKey(250), false)
	require.NoError(t, err)
	assert.True(t, p.Found())
	for i := 251; i < n; i++ {
		require.True(t, p.NextItem())
		assert.Equal(t, itemKey(i), p.Key())
	}
	assert.False(t, p.NextItem())

	testTransaction(t, fs, func(trans *Transaction) {
		for i := 0; i < n; i++ {
			require.NoError(t, DeleteItem(trans, fs.FSRoot(), itemKey(i)))
		}
		err := DeleteItem(trans, fs.FSRoot(), itemKey(0))
		assert.True(t, errors.Is(err, ErrNotFound))
	})
	assert.Equal(t, uint8(0), fs.FSRoot().Level())
	assert.Equal(t, 0, fs.FSRoot().NumItems())
	require.NoError(t, fs.Close())

	fs = testOpen(t, dev)
	assert.Equal(t, 0, fs.FSRoot().NumItems())
	assert.Equal(t, uint64(6*testNodeSize), fs.BlockGroups()[0].Used())
}

func usedBlocks(fs *FSInfo) uint64 {
	var n uint64
	for _, r := range fs.allRoots() {
		n += uint64(r.NumBlocks())
	}
	return n * fs.NodeSize()
}

func TestDeepTree(t *testing.T) {
	dev := testDevice(t, 256*MiB)
	testBootstrap(t, dev, 256*MiB, 0)
	fs := testOpen(t, dev)

	const n = 600
	payload := bytes.Repeat([]byte{0x5A}, 1000)

	testTransaction(t, fs, func(trans *Transaction) {
		for i := 0; i < n; i++ {
			require.NoError(t, InsertItem(trans, fs.FSRoot(), itemKey(i), payload))
		}
	})
	assert.Equal(t, uint8(2), fs.FSRoot().Level())
	require.NoError(t, fs.Close())

	fs = testOpen(t, dev)
	r := fs.FSRoot()
	assert.Equal(t, uint8(2), r.Level())
	assert.Equal(t, n, r.NumItems())
	assert.Equal(t, usedBlocks(fs), fs.BlockGroups()[0].Used())

	for _, i := range []int{0, 1, 299, 300, n - 1} {
		data, err := LookupItem(r, itemKey(i))
		require.NoError(t, err)
		assert.Equal(t, payload, data)
	}

	testTransaction(t, fs, func(trans *Transaction) {
		for i := 10; i < n; i++ {
			require.NoError(t, DeleteItem(trans, fs.FSRoot(), itemKey(i)))
		}
	})
	assert.Equal(t, uint8(1), fs.FSRoot().Level())
	require.NoError(t, fs.Close())

	fs = testOpen(t, dev)
	r = fs.FSRoot()
	assert.Equal(t, uint8(1), r.Level())
	assert.Equal(t, 10, r.NumItems())
	assert.Equal(t, usedBlocks(fs), fs.BlockGroups()[0].Used())

	p, err := SearchSlot(nil, r, itemKey(0), false)
	require.NoError(t, err)
	for i := 1; i < 10; i++ {
		require.True(t, p.NextItem())
		assert.Equal(t, itemKey(i), p.Key())
	}
	assert.False(t, p.NextItem())
	require.NoError(t, fs.Close())
}

func TestAllocChunk(t *testing.T) {
	dev := testDevice(t, 256*MiB)
	testBootstrap(t, dev, 256*MiB, 0)
	fs := testOpen(t, dev)

	var start, length uint64
	testTransaction(t, fs, func(trans *Transaction) {
		var err error
		start, length, err = fs.AllocChunk(trans, btrfs.BlockGroupMetadata)
		require.NoError(t, err)
		require.NoError(t, fs.MakeBlockGroup(trans, btrfs.BlockGroupMetadata, start, length))
	})
	assert.Equal(t, uint64(5*MiB), start)
	assert.Equal(t, uint64(25*MiB), length)

	testTransaction(t, fs, func(trans *Transaction) {
		require.NoError(t, InsertItem(trans, fs.FSRoot(), itemKey(0), []byte("x")))
	})
	b := fs.FSRoot().Bytenr()
	assert.True(t, b >= start && b < start+length, "fs tree block %d outside metadata group", b)
	require.NoError(t, fs.Close())

	fs = testOpen(t, dev)
	groups := fs.BlockGroups()
	require.Len(t, groups, 2)
	assert.Equal(t, btrfs.BlockGroupMetadata, groups[1].Flags)
	assert.True(t, groups[1].Used() > 0)

	var dup uint64
	testTransaction(t, fs, func(trans *Transaction) {
		var err error
		dup, _, err = fs.AllocChunk(trans, btrfs.BlockGroupMetadata|btrfs.BlockGroupDUP)
		require.NoError(t, err)
		require.NoError(t, fs.MakeBlockGroup(trans, btrfs.BlockGroupMetadata|btrfs.BlockGroupDUP, dup, 25*MiB))
	})
	cm := fs.chunkFor(dup)
	require.NotNil(t, cm)
	require.Len(t, cm.stripes, 2)
	assert.Equal(t, cm.stripes[0].offset+25*MiB, cm.stripes[1].offset)
	assert.Equal(t, uint64(4*MiB+25*MiB+50*MiB), fs.Devices()[0].BytesUsed)
}

func TestAllocChunkNoSpace(t *testing.T) {
	dev := testDevice(t, 256*MiB)
	testBootstrap(t, dev, 256*MiB, 0)
	fs := testOpen(t, dev)

	trans, err := fs.StartTransaction()
	require.NoError(t, err)

	items := fs.ChunkRoot().NumItems()
	_, _, err = fs.AllocChunk(trans, btrfs.BlockGroupData|btrfs.BlockGroupRAID1)
	assert.True(t, errors.Is(err, ErrNoSpace))
	assert.Equal(t, items, fs.ChunkRoot().NumItems())
	assert.Equal(t, 1, fs.chunks.Len())

	_, _, err = fs.AllocChunk(trans, btrfs.BlockGroupData|btrfs.BlockGroupRAID0|btrfs.BlockGroupRAID1)
	assert.Error(t, err)

	require.NoError(t, trans.Commit())
}

func TestRemoveBlockGroup(t *testing.T) {
	dev := testDevice(t, 256*MiB)
	testBootstrap(t, dev, 256*MiB, 0)
	fs := testOpen(t, dev)

	var start, length uint64
	testTransaction(t, fs, func(trans *Transaction) {
		var err error
		start, length, err = fs.AllocChunk(trans, btrfs.BlockGroupData)
		require.NoError(t, err)
		require.NoError(t, fs.MakeBlockGroup(trans, btrfs.BlockGroupData, start, length))
	})

	testTransaction(t, fs, func(trans *Transaction) {
		err := fs.RemoveBlockGroup(trans, btrfs.ReservedForSuper, btrfs.MkfsSystemGroupSize)
		assert.True(t, errors.Is(err, ErrInUse))
		err = fs.RemoveBlockGroup(trans, start, length+1)
		assert.True(t, errors.Is(err, ErrNotFound))
		require.NoError(t, fs.RemoveBlockGroup(trans, start, length))
	})
	require.NoError(t, fs.Close())

	fs = testOpen(t, dev)
	assert.Len(t, fs.BlockGroups(), 1)
	assert.Equal(t, 1, fs.chunks.Len())
	assert.Equal(t, uint64(btrfs.MkfsSystemGroupSize), fs.Devices()[0].BytesUsed)
	_, err := LookupItem(fs.DevRoot(), btrfs.Key{ObjectID: 1, Type: btrfs.DevExtentKey, Offset: 5 * MiB})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestProfiles(t *testing.T) {
	profiles := []struct {
		flags   uint64
		devices int
	}{
		{btrfs.BlockGroupDUP, 1},
		{btrfs.BlockGroupRAID0, 2},
		{btrfs.BlockGroupRAID1, 2},
		{btrfs.BlockGroupRAID1C3, 3},
		{btrfs.BlockGroupRAID10, 4},
		{btrfs.BlockGroupRAID5, 3},
		{btrfs.BlockGroupRAID6, 4},
	}

	for _, p := range profiles {
		t.Run(ProfileName(p.flags), func(t *testing.T) {
			var files []*os.File
			for i := 0; i < p.devices; i++ {
				files = append(files, testDevice(t, 128*MiB))
			}
			testBootstrap(t, files[0], 128*MiB, 0)
			fs := testOpen(t, files[0])

			flags := btrfs.BlockGroupMetadata | p.flags
			var start, length uint64
			testTransaction(t, fs, func(trans *Transaction) {
				for _, f := range files[1:] {
					_, err := fs.AddDevice(trans, f, f.Name(), 128*MiB)
					require.NoError(t, err)
				}
				var err error
				start, length, err = fs.AllocChunk(trans, flags)
				require.NoError(t, err)
				require.NoError(t, fs.MakeBlockGroup(trans, flags, start, length))
			})

			for _, f := range files[1:] {
				assert.True(t, fs.DeviceAlreadyInRoot(f))
			}
			assert.False(t, fs.DeviceAlreadyInRoot(testDevice(t, 8*MiB)))

			testTransaction(t, fs, func(trans *Transaction) {
				for i := 0; i < 100; i++ {
					require.NoError(t, InsertItem(trans, fs.FSRoot(), itemKey(i), bytes.Repeat([]byte{byte(i)}, 64)))
				}
			})
			for _, b := range fs.FSRoot().blocks() {
				assert.True(t, b.bytenr >= start && b.bytenr < start+length)
				checkParity(t, fs, b.bytenr)
			}
			require.NoError(t, fs.Close())

			// any member can lead
			reversed := make([]*os.File, len(files))
			for i := range files {
				reversed[len(files)-1-i] = files[i]
			}
			fs = testOpen(t, reversed...)
			assert.Equal(t, 100, fs.FSRoot().NumItems())
			assert.Equal(t, uint64(p.devices), fs.Super().NumDevices)
			assert.Equal(t, uint64(p.devices)*128*MiB, fs.TotalBytes())
		})
	}
}

func checkParity(t *testing.T, fs *FSInfo, bytenr uint64) {
	cm := fs.chunkFor(bytenr)
	_, row := cm.locate(bytenr)
	if row == nil {
		return
	}
	read := func(l physLoc) []byte {
		buf := make([]byte, fs.nodesize)
		_, err := l.dev.file.ReadAt(buf, int64(l.offset))
		require.NoError(t, err)
		return buf
	}
	var cols [][]byte
	for _, l := range row.data {
		cols = append(cols, read(l))
	}
	p := make([]byte, fs.nodesize)
	var q []byte
	if len(row.parity) > 1 {
		q = make([]byte, fs.nodesize)
	}
	computeParity(cols, p, q)
	assert.Equal(t, p, read(row.parity[0]))
	if q != nil {
		assert.Equal(t, q, read(row.parity[1]))
	}
}

func TestParityMath(t *testing.T) {
	a := []byte{0x01, 0x80, 0xFF}
	b := []byte{0x02, 0x80, 0x0F}
	p := make([]byte, 3)
	q := make([]byte, 3)
	computeParity([][]byte{a, b}, p, q)
	assert.Equal(t, []byte{0x03, 0x00, 0xF0}, p)
	// q = a ^ 2*b
	assert.Equal(t, []byte{0x01 ^ 0x04, 0x80 ^ 0x1d, 0xFF ^ 0x1e}, q)
}

func TestAbort(t *testing.T) {
	dev := testDevice(t, 256*MiB)
	testBootstrap(t, dev, 256*MiB, 0)
	fs := testOpen(t, dev)

	trans, err := fs.StartTransaction()
	require.NoError(t, err)
	_, err = fs.StartTransaction()
	assert.True(t, errors.Is(err, ErrTransaction))

	require.NoError(t, InsertItem(trans, fs.FSRoot(), itemKey(0), []byte("lost")))
	trans.Abort(errors.New("test"))

	assert.True(t, errors.Is(trans.Commit(), ErrAborted))
	_, err = fs.StartTransaction()
	assert.True(t, errors.Is(err, ErrAborted))

	fs.SetFinalized()
	require.NoError(t, fs.Close())

	// still the bootstrap image
	_, err = Open([]BlockDevice{dev}, 0)
	assert.Error(t, err)
	fs = testOpen(t, dev)
	assert.Equal(t, uint64(1), fs.Generation())
	assert.Equal(t, 0, fs.FSRoot().NumItems())
}

func TestAddDeviceAbort(t *testing.T) {
	dev := testDevice(t, 256*MiB)
	testBootstrap(t, dev, 256*MiB, 0)
	extra := testDevice(t, 128*MiB)
	fs := testOpen(t, dev)

	trans, err := fs.StartTransaction()
	require.NoError(t, err)
	_, err = fs.AddDevice(trans, extra, extra.Name(), 128*MiB)
	require.NoError(t, err)

	_, err = readSuper(extra, btrfs.SuperInfoOffset)
	assert.True(t, errors.Is(err, btrfs.ErrBadMagic))
	assert.False(t, fs.DeviceAlreadyInRoot(extra))

	trans.Abort(errors.New("test"))
	fs.SetFinalized()
	require.NoError(t, fs.Close())

	_, err = readSuper(extra, btrfs.SuperInfoOffset)
	assert.True(t, errors.Is(err, btrfs.ErrBadMagic))

	fs = testOpen(t, dev)
	assert.Len(t, fs.Devices(), 1)
	trans, err = fs.StartTransaction()
	require.NoError(t, err)
	_, err = fs.AddDevice(trans, extra, extra.Name(), 128*MiB)
	require.NoError(t, err)
	require.NoError(t, trans.Commit())

	sb, err := readSuper(extra, btrfs.SuperInfoOffset)
	require.NoError(t, err)
	assert.Equal(t, fs.FSID(), uuid.UUID(sb.FSID))
	assert.Equal(t, uint64(2), sb.DevItem.DevID)
	assert.True(t, fs.DeviceAlreadyInRoot(extra))
	require.NoError(t, fs.Close())
}

func TestFinalize(t *testing.T) {
	dev := testDevice(t, 256*MiB)
	testBootstrap(t, dev, 256*MiB, 0)
	fs := testOpen(t, dev)
	fs.SetFinalized()
	require.NoError(t, fs.Close())

	fs, err := Open([]BlockDevice{dev}, 0)
	require.NoError(t, err)
	assert.False(t, fs.Super().Temporary())

	_, err = fs.StartTransaction()
	assert.True(t, errors.Is(err, ErrReadOnly))
}

func TestSuperMirrorExcluded(t *testing.T) {
	assert.True(t, overlapsSuper(64*MiB, testNodeSize))
	assert.True(t, overlapsSuper(64*MiB-testNodeSize+1, testNodeSize))
	assert.False(t, overlapsSuper(64*MiB+btrfs.SuperInfoSize, testNodeSize))
	assert.False(t, overlapsSuper(5*MiB, testNodeSize))

	dev := testDevice(t, 256*MiB)
	testBootstrap(t, dev, 256*MiB, 0)
	fs := testOpen(t, dev)

	var start uint64
	testTransaction(t, fs, func(trans *Transaction) {
		for i := 0; i < 2; i++ {
			_, _, err := fs.AllocChunk(trans, btrfs.BlockGroupData)
			require.NoError(t, err)
		}
		var length uint64
		var err error
		start, length, err = fs.AllocChunk(trans, btrfs.BlockGroupMetadata)
		require.NoError(t, err)
		require.NoError(t, fs.MakeBlockGroup(trans, btrfs.BlockGroupMetadata, start, length))
	})

	// the third chunk spans physical 64 MiB
	g := fs.groupFor(start)
	require.NotNil(t, g)
	cm := fs.chunkFor(start)
	slot := int((64*MiB - cm.stripes[0].offset) / testNodeSize)
	assert.True(t, testBit(g.excluded, slot))
	assert.Equal(t, 1, countBits(g.excluded))
}

func countBits(m []uint64) int {
	n := 0
	for i := 0; i < len(m)*64; i++ {
		if testBit(m, i) {
			n++
		}
	}
	return n
}
