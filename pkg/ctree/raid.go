package ctree

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"

	"github.com/vorteil/vmkfs/pkg/btrfs"
)

type raidAttr struct {
	name          string
	minDevs       int
	maxDevs       int // 0 means as many as available
	devsIncrement int
	copies        int
	parity        int
	subStripes    int
	dup           bool
	redundancy    int // allocation preference, higher first
}

var raidAttrs = map[uint64]raidAttr{
	0:                       {name: "single", minDevs: 1, maxDevs: 1, devsIncrement: 1, copies: 1, subStripes: 1},
	btrfs.BlockGroupRAID0:   {name: "raid0", minDevs: 2, devsIncrement: 1, copies: 1, subStripes: 1, redundancy: 1},
	btrfs.BlockGroupDUP:     {name: "dup", minDevs: 1, maxDevs: 1, devsIncrement: 1, copies: 2, subStripes: 1, dup: true, redundancy: 2},
	btrfs.BlockGroupRAID1:   {name: "raid1", minDevs: 2, maxDevs: 2, devsIncrement: 1, copies: 2, subStripes: 1, redundancy: 3},
	btrfs.BlockGroupRAID10:  {name: "raid10", minDevs: 4, devsIncrement: 2, copies: 2, subStripes: 2, redundancy: 4},
	btrfs.BlockGroupRAID5:   {name: "raid5", minDevs: 2, devsIncrement: 1, copies: 1, parity: 1, subStripes: 1, redundancy: 5},
	btrfs.BlockGroupRAID6:   {name: "raid6", minDevs: 3, devsIncrement: 1, copies: 1, parity: 2, subStripes: 1, redundancy: 6},
	btrfs.BlockGroupRAID1C3: {name: "raid1c3", minDevs: 3, maxDevs: 3, devsIncrement: 1, copies: 3, subStripes: 1, redundancy: 7},
	btrfs.BlockGroupRAID1C4: {name: "raid1c4", minDevs: 4, maxDevs: 4, devsIncrement: 1, copies: 4, subStripes: 1, redundancy: 8},
}

func raidAttrFor(flags uint64) (raidAttr, error) {
	a, ok := raidAttrs[flags&btrfs.BlockGroupProfileMask]
	if !ok {
		return raidAttr{}, fmt.Errorf("unsupported block group profile %#x", flags&btrfs.BlockGroupProfileMask)
	}
	return a, nil
}

// dataStripes is the number of stripes whose capacity is addressable.
func (a raidAttr) dataStripes(numStripes int) int {
	switch {
	case a.parity > 0:
		return numStripes - a.parity
	case a.subStripes > 1:
		return numStripes / a.subStripes
	case a.copies > 1:
		return 1
	}
	return numStripes
}

// ProfileName returns the name of the profile bits in flags.
func ProfileName(flags uint64) string {
	a, err := raidAttrFor(flags)
	if err != nil {
		return fmt.Sprintf("%#x", flags&btrfs.BlockGroupProfileMask)
	}
	return a.name
}

// Redundancy orders profiles by how many failures they survive; mirrored
// profiles with more copies rank highest.
func Redundancy(flags uint64) int {
	a, _ := raidAttrFor(flags)
	return a.redundancy
}

// gfMul2 multiplies by the generator in GF(2^8) with polynomial 0x11d.
func gfMul2(x byte) byte {
	if x&0x80 != 0 {
		return x<<1 ^ 0x1d
	}
	return x << 1
}

// computeParity fills p with the XOR of data and, when q is non-nil, q with
// the Reed-Solomon syndrome sum(g^i * data[i]).
func computeParity(data [][]byte, p, q []byte) {
	for i := range p {
		p[i] = 0
	}
	for i := range q {
		q[i] = 0
	}
	for d := len(data) - 1; d >= 0; d-- {
		col := data[d]
		for i := range p {
			p[i] ^= col[i]
			if q != nil {
				q[i] = gfMul2(q[i]) ^ col[i]
			}
		}
	}
}
