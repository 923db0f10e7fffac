package btrfs

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"strings"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/crypto/blake2b"
)

// CsumType selects the checksum algorithm for metadata blocks and the
// superblock.
type CsumType uint16

const (
	CsumCRC32C CsumType = 0
	CsumXXHash CsumType = 1
	CsumSHA256 CsumType = 2
	CsumBlake2 CsumType = 3
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

var csumNames = map[CsumType]string{
	CsumCRC32C: "crc32c",
	CsumXXHash: "xxhash",
	CsumSHA256: "sha256",
	CsumBlake2: "blake2",
}

// ParseCsumType accepts the names printed by String, plus a few aliases.
func ParseCsumType(s string) (CsumType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "crc32c", "crc32":
		return CsumCRC32C, nil
	case "xxhash", "xxhash64":
		return CsumXXHash, nil
	case "sha256":
		return CsumSHA256, nil
	case "blake2", "blake2b":
		return CsumBlake2, nil
	}
	return 0, fmt.Errorf("unknown checksum type '%s'", s)
}

func (t CsumType) String() string {
	if s, ok := csumNames[t]; ok {
		return s
	}
	return fmt.Sprintf("csum(%d)", uint16(t))
}

// Valid reports whether t is a known algorithm.
func (t CsumType) Valid() bool {
	_, ok := csumNames[t]
	return ok
}

// Size returns the number of meaningful bytes in a checksum of this type.
func (t CsumType) Size() int {
	switch t {
	case CsumCRC32C:
		return 4
	case CsumXXHash:
		return 8
	}
	return 32
}

// Sum checksums data. The result is zero-padded to CsumSize.
func (t CsumType) Sum(data []byte) [CsumSize]byte {
	var out [CsumSize]byte
	switch t {
	case CsumXXHash:
		binary.LittleEndian.PutUint64(out[:], xxhash.Sum64(data))
	case CsumSHA256:
		out = sha256.Sum256(data)
	case CsumBlake2:
		out = blake2b.Sum256(data)
	default:
		binary.LittleEndian.PutUint32(out[:], crc32.Checksum(data, castagnoli))
	}
	return out
}

// NameHash is the directory entry name hash: crc32c seeded with ~1 and not
// inverted on output.
func NameHash(name string) uint64 {
	return uint64(^crc32.Update(1, castagnoli, []byte(name)))
}
