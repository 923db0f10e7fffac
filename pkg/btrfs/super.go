package btrfs

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"bytes"
	"errors"
	"fmt"
)

var (
	// ErrBadMagic is returned when a superblock carries neither the final nor
	// the temporary magic.
	ErrBadMagic = errors.New("bad superblock magic")

	// ErrBadChecksum is returned when checksum verification fails.
	ErrBadChecksum = errors.New("checksum mismatch")
)

// Encode serializes the superblock and fills in its checksum.
func (sb *Superblock) Encode() []byte {
	data := Marshal(sb)
	sum := CsumType(sb.CsumType).Sum(data[CsumSize:])
	copy(data[:CsumSize], sum[:])
	copy(sb.Csum[:], sum[:])
	return data
}

// DecodeSuperblock parses and verifies a superblock read from disk.
func DecodeSuperblock(data []byte) (*Superblock, error) {
	if len(data) < SuperInfoSize {
		return nil, fmt.Errorf("superblock truncated: %d bytes", len(data))
	}
	sb := new(Superblock)
	err := Unmarshal(data[:SuperInfoSize], sb)
	if err != nil {
		return nil, err
	}
	if sb.Magic != Magic && sb.Magic != MagicTemporary {
		return nil, ErrBadMagic
	}
	t := CsumType(sb.CsumType)
	if !t.Valid() {
		return nil, fmt.Errorf("unsupported checksum type %d", sb.CsumType)
	}
	sum := t.Sum(data[CsumSize:SuperInfoSize])
	if !bytes.Equal(sum[:t.Size()], sb.Csum[:t.Size()]) {
		return nil, fmt.Errorf("superblock: %w", ErrBadChecksum)
	}
	return sb, nil
}

// Temporary reports whether the superblock still carries the magic written
// while the filesystem is under construction.
func (sb *Superblock) Temporary() bool {
	return sb.Magic == MagicTemporary
}

// LabelString returns the label up to its first NUL.
func (sb *Superblock) LabelString() string {
	n := bytes.IndexByte(sb.Label[:], 0)
	if n < 0 {
		n = len(sb.Label)
	}
	return string(sb.Label[:n])
}

// SetLabel copies label into the superblock, truncating if necessary.
func (sb *Superblock) SetLabel(label string) {
	sb.Label = [LabelSize]byte{}
	copy(sb.Label[:LabelSize-1], label)
}

// SysChunks decodes the bootstrap chunk array.
func (sb *Superblock) SysChunks() ([]Key, []*ChunkItem, error) {
	var keys []Key
	var chunks []*ChunkItem
	if sb.SysChunkArraySize > SystemChunkArraySize {
		return nil, nil, fmt.Errorf("sys_chunk_array size %d too large", sb.SysChunkArraySize)
	}
	data := sb.SysChunkArray[:sb.SysChunkArraySize]
	for len(data) > 0 {
		if len(data) < KeySize {
			return nil, nil, fmt.Errorf("sys_chunk_array truncated")
		}
		var k Key
		err := Unmarshal(data[:KeySize], &k)
		if err != nil {
			return nil, nil, err
		}
		if k.Type != ChunkItemKey {
			return nil, nil, fmt.Errorf("unexpected key type %d in sys_chunk_array", k.Type)
		}
		c, n, err := UnmarshalChunkItem(data[KeySize:])
		if err != nil {
			return nil, nil, err
		}
		keys = append(keys, k)
		chunks = append(chunks, c)
		data = data[KeySize+n:]
	}
	return keys, chunks, nil
}

// AddSysChunk appends a chunk to the bootstrap chunk array.
func (sb *Superblock) AddSysChunk(k Key, c *ChunkItem) error {
	entry := append(Marshal(&k), c.Marshal()...)
	if int(sb.SysChunkArraySize)+len(entry) > SystemChunkArraySize {
		return fmt.Errorf("sys_chunk_array full")
	}
	copy(sb.SysChunkArray[sb.SysChunkArraySize:], entry)
	sb.SysChunkArraySize += uint32(len(entry))
	return nil
}

// RemoveSysChunk drops the chunk at logical offset off from the bootstrap
// chunk array. It is not an error if the chunk is absent.
func (sb *Superblock) RemoveSysChunk(off uint64) error {
	keys, chunks, err := sb.SysChunks()
	if err != nil {
		return err
	}
	sb.SysChunkArray = [SystemChunkArraySize]byte{}
	sb.SysChunkArraySize = 0
	for i := range keys {
		if keys[i].Offset == off {
			continue
		}
		err = sb.AddSysChunk(keys[i], chunks[i])
		if err != nil {
			return err
		}
	}
	return nil
}
