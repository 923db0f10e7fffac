package device

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/vorteil/vmkfs/pkg/btrfs"
)

// Signature names a recognizable on-disk format.
type Signature string

const (
	SignatureBtrfs        Signature = "btrfs"
	SignatureBtrfsPartial Signature = "btrfs (incomplete)"
	SignatureExt          Signature = "ext2/3/4"
	SignatureXFS          Signature = "xfs"
	SignatureGPT          Signature = "gpt"
	SignatureMBR          Signature = "mbr"
)

const (
	extMagicOffset = 1080
	extMagic       = 0xEF53
	gptOffset      = 512
	mbrMagicOffset = 510
	btrfsMagicAt   = 0x40
)

func readAt(r io.ReaderAt, off int64, n int) []byte {
	buf := make([]byte, n)
	k, err := r.ReadAt(buf, off)
	if k < n || (err != nil && !errors.Is(err, io.EOF)) {
		return nil
	}
	return buf
}

func probe(r io.ReaderAt, size uint64) []Signature {

	var sigs []Signature

	for i := 0; i < btrfs.SuperMirrorMax; i++ {
		off := btrfs.SuperMirrorOffset(i)
		if off+btrfs.SuperInfoSize > size {
			break
		}
		b := readAt(r, int64(off+btrfsMagicAt), 8)
		if b == nil {
			break
		}
		magic := binary.LittleEndian.Uint64(b)
		if magic == btrfs.Magic {
			sigs = append(sigs, SignatureBtrfs)
			break
		}
		if magic == btrfs.MagicTemporary {
			sigs = append(sigs, SignatureBtrfsPartial)
			break
		}
	}

	if b := readAt(r, extMagicOffset, 2); b != nil && binary.LittleEndian.Uint16(b) == extMagic {
		sigs = append(sigs, SignatureExt)
	}

	if b := readAt(r, 0, 4); b != nil && bytes.Equal(b, []byte("XFSB")) {
		sigs = append(sigs, SignatureXFS)
	}

	if b := readAt(r, gptOffset, 8); b != nil && bytes.Equal(b, []byte("EFI PART")) {
		sigs = append(sigs, SignatureGPT)
	}

	if b := readAt(r, mbrMagicOffset, 2); b != nil && b[0] == 0x55 && b[1] == 0xAA {
		sigs = append(sigs, SignatureMBR)
	}

	return sigs
}

// Probe reports every known signature found on the device at path.
func Probe(path string) ([]Signature, error) {

	f, err := os.Open(path)
	if err != nil {
		return nil, &Error{Path: path, Op: "open", Err: err}
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, &Error{Path: path, Op: "stat", Err: err}
	}

	var size uint64
	switch {
	case fi.Mode()&os.ModeDevice != 0:
		size, err = blockDeviceSize(f)
		if err != nil {
			return nil, &Error{Path: path, Op: "size", Err: err}
		}
	case fi.Mode().IsRegular():
		size = uint64(fi.Size())
	default:
		return nil, &Error{Path: path, Op: "probe", Err: errors.New("not a block device or regular file")}
	}

	return probe(f, size), nil
}

// TestForMkfs checks that path can be opened and, unless force is set,
// that it carries no existing filesystem or partition table.
func TestForMkfs(path string, force bool) error {

	sigs, err := Probe(path)
	if err != nil {
		return err
	}

	if len(sigs) > 0 && !force {
		var names []string
		for _, s := range sigs {
			names = append(names, string(s))
		}
		return fmt.Errorf("%s: found %s: %w", path, strings.Join(names, ", "), ErrExistingFilesystem)
	}

	return nil
}
