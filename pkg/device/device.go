package device

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/vorteil/vmkfs/pkg/btrfs"
	"github.com/vorteil/vmkfs/pkg/elog"
	"github.com/vorteil/vmkfs/pkg/vio"
	"golang.org/x/sync/errgroup"
)

const (
	MiB = 0x100000

	// MinDeviceSize is the smallest device a filesystem is built on.
	MinDeviceSize = 64 * MiB

	// ZeroedRegion is the length zeroed at the start, and with ZeroEnd at
	// the end, of every device.
	ZeroedRegion = 2 * MiB
)

var (
	ErrTooSmall           = errors.New("device too small")
	ErrExistingFilesystem = errors.New("device holds an existing filesystem")
)

// Error records a failed operation on a device.
type Error struct {
	Path string
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Prep describes one device to prepare and, once prepared, its outcome.
// Only the worker preparing it writes to a Prep.
type Prep struct {
	Path string

	// ByteCount limits how much of the device is used. Zero means all of
	// it. A device holding less is used in full, unless Exact is set, in
	// which case preparation fails before anything is written.
	ByteCount uint64
	Exact     bool

	// Flags are added to O_RDWR when opening.
	Flags int

	ZeroEnd bool
	Discard bool
	Zoned   bool

	Log elog.Logger

	File         *os.File
	DevByteCount uint64
	Err          error
}

func (p *Prep) logger() elog.Logger {
	if p.Log == nil {
		return elog.Discard()
	}
	return p.Log
}

func (p *Prep) fail(op string, err error) error {
	p.Err = &Error{Path: p.Path, Op: op, Err: err}
	return p.Err
}

// Close releases the device if Prepare opened it.
func (p *Prep) Close() error {
	if p.File == nil {
		return nil
	}
	err := p.File.Close()
	p.File = nil
	return err
}

// Prepare opens the device, works out its usable size, optionally discards
// its contents and zeroes the regions where stale filesystem signatures
// would be found. The outcome is also stored in p.Err.
func Prepare(p *Prep) error {

	log := p.logger()

	f, err := os.OpenFile(p.Path, os.O_RDWR|p.Flags, 0)
	if err != nil {
		return p.fail("open", err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return p.fail("stat", err)
	}

	var size uint64
	block := fi.Mode()&os.ModeDevice != 0
	if block {
		size, err = blockDeviceSize(f)
		if err != nil {
			f.Close()
			return p.fail("size", err)
		}
	} else {
		size = uint64(fi.Size())
	}

	if p.Exact && p.ByteCount > size {
		f.Close()
		return p.fail("size", fmt.Errorf("%d bytes requested, device holds %d: %w", p.ByteCount, size, ErrTooSmall))
	}
	if p.ByteCount > 0 && p.ByteCount < size {
		size = p.ByteCount
	}

	if size < MinDeviceSize {
		f.Close()
		return p.fail("size", fmt.Errorf("%d bytes, need at least %d: %w", size, MinDeviceSize, ErrTooSmall))
	}

	if p.Discard {
		if block {
			err = discardRange(f, 0, size)
		} else {
			err = punchHole(f, 0, size)
		}
		if err != nil {
			log.Debugf("discard %s: %v", p.Path, err)
		}
	}

	err = zeroRegions(f, size, p.ZeroEnd)
	if err != nil {
		f.Close()
		return p.fail("zero", err)
	}

	err = f.Sync()
	if err != nil {
		f.Close()
		return p.fail("sync", err)
	}

	log.Debugf("prepared %s: %d bytes", p.Path, size)

	p.File = f
	p.DevByteCount = size
	p.Err = nil

	return nil
}

func zeroRegions(f *os.File, size uint64, end bool) error {

	head := uint64(ZeroedRegion)
	if head > size {
		head = size
	}
	err := vio.ZeroAt(f, 0, int64(head))
	if err != nil {
		return err
	}

	for i := 0; i < btrfs.SuperMirrorMax; i++ {
		off := btrfs.SuperMirrorOffset(i)
		if off+btrfs.SuperInfoSize > size {
			break
		}
		err = vio.ZeroAt(f, int64(off), btrfs.SuperInfoSize)
		if err != nil {
			return err
		}
	}

	if end && size > ZeroedRegion {
		err = vio.ZeroAt(f, int64(size-ZeroedRegion), ZeroedRegion)
		if err != nil {
			return err
		}
	}

	return nil
}

// PrepareAll prepares every device concurrently and waits for all of them.
// Each outcome is left in its Prep; the returned error is that of the first
// device, which the filesystem cannot be built without. A failure of the
// first device stops devices that have not started yet.
func PrepareAll(ctx context.Context, preps []*Prep) error {

	if len(preps) == 0 {
		return errors.New("no devices")
	}

	g, ctx := errgroup.WithContext(ctx)
	for i, p := range preps {
		i, p := i, p
		g.Go(func() error {
			err := ctx.Err()
			if err != nil {
				p.Err = err
			} else {
				err = Prepare(p)
			}
			if i == 0 {
				return err
			}
			return nil
		})
	}

	return g.Wait()
}
