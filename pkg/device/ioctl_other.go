//go:build !linux

package device

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"errors"
	"io"
	"os"
)

func blockDeviceSize(f *os.File) (uint64, error) {
	n, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	return uint64(n), nil
}

func discardRange(f *os.File, off, length uint64) error {
	return errors.ErrUnsupported
}

func punchHole(f *os.File, off, length uint64) error {
	return errors.ErrUnsupported
}
