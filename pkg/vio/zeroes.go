package vio

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"
	"io"
)

type zeroesReader struct {
}

func (rdr *zeroesReader) Read(p []byte) (n int, err error) {

	if len(p) == 0 {
		return
	}
	p[0] = 0
	for bp := 1; bp < len(p); bp *= 2 {
		copy(p[bp:], p[:bp])
	}

	return len(p), nil
}

// Zeroes is an endless stream of zero bytes.
var Zeroes = io.Reader(&zeroesReader{})

// ZeroAt overwrites n bytes of w starting at off with zeroes.
func ZeroAt(w io.WriterAt, off, n int64) error {

	if n <= 0 {
		return nil
	}

	k, err := io.CopyN(io.NewOffsetWriter(w, off), Zeroes, n)
	if err != nil {
		return fmt.Errorf("zeroing %d bytes at %d: wrote %d: %w", n, off, k, err)
	}

	return nil
}
