package vcfg

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"code.cloudfoundry.org/bytefmt"
)

// Bytes is a quantity of bytes that can be written either as a plain number
// or with a unit suffix, such as "512M" or "1G".
type Bytes uint64

// Common byte constants
const (
	Byte Bytes = 0x1
	KiB  Bytes = 0x400
	MiB  Bytes = 0x100000
	GiB  Bytes = 0x40000000
)

// String returns a string representation of a Bytes object.
func (x Bytes) String() string {
	if x == 0 {
		return "0"
	}
	if x%KiB != 0 {
		return strconv.FormatUint(uint64(x), 10)
	}
	return bytefmt.ByteSize(uint64(x))
}

// MarshalText implements encoding.TextMarshaler. This interface is used by
// toml processing packages based on github.com/BurntSushi/toml.
func (x Bytes) MarshalText() (text []byte, err error) {
	return []byte(x.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (x *Bytes) UnmarshalText(text []byte) error {
	var err error
	*x, err = ParseBytes(string(text))
	return err
}

// MarshalJSON implements json.Marshaler.
func (x Bytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(x.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (x *Bytes) UnmarshalJSON(data []byte) error {
	return x.UnmarshalText([]byte(strings.Trim(string(data), "\"")))
}

// ParseBytes resolves a string into a Bytes object. A number without a
// suffix counts bytes.
func ParseBytes(s string) (Bytes, error) {

	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	if n, err := strconv.ParseUint(s, 0, 64); err == nil {
		return Bytes(n), nil
	}

	n, err := bytefmt.ToBytes(s)
	if err != nil {
		return 0, fmt.Errorf("parsing \"%s\": %v", s, err)
	}

	return Bytes(n), nil
}
