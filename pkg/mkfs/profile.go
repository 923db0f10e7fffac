package mkfs

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"
	"strings"

	"github.com/vorteil/vmkfs/pkg/btrfs"
)

// Profile is a replication profile for block groups.
type Profile int

const (
	// ProfileAuto lets ResolveProfiles pick the profile.
	ProfileAuto Profile = iota
	Single
	DUP
	RAID0
	RAID1
	RAID1C3
	RAID1C4
	RAID10
	RAID5
	RAID6
)

var profiles = []struct {
	profile Profile
	name    string
	flags   uint64
	minDevs int
}{
	{ProfileAuto, "auto", 0, 1},
	{Single, "single", 0, 1},
	{DUP, "dup", btrfs.BlockGroupDUP, 1},
	{RAID0, "raid0", btrfs.BlockGroupRAID0, 2},
	{RAID1, "raid1", btrfs.BlockGroupRAID1, 2},
	{RAID1C3, "raid1c3", btrfs.BlockGroupRAID1C3, 3},
	{RAID1C4, "raid1c4", btrfs.BlockGroupRAID1C4, 4},
	{RAID10, "raid10", btrfs.BlockGroupRAID10, 4},
	{RAID5, "raid5", btrfs.BlockGroupRAID5, 2},
	{RAID6, "raid6", btrfs.BlockGroupRAID6, 3},
}

// Flags returns the block group profile bits. Single and auto have none.
func (p Profile) Flags() uint64 {
	for _, x := range profiles {
		if x.profile == p {
			return x.flags
		}
	}
	return 0
}

func (p Profile) String() string {
	for _, x := range profiles {
		if x.profile == p {
			return x.name
		}
	}
	return fmt.Sprintf("profile(%d)", int(p))
}

// MinDevices returns how many devices the profile needs.
func (p Profile) MinDevices() int {
	for _, x := range profiles {
		if x.profile == p {
			return x.minDevs
		}
	}
	return 1
}

func (p Profile) Valid() bool {
	return p >= ProfileAuto && p <= RAID6
}

// MarshalText implements encoding.TextMarshaler.
func (p Profile) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Profile) UnmarshalText(text []byte) error {
	x, err := ParseProfile(string(text))
	if err != nil {
		return err
	}
	*p = x
	return nil
}

// ParseProfile resolves a profile name. The empty string means auto.
func ParseProfile(s string) (Profile, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ProfileAuto, nil
	}
	for _, x := range profiles {
		if x.name == s {
			return x.profile, nil
		}
	}
	return ProfileAuto, newError(InvalidArgument, "profile", "unknown profile %q", s)
}

// ProfileFromFlags returns the profile named by the profile bits of flags.
func ProfileFromFlags(flags uint64) Profile {
	flags &= btrfs.BlockGroupProfileMask
	if flags == 0 {
		return Single
	}
	for _, x := range profiles {
		if x.flags == flags {
			return x.profile
		}
	}
	return ProfileAuto
}

// ResolveProfiles picks the metadata and data profiles for a filesystem of
// the given number of devices. Mixed filesystems keep metadata on auto and
// never allocate data separately.
func ResolveProfiles(devices int, meta, data Profile, mixed bool) (Profile, Profile) {

	if meta == ProfileAuto && !mixed {
		meta = Single
		if devices > 1 {
			meta = RAID1
		}
	}

	if data == ProfileAuto && !mixed {
		data = Single
		if devices > 1 {
			data = RAID1
		}
	}

	return meta, data
}
