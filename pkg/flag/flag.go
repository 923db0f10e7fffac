package flag

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import "github.com/spf13/pflag"

// Flag is a command line flag that registers itself on a pflag.FlagSet and
// validates its own value after parsing.
type Flag interface {
	FlagKey() string
	FlagShort() string
	FlagUsage() string
	FlagValidate() error
	AddTo(flagSet *pflag.FlagSet)
	AddUnhiddenTo(flagSet *pflag.FlagSet)
}

// Part holds the fields shared by every flag type.
type Part struct {
	Key    string
	short  string
	usage  string
	hidden bool
}

// NewFlagPart returns a new Part object
func NewFlagPart(key, usage string, hidden bool) Part {
	return Part{
		Key:    key,
		usage:  usage,
		hidden: hidden,
	}
}

// NewShortFlagPart returns a new Part object with a one letter shorthand
func NewShortFlagPart(key, short, usage string) Part {
	return Part{
		Key:   key,
		short: short,
		usage: usage,
	}
}

func (p Part) FlagKey() string {
	return p.Key
}

func (p Part) FlagShort() string {
	return p.short
}

func (p Part) FlagUsage() string {
	return p.usage
}

func (p Part) hide(flagSet *pflag.FlagSet) {
	if p.hidden {
		flag := flagSet.Lookup(p.Key)
		flag.Hidden = true
	}
}
