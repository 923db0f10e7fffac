package flag

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import "github.com/spf13/pflag"

type UintFlag struct {
	Part
	Value    uint
	Validate func(f UintFlag) error
}

// NewUintFlag creates a new UintFlag object
func NewUintFlag(key, usage string, hidden bool, validate func(UintFlag) error) UintFlag {
	return UintFlag{
		Part:     NewFlagPart(key, usage, hidden),
		Validate: validate,
	}
}

func (f *UintFlag) AddTo(flagSet *pflag.FlagSet) {
	f.AddUnhiddenTo(flagSet)
	f.hide(flagSet)
}

func (f *UintFlag) AddUnhiddenTo(flagSet *pflag.FlagSet) {
	if f.short == "" {
		flagSet.UintVar(&f.Value, f.Key, f.Value, f.usage)
	} else {
		flagSet.UintVarP(&f.Value, f.Key, f.short, f.Value, f.usage)
	}
}

func (f UintFlag) FlagValidate() error {
	if f.Validate == nil {
		return nil
	}
	return f.Validate(f)
}
