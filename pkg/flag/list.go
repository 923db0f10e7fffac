package flag

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"

	"github.com/spf13/pflag"
)

// FlagsList contains an array of Flag objects
type FlagsList []Flag

// AddTo satisfies the Flag interface requirement
func (f FlagsList) AddTo(flagSet *pflag.FlagSet) {
	for _, x := range f {
		x.AddTo(flagSet)
	}
}

// AddUnhiddenTo satisfies the Flag interface requirement
func (f FlagsList) AddUnhiddenTo(flagSet *pflag.FlagSet) {
	for _, x := range f {
		x.AddUnhiddenTo(flagSet)
	}
}

// Validate runs every flag's validation and reports the first failure.
func (f FlagsList) Validate() error {
	for _, x := range f {
		err := x.FlagValidate()
		if err != nil {
			return fmt.Errorf("--%s: %w", x.FlagKey(), err)
		}
	}
	return nil
}

// Changed returns the keys of the flags set explicitly on the command line.
func (f FlagsList) Changed(flagSet *pflag.FlagSet) []string {
	var keys []string
	for _, x := range f {
		if flagSet.Changed(x.FlagKey()) {
			keys = append(keys, x.FlagKey())
		}
	}
	return keys
}
