package cli

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"
	"runtime"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vorteil/vmkfs/pkg/elog"
	"github.com/vorteil/vmkfs/pkg/vcfg"
)

var log elog.Logger

var (
	flagJSON    bool
	flagVerbose bool
	flagDebug   bool
	flagConfig  string
	flagDump    bool
	flagPartial bool
)

// conf is the configuration loaded before any command runs.
var conf *vcfg.VCFG

func InitializeCommands() {

	mkfsFlags.AddTo(RootCommand.Flags())

	// setup logging across all commands
	RootCommand.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable verbose output")
	RootCommand.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "enable debug output")
	RootCommand.PersistentFlags().BoolVarP(&flagJSON, "json", "j", false, "enable json output")
	RootCommand.PersistentFlags().StringVar(&flagConfig, "config", "", "configuration file (default ~/.vmkfs/conf.toml)")

	RootCommand.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {

		var err error
		conf, err = loadConfig(flagConfig)
		if err != nil {
			return err
		}

		setupLogging(conf.Logging)

		return nil
	}

	inspectCmd.Flags().BoolVar(&flagDump, "dump", false, "dump the raw superblock")
	inspectCmd.Flags().BoolVar(&flagPartial, "partial", false, "accept a filesystem whose construction did not finish")

	RootCommand.AddCommand(versionCmd)
	RootCommand.AddCommand(inspectCmd)
	RootCommand.AddCommand(probeCmd)
}

// setupLogging configures the global logger from the command line, falling
// back on the logging section of the configuration file.
func setupLogging(cfg vcfg.Logging) {

	logger := &elog.CLI{}

	if flagJSON || cfg.Format == "json" {
		logger.DisableTTY = true
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(logger)
	}

	logrus.SetLevel(logrus.TraceLevel)

	if flagDebug || cfg.Debug {
		logger.IsDebug = true
		logger.IsVerbose = true
	} else if flagVerbose || cfg.Verbose {
		logger.IsVerbose = true
	}

	log = logger
}

// loadConfig reads the configuration file at path, or the user's default
// configuration file if path is empty. Only an explicit path must exist.
func loadConfig(path string) (*vcfg.VCFG, error) {

	optional := path == ""
	if optional {
		var err error
		path, err = vcfg.DefaultPath()
		if err != nil {
			return new(vcfg.VCFG), nil
		}
	}

	return vcfg.LoadFilepath(path, optional)
}

var RootCommand = &cobra.Command{
	Use:   "vmkfs [flags] DEVICE...",
	Short: "Create a multi-device copy-on-write filesystem",
	Long: `vmkfs writes a new filesystem spanning one or more devices or image files.

The first device carries the bootstrap chunk. Every other device is attached
once the initial trees exist, and the block groups created while only one
device was known are removed before the filesystem is finalized.`,
	Example: `  vmkfs disk.raw
  vmkfs -m raid1 --data raid1 /dev/sdb /dev/sdc
  vmkfs --mixed --label boot --byte-count 512MiB disk.raw`,
	Args:          cobra.MinimumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	Run: func(cmd *cobra.Command, args []string) {
		err := runMkfs(cmd, args)
		if err != nil {
			SetError(err, exitCode(err))
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "View CLI version information",
	Long:  "View CLI version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {

		if flagJSON {
			err := printJSON(map[string]string{
				"release": release,
				"commit":  commit,
				"date":    date,
				"go":      runtime.Version(),
			})
			if err != nil {
				SetError(err, exitFailure)
			}
			return
		}

		fmt.Fprintf(stdout, "Version: %s\n", release)
		fmt.Fprintf(stdout, "Commit: %s\n", commit)
		fmt.Fprintf(stdout, "Release Date: %s\n", date)
	},
}
