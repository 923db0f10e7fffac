package main

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"github.com/sirupsen/logrus"

	"github.com/vorteil/vmkfs/pkg/cli"
	"github.com/vorteil/vmkfs/pkg/elog"
)

func init() {
	log := &elog.CLI{}
	logrus.SetFormatter(log)
	logrus.SetLevel(logrus.TraceLevel)
}

func main() {

	defer cli.HandleErrors()

	cli.InitializeCommands()

	err := cli.RootCommand.Execute()
	if err != nil {
		cli.SetError(err, 1)
		return
	}

}
