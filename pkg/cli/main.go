package cli

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sisatech/tablewriter"
	"github.com/vorteil/vmkfs/pkg/mkfs"
)

var (
	release = "0.0.0"
	commit  = ""
	date    = "Thu, 01 Jan 1970 00:00:00 +0000"
)

// Each command executed may have a error message and status code
var errorStatusCode int
var errorStatusMessage error

// SetError sets the global variables for when the process exits to display accordingly
func SetError(err error, code int) {
	errorStatusCode = code
	errorStatusMessage = err
}

// HandleErrors reports the error recorded by SetError, if any, and exits
// with its status code.
func HandleErrors() {
	if errorStatusMessage == nil {
		return
	}
	if log != nil {
		log.Errorf("%v", errorStatusMessage)
	} else {
		fmt.Fprintln(os.Stderr, errorStatusMessage)
	}
	os.Exit(errorStatusCode)
}

// Exit codes.
const (
	exitOK = iota
	exitUsage
	exitDevice
	exitNoSpace
	exitFailure
)

// exitCode maps a construction error onto the process status.
func exitCode(err error) int {

	if err == nil {
		return exitOK
	}

	var e *mkfs.Error
	if !errors.As(err, &e) {
		return exitFailure
	}

	switch e.Kind {
	case mkfs.InvalidArgument, mkfs.InvalidProfile:
		return exitUsage
	case mkfs.DeviceUnavailable:
		return exitDevice
	case mkfs.NoSpace:
		return exitNoSpace
	}

	return exitFailure
}

var stdout io.Writer = os.Stdout

// PlainTable prints vals without borders. The first row is the header and
// is not printed.
func PlainTable(vals [][]string) {
	if len(vals) == 0 {
		panic(errors.New("no rows provided"))
	}

	table := tablewriter.NewWriter(stdout)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.SetColumnSeparator("")
	for i := 1; i < len(vals); i++ {
		table.Append(vals[i])
	}

	table.Render()
}

// HeaderTable prints vals with the first row as the table header.
func HeaderTable(vals [][]string) {
	if len(vals) == 0 {
		panic(errors.New("no rows provided"))
	}

	table := tablewriter.NewWriter(stdout)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.SetColumnSeparator("")
	table.SetHeader(vals[0])
	for i := 1; i < len(vals); i++ {
		table.Append(vals[i])
	}

	table.Render()
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, string(data))
	return err
}
