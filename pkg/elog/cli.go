package elog

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

// CLI is a Logger for command line tools. It writes through logrus and
// doubles as the logrus Formatter for human-readable output.
type CLI struct {
	IsDebug    bool
	IsVerbose  bool
	DisableTTY bool

	scope string
}

func (log *CLI) entry() *logrus.Entry {
	e := logrus.NewEntry(logrus.StandardLogger())
	if log.scope != "" {
		e = e.WithField("scope", log.scope)
	}
	return e
}

// IsLogLevelEnabled reports whether messages at level would be printed.
func (log *CLI) IsLogLevelEnabled(level LogLevel) bool {
	switch level {
	case TraceLevel, DebugLevel:
		return log.IsDebug
	case InfoLevel:
		return log.IsVerbose || log.IsDebug
	}
	return true
}

func (log *CLI) Logf(level LogLevel, format string, args ...interface{}) {
	if !log.IsLogLevelEnabled(level) {
		return
	}
	log.entry().Logf(logrus.Level(level), format, args...)
}

func (log *CLI) Tracef(format string, args ...interface{}) {
	log.Logf(TraceLevel, format, args...)
}

func (log *CLI) Debugf(format string, args ...interface{}) {
	log.Logf(DebugLevel, format, args...)
}

func (log *CLI) Infof(format string, args ...interface{}) {
	log.Logf(InfoLevel, format, args...)
}

func (log *CLI) Warnf(format string, args ...interface{}) {
	log.Logf(WarnLevel, format, args...)
}

func (log *CLI) Errorf(format string, args ...interface{}) {
	log.Logf(ErrorLevel, format, args...)
}

// Scoped returns a logger that tags every message with scope. Nested scopes
// are joined with a slash.
func (log *CLI) Scoped(scope string) Logger {
	x := *log
	if x.scope != "" {
		scope = x.scope + "/" + scope
	}
	x.scope = scope
	return &x
}

func (log *CLI) Finish(success bool) {}

func (log *CLI) tty() bool {
	if log.DisableTTY {
		return false
	}
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

var levelColours = map[logrus.Level]*color.Color{
	logrus.PanicLevel: color.New(color.FgRed, color.Bold),
	logrus.FatalLevel: color.New(color.FgRed, color.Bold),
	logrus.ErrorLevel: color.New(color.FgRed),
	logrus.WarnLevel:  color.New(color.FgYellow),
	logrus.InfoLevel:  color.New(color.FgGreen),
	logrus.DebugLevel: color.New(color.FgBlue),
	logrus.TraceLevel: color.New(color.FgCyan),
}

// Format satisfies logrus.Formatter.
func (log *CLI) Format(entry *logrus.Entry) ([]byte, error) {

	buf := new(bytes.Buffer)

	prefix := strings.ToUpper(entry.Level.String())
	if len(prefix) > 4 {
		prefix = prefix[:4]
	}

	if log.tty() {
		c := levelColours[entry.Level]
		c.EnableColor()
		prefix = c.Sprint(prefix)
	}
	fmt.Fprintf(buf, "%s ", prefix)

	if scope, ok := entry.Data["scope"]; ok {
		fmt.Fprintf(buf, "[%v] ", scope)
	}

	buf.WriteString(strings.TrimSuffix(entry.Message, "\n"))

	var keys []string
	for k := range entry.Data {
		if k != "scope" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(buf, " %s=%v", k, entry.Data[k])
	}

	buf.WriteByte('\n')
	return buf.Bytes(), nil
}
