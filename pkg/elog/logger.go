package elog

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import "github.com/sirupsen/logrus"

type LogLevel uint32

const (
	ErrorLevel LogLevel = LogLevel(logrus.ErrorLevel)
	WarnLevel  LogLevel = LogLevel(logrus.WarnLevel)
	InfoLevel  LogLevel = LogLevel(logrus.InfoLevel)
	DebugLevel LogLevel = LogLevel(logrus.DebugLevel)
	TraceLevel LogLevel = LogLevel(logrus.TraceLevel)
)

type Logger interface {
	Debugf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Finish(success bool)
	Infof(format string, args ...interface{})
	IsLogLevelEnabled(level LogLevel) bool
	Logf(level LogLevel, format string, args ...interface{})
	Scoped(scope string) Logger
	Tracef(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

type discard struct{}

// Discard returns a Logger that drops everything.
func Discard() Logger {
	return discard{}
}

func (discard) Debugf(format string, args ...interface{}) {}
func (discard) Errorf(format string, args ...interface{}) {}
func (discard) Finish(success bool) {}
func (discard) Infof(format string, args ...interface{}) {}
func (discard) IsLogLevelEnabled(level LogLevel) bool { return false }
func (discard) Logf(level LogLevel, format string, args ...interface{}) {}
func (d discard) Scoped(scope string) Logger { return d }
func (discard) Tracef(format string, args ...interface{}) {}
func (discard) Warnf(format string, args ...interface{}) {}
