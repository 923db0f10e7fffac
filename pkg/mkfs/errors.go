package mkfs

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"context"
	"errors"
	"fmt"
	"syscall"

	"github.com/vorteil/vmkfs/pkg/ctree"
	"github.com/vorteil/vmkfs/pkg/device"
)

// Kind classifies why construction failed.
type Kind int

const (
	InvalidArgument Kind = iota + 1
	DeviceUnavailable
	NoSpace
	InvalidProfile
	TreeStore
	IO
)

var kindNames = map[Kind]string{
	InvalidArgument:   "invalid argument",
	DeviceUnavailable: "device unavailable",
	NoSpace:           "out of space",
	InvalidProfile:    "invalid profile",
	TreeStore:         "tree store failure",
	IO:                "io failure",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind %d", int(k))
}

// Error lets a Kind be used as an errors.Is target.
func (k Kind) Error() string {
	return k.String()
}

// Targets for errors.Is.
var (
	ErrInvalidArgument   error = InvalidArgument
	ErrDeviceUnavailable error = DeviceUnavailable
	ErrNoSpace           error = NoSpace
	ErrInvalidProfile    error = InvalidProfile
	ErrTreeStore         error = TreeStore
	ErrIO                error = IO
)

// errUnknownType is returned for type masks no allocation counter exists
// for.
var errUnknownType = errors.New("unrecognized block group type")

// Error is returned by every exported function of the package.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// Errno returns the numeric cause: the errno carried by the underlying
// error if there is one, otherwise a value derived from the kind.
func (e *Error) Errno() syscall.Errno {
	var errno syscall.Errno
	if errors.As(e.Err, &errno) {
		return errno
	}
	if errors.Is(e.Err, context.Canceled) || errors.Is(e.Err, context.DeadlineExceeded) {
		return syscall.ECANCELED
	}
	switch e.Kind {
	case InvalidArgument, InvalidProfile:
		return syscall.EINVAL
	case DeviceUnavailable:
		return syscall.ENODEV
	case NoSpace:
		return syscall.ENOSPC
	}
	return syscall.EIO
}

func newError(kind Kind, op string, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// classify wraps err in an *Error, picking the kind from the sentinels the
// lower layers return.
func classify(op string, err error) error {

	if err == nil {
		return nil
	}

	var me *Error
	if errors.As(err, &me) {
		return err
	}

	var de *device.Error
	kind := IO
	switch {
	case errors.Is(err, ctree.ErrNoSpace), errors.Is(err, device.ErrTooSmall):
		kind = NoSpace
	case errors.Is(err, device.ErrExistingFilesystem):
		kind = InvalidArgument
	case errors.Is(err, errUnknownType):
		kind = InvalidProfile
	case errors.As(err, &de):
		kind = DeviceUnavailable
	case errors.Is(err, ctree.ErrAborted),
		errors.Is(err, ctree.ErrCorrupt),
		errors.Is(err, ctree.ErrNotFound),
		errors.Is(err, ctree.ErrExists),
		errors.Is(err, ctree.ErrTransaction),
		errors.Is(err, ctree.ErrTreeFull),
		errors.Is(err, ctree.ErrReadOnly),
		errors.Is(err, ctree.ErrInUse),
		errors.Is(err, ctree.ErrDeviceAlreadyKnown):
		kind = TreeStore
	}

	return &Error{Kind: kind, Op: op, Err: err}
}
