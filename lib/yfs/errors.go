// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package yfs is the top-level library wiring the block table (C1),
// allocator (C2), object table (C3), index trees (C4), write-back
// cache (C5), garbage collector (C6), and mount scan (C7) into the
// caller-facing operations of a mounted volume: Create, Unlink,
// Rename, Read, Write, Resize, Flush, Stat, Readdir, the xattr
// family, Mount, Unmount, Format, and Sync.
package yfs

import "fmt"

// Kind is an abstract error kind, one per the core's error-handling
// design; each maps to the traditional POSIX code a higher-level
// façade would translate it to, but this package never names a POSIX
// errno directly.
type Kind int

const (
	KindUnknown Kind = iota
	KindBadHandle
	KindNotFound
	KindNotDir
	KindIsDir
	KindNotEmpty
	KindExists
	KindNameTooLong
	KindLoop
	KindNoSpace
	KindNoMemory
	KindReadOnly
	KindCrossDevice
	KindBusy
	KindRange
	KindNoData
	KindIOError
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindBadHandle:
		return "bad-handle"
	case KindNotFound:
		return "not-found"
	case KindNotDir:
		return "not-dir"
	case KindIsDir:
		return "is-dir"
	case KindNotEmpty:
		return "not-empty"
	case KindExists:
		return "exists"
	case KindNameTooLong:
		return "name-too-long"
	case KindLoop:
		return "loop"
	case KindNoSpace:
		return "no-space"
	case KindNoMemory:
		return "no-memory"
	case KindReadOnly:
		return "read-only"
	case KindCrossDevice:
		return "cross-device"
	case KindBusy:
		return "busy"
	case KindRange:
		return "range"
	case KindNoData:
		return "no-data"
	case KindIOError:
		return "io-error"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is the single error type every core operation returns (spec
// §7's "every operation returns either success... or a single error
// kind").
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("yfs: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("yfs: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// Is reports whether err is a *Error of kind k, so callers can use
// k.Is(err) without a type assertion.
func (k Kind) Is(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == k
}
