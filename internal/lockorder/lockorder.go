// Debug-build lock-order assertions
// https://github.com/usbarmory/mhi
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package lockorder asserts, in debug builds only, that the core's locks
// are always acquired in the order §5 fixes: PM rw-lock, command-ring
// mutex, event-ring mutex, channel mutex, channel rw-lock. Acquiring a
// lock while already holding one at the same or a deeper level is a
// programming error, not a recoverable condition, so the debug build
// panics immediately with the offending goroutine's call stack rather than
// letting it surface later as an unexplained deadlock. The non-debug build
// (lockorder_release.go, built without the "mhi_debug" tag) compiles every
// call away to nothing.
package lockorder

// Level identifies a rung of the fixed lock hierarchy.
type Level int

const (
	PM Level = iota
	Cmd
	Event
	ChanMu
	ChanRW
)

func (l Level) String() string {
	switch l {
	case PM:
		return "PM"
	case Cmd:
		return "command-ring"
	case Event:
		return "event-ring"
	case ChanMu:
		return "channel-mu"
	case ChanRW:
		return "channel-rw"
	default:
		return "unknown"
	}
}
