// MHI error kinds
// https://github.com/usbarmory/mhi
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package mhi

import "errors"

// Sentinel error kinds surfaced to callers, matching the error classes a
// controller or channel operation can raise. Wrapping always uses
// fmt.Errorf's %w so callers can errors.Is/errors.As across this package's
// boundary.
var (
	// ErrInvalidArgument covers illegal state transitions and submission
	// to a channel the core does not allow direct submission on.
	ErrInvalidArgument = errors.New("mhi: invalid argument")

	// ErrNoMemory covers ring-full and buffer allocation failure.
	ErrNoMemory = errors.New("mhi: no memory")

	// ErrIO covers PM error states, malformed device pointers, aborted
	// drains, and non-success command completions.
	ErrIO = errors.New("mhi: i/o error")

	// ErrTimeout covers register polls and command completions that
	// never observed their target condition in time.
	ErrTimeout = errors.New("mhi: timeout")

	// ErrDisconnected is surfaced to clients on retire during teardown.
	ErrDisconnected = errors.New("mhi: disconnected")

	// ErrOverflow is returned by submission when the BW_REQ-governed
	// rate limiter rejects it outright; overflow of an already-posted
	// transfer is instead carried as XferResult.Status on completion.
	ErrOverflow = errors.New("mhi: submission rate limited")
)
