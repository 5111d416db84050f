//go:build !mhi_debug

// MHI lock-order assertions, compiled out
// https://github.com/usbarmory/mhi
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package lockorder

// Acquire is a no-op without the mhi_debug build tag.
func Acquire(level Level) {}

// Release is a no-op without the mhi_debug build tag.
func Release(level Level) {}
