//go:build mhi_debug

// MHI debug lock-order assertions
// https://github.com/usbarmory/mhi
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package lockorder

import (
	"bytes"
	"fmt"
	"runtime"
	"strconv"
	"sync"
)

// numLevels is the hierarchy depth (PM, Cmd, Event, ChanMu, ChanRW).
const numLevels = 5

var (
	mu   sync.Mutex
	held = make(map[int64][numLevels]int)
)

// Acquire records that the calling goroutine is about to hold lock at
// level. It panics if the goroutine already holds a lock at level or
// deeper, since that can only happen by acquiring out of the fixed order.
func Acquire(level Level) {
	id := goroutineID()

	mu.Lock()
	defer mu.Unlock()

	counts := held[id]
	for l := int(level); l < len(counts); l++ {
		if counts[l] > 0 {
			panic(fmt.Sprintf("lockorder: goroutine %d acquiring %s while already holding %s", id, level, Level(l)))
		}
	}

	counts[level]++
	held[id] = counts
}

// Release records that the calling goroutine no longer holds a lock at
// level.
func Release(level Level) {
	id := goroutineID()

	mu.Lock()
	defer mu.Unlock()

	counts := held[id]
	if counts[level] == 0 {
		panic(fmt.Sprintf("lockorder: goroutine %d releasing %s it never acquired", id, level))
	}

	counts[level]--
	held[id] = counts

	empty := true
	for _, c := range counts {
		if c != 0 {
			empty = false
			break
		}
	}
	if empty {
		delete(held, id)
	}
}

// goroutineID extracts the calling goroutine's ID from its own stack
// trace header ("goroutine 123 [running]:"), the same trick debug-only
// race/deadlock detectors outside the standard library rely on since the
// runtime exposes no public API for it. It is only ever called from
// Acquire/Release, both compiled out entirely in non-debug builds.
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)

	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}

	id, err := strconv.ParseInt(string(fields[1]), 10, 64)
	if err != nil {
		return 0
	}

	return id
}
