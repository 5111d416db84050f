// MHI doorbell burst-mode suppression
// https://github.com/usbarmory/mhi
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package regio

import "sync"

// DoorbellMode selects whether a ring's doorbell is rung on every write
// pointer advance or suppressed between device-granted windows.
type DoorbellMode int

const (
	// BurstDisabled rings the doorbell on every Ring call.
	BurstDisabled DoorbellMode = iota
	// BurstEnabled suppresses doorbell writes until the device re-arms
	// the latch via an out-of-band DB_MODE event.
	BurstEnabled
)

// Doorbell gates MMIO doorbell writes for a single ring. In burst mode the
// device only wants to be notified occasionally: the host suppresses every
// write until the device signals (via an OOB event) that it is ready for
// the next one, at which point the latch re-arms and, if the ring already
// has pending work, the host rings immediately.
type Doorbell struct {
	mu    sync.Mutex
	mode  DoorbellMode
	armed bool
}

// NewDoorbell returns a Doorbell in the given mode. A burst-mode doorbell
// starts disarmed: the first write is suppressed until the device's
// initial OOB event arms it.
func NewDoorbell(mode DoorbellMode) *Doorbell {
	return &Doorbell{mode: mode}
}

// Mode reports the doorbell's burst-suppression mode.
func (db *Doorbell) Mode() DoorbellMode {
	return db.mode
}

// Ring writes the doorbell, or suppresses the write, depending on mode and
// latch state. It reports whether the write was actually issued.
func (db *Doorbell) Ring(dev *Device, offsetLow uint32, val uint64) (bool, error) {
	if db.mode == BurstDisabled {
		if err := dev.WriteDoorbell64(offsetLow, val); err != nil {
			return false, err
		}
		return true, nil
	}

	db.mu.Lock()
	if !db.armed {
		db.mu.Unlock()
		return false, nil
	}
	db.armed = false
	db.mu.Unlock()

	if err := dev.WriteDoorbell64(offsetLow, val); err != nil {
		return false, err
	}

	return true, nil
}

// Rearm re-arms the burst latch, as the device requests via its DB_MODE
// out-of-band event. When the ring has outstanding work, the caller
// should immediately follow with Ring; Rearm itself never writes.
func (db *Doorbell) Rearm() {
	db.mu.Lock()
	db.armed = true
	db.mu.Unlock()
}

// Armed reports whether the next Ring call will actually write, for tests
// and diagnostics.
func (db *Doorbell) Armed() bool {
	db.mu.Lock()
	defer db.mu.Unlock()

	return db.mode == BurstDisabled || db.armed
}
