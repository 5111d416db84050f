// MHI register and doorbell access
// https://github.com/usbarmory/mhi
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package regio provides primitives for retrieving and modifying the
// device's memory-mapped control registers, generalizing a bare-metal
// register helper that poked raw physical addresses directly: here reads
// and writes are delegated to a RegisterIO collaborator (typically an mmap
// of the device's BAR, see MMIO), so the same field/poll helpers work
// whether the register space comes from real hardware, a simulated device
// in tests, or anything else a caller wires up.
package regio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrTimeout is returned by WaitFor/Wait when the condition never became
// true within the allotted time or context.
var ErrTimeout = errors.New("regio: wait timed out")

// RegisterIO is the minimal collaborator a Device needs: raw 32-bit
// register access at a byte offset into the device's control space.
type RegisterIO interface {
	ReadReg(offset uint32) (uint32, error)
	WriteReg(offset uint32, val uint32) error
}

// Device wraps a RegisterIO with field-level helpers and serializes access
// the way concurrent register pokes from different channels must be
// serialized on real hardware.
type Device struct {
	mu sync.Mutex
	io RegisterIO
}

// New returns a Device backed by the given RegisterIO.
func New(io RegisterIO) *Device {
	return &Device{io: io}
}

// Get reads the register at offset and extracts the (pos, mask) bit field.
func (d *Device) Get(offset uint32, pos int, mask int) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	val, err := d.io.ReadReg(offset)
	if err != nil {
		return 0, fmt.Errorf("regio: read %#x: %w", offset, err)
	}

	return (val >> pos) & uint32(mask), nil
}

// Read reads the full register at offset.
func (d *Device) Read(offset uint32) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	val, err := d.io.ReadReg(offset)
	if err != nil {
		return 0, fmt.Errorf("regio: read %#x: %w", offset, err)
	}

	return val, nil
}

// Write stores val into the register at offset.
func (d *Device) Write(offset uint32, val uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.io.WriteReg(offset, val); err != nil {
		return fmt.Errorf("regio: write %#x: %w", offset, err)
	}

	return nil
}

// Set sets a single bit in the register at offset.
func (d *Device) Set(offset uint32, pos int) error {
	return d.updateLocked(offset, func(v uint32) uint32 { return v | (1 << pos) })
}

// Clear clears a single bit in the register at offset.
func (d *Device) Clear(offset uint32, pos int) error {
	return d.updateLocked(offset, func(v uint32) uint32 { return v &^ (1 << pos) })
}

// SetN writes val into the (pos, mask) bit field of the register at offset,
// leaving the rest of the register untouched.
func (d *Device) SetN(offset uint32, pos int, mask int, val uint32) error {
	return d.updateLocked(offset, func(v uint32) uint32 {
		return (v &^ (uint32(mask) << pos)) | (val << pos)
	})
}

// ClearN clears the (pos, mask) bit field of the register at offset.
func (d *Device) ClearN(offset uint32, pos int, mask int) error {
	return d.updateLocked(offset, func(v uint32) uint32 {
		return v &^ (uint32(mask) << pos)
	})
}

// Or ORs val into the register at offset.
func (d *Device) Or(offset uint32, val uint32) error {
	return d.updateLocked(offset, func(v uint32) uint32 { return v | val })
}

func (d *Device) updateLocked(offset uint32, f func(uint32) uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	cur, err := d.io.ReadReg(offset)
	if err != nil {
		return fmt.Errorf("regio: read %#x: %w", offset, err)
	}

	if err := d.io.WriteReg(offset, f(cur)); err != nil {
		return fmt.Errorf("regio: write %#x: %w", offset, err)
	}

	return nil
}

// WaitFor polls a (pos, mask) bit field of the register at offset until it
// equals val or timeout elapses.
func (d *Device) WaitFor(timeout time.Duration, offset uint32, pos int, mask int, val uint32) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	return d.Wait(ctx, offset, pos, mask, val)
}

// Wait polls a (pos, mask) bit field of the register at offset until it
// equals val or ctx is done.
func (d *Device) Wait(ctx context.Context, offset uint32, pos int, mask int, val uint32) error {
	for {
		cur, err := d.Get(offset, pos, mask)
		if err != nil {
			return err
		}

		if cur == val {
			return nil
		}

		select {
		case <-ctx.Done():
			return ErrTimeout
		default:
		}

		time.Sleep(time.Microsecond)
	}
}

// WriteDoorbell64 writes a 64-bit doorbell value as two 32-bit register
// writes, upper half first. The device only acts on the value once the
// lower half lands, so the ordering matters whenever a doorbell register's
// high word alone could be misread as a complete (and stale) address.
func (d *Device) WriteDoorbell64(offsetLow uint32, val uint64) error {
	if err := d.Write(offsetLow+4, uint32(val>>32)); err != nil {
		return err
	}

	return d.Write(offsetLow, uint32(val))
}
