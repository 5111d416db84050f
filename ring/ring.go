// MHI ring primitives
// https://github.com/usbarmory/mhi
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package ring implements the base/write-pointer/read-pointer arithmetic
// shared by MHI transfer, event and command rings: wraparound, fullness,
// and translation between device-visible (IOMMU) addresses and host-virtual
// offsets.
//
// A Ring owns a contiguous, element-sized backing store (normally allocated
// through dma.Region so its address can be handed to a device) and tracks
// wp/rp as byte offsets into that store. One element is always left unused
// so that wp == rp is unambiguously "empty" and advance(wp) == rp is
// unambiguously "full".
package ring

import (
	"sync/atomic"
)

// Ring is a fixed-size circular buffer of equal-sized elements shared
// between host and device.
type Ring struct {
	// mem is the host-virtual backing store.
	mem []byte

	// iommuBase is the device-visible (IOMMU/bus) address of mem[0].
	iommuBase uint64

	// elemSize is the fixed element size in bytes.
	elemSize int

	// wp and rp are byte offsets into mem, always element-aligned.
	wp uint64
	rp uint64

	// ctxtWP, if non-nil, is the device-shared context slot the host
	// publishes its write pointer into (nil for event rings, whose wp
	// is host-local bookkeeping only).
	ctxtWP *uint64
}

// New allocates a ring over an existing backing store. iommuBase is the
// device-visible address of mem[0]; elemSize must evenly divide len(mem).
// ctxtWP may be nil when the ring has no device-published write pointer
// (event rings publish rp instead, via their event-ring context).
func New(mem []byte, iommuBase uint64, elemSize int, ctxtWP *uint64) *Ring {
	return &Ring{
		mem:       mem,
		iommuBase: iommuBase,
		elemSize:  elemSize,
		ctxtWP:    ctxtWP,
	}
}

// Len returns the ring capacity in elements (including the one deliberately
// unused slot).
func (r *Ring) Len() int {
	return len(r.mem) / r.elemSize
}

// ElemSize returns the fixed element size in bytes.
func (r *Ring) ElemSize() int {
	return r.elemSize
}

// IOMMUBase returns the device-visible base address of the ring.
func (r *Ring) IOMMUBase() uint64 {
	return r.iommuBase
}

// WP returns the current host-local write pointer, as a byte offset.
func (r *Ring) WP() uint64 {
	return atomic.LoadUint64(&r.wp)
}

// RP returns the current host-local read pointer, as a byte offset.
func (r *Ring) RP() uint64 {
	return atomic.LoadUint64(&r.rp)
}

// SetRP forcibly repositions the read pointer, used only when resyncing to
// a device-published pointer that has already been validated.
func (r *Ring) SetRP(off uint64) {
	atomic.StoreUint64(&r.rp, off)
}

// SetWP forcibly repositions the write pointer without publishing ctxtWP.
// Event rings use this to mirror the device's own published write
// pointer (events posted so far) after validating it, rather than
// advancing wp through AdvanceWP as a transfer ring would.
func (r *Ring) SetWP(off uint64) {
	atomic.StoreUint64(&r.wp, off)
}

func (r *Ring) wrap(off uint64) uint64 {
	return r.Wrap(off)
}

// Wrap returns the offset one element past off, wrapping to 0 at the end
// of the backing store. Exported so callers walking a range of elements
// without mutating wp/rp (stale-event marking, diagnostics) can reuse the
// same wraparound arithmetic.
func (r *Ring) Wrap(off uint64) uint64 {
	off += uint64(r.elemSize)
	if off >= uint64(len(r.mem)) {
		off = 0
	}
	return off
}

// IsEmpty reports whether the ring holds no unconsumed elements.
func (r *Ring) IsEmpty() bool {
	return r.WP() == r.RP()
}

// IsFull reports whether the ring has no room for another element; one
// element is deliberately left unused to disambiguate full from empty.
func (r *Ring) IsFull() bool {
	return r.wrap(r.WP()) == r.RP()
}

// Available returns the number of elements that can still be written
// before the ring reports full.
func (r *Ring) Available() int {
	wp, rp := r.WP(), r.RP()
	n := len(r.mem) / r.elemSize

	if wp < rp {
		return int((rp-wp)/uint64(r.elemSize)) - 1
	}

	avail := int(rp / uint64(r.elemSize))
	avail += n - int(wp/uint64(r.elemSize)) - 1

	return avail
}

// AdvanceWP publishes the next element as written: it advances the local
// write pointer and, if this ring publishes a device-visible context write
// pointer, stores the corresponding device address there. The atomic store
// is the portable equivalent of the store fence the protocol requires
// before publication: the element bytes, written by the caller before
// calling AdvanceWP, become visible to any reader observing the new wp via
// the happens-before edge the store establishes.
func (r *Ring) AdvanceWP() {
	next := r.wrap(r.WP())
	atomic.StoreUint64(&r.wp, next)

	if r.ctxtWP != nil {
		atomic.StoreUint64(r.ctxtWP, r.iommuBase+next)
	}
}

// AdvanceRP retires the oldest element: it advances the local read pointer.
func (r *Ring) AdvanceRP() {
	atomic.StoreUint64(&r.rp, r.wrap(r.RP()))
}

// Reset zeroes both pointers and republishes the context write pointer, if
// any. Used when a channel is re-prepared after STOP: the ring's contents
// are no longer meaningful and both sides restart from the base address.
func (r *Ring) Reset() {
	atomic.StoreUint64(&r.wp, 0)
	atomic.StoreUint64(&r.rp, 0)

	if r.ctxtWP != nil {
		atomic.StoreUint64(r.ctxtWP, r.iommuBase)
	}
}

// Element returns the backing bytes for the element at the given byte
// offset. The offset must be element-aligned and within [0, len(mem)).
func (r *Ring) Element(off uint64) []byte {
	return r.mem[off : off+uint64(r.elemSize)]
}

// ElementAtWP returns the backing bytes for the element the write pointer
// currently targets.
func (r *Ring) ElementAtWP() []byte {
	return r.Element(r.WP())
}

// ElementAtRP returns the backing bytes for the element the read pointer
// currently targets.
func (r *Ring) ElementAtRP() []byte {
	return r.Element(r.RP())
}

// IsValidDevicePtr reports whether a device-supplied address falls within
// this ring's device-visible address range. The core must never dereference
// a device pointer that fails this check.
func (r *Ring) IsValidDevicePtr(addr uint64) bool {
	return addr >= r.iommuBase && addr < r.iommuBase+uint64(len(r.mem))
}

// ToVirtual translates a device-visible address into the corresponding
// byte offset into the host-virtual backing store. The caller must have
// already confirmed IsValidDevicePtr.
func (r *Ring) ToVirtual(addr uint64) uint64 {
	return addr - r.iommuBase
}

// DeviceAddr translates a host-virtual byte offset into this ring's
// backing store into the corresponding device-visible address.
func (r *Ring) DeviceAddr(off uint64) uint64 {
	return r.iommuBase + off
}
