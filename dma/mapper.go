// MHI buffer mapping strategies
// https://github.com/usbarmory/mhi
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package dma

import (
	"github.com/cloudwego/gopkg/cache/mempool"
)

// Direction describes which way a mapped buffer moves relative to the host.
type Direction int

const (
	// ToDevice is an outbound (host-to-device) transfer.
	ToDevice Direction = iota
	// FromDevice is an inbound (device-to-host) transfer.
	FromDevice
)

// BufferInfo describes a single client buffer as it is staged for a
// transfer ring element: its client-visible bytes, the device address that
// was actually written into the TRE, and the mapping strategy used to get
// from one to the other.
type BufferInfo struct {
	// Client is the caller-owned buffer, as passed to the channel
	// submission call.
	Client []byte

	// DeviceAddr is the address written into the transfer ring element.
	DeviceAddr uint64

	// Dir is the transfer direction, used by bounce mappers to decide
	// whether to copy in before submission or out after completion.
	Dir Direction

	// PreMapped is true when the buffer was already device-addressable
	// at submission time (for example, sub-allocated from a pool the
	// mapper owns) and MapSingle should not allocate fresh storage.
	PreMapped bool

	bounced bool
}

// Mapper gives a channel a place to get a device address for a client
// buffer, and to tear the mapping back down on completion. Two
// implementations are provided: DirectMapper, which hands the controller's
// own Region the client bytes directly (no copy, for controllers that can
// DMA to/from arbitrary host memory), and PooledBounceMapper, which copies
// through a pooled staging buffer (for controllers, or test doubles, that
// require DMA-safe memory distinct from the client's own allocation).
type Mapper interface {
	// MapSingle assigns info.DeviceAddr for info.Client, returning an
	// error if no mapping could be established.
	MapSingle(info *BufferInfo) error

	// UnmapSingle releases any resources MapSingle allocated, copying
	// bounced data back into info.Client for FromDevice transfers.
	UnmapSingle(info *BufferInfo)
}

// DirectMapper maps client buffers straight into a Region with no copy,
// the strategy a controller capable of arbitrary host-memory DMA uses.
type DirectMapper struct {
	Region *Region
}

// NewDirectMapper returns a Mapper backed by the given Region.
func NewDirectMapper(r *Region) *DirectMapper {
	return &DirectMapper{Region: r}
}

// MapSingle tracks the client buffer in place, assigning it a device
// address without copying. It returns ErrExhausted if the region has no
// free block large enough for the buffer.
func (m *DirectMapper) MapSingle(info *BufferInfo) error {
	if info.PreMapped {
		return nil
	}

	addr, err := m.Region.Track(info.Client)
	if err != nil {
		return err
	}

	info.DeviceAddr = addr

	return nil
}

// UnmapSingle untracks the buffer; since DirectMapper never copies, there
// is nothing to synchronize back.
func (m *DirectMapper) UnmapSingle(info *BufferInfo) {
	if info.PreMapped || info.DeviceAddr == 0 {
		return
	}

	m.Region.Untrack(info.DeviceAddr)
	info.DeviceAddr = 0
}

// PooledBounceMapper stages client buffers through pool-allocated memory,
// the strategy used when the client buffer cannot itself be made
// device-addressable (it may be on the Go heap in a form the controller
// cannot pin, or it may be smaller than the pool's minimum granularity and
// not worth a dedicated mapping).
type PooledBounceMapper struct {
	Region *Region
}

// NewPooledBounceMapper returns a Mapper that bounces through mempool
// buffers tracked in the given Region.
func NewPooledBounceMapper(r *Region) *PooledBounceMapper {
	return &PooledBounceMapper{Region: r}
}

// MapSingle allocates a pool buffer, copies client data in for outbound
// transfers, and tracks it in the Region. It returns ErrExhausted if the
// region has no free block large enough for the staging buffer; the pool
// buffer is returned to mempool before the error propagates.
func (m *PooledBounceMapper) MapSingle(info *BufferInfo) error {
	if info.PreMapped {
		return nil
	}

	staging := mempool.Malloc(len(info.Client))

	if info.Dir == ToDevice {
		copy(staging, info.Client)
	}

	addr, err := m.Region.Track(staging)
	if err != nil {
		mempool.Free(staging)
		return err
	}

	info.DeviceAddr = addr
	info.bounced = true

	return nil
}

// UnmapSingle copies bounced data back to the client buffer for inbound
// transfers, then returns the staging buffer to the pool.
func (m *PooledBounceMapper) UnmapSingle(info *BufferInfo) {
	if !info.bounced {
		return
	}

	staging := m.Region.Untrack(info.DeviceAddr)
	info.DeviceAddr = 0
	info.bounced = false

	if staging == nil {
		return
	}

	if info.Dir == FromDevice {
		copy(info.Client, staging)
	}

	mempool.Free(staging)
}
