// MHI DMA region management
// https://github.com/usbarmory/mhi
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package dma tracks host buffers shared with a device, assigning each one
// a device-visible address and keeping a first-fit free list the way a
// coherent DMA pool would. It is adapted from a bare-metal DMA allocator
// that placed buffers directly in physical memory via unsafe.Pointer; here
// the backing store is ordinary Go memory and the address handed out is a
// bookkeeping token, but the Reserve/Alloc/Read/Write/Free/Release shape is
// unchanged so the ring and channel code above it does not need to care
// which allocator backs it.
package dma

import (
	"container/list"
	"errors"
	"fmt"
	"sync"
)

// ErrExhausted is returned by Reserve/Track/Alloc when no free block large
// enough for the request remains in the region.
var ErrExhausted = errors.New("dma: region exhausted")

// block is a single tracked allocation, used or free.
type block struct {
	addr uint64
	size int
	// res distinguishes regular (Alloc/Free) from reserved
	// (Reserve/Release) blocks, and owned external buffers registered
	// via Track.
	res   bool
	owned bool
	buf   []byte
}

// Region is a pool of device-addressable buffers with first-fit placement.
// The zero value is not usable; use NewRegion.
type Region struct {
	mu sync.Mutex

	base uint64
	size uint64

	freeBlocks *list.List
	usedBlocks map[uint64]*block
}

var defaultRegion = NewRegion(0x10000000, 1<<32)

// Default returns the package-level default Region, used when a controller
// has a single DMA-capable pool.
func Default() *Region {
	return defaultRegion
}

// NewRegion creates a region spanning [base, base+size) of device-visible
// address space. The address space is nominal bookkeeping, not physical
// memory: actual storage for each block is ordinary Go-allocated memory.
func NewRegion(base uint64, size uint64) *Region {
	r := &Region{
		base:       base,
		size:       size,
		freeBlocks: list.New(),
		usedBlocks: make(map[uint64]*block),
	}

	r.freeBlocks.PushFront(&block{addr: base, size: int(size)})

	return r
}

// Reserve allocates a zeroed buffer of the given size and assigns it a
// device-visible address without copying any caller data in. This is the
// no-copy path used for ring backing stores and for channels operating
// directly on caller-owned buffers. It returns ErrExhausted if the region
// has no free block large enough to satisfy size.
func (r *Region) Reserve(size int) (addr uint64, buf []byte, err error) {
	if size == 0 {
		return 0, nil, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	b, err := r.alloc(size)
	if err != nil {
		return 0, nil, err
	}

	b.res = true
	b.buf = make([]byte, size)

	r.usedBlocks[b.addr] = b

	return b.addr, b.buf, nil
}

// Track registers an externally allocated buffer (for example one drawn
// from a pool) and assigns it a device-visible address without taking
// ownership of its lifetime; Untrack on the returned address hands the
// same slice back rather than discarding it. It returns ErrExhausted if the
// region has no free block large enough for buf.
func (r *Region) Track(buf []byte) (addr uint64, err error) {
	if len(buf) == 0 {
		return 0, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	b, err := r.alloc(len(buf))
	if err != nil {
		return 0, err
	}

	b.res = true
	b.owned = true
	b.buf = buf

	r.usedBlocks[b.addr] = b

	return b.addr, nil
}

// Alloc reserves a new buffer and copies data into it, the bounce-buffer
// path used when a caller's buffer cannot be handed to the device as-is.
// It returns ErrExhausted if the region has no free block large enough for
// data.
func (r *Region) Alloc(data []byte) (addr uint64, err error) {
	if len(data) == 0 {
		return 0, nil
	}

	addr, buf, err := r.Reserve(len(data))
	if err != nil {
		return 0, err
	}

	// mark as a regular block so it is released with Free, not Release
	r.mu.Lock()
	r.usedBlocks[addr].res = false
	r.mu.Unlock()

	copy(buf, data)

	return addr, nil
}

// Read copies len(buf) bytes starting at addr into buf.
func (r *Region) Read(addr uint64, buf []byte) error {
	if addr == 0 || len(buf) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.usedBlocks[addr]
	if !ok {
		return fmt.Errorf("dma: read of unallocated address %#x", addr)
	}

	if len(buf) > b.size {
		return fmt.Errorf("dma: read of %d bytes exceeds block size %d", len(buf), b.size)
	}

	copy(buf, b.buf)

	return nil
}

// Write copies buf into the block starting at addr.
func (r *Region) Write(addr uint64, buf []byte) error {
	if addr == 0 || len(buf) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.usedBlocks[addr]
	if !ok {
		return fmt.Errorf("dma: write of unallocated address %#x", addr)
	}

	if len(buf) > b.size {
		return fmt.Errorf("dma: write of %d bytes exceeds block size %d", len(buf), b.size)
	}

	copy(b.buf, buf)

	return nil
}

// Bytes returns the backing slice for addr directly, for callers such as
// the event ring that need to read or write in place without a copy.
func (r *Region) Bytes(addr uint64) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.usedBlocks[addr]
	if !ok {
		return nil, fmt.Errorf("dma: address %#x not reserved", addr)
	}

	return b.buf, nil
}

// Free releases a block previously allocated with Alloc.
func (r *Region) Free(addr uint64) {
	r.freeBlock(addr, false)
}

// Release frees a block previously allocated with Reserve.
func (r *Region) Release(addr uint64) {
	r.freeBlock(addr, true)
}

// Untrack is the Track counterpart to Release: it frees the block and
// returns the buffer that was registered, so the caller can return it to
// whatever pool it came from.
func (r *Region) Untrack(addr uint64) []byte {
	r.mu.Lock()

	b, ok := r.usedBlocks[addr]
	if !ok || !b.owned {
		r.mu.Unlock()
		return nil
	}

	// free clears b.buf, so keep the slice to hand back
	buf := b.buf

	r.mu.Unlock()
	r.freeBlock(addr, true)

	return buf
}

func (r *Region) freeBlock(addr uint64, res bool) {
	if addr == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.usedBlocks[addr]
	if !ok || b.res != res {
		return
	}

	r.free(b)
	delete(r.usedBlocks, addr)
}

func (r *Region) alloc(size int) (*block, error) {
	var e *list.Element
	var freeBlock *block

	for e = r.freeBlocks.Front(); e != nil; e = e.Next() {
		b := e.Value.(*block)

		if b.size >= size {
			freeBlock = b
			break
		}
	}

	if freeBlock == nil {
		return nil, ErrExhausted
	}

	defer r.freeBlocks.Remove(e)

	if rem := freeBlock.size - size; rem > 0 {
		r.freeBlocks.InsertAfter(&block{
			addr: freeBlock.addr + uint64(size),
			size: rem,
		}, e)
	}

	freeBlock.size = size

	return freeBlock, nil
}

func (r *Region) free(used *block) {
	used.buf = nil

	for e := r.freeBlocks.Front(); e != nil; e = e.Next() {
		b := e.Value.(*block)

		if b.addr > used.addr {
			r.freeBlocks.InsertBefore(used, e)
			r.defrag()
			return
		}
	}

	r.freeBlocks.PushBack(used)
}

func (r *Region) defrag() {
	var prev *block

	for e := r.freeBlocks.Front(); e != nil; e = e.Next() {
		b := e.Value.(*block)

		if prev != nil && prev.addr+uint64(prev.size) == b.addr {
			prev.size += b.size
			defer r.freeBlocks.Remove(e)
			continue
		}

		prev = b
	}
}

// Len reports the number of blocks currently in use, for diagnostics and
// tests asserting on leaks.
func (r *Region) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.usedBlocks)
}
