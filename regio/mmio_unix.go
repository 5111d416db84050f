// MHI memory-mapped register backend
// https://github.com/usbarmory/mhi
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build linux || darwin

package regio

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MMIO implements RegisterIO over an mmap of a PCIe BAR resource file (for
// example /sys/bus/pci/devices/.../resourceN on Linux). It is the
// host-side analog of poking a bare-metal peripheral's physical address
// range directly.
type MMIO struct {
	file *os.File
	mem  []byte
}

// OpenMMIO maps size bytes of path starting at offset for read/write
// access.
func OpenMMIO(path string, offset int64, size int) (*MMIO, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("regio: open %s: %w", path, err)
	}

	mem, err := unix.Mmap(int(f.Fd()), offset, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("regio: mmap %s: %w", path, err)
	}

	return &MMIO{file: f, mem: mem}, nil
}

// Close unmaps the register space and closes the backing file.
func (m *MMIO) Close() error {
	if err := unix.Munmap(m.mem); err != nil {
		return fmt.Errorf("regio: munmap: %w", err)
	}

	return m.file.Close()
}

// ReadReg reads a little-endian 32-bit register at offset.
func (m *MMIO) ReadReg(offset uint32) (uint32, error) {
	if int(offset)+4 > len(m.mem) {
		return 0, fmt.Errorf("regio: offset %#x out of range", offset)
	}

	word := (*uint32)(unsafe.Pointer(&m.mem[offset]))

	return atomic.LoadUint32(word), nil
}

// WriteReg writes a little-endian 32-bit register at offset.
func (m *MMIO) WriteReg(offset uint32, val uint32) error {
	if int(offset)+4 > len(m.mem) {
		return fmt.Errorf("regio: offset %#x out of range", offset)
	}

	word := (*uint32)(unsafe.Pointer(&m.mem[offset]))
	atomic.StoreUint32(word, val)

	return nil
}
