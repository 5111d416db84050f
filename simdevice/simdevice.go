// Simulated MHI peripheral, a regio.RegisterIO the core can drive without
// real hardware
// https://github.com/usbarmory/mhi
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package simdevice implements the device side of the MHI protocol this
// module's host side (package mhi) drives: it answers command and channel
// doorbell writes the same way real silicon would, posting completion
// events and raising the bound MSI callback, so cmd/mhi-sim and this
// package's own tests can exercise a whole host/device round trip in one
// process. It generalizes the ad-hoc fakeRegs/inject* helpers mhi's own
// test harness uses into a standing, reusable device.
package simdevice

import (
	"fmt"
	"sync"

	"github.com/usbarmory/mhi/dma"
	"github.com/usbarmory/mhi/mhi"
	"github.com/usbarmory/mhi/ring"
)

// ChannelHandler is invoked once per data TRE a ToDevice (host-to-device)
// channel posts, with the bytes the host wrote into the TRE's mapped
// buffer. It is the simulated device's equivalent of a real peripheral's
// firmware consuming an uplink packet; Device.Push is its counterpart for
// the FromDevice direction.
type ChannelHandler func(payload []byte)

type eventRing struct {
	mu   sync.Mutex
	ring *ring.Ring
	devWP *uint64
}

type channel struct {
	mu           sync.Mutex
	registeredID uint32
	tre          *ring.Ring
	dir          mhi.Direction
	dbLow        uint32
	erIndex      int
	rp           uint64
	handler      ChannelHandler
}

// Device is an in-memory simulated MHI peripheral: register file, command
// ring consumer, per-channel data consumers, and an event-posting path back
// to the host. The zero value is not usable; use New.
type Device struct {
	mu   sync.Mutex
	regs map[uint32]uint32

	region *dma.Region

	cmdRing    *ring.Ring
	cmdRP      uint64
	cmdDBLow   uint32
	cmdER      int
	cmdBound   bool

	eventRings map[int]*eventRing
	channels   map[uint32]*channel

	onMSI func(erIndex int)

	wg sync.WaitGroup
}

// New constructs a Device. region is the DMA pool the host's channels were
// built against; the device reads ToDevice payloads and writes FromDevice
// payloads through it, the simulated equivalent of a real device's own bus
// master reading and writing host memory.
func New(region *dma.Region) *Device {
	return &Device{
		regs:       make(map[uint32]uint32),
		region:     region,
		eventRings: make(map[int]*eventRing),
		channels:   make(map[uint32]*channel),
	}
}

// OnMSI binds the callback the device invokes after posting an event,
// normally mhi.Controller.HandleMSI wrapped to ignore its error or log it;
// the device itself has no opinion on what an MSI means, only that one
// happened.
func (d *Device) OnMSI(f func(erIndex int)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onMSI = f
}

// RegisterEventRing binds an event ring index to its backing ring and
// device-published write-pointer slot, so posted events land where the
// host's EventRing.refreshDeviceWP expects them.
func (d *Device) RegisterEventRing(index int, r *ring.Ring, devWP *uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.eventRings[index] = &eventRing{ring: r, devWP: devWP}
}

// RegisterCommandRing binds the command ring this device services.
// dbOffsetLow is the low dword register offset of the command doorbell;
// completions are posted to completionER (normally the control event
// ring).
func (d *Device) RegisterCommandRing(r *ring.Ring, dbOffsetLow uint32, completionER int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cmdRing = r
	d.cmdDBLow = dbOffsetLow
	d.cmdER = completionER
	d.cmdBound = true
}

// RegisterChannel binds a channel's transfer ring to this device. handler
// may be nil for a FromDevice channel that is only ever driven by Push.
func (d *Device) RegisterChannel(id uint32, tre *ring.Ring, dir mhi.Direction, dbOffsetLow uint32, erIndex int, handler ChannelHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels[id] = &channel{registeredID: id, tre: tre, dir: dir, dbLow: dbOffsetLow, erIndex: erIndex, handler: handler}
}

// ReadReg implements regio.RegisterIO.
func (d *Device) ReadReg(offset uint32) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.regs[offset], nil
}

// WriteReg implements regio.RegisterIO. It records the write and, if it
// completes a doorbell's low dword (the second of the two writes
// regio.WriteDoorbell64 issues), dispatches the corresponding ring's
// backlog on its own goroutine so the host's doorbell write itself never
// blocks on simulated device processing.
func (d *Device) WriteReg(offset uint32, val uint32) error {
	d.mu.Lock()

	d.regs[offset] = val

	var (
		addr     uint64
		isCmd    bool
		ch       *channel
	)

	if d.cmdBound && offset == d.cmdDBLow {
		isCmd = true
		addr = uint64(d.regs[offset+4])<<32 | uint64(val)
	} else {
		for _, c := range d.channels {
			if offset == c.dbLow {
				ch = c
				addr = uint64(d.regs[offset+4])<<32 | uint64(val)
				break
			}
		}
	}

	d.mu.Unlock()

	switch {
	case isCmd:
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.drainCommands(addr)
		}()
	case ch != nil:
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.drainChannel(ch, addr)
		}()
	}

	return nil
}

// Wait blocks until every doorbell-triggered goroutine spawned so far has
// finished, for tests and cmd/mhi-sim teardown that need posted events
// settled before inspecting state.
func (d *Device) Wait() {
	d.wg.Wait()
}

func (d *Device) drainCommands(hostWP uint64) {
	d.mu.Lock()
	r := d.cmdRing
	rp := d.cmdRP
	d.mu.Unlock()

	off := r.ToVirtual(hostWP)

	for rp != off {
		elem := r.Element(rp)
		opcode, chanID := mhi.DecodeCommandTRE(elem)
		ptr := r.DeviceAddr(rp)
		rp = r.Wrap(rp)

		d.completeCommand(opcode, chanID, ptr)
	}

	d.mu.Lock()
	d.cmdRP = rp
	d.mu.Unlock()
}

// completeCommand always reports success: this device has no failure
// injection path of its own, only the host-side teardown races
// mhi/scenarios_test.go exercises directly against the core.
func (d *Device) completeCommand(opcode mhi.CommandOpcode, chanID uint32, ptr uint64) {
	_ = opcode
	d.postEvent(d.cmdER, mhi.EventCmdCompletion, chanID, mhi.CodeSuccess, 0, ptr)
}

func (d *Device) drainChannel(ch *channel, hostWP uint64) {
	// FromDevice buffers stay queued until Push fills them.
	if ch.dir != mhi.ToDevice {
		return
	}

	ch.mu.Lock()
	r := ch.tre
	rp := ch.rp
	handler := ch.handler
	erIndex := ch.erIndex
	ch.mu.Unlock()

	off := r.ToVirtual(hostWP)

	for rp != off {
		elem := r.Element(rp)
		devAddr, length, _ := mhi.DecodeDataTRE(elem)
		ptr := r.DeviceAddr(rp)
		rp = r.Wrap(rp)

		if handler != nil && length > 0 {
			payload := make([]byte, length)
			if err := d.region.Read(devAddr, payload); err == nil {
				handler(payload)
			}
		}

		d.postEvent(erIndex, mhi.EventTX, ch.id(), mhi.CodeEOT, length, ptr)
	}

	ch.mu.Lock()
	ch.rp = rp
	ch.mu.Unlock()
}

// id returns the channel ID the caller supplied at RegisterChannel time.
func (c *channel) id() uint32 {
	return c.registeredID
}

func (d *Device) postEvent(erIndex int, typ mhi.EventType, chanID uint32, code mhi.EventCode, length uint32, ptr uint64) {
	d.mu.Lock()
	er, ok := d.eventRings[erIndex]
	onMSI := d.onMSI
	d.mu.Unlock()

	if !ok {
		return
	}

	er.mu.Lock()
	off := er.ring.ToVirtual(*er.devWP)
	elem := er.ring.Element(off)
	mhi.EncodeEvent(elem, typ, chanID, code, length, ptr)
	next := er.ring.Wrap(off)
	*er.devWP = er.ring.DeviceAddr(next)
	er.mu.Unlock()

	if onMSI != nil {
		onMSI(erIndex)
	}
}

// Push injects an inbound (FromDevice) frame on channel id, consuming the
// next host-queued buffer the way real silicon fills a pre-alloc'd
// downlink buffer. It is the device-origin counterpart to a ToDevice
// channel's handler and is how a simulated peripheral manufactures
// unsolicited receive traffic for cmd/mhi-sim and tests.
func (d *Device) Push(id uint32, data []byte) error {
	d.mu.Lock()
	ch, ok := d.channels[id]
	d.mu.Unlock()

	if !ok {
		return fmt.Errorf("simdevice: channel %d not registered", id)
	}

	ch.mu.Lock()
	r := ch.tre
	rp := ch.rp
	erIndex := ch.erIndex
	chID := ch.registeredID
	ch.mu.Unlock()

	if rp == r.WP() {
		return fmt.Errorf("simdevice: channel %d has no queued buffer", id)
	}

	elem := r.Element(rp)
	devAddr, length, _ := mhi.DecodeDataTRE(elem)
	ptr := r.DeviceAddr(rp)

	if uint32(len(data)) > length {
		return fmt.Errorf("simdevice: channel %d: frame of %d bytes exceeds queued buffer of %d", id, len(data), length)
	}

	if err := d.region.Write(devAddr, data); err != nil {
		return fmt.Errorf("simdevice: channel %d: %w", id, err)
	}

	ch.mu.Lock()
	ch.rp = r.Wrap(rp)
	ch.mu.Unlock()

	d.postEvent(erIndex, mhi.EventTX, chID, mhi.CodeEOT, uint32(len(data)), ptr)

	return nil
}
