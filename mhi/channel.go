// MHI channel engine: submission and state machine
// https://github.com/usbarmory/mhi
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package mhi

import (
	"fmt"
	"sync"

	"github.com/usbarmory/mhi/dma"
	"github.com/usbarmory/mhi/internal/lockorder"
	"github.com/usbarmory/mhi/regio"
	"github.com/usbarmory/mhi/ring"
)

// Channel is one directional endpoint of a client device: identity,
// transfer ring, parallel buffer-info shadow ring, doorbell, lifecycle
// state, and pending-command completion latch.
type Channel struct {
	// mu serializes prepare/unprepare and the command round-trips they
	// issue, the outermost channel-specific lock in the hierarchy (§5
	// item 4).
	mu sync.Mutex

	// rw gates normal completion dispatch (read) against state
	// transitions and OOB/DB_MODE handling (write), nested inside mu
	// where both are held, per §5 item 5.
	rw sync.RWMutex

	ID      uint32
	Name    string
	Dir     Direction
	EEMask  uint32
	ERIndex int

	ctrl   *Controller
	tre    *ring.Ring
	bufs   []dma.BufferInfo
	mapper dma.Mapper
	db     *regio.Doorbell
	dbAddr uint32

	state ChannelState

	preAlloc     bool
	preAllocSize int
	offload      bool
	wakeCapable  bool
	intmod       bool

	completion         *completionLatch
	lastCompletionCode EventCode

	cb XferCallback
}

// NewChannel constructs a channel bound to an already-allocated transfer
// ring and doorbell. The channel starts DISABLED; callers must Prepare it
// before submission is accepted.
func NewChannel(id uint32, name string, dir Direction, eeMask uint32, erIndex int, tre *ring.Ring, mapper dma.Mapper, db *regio.Doorbell, dbAddr uint32, cb XferCallback) *Channel {
	return &Channel{
		ID:         id,
		Name:       name,
		Dir:        dir,
		EEMask:     eeMask,
		ERIndex:    erIndex,
		tre:        tre,
		bufs:       make([]dma.BufferInfo, tre.Len()),
		mapper:     mapper,
		db:         db,
		dbAddr:     dbAddr,
		state:      ChanDisabled,
		completion: newCompletionLatch(),
	}
}

// SetPreAlloc marks the channel as core-owned: the client may not submit
// buffers directly, and Prepare refills the ring from alloc on START.
func (c *Channel) SetPreAlloc(size int, enabled bool) {
	c.preAllocSize = size
	c.preAlloc = enabled
}

// SetCallback (re)binds the channel's client completion callback. It must be
// called before Prepare; a Client collaborator constructed against an
// already-built Channel (netchan.Client, for example) uses this instead of
// threading itself through NewChannel.
func (c *Channel) SetCallback(cb XferCallback) {
	c.cb = cb
}

// State returns the channel's current lifecycle state.
func (c *Channel) State() ChannelState {
	c.rw.RLock()
	lockorder.Acquire(lockorder.ChanRW)
	defer lockorder.Release(lockorder.ChanRW)
	defer c.rw.RUnlock()
	return c.state
}

// LastCompletionCode returns the result code of the most recently
// completed command issued against this channel, letting a caller
// distinguish a timed-out command (error only) from one that completed
// with a non-SUCCESS code.
func (c *Channel) LastCompletionCode() EventCode {
	c.mu.Lock()
	lockorder.Acquire(lockorder.ChanMu)
	defer lockorder.Release(lockorder.ChanMu)
	defer c.mu.Unlock()
	return c.lastCompletionCode
}

func (c *Channel) index(off uint64) uint64 {
	return off / uint64(c.tre.ElemSize())
}

// enqueue fills the next TRE and buffer-info slot and advances the write
// pointer, without the pre-alloc submission gate or a doorbell ring —
// the part of §4.5 shared by client submission and pre-alloc refill. pm
// must be sampled by the caller before any channel lock is taken, since
// PM is outermost in the hierarchy (§5): some callers (pre-alloc
// resubmission) reach this already holding ChanRW and Event. enqueue
// reports whether the doorbell is permitted rather than ringing it
// itself, so callers that batch several enqueues can ring once, after
// releasing whatever lock guards their loop.
func (c *Channel) enqueue(info dma.BufferInfo, flags uint32, pm pmSnapshot) (bool, error) {
	if c.tre.IsFull() {
		return false, fmt.Errorf("mhi: channel %d transfer ring full: %w", c.ID, ErrNoMemory)
	}

	if pm.errorState {
		return false, fmt.Errorf("mhi: channel %d: controller in PM error state: %w", c.ID, ErrIO)
	}
	if pm.suspendState {
		c.ctrl.collab.TriggerResume()
	}
	c.ctrl.collab.WakeToggle()

	if !info.PreMapped {
		if err := c.mapper.MapSingle(&info); err != nil {
			return false, fmt.Errorf("mhi: channel %d: map buffer: %w", c.ID, ErrNoMemory)
		}
	}

	idx := c.index(c.tre.WP())
	c.bufs[idx] = info

	elem := c.tre.ElementAtWP()
	EncodeDataTRE(elem, info.DeviceAddr, uint32(len(info.Client)), flags)
	c.tre.AdvanceWP()

	if info.Dir == ToDevice {
		c.ctrl.incPendingPkts()
	}

	return pm.dbPermitted, nil
}

// ringDoorbell takes the channel read-lock before writing, per §4.5 step 6.
func (c *Channel) ringDoorbell() {
	c.rw.RLock()
	lockorder.Acquire(lockorder.ChanRW)
	c.ringDoorbellLocked()
	lockorder.Release(lockorder.ChanRW)
	c.rw.RUnlock()
}

// ringDoorbellLocked writes the doorbell without acquiring rw; the caller
// must already hold it (read or write), as the OOB/DB_MODE handler does.
func (c *Channel) ringDoorbellLocked() {
	c.db.Ring(c.ctrl.reg, c.dbAddr, c.tre.DeviceAddr(c.tre.WP()))
}

// submit is the client-facing entry shared by SubmitBuffer and
// SubmitMapped: it rejects pre-alloc channels, applies the
// BW_REQ-governed rate limit, then enqueues.
func (c *Channel) submit(info dma.BufferInfo, flags uint32) error {
	if c.preAlloc {
		return fmt.Errorf("mhi: channel %d is pre-alloc, client submission rejected: %w", c.ID, ErrInvalidArgument)
	}

	if c.ctrl.limiter != nil && !c.ctrl.limiter.Allow() {
		return fmt.Errorf("mhi: channel %d: %w", c.ID, ErrOverflow)
	}

	permitted, err := c.enqueue(info, flags, c.ctrl.samplePM())
	if err != nil {
		return err
	}

	if permitted {
		c.ringDoorbell()
	}

	return nil
}

// SubmitBuffer submits a raw client buffer, mapping it via the channel's
// configured Mapper strategy.
func (c *Channel) SubmitBuffer(buf []byte, dir Direction) error {
	return c.submit(dma.BufferInfo{Client: buf, Dir: dir}, TREFlagEOT)
}

// SubmitMapped submits a buffer the caller has already mapped (pre-mapped
// entry point mirroring mhi_queue_dma): deviceAddr is used directly and no
// Mapper call is made at submit or retire time.
func (c *Channel) SubmitMapped(buf []byte, deviceAddr uint64, dir Direction) error {
	return c.submit(dma.BufferInfo{Client: buf, DeviceAddr: deviceAddr, Dir: dir, PreMapped: true}, TREFlagEOT)
}

// resubmitPreAlloc immediately re-queues a fresh buffer of the same size
// in place of one just retired, the pre-alloc recycle path. It does not
// ring the doorbell itself; the caller (parseXferEvent) batches the ring
// for the whole walk, after releasing the channel lock this is called
// under.
func (c *Channel) resubmitPreAlloc(info *dma.BufferInfo, pm pmSnapshot) (bool, error) {
	buf := make([]byte, len(info.Client))
	return c.enqueue(dma.BufferInfo{Client: buf, Dir: c.Dir}, TREFlagEOT, pm)
}

// refill tops up a pre-alloc channel's ring with freshly allocated
// buffers and rings the doorbell once at the end, per mhi_prepare_channel.
// pm is sampled by the caller (Prepare) before ChanMu is taken.
func (c *Channel) refill(pm pmSnapshot) error {
	n := c.tre.Available()

	ring := false

	for i := 0; i < n; i++ {
		buf := make([]byte, c.preAllocSize)
		permitted, err := c.enqueue(dma.BufferInfo{Client: buf, Dir: c.Dir}, TREFlagEOT, pm)
		if err != nil {
			return err
		}
		ring = ring || permitted
	}

	if ring {
		c.ringDoorbell()
	}

	return nil
}

// markStaleEvents scans the bound event ring between its local and
// device read pointers and rewrites any TX event for this channel to the
// STALE sentinel in place, under the event ring's lock (mirrors
// mhi_mark_stale_events exactly: the event processor checks the type byte
// after acquiring the same lock, so this mutation is safe to race with a
// concurrent drain).
func (c *Channel) markStaleEvents(er *EventRing) {
	er.markStaleForChannel(c.ID)
}

// Poll drains up to budget data events from this channel's bound event
// ring, letting a client do NAPI-style polling instead of relying on MSI
// dispatch. It returns the number of events actually processed.
func (c *Channel) Poll(budget int) (int, error) {
	er := c.ctrl.eventRing(c.ERIndex)
	if er == nil {
		return 0, fmt.Errorf("mhi: channel %d: no event ring bound at index %d: %w", c.ID, c.ERIndex, ErrInvalidArgument)
	}

	return er.ProcessData(budget)
}
