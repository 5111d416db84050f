// MHI event-ring processor
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
	"sync/atomic"

	"github.com/usbarmory/mhi/dma"
	"github.com/usbarmory/mhi/internal/lockorder"
	"github.com/usbarmory/mhi/regio"
	"github.com/usbarmory/mhi/ring"
	"golang.org/x/time/rate"
)

// EventPriority classifies how an event ring's MSI is dispatched by
// Controller.HandleMSI (§4.8).
type EventPriority int

const (
	// PriorityHiNoSleep runs its handler inline on the MSI-delivery
	// goroutine; the handler must not block.
	PriorityHiNoSleep EventPriority = iota
	// PriorityDefaultNoSleep also runs inline; kept distinct from
	// PriorityHiNoSleep only to preserve the source's two non-sleeping
	// classes for callers that care about relative priority elsewhere.
	PriorityDefaultNoSleep
	// PriorityHiSleep hands off to the controller's worker pool, the
	// only class allowed to block.
	PriorityHiSleep
)

// EventRingKind selects which quota-bounded entry point drains a ring.
type EventRingKind int

const (
	KindControl EventRingKind = iota
	KindData
)

// EventRing parses device-posted events and dispatches them to channel
// callbacks or controller-level handlers. A client-managed ring is never
// drained by the core itself: HandleMSI only raises EventPendingData
// through the controller collaborator's StatusCB.
type EventRing struct {
	// mu is the event-ring spinlock (§5 item 3): held for the duration
	// of a drain so stale-event marking by a concurrent teardown is
	// mutually exclusive with the processor observing the type byte.
	mu sync.Mutex

	ring *ring.Ring

	// devWP is the device-shared slot the device publishes its posted
	// write pointer into; the host never writes it, only polls it.
	devWP *uint64

	ctrl *Controller

	index    int
	dbAddr   uint32
	db       *regio.Doorbell
	priority EventPriority
	kind     EventRingKind

	clientManaged bool
	boundChannel  *Channel
}

// NewEventRing constructs an event ring bound to controller index erIndex.
func NewEventRing(index int, r *ring.Ring, devWP *uint64, dbAddr uint32, db *regio.Doorbell, priority EventPriority, kind EventRingKind) *EventRing {
	return &EventRing{
		ring:     r,
		devWP:    devWP,
		index:    index,
		dbAddr:   dbAddr,
		db:       db,
		priority: priority,
		kind:     kind,
	}
}

// BindClient marks the ring client-managed: the core never drains it
// itself, and on MSI only raises EventPendingData through the controller
// collaborator's StatusCB (when boundChannel has a callback bound).
func (er *EventRing) BindClient(ch *Channel) {
	er.clientManaged = true
	er.boundChannel = ch
}

// refreshDeviceWP polls the device-published write pointer, validates it
// against the ring's device-address range, and mirrors it into the ring's
// local wp so IsEmpty/Available reflect how many events are posted but
// not yet consumed. An invalid pointer is a protocol violation: the drain
// aborts without mutating ring state further, per invariant 4.
func (er *EventRing) refreshDeviceWP() error {
	devAddr := atomic.LoadUint64(er.devWP)

	if !er.ring.IsValidDevicePtr(devAddr) {
		return fmt.Errorf("mhi: event ring %d: invalid device write pointer %#x: %w", er.index, devAddr, ErrIO)
	}

	er.ring.SetWP(er.ring.ToVirtual(devAddr))

	return nil
}

// ringDoorbell republishes the event ring's consumed position, honoring
// doorbell access permission and burst-mode suppression. permitted is
// sampled by the caller before the event-ring lock is taken, since PM is
// outermost in the hierarchy (§5) and cannot be acquired again once a
// deeper lock is held.
func (er *EventRing) ringDoorbell(permitted bool) {
	if !permitted {
		return
	}

	er.db.Ring(er.ctrl.reg, er.dbAddr, er.ring.DeviceAddr(er.ring.RP()))
}

// ProcessControl drains up to quota control-plane events (CMD_COMPLETION,
// STATE_CHANGE, EE_CHANGE, BW_REQ).
func (er *EventRing) ProcessControl(quota int) (int, error) {
	return er.process(quota, func(t EventType) bool {
		return t == EventCmdCompletion || t == EventStateChange || t == EventEEChange || t == EventBWReq
	})
}

// ProcessData drains up to quota data-plane events (TX, RSC_TX), plus the
// OOB/DB_MODE codes that ride on TX.
func (er *EventRing) ProcessData(quota int) (int, error) {
	return er.process(quota, func(t EventType) bool {
		return t == EventTX || t == EventRSCTX
	})
}

func (er *EventRing) process(quota int, accept func(EventType) bool) (int, error) {
	pm := er.ctrl.samplePM()

	er.mu.Lock()
	lockorder.Acquire(lockorder.Event)

	processed := 0
	// deferred collects PM-state side effects (state/EE change, BW_REQ,
	// fatal) surfaced while draining: none of them touch ring state, so
	// they run after mu is released rather than nested under it, since
	// PM is outer to the event-ring lock in the hierarchy (§5).
	var deferred []func()
	var derr error

	for quota > 0 && !er.ring.IsEmpty() {
		elem := er.ring.ElementAtRP()
		typ, chanID, code, length, ptr := DecodeEvent(elem)

		stale := IsStaleEvent(elem)

		if !stale && accept(typ) {
			fn, err := er.dispatch(typ, chanID, code, length, ptr, pm)
			if fn != nil {
				deferred = append(deferred, fn)
			}
			if err != nil {
				er.ctrl.logger.Warnw("event ring drain aborted", "ring", er.index, "error", err)
				derr = err
				break
			}
			processed++
			quota--
		}

		er.ring.AdvanceRP()

		if err := er.refreshDeviceWP(); err != nil {
			er.ctrl.logger.Warnw("event ring drain aborted", "ring", er.index, "error", err)
			derr = err
			break
		}
	}

	if derr == nil {
		er.ringDoorbell(pm.dbPermitted)
	}

	lockorder.Release(lockorder.Event)
	er.mu.Unlock()

	for _, fn := range deferred {
		fn()
	}

	return processed, derr
}

// dispatch handles one decoded event. It returns a non-nil func when the
// event requires a PM-guarded side effect (state/EE change, BW_REQ, a
// fatal transition): those run after the caller releases the event-ring
// lock rather than nested under it, since PM is outer to Event in the
// hierarchy (§5) and none of these branches depend on ring state. A
// protocol violation (BAD_TRE, an unknown TX code or event type) returns
// both the fatal transition and an ErrIO error, which aborts the drain.
func (er *EventRing) dispatch(typ EventType, chanID uint32, code EventCode, length uint32, ptr uint64, pm pmSnapshot) (func(), error) {
	switch typ {
	case EventTX:
		switch code {
		case CodeOOB, CodeDBMode:
			return nil, er.handleOOBDoorbell(chanID, pm.dbPermitted)
		case CodeSuccess, CodeEOT, CodeEOB, CodeOverflow:
			return nil, er.parseXferEvent(chanID, code, length, ptr, pm)
		case CodeBadTRE:
			err := fmt.Errorf("mhi: event ring %d: BAD_TRE on channel %d: %w", er.index, chanID, ErrIO)
			return func() { er.ctrl.fatal(err) }, err
		default:
			err := fmt.Errorf("mhi: event ring %d: unknown TX code %d on channel %d: %w", er.index, code, chanID, ErrIO)
			return func() { er.ctrl.fatal(err) }, err
		}
	case EventRSCTX:
		return nil, er.parseRSCEvent(chanID, code, length, ptr)
	case EventCmdCompletion:
		return nil, er.handleCmdCompletion(chanID, code)
	case EventStateChange:
		newState := PMState(length)
		return func() { _ = er.handleStateChange(newState) }, nil
	case EventEEChange:
		newEE := ExecutionEnvironment(length)
		return func() { _ = er.handleEEChange(newEE) }, nil
	case EventBWReq:
		return func() { _ = er.handleBWReq(length) }, nil
	default:
		err := fmt.Errorf("mhi: event ring %d: unknown event type %d: %w", er.index, typ, ErrIO)
		return func() { er.ctrl.fatal(err) }, err
	}
}

// parseXferEvent walks chan's TRE ring from its local rp up to and
// including the TRE the event's pointer names, truncating the length of
// every TRE but the last to its own buffer size. pm is sampled by the
// caller before the event-ring lock, per dispatch's contract.
func (er *EventRing) parseXferEvent(chanID uint32, code EventCode, length uint32, evPtr uint64, pm pmSnapshot) error {
	ch, ok := er.ctrl.channel(chanID)
	if !ok {
		return fmt.Errorf("mhi: event ring %d: TX event for unknown channel %d: %w", er.index, chanID, ErrIO)
	}

	if !ch.tre.IsValidDevicePtr(evPtr) {
		return fmt.Errorf("mhi: channel %d: TX event pointer %#x out of range: %w", chanID, evPtr, ErrIO)
	}

	lastOff := ch.tre.ToVirtual(evPtr)

	ch.rw.RLock()
	lockorder.Acquire(lockorder.ChanRW)

	status := StatusOK
	if code == CodeOverflow {
		status = StatusOverflow
	}

	ringPermitted := false

	for {
		off := ch.tre.RP()
		idx := ch.index(off)
		info := ch.bufs[idx]
		ch.bufs[idx] = dma.BufferInfo{}

		isLast := off == lastOff

		n := len(info.Client)
		if isLast && int(length) < n {
			n = int(length)
		}

		if !info.PreMapped {
			ch.mapper.UnmapSingle(&info)
		}

		if ch.cb != nil {
			ch.cb(XferResult{Buf: info.Client, BytesTransferred: n, Dir: info.Dir, Status: status})
		}

		ch.tre.AdvanceRP()

		if info.Dir == ToDevice {
			er.ctrl.decPendingPkts()
		}

		if ch.preAlloc {
			permitted, err := ch.resubmitPreAlloc(&info, pm)
			if err != nil {
				// no backpressure path: drop the buffer and continue
				er.ctrl.logger.Warnw("pre-alloc resubmit failed, dropping buffer",
					"channel", chanID, "error", err)
			} else if permitted {
				ringPermitted = true
			}
		}

		if isLast {
			break
		}
	}

	// Released before ringing: ringDoorbell takes ChanRW itself, and a
	// goroutine may not reacquire a lock it already holds while another
	// goroutine's pending writer is queued behind it.
	lockorder.Release(lockorder.ChanRW)
	ch.rw.RUnlock()

	if ringPermitted {
		ch.ringDoorbell()
	}

	return nil
}

// parseRSCEvent completes the buffer indexed by the event's cookie
// directly, rather than walking forward from rp: the device may complete
// out of order within its in-flight window even though it consumes
// descriptors in order, so the host still advances rp by exactly one.
func (er *EventRing) parseRSCEvent(chanID uint32, code EventCode, length uint32, cookie uint64) error {
	ch, ok := er.ctrl.channel(chanID)
	if !ok {
		return fmt.Errorf("mhi: event ring %d: RSC event for unknown channel %d: %w", er.index, chanID, ErrIO)
	}

	ch.rw.RLock()
	lockorder.Acquire(lockorder.ChanRW)
	defer lockorder.Release(lockorder.ChanRW)
	defer ch.rw.RUnlock()

	idx := cookie % uint64(len(ch.bufs))
	info := ch.bufs[idx]
	ch.bufs[idx] = dma.BufferInfo{}

	status := StatusOK
	if code == CodeOverflow {
		status = StatusOverflow
	}

	n := len(info.Client)
	if int(length) < n {
		n = int(length)
	}

	if !info.PreMapped {
		ch.mapper.UnmapSingle(&info)
	}

	if ch.cb != nil {
		ch.cb(XferResult{Buf: info.Client, BytesTransferred: n, Dir: info.Dir, Status: status})
	}

	ch.tre.AdvanceRP()

	if info.Dir == ToDevice {
		er.ctrl.decPendingPkts()
	}

	return nil
}

// handleCmdCompletion correlates the completion to its channel by the
// event's own channel-id field and unblocks that channel's (or, for the
// SFR sentinel, the command ring's) completion latch.
func (er *EventRing) handleCmdCompletion(chanID uint32, code EventCode) error {
	if chanID == sfrChannel {
		er.ctrl.cmd.sfrLatch.signal(code)
		return nil
	}

	ch, ok := er.ctrl.channel(chanID)
	if !ok {
		return fmt.Errorf("mhi: event ring %d: CMD_COMPLETION for unknown channel %d: %w", er.index, chanID, ErrIO)
	}

	ch.completion.signal(code)

	return nil
}

// handleOOBDoorbell takes the channel write-lock, per §4.4's locking
// discipline, since it mutates the burst-mode latch and may write.
// permitted is sampled by the caller before the event-ring lock, not
// re-acquired here, since PM is outer to both Event and ChanRW (§5).
func (er *EventRing) handleOOBDoorbell(chanID uint32, permitted bool) error {
	ch, ok := er.ctrl.channel(chanID)
	if !ok {
		return fmt.Errorf("mhi: event ring %d: OOB/DB_MODE for unknown channel %d: %w", er.index, chanID, ErrIO)
	}

	ch.rw.Lock()
	lockorder.Acquire(lockorder.ChanRW)
	defer lockorder.Release(lockorder.ChanRW)
	defer ch.rw.Unlock()

	ch.db.Rearm()

	if !ch.tre.IsEmpty() && permitted {
		ch.ringDoorbellLocked()
	}

	return nil
}

// handleStateChange drives the PM collaborator for M0/M1/M3; on SYS_ERR it
// attempts to set PM state to SYS_ERR_DETECT and invokes the sys-err
// handler, both done inside Controller.applyStateChange so it alone owns
// the PM write-lock for the transition.
func (er *EventRing) handleStateChange(newState PMState) error {
	return er.ctrl.applyStateChange(newState)
}

func (er *EventRing) handleEEChange(newEE ExecutionEnvironment) error {
	er.ctrl.applyEEChange(newEE)

	if newEE == EERDDM {
		er.ctrl.collab.StatusCB(EventEERDDM)
	}

	return nil
}

func (er *EventRing) handleBWReq(linkInfo uint32) error {
	er.ctrl.pm.Lock()
	lockorder.Acquire(lockorder.PM)
	er.ctrl.linkInfo = linkInfo
	lockorder.Release(lockorder.PM)
	er.ctrl.pm.Unlock()

	if er.ctrl.limiter != nil {
		er.ctrl.limiter.SetLimit(rate.Limit(linkInfo))
	}

	er.ctrl.collab.StatusCB(EventBWReqNotify)

	return nil
}

// markStaleForChannel rewrites every unconsumed TX event for chanID to
// the STALE sentinel in place, under the same lock the processor takes
// before reading an event's type byte.
func (er *EventRing) markStaleForChannel(chanID uint32) {
	// Reached from Channel.drain with ChanMu already held (teardown is
	// serialized by the channel, not the event ring), so er.mu is taken
	// here without the usual lockorder bookkeeping: Event is nominally
	// outer to ChanMu (§5), but this is the one path that nests it the
	// other way around. It is safe because no other call site acquires
	// Event and then ChanMu, so the two never form a cycle.
	er.mu.Lock()
	defer er.mu.Unlock()

	// Refresh first: a completion racing teardown may have been posted
	// by the device but not yet observed by any ProcessData/HandleMSI
	// call, so the local view of wp can otherwise be stale itself. An
	// invalid pointer here is silently ignored — the drain that
	// eventually observes it will abort and log, teardown must not
	// block or fail on it.
	_ = er.refreshDeviceWP()

	for off := er.ring.RP(); off != er.ring.WP(); {
		elem := er.ring.Element(off)
		typ, ch, _, _, _ := DecodeEvent(elem)

		if typ == EventTX && ch == chanID {
			MarkStale(elem)
		}

		off = er.ring.Wrap(off)
	}
}
