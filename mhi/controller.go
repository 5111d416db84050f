// MHI controller: PM state, channel registry, MSI dispatch
// https://github.com/usbarmory/mhi
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package mhi

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cloudwego/gopkg/concurrency/gopool"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/usbarmory/mhi/internal/lockorder"
	"github.com/usbarmory/mhi/regio"
)

// PMCollaborator is the bus/power-management integration the controller
// defers to for everything outside the ring engine's scope: runtime PM
// refcounting, low-power wake, and lifecycle notification. It owns the PM
// state machine itself; the controller only classifies the state it is
// told about.
type PMCollaborator interface {
	// RuntimeGet requests the device be kept out of low-power states.
	RuntimeGet()
	// RuntimePut releases a prior RuntimeGet.
	RuntimePut()
	// WakeToggle nudges the device out of M2 on any access.
	WakeToggle()
	// TriggerResume requests a transition out of a suspended PM state.
	TriggerResume()
	// StatusCB delivers a lifecycle notification with no more specific
	// home in the core.
	StatusCB(event ControllerEvent)
}

// Controller aggregates the register/doorbell interface, PM state, command
// and event rings, and the channel registry. It is reached concurrently
// from MSI delivery, client submission, and command issuers; the lock
// hierarchy documented in §5 (PM rw-lock outermost) is the only nesting
// this type's methods are allowed to produce.
type Controller struct {
	reg *regio.Device

	// pm is the controller's PM read-write lock (§5 item 1): read for
	// the fast path (submit, event-ring republish, command issue),
	// write only when transitioning PM state or link info.
	pm       sync.RWMutex
	pmState  PMState
	ee       ExecutionEnvironment
	linkInfo uint32

	timeout time.Duration
	collab  PMCollaborator

	cmd        *CommandRing
	eventRings []*EventRing

	chMu     sync.RWMutex
	channels map[uint32]*Channel

	logger  *zap.SugaredLogger
	workers *gopool.GoPool
	limiter *rate.Limiter

	pendingPkts int64
}

// New constructs a controller over an already-opened register backend and
// command ring, with PM state starting at M0 (the reset/boot-time
// default every example controller observes before first handshake).
func New(reg *regio.Device, cmd *CommandRing, collab PMCollaborator, timeout time.Duration, logger *zap.SugaredLogger) *Controller {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	c := &Controller{
		reg:      reg,
		pmState:  PMM0,
		timeout:  timeout,
		collab:   collab,
		cmd:      cmd,
		channels: make(map[uint32]*Channel),
		logger:   logger,
		workers:  gopool.NewGoPool("mhi-event-workers", gopool.DefaultOption()),
		limiter:  rate.NewLimiter(rate.Inf, 1),
	}

	cmd.ctrl = c

	return c
}

// AddEventRing registers an event ring at its controller-assigned index.
func (c *Controller) AddEventRing(er *EventRing) {
	er.ctrl = c
	c.eventRings = append(c.eventRings, er)
}

func (c *Controller) eventRing(index int) *EventRing {
	if index < 0 || index >= len(c.eventRings) {
		return nil
	}
	return c.eventRings[index]
}

// AddChannel registers a channel under its ID.
func (c *Controller) AddChannel(ch *Channel) {
	ch.ctrl = c

	c.chMu.Lock()
	c.channels[ch.ID] = ch
	c.chMu.Unlock()
}

func (c *Controller) channel(id uint32) (*Channel, bool) {
	c.chMu.RLock()
	ch, ok := c.channels[id]
	c.chMu.RUnlock()
	return ch, ok
}

func (c *Controller) incPendingPkts() {
	atomic.AddInt64(&c.pendingPkts, 1)
}

func (c *Controller) decPendingPkts() {
	atomic.AddInt64(&c.pendingPkts, -1)
}

// PendingPkts reports the number of outbound transfers submitted but not
// yet retired by a completion event.
func (c *Controller) PendingPkts() int64 {
	return atomic.LoadInt64(&c.pendingPkts)
}

// CommandTimeout returns the timeout command issuers wait under.
func (c *Controller) CommandTimeout() time.Duration {
	return c.timeout
}

// fatal treats a protocol violation (BAD_TRE, an unknown TX event code or
// event type) as fatal to the controller, per §7's error
// policy: surface to the PM collaborator for controller-level recovery
// rather than continuing with undefined ring state.
func (c *Controller) fatal(err error) {
	c.logger.Errorw("fatal protocol violation", "error", err)

	c.pm.Lock()
	lockorder.Acquire(lockorder.PM)
	c.pmState = PMFatalError
	lockorder.Release(lockorder.PM)
	c.pm.Unlock()

	c.collab.StatusCB(EventFatalError)
}

// applyStateChange installs a device-reported PM state and nudges the PM
// collaborator: RuntimeGet on entry to the fully active M0 state,
// RuntimePut on entry to an idle/suspend state, and the SYS_ERR
// notification when the device reports the error-detect state — the
// collaborator owns the actual PM state machine and recovery sequencing,
// this only classifies and forwards.
func (c *Controller) applyStateChange(newState PMState) error {
	c.pm.Lock()
	lockorder.Acquire(lockorder.PM)
	c.pmState = newState
	lockorder.Release(lockorder.PM)
	c.pm.Unlock()

	switch newState {
	case PMM0:
		c.collab.RuntimeGet()
	case PMM1, PMM3:
		c.collab.RuntimePut()
	case PMSysErrDetect:
		c.collab.StatusCB(EventSysErr)
	}

	return nil
}

// applyEEChange installs a device-reported execution environment.
func (c *Controller) applyEEChange(newEE ExecutionEnvironment) {
	c.pm.Lock()
	lockorder.Acquire(lockorder.PM)
	c.ee = newEE
	lockorder.Release(lockorder.PM)
	c.pm.Unlock()
}

// PMState returns the controller's current PM state.
func (c *Controller) PMState() PMState {
	c.pm.RLock()
	lockorder.Acquire(lockorder.PM)
	defer lockorder.Release(lockorder.PM)
	defer c.pm.RUnlock()
	return c.pmState
}

// ExecutionEnvironment returns the controller's last-known device EE.
func (c *Controller) ExecutionEnvironment() ExecutionEnvironment {
	c.pm.RLock()
	lockorder.Acquire(lockorder.PM)
	defer lockorder.Release(lockorder.PM)
	defer c.pm.RUnlock()
	return c.ee
}

// LinkInfo returns the last BW_REQ-reported link speed/width value.
func (c *Controller) LinkInfo() uint32 {
	c.pm.RLock()
	lockorder.Acquire(lockorder.PM)
	defer lockorder.Release(lockorder.PM)
	defer c.pm.RUnlock()
	return c.linkInfo
}

// pmSnapshot is the PM-guarded state a channel submission path needs,
// sampled once under the PM read-lock. PM is outermost in the hierarchy
// (§5), so any caller that might already hold a channel or event-ring
// lock by the time it needs this state must sample it before acquiring
// that deeper lock and thread the snapshot down, rather than taking the
// PM lock again partway through.
type pmSnapshot struct {
	errorState   bool
	suspendState bool
	dbPermitted  bool
}

func (c *Controller) samplePM() pmSnapshot {
	c.pm.RLock()
	lockorder.Acquire(lockorder.PM)
	s := pmSnapshot{
		errorState:   c.pmState.InErrorState(),
		suspendState: c.pmState.InSuspendState(),
		dbPermitted:  c.pmState.DBAccessValid(),
	}
	lockorder.Release(lockorder.PM)
	c.pm.RUnlock()
	return s
}

// HandleMSI is the top half for event ring erIndex: it validates the
// device-published pointer, and if there is new data, dispatches by
// priority class. Client-managed rings never drain here; the controller
// collaborator's StatusCB only receives EventPendingData.
func (c *Controller) HandleMSI(erIndex int) error {
	er := c.eventRing(erIndex)
	if er == nil {
		return fmt.Errorf("mhi: HandleMSI: unknown event ring %d: %w", erIndex, ErrInvalidArgument)
	}

	if err := er.refreshDeviceWP(); err != nil {
		c.fatal(err)
		return err
	}

	if er.ring.IsEmpty() {
		return nil
	}

	if er.clientManaged {
		if er.boundChannel != nil && er.boundChannel.cb != nil {
			c.collab.StatusCB(EventPendingData)
		}
		return nil
	}

	drain := er.ProcessData
	if er.kind == KindControl {
		drain = er.ProcessControl
	}

	switch er.priority {
	case PriorityHiNoSleep, PriorityDefaultNoSleep:
		_, err := drain(1 << 16)
		return err
	case PriorityHiSleep:
		c.workers.CtxGo(context.Background(), func() {
			if _, err := drain(1 << 16); err != nil {
				c.logger.Errorw("event ring drain failed", "ring", erIndex, "error", err)
			}
		})
		return nil
	default:
		return fmt.Errorf("mhi: event ring %d: unknown priority class: %w", erIndex, ErrInvalidArgument)
	}
}
