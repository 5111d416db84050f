// MHI command engine
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

	"github.com/usbarmory/mhi/internal/lockorder"
	"github.com/usbarmory/mhi/ring"
)

// CommandRing is the single primary command ring, serialized by its own
// lock (§5 item 2, outer of the event-ring lock). Completions correlate to
// the issuing channel by the channel ID embedded in the command TRE, not
// by event arrival order, so each in-flight issue owns its target's
// completion latch rather than the ring's.
type CommandRing struct {
	mu     sync.Mutex
	ring   *ring.Ring
	dbAddr uint32
	ctrl   *Controller

	// sfrLatch completes CmdSFRConfig, which addresses no channel.
	sfrLatch *completionLatch
}

// NewCommandRing constructs a command ring over an already-allocated ring
// buffer and doorbell register offset.
func NewCommandRing(r *ring.Ring, dbAddr uint32) *CommandRing {
	return &CommandRing{
		ring:     r,
		dbAddr:   dbAddr,
		sfrLatch: newCompletionLatch(),
	}
}

// Send writes chanID's command TRE, advances the write pointer, rings the
// command doorbell under the PM read-lock, and blocks on the target's
// completion latch until it signals, ctx is done, or the controller's
// configured CommandTimeout elapses, whichever comes first — the single
// timeout_ms bound spec.md describes as the core's own enforced deadline,
// not one each caller must separately apply. A timed-out issue returns
// ErrTimeout; the TRE is left on the ring since stale completions are
// benign (the latch is reinitialized on the next issue for that target).
func (cr *CommandRing) Send(ctx context.Context, chanID uint32, opcode CommandOpcode) (EventCode, error) {
	ctx, cancel := context.WithTimeout(ctx, cr.ctrl.CommandTimeout())
	defer cancel()

	latch := cr.sfrLatch
	var ch *Channel

	if opcode != CmdSFRConfig {
		var ok bool
		ch, ok = cr.ctrl.channel(chanID)
		if !ok {
			return 0, fmt.Errorf("mhi: command: unknown channel %d: %w", chanID, ErrInvalidArgument)
		}
		latch = ch.completion
	}

	// PM read-lock is acquired outermost (§5 item 1) and held across the
	// whole command-ring critical section, not just the doorbell write:
	// that keeps the DBAccessValid snapshot consistent with the TRE this
	// call actually publishes, and keeps lock acquisition order the same
	// as every other path through the hierarchy.
	cr.ctrl.pm.RLock()
	lockorder.Acquire(lockorder.PM)
	dbPermitted := cr.ctrl.pmState.DBAccessValid()

	cr.mu.Lock()
	lockorder.Acquire(lockorder.Cmd)
	latch.reset()

	if cr.ring.IsFull() {
		lockorder.Release(lockorder.Cmd)
		cr.mu.Unlock()
		lockorder.Release(lockorder.PM)
		cr.ctrl.pm.RUnlock()
		return 0, fmt.Errorf("mhi: command ring full: %w", ErrNoMemory)
	}

	elem := cr.ring.ElementAtWP()
	EncodeCommandTRE(elem, opcode, chanID)
	cr.ring.AdvanceWP()

	if dbPermitted {
		cr.ctrl.reg.WriteDoorbell64(cr.dbAddr, cr.ring.DeviceAddr(cr.ring.WP()))
	}

	lockorder.Release(lockorder.Cmd)
	cr.mu.Unlock()
	lockorder.Release(lockorder.PM)
	cr.ctrl.pm.RUnlock()

	code, err := latch.wait(ctx)
	if err != nil {
		return 0, fmt.Errorf("mhi: command %d on channel %d: %w", opcode, chanID, err)
	}

	return code, nil
}
