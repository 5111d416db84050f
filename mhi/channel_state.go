// MHI channel state machine
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

	"github.com/usbarmory/mhi/dma"
	"github.com/usbarmory/mhi/internal/lockorder"
)

// transition reports whether the given command is legal from the
// channel's current state and the state it leads to, per §4.7's table.
func transition(from ChannelState, cmd CommandOpcode) (ChannelState, bool) {
	switch cmd {
	case CmdStart:
		if from == ChanDisabled || from == ChanStop {
			return ChanEnabled, true
		}
	case CmdStop:
		if from == ChanEnabled {
			return ChanStop, true
		}
	case CmdReset:
		if from == ChanEnabled || from == ChanStop || from == ChanSuspended {
			return ChanDisabled, true
		}
	}
	return from, false
}

// Prepare initializes the channel's ring context, issues START, and, for
// pre-alloc channels, refills the ring and rings the doorbell once. Any
// failure rolls back: the channel is torn down via unprepare so it ends
// DISABLED rather than left half-initialized.
func (c *Channel) Prepare(ctx context.Context) error {
	// Read EE and PM state before taking mu: unprepareLocked and refill
	// need them, but the PM lock is outer to mu in the hierarchy (§5),
	// so it cannot be taken again once mu is held.
	ee := c.ctrl.ExecutionEnvironment()
	pm := c.ctrl.samplePM()

	c.mu.Lock()
	lockorder.Acquire(lockorder.ChanMu)
	defer lockorder.Release(lockorder.ChanMu)
	defer c.mu.Unlock()

	c.rw.RLock()
	lockorder.Acquire(lockorder.ChanRW)
	state := c.state
	lockorder.Release(lockorder.ChanRW)
	c.rw.RUnlock()

	if _, ok := transition(state, CmdStart); !ok {
		return fmt.Errorf("mhi: channel %d: START not valid from %s: %w", c.ID, state, ErrInvalidArgument)
	}

	c.tre.Reset()

	code, err := c.ctrl.cmd.Send(ctx, c.ID, CmdStart)
	if err != nil {
		c.unprepareLocked(ctx, ee)
		return fmt.Errorf("mhi: channel %d: START command: %w", c.ID, err)
	}

	c.lastCompletionCode = code

	if code != CodeSuccess {
		c.unprepareLocked(ctx, ee)
		return fmt.Errorf("mhi: channel %d: START completed with code %d: %w", c.ID, code, ErrIO)
	}

	c.rw.Lock()
	lockorder.Acquire(lockorder.ChanRW)
	c.state = ChanEnabled
	lockorder.Release(lockorder.ChanRW)
	c.rw.Unlock()

	if c.preAlloc {
		if err := c.refill(pm); err != nil {
			c.unprepareLocked(ctx, ee)
			return fmt.Errorf("mhi: channel %d: pre-alloc refill: %w", c.ID, err)
		}
	}

	return nil
}

// Unprepare issues RESET if the controller's current execution environment
// is in the channel's EE-mask, then unconditionally forces DISABLED and
// drains in-flight state, regardless of whether the command succeeded.
func (c *Channel) Unprepare(ctx context.Context) error {
	ee := c.ctrl.ExecutionEnvironment()

	c.mu.Lock()
	lockorder.Acquire(lockorder.ChanMu)
	defer lockorder.Release(lockorder.ChanMu)
	defer c.mu.Unlock()

	return c.unprepareLocked(ctx, ee)
}

func (c *Channel) unprepareLocked(ctx context.Context, ee ExecutionEnvironment) error {
	var cmdErr error

	if c.EEMask&(1<<uint(ee)) != 0 {
		code, err := c.ctrl.cmd.Send(ctx, c.ID, CmdReset)
		if err == nil {
			c.lastCompletionCode = code
			if code != CodeSuccess {
				cmdErr = fmt.Errorf("mhi: channel %d: RESET completed with code %d: %w", c.ID, code, ErrIO)
			}
		} else {
			cmdErr = err
		}
	}

	c.rw.Lock()
	lockorder.Acquire(lockorder.ChanRW)
	c.state = ChanDisabled
	lockorder.Release(lockorder.ChanRW)
	c.rw.Unlock()

	c.drain()

	return cmdErr
}

// drain marks outstanding TX events for this channel stale and retires
// every in-flight TRE with disconnected status (or, for pre-alloc
// channels, simply drops the buffer — there is no client waiting on it).
func (c *Channel) drain() {
	c.markStaleEvents(c.ctrl.eventRing(c.ERIndex))

	for !c.tre.IsEmpty() {
		idx := c.index(c.tre.RP())
		info := c.bufs[idx]
		c.bufs[idx] = dma.BufferInfo{}

		if !c.preAlloc && c.cb != nil && info.Client != nil {
			if !info.PreMapped {
				c.mapper.UnmapSingle(&info)
			}
			c.cb(XferResult{Buf: info.Client, Dir: info.Dir, Status: StatusDisconnected})
		}

		c.tre.AdvanceRP()
	}
}

// PrepareForTransfer prepares both directional channels of a client
// device, rolling back the first if the second fails so neither is left
// half-prepared.
func PrepareForTransfer(ctx context.Context, ul, dl *Channel) error {
	if err := ul.Prepare(ctx); err != nil {
		return fmt.Errorf("mhi: prepare for transfer: UL: %w", err)
	}

	if err := dl.Prepare(ctx); err != nil {
		_ = ul.Unprepare(ctx)
		return fmt.Errorf("mhi: prepare for transfer: DL: %w", err)
	}

	return nil
}

// UnprepareFromTransfer unprepares both directional channels, always
// attempting both even if the first returns an error.
func UnprepareFromTransfer(ctx context.Context, ul, dl *Channel) error {
	errUL := ul.Unprepare(ctx)
	errDL := dl.Unprepare(ctx)

	if errUL != nil {
		return errUL
	}

	return errDL
}
