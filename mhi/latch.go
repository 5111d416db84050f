// MHI command completion latch
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
	"sync"
)

// completionLatch is a one-shot wakeup used to implement
// wait_for_completion_timeout over a channel's (or the controller's, for
// CmdSFRConfig) pending command. reset must be called before each command
// issue so a stale signal from a previous, already-timed-out issue cannot
// be mistaken for the new one's completion.
type completionLatch struct {
	mu   sync.Mutex
	code EventCode
	ch   chan struct{}
}

func newCompletionLatch() *completionLatch {
	return &completionLatch{ch: make(chan struct{}, 1)}
}

// reset drains any pending signal, preparing the latch for a new command.
func (l *completionLatch) reset() {
	select {
	case <-l.ch:
	default:
	}
}

// signal records the completion code and wakes the waiter, if any.
func (l *completionLatch) signal(code EventCode) {
	l.mu.Lock()
	l.code = code
	l.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	default:
	}
}

// wait blocks until signal is called or ctx is done.
func (l *completionLatch) wait(ctx context.Context) (EventCode, error) {
	select {
	case <-l.ch:
		l.mu.Lock()
		code := l.code
		l.mu.Unlock()
		return code, nil
	case <-ctx.Done():
		return 0, ErrTimeout
	}
}
