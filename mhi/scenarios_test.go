package mhi

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/usbarmory/mhi/dma"
	"github.com/usbarmory/mhi/regio"
)

// S1 — single-TRE inbound.
func TestS1SingleTREInbound(t *testing.T) {
	h := newTestHarness(t)

	var got []XferResult
	ch := h.newChannel(7, FromDevice, 8, nil, func(r XferResult) { got = append(got, r) })

	buf := make([]byte, 64)
	require.NoError(t, ch.SubmitBuffer(buf, FromDevice))

	tre0 := ch.tre.DeviceAddr(0)
	h.injectDataEvent(EventTX, 7, CodeEOT, 32, tre0)

	err := h.ctrl.HandleMSI(1)
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, 32, got[0].BytesTransferred)
	assert.Equal(t, StatusOK, got[0].Status)
	assert.Equal(t, uint64(TRESize), ch.tre.RP())
	assert.Equal(t, int64(0), h.ctrl.PendingPkts())
}

// S2 — multi-TRE chained inbound.
func TestS2MultiTREChainedInbound(t *testing.T) {
	h := newTestHarness(t)

	var got []XferResult
	ch := h.newChannel(8, FromDevice, 8, nil, func(r XferResult) { got = append(got, r) })

	lens := []int{256, 256, 256}
	var lastOff uint64

	for i, n := range lens {
		lastOff = ch.tre.WP()
		flags := TREFlagChain
		if i == len(lens)-1 {
			flags = TREFlagEOT
		}
		_, err := ch.enqueue(dma.BufferInfo{Client: make([]byte, n), Dir: FromDevice}, flags, h.ctrl.samplePM())
		require.NoError(t, err)
	}

	h.injectDataEvent(EventTX, 8, CodeEOT, 128, ch.tre.DeviceAddr(lastOff))

	err := h.ctrl.HandleMSI(1)
	require.NoError(t, err)

	require.Len(t, got, 3)
	assert.Equal(t, []int{256, 256, 128}, []int{got[0].BytesTransferred, got[1].BytesTransferred, got[2].BytesTransferred})
	assert.Equal(t, uint64(3*TRESize), ch.tre.RP())
}

// S3 — overflow.
func TestS3Overflow(t *testing.T) {
	h := newTestHarness(t)

	var got []XferResult
	ch := h.newChannel(9, FromDevice, 8, nil, func(r XferResult) { got = append(got, r) })

	buf := make([]byte, 64)
	require.NoError(t, ch.SubmitBuffer(buf, FromDevice))

	h.injectDataEvent(EventTX, 9, CodeOverflow, 96, ch.tre.DeviceAddr(0))

	err := h.ctrl.HandleMSI(1)
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, 64, got[0].BytesTransferred)
	assert.Equal(t, StatusOverflow, got[0].Status)
}

// S4 — burst-mode doorbell: submitting while db_mode == 0 writes nothing;
// an OOB event arms the latch and, because the ring is non-empty, rings
// the doorbell exactly once with the current write pointer.
func TestS4BurstModeDoorbell(t *testing.T) {
	h := newTestHarness(t)

	db := regio.NewDoorbell(regio.BurstEnabled)
	ch := h.newChannel(11, ToDevice, 16, db, nil)

	for i := 0; i < 5; i++ {
		require.NoError(t, ch.SubmitBuffer(make([]byte, 8), ToDevice))
	}

	dbAddr := uint32(0x80 + 11*8)
	h.regs.mu.Lock()
	_, wroteLow := h.regs.regs[dbAddr]
	_, wroteHigh := h.regs.regs[dbAddr+4]
	h.regs.mu.Unlock()
	assert.False(t, wroteLow)
	assert.False(t, wroteHigh)

	h.injectDataEvent(EventTX, 11, CodeOOB, 0, 0)
	err := h.ctrl.HandleMSI(1)
	require.NoError(t, err)

	expect := ch.tre.DeviceAddr(ch.tre.WP())
	h.regs.mu.Lock()
	gotLow := h.regs.regs[dbAddr]
	gotHigh := h.regs.regs[dbAddr+4]
	h.regs.mu.Unlock()
	assert.Equal(t, uint32(expect), gotLow)
	assert.Equal(t, uint32(expect>>32), gotHigh)
	assert.False(t, db.Armed()) // latch consumed by the single ring
}

// S5 — command success.
func TestS5CommandSuccess(t *testing.T) {
	h := newTestHarness(t)
	ch := h.newChannel(3, ToDevice, 4, nil, nil)
	ch.rw.Lock()
	ch.state = ChanDisabled
	ch.rw.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- ch.Prepare(ctx) }()

	require.Eventually(t, func() bool {
		return !h.cmdRing.IsEmpty()
	}, time.Second, time.Millisecond)

	h.injectControlEvent(EventCmdCompletion, 3, CodeSuccess, 0, h.cmdRing.DeviceAddr(0))
	err := h.ctrl.HandleMSI(0)
	require.NoError(t, err)

	require.NoError(t, <-done)
	assert.Equal(t, ChanEnabled, ch.State())
	assert.Equal(t, CodeSuccess, ch.LastCompletionCode())
}

// S6 — command timeout and teardown. A completion for the in-flight TRE
// races the RESET command and is already sitting on the event ring when
// teardown runs; it must be stale-marked and produce no callback when
// later drained, while the TRE itself is separately retired disconnected.
func TestS6CommandTimeoutAndTeardown(t *testing.T) {
	h := newTestHarness(t)
	ch := h.newChannel(4, ToDevice, 8, nil, nil)

	var dropped []XferResult
	ch.cb = func(r XferResult) { dropped = append(dropped, r) }

	_, err := ch.enqueue(dma.BufferInfo{Client: make([]byte, 16), Dir: ToDevice}, TREFlagEOT, h.ctrl.samplePM())
	require.NoError(t, err)
	h.injectDataEvent(EventTX, 4, CodeEOT, 16, ch.tre.DeviceAddr(0))

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Millisecond)
	defer cancel()

	err = ch.Unprepare(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)

	assert.Equal(t, ChanDisabled, ch.State())
	require.Len(t, dropped, 1)
	assert.Equal(t, StatusDisconnected, dropped[0].Status)

	var late []XferResult
	ch.cb = func(r XferResult) { late = append(late, r) }

	err = h.ctrl.HandleMSI(1)
	require.NoError(t, err)
	assert.Empty(t, late)
}

// The controller's own configured CommandTimeout bounds a command issue
// even when the caller's context carries no deadline of its own, proving
// the timeout is enforced by CommandRing.Send rather than left for every
// caller to apply independently.
func TestCommandTimeoutEnforcedByController(t *testing.T) {
	h := newTestHarness(t)
	h.ctrl.timeout = 20 * time.Millisecond

	ch := h.newChannel(13, ToDevice, 4, nil, nil)
	ch.rw.Lock()
	ch.state = ChanDisabled
	ch.rw.Unlock()

	start := time.Now()
	err := ch.Prepare(context.Background())
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, elapsed, time.Second)
}

// S7 — SFR config command completes through the controller-level latch.
func TestS7SFRConfigCommand(t *testing.T) {
	h := newTestHarness(t)
	ch := h.newChannel(5, ToDevice, 4, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan struct {
		code EventCode
		err  error
	}, 1)

	go func() {
		code, err := h.cmd.Send(ctx, sfrChannel, CmdSFRConfig)
		done <- struct {
			code EventCode
			err  error
		}{code, err}
	}()

	require.Eventually(t, func() bool {
		return !h.cmdRing.IsEmpty()
	}, time.Second, time.Millisecond)

	h.injectControlEvent(EventCmdCompletion, sfrChannel, CodeSuccess, 0, h.cmdRing.DeviceAddr(0))
	err := h.ctrl.HandleMSI(0)
	require.NoError(t, err)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, CodeSuccess, res.code)

	// the SFR completion must not have crossed into channel 5's own
	// per-channel latch
	shortCtx, shortCancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer shortCancel()
	_, err = ch.completion.wait(shortCtx)
	assert.ErrorIs(t, err, ErrTimeout)
}

// S8 — BW_REQ throttling retunes the submission rate limiter.
func TestS8BWReqThrottling(t *testing.T) {
	h := newTestHarness(t)

	h.injectControlEvent(EventBWReq, 0, CodeSuccess, 50, 0)

	err := h.ctrl.HandleMSI(0)
	require.NoError(t, err)

	assert.Equal(t, rate.Limit(50), h.ctrl.limiter.Limit())
	assert.Equal(t, uint32(50), h.ctrl.LinkInfo())
}

// Idempotence of retire under STALE: marking stale and redraining produces
// no callback, equivalent to having skipped the event entirely.
func TestStaleEventIdempotence(t *testing.T) {
	h := newTestHarness(t)

	var got []XferResult
	ch := h.newChannel(6, FromDevice, 8, nil, func(r XferResult) { got = append(got, r) })

	buf := make([]byte, 32)
	require.NoError(t, ch.SubmitBuffer(buf, FromDevice))

	h.injectDataEvent(EventTX, 6, CodeEOT, 32, ch.tre.DeviceAddr(0))
	ch.markStaleEvents(h.data)

	err := h.ctrl.HandleMSI(1)
	require.NoError(t, err)

	assert.Empty(t, got)
}

// Buffer-mapping exhaustion surfaces as ErrNoMemory rather than taking the
// process down, mirroring the ring-full check submit already applies.
func TestMapBufferExhaustionReturnsNoMemory(t *testing.T) {
	h := newTestHarness(t)
	ch := h.newChannel(12, ToDevice, 4, nil, nil)
	ch.mapper = dma.NewDirectMapper(dma.NewRegion(0x30000000, 8))

	err := ch.SubmitBuffer(make([]byte, 64), ToDevice)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoMemory)
}

// Address safety: a malformed device event pointer aborts the drain with
// an I/O error and leaves ring state untouched.
func TestAddressSafetyAbortsOnInvalidPointer(t *testing.T) {
	h := newTestHarness(t)

	ch := h.newChannel(10, FromDevice, 8, nil, func(r XferResult) {})
	require.NoError(t, ch.SubmitBuffer(make([]byte, 16), FromDevice))

	h.injectDataEvent(EventTX, 10, CodeEOT, 16, 0xDEADBEEF)

	rpBefore := ch.tre.RP()
	err := h.ctrl.HandleMSI(1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIO)
	assert.Equal(t, rpBefore, ch.tre.RP())
}
