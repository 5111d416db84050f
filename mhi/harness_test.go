package mhi

import (
	"sync"
	"testing"
	"time"

	"github.com/usbarmory/mhi/dma"
	"github.com/usbarmory/mhi/regio"
	"github.com/usbarmory/mhi/ring"
)

// fakeRegs is an in-memory regio.RegisterIO used across this package's
// tests, standing in for real MMIO.
type fakeRegs struct {
	mu   sync.Mutex
	regs map[uint32]uint32
}

func newFakeRegs() *fakeRegs {
	return &fakeRegs{regs: make(map[uint32]uint32)}
}

func (f *fakeRegs) ReadReg(offset uint32) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.regs[offset], nil
}

func (f *fakeRegs) WriteReg(offset uint32, val uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regs[offset] = val
	return nil
}

// fakeCollab is a no-op PMCollaborator recording call counts for assertions.
type fakeCollab struct {
	mu         sync.Mutex
	runtimeGet int
	runtimePut int
	wakeToggle int
	resume     int
	events     []ControllerEvent
}

func (f *fakeCollab) RuntimeGet()     { f.mu.Lock(); f.runtimeGet++; f.mu.Unlock() }
func (f *fakeCollab) RuntimePut()     { f.mu.Lock(); f.runtimePut++; f.mu.Unlock() }
func (f *fakeCollab) WakeToggle()     { f.mu.Lock(); f.wakeToggle++; f.mu.Unlock() }
func (f *fakeCollab) TriggerResume()  { f.mu.Lock(); f.resume++; f.mu.Unlock() }
func (f *fakeCollab) StatusCB(e ControllerEvent) {
	f.mu.Lock()
	f.events = append(f.events, e)
	f.mu.Unlock()
}

// testHarness wires one controller, one command ring, one control event
// ring, one data event ring, and a caller-specified set of channels, all
// backed by plain byte slices instead of real shared memory.
type testHarness struct {
	t       *testing.T
	reg     *regio.Device
	regs    *fakeRegs
	collab  *fakeCollab
	ctrl    *Controller
	cmdRing *ring.Ring
	cmd     *CommandRing
	ctl     *EventRing
	data    *EventRing
	ctlDevWP  *uint64
	dataDevWP *uint64
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	regs := newFakeRegs()
	reg := regio.New(regs)
	collab := &fakeCollab{}

	cmdMem := make([]byte, 4*TRESize)
	cmdCtxtWP := new(uint64)
	cmdRing := ring.New(cmdMem, 0x9000, TRESize, cmdCtxtWP)
	cmd := NewCommandRing(cmdRing, 0x50)

	// Generous default: CommandRing.Send now enforces this as its own
	// internal deadline regardless of the caller's context, so a short
	// default here would bound every command test, not just the ones
	// deliberately exercising a timeout.
	ctrl := New(reg, cmd, collab, time.Second, nil)

	ctlMem := make([]byte, 8*TRESize)
	ctlDevWP := new(uint64)
	*ctlDevWP = 0xA000
	ctlRing := ring.New(ctlMem, 0xA000, TRESize, nil)
	ctl := NewEventRing(0, ctlRing, ctlDevWP, 0x60, regio.NewDoorbell(regio.BurstDisabled), PriorityDefaultNoSleep, KindControl)
	ctrl.AddEventRing(ctl)

	dataMem := make([]byte, 8*TRESize)
	dataDevWP := new(uint64)
	*dataDevWP = 0xB000
	dataRing := ring.New(dataMem, 0xB000, TRESize, nil)
	data := NewEventRing(1, dataRing, dataDevWP, 0x70, regio.NewDoorbell(regio.BurstDisabled), PriorityDefaultNoSleep, KindData)
	ctrl.AddEventRing(data)

	return &testHarness{
		t:         t,
		reg:       reg,
		regs:      regs,
		collab:    collab,
		ctrl:      ctrl,
		cmdRing:   cmdRing,
		cmd:       cmd,
		ctl:       ctl,
		data:      data,
		ctlDevWP:  ctlDevWP,
		dataDevWP: dataDevWP,
	}
}

// newChannel builds a channel with its own dedicated transfer ring bound
// to the harness's data event ring, registers it, and sets it ENABLED
// directly (bypassing the command round-trip) for tests that only
// exercise submission/completion, not the state machine.
func (h *testHarness) newChannel(id uint32, dir Direction, elems int, db *regio.Doorbell, cb XferCallback) *Channel {
	h.t.Helper()

	mem := make([]byte, elems*TRESize)
	ctxtWP := new(uint64)
	tre := ring.New(mem, uint64(0x10000+int(id)*0x1000), TRESize, ctxtWP)

	if db == nil {
		db = regio.NewDoorbell(regio.BurstDisabled)
	}

	ch := NewChannel(id, "test", dir, 0xffffffff, 1, tre, dma.NewDirectMapper(dma.NewRegion(0x20000000, 1<<24)), db, 0x80+id*8, cb)
	h.ctrl.AddChannel(ch)
	ch.rw.Lock()
	ch.state = ChanEnabled
	ch.rw.Unlock()

	return ch
}

// injectDataEvent writes an event element into the harness's data event
// ring at its current device write pointer and advances that pointer,
// simulating the device posting a completion.
func (h *testHarness) injectDataEvent(typ EventType, chanID uint32, code EventCode, length uint32, ptr uint64) {
	h.t.Helper()

	off := h.data.ring.ToVirtual(*h.dataDevWP)
	elem := h.data.ring.Element(off)
	EncodeEvent(elem, typ, chanID, code, length, ptr)

	next := h.data.ring.Wrap(off)
	*h.dataDevWP = h.data.ring.DeviceAddr(next)
}

func (h *testHarness) injectControlEvent(typ EventType, chanID uint32, code EventCode, length uint32, ptr uint64) {
	h.t.Helper()

	off := h.ctl.ring.ToVirtual(*h.ctlDevWP)
	elem := h.ctl.ring.Element(off)
	EncodeEvent(elem, typ, chanID, code, length, ptr)

	next := h.ctl.ring.Wrap(off)
	*h.ctlDevWP = h.ctl.ring.DeviceAddr(next)
}
