package simdevice

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usbarmory/mhi/dma"
	"github.com/usbarmory/mhi/mhi"
	"github.com/usbarmory/mhi/regio"
	"github.com/usbarmory/mhi/ring"
)

// fixture wires one controller against one Device over a shared DMA
// region, mirroring mhi's own test harness but with a live device instead
// of manual event injection.
type fixture struct {
	t      *testing.T
	region *dma.Region
	dev    *Device
	ctrl   *mhi.Controller
	cmd    *mhi.CommandRing
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	region := dma.NewRegion(0x40000000, 1<<24)
	dev := New(region)

	regs := regio.New(dev)

	cmdMem := make([]byte, 4*mhi.TRESize)
	cmdCtxtWP := new(uint64)
	cmdRing := ring.New(cmdMem, 0x9000, mhi.TRESize, cmdCtxtWP)
	cmd := mhi.NewCommandRing(cmdRing, 0x50)

	ctrl := mhi.New(regs, cmd, noopCollab{}, 2*time.Second, nil)

	ctlMem := make([]byte, 8*mhi.TRESize)
	ctlDevWP := new(uint64)
	*ctlDevWP = 0xA000
	ctlRing := ring.New(ctlMem, 0xA000, mhi.TRESize, nil)
	ctl := mhi.NewEventRing(0, ctlRing, ctlDevWP, 0x60, regio.NewDoorbell(regio.BurstDisabled), mhi.PriorityDefaultNoSleep, mhi.KindControl)
	ctrl.AddEventRing(ctl)

	dataMem := make([]byte, 8*mhi.TRESize)
	dataDevWP := new(uint64)
	*dataDevWP = 0xB000
	dataRing := ring.New(dataMem, 0xB000, mhi.TRESize, nil)
	data := mhi.NewEventRing(1, dataRing, dataDevWP, 0x70, regio.NewDoorbell(regio.BurstDisabled), mhi.PriorityDefaultNoSleep, mhi.KindData)
	ctrl.AddEventRing(data)

	dev.RegisterEventRing(0, ctlRing, ctlDevWP)
	dev.RegisterEventRing(1, dataRing, dataDevWP)
	dev.RegisterCommandRing(cmdRing, 0x50, 0)
	dev.OnMSI(func(erIndex int) { _ = ctrl.HandleMSI(erIndex) })

	return &fixture{t: t, region: region, dev: dev, ctrl: ctrl, cmd: cmd}
}

func (f *fixture) newChannel(id uint32, dir mhi.Direction, elems int, handler ChannelHandler) *mhi.Channel {
	f.t.Helper()

	mem := make([]byte, elems*mhi.TRESize)
	ctxtWP := new(uint64)
	tre := ring.New(mem, uint64(0x10000+int(id)*0x1000), mhi.TRESize, ctxtWP)
	dbAddr := uint32(0x80 + id*8)

	ch := mhi.NewChannel(id, "test", dir, 0xffffffff, 1, tre, dma.NewDirectMapper(f.region), regio.NewDoorbell(regio.BurstDisabled), dbAddr, nil)
	f.ctrl.AddChannel(ch)

	f.dev.RegisterChannel(id, tre, dir, dbAddr, 1, handler)

	return ch
}

type noopCollab struct{}

func (noopCollab) RuntimeGet()                    {}
func (noopCollab) RuntimePut()                    {}
func (noopCollab) WakeToggle()                    {}
func (noopCollab) TriggerResume()                 {}
func (noopCollab) StatusCB(mhi.ControllerEvent) {}

func TestCommandRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.newChannel(0, mhi.ToDevice, 4, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	code, err := f.cmd.Send(ctx, 0, mhi.CmdStart)
	require.NoError(t, err)
	assert.Equal(t, mhi.CodeSuccess, code)
}

func TestToDeviceHandlerSeesPayload(t *testing.T) {
	f := newFixture(t)

	var got []byte
	ch := f.newChannel(3, mhi.ToDevice, 8, func(payload []byte) {
		got = append([]byte{}, payload...)
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, ch.Prepare(ctx))

	var retired []mhi.XferResult
	ch.SetCallback(func(r mhi.XferResult) { retired = append(retired, r) })

	require.NoError(t, ch.SubmitBuffer([]byte("hello"), mhi.ToDevice))

	f.dev.Wait()

	require.Len(t, retired, 1)
	assert.Equal(t, []byte("hello"), got)
	assert.Equal(t, mhi.StatusOK, retired[0].Status)
}

func TestPushInjectsFromDeviceFrame(t *testing.T) {
	f := newFixture(t)

	ch := f.newChannel(4, mhi.FromDevice, 8, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, ch.Prepare(ctx))

	var got []mhi.XferResult
	ch.SetCallback(func(r mhi.XferResult) { got = append(got, r) })

	require.NoError(t, ch.SubmitBuffer(make([]byte, 32), mhi.FromDevice))

	require.NoError(t, f.dev.Push(4, []byte("inbound frame")))
	f.dev.Wait()

	require.Len(t, got, 1)
	assert.Equal(t, []byte("inbound frame"), got[0].Buf[:got[0].BytesTransferred])
}

func TestPushRejectsWithoutQueuedBuffer(t *testing.T) {
	f := newFixture(t)

	ch := f.newChannel(5, mhi.FromDevice, 8, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, ch.Prepare(ctx))

	err := f.dev.Push(5, []byte("x"))
	assert.Error(t, err)
}
