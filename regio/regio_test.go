package regio

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRegs is an in-memory RegisterIO used to unit test Device without any
// real hardware or mmap.
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

func TestSetClearField(t *testing.T) {
	regs := newFakeRegs()
	d := New(regs)

	require.NoError(t, d.Set(0x10, 3))
	v, err := d.Read(0x10)
	require.NoError(t, err)
	assert.Equal(t, uint32(1<<3), v)

	require.NoError(t, d.Clear(0x10, 3))
	v, err = d.Read(0x10)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), v)
}

func TestSetNGetN(t *testing.T) {
	regs := newFakeRegs()
	d := New(regs)

	require.NoError(t, d.SetN(0x20, 4, 0xf, 0xa))
	got, err := d.Get(0x20, 4, 0xf)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xa), got)
}

func TestWaitForSucceedsOnceConditionTrue(t *testing.T) {
	regs := newFakeRegs()
	d := New(regs)

	go func() {
		time.Sleep(2 * time.Millisecond)
		d.Write(0x30, 1)
	}()

	err := d.WaitFor(100*time.Millisecond, 0x30, 0, 1, 1)
	assert.NoError(t, err)
}

func TestWaitForTimesOut(t *testing.T) {
	regs := newFakeRegs()
	d := New(regs)

	err := d.WaitFor(5*time.Millisecond, 0x40, 0, 1, 1)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestWaitRespectsCancel(t *testing.T) {
	regs := newFakeRegs()
	d := New(regs)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := d.Wait(ctx, 0x50, 0, 1, 1)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestWriteDoorbell64OrdersHighThenLow(t *testing.T) {
	regs := newFakeRegs()
	d := New(regs)

	var order []uint32

	regs.mu.Lock()
	regs.regs = make(map[uint32]uint32)
	regs.mu.Unlock()

	// wrap WriteReg to observe ordering
	orig := regs
	observed := &orderingRegs{fakeRegs: orig, order: &order}
	d2 := New(observed)

	require.NoError(t, d2.WriteDoorbell64(0x100, 0x1122334455667788))

	require.Len(t, order, 2)
	assert.Equal(t, uint32(0x104), order[0])
	assert.Equal(t, uint32(0x100), order[1])

	v, _ := regs.ReadReg(0x100)
	assert.Equal(t, uint32(0x55667788), v)
	v, _ = regs.ReadReg(0x104)
	assert.Equal(t, uint32(0x11223344), v)
}

type orderingRegs struct {
	*fakeRegs
	order *[]uint32
}

func (o *orderingRegs) WriteReg(offset uint32, val uint32) error {
	*o.order = append(*o.order, offset)
	return o.fakeRegs.WriteReg(offset, val)
}

func TestBurstDoorbellSuppressesUntilRearmed(t *testing.T) {
	regs := newFakeRegs()
	d := New(regs)
	db := NewDoorbell(BurstEnabled)

	assert.False(t, db.Armed())

	wrote, err := db.Ring(d, 0x200, 1)
	require.NoError(t, err)
	assert.False(t, wrote)

	db.Rearm()
	assert.True(t, db.Armed())

	wrote, err = db.Ring(d, 0x200, 1)
	require.NoError(t, err)
	assert.True(t, wrote)

	// latch consumed, next ring suppressed again
	wrote, err = db.Ring(d, 0x200, 1)
	require.NoError(t, err)
	assert.False(t, wrote)
}

func TestDisabledBurstAlwaysWrites(t *testing.T) {
	regs := newFakeRegs()
	d := New(regs)
	db := NewDoorbell(BurstDisabled)

	for i := 0; i < 3; i++ {
		wrote, err := db.Ring(d, 0x300, uint64(i))
		require.NoError(t, err)
		assert.True(t, wrote)
	}
}
