package hw

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sinkRecorder(m *Machine) *[]Vector {
	var got []Vector
	m.SetTrapSink(func(ctx *TrapContext) { got = append(got, ctx.Vector) })
	return &got
}

func TestMachine_IRQLatchesUntilEnabled(t *testing.T) {
	m := NewMachine(1<<16, nil)
	got := sinkRecorder(m)
	m.UnmaskLine(0)

	m.RaiseIRQ(0)
	assert.Empty(t, *got, "interrupts start disabled; nothing delivers")

	m.EnableInterrupts()
	require.Len(t, *got, 1)
	assert.Equal(t, IRQBase, (*got)[0])
}

func TestMachine_MaskedLineLatches(t *testing.T) {
	m := NewMachine(1<<16, nil)
	got := sinkRecorder(m)
	m.EnableInterrupts()

	m.RaiseIRQ(1)
	assert.Empty(t, *got, "line 1 starts masked")

	m.UnmaskLine(1)
	require.Len(t, *got, 1)
	assert.Equal(t, IRQBase+1, (*got)[0])
}

func TestMachine_PendingDrainsLowestLineFirst(t *testing.T) {
	m := NewMachine(1<<16, nil)
	got := sinkRecorder(m)
	m.UnmaskLine(1)
	m.UnmaskLine(3)

	m.RaiseIRQ(3)
	m.RaiseIRQ(1)
	m.EnableInterrupts()

	assert.Equal(t, []Vector{IRQBase + 1, IRQBase + 3}, *got)
}

func TestMachine_TrapBypassesMask(t *testing.T) {
	m := NewMachine(1<<16, nil)
	got := sinkRecorder(m)

	m.Trap(0x80, 0)
	require.Len(t, *got, 1)
	assert.Equal(t, Vector(0x80), (*got)[0])
}

func TestMachine_HaltSwallowsEverything(t *testing.T) {
	m := NewMachine(1<<16, nil)
	got := sinkRecorder(m)
	m.EnableInterrupts()
	m.UnmaskLine(0)

	m.Halt("test")
	require.True(t, m.Halted())
	assert.Equal(t, "test", m.HaltReason())

	m.Trap(14, 0)
	m.RaiseIRQ(0)
	assert.Empty(t, *got)
}

func TestMachine_TrapWithNoSinkHalts(t *testing.T) {
	m := NewMachine(1<<16, nil)
	m.Trap(3, 0)
	assert.True(t, m.Halted())
}

func TestMachine_RootTableLoadFlushesTLB(t *testing.T) {
	m := NewMachine(1<<16, nil)
	m.TLBInsert(0x1000, TLBEntry{Frame: 0x2000})

	m.SetRootTable(0x3000)
	_, ok := m.TLBLookup(0x1000)
	assert.False(t, ok)

	root, set := m.RootTable()
	require.True(t, set)
	assert.Equal(t, PhysFrame(0x3000), root)
}

func TestMachine_PhysAccessBoundsArePanics(t *testing.T) {
	m := NewMachine(1<<16, nil)
	m.WriteWord(0x100, 0xdeadbeef)
	assert.Equal(t, uint64(0xdeadbeef), m.ReadWord(0x100))

	assert.Panics(t, func() { m.ReadWord(PhysAddr(m.PhysSize()) - 4) })
	assert.Panics(t, func() { m.WriteBytes(PhysAddr(m.PhysSize()), []byte{1}) })
}

func TestRegisterFile_SyscallConvention(t *testing.T) {
	var rf RegisterFile
	rf.RAX = 1
	rf.RDI, rf.RSI, rf.RDX = 10, 11, 12
	rf.R10, rf.R8, rf.R9 = 13, 14, 15

	assert.Equal(t, uint64(1), rf.SyscallNumber())
	assert.Equal(t, [6]uint64{10, 11, 12, 13, 14, 15}, rf.SyscallArgs())

	rf.SetSyscallReturn(42)
	assert.Equal(t, uint64(42), rf.RAX)
}
