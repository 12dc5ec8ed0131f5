package interrupt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nucleus-os/nucleus/kernel/hw"
)

func testDispatcher(t *testing.T) (*hw.Machine, *Dispatcher) {
	t.Helper()
	m := hw.NewMachine(1<<16, zap.NewNop())
	d := NewDispatcher(m, zap.NewNop())
	m.EnableInterrupts()
	return m, d
}

func TestDispatcher_RoutesToInstalledHandler(t *testing.T) {
	m, d := testDispatcher(t)

	var gotVector hw.Vector
	var gotCode uint64
	d.Install(VectorPageFault, func(ctx *hw.TrapContext) {
		gotVector = ctx.Vector
		gotCode = ctx.Code
	})

	m.Trap(VectorPageFault, 0x2)
	assert.Equal(t, VectorPageFault, gotVector)
	assert.Equal(t, uint64(0x2), gotCode)
	assert.Equal(t, uint64(1), d.Count(VectorPageFault))
	assert.False(t, m.Halted())
}

func TestDispatcher_UnhandledExceptionHalts(t *testing.T) {
	m, _ := testDispatcher(t)
	m.Trap(VectorDivideError, 0)
	assert.True(t, m.Halted())
}

func TestDispatcher_SpuriousInterruptIsNotFatal(t *testing.T) {
	m, d := testDispatcher(t)
	d.EnableLine(IRQKeyboard)
	m.RaiseIRQ(IRQKeyboard)
	assert.False(t, m.Halted())
	assert.Equal(t, uint64(1), d.Count(VectorKeyboard))
}

func TestDispatcher_InstallOverwrites(t *testing.T) {
	m, d := testDispatcher(t)

	first, second := 0, 0
	d.Install(VectorBreakpoint, func(*hw.TrapContext) { first++ })
	d.Install(VectorBreakpoint, func(*hw.TrapContext) { second++ })

	m.Trap(VectorBreakpoint, 0)
	assert.Zero(t, first)
	assert.Equal(t, 1, second)
}

func TestDispatcher_HandlerRunsWithInterruptsDisabled(t *testing.T) {
	m, d := testDispatcher(t)
	d.EnableLine(IRQTimer)

	var order []string
	d.Install(VectorTimer, func(*hw.TrapContext) {
		order = append(order, "timer")
	})
	d.Install(VectorKeyboard, func(*hw.TrapContext) {
		assert.False(t, m.InterruptsEnabled())
		// A line raised mid-handler must latch, not nest.
		m.RaiseIRQ(IRQTimer)
		order = append(order, "keyboard")
	})
	d.EnableLine(IRQKeyboard)

	m.RaiseIRQ(IRQKeyboard)
	assert.Equal(t, []string{"keyboard", "timer"}, order)
}

func TestDispatcher_HandlerMutatesInterruptedContext(t *testing.T) {
	m, d := testDispatcher(t)

	d.Install(VectorSyscall, func(ctx *hw.TrapContext) {
		ctx.Regs.SetSyscallReturn(99)
	})

	m.Regs().RAX = 1
	m.Trap(VectorSyscall, 0)
	assert.Equal(t, uint64(99), m.Regs().RAX,
		"handler writes land in the live register file")
}

func TestDispatcher_LineMasking(t *testing.T) {
	m, d := testDispatcher(t)

	require.True(t, m.LineMasked(IRQTimer))
	d.EnableLine(IRQTimer)
	assert.False(t, m.LineMasked(IRQTimer))
	d.DisableLine(IRQTimer)
	assert.True(t, m.LineMasked(IRQTimer))
}
