package interrupt

import "github.com/nucleus-os/nucleus/kernel/hw"

// CPU exception vectors, fixed by the architecture.
const (
	VectorDivideError       hw.Vector = 0
	VectorDebug             hw.Vector = 1
	VectorBreakpoint        hw.Vector = 3
	VectorInvalidOpcode     hw.Vector = 6
	VectorDoubleFault       hw.Vector = 8
	VectorGeneralProtection hw.Vector = 13
	VectorPageFault         hw.Vector = 14

	// NumExceptionVectors bounds the fault range; an unhandled trap below
	// this is fatal, above it merely spurious.
	NumExceptionVectors hw.Vector = 32
)

// Device IRQ lines, remapped above the exception range.
const (
	IRQTimer    uint8 = 0
	IRQKeyboard uint8 = 1

	VectorTimer    = hw.IRQBase + hw.Vector(IRQTimer)
	VectorKeyboard = hw.IRQBase + hw.Vector(IRQKeyboard)
)

// VectorSyscall is the software trap user code raises for system calls.
const VectorSyscall hw.Vector = 0x80
