// Package interrupt routes hardware traps to registered handlers.
package interrupt

import (
	"go.uber.org/zap"

	"github.com/nucleus-os/nucleus/kernel/hw"
)

// Handler services one trap. It runs with interrupts disabled; a handler
// that must remain interruptible re-enables selectively and on its own
// responsibility.
type Handler func(*hw.TrapContext)

// Dispatcher is the interrupt vector table: a registration table, nothing
// more. It installs itself as the machine's trap sink.
type Dispatcher struct {
	m        *hw.Machine
	handlers [256]Handler
	counts   [256]uint64
	log      *zap.Logger
}

// NewDispatcher wires a dispatcher to the machine.
func NewDispatcher(m *hw.Machine, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	d := &Dispatcher{m: m, log: log}
	m.SetTrapSink(d.Dispatch)
	return d
}

// Install registers a handler for one vector, overwriting any previous one.
// Last writer wins: boot assigns the exception vectors, drivers re-register
// IRQ vectors later.
func (d *Dispatcher) Install(v hw.Vector, h Handler) {
	d.handlers[v] = h
}

// Dispatch is invoked from the machine's trap entry and nowhere else.
// Interrupts stay disabled for its whole duration so a second trap cannot
// interleave; anything raised meanwhile latches and fires on return.
func (d *Dispatcher) Dispatch(ctx *hw.TrapContext) {
	prev := d.m.DisableInterrupts()
	defer d.m.RestoreInterrupts(prev)

	d.counts[ctx.Vector]++
	if h := d.handlers[ctx.Vector]; h != nil {
		h(ctx)
		return
	}
	if ctx.Vector < NumExceptionVectors {
		d.m.Halt("unhandled exception",
			zap.Uint8("vector", uint8(ctx.Vector)),
			zap.Uint64("code", ctx.Code),
			zap.Uint64("rip", ctx.Regs.RIP))
		return
	}
	d.log.Warn("spurious interrupt", zap.Uint8("vector", uint8(ctx.Vector)))
}

// EnableLine unmasks one hardware interrupt line.
func (d *Dispatcher) EnableLine(line uint8) { d.m.UnmaskLine(line) }

// DisableLine masks one hardware interrupt line.
func (d *Dispatcher) DisableLine(line uint8) { d.m.MaskLine(line) }

// Count returns how many times a vector has dispatched.
func (d *Dispatcher) Count(v hw.Vector) uint64 { return d.counts[v] }
