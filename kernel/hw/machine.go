// Package hw models the single execution core the kernel runs on: a physical
// memory arena, one live register file, the interrupt-enable flag, the IRQ
// mask latch, the active root-table register and a translation cache.
//
// Nothing in here decides policy. The machine delivers traps to whatever sink
// the interrupt layer registers and otherwise just holds state.
package hw

import (
	"encoding/binary"

	"go.uber.org/zap"
)

const (
	// PageSize is the fixed frame/page granularity.
	PageSize = 4096
	// PageShift is log2(PageSize).
	PageShift = 12

	// IRQBase is the vector the hardware interrupt lines are remapped to,
	// above the CPU exception range.
	IRQBase Vector = 32
	// NumIRQLines is the number of maskable interrupt lines.
	NumIRQLines = 16
)

// PhysAddr is an address into the physical memory arena.
type PhysAddr uint64

// VirtAddr is a virtual address translated through the active page tables.
type VirtAddr uint64

// PhysFrame is a frame-aligned physical address, the opaque handle the
// frame allocator hands out.
type PhysFrame PhysAddr

// Addr returns the frame's base address.
func (f PhysFrame) Addr() PhysAddr { return PhysAddr(f) }

// Vector is an interrupt/exception vector number.
type Vector uint8

// TrapContext is the register snapshot handed to trap handlers. Regs points
// at the live register file, so writes land in the interrupted context.
type TrapContext struct {
	Vector Vector
	Code   uint64 // hardware error code, zero when the vector pushes none
	Regs   *RegisterFile
}

// TrapSink receives every delivered trap. The interrupt dispatcher registers
// itself here during boot.
type TrapSink func(*TrapContext)

// TLBEntry is one cached translation.
type TLBEntry struct {
	Frame    PhysFrame
	Writable bool
	User     bool
	NoExec   bool
}

// Machine is the simulated core plus its physical memory.
type Machine struct {
	phys []byte
	regs RegisterFile

	intEnabled bool
	irqMask    uint16 // bit set = line masked
	pending    uint16 // latched lines awaiting delivery

	rootTable PhysFrame
	rootSet   bool
	tlb       map[VirtAddr]TLBEntry

	sink TrapSink

	halted     bool
	haltReason string

	log *zap.Logger
}

// NewMachine builds a machine with size bytes of physical memory. The size is
// rounded down to a whole number of frames.
func NewMachine(size uint64, log *zap.Logger) *Machine {
	if log == nil {
		log = zap.NewNop()
	}
	size &^= PageSize - 1
	return &Machine{
		phys:    make([]byte, size),
		irqMask: 0xffff, // all lines masked until drivers opt in
		tlb:     make(map[VirtAddr]TLBEntry),
		log:     log,
	}
}

// PhysSize returns the size of the physical arena in bytes.
func (m *Machine) PhysSize() uint64 { return uint64(len(m.phys)) }

// Regs exposes the live register file.
func (m *Machine) Regs() *RegisterFile { return &m.regs }

// SaveRegisters copies the live register file out.
func (m *Machine) SaveRegisters() RegisterFile { return m.regs }

// LoadRegisters replaces the live register file.
func (m *Machine) LoadRegisters(rf RegisterFile) { m.regs = rf }

// SetTrapSink installs the trap delivery target. Installing a sink while
// traps can already fire is a wiring bug, so this is boot-time only.
func (m *Machine) SetTrapSink(s TrapSink) { m.sink = s }

// --- physical memory ---

func (m *Machine) checkPhys(addr PhysAddr, n uint64) {
	if uint64(addr)+n > uint64(len(m.phys)) || uint64(addr)+n < uint64(addr) {
		panic("hw: physical access out of range")
	}
}

// ReadWord reads a 64-bit word from physical memory.
func (m *Machine) ReadWord(addr PhysAddr) uint64 {
	m.checkPhys(addr, 8)
	return binary.LittleEndian.Uint64(m.phys[addr:])
}

// WriteWord writes a 64-bit word to physical memory.
func (m *Machine) WriteWord(addr PhysAddr, v uint64) {
	m.checkPhys(addr, 8)
	binary.LittleEndian.PutUint64(m.phys[addr:], v)
}

// ReadBytes copies n bytes of physical memory into a fresh slice.
func (m *Machine) ReadBytes(addr PhysAddr, n uint64) []byte {
	m.checkPhys(addr, n)
	out := make([]byte, n)
	copy(out, m.phys[addr:uint64(addr)+n])
	return out
}

// WriteBytes copies data into physical memory.
func (m *Machine) WriteBytes(addr PhysAddr, data []byte) {
	m.checkPhys(addr, uint64(len(data)))
	copy(m.phys[addr:], data)
}

// ZeroFrame clears one frame. Table frames must start empty.
func (m *Machine) ZeroFrame(f PhysFrame) {
	m.checkPhys(f.Addr(), PageSize)
	clear(m.phys[f.Addr() : uint64(f.Addr())+PageSize])
}

// --- interrupt state ---

// DisableInterrupts clears the interrupt-enable flag and returns the prior
// state, for the disable/mutate/restore pattern every critical section uses.
func (m *Machine) DisableInterrupts() bool {
	prev := m.intEnabled
	m.intEnabled = false
	return prev
}

// RestoreInterrupts restores a prior interrupt-enable state. Re-enabling
// drains any interrupts that latched while delivery was off.
func (m *Machine) RestoreInterrupts(prev bool) {
	m.intEnabled = prev
	if prev {
		m.drainPending()
	}
}

// EnableInterrupts sets the interrupt-enable flag and drains pending lines.
func (m *Machine) EnableInterrupts() {
	m.intEnabled = true
	m.drainPending()
}

// InterruptsEnabled reports the interrupt-enable flag.
func (m *Machine) InterruptsEnabled() bool { return m.intEnabled }

// MaskLine masks one IRQ line.
func (m *Machine) MaskLine(line uint8) {
	if line < NumIRQLines {
		m.irqMask |= 1 << line
	}
}

// UnmaskLine unmasks one IRQ line and delivers anything latched on it.
func (m *Machine) UnmaskLine(line uint8) {
	if line >= NumIRQLines {
		return
	}
	m.irqMask &^= 1 << line
	if m.intEnabled {
		m.drainPending()
	}
}

// LineMasked reports whether one IRQ line is masked.
func (m *Machine) LineMasked(line uint8) bool {
	return line >= NumIRQLines || m.irqMask&(1<<line) != 0
}

// RaiseIRQ asserts one hardware interrupt line. Delivery happens immediately
// when the line is unmasked and interrupts are enabled; otherwise the line
// latches and fires once on unmask/enable.
func (m *Machine) RaiseIRQ(line uint8) {
	if m.halted || line >= NumIRQLines {
		return
	}
	if !m.intEnabled || m.LineMasked(line) {
		m.pending |= 1 << line
		return
	}
	m.deliver(IRQBase+Vector(line), 0)
}

// Trap delivers a synchronous trap (CPU exception or syscall instruction).
// Synchronous traps bypass the IRQ mask; they are raised by the running code
// itself, not by a line.
func (m *Machine) Trap(v Vector, code uint64) {
	if m.halted {
		return
	}
	m.deliver(v, code)
}

func (m *Machine) drainPending() {
	// Lowest line first, PIC priority order.
	for line := uint8(0); line < NumIRQLines; line++ {
		bit := uint16(1) << line
		if m.pending&bit == 0 || m.LineMasked(line) {
			continue
		}
		if !m.intEnabled {
			return
		}
		m.pending &^= bit
		m.deliver(IRQBase+Vector(line), 0)
	}
}

func (m *Machine) deliver(v Vector, code uint64) {
	if m.sink == nil {
		m.Halt("trap with no sink installed", zap.Uint8("vector", uint8(v)))
		return
	}
	m.sink(&TrapContext{Vector: v, Code: code, Regs: &m.regs})
}

// --- translation state ---

// SetRootTable loads the root-table register (CR3 analogue) and flushes the
// translation cache. Only AddressSpace.Activate calls this.
func (m *Machine) SetRootTable(f PhysFrame) {
	m.rootTable = f
	m.rootSet = true
	m.FlushTLB()
}

// RootTable returns the active root table frame.
func (m *Machine) RootTable() (PhysFrame, bool) { return m.rootTable, m.rootSet }

// TLBLookup consults the translation cache.
func (m *Machine) TLBLookup(page VirtAddr) (TLBEntry, bool) {
	e, ok := m.tlb[page]
	return e, ok
}

// TLBInsert caches one translation.
func (m *Machine) TLBInsert(page VirtAddr, e TLBEntry) { m.tlb[page] = e }

// InvalidatePage drops one cached translation (invlpg analogue).
func (m *Machine) InvalidatePage(page VirtAddr) { delete(m.tlb, page) }

// FlushTLB drops every cached translation.
func (m *Machine) FlushTLB() { clear(m.tlb) }

// --- halt ---

// Halt stops the machine after emitting diagnostics. There is no recovery
// path: every later trap or IRQ is swallowed.
func (m *Machine) Halt(reason string, fields ...zap.Field) {
	if m.halted {
		return
	}
	m.halted = true
	m.haltReason = reason
	m.intEnabled = false
	m.log.Error("machine halted", append([]zap.Field{zap.String("reason", reason)}, fields...)...)
}

// Halted reports whether the machine has halted.
func (m *Machine) Halted() bool { return m.halted }

// HaltReason returns the diagnostic recorded at halt time.
func (m *Machine) HaltReason() string { return m.haltReason }
