// Package proc holds the process control blocks and enforces the process
// lifecycle state machine.
package proc

import (
	"sort"

	"go.uber.org/zap"

	"github.com/nucleus-os/nucleus/kernel/hw"
	"github.com/nucleus-os/nucleus/kernel/kerr"
	"github.com/nucleus-os/nucleus/kernel/mem"
)

// PID identifies one process. Assigned monotonically, never reused.
type PID uint32

// KernelStackFrames is the kernel stack size per process, in frames.
const KernelStackFrames = 4

// PCB is the kernel's record of one process.
type PCB struct {
	PID      PID
	Context  hw.RegisterFile
	Space    *mem.AddressSpace
	Stack    []hw.PhysFrame
	Priority uint8

	state       State
	exitStatus  uint64
	blockReason string
}

// State returns the current lifecycle state.
func (p *PCB) State() State { return p.state }

// SetState requests a lifecycle transition. Anything outside the transition
// table fails with ErrInvalidProcessState and changes nothing.
func (p *PCB) SetState(to State) error {
	if !legalTransition(p.state, to) {
		return kerr.Wrapf(kerr.ErrInvalidProcessState, "pid %d: %s -> %s", p.PID, p.state, to)
	}
	p.state = to
	return nil
}

// ExitStatus is meaningful once the process is a Zombie.
func (p *PCB) ExitStatus() uint64 { return p.exitStatus }

// BlockReason is meaningful while the process is Blocked.
func (p *PCB) BlockReason() string { return p.blockReason }

// SetBlockReason records why the process is waiting.
func (p *PCB) SetBlockReason(reason string) { p.blockReason = reason }

// Table owns every PCB from creation until reaping.
type Table struct {
	alloc   *mem.FrameAllocator
	procs   map[PID]*PCB
	nextPID PID
	log     *zap.Logger
}

// NewTable builds an empty process table.
func NewTable(alloc *mem.FrameAllocator, log *zap.Logger) *Table {
	if log == nil {
		log = zap.NewNop()
	}
	return &Table{alloc: alloc, procs: make(map[PID]*PCB), log: log}
}

// Create allocates a kernel stack and a PCB slot, wires the register context
// to the entry point, and moves the process Created -> Ready. On stack
// exhaustion every frame already taken is returned before the error.
func (t *Table) Create(entry hw.VirtAddr, space *mem.AddressSpace, priority uint8) (*PCB, error) {
	stack := make([]hw.PhysFrame, 0, KernelStackFrames)
	for i := 0; i < KernelStackFrames; i++ {
		f, ok := t.alloc.Allocate()
		if !ok {
			for _, g := range stack {
				t.alloc.Free(g)
			}
			return nil, kerr.Wrap(kerr.ErrOutOfMemory, "kernel stack")
		}
		stack = append(stack, f)
	}

	p := &PCB{
		PID:      t.nextPID,
		Space:    space,
		Stack:    stack,
		Priority: priority,
		state:    Created,
	}
	t.nextPID++

	// Stacks grow down from the top of the last stack frame. 0x202 keeps
	// the interrupt flag set in the initial RFLAGS image.
	p.Context.RIP = uint64(entry)
	p.Context.RSP = uint64(stack[len(stack)-1].Addr()) + hw.PageSize
	p.Context.RFLAGS = 0x202

	if err := p.SetState(Ready); err != nil {
		return nil, err
	}
	t.procs[p.PID] = p
	t.log.Debug("process created",
		zap.Uint32("pid", uint32(p.PID)),
		zap.Uint64("entry", uint64(entry)),
		zap.Uint8("priority", priority))
	return p, nil
}

// Get looks up a live PCB.
func (t *Table) Get(pid PID) (*PCB, error) {
	p, ok := t.procs[pid]
	if !ok {
		return nil, kerr.Wrapf(kerr.ErrProcessNotFound, "pid %d", pid)
	}
	return p, nil
}

// Terminate marks a process Zombie and records its exit status. Terminate is
// an operation of its own, not a set_state: a Ready or Blocked process can be
// killed too, and the caller (the scheduler) detaches it from whichever
// structure held it. Resource reclamation waits for Reap so the Zombie stays
// inspectable.
func (t *Table) Terminate(pid PID, status uint64) error {
	p, err := t.Get(pid)
	if err != nil {
		return err
	}
	switch p.state {
	case Ready, Running, Blocked:
		p.state = Zombie
		p.exitStatus = status
		t.log.Debug("process terminated",
			zap.Uint32("pid", uint32(pid)),
			zap.Uint64("status", status))
		return nil
	default:
		return kerr.Wrapf(kerr.ErrInvalidProcessState, "terminate pid %d in state %s", pid, p.state)
	}
}

// Reap frees a Zombie's address-space frames, kernel stack, and PCB slot.
func (t *Table) Reap(pid PID) error {
	p, ok := t.procs[pid]
	if !ok || p.state != Zombie {
		return kerr.Wrapf(kerr.ErrProcessNotFound, "reap pid %d", pid)
	}
	if p.Space != nil {
		p.Space.Release()
	}
	for _, f := range p.Stack {
		t.alloc.Free(f)
	}
	delete(t.procs, pid)
	t.log.Debug("process reaped", zap.Uint32("pid", uint32(pid)))
	return nil
}

// Count returns the number of live PCBs, Zombies included.
func (t *Table) Count() int { return len(t.procs) }

// Processes returns the live PCBs ordered by pid.
func (t *Table) Processes() []*PCB {
	out := make([]*PCB, 0, len(t.procs))
	for _, p := range t.procs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}
