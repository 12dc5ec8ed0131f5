// Package kernel assembles the privileged core: machine, interrupt
// dispatcher, frame allocator, address spaces, process table, scheduler and
// syscall dispatcher, built in a fixed boot order and threaded through one
// Kernel handle. There are no ambient singletons; everything the core needs
// travels through this object graph, and the kernel never tears down.
package kernel

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nucleus-os/nucleus/kernel/hw"
	"github.com/nucleus-os/nucleus/kernel/interrupt"
	"github.com/nucleus-os/nucleus/kernel/kerr"
	"github.com/nucleus-os/nucleus/kernel/mem"
	"github.com/nucleus-os/nucleus/kernel/proc"
	"github.com/nucleus-os/nucleus/kernel/sched"
	"github.com/nucleus-os/nucleus/kernel/sys"
	"github.com/nucleus-os/nucleus/kernel/vfs"
)

// State is the kernel lifecycle state.
type State int32

const (
	StateUninitialized State = iota
	StateBooting
	StateRunning
	StateHalted
)

var stateNames = map[State]string{
	StateUninitialized: "UNINITIALIZED",
	StateBooting:       "BOOTING",
	StateRunning:       "RUNNING",
	StateHalted:        "HALTED",
}

func (s State) String() string { return stateNames[s] }

// Kernel is the root object of the core.
type Kernel struct {
	state  atomic.Int32
	bootID string
	cfg    Config
	log    *zap.Logger

	Machine     *hw.Machine
	Intr        *interrupt.Dispatcher
	Frames      *mem.FrameAllocator
	KernelSpace *mem.AddressSpace
	Table       *proc.Table
	Sched       *sched.Scheduler
	Syscalls    *sys.Dispatcher
	FS          *vfs.Memfs

	ticks uint64
}

// New builds an unbooted kernel.
func New(cfg Config, log *zap.Logger) *Kernel {
	if log == nil {
		log = zap.NewNop()
	}
	return &Kernel{
		bootID: uuid.NewString(),
		cfg:    cfg,
		log:    log,
	}
}

// Boot runs the bring-up sequence in dependency order: vectors first, then
// physical memory, the kernel mapping, the process table, the scheduler with
// its idle process, and finally the syscall surface and the timer line.
func (k *Kernel) Boot() error {
	if !k.state.CompareAndSwap(int32(StateUninitialized), int32(StateBooting)) {
		return fmt.Errorf("boot from state %s", State(k.state.Load()))
	}
	k.log.Info("kernel booting", zap.String("boot_id", k.bootID))

	k.Machine = hw.NewMachine(k.cfg.PhysMemoryBytes, k.log)
	k.Intr = interrupt.NewDispatcher(k.Machine, k.log)
	k.installExceptionHandlers()

	regions, err := k.cfg.Regions()
	if err != nil {
		return k.bootFailed(err)
	}
	mmap, err := mem.ValidateMemoryMap(regions, k.Machine.PhysSize())
	if err != nil {
		return k.bootFailed(err)
	}
	k.log.Info("boot memory map accepted",
		zap.Int("regions", len(mmap.Regions)),
		zap.Uint64("usable_bytes", mmap.UsableBytes))

	if k.Frames, err = mem.NewFrameAllocator(k.Machine, mmap, k.log); err != nil {
		return k.bootFailed(err)
	}
	if k.KernelSpace, err = mem.NewKernelSpace(k.Machine, k.Frames, mmap, k.log); err != nil {
		return k.bootFailed(err)
	}
	k.Table = proc.NewTable(k.Frames, k.log)
	if k.Sched, err = sched.New(k.Machine, k.Table, k.KernelSpace, sched.Config{
		TimeSlice:     k.cfg.TimeSliceTicks,
		QueueCapacity: k.cfg.ReadyQueueCapacity,
	}, k.log); err != nil {
		return k.bootFailed(err)
	}

	k.FS = vfs.NewMemfs(k.log)
	k.Syscalls = sys.New(k.Machine, k.Sched, k.FS, k.log)
	k.Intr.Install(interrupt.VectorSyscall, k.Syscalls.Handle)

	k.Intr.Install(interrupt.VectorTimer, func(ctx *hw.TrapContext) {
		k.ticks++
		k.Sched.Tick()
	})
	k.Intr.EnableLine(interrupt.IRQTimer)
	k.Machine.EnableInterrupts()

	k.state.Store(int32(StateRunning))
	k.log.Info("kernel running",
		zap.String("boot_id", k.bootID),
		zap.Uint64("free_frames", k.Frames.Stats().FreeFrames))
	return nil
}

func (k *Kernel) bootFailed(err error) error {
	k.state.Store(int32(StateHalted))
	k.log.Error("boot failed", zap.Error(err))
	return kerr.Wrap(err, "boot")
}

// installExceptionHandlers pins the fixed CPU exception assignment. Faults in
// privileged state have no recovery path; breakpoint is the one debug-only
// exception that just reports.
func (k *Kernel) installExceptionHandlers() {
	fatal := func(name string) interrupt.Handler {
		return func(ctx *hw.TrapContext) {
			k.Machine.Halt(name,
				zap.Uint64("code", ctx.Code),
				zap.Uint64("rip", ctx.Regs.RIP))
			k.state.Store(int32(StateHalted))
		}
	}
	k.Intr.Install(interrupt.VectorDivideError, fatal("divide error"))
	k.Intr.Install(interrupt.VectorInvalidOpcode, fatal("invalid opcode"))
	k.Intr.Install(interrupt.VectorDoubleFault, fatal("double fault"))
	k.Intr.Install(interrupt.VectorGeneralProtection, fatal("general protection fault"))
	k.Intr.Install(interrupt.VectorPageFault, fatal("page fault"))
	k.Intr.Install(interrupt.VectorBreakpoint, func(ctx *hw.TrapContext) {
		k.log.Info("breakpoint", zap.Uint64("rip", ctx.Regs.RIP))
	})
}

// Spawn creates a process with its own user address space, Ready and
// admitted to the scheduler.
func (k *Kernel) Spawn(entry hw.VirtAddr, priority uint8) (*proc.PCB, error) {
	space, err := mem.NewUserSpace(k.Machine, k.Frames, k.KernelSpace, k.log)
	if err != nil {
		return nil, kerr.Wrap(err, "spawn")
	}
	p, err := k.Table.Create(entry, space, priority)
	if err != nil {
		space.Release()
		return nil, err
	}
	if err := k.Sched.Admit(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Tick asserts the timer line once: one simulated timer interrupt.
func (k *Kernel) Tick() {
	k.Machine.RaiseIRQ(interrupt.IRQTimer)
	if k.Machine.Halted() {
		k.state.Store(int32(StateHalted))
	}
}

// Syscall raises the syscall trap on behalf of the running process, whose
// request is already loaded in the live register file.
func (k *Kernel) Syscall() {
	k.Machine.Trap(interrupt.VectorSyscall, 0)
}

// State returns the lifecycle state.
func (k *Kernel) State() State { return State(k.state.Load()) }

// BootID identifies this boot in diagnostics.
func (k *Kernel) BootID() string { return k.bootID }

// Ticks counts delivered timer interrupts.
func (k *Kernel) Ticks() uint64 { return k.ticks }
