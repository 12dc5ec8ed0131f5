// Package sched selects the next runnable process and performs the context
// switch, on timer ticks or voluntary yields.
package sched

import (
	"go.uber.org/zap"

	"github.com/nucleus-os/nucleus/kernel/hw"
	"github.com/nucleus-os/nucleus/kernel/kerr"
	"github.com/nucleus-os/nucleus/kernel/mem"
	"github.com/nucleus-os/nucleus/kernel/proc"
)

// Config sizes the scheduler.
type Config struct {
	// TimeSlice is how many timer ticks a process may run before the
	// scheduler considers preempting it.
	TimeSlice uint32
	// QueueCapacity bounds the ready queue.
	QueueCapacity int
}

// Scheduler is cooperative round robin with timer preemption. It owns the
// ready queue and the blocked set, and it is the sole place where "the
// current process" changes.
type Scheduler struct {
	m     *hw.Machine
	table *proc.Table

	ready   *readyQueue
	blocked map[proc.PID]*proc.PCB

	current  *proc.PCB
	idle     *proc.PCB
	slice    uint32
	ranTicks uint32

	switches uint64
	log      *zap.Logger
}

// New builds a scheduler, creates the idle process on the kernel address
// space, and makes it the running process. The idle process never enters the
// ready queue; it is what runs when nothing else can.
func New(m *hw.Machine, table *proc.Table, kernelSpace *mem.AddressSpace, cfg Config, log *zap.Logger) (*Scheduler, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.TimeSlice == 0 {
		cfg.TimeSlice = 1
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 64
	}

	s := &Scheduler{
		m:       m,
		table:   table,
		ready:   newReadyQueue(cfg.QueueCapacity),
		blocked: make(map[proc.PID]*proc.PCB),
		slice:   cfg.TimeSlice,
		log:     log,
	}

	idle, err := table.Create(mem.KernelBase, kernelSpace, 0)
	if err != nil {
		return nil, kerr.Wrap(err, "idle process")
	}
	if err := idle.SetState(proc.Running); err != nil {
		return nil, err
	}
	s.idle = idle
	s.switchTo(idle)
	return s, nil
}

// Current returns the running process.
func (s *Scheduler) Current() *proc.PCB { return s.current }

// Idle returns the idle process.
func (s *Scheduler) Idle() *proc.PCB { return s.idle }

// ReadyLen returns the ready-queue depth.
func (s *Scheduler) ReadyLen() int { return s.ready.len() }

// Switches counts completed context switches.
func (s *Scheduler) Switches() uint64 { return s.switches }

// Admit appends a Ready process to the tail of the ready queue.
func (s *Scheduler) Admit(p *proc.PCB) error {
	if p.State() != proc.Ready {
		return kerr.Wrapf(kerr.ErrInvalidProcessState, "admit pid %d in state %s", p.PID, p.State())
	}
	return s.ready.push(p)
}

// Tick is called from the timer interrupt handler. Once the running process
// has used up its slice, it goes Running -> Ready at the tail of the queue
// and the head takes over. The idle process is displaced as soon as anything
// is ready.
func (s *Scheduler) Tick() {
	if s.m.Halted() {
		return
	}
	s.ranTicks++
	if s.current == s.idle {
		s.reschedule()
		return
	}
	if s.ranTicks < s.slice {
		return
	}
	s.reschedule()
}

// Yield performs the same Running -> Ready rotation voluntarily, without
// waiting for the slice to expire.
func (s *Scheduler) Yield() {
	if s.m.Halted() {
		return
	}
	s.reschedule()
}

// reschedule rotates the current process out and the queue head in. With an
// empty queue the current process simply keeps the CPU and its slice resets.
func (s *Scheduler) reschedule() {
	next, ok := s.ready.pop()
	if !ok {
		s.ranTicks = 0
		return
	}
	out := s.current
	if out != s.idle {
		if err := out.SetState(proc.Ready); err != nil {
			s.fatal("preempt", err)
			return
		}
		if err := s.ready.push(out); err != nil {
			// The slot freed by the pop above makes this unreachable
			// unless the queue is mis-sized.
			s.fatal("requeue", err)
			return
		}
	} else {
		if err := out.SetState(proc.Ready); err != nil {
			s.fatal("idle preempt", err)
			return
		}
	}
	if err := next.SetState(proc.Running); err != nil {
		s.fatal("dispatch", err)
		return
	}
	s.switchTo(next)
}

// Block moves the running process into the blocked set and gives the CPU to
// the next ready process, or to idle. The idle process may not block.
func (s *Scheduler) Block(reason string) error {
	cur := s.current
	if cur == s.idle {
		return kerr.Wrap(kerr.ErrInvalidProcessState, "idle process cannot block")
	}
	if err := cur.SetState(proc.Blocked); err != nil {
		return err
	}
	cur.SetBlockReason(reason)
	s.blocked[cur.PID] = cur
	s.dispatchNext()
	return nil
}

// Unblock moves a blocked process back to Ready at the tail of the queue.
func (s *Scheduler) Unblock(pid proc.PID) error {
	p, ok := s.blocked[pid]
	if !ok {
		return kerr.Wrapf(kerr.ErrProcessNotFound, "unblock pid %d", pid)
	}
	if s.ready.full() {
		// Check before the transition so the process stays cleanly
		// Blocked; Ready -> Blocked is not a legal way back.
		return kerr.Wrapf(kerr.ErrScheduleQueueFull, "unblock pid %d", pid)
	}
	if err := p.SetState(proc.Ready); err != nil {
		return err
	}
	if err := s.ready.push(p); err != nil {
		s.fatal("unblock requeue", err)
		return err
	}
	delete(s.blocked, pid)
	p.SetBlockReason("")
	return nil
}

// Terminate kills a live process: Zombie state, detached from whichever of
// {ready queue, running, blocked set} held it. Reclamation waits for Reap.
func (s *Scheduler) Terminate(pid proc.PID, status uint64) error {
	p, err := s.table.Get(pid)
	if err != nil {
		return err
	}
	if p == s.idle {
		return kerr.Wrap(kerr.ErrInvalidProcessState, "idle process cannot terminate")
	}
	prior := p.State()
	if err := s.table.Terminate(pid, status); err != nil {
		return err
	}
	switch prior {
	case proc.Ready:
		s.ready.remove(pid)
	case proc.Blocked:
		delete(s.blocked, pid)
	case proc.Running:
		s.dispatchNext()
	}
	return nil
}

// Reap finishes a Zombie: frames and PCB slot returned.
func (s *Scheduler) Reap(pid proc.PID) error {
	return s.table.Reap(pid)
}

// dispatchNext hands the CPU to the ready-queue head, or to idle. Used when
// the current process can no longer run (blocked or terminated).
func (s *Scheduler) dispatchNext() {
	next, ok := s.ready.pop()
	if !ok {
		next = s.idle
	}
	if err := next.SetState(proc.Running); err != nil {
		s.fatal("dispatch", err)
		return
	}
	s.switchTo(next)
}

// switchTo is the context switch: one uninterruptible sequence that saves
// the outgoing register file into its PCB, activates the incoming address
// space, and loads the incoming register file. Interrupts come back only
// once the new context is fully live.
func (s *Scheduler) switchTo(next *proc.PCB) {
	prev := s.m.DisableInterrupts()
	if s.current != nil {
		s.current.Context = s.m.SaveRegisters()
	}
	if next.Space != nil {
		next.Space.Activate()
	}
	s.m.LoadRegisters(next.Context)
	s.current = next
	s.ranTicks = 0
	s.switches++
	s.m.RestoreInterrupts(prev)
}

// fatal escalates a scheduler-internal inconsistency. A broken lifecycle
// invariant inside the scheduler means privileged state is corrupt.
func (s *Scheduler) fatal(op string, err error) {
	s.log.Error("scheduler inconsistency", zap.String("op", op), zap.Error(err))
	s.m.Halt("scheduler inconsistency: " + op + ": " + err.Error())
}
