// Package sys decodes trapped system-call requests and invokes the matching
// kernel service. It runs entirely in interrupt context.
package sys

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/nucleus-os/nucleus/kernel/hw"
	"github.com/nucleus-os/nucleus/kernel/kerr"
	"github.com/nucleus-os/nucleus/kernel/proc"
	"github.com/nucleus-os/nucleus/kernel/sched"
	"github.com/nucleus-os/nucleus/kernel/vfs"
)

// Syscall numbers. The caller puts the number in RAX and arguments in
// RDI, RSI, RDX, R10, R8, R9; the result comes back in RAX.
const (
	SysRead  uint64 = 0
	SysWrite uint64 = 1
	SysOpen  uint64 = 2
	SysClose uint64 = 3
)

const (
	// ErrSentinel is the value written back for any failed or
	// unrecognized syscall.
	ErrSentinel = ^uint64(0)
	// RestartSentinel tells the resumed caller to re-issue the same
	// syscall: it blocked and has since been woken.
	RestartSentinel = ^uint64(0) - 1

	// maxIOBytes bounds one transfer; anything larger is a bad request,
	// not a reason to exhaust kernel memory.
	maxIOBytes = 1 << 20
	// maxPathBytes bounds a NUL-terminated path argument.
	maxPathBytes = 4096
)

// Dispatcher maps syscall numbers onto kernel operations.
type Dispatcher struct {
	m     *hw.Machine
	sched *sched.Scheduler
	fs    vfs.FileSystem

	// waiters are processes blocked inside a read that would block; any
	// successful write wakes them all and they retry. Spurious wakeups
	// are fine, lost ones are not.
	waiters map[proc.PID]struct{}

	log *zap.Logger
}

// New builds a dispatcher over the scheduler and the VFS collaborator.
func New(m *hw.Machine, s *sched.Scheduler, fs vfs.FileSystem, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		m:       m,
		sched:   s,
		fs:      fs,
		waiters: make(map[proc.PID]struct{}),
		log:     log,
	}
}

// Handle services one syscall trap. The return value lands in the caller's
// RAX before it resumes; when the call must wait, the caller is moved to
// Blocked and another process takes the CPU before Handle returns.
func (d *Dispatcher) Handle(ctx *hw.TrapContext) {
	cur := d.sched.Current()
	num := ctx.Regs.SyscallNumber()
	args := ctx.Regs.SyscallArgs()

	switch num {
	case SysRead:
		d.sysRead(cur, ctx, args)
	case SysWrite:
		d.sysWrite(cur, ctx, args)
	case SysOpen:
		d.sysOpen(cur, ctx, args)
	case SysClose:
		d.sysClose(ctx, args)
	default:
		d.log.Warn("unknown syscall",
			zap.Uint64("number", num),
			zap.Uint32("pid", uint32(cur.PID)))
		ctx.Regs.SetSyscallReturn(ErrSentinel)
	}
}

// sysRead: read(fd, buf, count).
func (d *Dispatcher) sysRead(cur *proc.PCB, ctx *hw.TrapContext, args [6]uint64) {
	fd, va, count := vfs.FD(args[0]), hw.VirtAddr(args[1]), args[2]
	if count > maxIOBytes {
		ctx.Regs.SetSyscallReturn(ErrSentinel)
		return
	}
	buf := make([]byte, count)
	n, err := d.fs.Read(fd, buf)
	if errors.Is(err, kerr.ErrWouldBlock) {
		// Write the restart marker first: the block below switches
		// contexts, and the live register file is saved into the PCB
		// during the switch.
		ctx.Regs.SetSyscallReturn(RestartSentinel)
		d.waiters[cur.PID] = struct{}{}
		if berr := d.sched.Block(fmt.Sprintf("vfs read fd=%d", fd)); berr != nil {
			delete(d.waiters, cur.PID)
			ctx.Regs.SetSyscallReturn(ErrSentinel)
		}
		return
	}
	if err != nil {
		d.log.Debug("read failed", zap.Uint32("pid", uint32(cur.PID)), zap.Error(err))
		ctx.Regs.SetSyscallReturn(ErrSentinel)
		return
	}
	if n > 0 {
		if err := cur.Space.CopyOut(va, buf[:n]); err != nil {
			d.log.Debug("read copy-out failed", zap.Uint32("pid", uint32(cur.PID)), zap.Error(err))
			ctx.Regs.SetSyscallReturn(ErrSentinel)
			return
		}
	}
	ctx.Regs.SetSyscallReturn(uint64(n))
}

// sysWrite: write(fd, buf, count).
func (d *Dispatcher) sysWrite(cur *proc.PCB, ctx *hw.TrapContext, args [6]uint64) {
	fd, va, count := vfs.FD(args[0]), hw.VirtAddr(args[1]), args[2]
	if count > maxIOBytes {
		ctx.Regs.SetSyscallReturn(ErrSentinel)
		return
	}
	data, err := cur.Space.CopyIn(va, count)
	if err != nil {
		d.log.Debug("write copy-in failed", zap.Uint32("pid", uint32(cur.PID)), zap.Error(err))
		ctx.Regs.SetSyscallReturn(ErrSentinel)
		return
	}
	n, err := d.fs.Write(fd, data)
	if err != nil {
		d.log.Debug("write failed", zap.Uint32("pid", uint32(cur.PID)), zap.Error(err))
		ctx.Regs.SetSyscallReturn(ErrSentinel)
		return
	}
	if n > 0 {
		d.wakeWaiters()
	}
	ctx.Regs.SetSyscallReturn(uint64(n))
}

// sysOpen: open(path, flags). The path argument is a NUL-terminated string
// in the caller's address space.
func (d *Dispatcher) sysOpen(cur *proc.PCB, ctx *hw.TrapContext, args [6]uint64) {
	path, err := d.readUserString(cur, hw.VirtAddr(args[0]))
	if err != nil {
		d.log.Debug("open path read failed", zap.Uint32("pid", uint32(cur.PID)), zap.Error(err))
		ctx.Regs.SetSyscallReturn(ErrSentinel)
		return
	}
	fd, err := d.fs.Open(path, vfs.OpenFlags(args[1]))
	if err != nil {
		d.log.Debug("open failed", zap.String("path", path), zap.Error(err))
		ctx.Regs.SetSyscallReturn(ErrSentinel)
		return
	}
	ctx.Regs.SetSyscallReturn(uint64(fd))
}

// sysClose: close(fd).
func (d *Dispatcher) sysClose(ctx *hw.TrapContext, args [6]uint64) {
	if err := d.fs.Close(vfs.FD(args[0])); err != nil {
		ctx.Regs.SetSyscallReturn(ErrSentinel)
		return
	}
	ctx.Regs.SetSyscallReturn(0)
}

func (d *Dispatcher) wakeWaiters() {
	for pid := range d.waiters {
		err := d.sched.Unblock(pid)
		if errors.Is(err, kerr.ErrScheduleQueueFull) {
			// Keep the waiter; losing a wakeup strands it forever.
			continue
		}
		if err != nil {
			// Terminated while blocked; nothing to wake.
			d.log.Debug("wake failed", zap.Uint32("pid", uint32(pid)), zap.Error(err))
		}
		delete(d.waiters, pid)
	}
}

func (d *Dispatcher) readUserString(cur *proc.PCB, va hw.VirtAddr) (string, error) {
	var out []byte
	for len(out) < maxPathBytes {
		chunk, err := cur.Space.CopyIn(va, 1)
		if err != nil {
			return "", err
		}
		if chunk[0] == 0 {
			return string(out), nil
		}
		out = append(out, chunk[0])
		va++
	}
	return "", kerr.Wrap(kerr.ErrInvalidAddress, "unterminated path")
}
