package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/nucleus-os/nucleus/kernel"
	"github.com/nucleus-os/nucleus/kernel/hw"
	"github.com/nucleus-os/nucleus/kernel/mem"
	"github.com/nucleus-os/nucleus/kernel/proc"
	"github.com/nucleus-os/nucleus/kernel/sys"
	"github.com/nucleus-os/nucleus/kernel/vfs"
)

const (
	userCodeBase hw.VirtAddr = 0x40_0000
	userDataBase hw.VirtAddr = 0x60_0000

	// Layout inside the data page: the message first, path string at a
	// fixed offset, read buffer at another.
	pathOffset   = 256
	bufferOffset = 512
)

// userProgram is one simulated user process: a cursor over a fixed sequence
// of syscall requests. Each time the process holds the CPU, the runner loads
// the next request into the live register file and raises the trap, exactly
// what the real program's instruction stream would do.
type userProgram struct {
	pid    proc.PID
	steps  []programStep
	step   int
	fd     uint64
	msgLen uint64
	done   bool
}

// programStep loads the registers for one syscall and raises it. Returning
// false means the call blocked and must be re-issued when the process next
// holds the CPU.
type programStep func(k *kernel.Kernel, p *userProgram) bool

func (p *userProgram) run(k *kernel.Kernel) {
	if p.step >= len(p.steps) {
		p.done = true
		return
	}
	if p.steps[p.step](k, p) {
		p.step++
		if p.step >= len(p.steps) {
			p.done = true
		}
	}
}

func stepOpen(flags vfs.OpenFlags) programStep {
	return func(k *kernel.Kernel, p *userProgram) bool {
		regs := k.Machine.Regs()
		regs.RAX = sys.SysOpen
		regs.RDI = uint64(userDataBase) + pathOffset
		regs.RSI = uint64(flags)
		k.Syscall()
		if regs.RAX == sys.ErrSentinel {
			logger.Warn("open failed", zap.Uint32("pid", uint32(p.pid)))
			p.done = true
			return true
		}
		p.fd = regs.RAX
		return true
	}
}

func stepWrite(k *kernel.Kernel, p *userProgram) bool {
	regs := k.Machine.Regs()
	regs.RAX = sys.SysWrite
	regs.RDI = p.fd
	regs.RSI = uint64(userDataBase)
	regs.RDX = p.msgLen
	k.Syscall()
	return true
}

func stepRead(count uint64) programStep {
	return func(k *kernel.Kernel, p *userProgram) bool {
		regs := k.Machine.Regs()
		regs.RAX = sys.SysRead
		regs.RDI = p.fd
		regs.RSI = uint64(userDataBase) + bufferOffset
		regs.RDX = count
		k.Syscall()
		// A blocking read switches the CPU away; the saved context
		// carries the restart marker and the call is issued again the
		// next time this process runs.
		if k.Sched.Current().PID != p.pid {
			return false
		}
		if k.Machine.Regs().RAX == sys.RestartSentinel {
			return false
		}
		logger.Info("pipe read completed",
			zap.Uint32("pid", uint32(p.pid)),
			zap.Uint64("bytes", k.Machine.Regs().RAX))
		return true
	}
}

func stepClose(k *kernel.Kernel, p *userProgram) bool {
	regs := k.Machine.Regs()
	regs.RAX = sys.SysClose
	regs.RDI = p.fd
	k.Syscall()
	return true
}

func runDemo(cfg kernel.Config, maxTicks uint64) error {
	k := kernel.New(cfg, logger)
	if err := k.Boot(); err != nil {
		return err
	}
	logger.Info("demo starting", zap.String("boot_id", k.BootID()))

	k.FS.CreatePipe("/pipe/demo")

	programs := map[proc.PID]*userProgram{}

	// Two writers that greet the console a few times, plus a reader and a
	// writer sharing a pipe to exercise the blocking path.
	for i := 0; i < 2; i++ {
		prog, err := spawnUser(k, fmt.Sprintf("hello from process %d\n", i+1), "/dev/console")
		if err != nil {
			return err
		}
		prog.steps = []programStep{
			stepOpen(vfs.FlagWrite),
			stepWrite, stepWrite, stepWrite,
			stepClose,
		}
		programs[prog.pid] = prog
	}

	reader, err := spawnUser(k, "", "/pipe/demo")
	if err != nil {
		return err
	}
	reader.steps = []programStep{
		stepOpen(vfs.FlagRead),
		stepRead(64),
		stepClose,
	}
	programs[reader.pid] = reader

	writer, err := spawnUser(k, "through the pipe\n", "/pipe/demo")
	if err != nil {
		return err
	}
	writer.steps = []programStep{
		stepOpen(vfs.FlagWrite),
		stepWrite,
		stepClose,
	}
	programs[writer.pid] = writer

	for tick := uint64(0); tick < maxTicks; tick++ {
		if k.State() != kernel.StateRunning {
			break
		}
		cur := k.Sched.Current()
		if prog, ok := programs[cur.PID]; ok && !prog.done {
			prog.run(k)
			if prog.done {
				if err := k.Sched.Terminate(prog.pid, 0); err != nil {
					logger.Warn("terminate failed", zap.Error(err))
				} else if err := k.Sched.Reap(prog.pid); err != nil {
					logger.Warn("reap failed", zap.Error(err))
				}
			}
		}
		k.Tick()

		if allDone(programs) {
			break
		}
	}

	logger.Info("demo finished",
		zap.Uint64("ticks", k.Ticks()),
		zap.Uint64("context_switches", k.Sched.Switches()),
		zap.Uint64("free_frames", k.Frames.Stats().FreeFrames),
		zap.Int("live_processes", k.Table.Count()))
	return nil
}

func allDone(programs map[proc.PID]*userProgram) bool {
	for _, p := range programs {
		if !p.done {
			return false
		}
	}
	return true
}

// spawnUser creates a process with one code page and one data page. The data
// page carries the message it writes and the NUL-terminated path it opens.
func spawnUser(k *kernel.Kernel, message, path string) (*userProgram, error) {
	p, err := k.Spawn(userCodeBase, 1)
	if err != nil {
		return nil, err
	}
	pages := []struct {
		va    hw.VirtAddr
		perms mem.PagePerms
	}{
		{userCodeBase, mem.PermsUserCode},
		{userDataBase, mem.PermsUserData},
	}
	for _, pg := range pages {
		frame, ok := k.Frames.Allocate()
		if !ok {
			return nil, fmt.Errorf("no frame for user page %#x", pg.va)
		}
		if err := p.Space.Map(pg.va, frame, pg.perms); err != nil {
			return nil, err
		}
	}
	if message != "" {
		if err := p.Space.CopyOut(userDataBase, []byte(message)); err != nil {
			return nil, err
		}
	}
	if err := p.Space.CopyOut(userDataBase+pathOffset, append([]byte(path), 0)); err != nil {
		return nil, err
	}
	return &userProgram{pid: p.PID, msgLen: uint64(len(message))}, nil
}
