// Package syscalls implements the trap-to-dispatch loop: per-arch
// argument decode, routing to the numbered handlers of the Zircon and
// Linux personalities, page-fault service, and the return to user mode.
package syscalls

import (
	"time"

	kerrors "zcore-go/errors"
	"zcore-go/executor"
	"zcore-go/hal/irq"
	"zcore-go/hal/mem"
	"zcore-go/hal/uctx"
	"zcore-go/linux"
	"zcore-go/logging"
	"zcore-go/signal"
	"zcore-go/task"
	"zcore-go/vm"
)

// Kernel bundles the singletons the syscall handlers operate on. It is
// constructed once at boot and passed by reference.
type Kernel struct {
	Arch    uctx.ArchID
	Alloc   *mem.FrameAllocator
	Timers  *signal.TimerQueue
	Irq     irq.Controller
	RootJob *task.Job
	FS      *linux.MemFS
	Exec    *executor.Executor

	// NewContext builds a user context for threads created by clone
	// and thread_create.
	NewContext func() uctx.UserContext

	// NewAddressSpace builds the root region of a new process over a
	// fresh translation root.
	NewAddressSpace func() (*vm.VMAR, error)

	// Now is the clock syscalls read; nil means the host clock.
	Now func() time.Time
}

func (k *Kernel) now() time.Time {
	if k.Now != nil {
		return k.Now()
	}
	return time.Now()
}

// deadlineFrom converts a user nanosecond deadline to a time.Time;
// the all-ones value means "forever".
func (k *Kernel) deadlineFrom(ns uint64) time.Time {
	const infinite = 0x7fff_ffff_ffff_ffff
	if ns == 0 || ns >= infinite {
		return time.Time{}
	}
	return time.Unix(0, int64(ns))
}

// Handler services one syscall.
type Handler func(t *task.Thread, args [6]uint64) (uint64, error)

// Personality selects the syscall table and result encoding.
type Personality uint8

const (
	// PersonalityZircon exposes numeric statuses directly.
	PersonalityZircon Personality = iota
	// PersonalityLinux maps statuses to negated errnos.
	PersonalityLinux
)

// Dispatcher routes traps for one personality.
type Dispatcher struct {
	kernel      *Kernel
	conv        uctx.Convention
	personality Personality
	table       map[uint64]Handler
}

// NewDispatcher builds the dispatcher for the personality.
func NewDispatcher(k *Kernel, personality Personality) *Dispatcher {
	d := &Dispatcher{
		kernel:      k,
		conv:        uctx.ConventionFor(k.Arch),
		personality: personality,
	}
	if personality == PersonalityLinux {
		d.table = d.linuxTable()
	} else {
		d.table = d.zirconTable()
	}
	return d
}

// Runner returns the executor binding threads started under this
// dispatcher use.
func (d *Dispatcher) Runner(exec *executor.Executor) *task.Runner {
	return &task.Runner{Exec: exec, Arch: d.kernel.Arch, Handler: d.HandleTrap}
}

// HandleTrap is the task.TrapHandler: classify, service, resume.
func (d *Dispatcher) HandleTrap(t *task.Thread, trap uctx.Trap) task.ThreadAction {
	switch trap.Kind {
	case uctx.TrapSyscall:
		return d.handleSyscall(t)
	case uctx.TrapPageFault:
		return d.handlePageFault(t, trap)
	case uctx.TrapInterrupt:
		d.kernel.Timers.Tick(d.kernel.now())
		if d.kernel.Irq != nil {
			d.kernel.Irq.HandleIRQ(trap.Vector)
		}
		return task.ActionContinue
	default:
		logging.WithKoid(logging.Default(), uint64(t.ID())).Warn(
			"unhandled trap", "kind", trap.Kind.String())
		t.Process().Exit(-1)
		return task.ActionExitProcess
	}
}

func (d *Dispatcher) handleSyscall(t *task.Thread) task.ThreadAction {
	regs := t.Context().Regs()
	d.conv.AdvancePC(regs)
	num := d.conv.SyscallNum(regs)
	args := d.conv.SyscallArgs(regs)

	handler, ok := d.table[num]
	var result uint64
	var err error
	if !ok {
		err = kerrors.Newf(kerrors.StatusBadSyscall, "syscall", "number %d", num)
		if d.personality == PersonalityLinux {
			// Linux reports unknown numbers as ENOSYS, not a kill.
			err = kerrors.Newf(kerrors.StatusNotSupported, "syscall", "number %d", num)
		}
	} else {
		result, err = handler(t, args)
	}

	// Process/thread exit handlers tear the thread down underneath us.
	switch t.State() {
	case task.ThreadDying, task.ThreadDead:
		if t.Process().State() == task.ProcessDying || t.Process().State() == task.ProcessDead {
			return task.ActionExitProcess
		}
		return task.ActionExitThread
	}

	d.conv.SetReturn(regs, d.encodeResult(result, err))

	if d.personality == PersonalityLinux {
		if _, derr := linux.DeliverPendingSignal(t, d.conv); derr != nil {
			logging.WithSyscall(logging.Default(), num).Warn(
				"signal delivery failed", "thread", t.ID(), "error", derr)
		}
	}
	return task.ActionContinue
}

func (d *Dispatcher) encodeResult(result uint64, err error) uint64 {
	if d.personality == PersonalityLinux {
		if err != nil {
			return uint64(-int64(kerrors.ErrnoOf(err)))
		}
		return result
	}
	if err != nil {
		return uint64(uint32(int32(kerrors.StatusOf(err))))
	}
	return result
}

func (d *Dispatcher) handlePageFault(t *task.Thread, trap uctx.Trap) task.ThreadAction {
	err := t.Process().VMAR().HandleFault(trap.FaultVaddr, trap.FaultAccess)
	if err == nil {
		return task.ActionContinue
	}
	logging.Debug("unresolved page fault",
		"vaddr", trap.FaultVaddr, "thread", t.ID(), "error", err)

	if d.personality == PersonalityLinux {
		if ext := linux.ExtOf(t.Process()); ext != nil {
			ext.KillSignal(linux.SIGSEGV)
			if _, derr := linux.DeliverPendingSignal(t, d.conv); derr == nil {
				return task.ActionContinue
			}
			return task.ActionExitProcess
		}
	}
	// Zircon policy: an unhandled fault kills the thread.
	t.Exit()
	return task.ActionExitThread
}
