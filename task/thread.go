package task

import (
	"sync"
	"time"

	kerrors "zcore-go/errors"
	"zcore-go/executor"
	"zcore-go/hal/uctx"
	"zcore-go/object"
)

func noDeadline() time.Time { return time.Time{} }

// ThreadState is the thread lifecycle.
type ThreadState uint8

const (
	// ThreadNew was created but not started.
	ThreadNew ThreadState = iota
	// ThreadRunning executes its run loop.
	ThreadRunning
	// ThreadSuspended is parked until resumed.
	ThreadSuspended
	// ThreadDying was asked to exit.
	ThreadDying
	// ThreadDead finished its run loop.
	ThreadDead
)

// String returns the state name.
func (s ThreadState) String() string {
	switch s {
	case ThreadNew:
		return "new"
	case ThreadRunning:
		return "running"
	case ThreadSuspended:
		return "suspended"
	case ThreadDying:
		return "dying"
	case ThreadDead:
		return "dead"
	default:
		return "unknown"
	}
}

// ThreadAction is a trap handler's verdict on how the loop proceeds.
type ThreadAction uint8

const (
	// ActionContinue re-enters user mode.
	ActionContinue ThreadAction = iota
	// ActionExitThread ends this thread.
	ActionExitThread
	// ActionExitProcess ends the whole process.
	ActionExitProcess
)

// TrapHandler services one kernel entry of a thread. It runs on the
// thread's task.
type TrapHandler func(t *Thread, trap uctx.Trap) ThreadAction

// Runner binds threads to the executor, the architecture convention,
// and the syscall layer's trap handler.
type Runner struct {
	Exec    *executor.Executor
	Arch    uctx.ArchID
	Handler TrapHandler
}

// Thread is a single flow of execution inside a process. The thread is
// a task: its run loop alternates between user mode and the trap
// handler until it dies.
type Thread struct {
	object.Base
	proc *Process
	ctx  uctx.UserContext

	mu      sync.Mutex
	state   ThreadState
	resume  chan struct{}
	started bool

	// Linux-personality signal machinery.
	sigMask    uint64
	sigPending uint64
	// backupRegs holds the context saved when a user signal handler is
	// entered; sigreturn restores it along with the saved mask.
	backupRegs *uctx.GeneralRegs
	backupMask uint64

	// ownedFutexes tracks futexes this thread owns, for cleanup and
	// priority bookkeeping.
	ownedFutexes []object.KoID
}

func newThread(p *Process, name string, ctx uctx.UserContext) *Thread {
	t := &Thread{
		Base: object.NewBase("thread"),
		proc: p,
		ctx:  ctx,
	}
	t.SetName(name)
	return t
}

// Process returns the owning process.
func (t *Thread) Process() *Process { return t.proc }

// RelatedKoid implements object.KernelObject.
func (t *Thread) RelatedKoid() object.KoID { return t.proc.ID() }

// Context returns the user context for register access.
func (t *Thread) Context() uctx.UserContext { return t.ctx }

// State returns the lifecycle state.
func (t *Thread) State() ThreadState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Start launches the run loop at entry with the given stack and two
// arguments in the convention's first argument registers.
func (t *Thread) Start(entry, sp, arg1, arg2 uint64, runner *Runner) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return kerrors.New(kerrors.StatusBadState, "thread_start", "thread already started")
	}
	t.started = true
	t.state = ThreadRunning
	t.mu.Unlock()

	conv := uctx.ConventionFor(runner.Arch)
	regs := t.ctx.Regs()
	regs.PC = entry
	regs.R[conv.SPReg] = sp
	regs.R[conv.ArgRegs[0]] = arg1
	regs.R[conv.ArgRegs[1]] = arg2

	runner.Exec.Spawn(t.proc.PageTableRoot, func(task *executor.Task) {
		t.runLoop(task, runner)
	})
	return nil
}

// runLoop is the thread task: install the address space, enter user
// mode, service the trap, repeat. Every iteration is a yield point.
func (t *Thread) runLoop(task *executor.Task, runner *Runner) {
	for {
		t.mu.Lock()
		switch t.state {
		case ThreadDying, ThreadDead:
			t.mu.Unlock()
			t.finish()
			return
		case ThreadSuspended:
			resume := t.resume
			t.mu.Unlock()
			<-resume
			continue
		}
		t.mu.Unlock()

		trap := task.EnterUser(t.ctx)
		if trap.Kind == uctx.TrapExit {
			t.finish()
			return
		}
		switch runner.Handler(t, trap) {
		case ActionExitThread:
			t.finish()
			return
		case ActionExitProcess:
			// The handler already called Exit on the process; every
			// thread observes Dying on its next pass.
			continue
		}
		task.Yield()
	}
}

func (t *Thread) finish() {
	t.mu.Lock()
	if t.state == ThreadDead {
		t.mu.Unlock()
		return
	}
	t.state = ThreadDead
	t.mu.Unlock()
	t.SignalSet(object.SignalTaskTerminated)
	t.proc.threadExited(t)
}

// Exit asks the run loop to stop at its next pass. Threads that never
// started die immediately.
func (t *Thread) Exit() {
	t.mu.Lock()
	if t.state == ThreadDead || t.state == ThreadDying {
		t.mu.Unlock()
		return
	}
	wasSuspended := t.state == ThreadSuspended
	neverRan := !t.started
	t.state = ThreadDying
	resume := t.resume
	t.mu.Unlock()
	if wasSuspended && resume != nil {
		close(resume)
	}
	if neverRan {
		t.finish()
	}
}

// Suspend parks the run loop before its next user entry.
func (t *Thread) Suspend() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case ThreadRunning:
		t.state = ThreadSuspended
		t.resume = make(chan struct{})
		return nil
	case ThreadSuspended:
		return nil
	default:
		return kerrors.Newf(kerrors.StatusBadState, "thread_suspend", "thread is %s", t.state)
	}
}

// Resume unparks a suspended thread.
func (t *Thread) Resume() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != ThreadSuspended {
		return kerrors.Newf(kerrors.StatusBadState, "thread_resume", "thread is %s", t.state)
	}
	t.state = ThreadRunning
	close(t.resume)
	t.resume = nil
	return nil
}

// WaitExit blocks until the thread is dead.
func (t *Thread) WaitExit() {
	if t.State() != ThreadDead {
		_, _ = object.WaitSignal(t, object.SignalTaskTerminated, noDeadline())
	}
}

// Signal mask and pending set (Linux personality).

// SigMask returns the blocked-signal mask.
func (t *Thread) SigMask() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sigMask
}

// SetSigMask replaces the blocked-signal mask.
func (t *Thread) SetSigMask(mask uint64) {
	t.mu.Lock()
	t.sigMask = mask
	t.mu.Unlock()
}

// RaiseSignal marks a signal pending on the thread.
func (t *Thread) RaiseSignal(sig uint8) {
	t.mu.Lock()
	t.sigPending |= 1 << (sig - 1)
	t.mu.Unlock()
}

// TakePendingSignal removes and returns the lowest pending unmasked
// signal, 0 when none is deliverable.
func (t *Thread) TakePendingSignal() uint8 {
	t.mu.Lock()
	defer t.mu.Unlock()
	deliverable := t.sigPending &^ t.sigMask
	if deliverable == 0 {
		return 0
	}
	for sig := uint8(1); sig <= 64; sig++ {
		bit := uint64(1) << (sig - 1)
		if deliverable&bit != 0 {
			t.sigPending &^= bit
			return sig
		}
	}
	return 0
}

// SaveSignalContext stores the interrupted context before a handler
// frame is built. A handler is already active when one is stored.
func (t *Thread) SaveSignalContext(regs uctx.GeneralRegs) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.backupRegs != nil {
		return kerrors.New(kerrors.StatusBadState, "signal_deliver", "handler already active")
	}
	saved := regs
	t.backupRegs = &saved
	t.backupMask = t.sigMask
	return nil
}

// RestoreSignalContext pops the saved context for sigreturn.
func (t *Thread) RestoreSignalContext() (uctx.GeneralRegs, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.backupRegs == nil {
		return uctx.GeneralRegs{}, kerrors.New(kerrors.StatusBadState, "sigreturn", "no saved context")
	}
	saved := *t.backupRegs
	t.backupRegs = nil
	t.sigMask = t.backupMask
	return saved, nil
}

// OwnFutex records futex ownership.
func (t *Thread) OwnFutex(id object.KoID) {
	t.mu.Lock()
	t.ownedFutexes = append(t.ownedFutexes, id)
	t.mu.Unlock()
}

// DisownFutex drops futex ownership.
func (t *Thread) DisownFutex(id object.KoID) {
	t.mu.Lock()
	kept := t.ownedFutexes[:0]
	for _, f := range t.ownedFutexes {
		if f != id {
			kept = append(kept, f)
		}
	}
	t.ownedFutexes = kept
	t.mu.Unlock()
}
