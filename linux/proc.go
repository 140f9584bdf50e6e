package linux

import (
	"sync"
	"sync/atomic"

	kerrors "zcore-go/errors"
	"zcore-go/signal"
	"zcore-go/task"
)

func notDirError(p string) error {
	return kerrors.Newf(kerrors.StatusNotDir, "chdir", "%s", p)
}

func badSignalError(sig uint8) error {
	return kerrors.Newf(kerrors.StatusInvalidArgs, "sigaction", "signal %d", sig)
}

// Common signal numbers the personality delivers.
const (
	SIGHUP  = 1
	SIGINT  = 2
	SIGQUIT = 3
	SIGILL  = 4
	SIGABRT = 6
	SIGKILL = 9
	SIGSEGV = 11
	SIGPIPE = 13
	SIGTERM = 15
	SIGCHLD = 17

	// NumSignals is the size of the action table.
	NumSignals = 64
)

// Default signal dispositions.
const (
	// SigDfl is the default action.
	SigDfl uint64 = 0
	// SigIgn ignores the signal.
	SigIgn uint64 = 1
)

// SigAction is one sigaction(2) entry.
type SigAction struct {
	// Handler is the user handler address, or SigDfl / SigIgn.
	Handler uint64
	// Flags are the SA_* flags.
	Flags uint64
	// Restorer is the sigreturn trampoline address.
	Restorer uint64
	// Mask is blocked while the handler runs.
	Mask uint64
}

// ProcExt is the Linux-personality extension hung off a task.Process:
// the filesystem view, descriptor table, signal actions, futexes, and
// the thread-exit bookkeeping of clone/set_tid_address.
type ProcExt struct {
	proc *task.Process
	fs   *MemFS

	mu       sync.Mutex
	cwd      string
	actions  [NumSignals]SigAction
	futexes  map[uint64]*signal.Futex
	fdTable  *FDTable
	execPath string

	// brkBase and brkCur track the program break.
	brkBase uint64
	brkCur  uint64

	// ClearChildTid is the address cleared and futex-woken when the
	// thread that set it exits.
	ClearChildTid atomic.Uint64
}

// NewProcExt attaches a personality extension to proc.
func NewProcExt(proc *task.Process, fs *MemFS) *ProcExt {
	ext := &ProcExt{
		proc:    proc,
		fs:      fs,
		cwd:     "/",
		futexes: make(map[uint64]*signal.Futex),
		fdTable: NewFDTable(),
	}
	proc.Ext = ext
	return ext
}

// ExtOf retrieves the extension from a process, nil when the process
// does not run under this personality.
func ExtOf(proc *task.Process) *ProcExt {
	ext, _ := proc.Ext.(*ProcExt)
	return ext
}

// Process returns the underlying kernel process.
func (e *ProcExt) Process() *task.Process { return e.proc }

// FS returns the filesystem view.
func (e *ProcExt) FS() *MemFS { return e.fs }

// FDs returns the descriptor table.
func (e *ProcExt) FDs() *FDTable { return e.fdTable }

// Cwd returns the working directory.
func (e *ProcExt) Cwd() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cwd
}

// Chdir changes the working directory.
func (e *ProcExt) Chdir(p string) error {
	full := normalize(e.Cwd(), p)
	if !e.fs.IsDir("/", full) {
		return notDirError(full)
	}
	e.mu.Lock()
	e.cwd = full
	e.mu.Unlock()
	return nil
}

// ExecPath returns the path of the current executable.
func (e *ProcExt) ExecPath() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.execPath
}

// SetExecPath records the executable path on exec.
func (e *ProcExt) SetExecPath(p string) {
	e.mu.Lock()
	e.execPath = p
	e.mu.Unlock()
	e.proc.SetExecPath(p)
}

// Action returns the sigaction entry for sig.
func (e *ProcExt) Action(sig uint8) SigAction {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sig == 0 || sig > NumSignals {
		return SigAction{}
	}
	return e.actions[sig-1]
}

// SetAction installs a sigaction entry and returns the old one.
// SIGKILL's disposition cannot change.
func (e *ProcExt) SetAction(sig uint8, action SigAction) (SigAction, error) {
	if sig == 0 || sig > NumSignals {
		return SigAction{}, badSignalError(sig)
	}
	if sig == SIGKILL {
		return SigAction{}, badSignalError(sig)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	old := e.actions[sig-1]
	e.actions[sig-1] = action
	return old, nil
}

// FutexAt returns the futex registered at the user address, creating
// it on first use. The caller keeps the kernel-side word in sync with
// the user word before waiting.
func (e *ProcExt) FutexAt(uaddr uint64) *signal.Futex {
	e.mu.Lock()
	defer e.mu.Unlock()
	f, ok := e.futexes[uaddr]
	if !ok {
		var word atomic.Int32
		f = signal.NewFutex(&word)
		e.futexes[uaddr] = f
	}
	return f
}

// KillSignal delivers sig to every thread of the process (tgkill picks
// one thread; kill fans out). SIGKILL bypasses handlers and terminates.
func (e *ProcExt) KillSignal(sig uint8) {
	if sig == SIGKILL {
		e.proc.Exit(int64(128 + int(sig)))
		return
	}
	action := e.Action(sig)
	if action.Handler == SigIgn {
		return
	}
	for _, t := range e.proc.Threads() {
		t.RaiseSignal(sig)
	}
	if action.Handler == SigDfl && defaultTerminates(sig) {
		e.proc.Exit(int64(128 + int(sig)))
	}
}

// defaultTerminates reports whether the default disposition of sig
// kills the process.
func defaultTerminates(sig uint8) bool {
	switch sig {
	case SIGCHLD:
		return false
	default:
		return true
	}
}

// ReleaseFDs closes the descriptor table at process death.
func (e *ProcExt) ReleaseFDs() {
	e.fdTable.CloseAll()
}
