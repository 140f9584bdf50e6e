package task

import (
	"sync"

	kerrors "zcore-go/errors"
	"zcore-go/hal/uctx"
	"zcore-go/object"
	"zcore-go/vm"
)

// ProcessState is the monotonic process lifecycle.
type ProcessState uint8

const (
	// ProcessNew has no started threads yet.
	ProcessNew ProcessState = iota
	// ProcessRunning has at least one started thread.
	ProcessRunning
	// ProcessDying asked its threads to exit.
	ProcessDying
	// ProcessDead joined every thread.
	ProcessDead
)

// String returns the state name.
func (s ProcessState) String() string {
	switch s {
	case ProcessNew:
		return "new"
	case ProcessRunning:
		return "running"
	case ProcessDying:
		return "dying"
	case ProcessDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Process owns its threads, its root address region, and its handle
// table; it belongs to exactly one job.
type Process struct {
	object.Base
	job     *Job
	vmar    *vm.VMAR
	handles *object.HandleTable

	mu       sync.Mutex
	state    ProcessState
	threads  []*Thread
	exitCode int64
	execPath string

	// Ext carries the Linux-personality extension when the process
	// runs under that personality.
	Ext any
}

// NewProcess creates a process in job with the given root region.
func NewProcess(job *Job, name string, vmar *vm.VMAR) (*Process, error) {
	p := &Process{
		Base:    object.NewBase("process"),
		job:     job,
		vmar:    vmar,
		handles: object.NewHandleTable(0),
	}
	p.SetName(name)
	if err := job.addProcess(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Job returns the owning job.
func (p *Process) Job() *Job { return p.job }

// RelatedKoid implements object.KernelObject.
func (p *Process) RelatedKoid() object.KoID { return p.job.ID() }

// VMAR returns the root address region.
func (p *Process) VMAR() *vm.VMAR { return p.vmar }

// Handles returns the handle table.
func (p *Process) Handles() *object.HandleTable { return p.handles }

// State returns the lifecycle state.
func (p *Process) State() ProcessState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// ExitCode returns the stored exit code; valid once dead.
func (p *Process) ExitCode() (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != ProcessDead {
		return 0, kerrors.New(kerrors.StatusBadState, "process_exit_code", "process still alive")
	}
	return p.exitCode, nil
}

// ExecPath returns the path of the loaded executable.
func (p *Process) ExecPath() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.execPath
}

// SetExecPath records the executable path.
func (p *Process) SetExecPath(path string) {
	p.mu.Lock()
	p.execPath = path
	p.mu.Unlock()
}

// PageTableRoot returns the translation root threads install on entry.
func (p *Process) PageTableRoot() uint64 {
	return uint64(p.vmar.PageTable().Root())
}

// CreateThread creates a thread in this process running on ctx.
func (p *Process) CreateThread(name string, ctx uctx.UserContext) (*Thread, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == ProcessDying || p.state == ProcessDead {
		return nil, kerrors.New(kerrors.StatusBadState, "thread_create", "process is exiting")
	}
	t := newThread(p, name, ctx)
	p.threads = append(p.threads, t)
	return t, nil
}

// Start launches the process: arg1Handle (if any) is transferred into
// the process's handle table and its value passed as the first argument
// alongside arg2, then thread starts at entry with the given stack.
// Starting a started process fails with BAD_STATE.
func (p *Process) Start(thread *Thread, entry, sp uint64, arg1Handle *object.Handle, arg2 uint64, exec *Runner) error {
	p.mu.Lock()
	if p.state != ProcessNew {
		p.mu.Unlock()
		return kerrors.New(kerrors.StatusBadState, "process_start", "process already started")
	}
	if thread.proc != p {
		p.mu.Unlock()
		return kerrors.New(kerrors.StatusAccessDenied, "process_start", "thread belongs to another process")
	}
	p.state = ProcessRunning
	p.mu.Unlock()

	var arg1 uint64
	if arg1Handle != nil {
		arg1 = uint64(p.handles.Add(*arg1Handle))
	}
	return thread.Start(entry, sp, arg1, arg2, exec)
}

// Exit asks every thread to die, stores code, and asserts TERMINATED
// once the last thread is gone.
func (p *Process) Exit(code int64) {
	p.mu.Lock()
	if p.state == ProcessDying || p.state == ProcessDead {
		p.mu.Unlock()
		return
	}
	p.exitCode = code
	p.state = ProcessDying
	threads := append([]*Thread{}, p.threads...)
	p.mu.Unlock()

	if len(threads) == 0 {
		p.becomeDead()
		return
	}
	for _, t := range threads {
		t.Exit()
	}
}

// threadExited removes a dead thread. The process dies with its last
// thread whether or not Exit was called first.
func (p *Process) threadExited(t *Thread) {
	p.mu.Lock()
	kept := p.threads[:0]
	for _, existing := range p.threads {
		if existing != t {
			kept = append(kept, existing)
		}
	}
	p.threads = kept
	last := len(p.threads) == 0 && (p.state == ProcessDying || p.state == ProcessRunning)
	if last && p.state == ProcessRunning {
		p.state = ProcessDying
	}
	p.mu.Unlock()
	if last {
		p.becomeDead()
	}
}

func (p *Process) becomeDead() {
	p.mu.Lock()
	p.state = ProcessDead
	code := p.exitCode
	p.mu.Unlock()

	p.handles.RemoveAll()
	_ = p.vmar.Destroy()
	p.SignalSet(object.SignalTaskTerminated)
	p.job.processExit(p.ID(), code)
}

// WaitExit blocks until the process is dead and returns the exit code.
func (p *Process) WaitExit() int64 {
	if p.State() != ProcessDead {
		_, _ = object.WaitSignal(p, object.SignalTaskTerminated, noDeadline())
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Threads returns the live threads.
func (p *Process) Threads() []*Thread {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Thread{}, p.threads...)
}

// ThreadByID finds a thread by KoID.
func (p *Process) ThreadByID(id object.KoID) (*Thread, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.threads {
		if t.ID() == id {
			return t, nil
		}
	}
	return nil, kerrors.ErrNotFound
}
