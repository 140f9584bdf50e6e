package task

import (
	"sync"

	kerrors "zcore-go/errors"
	"zcore-go/logging"
	"zcore-go/object"
)

// CriticalProcessRetcode is the exit code a job dies with when its
// critical process terminates.
const CriticalProcessRetcode int64 = -1024

// Job is a tree node controlling a group of processes and child jobs:
// it carries the merged security policy, the timer-slack constraint,
// and optionally a critical process whose death kills the job.
type Job struct {
	object.Base
	parent *Job
	// parentPolicy is the parent's effective policy frozen at creation.
	parentPolicy JobPolicy

	mu        sync.Mutex
	policy    JobPolicy
	children  []*Job
	processes []*Process
	critical  struct {
		pid            object.KoID
		retcodeNonzero bool
	}
	timerSlack TimerSlack
	killed     bool
	exitCode   int64
}

// NewRootJob creates the root of the job tree.
func NewRootJob() *Job {
	j := &Job{Base: object.NewBase("job")}
	j.SetName("root")
	j.SignalSet(object.SignalJobNoProcesses)
	return j
}

// CreateChild creates a job under this one, inheriting effective policy.
func (j *Job) CreateChild() (*Job, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.killed {
		return nil, kerrors.New(kerrors.StatusBadState, "job_create", "parent job is dead")
	}
	child := &Job{
		Base:         object.NewBase("job"),
		parent:       j,
		parentPolicy: j.policy.Merge(&j.parentPolicy),
		timerSlack:   j.timerSlack,
	}
	child.SignalSet(object.SignalJobNoProcesses)
	j.children = append(j.children, child)
	return child, nil
}

// RelatedKoid implements object.KernelObject.
func (j *Job) RelatedKoid() object.KoID {
	if j.parent == nil {
		return 0
	}
	return j.parent.ID()
}

// GetChild finds a direct child job or member process by KoID.
func (j *Job) GetChild(id object.KoID) (object.KernelObject, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, c := range j.children {
		if c.ID() == id {
			return c, nil
		}
	}
	for _, p := range j.processes {
		if p.ID() == id {
			return p, nil
		}
	}
	return nil, kerrors.ErrNotFound
}

// Policy returns the effective policy: own decisions merged under the
// inherited ones.
func (j *Job) Policy() JobPolicy {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.policy.Merge(&j.parentPolicy)
}

// PolicyAction resolves the effective action for condition, also
// consulting the NewAny umbrella for creation conditions.
func (j *Job) PolicyAction(condition PolicyCondition) (PolicyAction, bool) {
	policy := j.Policy()
	if action, ok := policy.Get(condition); ok {
		return action, true
	}
	if condition >= PolicyNewVMO && condition <= PolicyNewProfile {
		return policy.Get(PolicyNewAny)
	}
	return 0, false
}

// SetPolicyBasic applies entries to an empty job. In Absolute mode any
// entry the parent already decided fails with ALREADY_EXISTS; Relative
// mode silently skips those.
func (j *Job) SetPolicyBasic(mode SetPolicyMode, entries []BasicPolicy) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.isEmptyLocked() {
		return kerrors.New(kerrors.StatusBadState, "job_set_policy", "job has members")
	}
	for _, entry := range entries {
		if _, decided := j.parentPolicy.Get(entry.Condition); decided {
			if mode == PolicyAbsolute {
				return kerrors.Newf(kerrors.StatusAlreadyExists, "job_set_policy", "condition %d decided by parent", entry.Condition)
			}
			continue
		}
		j.policy.Apply(entry)
	}
	return nil
}

// SetPolicyTimerSlack narrows the slack constraint of an empty job.
func (j *Job) SetPolicyTimerSlack(policy TimerSlackPolicy) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.isEmptyLocked() {
		return kerrors.New(kerrors.StatusBadState, "job_set_policy", "job has members")
	}
	if err := policy.Validate(); err != nil {
		return err
	}
	j.timerSlack = j.timerSlack.Narrow(policy)
	return nil
}

// TimerSlack returns the effective slack constraint.
func (j *Job) TimerSlack() TimerSlack {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.timerSlack
}

// SetCritical binds proc as the job's critical process: when it exits
// (with a non-zero code if retcodeNonzero), the job is killed. The
// process must be a member; rebinding fails with ALREADY_BOUND.
func (j *Job) SetCritical(proc *Process, retcodeNonzero bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.critical.pid != 0 {
		return kerrors.New(kerrors.StatusAlreadyBound, "job_set_critical", "job already has a critical process")
	}
	member := false
	for _, p := range j.processes {
		if p.ID() == proc.ID() {
			member = true
			break
		}
	}
	if !member {
		return kerrors.New(kerrors.StatusInvalidArgs, "job_set_critical", "process is not a member")
	}
	j.critical.pid = proc.ID()
	j.critical.retcodeNonzero = retcodeNonzero
	return nil
}

// Kill terminates every member process and child job.
func (j *Job) Kill(exitCode int64) {
	j.mu.Lock()
	if j.killed {
		j.mu.Unlock()
		return
	}
	j.killed = true
	j.exitCode = exitCode
	children := append([]*Job{}, j.children...)
	processes := append([]*Process{}, j.processes...)
	j.mu.Unlock()

	for _, p := range processes {
		p.Exit(exitCode)
	}
	for _, c := range children {
		c.Kill(exitCode)
	}
	j.SignalSet(object.SignalTaskTerminated)
}

// IsDead reports whether the job was killed.
func (j *Job) IsDead() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.killed
}

// addProcess registers a new member.
func (j *Job) addProcess(p *Process) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.killed {
		return kerrors.New(kerrors.StatusBadState, "process_create", "job is dead")
	}
	j.processes = append(j.processes, p)
	j.SignalClear(object.SignalJobNoProcesses)
	return nil
}

// processExit removes a dead member and propagates critical-process
// death to the whole job.
func (j *Job) processExit(id object.KoID, retcode int64) {
	j.mu.Lock()
	kept := j.processes[:0]
	for _, p := range j.processes {
		if p.ID() != id {
			kept = append(kept, p)
		}
	}
	j.processes = kept
	empty := len(j.processes) == 0
	critical := j.critical.pid == id && !(j.critical.retcodeNonzero && retcode == 0)
	j.mu.Unlock()

	if empty {
		j.SignalSet(object.SignalJobNoProcesses)
	}
	if critical {
		logging.WithKoid(logging.Default(), uint64(j.ID())).Warn(
			"critical process died, killing job", "process", id, "retcode", retcode)
		j.Kill(CriticalProcessRetcode)
	}
}

func (j *Job) isEmptyLocked() bool {
	return len(j.children) == 0 && len(j.processes) == 0
}

// Enumerate returns the KoIDs of child jobs and member processes.
func (j *Job) Enumerate() (jobs, processes []object.KoID) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, c := range j.children {
		jobs = append(jobs, c.ID())
	}
	for _, p := range j.processes {
		processes = append(processes, p.ID())
	}
	return jobs, processes
}
