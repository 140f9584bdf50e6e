// Package task implements the job / process / thread hierarchy, the
// lifecycle state machines, and job security policy.
package task

import (
	"time"

	kerrors "zcore-go/errors"
	"zcore-go/signal"
)

// PolicyCondition names an event a job policy can govern.
type PolicyCondition uint32

const (
	// PolicyBadHandle: a member issued a syscall with an invalid handle.
	PolicyBadHandle PolicyCondition = iota
	// PolicyWrongObject: a member used a handle that cannot perform the
	// operation.
	PolicyWrongObject
	// PolicyVmarWx: a member tried to map write-execute memory.
	PolicyVmarWx
	// PolicyNewAny covers every object-creation condition below.
	PolicyNewAny
	// PolicyNewVMO: creating a VMO.
	PolicyNewVMO
	// PolicyNewChannel: creating a channel.
	PolicyNewChannel
	// PolicyNewEvent: creating an event.
	PolicyNewEvent
	// PolicyNewEventPair: creating an event pair.
	PolicyNewEventPair
	// PolicyNewPort: creating a port.
	PolicyNewPort
	// PolicyNewSocket: creating a socket.
	PolicyNewSocket
	// PolicyNewFIFO: creating a fifo.
	PolicyNewFIFO
	// PolicyNewTimer: creating a timer.
	PolicyNewTimer
	// PolicyNewProcess: creating a process.
	PolicyNewProcess
	// PolicyNewProfile: creating a profile.
	PolicyNewProfile
	// PolicyAmbientMarkVMOExec: marking a VMO executable without a
	// vmex resource.
	PolicyAmbientMarkVMOExec

	policyConditionCount
)

// PolicyAction is what happens when a condition occurs.
type PolicyAction uint32

const (
	// PolicyAllow permits the condition.
	PolicyAllow PolicyAction = iota
	// PolicyDeny refuses the operation.
	PolicyDeny
	// PolicyAllowException permits it and raises a debug exception.
	PolicyAllowException
	// PolicyDenyException refuses it and raises a debug exception.
	PolicyDenyException
	// PolicyKill terminates the offending process.
	PolicyKill
)

// BasicPolicy is one (condition, action) pair.
type BasicPolicy struct {
	Condition PolicyCondition
	Action    PolicyAction
}

// SetPolicyMode controls conflicts with inherited policy.
type SetPolicyMode uint32

const (
	// PolicyAbsolute fails when any entry conflicts with the parent.
	PolicyAbsolute SetPolicyMode = iota
	// PolicyRelative skips entries the parent already decided.
	PolicyRelative
)

// JobPolicy is a job's effective policy table.
type JobPolicy struct {
	actions [policyConditionCount]*PolicyAction
}

// Get returns the action for condition, if decided.
func (p *JobPolicy) Get(condition PolicyCondition) (PolicyAction, bool) {
	if int(condition) >= len(p.actions) || p.actions[condition] == nil {
		return 0, false
	}
	return *p.actions[condition], true
}

// Apply sets the action of one condition.
func (p *JobPolicy) Apply(policy BasicPolicy) {
	if int(policy.Condition) < len(p.actions) {
		action := policy.Action
		p.actions[policy.Condition] = &action
	}
}

// Merge overlays parent onto a copy of p: where the parent decided a
// condition, its decision wins.
func (p *JobPolicy) Merge(parent *JobPolicy) JobPolicy {
	merged := *p
	for i := range merged.actions {
		if parent.actions[i] != nil {
			merged.actions[i] = parent.actions[i]
		}
	}
	return merged
}

// TimerSlackPolicy narrows the slack applied to member timers.
type TimerSlackPolicy struct {
	// MinSlack is the smallest slack the job permits.
	MinSlack time.Duration
	// DefaultMode is applied to timers that do not choose one.
	DefaultMode signal.Slack
}

// Validate checks the policy.
func (p TimerSlackPolicy) Validate() error {
	if p.MinSlack < 0 {
		return kerrors.New(kerrors.StatusInvalidArgs, "job_set_policy", "negative timer slack")
	}
	return nil
}

// TimerSlack is a job's effective slack constraint.
type TimerSlack struct {
	MinSlack time.Duration
	Mode     signal.Slack
}

// Narrow applies policy on top of the inherited slack: the minimum
// never shrinks below an ancestor's.
func (s TimerSlack) Narrow(policy TimerSlackPolicy) TimerSlack {
	out := TimerSlack{MinSlack: policy.MinSlack, Mode: policy.DefaultMode}
	if s.MinSlack > out.MinSlack {
		out.MinSlack = s.MinSlack
	}
	return out
}
