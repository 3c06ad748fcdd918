package model

// StepStatus is the lifecycle state of one step within an instance.
type StepStatus string

const (
	StepNotStarted StepStatus = "not_started"
	StepReady      StepStatus = "ready"
	StepRunning    StepStatus = "running"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
	StepSkipped    StepStatus = "skipped"
	StepRolledBack StepStatus = "rolled_back"
)

var stepTransitions = map[StepStatus][]StepStatus{
	StepNotStarted: {StepReady, StepSkipped},
	StepReady:      {StepRunning, StepSkipped, StepFailed},
	// Running -> Ready only happens when a resumed instance re-queues an
	// idempotent step that was interrupted.
	StepRunning:   {StepCompleted, StepFailed, StepReady},
	StepCompleted: {StepRolledBack},
}

// CanTransition reports whether a step may move from s to next.
func (s StepStatus) CanTransition(next StepStatus) bool {
	for _, allowed := range stepTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Done reports whether no further work will happen for the step during
// forward execution.
func (s StepStatus) Done() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped, StepRolledBack:
		return true
	}
	return false
}

// InstanceStatus is the lifecycle state of an instance.
type InstanceStatus string

const (
	InstancePending          InstanceStatus = "pending"
	InstanceRunning          InstanceStatus = "running"
	InstanceAwaitingApproval InstanceStatus = "awaiting_approval"
	InstanceFailed           InstanceStatus = "failed"
	InstanceRollingBack      InstanceStatus = "rolling_back"
	InstanceRolledBack       InstanceStatus = "rolled_back"
	InstanceCompleted        InstanceStatus = "completed"
)

var instanceTransitions = map[InstanceStatus][]InstanceStatus{
	InstancePending:          {InstanceRunning, InstanceFailed},
	InstanceRunning:          {InstanceAwaitingApproval, InstanceCompleted, InstanceFailed},
	InstanceAwaitingApproval: {InstanceRunning, InstanceFailed},
	InstanceFailed:           {InstanceRollingBack},
	InstanceRollingBack:      {InstanceRolledBack},
}

// CanTransition reports whether an instance may move from s to next.
// Re-entering the current state is allowed for non-terminal states, which
// is what a resumed instance does.
func (s InstanceStatus) CanTransition(next InstanceStatus) bool {
	if s == next {
		return !s.Terminal()
	}
	for _, allowed := range instanceTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the instance will never change again.
func (s InstanceStatus) Terminal() bool {
	return s == InstanceCompleted || s == InstanceRolledBack
}

// ApprovalStatus is the state of one gate within an instance.
type ApprovalStatus string

const (
	ApprovalPending      ApprovalStatus = "pending"
	ApprovalApproved     ApprovalStatus = "approved"
	ApprovalDenied       ApprovalStatus = "denied"
	ApprovalTimedOut     ApprovalStatus = "timed_out"
	ApprovalAutoApproved ApprovalStatus = "auto_approved"
	// ApprovalAbandoned closes a gate that was still pending when its
	// instance failed or was aborted.
	ApprovalAbandoned ApprovalStatus = "abandoned"
)

// Resolved reports whether a decision has been made.
func (s ApprovalStatus) Resolved() bool {
	return s != ApprovalPending && s != ""
}

// Granted reports whether the gate lets its steps run.
func (s ApprovalStatus) Granted() bool {
	return s == ApprovalApproved || s == ApprovalAutoApproved
}
