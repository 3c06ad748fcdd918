package model

import (
	"encoding/json"
	"time"
)

// InstanceID identifies one execution of a definition.
type InstanceID string

// Instance is the durable record of one execution.
type Instance struct {
	ID               InstanceID        `json:"id"`
	Definition       string            `json:"definition"`
	Digest           string            `json:"digest"`
	Status           InstanceStatus    `json:"status"`
	Reason           string            `json:"reason,omitempty"`
	Steps            []StepRecord      `json:"steps"`
	Undo             []UndoRecord      `json:"undo,omitempty"`
	Approvals        []ApprovalRecord  `json:"approvals,omitempty"`
	RollbackFailures []RollbackFailure `json:"rollback_failures,omitempty"`
	Irreversible     []string          `json:"irreversible,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// StepRecord is the state of one step within an instance.
type StepRecord struct {
	ID                StepID          `json:"id"`
	Name              string          `json:"name"`
	Status            StepStatus      `json:"status"`
	Risk              *float64        `json:"risk,omitempty"`
	Attempts          int             `json:"attempts,omitempty"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	EndedAt           *time.Time      `json:"ended_at,omitempty"`
	Output            json.RawMessage `json:"output,omitempty"`
	Error             string          `json:"error,omitempty"`
	UnknownSideEffect bool            `json:"unknown_side_effect,omitempty"`
}

// StepPayload carries the data recorded together with a step transition.
// Zero fields leave the stored values untouched.
type StepPayload struct {
	Output            json.RawMessage
	Error             string
	Risk              *float64
	Attempts          int
	UnknownSideEffect bool
}

// ApprovalRecord is the state of one gate within an instance.
type ApprovalRecord struct {
	Gate        string         `json:"gate"`
	Status      ApprovalStatus `json:"status"`
	Step        string         `json:"step,omitempty"`
	Risk        float64        `json:"risk"`
	Decider     string         `json:"decider,omitempty"`
	Escalated   bool           `json:"escalated,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	RequestedAt time.Time      `json:"requested_at"`
	DecidedAt   *time.Time     `json:"decided_at,omitempty"`
}

// RollbackFailure is an undo that could not be applied. It needs manual
// intervention.
type RollbackFailure struct {
	Seq   int       `json:"seq"`
	Step  string    `json:"step"`
	Error string    `json:"error"`
	At    time.Time `json:"at"`
}

// InstanceSummary is the listing view of an instance.
type InstanceSummary struct {
	ID               InstanceID     `json:"id"`
	Definition       string         `json:"definition"`
	Status           InstanceStatus `json:"status"`
	RollbackFailures int            `json:"rollback_failures"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Step returns the record for id, or nil.
func (i *Instance) Step(id StepID) *StepRecord {
	if id < 0 || int(id) >= len(i.Steps) {
		return nil
	}
	return &i.Steps[id]
}

// Approval returns the record for a gate, or nil if it was never requested.
func (i *Instance) Approval(gate string) *ApprovalRecord {
	for n := range i.Approvals {
		if i.Approvals[n].Gate == gate {
			return &i.Approvals[n]
		}
	}
	return nil
}

// Summarize returns the listing view of the instance.
func (i *Instance) Summarize() InstanceSummary {
	return InstanceSummary{
		ID:               i.ID,
		Definition:       i.Definition,
		Status:           i.Status,
		RollbackFailures: len(i.RollbackFailures),
		CreatedAt:        i.CreatedAt,
		UpdatedAt:        i.UpdatedAt,
	}
}

// Clone returns a deep copy.
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	out := *i
	out.Steps = make([]StepRecord, len(i.Steps))
	for n, s := range i.Steps {
		out.Steps[n] = s.clone()
	}
	if i.Undo != nil {
		out.Undo = make([]UndoRecord, len(i.Undo))
		for n, u := range i.Undo {
			out.Undo[n] = u.clone()
		}
	}
	if i.Approvals != nil {
		out.Approvals = make([]ApprovalRecord, len(i.Approvals))
		for n, a := range i.Approvals {
			a.DecidedAt = cloneTime(a.DecidedAt)
			out.Approvals[n] = a
		}
	}
	out.RollbackFailures = append([]RollbackFailure(nil), i.RollbackFailures...)
	out.Irreversible = append([]string(nil), i.Irreversible...)
	return &out
}

func (s StepRecord) clone() StepRecord {
	if s.Risk != nil {
		r := *s.Risk
		s.Risk = &r
	}
	s.StartedAt = cloneTime(s.StartedAt)
	s.EndedAt = cloneTime(s.EndedAt)
	if s.Output != nil {
		s.Output = append(json.RawMessage(nil), s.Output...)
	}
	return s
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
