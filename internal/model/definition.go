package model

import (
	"sort"
	"time"

	"github.com/hashicorp/hcl/v2"
)

// StepID is the index of a step in Definition.Steps. IDs follow declaration
// order.
type StepID int

// RiskFactors maps a factor name to the expression producing its value. The
// expressions are evaluated lazily, once the outputs they reference exist.
type RiskFactors map[string]hcl.Expression

// Definition is a compiled, validated workflow.
type Definition struct {
	Name   string
	Steps  []*Step
	Gates  []*ApprovalGate
	Layers [][]StepID
	Digest string
}

// Step is one node of the compiled DAG.
type Step struct {
	ID          StepID
	Name        string
	DependsOn   []StepID
	Dependents  []StepID
	Layer       int
	Operation   Operation
	RiskFactors RiskFactors
	Timeout     time.Duration
	Retry       RetryPolicy
	Optional    bool
	Gates       []string
}

// RetryPolicy bounds how often a failing step is attempted.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// Attempts returns the total number of attempts allowed, at least one.
func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// TimeoutPolicy decides what happens when an approval gate is not answered
// in time.
type TimeoutPolicy string

const (
	// TimeoutDefault defers to the coordinator's configured policy.
	TimeoutDefault  TimeoutPolicy = ""
	TimeoutDeny     TimeoutPolicy = "deny"
	TimeoutEscalate TimeoutPolicy = "escalate"
)

// Valid reports whether p is a known policy.
func (p TimeoutPolicy) Valid() bool {
	switch p {
	case TimeoutDefault, TimeoutDeny, TimeoutEscalate:
		return true
	}
	return false
}

// ApprovalGate is a human checkpoint in front of one or more steps.
type ApprovalGate struct {
	ID    string
	Steps []StepID
	// Threshold is nil for unconditional gates.
	Threshold     *float64
	TimeoutPolicy TimeoutPolicy
	Timeout       time.Duration
}

// Unconditional reports whether the gate always requires a human decision.
func (g *ApprovalGate) Unconditional() bool {
	return g.Threshold == nil
}

// Step returns the step with the given id, or nil when out of range.
func (d *Definition) Step(id StepID) *Step {
	if id < 0 || int(id) >= len(d.Steps) {
		return nil
	}
	return d.Steps[id]
}

// StepByName looks a step up by its declared name.
func (d *Definition) StepByName(name string) (*Step, bool) {
	for _, s := range d.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return nil, false
}

// Gate looks a gate up by id.
func (d *Definition) Gate(id string) (*ApprovalGate, bool) {
	for _, g := range d.Gates {
		if g.ID == id {
			return g, true
		}
	}
	return nil, false
}

// Downstream returns every step that transitively depends on id, in
// ascending id order.
func (d *Definition) Downstream(id StepID) []StepID {
	seen := make(map[StepID]bool)
	stack := append([]StepID(nil), d.Steps[id].Dependents...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, d.Steps[n].Dependents...)
	}
	out := make([]StepID, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
