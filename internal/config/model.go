package config

import (
	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
)

// Workflow is the unified, format-agnostic representation of one workflow
// definition, before validation.
type Workflow struct {
	Name  string
	Steps []*Step
	Gates []*Gate
	// Digest identifies the source content. Loaders fill it in from the
	// raw bytes they read.
	Digest string
}

// Step is the format-agnostic representation of a `step` block.
type Step struct {
	Name      string
	DependsOn []string
	Operation *Operation
	// RiskFactors are kept as expressions: they may reference the outputs
	// of other steps and are only evaluated at scheduling time.
	RiskFactors    map[string]hcl.Expression
	TimeoutSeconds int
	Retry          *Retry
	Optional       bool
	Idempotent     bool
}

// Operation is the raw operation of a step. Params are fully evaluated at
// load time.
type Operation struct {
	Type   string
	Params map[string]cty.Value
}

// Retry is the raw retry policy of a step.
type Retry struct {
	MaxAttempts int
	BackoffMS   int
}

// Gate is the format-agnostic representation of an `approval_gate` block.
type Gate struct {
	ID             string
	Steps          []string
	RiskThreshold  *float64
	TimeoutPolicy  string
	TimeoutSeconds int
}
