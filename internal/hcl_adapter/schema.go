package hcl_adapter

import "github.com/hashicorp/hcl/v2"

// fileRoot is a struct used to decode all possible top-level content of a file.
type fileRoot struct {
	Name   string       `hcl:"name,optional"`
	Steps  []*stepBlock `hcl:"step,block"`
	Gates  []*gateBlock `hcl:"approval_gate,block"`
	Remain hcl.Body     `hcl:",remain"`
}

type stepBlock struct {
	Name           string          `hcl:"name,label"`
	DependsOn      []string        `hcl:"depends_on,optional"`
	Optional       bool            `hcl:"optional,optional"`
	Idempotent     bool            `hcl:"idempotent,optional"`
	TimeoutSeconds int             `hcl:"timeout_seconds,optional"`
	RiskFactors    hcl.Expression  `hcl:"risk_factors,optional"`
	Operation      *operationBlock `hcl:"operation,block"`
	Retry          *retryBlock     `hcl:"retry,block"`
}

type operationBlock struct {
	Type string   `hcl:"type,label"`
	Body hcl.Body `hcl:",remain"`
}

type retryBlock struct {
	MaxAttempts int `hcl:"max_attempts,optional"`
	BackoffMS   int `hcl:"backoff_ms,optional"`
}

type gateBlock struct {
	ID             string   `hcl:"id,label"`
	Steps          []string `hcl:"steps"`
	RiskThreshold  *float64 `hcl:"risk_threshold,optional"`
	TimeoutPolicy  string   `hcl:"timeout_policy,optional"`
	TimeoutSeconds int      `hcl:"timeout_seconds,optional"`
}
