// Package yaml_adapter loads workflow definitions written in YAML into the
// format-agnostic config.Workflow.
//
// Risk factors may be plain numbers or strings holding an HCL expression,
// such as "step.build.output.exit_code != 0 ? 1 : 0".
package yaml_adapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/specialistvlad/stepgate/internal/config"
	"github.com/specialistvlad/stepgate/internal/ctxlog"
	"github.com/specialistvlad/stepgate/internal/fsutil"
	"github.com/zclconf/go-cty/cty"
	"gopkg.in/yaml.v3"
)

type document struct {
	Name          string    `yaml:"name"`
	Steps         []stepDoc `yaml:"steps"`
	ApprovalGates []gateDoc `yaml:"approval_gates"`
}

type stepDoc struct {
	ID             string         `yaml:"id"`
	Operation      *operationDoc  `yaml:"operation"`
	DependsOn      []string       `yaml:"depends_on"`
	RiskFactors    map[string]any `yaml:"risk_factors"`
	TimeoutSeconds int            `yaml:"timeout_seconds"`
	Retry          *retryDoc      `yaml:"retry"`
	Optional       bool           `yaml:"optional"`
	Idempotent     bool           `yaml:"idempotent"`
}

type operationDoc struct {
	Type   string         `yaml:"type"`
	Params map[string]any `yaml:"params"`
}

type retryDoc struct {
	MaxAttempts int `yaml:"max_attempts"`
	BackoffMS   int `yaml:"backoff_ms"`
}

type gateDoc struct {
	ID             string   `yaml:"id"`
	Steps          []string `yaml:"steps"`
	RiskThreshold  *float64 `yaml:"risk_threshold"`
	TimeoutPolicy  string   `yaml:"timeout_policy"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Loader is the YAML implementation of the config.Loader interface.
type Loader struct{}

var _ config.Loader = (*Loader)(nil)

// NewLoader creates a new YAML workflow loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load decodes every .yaml/.yml file under paths and merges them into one
// workflow. Unknown keys are rejected.
func (l *Loader) Load(ctx context.Context, paths ...string) (*config.Workflow, error) {
	logger := ctxlog.FromContext(ctx)

	files, err := fsutil.FindFilesByExtension(paths, ".yaml", ".yml")
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no .yaml files found in %v", paths)
	}
	logger.Debug("Discovered YAML files.", "count", len(files))

	wf := &config.Workflow{}
	var digest fsutil.Digest
	for _, file := range files {
		src, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", file, err)
		}
		digest.Add(file, src)

		var doc document
		dec := yaml.NewDecoder(bytes.NewReader(src))
		dec.KnownFields(true)
		if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to decode YAML file %s: %w", file, err)
		}

		if doc.Name != "" {
			if wf.Name != "" && wf.Name != doc.Name {
				return nil, fmt.Errorf("file %s names the workflow '%s', already named '%s'", file, doc.Name, wf.Name)
			}
			wf.Name = doc.Name
		}
		for _, s := range doc.Steps {
			step, err := translateStep(file, s)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", file, err)
			}
			wf.Steps = append(wf.Steps, step)
		}
		for _, g := range doc.ApprovalGates {
			wf.Gates = append(wf.Gates, &config.Gate{
				ID:             g.ID,
				Steps:          g.Steps,
				RiskThreshold:  g.RiskThreshold,
				TimeoutPolicy:  g.TimeoutPolicy,
				TimeoutSeconds: g.TimeoutSeconds,
			})
		}
	}
	wf.Digest = digest.String()

	logger.Debug("YAML loading complete.", "steps", len(wf.Steps), "gates", len(wf.Gates))
	return wf, nil
}

func translateStep(file string, s stepDoc) (*config.Step, error) {
	step := &config.Step{
		Name:           s.ID,
		DependsOn:      s.DependsOn,
		TimeoutSeconds: s.TimeoutSeconds,
		Optional:       s.Optional,
		Idempotent:     s.Idempotent,
	}
	if s.Retry != nil {
		step.Retry = &config.Retry{MaxAttempts: s.Retry.MaxAttempts, BackoffMS: s.Retry.BackoffMS}
	}
	if s.Operation != nil {
		params := make(map[string]cty.Value, len(s.Operation.Params))
		for k, v := range s.Operation.Params {
			cv, err := config.ToCtyValue(v)
			if err != nil {
				return nil, fmt.Errorf("step '%s' parameter '%s': %w", s.ID, k, err)
			}
			params[k] = cv
		}
		step.Operation = &config.Operation{Type: s.Operation.Type, Params: params}
	}
	if len(s.RiskFactors) > 0 {
		step.RiskFactors = make(map[string]hcl.Expression, len(s.RiskFactors))
		for name, raw := range s.RiskFactors {
			expr, err := factorExpr(file, raw)
			if err != nil {
				return nil, fmt.Errorf("step '%s' risk factor '%s': %w", s.ID, name, err)
			}
			step.RiskFactors[name] = expr
		}
	}
	return step, nil
}

// factorExpr turns a YAML scalar into an expression. Numbers become static
// expressions, strings are parsed as HCL.
func factorExpr(file string, raw any) (hcl.Expression, error) {
	rng := hcl.Range{Filename: file}
	switch v := raw.(type) {
	case int:
		return hcl.StaticExpr(cty.NumberIntVal(int64(v)), rng), nil
	case float64:
		return hcl.StaticExpr(cty.NumberFloatVal(v), rng), nil
	case string:
		expr, diags := hclsyntax.ParseExpression([]byte(v), file, hcl.InitialPos)
		if diags.HasErrors() {
			return nil, diags
		}
		return expr, nil
	default:
		return nil, fmt.Errorf("must be a number or an expression string, got %T", raw)
	}
}
