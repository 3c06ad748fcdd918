package hcl_adapter

import (
	"context"
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/specialistvlad/stepgate/internal/config"
	"github.com/specialistvlad/stepgate/internal/ctxlog"
	"github.com/zclconf/go-cty/cty"
)

// translateStep converts the HCL-specific step schema into the agnostic model.
func (l *Loader) translateStep(ctx context.Context, s *stepBlock) (*config.Step, error) {
	logger := ctxlog.FromContext(ctx).With("step", s.Name)
	ctx = ctxlog.WithLogger(ctx, logger)
	logger.Debug("Translating HCL step to internal config model.")

	step := &config.Step{
		Name:           s.Name,
		DependsOn:      s.DependsOn,
		TimeoutSeconds: s.TimeoutSeconds,
		Optional:       s.Optional,
		Idempotent:     s.Idempotent,
	}
	if s.Retry != nil {
		step.Retry = &config.Retry{MaxAttempts: s.Retry.MaxAttempts, BackoffMS: s.Retry.BackoffMS}
	}

	if s.Operation != nil {
		params, err := evalParams(s.Operation.Body)
		if err != nil {
			return nil, fmt.Errorf("step '%s' operation '%s': %w", s.Name, s.Operation.Type, err)
		}
		step.Operation = &config.Operation{Type: s.Operation.Type, Params: params}
	}

	if isExprDefined(ctx, s.RiskFactors, "risk_factors") {
		factors, err := splitRiskFactors(s.RiskFactors)
		if err != nil {
			return nil, fmt.Errorf("step '%s' risk_factors: %w", s.Name, err)
		}
		step.RiskFactors = factors
	}
	return step, nil
}

func (l *Loader) translateGate(g *gateBlock) *config.Gate {
	return &config.Gate{
		ID:             g.ID,
		Steps:          g.Steps,
		RiskThreshold:  g.RiskThreshold,
		TimeoutPolicy:  g.TimeoutPolicy,
		TimeoutSeconds: g.TimeoutSeconds,
	}
}

// evalParams evaluates every attribute of an operation body. Parameters are
// static: they may not reference variables.
func evalParams(body hcl.Body) (map[string]cty.Value, error) {
	attrs, diags := body.JustAttributes()
	if diags.HasErrors() {
		return nil, diags
	}
	params := make(map[string]cty.Value, len(attrs))
	for name, attr := range attrs {
		val, diags := attr.Expr.Value(nil)
		if diags.HasErrors() {
			return nil, fmt.Errorf("parameter '%s': %w", name, diags)
		}
		params[name] = val
	}
	return params, nil
}

// splitRiskFactors breaks an object constructor into one expression per
// factor, so that each factor is evaluated on its own later.
func splitRiskFactors(expr hcl.Expression) (map[string]hcl.Expression, error) {
	pairs, diags := hcl.ExprMap(expr)
	if diags.HasErrors() {
		return nil, diags
	}
	factors := make(map[string]hcl.Expression, len(pairs))
	for _, pair := range pairs {
		key, diags := pair.Key.Value(nil)
		if diags.HasErrors() {
			return nil, diags
		}
		if key.Type() != cty.String || key.IsNull() {
			return nil, fmt.Errorf("factor names must be strings, got %s", key.Type().FriendlyName())
		}
		name := key.AsString()
		if _, dup := factors[name]; dup {
			return nil, fmt.Errorf("duplicate factor '%s'", name)
		}
		factors[name] = pair.Value
	}
	return factors, nil
}
