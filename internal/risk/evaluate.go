package risk

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/specialistvlad/stepgate/internal/model"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// Outputs holds the JSON output of completed steps, by step name.
type Outputs map[string]json.RawMessage

// UnresolvedFactorError is a factor expression that could not be turned
// into a number.
type UnresolvedFactorError struct {
	Step   string
	Factor string
	Err    error
}

func (e *UnresolvedFactorError) Error() string {
	return fmt.Sprintf("risk factor '%s' of step '%s': %v", e.Factor, e.Step, e.Err)
}

func (e *UnresolvedFactorError) Unwrap() error { return e.Err }

// EvalContext exposes outputs as step.<name>.output.
func EvalContext(outputs Outputs) (*hcl.EvalContext, error) {
	steps := make(map[string]cty.Value, len(outputs))
	for name, raw := range outputs {
		val := cty.EmptyObjectVal
		if len(raw) > 0 {
			ty, err := ctyjson.ImpliedType(raw)
			if err != nil {
				return nil, fmt.Errorf("output of step '%s': %w", name, err)
			}
			if val, err = ctyjson.Unmarshal(raw, ty); err != nil {
				return nil, fmt.Errorf("output of step '%s': %w", name, err)
			}
		}
		steps[name] = cty.ObjectVal(map[string]cty.Value{"output": val})
	}
	vars := map[string]cty.Value{"step": cty.EmptyObjectVal}
	if len(steps) > 0 {
		vars["step"] = cty.ObjectVal(steps)
	}
	return &hcl.EvalContext{Variables: vars}, nil
}

// Evaluate computes the numeric value of every risk factor of step.
func Evaluate(step *model.Step, outputs Outputs) (map[string]float64, error) {
	factors := make(map[string]float64, len(step.RiskFactors))
	if len(step.RiskFactors) == 0 {
		return factors, nil
	}
	evalCtx, err := EvalContext(outputs)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(step.RiskFactors))
	for name := range step.RiskFactors {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		val, diags := step.RiskFactors[name].Value(evalCtx)
		if diags.HasErrors() {
			return nil, &UnresolvedFactorError{Step: step.Name, Factor: name, Err: diags}
		}
		num, err := convert.Convert(val, cty.Number)
		if err != nil {
			return nil, &UnresolvedFactorError{Step: step.Name, Factor: name, Err: err}
		}
		if num.IsNull() || !num.IsKnown() {
			return nil, &UnresolvedFactorError{Step: step.Name, Factor: name, Err: fmt.Errorf("value is not a known number")}
		}
		f, _ := num.AsBigFloat().Float64()
		if math.IsNaN(f) {
			return nil, &UnresolvedFactorError{Step: step.Name, Factor: name, Err: fmt.Errorf("value is NaN")}
		}
		factors[name] = f
	}
	return factors, nil
}
