// Package hclutil holds small helpers over HCL expressions.
package hclutil

import (
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclwrite"
)

// TraversalKey generates a stable, canonical string representation for an hcl.Traversal,
// suitable for use as a map key.
func TraversalKey(t hcl.Traversal) string {
	// e.g., step.build.output.exit_code
	return string(hclwrite.TokensForTraversal(t).Bytes())
}

// StepReference is one use of step.<name> inside an expression.
type StepReference struct {
	Step string
	// Path is the full traversal, for messages.
	Path string
}

// StepReferences lists the steps expr reads through the step variable,
// sorted by step name and path. Other variables are ignored.
func StepReferences(expr hcl.Expression) []StepReference {
	if expr == nil {
		return nil
	}
	seen := make(map[string]bool)
	var out []StepReference
	for _, t := range expr.Variables() {
		if t.RootName() != "step" || len(t) < 2 {
			continue
		}
		attr, ok := t[1].(hcl.TraverseAttr)
		if !ok {
			continue
		}
		path := TraversalKey(t)
		if seen[path] {
			continue
		}
		seen[path] = true
		out = append(out, StepReference{Step: attr.Name, Path: path})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Step != out[j].Step {
			return out[i].Step < out[j].Step
		}
		return out[i].Path < out[j].Path
	})
	return out
}
