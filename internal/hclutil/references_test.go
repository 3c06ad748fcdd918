package hclutil

import (
	"testing"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, src string) hcl.Expression {
	t.Helper()
	expr, diags := hclsyntax.ParseExpression([]byte(src), "test.hcl", hcl.Pos{Line: 1, Column: 1})
	require.False(t, diags.HasErrors(), diags.Error())
	return expr
}

func TestTraversalKey(t *testing.T) {
	expr := parse(t, "step.build.output.exit_code")
	require.Len(t, expr.Variables(), 1)
	assert.Equal(t, "step.build.output.exit_code", TraversalKey(expr.Variables()[0]))
}

func TestStepReferences(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want []StepReference
	}{
		{name: "constant", src: "0.5"},
		{name: "other variables", src: "var.x + local.y"},
		{
			name: "deduplicated and sorted",
			src:  "step.test.output.failed > 0 ? step.build.output.exit_code : step.test.output.failed",
			want: []StepReference{
				{Step: "build", Path: "step.build.output.exit_code"},
				{Step: "test", Path: "step.test.output.failed"},
			},
		},
		{name: "bare step variable", src: "step"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, StepReferences(parse(t, tc.src)))
		})
	}
	assert.Nil(t, StepReferences(nil))
}
