package risk

import (
	"encoding/json"
	"math/rand"
	"testing"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/specialistvlad/stepgate/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func expr(t *testing.T, src string) hcl.Expression {
	t.Helper()
	e, diags := hclsyntax.ParseExpression([]byte(src), "test.hcl", hcl.InitialPos)
	require.False(t, diags.HasErrors(), diags.Error())
	return e
}

func TestNew_RejectsNegativeWeights(t *testing.T) {
	_, err := New(Weights{"a": 0.5, "b": -0.1})
	assert.ErrorContains(t, err, "risk weight 'b' is negative")
}

func TestScore(t *testing.T) {
	s, err := New(DefaultWeights())
	require.NoError(t, err)

	tests := []struct {
		name    string
		factors map[string]float64
		want    float64
	}{
		{"no factors", nil, 0},
		{"single factor", map[string]float64{"file_modification": 1}, 0.4},
		{"weighted sum", map[string]float64{"file_modification": 0.5, "command_execution": 1}, 0.5},
		{"negative values count as zero", map[string]float64{"data_changes": -3, "command_execution": 1}, 0.3},
		{"unweighted factors are ignored", map[string]float64{"vibes": 100}, 0},
		{"clamped to one", map[string]float64{"file_modification": 2, "command_execution": 2, "data_changes": 2}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, s.Score(tt.factors), 1e-9)
		})
	}
}

// Raising any factor never lowers the score, and the score always stays
// within [0,1].
func TestScore_MonotonicAndBounded(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	names := []string{"file_modification", "command_execution", "data_changes", "unweighted"}

	for round := 0; round < 200; round++ {
		weights := Weights{}
		for _, n := range names[:3] {
			weights[n] = rng.Float64() * 2
		}
		s, err := New(weights)
		require.NoError(t, err)

		factors := map[string]float64{}
		for _, n := range names {
			factors[n] = rng.Float64()*4 - 2
		}
		before := s.Score(factors)
		require.GreaterOrEqual(t, before, 0.0)
		require.LessOrEqual(t, before, 1.0)

		bumped := map[string]float64{}
		for k, v := range factors {
			bumped[k] = v
		}
		bumped[names[rng.Intn(len(names))]] += rng.Float64() * 3
		after := s.Score(bumped)

		assert.GreaterOrEqual(t, after, before)
		assert.LessOrEqual(t, after, 1.0)
	}
}

func TestEvaluate(t *testing.T) {
	step := &model.Step{
		Name: "deploy",
		RiskFactors: model.RiskFactors{
			"command_execution": expr(t, "0.5"),
			"data_changes":      expr(t, "step.test.output.failed > 0 ? 1 : 0.25"),
			"file_modification": expr(t, `length(step.build.output.stdout) > 3 ? "0.75" : 0`),
		},
	}

	t.Run("resolves against completed outputs", func(t *testing.T) {
		outputs := Outputs{
			"test":  json.RawMessage(`{"passed": true, "failed": 0}`),
			"build": json.RawMessage(`{"exit_code": 0, "stdout": "ok"}`),
		}
		// length() is not in the evaluation context, so that factor fails.
		_, err := Evaluate(step, outputs)
		var unresolved *UnresolvedFactorError
		require.ErrorAs(t, err, &unresolved)
		assert.Equal(t, "file_modification", unresolved.Factor)

		delete(step.RiskFactors, "file_modification")
		factors, err := Evaluate(step, outputs)
		require.NoError(t, err)
		assert.InDelta(t, 0.5, factors["command_execution"], 1e-9)
		assert.InDelta(t, 0.25, factors["data_changes"], 1e-9)
	})

	t.Run("missing output is unresolved", func(t *testing.T) {
		_, err := Evaluate(step, Outputs{})
		var unresolved *UnresolvedFactorError
		require.ErrorAs(t, err, &unresolved)
		assert.Equal(t, "data_changes", unresolved.Factor)
	})

	t.Run("strings convert to numbers", func(t *testing.T) {
		s := &model.Step{Name: "x", RiskFactors: model.RiskFactors{"data_changes": expr(t, `"0.6"`)}}
		factors, err := Evaluate(s, nil)
		require.NoError(t, err)
		assert.InDelta(t, 0.6, factors["data_changes"], 1e-9)
	})

	t.Run("non-numbers are rejected", func(t *testing.T) {
		s := &model.Step{Name: "x", RiskFactors: model.RiskFactors{"data_changes": expr(t, `"high"`)}}
		_, err := Evaluate(s, nil)
		assert.ErrorContains(t, err, "risk factor 'data_changes' of step 'x'")
	})
}

func TestScoreWorkflow(t *testing.T) {
	s, err := New(DefaultWeights())
	require.NoError(t, err)

	def := &model.Definition{Steps: []*model.Step{
		{Name: "build", RiskFactors: model.RiskFactors{"command_execution": expr(t, "0.5")}},
		{Name: "migrate", RiskFactors: model.RiskFactors{"data_changes": expr(t, "1")}},
		{Name: "deploy", RiskFactors: model.RiskFactors{"data_changes": expr(t, "step.migrate.output.rows")}},
		{Name: "noop"},
	}}

	ws := s.ScoreWorkflow(def, nil)
	assert.InDelta(t, 0.3, ws.Score, 1e-9, "workflow score is the max over steps")
	assert.Equal(t, []string{"deploy"}, ws.Unresolved)
	assert.InDelta(t, 0.15, ws.Steps["build"], 1e-9)
	assert.Zero(t, ws.Steps["noop"])

	ws = s.ScoreWorkflow(def, Outputs{"migrate": json.RawMessage(`{"rows": 0.5}`)})
	assert.Empty(t, ws.Unresolved)
	assert.InDelta(t, 0.15, ws.Steps["deploy"], 1e-9)
}
