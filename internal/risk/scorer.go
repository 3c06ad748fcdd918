// Package risk computes bounded risk scores for steps and workflows from
// weighted factors.
//
// A factor's value comes from an HCL expression declared on the step. The
// expression may reference the output of any completed step as
// step.<name>.output.<attr>, so scores are computed right before a step is
// scheduled rather than at compile time.
package risk

import (
	"fmt"
	"sort"

	"github.com/specialistvlad/stepgate/internal/model"
)

// Weights maps a factor name to its weight.
type Weights map[string]float64

// DefaultWeights returns the weights used when none are configured.
func DefaultWeights() Weights {
	return Weights{
		"file_modification": 0.4,
		"command_execution": 0.3,
		"data_changes":      0.3,
	}
}

// Scorer turns factor values into a score in [0,1]. It is immutable and
// safe for concurrent use.
type Scorer struct {
	weights Weights
}

// New returns a scorer for the given weights. Negative weights are
// rejected.
func New(weights Weights) (*Scorer, error) {
	w := make(Weights, len(weights))
	for name, v := range weights {
		if v < 0 {
			return nil, fmt.Errorf("risk weight '%s' is negative: %v", name, v)
		}
		w[name] = v
	}
	return &Scorer{weights: w}, nil
}

// Score is the weighted sum of the factor values, clamped to [0,1].
// Negative values count as zero and factors without a weight are ignored.
func (s *Scorer) Score(factors map[string]float64) float64 {
	var total float64
	for name, v := range factors {
		w, ok := s.weights[name]
		if !ok || v <= 0 {
			continue
		}
		total += w * v
	}
	return clamp(total)
}

// ScoreStep evaluates the step's factors against outputs and scores them.
func (s *Scorer) ScoreStep(step *model.Step, outputs Outputs) (float64, error) {
	factors, err := Evaluate(step, outputs)
	if err != nil {
		return 0, err
	}
	return s.Score(factors), nil
}

// WorkflowScore is the risk of a whole definition at one point in time.
type WorkflowScore struct {
	// Score is the highest score among the steps that could be evaluated.
	Score float64
	// Steps holds the score of every evaluated step, by name.
	Steps map[string]float64
	// Unresolved lists steps whose factors reference outputs that do not
	// exist yet.
	Unresolved []string
}

// ScoreWorkflow scores every step that can be evaluated with the given
// outputs.
func (s *Scorer) ScoreWorkflow(def *model.Definition, outputs Outputs) WorkflowScore {
	ws := WorkflowScore{Steps: make(map[string]float64, len(def.Steps))}
	for _, step := range def.Steps {
		score, err := s.ScoreStep(step, outputs)
		if err != nil {
			ws.Unresolved = append(ws.Unresolved, step.Name)
			continue
		}
		ws.Steps[step.Name] = score
		if score > ws.Score {
			ws.Score = score
		}
	}
	sort.Strings(ws.Unresolved)
	return ws
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
