package dag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/specialistvlad/stepgate/internal/config"
	"github.com/specialistvlad/stepgate/internal/ctxlog"
	"github.com/specialistvlad/stepgate/internal/hclutil"
	"github.com/specialistvlad/stepgate/internal/model"
)

// Compile validates wf and builds its immutable Definition.
func Compile(ctx context.Context, wf *config.Workflow) (*model.Definition, error) {
	logger := ctxlog.FromContext(ctx).With("workflow", wf.Name)
	logger.Debug("Compiling workflow.", "steps", len(wf.Steps), "gates", len(wf.Gates))

	if len(wf.Steps) == 0 {
		return nil, definitionError("workflow declares no steps")
	}

	names := make([]string, len(wf.Steps))
	index := make(map[string]model.StepID, len(wf.Steps))
	for i, s := range wf.Steps {
		if s.Name == "" {
			return nil, definitionError("step #%d has no name", i+1)
		}
		if _, dup := index[s.Name]; dup {
			return nil, definitionError("duplicate step '%s'", s.Name)
		}
		index[s.Name] = model.StepID(i)
		names[i] = s.Name
	}

	def := &model.Definition{Name: wf.Name, Steps: make([]*model.Step, len(wf.Steps))}
	g := New(names)

	for i, s := range wf.Steps {
		step, err := compileStep(model.StepID(i), s)
		if err != nil {
			return nil, err
		}
		for _, depName := range s.DependsOn {
			dep, ok := index[depName]
			if !ok {
				return nil, &UnknownDependencyError{Step: s.Name, Missing: depName}
			}
			if int(dep) == i {
				return nil, &CyclicDependencyError{Cycle: []string{s.Name, s.Name}}
			}
			if err := g.AddEdge(int(dep), i); err != nil {
				return nil, definitionError("%v", err)
			}
		}
		def.Steps[i] = step
	}

	if err := g.DetectCycles(); err != nil {
		return nil, err
	}

	for layerNum, layer := range g.Layers() {
		ids := make([]model.StepID, len(layer))
		for j, n := range layer {
			ids[j] = model.StepID(n)
			def.Steps[n].Layer = layerNum
		}
		def.Layers = append(def.Layers, ids)
	}
	for i, step := range def.Steps {
		step.DependsOn = toStepIDs(g.Dependencies(i))
		step.Dependents = toStepIDs(g.Dependents(i))
	}

	if err := checkRiskReferences(def, index); err != nil {
		return nil, err
	}

	if err := compileGates(def, wf.Gates, index); err != nil {
		return nil, err
	}

	def.Digest = wf.Digest
	if def.Digest == "" {
		def.Digest = structuralDigest(def)
	}

	logger.Debug("Workflow compiled.", "layers", len(def.Layers), "digest", def.Digest)
	return def, nil
}

func compileStep(id model.StepID, s *config.Step) (*model.Step, error) {
	op, err := decodeOperation(s)
	if err != nil {
		return nil, err
	}
	step := &model.Step{
		ID:          id,
		Name:        s.Name,
		Operation:   op,
		RiskFactors: s.RiskFactors,
		Optional:    s.Optional,
	}
	if s.TimeoutSeconds < 0 {
		return nil, definitionError("step '%s' has a negative timeout", s.Name)
	}
	step.Timeout = time.Duration(s.TimeoutSeconds) * time.Second
	if s.Retry != nil {
		if s.Retry.MaxAttempts < 0 || s.Retry.BackoffMS < 0 {
			return nil, definitionError("step '%s' has a negative retry setting", s.Name)
		}
		step.Retry = model.RetryPolicy{
			MaxAttempts: s.Retry.MaxAttempts,
			Backoff:     time.Duration(s.Retry.BackoffMS) * time.Millisecond,
		}
	}
	return step, nil
}

// checkRiskReferences requires every step a risk factor reads to be an
// ancestor, so its output exists when the factor is evaluated.
func checkRiskReferences(def *model.Definition, index map[string]model.StepID) error {
	for _, step := range def.Steps {
		factors := make([]string, 0, len(step.RiskFactors))
		for f := range step.RiskFactors {
			factors = append(factors, f)
		}
		sort.Strings(factors)
		for _, f := range factors {
			for _, ref := range hclutil.StepReferences(step.RiskFactors[f]) {
				id, ok := index[ref.Step]
				if !ok || !isUpstream(def, id, step.ID) {
					return &RiskReferenceError{Step: step.Name, Factor: f, Reference: ref.Path, Unknown: !ok}
				}
			}
		}
	}
	return nil
}

func isUpstream(def *model.Definition, ancestor, id model.StepID) bool {
	for _, d := range def.Downstream(ancestor) {
		if d == id {
			return true
		}
	}
	return false
}

func compileGates(def *model.Definition, gates []*config.Gate, index map[string]model.StepID) error {
	seen := make(map[string]bool, len(gates))
	for _, g := range gates {
		if g.ID == "" {
			return definitionError("approval gate has no id")
		}
		if seen[g.ID] {
			return definitionError("duplicate approval gate '%s'", g.ID)
		}
		seen[g.ID] = true

		if len(g.Steps) == 0 {
			return definitionError("approval gate '%s' guards no steps", g.ID)
		}
		if g.RiskThreshold != nil && (*g.RiskThreshold < 0 || *g.RiskThreshold > 1) {
			return definitionError("approval gate '%s' has risk_threshold %v outside [0,1]", g.ID, *g.RiskThreshold)
		}
		policy := model.TimeoutPolicy(g.TimeoutPolicy)
		if !policy.Valid() {
			return definitionError("approval gate '%s' has unknown timeout_policy '%s'", g.ID, g.TimeoutPolicy)
		}
		if g.TimeoutSeconds < 0 {
			return definitionError("approval gate '%s' has a negative timeout", g.ID)
		}

		gate := &model.ApprovalGate{
			ID:            g.ID,
			TimeoutPolicy: policy,
			Timeout:       time.Duration(g.TimeoutSeconds) * time.Second,
		}
		if g.RiskThreshold != nil {
			th := *g.RiskThreshold
			gate.Threshold = &th
		}
		for _, name := range g.Steps {
			id, ok := index[name]
			if !ok {
				return &UnknownGateStepError{Gate: g.ID, Missing: name}
			}
			gate.Steps = append(gate.Steps, id)
			def.Steps[id].Gates = append(def.Steps[id].Gates, g.ID)
		}
		sort.Slice(gate.Steps, func(i, j int) bool { return gate.Steps[i] < gate.Steps[j] })
		def.Gates = append(def.Gates, gate)
	}
	return nil
}

// structuralDigest identifies a definition that was not loaded from files.
// Risk factor expressions contribute only their names.
func structuralDigest(def *model.Definition) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", def.Name)
	for _, s := range def.Steps {
		factors := make([]string, 0, len(s.RiskFactors))
		for f := range s.RiskFactors {
			factors = append(factors, f)
		}
		sort.Strings(factors)
		fmt.Fprintf(&b, "%s|%v|%s|%+v|%+v|%+v|%+v|%+v|%v|%s|%v|%v\n",
			s.Name, s.DependsOn, s.Operation.Kind, s.Operation.Command, s.Operation.File,
			s.Operation.Test, s.Operation.Generate, s.Retry, s.Optional, s.Timeout, s.Operation.Idempotent, factors)
	}
	for _, g := range def.Gates {
		th := "-"
		if g.Threshold != nil {
			th = fmt.Sprint(*g.Threshold)
		}
		fmt.Fprintf(&b, "gate|%s|%v|%s|%s|%s\n", g.ID, g.Steps, th, g.TimeoutPolicy, g.Timeout)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func toStepIDs(in []int) []model.StepID {
	out := make([]model.StepID, len(in))
	for i, n := range in {
		out[i] = model.StepID(n)
	}
	return out
}
