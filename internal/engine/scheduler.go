package engine

import (
	"fmt"
	"sort"

	"github.com/specialistvlad/stepgate/internal/approval"
	"github.com/specialistvlad/stepgate/internal/event"
	"github.com/specialistvlad/stepgate/internal/executor"
	"github.com/specialistvlad/stepgate/internal/model"
)

// advance makes every scheduling decision possible without waiting:
// promote steps whose dependencies completed, request approvals, dispatch
// cleared steps and keep the instance status in line with pending gates.
// Once the instance is failing it only skips steps that never started.
func (r *run) advance() error {
	if r.failure == nil {
		if err := r.promote(); err != nil {
			return err
		}
		if err := r.dispatch(); err != nil {
			return err
		}
	}
	if r.failure != nil {
		return r.skipReady()
	}

	want := model.InstanceRunning
	if len(r.waiting) > 0 {
		want = model.InstanceAwaitingApproval
	}
	if want != r.status {
		return r.setStatus(want, "")
	}
	return nil
}

// promote moves NotStarted steps to Ready once all dependencies completed,
// and to Skipped once any dependency was skipped.
func (r *run) promote() error {
	for changed := true; changed; {
		changed = false
		for _, step := range r.def.Steps {
			if r.steps[step.ID] != model.StepNotStarted {
				continue
			}
			ready, skip := true, false
			for _, dep := range step.DependsOn {
				switch r.steps[dep] {
				case model.StepCompleted:
				case model.StepSkipped:
					skip = true
				default:
					ready = false
				}
			}
			switch {
			case skip:
				if err := r.skip(step, "dependency skipped"); err != nil {
					return err
				}
				changed = true
			case ready:
				score := r.score(step)
				if err := r.transition(step.ID, model.StepReady, model.StepPayload{Risk: &score}); err != nil {
					return err
				}
				r.risks[step.ID] = score
				r.logger.Debug("Step ready.", "step", step.Name, "risk", score)
			}
		}
	}
	return nil
}

// score computes the step's risk. A factor that cannot be evaluated makes
// the step maximally risky.
func (r *run) score(step *model.Step) float64 {
	score, err := r.e.scorer.ScoreStep(step, r.outputs)
	if err != nil {
		r.logger.Warn("Risk evaluation failed, treating step as maximum risk.", "step", step.Name, "error", err)
		score = 1
	}
	r.e.metrics.Risk(score)
	return score
}

func (r *run) readySteps() []*model.Step {
	var out []*model.Step
	for _, step := range r.def.Steps {
		if r.steps[step.ID] == model.StepReady {
			out = append(out, step)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Layer != out[j].Layer {
			return out[i].Layer < out[j].Layer
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// dispatch starts every Ready step whose gates are clear, up to the
// concurrency bound.
func (r *run) dispatch() error {
	for _, step := range r.readySteps() {
		clear, err := r.gatesClear(step)
		if err != nil {
			return err
		}
		if r.failure != nil {
			return nil
		}
		if !clear || r.steps[step.ID] != model.StepReady || r.running >= r.e.maxConcurrent {
			continue
		}
		if err := r.start(step); err != nil {
			return err
		}
	}
	return nil
}

// gatesClear reports whether every gate of step granted it, requesting
// decisions for gates nobody asked yet. A refused gate skips an optional
// step and fails any other. While a gate waits for a human, its other
// steps wait too, whatever their risk.
func (r *run) gatesClear(step *model.Step) (bool, error) {
	clear := true
	for _, id := range step.Gates {
		gate, _ := r.def.Gate(id)
		if r.auto[gateStep{id, step.ID}] {
			continue
		}
		status, decided := r.gates[id]
		if !decided && !r.waiting[id] {
			if err := r.requestApproval(step, gate); err != nil {
				return false, err
			}
			if r.auto[gateStep{id, step.ID}] {
				continue
			}
			status, decided = r.gates[id]
		}
		if !decided {
			clear = false
			continue
		}
		if !status.Granted() {
			return false, r.refused(step, id, status)
		}
	}
	return clear, nil
}

func (r *run) requestApproval(step *model.Step, gate *model.ApprovalGate) error {
	req := approval.Request{
		Instance: r.id,
		Workflow: r.def.Name,
		Gate:     gate,
		Step:     step.Name,
		Risk:     r.risks[step.ID],
	}
	if !approval.NeedsApproval(gate, req.Risk) {
		status, err := r.e.approvals.Request(r.ctx, req)
		if err != nil {
			return storageErr("record approval", err)
		}
		if status == model.ApprovalAutoApproved {
			r.auto[gateStep{gate.ID, step.ID}] = true
		} else {
			r.gates[gate.ID] = status
		}
		r.publish(event.ApprovalResolved, step.Name, map[string]any{"gate": gate.ID, "status": string(status)})
		return nil
	}

	r.waiting[gate.ID] = true
	r.publish(event.ApprovalRequested, step.Name, map[string]any{"gate": gate.ID, "risk": req.Risk})
	go func() {
		status, err := r.e.approvals.Request(r.ctx, req)
		r.decisions <- approvalResult{gate: gate.ID, status: status, err: err}
	}()
	return nil
}

func (r *run) refused(step *model.Step, gate string, status model.ApprovalStatus) error {
	cause := model.ErrApprovalDenied
	if status == model.ApprovalTimedOut {
		cause = model.ErrApprovalTimedOut
	}
	err := fmt.Errorf("step '%s' gate '%s': %w", step.Name, gate, cause)
	if step.Optional {
		r.logger.Warn("Gate refused, skipping optional step and its dependents.", "step", step.Name, "gate", gate, "status", status)
		return r.skip(step, err.Error())
	}
	if err := r.transition(step.ID, model.StepFailed, model.StepPayload{Error: err.Error()}); err != nil {
		return err
	}
	r.publish(event.StepFailed, step.Name, map[string]any{"error": err.Error()})
	r.setFailure(err)
	return nil
}

func (r *run) skip(step *model.Step, reason string) error {
	if err := r.transition(step.ID, model.StepSkipped, model.StepPayload{Error: reason}); err != nil {
		return err
	}
	r.e.metrics.StepFinished(string(step.Operation.Kind), "skipped", 0)
	r.logger.Info("⏭️ Step skipped.", "step", step.Name, "reason", reason)
	return nil
}

// skipReady skips Ready steps that were never dispatched because the
// instance is failing.
func (r *run) skipReady() error {
	for _, step := range r.def.Steps {
		if r.steps[step.ID] == model.StepReady {
			if err := r.skip(step, "instance failed"); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *run) start(step *model.Step) error {
	if err := r.transition(step.ID, model.StepRunning, model.StepPayload{}); err != nil {
		return err
	}
	r.running++
	r.logger.Info("▶️ Starting step.", "step", step.Name, "risk", r.risks[step.ID])
	r.publish(event.StepStarted, step.Name, map[string]any{"risk": r.risks[step.ID]})

	env := executor.Env{Instance: r.id, Workflow: r.def.Name}
	go func() {
		r.results <- stepResult{id: step.ID, out: r.e.steps.Execute(r.ctx, step, env)}
	}()
	return nil
}
