package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/specialistvlad/stepgate/internal/ctxlog"
	"github.com/specialistvlad/stepgate/internal/event"
	"github.com/specialistvlad/stepgate/internal/executor"
	"github.com/specialistvlad/stepgate/internal/model"
	"github.com/specialistvlad/stepgate/internal/risk"
)

type stepResult struct {
	id  model.StepID
	out executor.Outcome
}

type approvalResult struct {
	gate   string
	status model.ApprovalStatus
	err    error
}

// run is the scheduling state of one instance. Only the drive goroutine
// touches its fields, except for abort.
type run struct {
	e      *Engine
	def    *model.Definition
	id     model.InstanceID
	logger *slog.Logger

	status  model.InstanceStatus
	steps   []model.StepStatus
	risks   []float64
	outputs risk.Outputs
	// gates holds human and timeout decisions, which apply to every step
	// of the gate. Auto-approvals cover one step only and live in auto.
	gates   map[string]model.ApprovalStatus
	auto    map[gateStep]bool
	waiting map[string]bool

	// ctx is cancelled when the instance fails or halts, which stops
	// running steps and approval waits.
	ctx       context.Context
	cancel    context.CancelFunc
	results   chan stepResult
	decisions chan approvalResult
	running   int
	failure   error
	unknown   []model.StepID

	abortOnce sync.Once
	abort     chan struct{}
}

type gateStep struct {
	gate string
	step model.StepID
}

func newRun(parent context.Context, e *Engine, def *model.Definition, inst *model.Instance) *run {
	ctx, cancel := context.WithCancel(parent)
	r := &run{
		e:         e,
		def:       def,
		id:        inst.ID,
		logger:    ctxlog.FromContext(parent),
		status:    inst.Status,
		steps:     make([]model.StepStatus, len(def.Steps)),
		risks:     make([]float64, len(def.Steps)),
		outputs:   make(risk.Outputs),
		gates:     make(map[string]model.ApprovalStatus),
		auto:      make(map[gateStep]bool),
		waiting:   make(map[string]bool),
		ctx:       ctx,
		cancel:    cancel,
		results:   make(chan stepResult, len(def.Steps)),
		decisions: make(chan approvalResult, len(def.Gates)),
		abort:     make(chan struct{}),
	}
	for i, rec := range inst.Steps {
		r.steps[i] = rec.Status
		if rec.Risk != nil {
			r.risks[i] = *rec.Risk
		}
		if rec.Status == model.StepCompleted && rec.Output != nil {
			r.outputs[rec.Name] = rec.Output
		}
		if rec.Status == model.StepRunning {
			r.unknown = append(r.unknown, rec.ID)
		}
		if rec.Status == model.StepFailed && r.failure == nil {
			r.failure = fmt.Errorf("step '%s' failed: %s", rec.Name, rec.Error)
		}
	}
	for _, a := range inst.Approvals {
		switch {
		case a.Status == model.ApprovalAutoApproved:
			if step, ok := def.StepByName(a.Step); ok {
				r.auto[gateStep{a.Gate, step.ID}] = true
			}
		case a.Status.Resolved():
			r.gates[a.Gate] = a.Status
		}
	}
	return r
}

func (r *run) requestAbort() {
	r.abortOnce.Do(func() { close(r.abort) })
}

func storageErr(op string, err error) error {
	var se *model.StorageError
	if errors.As(err, &se) {
		return err
	}
	return &model.StorageError{Op: op, Err: err}
}

func (r *run) publish(t event.Type, step string, payload map[string]any) {
	r.e.events.Publish(event.Event{Type: t, Instance: r.id, Step: step, Payload: payload})
}

// drive runs the scheduling loop until the instance is final or halted.
func (r *run) drive(parent context.Context) (*model.Instance, error) {
	defer r.cancel()

	if r.status != model.InstanceRunning {
		if err := r.setStatus(model.InstanceRunning, ""); err != nil {
			return nil, r.halt(err)
		}
	}
	if err := r.requeueInterrupted(); err != nil {
		return nil, r.halt(err)
	}
	if r.failure != nil {
		r.cancel()
	}

	abort := r.abort
	for {
		if err := r.advance(); err != nil {
			return nil, r.halt(err)
		}
		if r.failure != nil && r.running == 0 {
			return r.fail(parent)
		}
		if r.failure == nil && r.allDone() {
			return r.complete()
		}
		if r.failure == nil && r.running == 0 && len(r.waiting) == 0 {
			return nil, r.halt(errors.New("no step can make progress"))
		}

		select {
		case res := <-r.results:
			r.running--
			if err := parent.Err(); err != nil {
				return nil, r.halt(err)
			}
			if err := r.onStepResult(res); err != nil {
				return nil, r.halt(err)
			}
		case d := <-r.decisions:
			delete(r.waiting, d.gate)
			if err := r.onDecision(d); err != nil {
				return nil, r.halt(err)
			}
		case <-abort:
			abort = nil
			r.logger.Warn("Abort requested.")
			r.setFailure(model.ErrAborted)
		case <-parent.Done():
			return nil, r.halt(parent.Err())
		}
	}
}

// requeueInterrupted settles steps a previous process left Running.
func (r *run) requeueInterrupted() error {
	for _, id := range r.unknown {
		step := r.def.Step(id)
		if step.Operation.RetrySafe() {
			r.logger.Info("Re-queueing interrupted step.", "step", step.Name)
			if err := r.transition(id, model.StepReady, model.StepPayload{}); err != nil {
				return err
			}
			continue
		}
		r.logger.Error("Interrupted step may have applied side effects.", "step", step.Name)
		err := &model.StepExecutionError{Step: step.Name, Err: model.ErrUnknownSideEffect}
		if err := r.transition(id, model.StepFailed, model.StepPayload{Error: err.Error(), UnknownSideEffect: true}); err != nil {
			return err
		}
		r.publish(event.StepFailed, step.Name, map[string]any{"error": err.Error(), "unknown_side_effect": true})
		r.setFailure(err)
	}
	r.unknown = nil
	return nil
}

func (r *run) setFailure(err error) {
	if r.failure == nil {
		r.failure = err
		r.logger.Error("Instance failing.", "error", err)
	}
	r.cancel()
}

func (r *run) transition(id model.StepID, status model.StepStatus, p model.StepPayload) error {
	if err := r.e.store.Transition(r.ctxWrite(), r.id, id, status, p); err != nil {
		return storageErr("transition step", err)
	}
	r.steps[id] = status
	return nil
}

func (r *run) setStatus(status model.InstanceStatus, reason string) error {
	if err := r.e.store.SetStatus(r.ctxWrite(), r.id, status, reason); err != nil {
		return storageErr("set status", err)
	}
	r.status = status
	return nil
}

// ctxWrite is the context for store writes. Writes must not be abandoned
// because the run context was cancelled by a failure.
func (r *run) ctxWrite() context.Context {
	return context.WithoutCancel(r.ctx)
}

func (r *run) allDone() bool {
	for _, st := range r.steps {
		if st != model.StepCompleted && st != model.StepSkipped {
			return false
		}
	}
	return true
}

func (r *run) onStepResult(res stepResult) error {
	step := r.def.Step(res.id)
	out := res.out
	if out.Err == nil {
		if out.Undo != nil {
			if err := r.e.store.RecordUndo(r.ctxWrite(), r.id, *out.Undo); err != nil {
				return storageErr("record undo", err)
			}
		}
		if err := r.transition(res.id, model.StepCompleted, model.StepPayload{Output: out.Output, Attempts: out.Attempts}); err != nil {
			return err
		}
		r.outputs[step.Name] = out.Output
		r.logger.Info("✅ Step completed.", "step", step.Name, "attempts", out.Attempts, "duration", out.Duration)
		r.publish(event.StepCompleted, step.Name, map[string]any{"attempts": out.Attempts, "duration_ms": out.Duration.Milliseconds()})
		return nil
	}

	err := r.transition(res.id, model.StepFailed, model.StepPayload{
		Output:            out.Output,
		Error:             out.Err.Error(),
		Attempts:          out.Attempts,
		UnknownSideEffect: out.UnknownSideEffect,
	})
	if err != nil {
		return err
	}
	r.logger.Error("❌ Step failed.", "step", step.Name, "attempts", out.Attempts, "error", out.Err)
	r.publish(event.StepFailed, step.Name, map[string]any{"error": out.Err.Error(), "unknown_side_effect": out.UnknownSideEffect})
	r.setFailure(out.Err)
	return nil
}

func (r *run) onDecision(d approvalResult) error {
	if d.err != nil {
		if r.failure != nil && errors.Is(d.err, context.Canceled) {
			return nil
		}
		if errors.Is(d.err, model.ErrStorage) {
			return d.err
		}
		r.setFailure(fmt.Errorf("gate '%s': %w", d.gate, d.err))
		return nil
	}
	r.gates[d.gate] = d.status
	r.logger.Info("Gate decided.", "gate", d.gate, "status", d.status)
	r.publish(event.ApprovalResolved, "", map[string]any{"gate": d.gate, "status": string(d.status)})
	return nil
}

// fail records the failure and hands the instance to the rollback
// coordinator.
func (r *run) fail(parent context.Context) (*model.Instance, error) {
	reason := r.failure.Error()
	if err := r.setStatus(model.InstanceFailed, reason); err != nil {
		return nil, r.halt(err)
	}
	r.e.metrics.InstanceFinished(string(model.InstanceFailed))
	r.publish(event.InstanceFailed, "", map[string]any{"reason": reason})
	return r.e.rollbackInstance(parent, r.id)
}

func (r *run) complete() (*model.Instance, error) {
	if err := r.setStatus(model.InstanceCompleted, ""); err != nil {
		return nil, r.halt(err)
	}
	r.logger.Info("✅ Instance completed.")
	r.e.metrics.InstanceFinished(string(model.InstanceCompleted))
	r.publish(event.InstanceCompleted, "", nil)
	inst, err := r.e.store.Load(r.ctxWrite(), r.id)
	if err != nil {
		return nil, storageErr("load instance", err)
	}
	return inst, nil
}

// halt stops the loop without further writes. In-flight steps are
// cancelled and waited for; their results are discarded and the steps stay
// Running in the store for Resume to settle.
func (r *run) halt(err error) error {
	r.cancel()
	r.logger.Error("Instance halted.", "error", err, "inFlight", r.running)
	for r.running > 0 {
		<-r.results
		r.running--
	}
	return &HaltedError{Instance: r.id, Err: err}
}
