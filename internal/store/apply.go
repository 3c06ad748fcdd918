package store

import (
	"fmt"
	"sort"
	"time"

	"github.com/specialistvlad/stepgate/internal/model"
)

// NewInstance builds the initial record of an execution of def.
func NewInstance(id model.InstanceID, def *model.Definition, now time.Time) *model.Instance {
	inst := &model.Instance{
		ID:         id,
		Definition: def.Name,
		Digest:     def.Digest,
		Status:     model.InstancePending,
		Steps:      make([]model.StepRecord, len(def.Steps)),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for i, s := range def.Steps {
		inst.Steps[i] = model.StepRecord{ID: s.ID, Name: s.Name, Status: model.StepNotStarted}
	}
	return inst
}

func writable(inst *model.Instance) error {
	if inst.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrInstanceTerminal, inst.ID, inst.Status)
	}
	return nil
}

// ApplyTransition moves one step of inst to status.
func ApplyTransition(inst *model.Instance, id model.StepID, status model.StepStatus, p model.StepPayload, now time.Time) error {
	if err := writable(inst); err != nil {
		return err
	}
	rec := inst.Step(id)
	if rec == nil {
		return fmt.Errorf("%w: instance %s has no step %d", ErrNotFound, inst.ID, id)
	}
	if !rec.Status.CanTransition(status) {
		return fmt.Errorf("%w: step '%s' %s -> %s", ErrIllegalTransition, rec.Name, rec.Status, status)
	}

	switch status {
	case model.StepReady:
		rec.EndedAt = nil
	case model.StepRunning:
		t := now
		rec.StartedAt = &t
		rec.EndedAt = nil
		rec.Error = ""
	case model.StepCompleted, model.StepFailed, model.StepSkipped:
		t := now
		rec.EndedAt = &t
	}
	rec.Status = status

	if p.Risk != nil {
		r := *p.Risk
		rec.Risk = &r
	}
	if p.Attempts > 0 {
		rec.Attempts = p.Attempts
	}
	if p.Output != nil {
		rec.Output = append([]byte(nil), p.Output...)
	}
	if p.Error != "" {
		rec.Error = p.Error
	}
	if p.UnknownSideEffect {
		rec.UnknownSideEffect = true
	}
	inst.UpdatedAt = now
	return nil
}

// ApplyUndo appends rec to inst and assigns its Seq.
func ApplyUndo(inst *model.Instance, rec model.UndoRecord, now time.Time) error {
	if err := writable(inst); err != nil {
		return err
	}
	if inst.Step(rec.Step) == nil {
		return fmt.Errorf("%w: instance %s has no step %d", ErrNotFound, inst.ID, rec.Step)
	}
	rec.Seq = len(inst.Undo) + 1
	rec.Undone = false
	rec.Failed = false
	rec.RecordedAt = now
	inst.Undo = append(inst.Undo, rec)
	if rec.Irreversible {
		inst.Irreversible = append(inst.Irreversible, rec.StepName)
	}
	inst.UpdatedAt = now
	return nil
}

// ApplyApproval inserts or replaces the record of rec.Gate. An auto-approval
// covers only the step that scored below the threshold, so it may be
// replaced by a later request; any other decision is final.
func ApplyApproval(inst *model.Instance, rec model.ApprovalRecord, now time.Time) error {
	if err := writable(inst); err != nil {
		return err
	}
	if rec.Gate == "" {
		return fmt.Errorf("%w: approval record without a gate", ErrIllegalTransition)
	}
	if existing := inst.Approval(rec.Gate); existing != nil {
		if existing.Status.Resolved() && existing.Status != model.ApprovalAutoApproved {
			return fmt.Errorf("%w: gate '%s' is %s", model.ErrGateAlreadyResolved, rec.Gate, existing.Status)
		}
		*existing = rec
	} else {
		inst.Approvals = append(inst.Approvals, rec)
	}
	inst.UpdatedAt = now
	return nil
}

// ApplyStatus moves inst to status.
func ApplyStatus(inst *model.Instance, status model.InstanceStatus, reason string, now time.Time) error {
	if err := writable(inst); err != nil {
		return err
	}
	if !inst.Status.CanTransition(status) {
		return fmt.Errorf("%w: instance %s -> %s", ErrIllegalTransition, inst.Status, status)
	}
	inst.Status = status
	if reason != "" {
		inst.Reason = reason
	}
	inst.UpdatedAt = now
	return nil
}

// ApplyUndone records the outcome of undoing record seq. A successful undo
// of a Completed step also moves the step to RolledBack.
func ApplyUndone(inst *model.Instance, seq int, failure *model.RollbackFailure, now time.Time) error {
	if err := writable(inst); err != nil {
		return err
	}
	if inst.Status != model.InstanceRollingBack {
		return fmt.Errorf("%w: undo recorded while instance is %s", ErrIllegalTransition, inst.Status)
	}
	if seq < 1 || seq > len(inst.Undo) {
		return fmt.Errorf("%w: instance %s has no undo record %d", ErrNotFound, inst.ID, seq)
	}
	rec := &inst.Undo[seq-1]
	if rec.Undone {
		return fmt.Errorf("%w: undo record %d already attempted", ErrIllegalTransition, seq)
	}
	rec.Undone = true
	if failure != nil {
		rec.Failed = true
		f := *failure
		f.Seq = seq
		if f.At.IsZero() {
			f.At = now
		}
		inst.RollbackFailures = append(inst.RollbackFailures, f)
	} else if step := inst.Step(rec.Step); step != nil && step.Status == model.StepCompleted {
		step.Status = model.StepRolledBack
	}
	inst.UpdatedAt = now
	return nil
}

// SortSummaries orders summaries most recently created first.
func SortSummaries(out []model.InstanceSummary) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
}
