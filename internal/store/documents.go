package store

import (
	"context"
	"time"

	"github.com/specialistvlad/stepgate/internal/model"
)

// Backend persists whole instance documents. It is what a storage engine
// has to provide; Documents layers the Store contract on top.
type Backend interface {
	// Insert persists a new instance, failing with ErrExists if the id is
	// taken.
	Insert(ctx context.Context, inst *model.Instance) error
	// Get returns a private copy of the instance or ErrNotFound.
	Get(ctx context.Context, id model.InstanceID) (*model.Instance, error)
	// Update loads the instance, applies fn to a private copy and persists
	// the result, all while holding the instance exclusively. If fn fails
	// nothing is persisted and its error is returned unchanged.
	Update(ctx context.Context, id model.InstanceID, fn func(*model.Instance) error) error
	// Summaries lists every stored instance in any order.
	Summaries(ctx context.Context) ([]model.InstanceSummary, error)
}

// Documents implements Store over a Backend.
type Documents struct {
	backend Backend
	now     func() time.Time
}

var _ Store = (*Documents)(nil)

// Option configures Documents.
type Option func(*Documents)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Documents) { d.now = now }
}

// NewDocuments returns a Store backed by b.
func NewDocuments(b Backend, opts ...Option) *Documents {
	d := &Documents{backend: b, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Documents) Create(ctx context.Context, def *model.Definition) (model.InstanceID, error) {
	id := NewInstanceID()
	if err := d.backend.Insert(ctx, NewInstance(id, def, d.now())); err != nil {
		return "", err
	}
	return id, nil
}

func (d *Documents) Load(ctx context.Context, id model.InstanceID) (*model.Instance, error) {
	return d.backend.Get(ctx, id)
}

func (d *Documents) Transition(ctx context.Context, id model.InstanceID, step model.StepID, status model.StepStatus, p model.StepPayload) error {
	return d.backend.Update(ctx, id, func(inst *model.Instance) error {
		return ApplyTransition(inst, step, status, p, d.now())
	})
}

func (d *Documents) RecordUndo(ctx context.Context, id model.InstanceID, rec model.UndoRecord) error {
	return d.backend.Update(ctx, id, func(inst *model.Instance) error {
		return ApplyUndo(inst, rec, d.now())
	})
}

func (d *Documents) RecordApproval(ctx context.Context, id model.InstanceID, rec model.ApprovalRecord) error {
	return d.backend.Update(ctx, id, func(inst *model.Instance) error {
		return ApplyApproval(inst, rec, d.now())
	})
}

func (d *Documents) SetStatus(ctx context.Context, id model.InstanceID, status model.InstanceStatus, reason string) error {
	return d.backend.Update(ctx, id, func(inst *model.Instance) error {
		return ApplyStatus(inst, status, reason, d.now())
	})
}

func (d *Documents) MarkUndone(ctx context.Context, id model.InstanceID, seq int, failure *model.RollbackFailure) error {
	return d.backend.Update(ctx, id, func(inst *model.Instance) error {
		return ApplyUndone(inst, seq, failure, d.now())
	})
}

func (d *Documents) List(ctx context.Context) ([]model.InstanceSummary, error) {
	out, err := d.backend.Summaries(ctx)
	if err != nil {
		return nil, err
	}
	SortSummaries(out)
	return out, nil
}
