package rollback

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/specialistvlad/stepgate/internal/ctxlog"
	"github.com/specialistvlad/stepgate/internal/event"
	"github.com/specialistvlad/stepgate/internal/metrics"
	"github.com/specialistvlad/stepgate/internal/model"
	"github.com/specialistvlad/stepgate/internal/store"
)

// ErrNotRollbackable is returned for an instance that has not failed.
var ErrNotRollbackable = errors.New("instance cannot be rolled back")

// Coordinator runs rollbacks. It is safe for concurrent use on different
// instances.
type Coordinator struct {
	store   store.Store
	undoers map[model.UndoKind]Undoer
	events  event.Publisher
	metrics *metrics.Recorder
	now     func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithUndoer registers u for records of kind.
func WithUndoer(kind model.UndoKind, u Undoer) Option {
	return func(c *Coordinator) { c.undoers[kind] = u }
}

// WithEvents publishes InstanceRolledBack.
func WithEvents(p event.Publisher) Option {
	return func(c *Coordinator) { c.events = p }
}

// WithMetrics counts rollback failures.
func WithMetrics(m *metrics.Recorder) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// New returns a coordinator over s. Noop records need no undoer.
func New(s store.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:   s,
		undoers: make(map[model.UndoKind]Undoer),
		events:  event.Discard{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func storageErr(op string, err error) error {
	return &model.StorageError{Op: op, Err: err}
}

// Rollback undoes every completed step of a Failed instance, or continues
// an interrupted rollback, and leaves the instance RolledBack. It ignores
// cancellation of ctx: a started rollback runs to the end. Rolling back an
// instance that is already RolledBack does nothing.
func (c *Coordinator) Rollback(ctx context.Context, id model.InstanceID) (*model.Instance, error) {
	ctx = context.WithoutCancel(ctx)
	ctx, logger := ctxlog.With(ctx, "instance", id)

	inst, err := c.store.Load(ctx, id)
	if err != nil {
		return nil, storageErr("load instance", err)
	}
	switch inst.Status {
	case model.InstanceRolledBack:
		logger.Debug("Instance already rolled back.")
		return inst, nil
	case model.InstanceFailed:
		if err := c.store.SetStatus(ctx, id, model.InstanceRollingBack, ""); err != nil {
			return nil, storageErr("set status", err)
		}
	case model.InstanceRollingBack:
		logger.Info("Continuing interrupted rollback.")
	default:
		return nil, fmt.Errorf("%w: %s is %s", ErrNotRollbackable, id, inst.Status)
	}

	records := append([]model.UndoRecord(nil), inst.Undo...)
	sort.Slice(records, func(i, j int) bool { return records[i].Seq > records[j].Seq })

	logger.Info("⏪ Rolling back.", "records", len(records))
	for _, rec := range records {
		if rec.Undone {
			continue
		}
		rlog := logger.With("seq", rec.Seq, "step", rec.StepName, "kind", rec.Kind)

		var failure *model.RollbackFailure
		if err := c.undo(ctx, rec); err != nil {
			rlog.Error("Undo failed.", "error", err)
			failure = &model.RollbackFailure{Step: rec.StepName, Error: err.Error(), At: c.now()}
			c.metrics.RollbackFailure()
		} else {
			rlog.Debug("Undo applied.")
		}
		if err := c.store.MarkUndone(ctx, id, rec.Seq, failure); err != nil {
			return nil, storageErr("mark undone", err)
		}
	}

	if err := c.store.SetStatus(ctx, id, model.InstanceRolledBack, ""); err != nil {
		return nil, storageErr("set status", err)
	}
	final, err := c.store.Load(ctx, id)
	if err != nil {
		return nil, storageErr("load instance", err)
	}

	if n := len(final.RollbackFailures); n > 0 {
		logger.Warn("Rolled back with failures; manual intervention required.", "failures", n)
	} else {
		logger.Info("✅ Rolled back.")
	}
	c.metrics.InstanceFinished(string(model.InstanceRolledBack))
	c.events.Publish(event.Event{
		Type:     event.InstanceRolledBack,
		Instance: id,
		Payload:  map[string]any{"rollback_failures": len(final.RollbackFailures)},
	})
	return final, nil
}

func (c *Coordinator) undo(ctx context.Context, rec model.UndoRecord) error {
	if rec.Irreversible {
		return fmt.Errorf("step '%s' is not reversible", rec.StepName)
	}
	if rec.Kind == model.UndoNoop {
		return nil
	}
	u, ok := c.undoers[rec.Kind]
	if !ok {
		return fmt.Errorf("no undoer registered for %q", rec.Kind)
	}
	return u.Undo(ctx, rec)
}
