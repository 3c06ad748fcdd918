package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/specialistvlad/stepgate/internal/approval"
	"github.com/specialistvlad/stepgate/internal/ctxlog"
	"github.com/specialistvlad/stepgate/internal/event"
	"github.com/specialistvlad/stepgate/internal/executor"
	"github.com/specialistvlad/stepgate/internal/metrics"
	"github.com/specialistvlad/stepgate/internal/model"
	"github.com/specialistvlad/stepgate/internal/risk"
	"github.com/specialistvlad/stepgate/internal/store"
)

var (
	// ErrNotActive is returned by Abort for an instance this engine is not
	// running.
	ErrNotActive = errors.New("instance is not running in this engine")
	// ErrAlreadyActive is returned when an instance is already being driven.
	ErrAlreadyActive = errors.New("instance is already running")
	// ErrDigestMismatch is returned by Resume when the definition changed
	// since the instance was created.
	ErrDigestMismatch = errors.New("workflow definition changed since the instance was created")
)

// HaltedError is returned when an instance stops without reaching a final
// status because its state could not be recorded or the caller went away.
// The stored instance is left as it was and can be resumed.
type HaltedError struct {
	Instance model.InstanceID
	Err      error
}

func (e *HaltedError) Error() string {
	return fmt.Sprintf("instance %s halted: %v", e.Instance, e.Err)
}

func (e *HaltedError) Unwrap() error { return e.Err }

// StepRunner executes a single step.
type StepRunner interface {
	Execute(ctx context.Context, step *model.Step, env executor.Env) executor.Outcome
}

// Approver blocks until a gate is decided.
type Approver interface {
	Request(ctx context.Context, req approval.Request) (model.ApprovalStatus, error)
	// Abandon closes the gates of a failed instance that are still pending.
	Abandon(ctx context.Context, id model.InstanceID) error
}

// RollbackRunner undoes a failed instance.
type RollbackRunner interface {
	Rollback(ctx context.Context, id model.InstanceID) (*model.Instance, error)
}

// Engine runs instances. It is safe for concurrent use; each instance is
// driven by at most one Run or Resume call at a time.
type Engine struct {
	store         store.Store
	steps         StepRunner
	approvals     Approver
	rollback      RollbackRunner
	scorer        *risk.Scorer
	events        event.Publisher
	metrics       *metrics.Recorder
	maxConcurrent int

	mu   sync.Mutex
	runs map[model.InstanceID]*run
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxConcurrentSteps bounds how many steps of one instance run at once.
func WithMaxConcurrentSteps(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxConcurrent = n
		}
	}
}

// WithScorer sets the risk scorer. The default uses risk.DefaultWeights.
func WithScorer(s *risk.Scorer) Option {
	return func(e *Engine) { e.scorer = s }
}

// WithEvents publishes lifecycle events to p.
func WithEvents(p event.Publisher) Option {
	return func(e *Engine) { e.events = p }
}

// WithMetrics records step and instance outcomes.
func WithMetrics(m *metrics.Recorder) Option {
	return func(e *Engine) { e.metrics = m }
}

// New returns an engine.
func New(s store.Store, steps StepRunner, approvals Approver, rollback RollbackRunner, opts ...Option) *Engine {
	e := &Engine{
		store:         s,
		steps:         steps,
		approvals:     approvals,
		rollback:      rollback,
		events:        event.Discard{},
		maxConcurrent: 4,
		runs:          make(map[model.InstanceID]*run),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.scorer == nil {
		e.scorer, _ = risk.New(risk.DefaultWeights())
	}
	return e
}

// Create persists a new Pending instance of def without running it.
func (e *Engine) Create(ctx context.Context, def *model.Definition) (model.InstanceID, error) {
	id, err := e.store.Create(ctx, def)
	if err != nil {
		return "", &model.StorageError{Op: "create instance", Err: err}
	}
	return id, nil
}

// Run creates an instance of def and drives it to a final status. The
// returned instance is Completed or RolledBack; its Reason explains a
// failure.
func (e *Engine) Run(ctx context.Context, def *model.Definition) (*model.Instance, error) {
	id, err := e.Create(ctx, def)
	if err != nil {
		return nil, err
	}
	return e.Resume(ctx, def, id)
}

// Resume drives an existing instance to a final status. It starts Pending
// instances, continues interrupted ones, and finishes interrupted
// rollbacks. Steps found Running are re-queued when they are safe to
// repeat and failed with an unknown side effect otherwise. Final instances
// are returned unchanged.
func (e *Engine) Resume(ctx context.Context, def *model.Definition, id model.InstanceID) (*model.Instance, error) {
	ctx, logger := ctxlog.With(ctx, "instance", id, "workflow", def.Name)

	inst, err := e.store.Load(ctx, id)
	if err != nil {
		return nil, &model.StorageError{Op: "load instance", Err: err}
	}
	if inst.Digest != def.Digest {
		return nil, fmt.Errorf("%w: instance %s", ErrDigestMismatch, id)
	}

	switch inst.Status {
	case model.InstanceCompleted, model.InstanceRolledBack:
		logger.Debug("Instance already finished.", "status", inst.Status)
		return inst, nil
	case model.InstanceFailed, model.InstanceRollingBack:
		return e.rollbackInstance(ctx, id)
	}

	r := newRun(ctx, e, def, inst)
	if err := e.register(r); err != nil {
		return nil, err
	}
	defer e.unregister(r)

	e.metrics.InstanceStarted()
	defer e.metrics.InstanceStopped()
	logger.Info("▶️ Running instance.", "steps", len(def.Steps), "status", inst.Status)
	return r.drive(ctx)
}

func (e *Engine) rollbackInstance(ctx context.Context, id model.InstanceID) (*model.Instance, error) {
	if err := e.approvals.Abandon(ctx, id); err != nil {
		return nil, &HaltedError{Instance: id, Err: err}
	}
	inst, err := e.rollback.Rollback(ctx, id)
	if err != nil {
		if errors.Is(err, model.ErrStorage) {
			return nil, &HaltedError{Instance: id, Err: err}
		}
		return nil, err
	}
	return inst, nil
}

// Abort fails a running instance: running steps are cancelled, pending
// approvals are abandoned, and the instance is rolled back. Abort returns
// immediately; the Run or Resume call driving the instance returns once the
// rollback finished.
func (e *Engine) Abort(id model.InstanceID) error {
	e.mu.Lock()
	r, ok := e.runs[id]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotActive, id)
	}
	r.requestAbort()
	return nil
}

// Active returns the ids of instances currently being driven.
func (e *Engine) Active() []model.InstanceID {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]model.InstanceID, 0, len(e.runs))
	for id := range e.runs {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (e *Engine) register(r *run) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.runs[r.id]; busy {
		return fmt.Errorf("%w: %s", ErrAlreadyActive, r.id)
	}
	e.runs[r.id] = r
	return nil
}

func (e *Engine) unregister(r *run) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.runs, r.id)
}
