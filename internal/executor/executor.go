package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/specialistvlad/stepgate/internal/capability"
	"github.com/specialistvlad/stepgate/internal/ctxlog"
	"github.com/specialistvlad/stepgate/internal/metrics"
	"github.com/specialistvlad/stepgate/internal/model"
)

const tracerName = "github.com/specialistvlad/stepgate/internal/executor"

// Capabilities are the services steps act through. A nil capability makes
// every step needing it fail without side effects.
type Capabilities struct {
	Commands  capability.CommandRunner
	Files     capability.FileMutator
	Tests     capability.TestRunner
	Generator capability.CodeGenerator
}

// Env identifies the instance a step runs in.
type Env struct {
	Instance model.InstanceID
	Workflow string
}

// Outcome is the result of Execute. Err is nil on success, in which case
// Undo is set.
type Outcome struct {
	Output            json.RawMessage
	Undo              *model.UndoRecord
	Attempts          int
	Duration          time.Duration
	Err               error
	UnknownSideEffect bool
}

// Executor runs steps. It is safe for concurrent use.
type Executor struct {
	caps       Capabilities
	grace      time.Duration
	maxBackoff time.Duration
	metrics    *metrics.Recorder
	tracer     trace.Tracer
}

// Option configures an Executor.
type Option func(*Executor)

// WithGracePeriod sets how long a cancelled or timed out attempt may take
// to return before its outcome is declared unknown.
func WithGracePeriod(d time.Duration) Option {
	return func(e *Executor) { e.grace = d }
}

// WithMaxBackoff caps the delay between attempts.
func WithMaxBackoff(d time.Duration) Option {
	return func(e *Executor) { e.maxBackoff = d }
}

// WithMetrics records attempts and outcomes.
func WithMetrics(m *metrics.Recorder) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(e *Executor) { e.tracer = t }
}

// New returns an executor over caps.
func New(caps Capabilities, opts ...Option) *Executor {
	e := &Executor{
		caps:       caps,
		grace:      10 * time.Second,
		maxBackoff: time.Minute,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(tracerName)
	}
	return e
}

type attemptResult struct {
	output json.RawMessage
	undo   *model.UndoRecord
	err    error
}

// Execute runs step until it succeeds, its attempts are exhausted, or ctx
// is cancelled.
func (e *Executor) Execute(ctx context.Context, step *model.Step, env Env) Outcome {
	ctx, span := e.tracer.Start(ctx, "step "+step.Name, trace.WithAttributes(
		attribute.String("stepgate.instance", string(env.Instance)),
		attribute.String("stepgate.workflow", env.Workflow),
		attribute.String("stepgate.step", step.Name),
		attribute.String("stepgate.operation", string(step.Operation.Kind)),
	))
	defer span.End()
	ctx, logger := ctxlog.With(ctx, "step", step.Name)

	start := time.Now()
	kind := string(step.Operation.Kind)
	maxAttempts := step.Retry.Attempts()
	retrySafe := step.Operation.RetrySafe()

	var (
		res     attemptResult
		unknown bool
		attempt int
	)
	for attempt = 1; ; attempt++ {
		e.metrics.Attempt(kind)
		span.AddEvent("attempt", trace.WithAttributes(attribute.Int("attempt", attempt)))
		res, unknown = e.attempt(ctx, step, env)
		if res.err == nil {
			break
		}
		logger.Warn("Step attempt failed.", "attempt", attempt, "of", maxAttempts, "error", res.err, "unknownSideEffect", unknown)

		if ctx.Err() != nil || attempt >= maxAttempts {
			break
		}
		if !retrySafe && (unknown || !errors.Is(res.err, capability.ErrNotApplied)) {
			logger.Debug("Not retrying: operation is not safe to repeat.")
			break
		}
		delay := backoffDelay(step.Retry.Backoff, e.maxBackoff, attempt)
		logger.Debug("Retrying step.", "delay", delay)
		if err := sleepContext(ctx, delay); err != nil {
			break
		}
	}

	out := Outcome{
		Output:   res.output,
		Attempts: attempt,
		Duration: time.Since(start),
	}
	if res.err == nil {
		out.Undo = res.undo
		out.Undo.Step = step.ID
		out.Undo.StepName = step.Name
		span.SetStatus(codes.Ok, "")
		e.metrics.StepFinished(kind, "completed", out.Duration)
		return out
	}

	cause := res.err
	if unknown {
		cause = fmt.Errorf("%w: %w", model.ErrUnknownSideEffect, res.err)
		out.UnknownSideEffect = true
	}
	out.Err = &model.StepExecutionError{Step: step.Name, Attempts: attempt, Err: cause}
	span.RecordError(out.Err)
	span.SetStatus(codes.Error, out.Err.Error())
	e.metrics.StepFinished(kind, "failed", out.Duration)
	return out
}

// attempt runs the operation once under the step timeout. When the attempt
// context ends before the capability returns, the capability gets the grace
// period to report back; after that the outcome is unknown.
func (e *Executor) attempt(ctx context.Context, step *model.Step, env Env) (attemptResult, bool) {
	var (
		actx   context.Context
		cancel context.CancelFunc
	)
	if step.Timeout > 0 {
		actx, cancel = context.WithTimeout(ctx, step.Timeout)
	} else {
		actx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	done := make(chan attemptResult, 1)
	go func() {
		done <- e.dispatch(actx, step, env)
	}()

	var res attemptResult
	select {
	case res = <-done:
	case <-actx.Done():
		grace := time.NewTimer(e.grace)
		defer grace.Stop()
		select {
		case res = <-done:
		case <-grace.C:
			ctxlog.FromContext(ctx).Error("Capability did not return after cancellation.", "grace", e.grace)
			return attemptResult{err: e.interrupted(ctx, actx, step)}, !step.Operation.ReadOnly()
		}
	}
	if res.err != nil && ctx.Err() != nil && !errors.Is(res.err, capability.ErrNotApplied) {
		return res, !step.Operation.ReadOnly()
	}

	if res.err != nil && errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		res.err = &model.StepTimeoutError{Step: step.Name, Timeout: step.Timeout}
	}
	return res, false
}

func (e *Executor) interrupted(ctx, actx context.Context, step *model.Step) error {
	if ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		return &model.StepTimeoutError{Step: step.Name, Timeout: step.Timeout}
	}
	return fmt.Errorf("step interrupted: %w", ctx.Err())
}
