package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/specialistvlad/stepgate/internal/capability"
	"github.com/specialistvlad/stepgate/internal/ctxlog"
	"github.com/specialistvlad/stepgate/internal/metrics"
	"github.com/specialistvlad/stepgate/internal/model"
	"github.com/specialistvlad/stepgate/internal/store"
)

// ErrNoPendingApproval is returned by Resolve for a gate nobody asked about.
var ErrNoPendingApproval = errors.New("no pending approval for gate")

// NeedsApproval reports whether gate must be decided by a human at the
// given risk. Gates without a threshold always need a decision.
func NeedsApproval(gate *model.ApprovalGate, risk float64) bool {
	return gate.Threshold == nil || risk >= *gate.Threshold
}

// Request asks for a decision on one gate.
type Request struct {
	Instance model.InstanceID
	Workflow string
	Gate     *model.ApprovalGate
	// Step is the step whose readiness triggered the request.
	Step string
	Risk float64
}

type key struct {
	instance model.InstanceID
	gate     string
}

type waiter struct {
	ch       chan model.ApprovalStatus
	resolved bool
}

// claimRetry is how soon an expired wait checks again after losing the
// race against a decision that was still being recorded.
const claimRetry = 50 * time.Millisecond

// Coordinator tracks gates waiting for a decision. It is safe for
// concurrent use.
type Coordinator struct {
	store             store.Store
	notifier          capability.NotificationChannel
	timeout           time.Duration
	policy            model.TimeoutPolicy
	escalationTimeout time.Duration
	metrics           *metrics.Recorder
	now               func() time.Time

	mu      sync.Mutex
	waiters map[key]*waiter
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithNotifier sets the channel approval requests are sent to.
func WithNotifier(n capability.NotificationChannel) Option {
	return func(c *Coordinator) { c.notifier = n }
}

// WithTimeout sets the wait for gates that declare none. Zero waits
// forever.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.timeout = d }
}

// WithTimeoutPolicy sets the policy for gates that declare none.
func WithTimeoutPolicy(p model.TimeoutPolicy) Option {
	return func(c *Coordinator) { c.policy = p }
}

// WithEscalationTimeout sets how long an escalated gate waits before it
// times out.
func WithEscalationTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.escalationTimeout = d }
}

// WithMetrics records decisions.
func WithMetrics(m *metrics.Recorder) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New returns a coordinator recording decisions in s.
func New(s store.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:             s,
		timeout:           30 * time.Minute,
		policy:            model.TimeoutDeny,
		escalationTimeout: 30 * time.Minute,
		now:               time.Now,
		waiters:           make(map[key]*waiter),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.policy == model.TimeoutDefault {
		c.policy = model.TimeoutDeny
	}
	return c
}

func storageErr(op string, err error) error {
	var se *model.StorageError
	if errors.As(err, &se) {
		return err
	}
	return &model.StorageError{Op: op, Err: err}
}

// Request blocks until the gate is decided and returns the decision.
// A cancelled ctx returns ctx.Err() and leaves the gate pending.
func (c *Coordinator) Request(ctx context.Context, req Request) (model.ApprovalStatus, error) {
	ctx, logger := ctxlog.With(ctx, "gate", req.Gate.ID, "step", req.Step)
	now := c.now()

	if !NeedsApproval(req.Gate, req.Risk) {
		rec := model.ApprovalRecord{
			Gate:        req.Gate.ID,
			Status:      model.ApprovalAutoApproved,
			Step:        req.Step,
			Risk:        req.Risk,
			RequestedAt: now,
			DecidedAt:   &now,
		}
		if err := c.store.RecordApproval(ctx, req.Instance, rec); err != nil {
			return c.alreadyResolved(ctx, req, err)
		}
		logger.Info("Gate auto-approved.", "risk", req.Risk, "threshold", *req.Gate.Threshold)
		c.metrics.Approval(string(model.ApprovalAutoApproved))
		return model.ApprovalAutoApproved, nil
	}

	k := key{req.Instance, req.Gate.ID}
	w := &waiter{ch: make(chan model.ApprovalStatus, 1)}
	c.mu.Lock()
	if _, busy := c.waiters[k]; busy {
		c.mu.Unlock()
		return "", fmt.Errorf("gate '%s' of instance %s is already being waited for", req.Gate.ID, req.Instance)
	}
	c.waiters[k] = w
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, k)
		c.mu.Unlock()
	}()

	rec := model.ApprovalRecord{
		Gate:        req.Gate.ID,
		Status:      model.ApprovalPending,
		Step:        req.Step,
		Risk:        req.Risk,
		RequestedAt: now,
	}
	if err := c.store.RecordApproval(ctx, req.Instance, rec); err != nil {
		return c.alreadyResolved(ctx, req, err)
	}

	timeout := req.Gate.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	policy := req.Gate.TimeoutPolicy
	if policy == model.TimeoutDefault {
		policy = c.policy
	}

	notice := capability.ApprovalNotice{
		InstanceID: req.Instance,
		Workflow:   req.Workflow,
		Gate:       req.Gate.ID,
		Step:       req.Step,
		Risk:       req.Risk,
		Threshold:  req.Gate.Threshold,
	}
	if timeout > 0 {
		notice.Deadline = now.Add(timeout)
	}
	logger.Info("⏸️ Waiting for approval.", "risk", req.Risk, "timeout", timeout, "policy", policy)
	if c.notifier != nil {
		if err := c.notifier.RequestApproval(ctx, notice); err != nil {
			logger.Warn("Failed to deliver approval request.", "error", err)
		}
	}

	var (
		timer     *time.Timer
		timerC    <-chan time.Time
		escalated bool
	)
	arm := func(d time.Duration) {
		if d <= 0 {
			timerC = nil
			return
		}
		if timer != nil {
			timer.Stop()
		}
		timer = time.NewTimer(d)
		timerC = timer.C
	}
	arm(timeout)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case status := <-w.ch:
			return status, nil
		case <-timerC:
			timerC = nil
		case <-ctx.Done():
			logger.Debug("Approval wait cancelled.")
			return "", ctx.Err()
		}

		if policy == model.TimeoutEscalate && !escalated {
			escalated = true
			rec.Escalated = true
			if err := c.store.RecordApproval(ctx, req.Instance, rec); err != nil {
				return c.alreadyResolved(ctx, req, err)
			}
			logger.Warn("Approval timed out, escalating.", "escalationTimeout", c.escalationTimeout)
			if esc, ok := c.notifier.(capability.Escalator); ok {
				n := notice
				if c.escalationTimeout > 0 {
					n.Deadline = c.now().Add(c.escalationTimeout)
				}
				if err := esc.Escalate(ctx, n); err != nil {
					logger.Warn("Failed to deliver escalation.", "error", err)
				}
			}
			arm(c.escalationTimeout)
			continue
		}

		if !c.claim(w) {
			// A decision is being recorded. It either arrives on w.ch or
			// fails and releases the claim.
			arm(claimRetry)
			continue
		}

		decided := c.now()
		rec.Status = model.ApprovalTimedOut
		rec.DecidedAt = &decided
		if err := c.store.RecordApproval(ctx, req.Instance, rec); err != nil {
			return c.alreadyResolved(ctx, req, err)
		}
		logger.Warn("Approval timed out.", "policy", policy)
		c.metrics.Approval(string(model.ApprovalTimedOut))
		return model.ApprovalTimedOut, nil
	}
}

// alreadyResolved handles a failed approval write. A gate that was decided
// concurrently returns that decision; anything else is a storage failure.
func (c *Coordinator) alreadyResolved(ctx context.Context, req Request, err error) (model.ApprovalStatus, error) {
	if !errors.Is(err, model.ErrGateAlreadyResolved) {
		return "", storageErr("record approval", err)
	}
	inst, lerr := c.store.Load(ctx, req.Instance)
	if lerr != nil {
		return "", storageErr("load instance", lerr)
	}
	if rec := inst.Approval(req.Gate.ID); rec != nil && rec.Status.Resolved() {
		return rec.Status, nil
	}
	return "", storageErr("record approval", err)
}

func (c *Coordinator) claim(w *waiter) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w.resolved {
		return false
	}
	w.resolved = true
	return true
}

func (c *Coordinator) unclaim(w *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w.resolved = false
}

// Resolve records a human decision and releases the waiting step. A gate
// that is already decided returns model.ErrGateAlreadyResolved. A gate that
// is pending in the store but not waited for in this process (for example
// after a crash) is decided in the store only; a resumed instance picks the
// decision up.
func (c *Coordinator) Resolve(ctx context.Context, id model.InstanceID, gate string, approve bool, decider string) error {
	status := model.ApprovalDenied
	if approve {
		status = model.ApprovalApproved
	}
	logger := ctxlog.FromContext(ctx).With("instance", id, "gate", gate)

	k := key{id, gate}
	c.mu.Lock()
	w := c.waiters[k]
	if w != nil {
		if w.resolved {
			c.mu.Unlock()
			return fmt.Errorf("%w: %s", model.ErrGateAlreadyResolved, gate)
		}
		w.resolved = true
	}
	c.mu.Unlock()

	fail := func(err error) error {
		if w != nil {
			c.unclaim(w)
		}
		return err
	}

	inst, err := c.store.Load(ctx, id)
	if err != nil {
		return fail(err)
	}
	rec := inst.Approval(gate)
	switch {
	case rec == nil:
		return fail(fmt.Errorf("%w: %s", ErrNoPendingApproval, gate))
	case rec.Status.Resolved():
		return fail(fmt.Errorf("%w: %s is %s", model.ErrGateAlreadyResolved, gate, rec.Status))
	}

	now := c.now()
	updated := *rec
	updated.Status = status
	updated.Decider = decider
	updated.DecidedAt = &now
	if err := c.store.RecordApproval(ctx, id, updated); err != nil {
		return fail(err)
	}

	logger.Info("Gate resolved.", "status", status, "decider", decider, "waiting", w != nil)
	c.metrics.Approval(string(status))
	if w != nil {
		w.ch <- status
	}
	return nil
}

// Abandon closes every gate of instance id that is still pending, so a
// failed instance shows no open requests. The instance's reason is recorded
// on each closed gate, and a wait still running in this process returns
// model.ApprovalAbandoned.
func (c *Coordinator) Abandon(ctx context.Context, id model.InstanceID) error {
	logger := ctxlog.FromContext(ctx).With("instance", id)
	inst, err := c.store.Load(ctx, id)
	if err != nil {
		return storageErr("load instance", err)
	}
	if inst.Status.Terminal() {
		return nil
	}
	reason := fmt.Sprintf("instance %s", inst.Status)
	if inst.Reason != "" {
		reason += ": " + inst.Reason
	}

	for _, rec := range inst.Approvals {
		if rec.Status.Resolved() {
			continue
		}
		k := key{id, rec.Gate}
		c.mu.Lock()
		w := c.waiters[k]
		if w != nil {
			if w.resolved {
				c.mu.Unlock()
				continue
			}
			w.resolved = true
		}
		c.mu.Unlock()

		now := c.now()
		rec.Status = model.ApprovalAbandoned
		rec.Reason = reason
		rec.DecidedAt = &now
		if err := c.store.RecordApproval(ctx, id, rec); err != nil {
			if w != nil {
				c.unclaim(w)
			}
			if errors.Is(err, model.ErrGateAlreadyResolved) {
				continue
			}
			return storageErr("record approval", err)
		}
		logger.Info("Gate abandoned.", "gate", rec.Gate, "reason", reason)
		c.metrics.Approval(string(model.ApprovalAbandoned))
		if w != nil {
			w.ch <- model.ApprovalAbandoned
		}
	}
	return nil
}
