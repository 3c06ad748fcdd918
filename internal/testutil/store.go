package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/specialistvlad/stepgate/internal/model"
	"github.com/specialistvlad/stepgate/internal/store"
)

// ErrInjected is the error FlakyStore fails with.
var ErrInjected = errors.New("injected storage failure")

// FlakyStore wraps a Store and fails every write after the first N. It
// simulates a process that loses its store mid-run: the inner store keeps
// exactly the writes that succeeded.
type FlakyStore struct {
	store.Store

	mu        sync.Mutex
	remaining int
	failing   bool
}

// NewFlakyStore lets n writes through before failing. n < 0 never fails.
func NewFlakyStore(inner store.Store, n int) *FlakyStore {
	return &FlakyStore{Store: inner, remaining: n, failing: n >= 0}
}

// Heal stops injecting failures.
func (f *FlakyStore) Heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing = false
}

func (f *FlakyStore) write() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.failing {
		return nil
	}
	if f.remaining == 0 {
		return ErrInjected
	}
	f.remaining--
	return nil
}

func (f *FlakyStore) Transition(ctx context.Context, id model.InstanceID, step model.StepID, status model.StepStatus, p model.StepPayload) error {
	if err := f.write(); err != nil {
		return err
	}
	return f.Store.Transition(ctx, id, step, status, p)
}

func (f *FlakyStore) RecordUndo(ctx context.Context, id model.InstanceID, rec model.UndoRecord) error {
	if err := f.write(); err != nil {
		return err
	}
	return f.Store.RecordUndo(ctx, id, rec)
}

func (f *FlakyStore) RecordApproval(ctx context.Context, id model.InstanceID, rec model.ApprovalRecord) error {
	if err := f.write(); err != nil {
		return err
	}
	return f.Store.RecordApproval(ctx, id, rec)
}

func (f *FlakyStore) SetStatus(ctx context.Context, id model.InstanceID, status model.InstanceStatus, reason string) error {
	if err := f.write(); err != nil {
		return err
	}
	return f.Store.SetStatus(ctx, id, status, reason)
}

func (f *FlakyStore) MarkUndone(ctx context.Context, id model.InstanceID, seq int, failure *model.RollbackFailure) error {
	if err := f.write(); err != nil {
		return err
	}
	return f.Store.MarkUndone(ctx, id, seq, failure)
}
