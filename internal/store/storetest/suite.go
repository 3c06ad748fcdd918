// Package storetest is a conformance suite run against every store backend.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/specialistvlad/stepgate/internal/model"
	"github.com/specialistvlad/stepgate/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Definition returns a definition of n independent command steps named
// s0..s(n-1).
func Definition(n int) *model.Definition {
	def := &model.Definition{Name: "conformance", Digest: "digest"}
	layer := make([]model.StepID, n)
	for i := 0; i < n; i++ {
		def.Steps = append(def.Steps, &model.Step{
			ID:        model.StepID(i),
			Name:      fmt.Sprintf("s%d", i),
			Operation: model.Operation{Kind: model.OpCommand, Command: &model.CommandOp{Command: "true"}},
		})
		layer[i] = model.StepID(i)
	}
	def.Layers = [][]model.StepID{layer}
	return def
}

// Run exercises s through the whole Store contract. newStore must return
// an empty store.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	ctx := context.Background()

	t.Run("create and load", func(t *testing.T) {
		s := newStore(t)
		id, err := s.Create(ctx, Definition(2))
		require.NoError(t, err)
		assert.True(t, store.ValidID(id))

		inst, err := s.Load(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, id, inst.ID)
		assert.Equal(t, "conformance", inst.Definition)
		assert.Equal(t, "digest", inst.Digest)
		assert.Equal(t, model.InstancePending, inst.Status)
		require.Len(t, inst.Steps, 2)
		assert.Equal(t, "s1", inst.Steps[1].Name)
		assert.Equal(t, model.StepNotStarted, inst.Steps[1].Status)
	})

	t.Run("load returns a copy", func(t *testing.T) {
		s := newStore(t)
		id, err := s.Create(ctx, Definition(1))
		require.NoError(t, err)

		inst, err := s.Load(ctx, id)
		require.NoError(t, err)
		inst.Steps[0].Status = model.StepCompleted
		inst.Status = model.InstanceCompleted

		again, err := s.Load(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.StepNotStarted, again.Steps[0].Status)
		assert.Equal(t, model.InstancePending, again.Status)
	})

	t.Run("unknown instance", func(t *testing.T) {
		s := newStore(t)
		missing := store.NewInstanceID()
		_, err := s.Load(ctx, missing)
		assert.ErrorIs(t, err, store.ErrNotFound)
		err = s.SetStatus(ctx, missing, model.InstanceRunning, "")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("step transitions", func(t *testing.T) {
		s := newStore(t)
		id, err := s.Create(ctx, Definition(1))
		require.NoError(t, err)

		risk := 0.7
		require.NoError(t, s.Transition(ctx, id, 0, model.StepReady, model.StepPayload{Risk: &risk}))
		require.NoError(t, s.Transition(ctx, id, 0, model.StepRunning, model.StepPayload{}))
		require.NoError(t, s.Transition(ctx, id, 0, model.StepCompleted, model.StepPayload{
			Output:   json.RawMessage(`{"exit_code":0}`),
			Attempts: 2,
		}))

		inst, err := s.Load(ctx, id)
		require.NoError(t, err)
		rec := inst.Steps[0]
		assert.Equal(t, model.StepCompleted, rec.Status)
		require.NotNil(t, rec.Risk)
		assert.InDelta(t, 0.7, *rec.Risk, 1e-9)
		assert.Equal(t, 2, rec.Attempts)
		assert.JSONEq(t, `{"exit_code":0}`, string(rec.Output))
		assert.NotNil(t, rec.StartedAt)
		assert.NotNil(t, rec.EndedAt)

		err = s.Transition(ctx, id, 0, model.StepRunning, model.StepPayload{})
		assert.ErrorIs(t, err, store.ErrIllegalTransition)

		err = s.Transition(ctx, id, 5, model.StepReady, model.StepPayload{})
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("undo records are numbered in completion order", func(t *testing.T) {
		s := newStore(t)
		id, err := s.Create(ctx, Definition(3))
		require.NoError(t, err)

		require.NoError(t, s.RecordUndo(ctx, id, model.UndoRecord{Step: 2, StepName: "s2", Kind: model.UndoRestoreFile, Path: "a.txt", PriorContent: []byte("old")}))
		require.NoError(t, s.RecordUndo(ctx, id, model.UndoRecord{Step: 0, StepName: "s0", Kind: model.UndoNoop, Irreversible: true}))

		inst, err := s.Load(ctx, id)
		require.NoError(t, err)
		require.Len(t, inst.Undo, 2)
		assert.Equal(t, 1, inst.Undo[0].Seq)
		assert.Equal(t, "s2", inst.Undo[0].StepName)
		assert.Equal(t, []byte("old"), inst.Undo[0].PriorContent)
		assert.Equal(t, 2, inst.Undo[1].Seq)
		assert.Equal(t, []string{"s0"}, inst.Irreversible)
	})

	t.Run("approvals resolve once", func(t *testing.T) {
		s := newStore(t)
		id, err := s.Create(ctx, Definition(1))
		require.NoError(t, err)

		now := time.Now().UTC()
		require.NoError(t, s.RecordApproval(ctx, id, model.ApprovalRecord{Gate: "g", Status: model.ApprovalPending, Risk: 0.6, RequestedAt: now}))
		require.NoError(t, s.RecordApproval(ctx, id, model.ApprovalRecord{Gate: "g", Status: model.ApprovalPending, Risk: 0.6, Escalated: true, RequestedAt: now}))
		require.NoError(t, s.RecordApproval(ctx, id, model.ApprovalRecord{Gate: "g", Status: model.ApprovalApproved, Decider: "alice", RequestedAt: now, DecidedAt: &now}))

		err = s.RecordApproval(ctx, id, model.ApprovalRecord{Gate: "g", Status: model.ApprovalDenied, Decider: "bob"})
		assert.ErrorIs(t, err, model.ErrGateAlreadyResolved)

		inst, err := s.Load(ctx, id)
		require.NoError(t, err)
		require.Len(t, inst.Approvals, 1)
		assert.Equal(t, model.ApprovalApproved, inst.Approvals[0].Status)
		assert.Equal(t, "alice", inst.Approvals[0].Decider)
	})

	t.Run("auto-approval can be superseded", func(t *testing.T) {
		s := newStore(t)
		id, err := s.Create(ctx, Definition(2))
		require.NoError(t, err)

		now := time.Now().UTC()
		require.NoError(t, s.RecordApproval(ctx, id, model.ApprovalRecord{Gate: "g", Step: "s0", Status: model.ApprovalAutoApproved, Risk: 0.2, RequestedAt: now, DecidedAt: &now}))
		require.NoError(t, s.RecordApproval(ctx, id, model.ApprovalRecord{Gate: "g", Step: "s1", Status: model.ApprovalPending, Risk: 0.9, RequestedAt: now}))

		inst, err := s.Load(ctx, id)
		require.NoError(t, err)
		require.Len(t, inst.Approvals, 1)
		assert.Equal(t, model.ApprovalPending, inst.Approvals[0].Status)
		assert.Equal(t, "s1", inst.Approvals[0].Step)
	})

	t.Run("instance lifecycle and terminal states", func(t *testing.T) {
		s := newStore(t)
		id, err := s.Create(ctx, Definition(1))
		require.NoError(t, err)

		require.NoError(t, s.SetStatus(ctx, id, model.InstanceRunning, ""))
		err = s.SetStatus(ctx, id, model.InstanceRolledBack, "")
		assert.ErrorIs(t, err, store.ErrIllegalTransition)

		require.NoError(t, s.SetStatus(ctx, id, model.InstanceCompleted, "all steps completed"))
		err = s.Transition(ctx, id, 0, model.StepReady, model.StepPayload{})
		assert.ErrorIs(t, err, store.ErrInstanceTerminal)
		err = s.SetStatus(ctx, id, model.InstanceFailed, "")
		assert.ErrorIs(t, err, store.ErrInstanceTerminal)

		inst, err := s.Load(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "all steps completed", inst.Reason)
	})

	t.Run("mark undone", func(t *testing.T) {
		s := newStore(t)
		id, err := s.Create(ctx, Definition(2))
		require.NoError(t, err)
		for _, step := range []model.StepID{0, 1} {
			require.NoError(t, s.Transition(ctx, id, step, model.StepReady, model.StepPayload{}))
			require.NoError(t, s.Transition(ctx, id, step, model.StepRunning, model.StepPayload{}))
			require.NoError(t, s.Transition(ctx, id, step, model.StepCompleted, model.StepPayload{}))
			require.NoError(t, s.RecordUndo(ctx, id, model.UndoRecord{Step: step, StepName: fmt.Sprintf("s%d", step), Kind: model.UndoNoop}))
		}

		err = s.MarkUndone(ctx, id, 2, nil)
		assert.ErrorIs(t, err, store.ErrIllegalTransition, "only a rolling back instance records undos")

		require.NoError(t, s.SetStatus(ctx, id, model.InstanceRunning, ""))
		require.NoError(t, s.SetStatus(ctx, id, model.InstanceFailed, "boom"))
		require.NoError(t, s.SetStatus(ctx, id, model.InstanceRollingBack, ""))
		require.NoError(t, s.MarkUndone(ctx, id, 2, nil))
		require.NoError(t, s.MarkUndone(ctx, id, 1, &model.RollbackFailure{Step: "s0", Error: "disk gone"}))
		assert.ErrorIs(t, s.MarkUndone(ctx, id, 1, nil), store.ErrIllegalTransition)
		assert.ErrorIs(t, s.MarkUndone(ctx, id, 9, nil), store.ErrNotFound)

		inst, err := s.Load(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.StepRolledBack, inst.Steps[1].Status)
		assert.Equal(t, model.StepCompleted, inst.Steps[0].Status)
		assert.True(t, inst.Undo[0].Undone)
		assert.True(t, inst.Undo[0].Failed)
		require.Len(t, inst.RollbackFailures, 1)
		assert.Equal(t, 1, inst.RollbackFailures[0].Seq)
		assert.Equal(t, "disk gone", inst.RollbackFailures[0].Error)
	})

	t.Run("list", func(t *testing.T) {
		s := newStore(t)
		first, err := s.Create(ctx, Definition(1))
		require.NoError(t, err)
		second, err := s.Create(ctx, Definition(1))
		require.NoError(t, err)

		list, err := s.List(ctx)
		require.NoError(t, err)
		ids := make([]model.InstanceID, 0, len(list))
		for _, sum := range list {
			ids = append(ids, sum.ID)
		}
		assert.ElementsMatch(t, []model.InstanceID{first, second}, ids)
	})

	// Concurrent writes to one instance must all land.
	t.Run("concurrent writes are serialized", func(t *testing.T) {
		s := newStore(t)
		const n = 16
		id, err := s.Create(ctx, Definition(n))
		require.NoError(t, err)

		var wg sync.WaitGroup
		errs := make(chan error, n*2)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(step model.StepID) {
				defer wg.Done()
				errs <- s.Transition(ctx, id, step, model.StepReady, model.StepPayload{})
				errs <- s.RecordUndo(ctx, id, model.UndoRecord{Step: step, Kind: model.UndoNoop})
			}(model.StepID(i))
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		inst, err := s.Load(ctx, id)
		require.NoError(t, err)
		for _, rec := range inst.Steps {
			assert.Equal(t, model.StepReady, rec.Status, rec.Name)
		}
		require.Len(t, inst.Undo, n)
		for i, u := range inst.Undo {
			assert.Equal(t, i+1, u.Seq)
		}
	})
}
