package executor

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specialistvlad/stepgate/internal/capability"
	"github.com/specialistvlad/stepgate/internal/model"
	"github.com/specialistvlad/stepgate/internal/testutil"
)

func commandStep(name string, idempotent bool) *model.Step {
	return &model.Step{
		ID:   3,
		Name: name,
		Operation: model.Operation{
			Kind:       model.OpCommand,
			Idempotent: idempotent,
			Command:    &model.CommandOp{Command: name},
		},
	}
}

func newExecutor(caps Capabilities) *Executor {
	return New(caps, WithGracePeriod(50*time.Millisecond), WithMaxBackoff(5*time.Millisecond))
}

func TestExecute_CommandSuccess(t *testing.T) {
	ctx, _ := testutil.Context(t)
	cmds := testutil.NewCommands().On("build", func(context.Context, capability.Command) (capability.CommandOutput, error) {
		return capability.CommandOutput{Stdout: "ok"}, nil
	})
	step := commandStep("build", false)
	step.Operation.Command.UndoCommand = "clean"

	out := newExecutor(Capabilities{Commands: cmds}).Execute(ctx, step, Env{Instance: "i"})
	require.NoError(t, out.Err)
	assert.Equal(t, 1, out.Attempts)
	require.NotNil(t, out.Undo)
	assert.Equal(t, model.UndoCommand, out.Undo.Kind)
	assert.Equal(t, "clean", out.Undo.Command)
	assert.Equal(t, model.StepID(3), out.Undo.Step)
	assert.Equal(t, "build", out.Undo.StepName)

	var got capability.CommandOutput
	require.NoError(t, json.Unmarshal(out.Output, &got))
	assert.Equal(t, "ok", got.Stdout)
}

func TestExecute_CommandWithoutUndoIsIrreversible(t *testing.T) {
	ctx, _ := testutil.Context(t)
	out := newExecutor(Capabilities{Commands: testutil.NewCommands()}).Execute(ctx, commandStep("deploy", false), Env{})
	require.NoError(t, out.Err)
	assert.Equal(t, model.UndoNoop, out.Undo.Kind)
	assert.True(t, out.Undo.Irreversible)
}

func TestExecute_RetryRules(t *testing.T) {
	tests := []struct {
		name       string
		idempotent bool
		err        error
		wantCalls  int
	}{
		{name: "idempotent retries", idempotent: true, err: errors.New("flaky"), wantCalls: 3},
		{name: "not applied retries", err: capability.NotApplied(errors.New("no binary")), wantCalls: 3},
		{name: "non-idempotent does not retry", err: errors.New("flaky"), wantCalls: 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctx, _ := testutil.Context(t)
			cmds := testutil.NewCommands().On("x", func(context.Context, capability.Command) (capability.CommandOutput, error) {
				return capability.CommandOutput{}, tc.err
			})
			step := commandStep("x", tc.idempotent)
			step.Retry = model.RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond}

			out := newExecutor(Capabilities{Commands: cmds}).Execute(ctx, step, Env{})
			var execErr *model.StepExecutionError
			require.ErrorAs(t, out.Err, &execErr)
			assert.Equal(t, tc.wantCalls, execErr.Attempts)
			assert.Equal(t, tc.wantCalls, cmds.Count("x"))
			assert.Nil(t, out.Undo)
		})
	}
}

func TestExecute_SucceedsOnRetry(t *testing.T) {
	ctx, _ := testutil.Context(t)
	var calls atomic.Int32
	cmds := testutil.NewCommands().On("x", func(context.Context, capability.Command) (capability.CommandOutput, error) {
		if calls.Add(1) < 2 {
			return capability.CommandOutput{}, errors.New("first time fails")
		}
		return capability.CommandOutput{}, nil
	})
	step := commandStep("x", true)
	step.Retry = model.RetryPolicy{MaxAttempts: 5}

	out := newExecutor(Capabilities{Commands: cmds}).Execute(ctx, step, Env{})
	require.NoError(t, out.Err)
	assert.Equal(t, 2, out.Attempts)
}

func TestExecute_Timeout(t *testing.T) {
	ctx, _ := testutil.Context(t)
	cmds := testutil.NewCommands().On("slow", testutil.Hang())
	step := commandStep("slow", false)
	step.Timeout = 20 * time.Millisecond

	out := newExecutor(Capabilities{Commands: cmds}).Execute(ctx, step, Env{})
	var execErr *model.StepExecutionError
	require.ErrorAs(t, out.Err, &execErr)
	var timeoutErr *model.StepTimeoutError
	require.ErrorAs(t, out.Err, &timeoutErr)
	assert.Equal(t, "slow", timeoutErr.Step)
	assert.ErrorIs(t, out.Err, context.DeadlineExceeded)
	assert.False(t, out.UnknownSideEffect)
}

func TestExecute_CancelledWithoutReturnIsUnknown(t *testing.T) {
	ctx, _ := testutil.Context(t)
	release := make(chan struct{})
	defer close(release)
	cmds := testutil.NewCommands().On("stuck", func(context.Context, capability.Command) (capability.CommandOutput, error) {
		<-release
		return capability.CommandOutput{}, nil
	})

	ctx, cancel := context.WithCancel(ctx)
	time.AfterFunc(10*time.Millisecond, cancel)
	out := newExecutor(Capabilities{Commands: cmds}).Execute(ctx, commandStep("stuck", false), Env{})
	require.Error(t, out.Err)
	assert.True(t, out.UnknownSideEffect)
	assert.ErrorIs(t, out.Err, model.ErrUnknownSideEffect)
}

func TestExecute_CancelledAndErroredIsUnknown(t *testing.T) {
	ctx, _ := testutil.Context(t)
	cmds := testutil.NewCommands().On("hang", testutil.Hang())

	ctx, cancel := context.WithCancel(ctx)
	time.AfterFunc(10*time.Millisecond, cancel)
	out := newExecutor(Capabilities{Commands: cmds}).Execute(ctx, commandStep("hang", false), Env{})
	assert.True(t, out.UnknownSideEffect)
	assert.ErrorIs(t, out.Err, context.Canceled)
}

func TestExecute_FileMutation(t *testing.T) {
	ctx, _ := testutil.Context(t)
	files := testutil.NewFiles()
	files.Put("app.conf", "old")
	step := &model.Step{Name: "config", Operation: model.Operation{
		Kind: model.OpFileMutation,
		File: &model.FileOp{Path: "app.conf", Content: "new", Action: model.FileWrite},
	}}

	out := newExecutor(Capabilities{Files: files}).Execute(ctx, step, Env{})
	require.NoError(t, out.Err)
	assert.Equal(t, model.UndoRestoreFile, out.Undo.Kind)
	assert.Equal(t, []byte("old"), out.Undo.PriorContent)
	content, _ := files.Get("app.conf")
	assert.Equal(t, "new", content)
}

type noUndoFiles struct{ testutil.Files }

func (*noUndoFiles) Apply(context.Context, capability.FileChange) (model.UndoRecord, error) {
	return model.UndoRecord{}, nil
}

func TestExecute_MissingUndoRecordIsAnError(t *testing.T) {
	ctx, _ := testutil.Context(t)
	step := &model.Step{Name: "config", Operation: model.Operation{
		Kind: model.OpFileMutation,
		File: &model.FileOp{Path: "a", Action: model.FileWrite},
	}}
	out := newExecutor(Capabilities{Files: &noUndoFiles{}}).Execute(ctx, step, Env{})
	assert.ErrorIs(t, out.Err, errMissingUndo)
}

func TestExecute_FailingTestSuite(t *testing.T) {
	ctx, _ := testutil.Context(t)
	tests := testutil.NewTests()
	tests.Failing["./broken"] = true
	step := &model.Step{Name: "test", Operation: model.Operation{Kind: model.OpTestRun, Test: &model.TestOp{Suite: "./broken"}}}
	step.Retry = model.RetryPolicy{MaxAttempts: 2}

	out := newExecutor(Capabilities{Tests: tests}).Execute(ctx, step, Env{})
	require.Error(t, out.Err)
	assert.Contains(t, out.Err.Error(), "1 of 1 tests failed")
	assert.Len(t, tests.Runs(), 2)
}

func TestExecute_CodeGeneration(t *testing.T) {
	ctx, _ := testutil.Context(t)
	files := testutil.NewFiles()
	gen := &testutil.Generator{Content: "package main"}

	t.Run("with target", func(t *testing.T) {
		step := &model.Step{Name: "gen", Operation: model.Operation{
			Kind:     model.OpCodeGeneration,
			Generate: &model.GenerateOp{Spec: "main", Target: "main.go"},
		}}
		out := newExecutor(Capabilities{Files: files, Generator: gen}).Execute(ctx, step, Env{})
		require.NoError(t, out.Err)
		assert.Equal(t, model.UndoRestoreFile, out.Undo.Kind)
		content, ok := files.Get("main.go")
		require.True(t, ok)
		assert.Equal(t, "package main", content)
	})

	t.Run("without target", func(t *testing.T) {
		step := &model.Step{Name: "gen", Operation: model.Operation{
			Kind:     model.OpCodeGeneration,
			Generate: &model.GenerateOp{Spec: "main"},
		}}
		out := newExecutor(Capabilities{Generator: gen}).Execute(ctx, step, Env{})
		require.NoError(t, out.Err)
		assert.Equal(t, model.UndoNoop, out.Undo.Kind)
		assert.False(t, out.Undo.Irreversible)
		assert.Contains(t, string(out.Output), "package main")
	})
}

func TestExecute_MissingCapabilityIsNotApplied(t *testing.T) {
	ctx, _ := testutil.Context(t)
	out := newExecutor(Capabilities{}).Execute(ctx, commandStep("x", false), Env{})
	assert.ErrorIs(t, out.Err, capability.ErrNotApplied)
}

func TestBackoffDelay(t *testing.T) {
	assert.Equal(t, time.Duration(0), backoffDelay(0, time.Second, 3))
	assert.Equal(t, 100*time.Millisecond, backoffDelay(100*time.Millisecond, time.Second, 1))
	assert.Equal(t, 400*time.Millisecond, backoffDelay(100*time.Millisecond, time.Second, 3))
	assert.Equal(t, time.Second, backoffDelay(100*time.Millisecond, time.Second, 10))
}

func TestBackoffDelay_UncappedSaturates(t *testing.T) {
	assert.Equal(t, 800*time.Millisecond, backoffDelay(100*time.Millisecond, 0, 4))

	prev := time.Duration(0)
	for attempt := 1; attempt <= 200; attempt++ {
		d := backoffDelay(time.Second, 0, attempt)
		require.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		prev = d
	}
	assert.Equal(t, time.Duration(math.MaxInt64), backoffDelay(time.Second, 0, 200))
}
