package local

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specialistvlad/stepgate/internal/capability"
)

type scriptedRunner struct {
	out capability.CommandOutput
	err error
	got capability.Command
}

func (s *scriptedRunner) Run(_ context.Context, cmd capability.Command) (capability.CommandOutput, error) {
	s.got = cmd
	return s.out, s.err
}

func TestTestCommand_Passing(t *testing.T) {
	runner := &scriptedRunner{out: capability.CommandOutput{Stdout: "--- PASS: TestA\n--- PASS: TestB\nok\n"}}
	tc := NewTestCommand(runner, "/src", "go", "test", "-v")

	res, err := tc.Run(context.Background(), "./pkg/...")
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, "go", runner.got.Name)
	assert.Equal(t, []string{"test", "-v", "./pkg/..."}, runner.got.Args)
	assert.Equal(t, "/src", runner.got.Dir)
}

func TestTestCommand_FailingSuiteIsAResult(t *testing.T) {
	runner := &scriptedRunner{
		out: capability.CommandOutput{ExitCode: 1, Stdout: "--- PASS: TestA\n--- FAIL: TestB\nFAIL\n"},
		err: &capability.ExitError{Code: 1},
	}
	res, err := NewTestCommand(runner, "", "go", "test").Run(context.Background(), "./...")
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, 1, res.Failed)
}

func TestTestCommand_Unconfigured(t *testing.T) {
	_, err := NewTestCommand(&scriptedRunner{}, "").Run(context.Background(), "x")
	assert.ErrorIs(t, err, capability.ErrNotApplied)
}
