package local

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specialistvlad/stepgate/internal/capability"
)

func TestCommands_Success(t *testing.T) {
	out, err := NewCommands().Run(context.Background(), capability.Command{
		Name: "sh",
		Args: []string{"-c", "echo hello; echo oops >&2"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, out.ExitCode)
	assert.Equal(t, "hello\n", out.Stdout)
	assert.Equal(t, "oops\n", out.Stderr)
}

func TestCommands_NonZeroExit(t *testing.T) {
	out, err := NewCommands().Run(context.Background(), capability.Command{
		Name: "sh",
		Args: []string{"-c", "echo partial; exit 3"},
	})
	var exitErr *capability.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 3, exitErr.Code)
	assert.Equal(t, 3, out.ExitCode)
	assert.Equal(t, "partial\n", out.Stdout)
	assert.False(t, errors.Is(err, capability.ErrNotApplied))
}

func TestCommands_StartFailureIsNotApplied(t *testing.T) {
	_, err := NewCommands().Run(context.Background(), capability.Command{Name: "stepgate-no-such-binary"})
	require.Error(t, err)
	assert.ErrorIs(t, err, capability.ErrNotApplied)
}

func TestCommands_Timeout(t *testing.T) {
	start := time.Now()
	out, err := NewCommands().Run(context.Background(), capability.Command{
		Name:    "sleep",
		Args:    []string{"5"},
		Timeout: 50 * time.Millisecond,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, -1, out.ExitCode)
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestCommands_Dir(t *testing.T) {
	dir := t.TempDir()
	out, err := NewCommands().Run(context.Background(), capability.Command{Name: "pwd", Dir: dir})
	require.NoError(t, err)
	assert.Contains(t, out.Stdout, dir)
}
