package local

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/specialistvlad/stepgate/internal/capability"
)

// TestCommand runs a suite by invoking a fixed command with the suite name
// appended, for example "go test -v" followed by the package pattern. The
// suite passes when the command exits zero.
type TestCommand struct {
	Runner  capability.CommandRunner
	Command []string
	Dir     string
}

var _ capability.TestRunner = (*TestCommand)(nil)

// NewTestCommand returns a test runner using runner.
func NewTestCommand(runner capability.CommandRunner, dir string, command ...string) *TestCommand {
	return &TestCommand{Runner: runner, Command: command, Dir: dir}
}

// Run executes the suite and counts "--- PASS:" and "--- FAIL:" lines in
// its output.
func (t *TestCommand) Run(ctx context.Context, suite string) (capability.TestResult, error) {
	if len(t.Command) == 0 {
		return capability.TestResult{}, capability.NotApplied(errors.New("no test command configured"))
	}
	args := append(append([]string(nil), t.Command[1:]...), strings.Fields(suite)...)
	out, err := t.Runner.Run(ctx, capability.Command{Name: t.Command[0], Args: args, Dir: t.Dir})

	var exitErr *capability.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return capability.TestResult{}, fmt.Errorf("running suite %q: %w", suite, err)
	}

	report := out.Stdout + out.Stderr
	passed := strings.Count(report, "--- PASS:")
	failed := strings.Count(report, "--- FAIL:")
	return capability.TestResult{
		Passed: exitErr == nil,
		Total:  passed + failed,
		Failed: failed,
		Report: report,
	}, nil
}
