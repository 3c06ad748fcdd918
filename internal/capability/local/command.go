package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/specialistvlad/stepgate/internal/capability"
	"github.com/specialistvlad/stepgate/internal/ctxlog"
)

// Commands runs programs with os/exec.
type Commands struct {
	// Env is appended to the current environment.
	Env []string
	// WaitDelay bounds how long Run waits for output pipes after the
	// process was killed.
	WaitDelay time.Duration
}

var _ capability.CommandRunner = (*Commands)(nil)

// NewCommands returns a runner with a one second wait delay.
func NewCommands() *Commands {
	return &Commands{WaitDelay: time.Second}
}

// Run starts the command and waits for it. A command that cannot be started
// is reported as not applied.
func (c *Commands) Run(ctx context.Context, cmd capability.Command) (capability.CommandOutput, error) {
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}
	logger := ctxlog.FromContext(ctx)

	ec := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	ec.Dir = cmd.Dir
	if len(c.Env) > 0 {
		ec.Env = append(os.Environ(), c.Env...)
	}
	ec.WaitDelay = c.WaitDelay
	var stdout, stderr bytes.Buffer
	ec.Stdout = &stdout
	ec.Stderr = &stderr

	logger.Debug("Starting command.", "command", cmd.Name, "args", cmd.Args, "dir", cmd.Dir)
	if err := ec.Start(); err != nil {
		return capability.CommandOutput{}, capability.NotApplied(fmt.Errorf("starting %s: %w", cmd.Name, err))
	}
	err := ec.Wait()

	out := capability.CommandOutput{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return out, nil
	}
	if ctx.Err() != nil {
		out.ExitCode = -1
		return out, fmt.Errorf("%s interrupted: %w", cmd.Name, ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		out.ExitCode = exitErr.ExitCode()
		return out, &capability.ExitError{Code: out.ExitCode}
	}
	return out, fmt.Errorf("running %s: %w", cmd.Name, err)
}
