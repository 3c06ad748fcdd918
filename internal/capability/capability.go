// Package capability declares the side-effecting services the engine
// depends on. The engine only sees these interfaces; reference
// implementations live in capability/local and internal/notify.
package capability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/specialistvlad/stepgate/internal/model"
)

// ErrNotApplied marks a failure that is known to have left no side
// effects, such as a command that could not be started. Such failures are
// always safe to retry.
var ErrNotApplied = errors.New("operation not applied")

// NotApplied wraps err so that errors.Is(err, ErrNotApplied) holds.
func NotApplied(err error) error {
	return fmt.Errorf("%w: %w", ErrNotApplied, err)
}

// Command is one invocation of an external program.
type Command struct {
	Name    string
	Args    []string
	Dir     string
	Timeout time.Duration
}

// CommandOutput is what a finished command produced.
type CommandOutput struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// ExitError is a command that ran and exited non-zero.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exited with code %d", e.Code)
}

// CommandRunner runs external commands. A non-zero exit is reported as an
// *ExitError together with the output.
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) (CommandOutput, error)
}

// FileChange is a write or delete of one file.
type FileChange struct {
	Path    string
	Content []byte
	Delete  bool
}

// FileMutator applies file changes and can reverse them. Apply returns the
// undo record needed to restore the prior state.
type FileMutator interface {
	Apply(ctx context.Context, change FileChange) (model.UndoRecord, error)
	Revert(ctx context.Context, undo model.UndoRecord) error
}

// TestResult summarizes one test suite run.
type TestResult struct {
	Passed bool   `json:"passed"`
	Total  int    `json:"total"`
	Failed int    `json:"failed"`
	Report string `json:"report"`
}

// TestRunner runs a test suite. A failing suite is a result, not an error.
type TestRunner interface {
	Run(ctx context.Context, suite string) (TestResult, error)
}

// GenerationSpec asks a generator for one artifact.
type GenerationSpec struct {
	Step   string            `json:"step"`
	Spec   string            `json:"spec"`
	Params map[string]string `json:"params,omitempty"`
}

// Artifact is generated content.
type Artifact struct {
	Content   []byte `json:"content"`
	MediaType string `json:"media_type,omitempty"`
}

// CodeGenerator produces artifacts from a textual spec.
type CodeGenerator interface {
	Generate(ctx context.Context, spec GenerationSpec) (Artifact, error)
}

// ApprovalNotice tells humans that a gate is waiting for them.
type ApprovalNotice struct {
	InstanceID model.InstanceID `json:"instance_id"`
	Workflow   string           `json:"workflow"`
	Gate       string           `json:"gate"`
	Step       string           `json:"step"`
	Risk       float64          `json:"risk"`
	Threshold  *float64         `json:"threshold,omitempty"`
	Deadline   time.Time        `json:"deadline"`
}

// NotificationChannel delivers approval requests.
type NotificationChannel interface {
	RequestApproval(ctx context.Context, notice ApprovalNotice) error
}

// Escalator is implemented by channels that can escalate an unanswered
// request.
type Escalator interface {
	Escalate(ctx context.Context, notice ApprovalNotice) error
}
