package testutil

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/specialistvlad/stepgate/internal/capability"
	"github.com/specialistvlad/stepgate/internal/model"
)

// CommandFunc scripts the behavior of one command.
type CommandFunc func(ctx context.Context, cmd capability.Command) (capability.CommandOutput, error)

// Fail returns a CommandFunc exiting with code.
func Fail(code int) CommandFunc {
	return func(context.Context, capability.Command) (capability.CommandOutput, error) {
		return capability.CommandOutput{ExitCode: code}, &capability.ExitError{Code: code}
	}
}

// Hang returns a CommandFunc that blocks until its context ends and then
// reports the context error.
func Hang() CommandFunc {
	return func(ctx context.Context, _ capability.Command) (capability.CommandOutput, error) {
		<-ctx.Done()
		return capability.CommandOutput{ExitCode: -1}, ctx.Err()
	}
}

// Sleep returns a CommandFunc that succeeds after d.
func Sleep(d time.Duration) CommandFunc {
	return func(ctx context.Context, _ capability.Command) (capability.CommandOutput, error) {
		select {
		case <-time.After(d):
			return capability.CommandOutput{}, nil
		case <-ctx.Done():
			return capability.CommandOutput{ExitCode: -1}, ctx.Err()
		}
	}
}

// Commands is a scripted CommandRunner. Commands without a script succeed
// with empty output. Every call is recorded.
type Commands struct {
	mu      sync.Mutex
	scripts map[string]CommandFunc
	calls   []capability.Command
	active  int
	peak    int
}

var _ capability.CommandRunner = (*Commands)(nil)

// NewCommands returns a runner with no scripts.
func NewCommands() *Commands {
	return &Commands{scripts: make(map[string]CommandFunc)}
}

// On scripts the command named name.
func (c *Commands) On(name string, fn CommandFunc) *Commands {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scripts[name] = fn
	return c
}

// Run implements capability.CommandRunner.
func (c *Commands) Run(ctx context.Context, cmd capability.Command) (capability.CommandOutput, error) {
	c.mu.Lock()
	c.calls = append(c.calls, cmd)
	fn := c.scripts[cmd.Name]
	c.active++
	if c.active > c.peak {
		c.peak = c.active
	}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.active--
		c.mu.Unlock()
	}()

	if fn == nil {
		return capability.CommandOutput{}, nil
	}
	return fn(ctx, cmd)
}

// Calls returns the names of every command run, in call order.
func (c *Commands) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.calls))
	for i, cmd := range c.calls {
		out[i] = cmd.Name
	}
	return out
}

// Count returns how often name was run.
func (c *Commands) Count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, cmd := range c.calls {
		if cmd.Name == name {
			n++
		}
	}
	return n
}

// Peak returns the highest number of commands that ran at once.
func (c *Commands) Peak() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peak
}

// Files is an in-memory FileMutator.
type Files struct {
	mu       sync.Mutex
	content  map[string][]byte
	reverted []string
	// FailRevert makes Revert fail for the listed paths.
	FailRevert map[string]bool
}

var _ capability.FileMutator = (*Files)(nil)

// NewFiles returns an empty file system.
func NewFiles() *Files {
	return &Files{content: make(map[string][]byte), FailRevert: make(map[string]bool)}
}

// Put seeds a file.
func (f *Files) Put(path, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.content[path] = []byte(content)
}

// Get returns a file's content and whether it exists.
func (f *Files) Get(path string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.content[path]
	return string(b), ok
}

// Reverted returns the paths reverted so far, in order.
func (f *Files) Reverted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.reverted...)
}

// Apply implements capability.FileMutator.
func (f *Files) Apply(ctx context.Context, change capability.FileChange) (model.UndoRecord, error) {
	if err := ctx.Err(); err != nil {
		return model.UndoRecord{}, capability.NotApplied(err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	prior, existed := f.content[change.Path]
	undo := model.UndoRecord{Kind: model.UndoRestoreFile, Path: change.Path, Existed: existed}
	if existed {
		undo.PriorContent = append([]byte(nil), prior...)
	}
	if change.Delete {
		delete(f.content, change.Path)
	} else {
		f.content[change.Path] = append([]byte(nil), change.Content...)
	}
	return undo, nil
}

// Revert implements capability.FileMutator.
func (f *Files) Revert(_ context.Context, undo model.UndoRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailRevert[undo.Path] {
		return errors.New("revert refused: " + undo.Path)
	}
	if undo.Existed {
		f.content[undo.Path] = append([]byte(nil), undo.PriorContent...)
	} else {
		delete(f.content, undo.Path)
	}
	f.reverted = append(f.reverted, undo.Path)
	return nil
}

// Tests is a TestRunner whose suites pass unless listed in Failing.
type Tests struct {
	mu      sync.Mutex
	Failing map[string]bool
	runs    []string
}

var _ capability.TestRunner = (*Tests)(nil)

// NewTests returns a runner where every suite passes.
func NewTests() *Tests {
	return &Tests{Failing: make(map[string]bool)}
}

// Run implements capability.TestRunner.
func (t *Tests) Run(_ context.Context, suite string) (capability.TestResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runs = append(t.runs, suite)
	if t.Failing[suite] {
		return capability.TestResult{Passed: false, Total: 1, Failed: 1}, nil
	}
	return capability.TestResult{Passed: true, Total: 1}, nil
}

// Runs returns the suites run so far.
func (t *Tests) Runs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.runs...)
}

// Generator returns fixed content for every spec.
type Generator struct {
	Content string
	Err     error
}

var _ capability.CodeGenerator = (*Generator)(nil)

// Generate implements capability.CodeGenerator.
func (g *Generator) Generate(context.Context, capability.GenerationSpec) (capability.Artifact, error) {
	if g.Err != nil {
		return capability.Artifact{}, g.Err
	}
	return capability.Artifact{Content: []byte(g.Content), MediaType: "text/plain"}, nil
}
