package rollback

import (
	"context"
	"fmt"
	"time"

	"github.com/specialistvlad/stepgate/internal/capability"
	"github.com/specialistvlad/stepgate/internal/model"
)

// Undoer reverses one kind of undo record.
type Undoer interface {
	Undo(ctx context.Context, rec model.UndoRecord) error
}

// UndoerFunc adapts a function to Undoer.
type UndoerFunc func(ctx context.Context, rec model.UndoRecord) error

// Undo calls f.
func (f UndoerFunc) Undo(ctx context.Context, rec model.UndoRecord) error {
	return f(ctx, rec)
}

// FileUndoer restores files through the mutator that changed them.
type FileUndoer struct {
	Files capability.FileMutator
}

// Undo reverts rec.
func (u FileUndoer) Undo(ctx context.Context, rec model.UndoRecord) error {
	return u.Files.Revert(ctx, rec)
}

// CommandUndoer runs a step's declared undo command.
type CommandUndoer struct {
	Commands capability.CommandRunner
	Timeout  time.Duration
}

// Undo runs the undo command and fails on a non-zero exit.
func (u CommandUndoer) Undo(ctx context.Context, rec model.UndoRecord) error {
	out, err := u.Commands.Run(ctx, capability.Command{Name: rec.Command, Args: rec.Args, Dir: rec.Dir, Timeout: u.Timeout})
	if err != nil {
		if out.Stderr != "" {
			return fmt.Errorf("undo command %s: %w: %s", rec.Command, err, out.Stderr)
		}
		return fmt.Errorf("undo command %s: %w", rec.Command, err)
	}
	return nil
}
