package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/specialistvlad/stepgate/internal/capability"
	"github.com/specialistvlad/stepgate/internal/model"
)

var errMissingUndo = errors.New("file mutator returned no undo record")

type fileOutput struct {
	Path      string `json:"path"`
	Action    string `json:"action"`
	PriorHash string `json:"prior_hash,omitempty"`
	NewHash   string `json:"new_hash,omitempty"`
}

type generationOutput struct {
	Bytes     int    `json:"bytes"`
	MediaType string `json:"media_type,omitempty"`
	Target    string `json:"target,omitempty"`
	Content   string `json:"content,omitempty"`
}

func unavailable(what string) attemptResult {
	return attemptResult{err: capability.NotApplied(fmt.Errorf("no %s configured", what))}
}

func (e *Executor) dispatch(ctx context.Context, step *model.Step, env Env) attemptResult {
	op := step.Operation
	switch op.Kind {
	case model.OpCommand:
		return e.runCommand(ctx, op.Command)
	case model.OpFileMutation:
		return e.mutateFile(ctx, op.File)
	case model.OpTestRun:
		return e.runTests(ctx, op.Test)
	case model.OpCodeGeneration:
		return e.generate(ctx, step.Name, op.Generate)
	default:
		return attemptResult{err: capability.NotApplied(fmt.Errorf("unknown operation kind %q", op.Kind))}
	}
}

func (e *Executor) runCommand(ctx context.Context, op *model.CommandOp) attemptResult {
	if e.caps.Commands == nil {
		return unavailable("command runner")
	}
	out, err := e.caps.Commands.Run(ctx, capability.Command{Name: op.Command, Args: op.Args, Dir: op.Dir})
	res := attemptResult{output: mustJSON(out), err: err}
	if err != nil {
		return res
	}
	if op.UndoCommand != "" {
		res.undo = &model.UndoRecord{Kind: model.UndoCommand, Command: op.UndoCommand, Args: op.UndoArgs, Dir: op.Dir}
	} else {
		res.undo = &model.UndoRecord{Kind: model.UndoNoop, Irreversible: true}
	}
	return res
}

func (e *Executor) mutateFile(ctx context.Context, op *model.FileOp) attemptResult {
	if e.caps.Files == nil {
		return unavailable("file mutator")
	}
	undo, err := e.caps.Files.Apply(ctx, capability.FileChange{
		Path:    op.Path,
		Content: []byte(op.Content),
		Delete:  op.Action == model.FileDelete,
	})
	if err != nil {
		return attemptResult{err: err}
	}
	if undo.Kind == "" {
		return attemptResult{err: errMissingUndo}
	}
	return attemptResult{
		output: mustJSON(fileOutput{Path: op.Path, Action: string(op.Action), PriorHash: undo.PriorHash, NewHash: undo.NewHash}),
		undo:   &undo,
	}
}

func (e *Executor) runTests(ctx context.Context, op *model.TestOp) attemptResult {
	if e.caps.Tests == nil {
		return unavailable("test runner")
	}
	res, err := e.caps.Tests.Run(ctx, op.Suite)
	if err != nil {
		return attemptResult{err: err}
	}
	out := attemptResult{output: mustJSON(res), undo: &model.UndoRecord{Kind: model.UndoNoop}}
	if !res.Passed {
		out.err = fmt.Errorf("test suite %q failed: %d of %d tests failed", op.Suite, res.Failed, res.Total)
	}
	return out
}

func (e *Executor) generate(ctx context.Context, stepName string, op *model.GenerateOp) attemptResult {
	if e.caps.Generator == nil {
		return unavailable("code generator")
	}
	if op.Target != "" && e.caps.Files == nil {
		return unavailable("file mutator")
	}
	art, err := e.caps.Generator.Generate(ctx, capability.GenerationSpec{Step: stepName, Spec: op.Spec, Params: op.Params})
	if err != nil {
		return attemptResult{err: err}
	}
	out := generationOutput{Bytes: len(art.Content), MediaType: art.MediaType, Target: op.Target}
	if op.Target == "" {
		out.Content = string(art.Content)
		return attemptResult{output: mustJSON(out), undo: &model.UndoRecord{Kind: model.UndoNoop}}
	}

	undo, err := e.caps.Files.Apply(ctx, capability.FileChange{Path: op.Target, Content: art.Content})
	if err != nil {
		return attemptResult{err: fmt.Errorf("writing artifact to %s: %w", op.Target, err)}
	}
	if undo.Kind == "" {
		return attemptResult{err: errMissingUndo}
	}
	return attemptResult{output: mustJSON(out), undo: &undo}
}

// mustJSON encodes values built from plain structs, which cannot fail.
func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("encoding step output: %v", err))
	}
	return b
}
