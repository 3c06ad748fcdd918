package model

// OperationKind tags the closed set of operations a step can perform.
type OperationKind string

const (
	OpCommand        OperationKind = "command"
	OpFileMutation   OperationKind = "file_mutation"
	OpTestRun        OperationKind = "test_run"
	OpCodeGeneration OperationKind = "code_generation"
)

// Operation is a tagged variant: exactly the field matching Kind is set.
type Operation struct {
	Kind       OperationKind
	Idempotent bool

	Command  *CommandOp
	File     *FileOp
	Test     *TestOp
	Generate *GenerateOp
}

// CommandOp runs an external command. It is reversible only when an undo
// command is declared.
type CommandOp struct {
	Command     string
	Args        []string
	Dir         string
	UndoCommand string
	UndoArgs    []string
}

// FileAction is what a FileOp does to its path.
type FileAction string

const (
	FileWrite  FileAction = "write"
	FileDelete FileAction = "delete"
)

// FileOp writes or deletes a single file.
type FileOp struct {
	Path    string
	Content string
	Action  FileAction
}

// TestOp runs a test suite. It never changes state.
type TestOp struct {
	Suite string
}

// GenerateOp asks a code generator for an artifact and, when Target is set,
// writes it to that path.
type GenerateOp struct {
	Spec   string
	Target string
	Params map[string]string
}

// Reversible reports whether a successful run of the operation can be
// undone.
func (o Operation) Reversible() bool {
	if o.Kind == OpCommand {
		return o.Command != nil && o.Command.UndoCommand != ""
	}
	return true
}

// ReadOnly reports whether the operation leaves no side effects behind.
func (o Operation) ReadOnly() bool {
	switch o.Kind {
	case OpTestRun:
		return true
	case OpCodeGeneration:
		return o.Generate != nil && o.Generate.Target == ""
	}
	return false
}

// RetrySafe reports whether a failed attempt may be repeated without
// knowing whether it applied.
func (o Operation) RetrySafe() bool {
	return o.Idempotent || o.ReadOnly()
}
