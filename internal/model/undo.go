package model

import "time"

// UndoKind selects the undoer that reverses a completed step.
type UndoKind string

const (
	UndoNoop        UndoKind = "noop"
	UndoRestoreFile UndoKind = "restore_file"
	UndoCommand     UndoKind = "command"
)

// UndoRecord describes how to reverse one completed step. Seq is assigned by
// the store and follows completion order.
type UndoRecord struct {
	Seq      int      `json:"seq"`
	Step     StepID   `json:"step"`
	StepName string   `json:"step_name"`
	Kind     UndoKind `json:"kind"`
	// Irreversible marks a no-op standing in for an operation that cannot
	// be reversed.
	Irreversible bool `json:"irreversible,omitempty"`

	Path         string `json:"path,omitempty"`
	Existed      bool   `json:"existed,omitempty"`
	PriorContent []byte `json:"prior_content,omitempty"`
	PriorHash    string `json:"prior_hash,omitempty"`
	NewHash      string `json:"new_hash,omitempty"`

	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	Dir     string   `json:"dir,omitempty"`

	Undone     bool      `json:"undone,omitempty"`
	Failed     bool      `json:"failed,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

func (u UndoRecord) clone() UndoRecord {
	if u.PriorContent != nil {
		u.PriorContent = append([]byte(nil), u.PriorContent...)
	}
	if u.Args != nil {
		u.Args = append([]string(nil), u.Args...)
	}
	return u
}
