package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/specialistvlad/stepgate/internal/model"
)

var (
	// ErrNotFound is returned for an unknown instance id.
	ErrNotFound = errors.New("instance not found")
	// ErrIllegalTransition is returned for a status change the lifecycle
	// does not allow.
	ErrIllegalTransition = errors.New("illegal transition")
	// ErrInstanceTerminal is returned for any write to a Completed or
	// RolledBack instance.
	ErrInstanceTerminal = errors.New("instance is terminal")
	// ErrExists is returned when creating an instance whose id is taken.
	ErrExists = errors.New("instance already exists")
)

// Store is the durable record of workflow instances.
//
// # Thread-Safety Requirements
//
// Implementations MUST serialize writes to the same instance and SHOULD let
// writes to different instances proceed concurrently. Reads may run
// concurrently with writes and must observe either the state before or the
// state after any single write.
type Store interface {
	// Create persists a new Pending instance of def with every step
	// NotStarted, and returns its id.
	Create(ctx context.Context, def *model.Definition) (model.InstanceID, error)

	// Load returns a deep copy of the instance. Mutating the copy has no
	// effect on the store.
	Load(ctx context.Context, id model.InstanceID) (*model.Instance, error)

	// Transition moves one step to a new status and records the payload
	// with it. Illegal moves return ErrIllegalTransition.
	Transition(ctx context.Context, id model.InstanceID, step model.StepID, status model.StepStatus, payload model.StepPayload) error

	// RecordUndo appends an undo record. The store assigns Seq, so undo
	// records are numbered in the order their steps completed.
	RecordUndo(ctx context.Context, id model.InstanceID, rec model.UndoRecord) error

	// RecordApproval inserts or replaces the record of one gate. A gate
	// that is already resolved returns model.ErrGateAlreadyResolved.
	RecordApproval(ctx context.Context, id model.InstanceID, rec model.ApprovalRecord) error

	// SetStatus moves the instance to a new status.
	SetStatus(ctx context.Context, id model.InstanceID, status model.InstanceStatus, reason string) error

	// MarkUndone records the outcome of undoing the record with the given
	// Seq. A nil failure means the undo succeeded.
	MarkUndone(ctx context.Context, id model.InstanceID, seq int, failure *model.RollbackFailure) error

	// List returns a summary of every instance, most recently created
	// first.
	List(ctx context.Context) ([]model.InstanceSummary, error)
}

// NewInstanceID returns a fresh random instance id.
func NewInstanceID() model.InstanceID {
	return model.InstanceID(uuid.NewString())
}

// ValidID reports whether id has the shape NewInstanceID produces. Backends
// that derive file names or keys from ids use it to reject anything else.
func ValidID(id model.InstanceID) bool {
	if len(id) != 36 {
		return false
	}
	_, err := uuid.Parse(string(id))
	return err == nil
}
