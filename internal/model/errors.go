package model

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDefinition is wrapped by every workflow compilation error.
	ErrDefinition = errors.New("invalid workflow definition")
	// ErrApprovalDenied is the failure cause when a human denies a gate.
	ErrApprovalDenied = errors.New("approval denied")
	// ErrApprovalTimedOut is the failure cause when a gate is not answered
	// in time.
	ErrApprovalTimedOut = errors.New("approval timed out")
	// ErrGateAlreadyResolved is returned for a second decision on a gate.
	ErrGateAlreadyResolved = errors.New("gate already resolved")
	// ErrStorage is matched by every StorageError.
	ErrStorage = errors.New("state storage failure")
	// ErrUnknownSideEffect marks a step whose capability did not report
	// back after cancellation.
	ErrUnknownSideEffect = errors.New("outcome unknown, side effects may have been applied")
	// ErrAborted is the failure cause of an explicitly aborted instance.
	ErrAborted = errors.New("instance aborted")
)

// StepExecutionError is a step that failed after exhausting its attempts.
type StepExecutionError struct {
	Step     string
	Attempts int
	Err      error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step '%s' failed after %d attempt(s): %v", e.Step, e.Attempts, e.Err)
}

func (e *StepExecutionError) Unwrap() error { return e.Err }

// StepTimeoutError is an attempt that exceeded the step's timeout. The
// executor reports it wrapped in a StepExecutionError.
type StepTimeoutError struct {
	Step    string
	Timeout time.Duration
}

func (e *StepTimeoutError) Error() string {
	return fmt.Sprintf("step '%s' timed out after %s", e.Step, e.Timeout)
}

func (e *StepTimeoutError) Unwrap() error { return context.DeadlineExceeded }

// StorageError is a failed store write or read. It is fatal for the
// instance: the scheduler halts rather than guess at the persisted state.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrStorage) match any StorageError.
func (e *StorageError) Is(target error) bool { return target == ErrStorage }
