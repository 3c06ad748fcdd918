// Package executor runs a single step to completion.
//
// Execute dispatches the step's operation to the matching capability,
// applies the per-attempt timeout, retries failures that are safe to
// repeat, and captures the undo record of a successful run before
// returning. The executor never touches the store; the engine persists
// what it returns.
package executor
