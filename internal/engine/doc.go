// Package engine drives workflow instances from start to a final status.
//
// # Architecture
//
// Each instance is owned by one goroutine running its scheduling loop. The
// loop is the only writer of the instance while it runs; step executions
// and approval waits happen in their own goroutines and report back over
// channels. Every state change is written to the store before the loop acts
// on it, so a step only starts once each of its dependencies is durably
// Completed and a crashed process can resume any instance from the store.
//
// # Lifecycle
//
//	Pending -> Running <-> AwaitingApproval -> Completed
//	                 \-> Failed -> RollingBack -> RolledBack
//
// A step failing beyond its retry budget, a gate denied or timed out on a
// non-optional step, or an abort fails the instance: running steps are
// cancelled and waited for, ready steps are skipped, and the rollback
// coordinator undoes whatever completed.
//
// A storage failure or cancellation of the caller's context halts the
// instance instead. The loop stops writing, waits for in-flight steps, and
// returns a *HaltedError; Resume picks the instance up later.
package engine
