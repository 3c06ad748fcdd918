// Package store defines the durable record of workflow instances and the
// rules every backend applies when mutating it.
//
// # Why the Store Exists
//
// The store isolates **mutable execution state** (instance status, step
// records, undo records, approval decisions) from the **immutable
// definition** compiled by the dag package. The scheduler is its only
// writer; everything else reads deep copies through Load.
//
// # Durability Contract
//
// Every write is durable before it returns. The scheduler relies on this:
// it never dispatches a step before the Completed transition of each of the
// step's dependencies has returned, and it never reports a step done before
// the step's undo record has returned. A process that crashes at any point
// can therefore be resumed from what Load returns.
//
// # Backends
//
//   - internal/store/memory: process-local, for tests and one-shot runs.
//   - internal/store/filestore: one JSON document per instance, replaced
//     atomically.
//   - internal/store/redisstore: one key per instance, optimistic
//     transactions.
//   - internal/store/pgstore: one row per instance, row-locked transactions.
//
// Backends only load and save whole documents. The Apply* functions in this
// package hold the transition rules, so every backend rejects the same
// illegal writes.
package store
