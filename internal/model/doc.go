// Package model holds the types shared by every stepgate component: the
// compiled workflow Definition, the mutable Instance record kept by a
// store, and the error taxonomy.
//
// A Definition is immutable once compiled and may be shared between any
// number of instances. An Instance is only ever mutated by the scheduler
// that owns it, through a store; everyone else observes deep copies.
package model
