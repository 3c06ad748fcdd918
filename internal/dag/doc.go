// Package dag compiles a format-agnostic config.Workflow into an immutable
// model.Definition: names are resolved to integer step ids, operations are
// decoded into their typed variants, the dependency graph is checked for
// cycles and split into topological layers, and approval gates are bound
// to their steps.
//
// Every error returned by Compile wraps model.ErrDefinition.
package dag
