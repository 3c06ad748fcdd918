// Package config defines the format-agnostic workflow model produced by the
// definition loaders, the Loader interface they implement, and the engine
// Settings read from file and environment.
//
// The `config.Workflow` is the single input of `dag.Compile`. Concrete
// loaders for HCL and YAML live in separate packages.
package config
