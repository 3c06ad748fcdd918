package config

import "context"

// Loader is the interface for a format-specific workflow loader.
type Loader interface {
	// Load reads the workflow from the given paths (files or directories)
	// and translates it into the format-agnostic model.
	Load(ctx context.Context, paths ...string) (*Workflow, error)
}
