package hcl_adapter

import (
	"context"
	"fmt"
	"os"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/specialistvlad/stepgate/internal/config"
	"github.com/specialistvlad/stepgate/internal/ctxlog"
	"github.com/specialistvlad/stepgate/internal/fsutil"
)

// Loader is the HCL-specific implementation of the config.Loader interface.
type Loader struct{}

var _ config.Loader = (*Loader)(nil)

// NewLoader creates a new HCL workflow loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load parses every .hcl file found under paths and merges their steps and
// gates into one workflow. Files are read in lexical order.
func (l *Loader) Load(ctx context.Context, paths ...string) (*config.Workflow, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("HCL loader started.", "path_count", len(paths))

	files, err := fsutil.FindFilesByExtension(paths, ".hcl")
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no .hcl files found in %v", paths)
	}
	logger.Debug("Discovered HCL files.", "count", len(files))

	wf := &config.Workflow{}
	var digest fsutil.Digest
	parser := hclparse.NewParser()

	for _, file := range files {
		src, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", file, err)
		}
		digest.Add(file, src)

		hclFile, diags := parser.ParseHCL(src, file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse HCL file %s: %w", file, diags)
		}

		var root fileRoot
		diags = gohcl.DecodeBody(hclFile.Body, nil, &root)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to decode HCL file %s: %w", file, diags)
		}

		if root.Name != "" {
			if wf.Name != "" && wf.Name != root.Name {
				return nil, fmt.Errorf("file %s names the workflow '%s', already named '%s'", file, root.Name, wf.Name)
			}
			wf.Name = root.Name
		}
		for _, s := range root.Steps {
			step, err := l.translateStep(ctx, s)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", file, err)
			}
			wf.Steps = append(wf.Steps, step)
		}
		for _, g := range root.Gates {
			wf.Gates = append(wf.Gates, l.translateGate(g))
		}
	}
	wf.Digest = digest.String()

	logger.Debug("HCL loading complete.", "steps", len(wf.Steps), "gates", len(wf.Gates))
	return wf, nil
}
