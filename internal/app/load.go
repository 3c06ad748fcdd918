package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/specialistvlad/stepgate/internal/config"
	"github.com/specialistvlad/stepgate/internal/ctxlog"
	"github.com/specialistvlad/stepgate/internal/dag"
	"github.com/specialistvlad/stepgate/internal/hcl_adapter"
	"github.com/specialistvlad/stepgate/internal/model"
	"github.com/specialistvlad/stepgate/internal/yaml_adapter"
)

// LoaderFor picks the workflow loader for path: YAML for .yaml and .yml
// files or directories holding only those, HCL otherwise.
func LoaderFor(path string) (config.Loader, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		if isYAML(path) {
			return yaml_adapter.NewLoader(), nil
		}
		return hcl_adapter.NewLoader(), nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	var yamlFiles, hclFiles int
	for _, e := range entries {
		switch {
		case e.IsDir():
		case isYAML(e.Name()):
			yamlFiles++
		case filepath.Ext(e.Name()) == ".hcl":
			hclFiles++
		}
	}
	if yamlFiles > 0 && hclFiles == 0 {
		return yaml_adapter.NewLoader(), nil
	}
	return hcl_adapter.NewLoader(), nil
}

func isYAML(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// LoadDefinition loads and compiles the workflow at path.
func LoadDefinition(ctx context.Context, path string) (*model.Definition, error) {
	logger := ctxlog.FromContext(ctx)
	loader, err := LoaderFor(path)
	if err != nil {
		return nil, fmt.Errorf("reading workflow %s: %w", path, err)
	}
	wf, err := loader.Load(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrDefinition, err)
	}
	def, err := dag.Compile(ctx, wf)
	if err != nil {
		return nil, err
	}
	logger.Debug("Workflow compiled.", "workflow", def.Name, "steps", len(def.Steps), "layers", len(def.Layers))
	return def, nil
}
