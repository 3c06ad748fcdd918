package testutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/specialistvlad/stepgate/internal/dag"
	"github.com/specialistvlad/stepgate/internal/hcl_adapter"
	"github.com/specialistvlad/stepgate/internal/model"
)

// CompileHCL loads src as a single HCL workflow file and compiles it.
func CompileHCL(t *testing.T, src string) *model.Definition {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workflow.hcl")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o600))

	ctx := context.Background()
	wf, err := hcl_adapter.NewLoader().Load(ctx, path)
	require.NoError(t, err)
	def, err := dag.Compile(ctx, wf)
	require.NoError(t, err)
	return def
}
