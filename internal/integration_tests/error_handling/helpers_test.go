package integration_tests

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/specialistvlad/stepgate/internal/app"
	"github.com/specialistvlad/stepgate/internal/config"
	"github.com/specialistvlad/stepgate/internal/model"
	"github.com/specialistvlad/stepgate/internal/testutil"
)

// harness is an application over an in-memory store whose file operations
// and commands run inside a temporary work directory.
type harness struct {
	app  *app.App
	work string
	logs *testutil.SafeBuffer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	settings, err := config.LoadSettings("")
	require.NoError(t, err)
	settings.Log.Level = "debug"
	settings.Store.Driver = config.DriverMemory
	settings.Engine.GracePeriod = 200 * time.Millisecond
	settings.Engine.MaxBackoff = 10 * time.Millisecond

	h := &harness{work: t.TempDir(), logs: &testutil.SafeBuffer{}}
	settings.Capabilities.WorkDir = h.work
	h.app, err = app.New(context.Background(), h.logs, settings)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, h.app.Close())
		if os.Getenv("STEPGATE_TEST_LOGS") == "1" {
			t.Logf("--- Full Log Output for %s ---\n%s", t.Name(), h.logs.String())
		}
	})
	return h
}

// load writes an HCL workflow into its own directory. Every {{work}} in src is
// replaced by the work directory.
func (h *harness) load(t *testing.T, src string) *model.Definition {
	t.Helper()
	p := filepath.Join(t.TempDir(), "workflow.hcl")
	require.NoError(t, os.WriteFile(p, []byte(strings.ReplaceAll(src, "{{work}}", h.work)), 0o600))
	def, err := app.LoadDefinition(context.Background(), p)
	require.NoError(t, err)
	return def
}

func (h *harness) run(t *testing.T, def *model.Definition) *model.Instance {
	t.Helper()
	inst, err := h.app.Run(context.Background(), def, app.RunOptions{})
	require.NoError(t, err)
	return inst
}

func (h *harness) file(t *testing.T, name string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(h.work, name))
	require.NoError(t, err)
	return string(b)
}

func statuses(inst *model.Instance) map[string]model.StepStatus {
	out := make(map[string]model.StepStatus, len(inst.Steps))
	for _, s := range inst.Steps {
		out[s.Name] = s.Status
	}
	return out
}
