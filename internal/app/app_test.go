package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specialistvlad/stepgate/internal/config"
	"github.com/specialistvlad/stepgate/internal/hcl_adapter"
	"github.com/specialistvlad/stepgate/internal/model"
	"github.com/specialistvlad/stepgate/internal/testutil"
	"github.com/specialistvlad/stepgate/internal/yaml_adapter"
)

func testSettings(t *testing.T, workDir string) *config.Settings {
	t.Helper()
	s, err := config.LoadSettings("")
	require.NoError(t, err)
	s.Log.Level = "debug"
	s.Store.Driver = config.DriverMemory
	s.Capabilities.WorkDir = workDir
	return s
}

func newTestApp(t *testing.T, workDir string) (*App, *testutil.SafeBuffer) {
	t.Helper()
	logs := &testutil.SafeBuffer{}
	a, err := New(context.Background(), logs, testSettings(t, workDir))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, a.Close())
		if os.Getenv("STEPGATE_TEST_LOGS") == "1" {
			t.Logf("--- Full Log Output for %s ---\n%s", t.Name(), logs.String())
		}
	})
	return a, logs
}

func writeWorkflow(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

const writeThenFailHCL = `
name = "write-then-fail"

step "write" {
  operation "file_mutation" {
    path    = "config.txt"
    content = "new"
  }
}

step "check" {
  depends_on = ["write"]
  operation "command" {
    command = "sh"
    args    = ["-c", "exit 3"]
  }
}
`

func TestApp_RunRollsBackRealFiles(t *testing.T) {
	work := t.TempDir()
	target := filepath.Join(work, "config.txt")
	require.NoError(t, os.WriteFile(target, []byte("old"), 0o644))
	a, logs := newTestApp(t, work)

	def, err := LoadDefinition(context.Background(), writeWorkflow(t, "wf.hcl", writeThenFailHCL))
	require.NoError(t, err)

	inst, err := a.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.InstanceRolledBack, inst.Status)
	assert.Contains(t, inst.Reason, "step 'check'")

	content, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "old", string(content))
	assert.Contains(t, logs.String(), "Execution finished")
}

func TestApp_RunWithServer(t *testing.T) {
	a, _ := newTestApp(t, t.TempDir())
	def, err := LoadDefinition(context.Background(), writeWorkflow(t, "wf.yaml", `
name: hello
steps:
  - id: hello
    operation:
      type: command
      params:
        command: sh
        args: ["-c", "echo hello"]
`))
	require.NoError(t, err)

	inst, err := a.Run(context.Background(), def, RunOptions{ServeAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	assert.Equal(t, model.InstanceCompleted, inst.Status)
	assert.JSONEq(t, `{"exit_code":0,"stdout":"hello\n","stderr":""}`, string(inst.Steps[0].Output))

	again, err := a.Run(context.Background(), def, RunOptions{Instance: inst.ID})
	require.NoError(t, err)
	assert.Equal(t, inst.UpdatedAt, again.UpdatedAt)
}

func TestLoaderFor(t *testing.T) {
	yamlDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(yamlDir, "a.yml"), nil, 0o600))
	hclDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(hclDir, "a.hcl"), nil, 0o600))

	tests := []struct {
		name string
		path string
		want any
	}{
		{name: "yaml file", path: writeWorkflow(t, "w.yaml", ""), want: &yaml_adapter.Loader{}},
		{name: "hcl file", path: writeWorkflow(t, "w.hcl", ""), want: &hcl_adapter.Loader{}},
		{name: "yaml directory", path: yamlDir, want: &yaml_adapter.Loader{}},
		{name: "hcl directory", path: hclDir, want: &hcl_adapter.Loader{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			l, err := LoaderFor(tc.path)
			require.NoError(t, err)
			assert.IsType(t, tc.want, l)
		})
	}

	_, err := LoaderFor(filepath.Join(t.TempDir(), "missing.hcl"))
	require.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	buf := &testutil.SafeBuffer{}
	logger := NewLogger("warn", "json", buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
}

func TestNew_RejectsUnknownDriver(t *testing.T) {
	s := testSettings(t, t.TempDir())
	s.Store.Driver = "etcd"
	_, err := New(context.Background(), &testutil.SafeBuffer{}, s)
	require.ErrorContains(t, err, "unknown store driver")
}

func TestLoadDefinition_Errors(t *testing.T) {
	ctx := context.Background()
	_, err := LoadDefinition(ctx, writeWorkflow(t, "broken.hcl", `step "a" {`))
	require.ErrorIs(t, err, model.ErrDefinition)

	_, err = LoadDefinition(ctx, writeWorkflow(t, "cycle.hcl", `
step "a" {
  depends_on = ["b"]
  operation "command" { command = "a" }
}
step "b" {
  depends_on = ["a"]
  operation "command" { command = "b" }
}
`))
	require.ErrorIs(t, err, model.ErrDefinition)
	assert.Contains(t, err.Error(), "cycl")
}
