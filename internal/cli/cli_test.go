package cli

import (
	"bytes"
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specialistvlad/stepgate/internal/model"
	"github.com/specialistvlad/stepgate/internal/server"
	"github.com/specialistvlad/stepgate/internal/store/memory"
)

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	err := Execute(context.Background(), args, &out, &errOut)
	return out.String(), errOut.String(), err
}

func writeWorkflow(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "workflow.hcl")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

const deployHCL = `
name = "deploy"

step "build" {
  operation "command" {
    command = "sh"
    args    = ["-c", "true"]
  }
  risk_factors = {
    command_execution = 0.5
  }
}

step "ship" {
  depends_on = ["build"]
  operation "command" {
    command = "sh"
    args    = ["-c", "%s"]
  }
}

approval_gate "prod" {
  steps          = ["ship"]
  risk_threshold = 0.9
}
`

func deployWorkflow(t *testing.T, script string) string {
	return writeWorkflow(t, fmt.Sprintf(deployHCL, script))
}

func TestValidate(t *testing.T) {
	out, _, err := execute(t, "validate", deployWorkflow(t, "true"))
	require.NoError(t, err)
	assert.Contains(t, out, `Workflow "deploy" is valid: 2 steps in 2 layers.`)
	assert.Contains(t, out, "layer 1: ship")
	assert.Contains(t, out, "gate prod: risk >= 0.90")
	assert.Contains(t, out, "Static risk: 0.15")
}

func TestValidate_RejectsCycles(t *testing.T) {
	path := writeWorkflow(t, `
step "a" {
  depends_on = ["b"]
  operation "command" { command = "a" }
}
step "b" {
  depends_on = ["a"]
  operation "command" { command = "b" }
}
`)
	_, _, err := execute(t, "validate", path)
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, ExitUsage, exitErr.Code)
	assert.Contains(t, exitErr.Message, "cycle")
}

func TestRun(t *testing.T) {
	out, _, err := execute(t, "run", "--store", "memory", "--log-level", "debug", deployWorkflow(t, "true"))
	require.NoError(t, err)
	assert.Contains(t, out, "Status: completed")
}

func TestRun_RolledBack(t *testing.T) {
	out, _, err := execute(t, "run", "--store", "memory", deployWorkflow(t, "exit 1"))
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, ExitRolledBack, exitErr.Code)
	assert.Contains(t, out, "Status: rolled_back")
}

func TestRun_FileStoreThenStatusAndList(t *testing.T) {
	dir := t.TempDir()
	out, _, err := execute(t, "run", "--store-dir", dir, deployWorkflow(t, "true"))
	require.NoError(t, err)

	list, _, err := execute(t, "list", "--store-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, list, "deploy")
	assert.Contains(t, list, "completed")

	// The first line of a summary names the instance.
	var id string
	_, scanErr := fmt.Sscanf(out, "Instance %s", &id)
	require.NoError(t, scanErr)

	status, _, err := execute(t, "status", "--store-dir", dir, "--instance", id)
	require.NoError(t, err)
	assert.Equal(t, out, status)
}

func TestStatus_UnknownInstance(t *testing.T) {
	_, _, err := execute(t, "status", "--store", "memory", "--instance", "nope")
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, ExitFailure, exitErr.Code)
	assert.Contains(t, exitErr.Message, "not found")
}

type recordingResolver struct {
	gate    string
	approve bool
	decider string
}

func (r *recordingResolver) Resolve(_ context.Context, _ model.InstanceID, gate string, approve bool, decider string) error {
	r.gate, r.approve, r.decider = gate, approve, decider
	return nil
}

func TestApproveAndDeny(t *testing.T) {
	res := &recordingResolver{}
	srv := httptest.NewServer(server.New(memory.New(), res, nil).Handler())
	defer srv.Close()

	out, _, err := execute(t, "approve", "--server", srv.URL, "--instance", "i-1", "--gate", "prod", "--decider", "alice")
	require.NoError(t, err)
	assert.Equal(t, "Gate prod of instance i-1 approved.\n", out)
	assert.Equal(t, &recordingResolver{gate: "prod", approve: true, decider: "alice"}, res)

	_, _, err = execute(t, "deny", "--server", srv.URL, "--instance", "i-1", "--gate", "prod")
	require.NoError(t, err)
	assert.False(t, res.approve)
}

func TestUsageErrors(t *testing.T) {
	_, _, err := execute(t, "run", "--no-such-flag", "x")
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, ExitUsage, exitErr.Code)

	_, _, err = execute(t, "run", "--store", "etcd", "x")
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, ExitUsage, exitErr.Code)
	assert.Contains(t, exitErr.Message, "unknown store driver")
}
