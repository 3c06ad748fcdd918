package integration_tests

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specialistvlad/stepgate/internal/app"
	"github.com/specialistvlad/stepgate/internal/model"
)

const gatedRelease = `
name = "gated-release"

step "build" {
  operation "file_mutation" {
    path    = "release.txt"
    content = "v2"
  }
}

step "deploy" {
  depends_on = ["build"]
  operation "command" {
    command = "sh"
    args    = ["-c", "cp release.txt deployed.txt"]
    dir     = "{{work}}"
  }
  risk_factors = {
    file_modification = 1
    command_execution = 1
  }
}

approval_gate "prod-gate" {
  steps          = ["deploy"]
  risk_threshold = 0.5
}
`

type result struct {
	inst *model.Instance
	err  error
}

// startGated runs the gated release in the background and returns the
// instance once its gate is pending.
func startGated(t *testing.T, h *harness) (model.InstanceID, <-chan result) {
	t.Helper()
	def := h.load(t, gatedRelease)
	done := make(chan result, 1)
	go func() {
		inst, err := h.app.Run(context.Background(), def, app.RunOptions{})
		done <- result{inst, err}
	}()

	var id model.InstanceID
	require.Eventually(t, func() bool {
		list, err := h.app.Store().List(context.Background())
		if err != nil || len(list) == 0 {
			return false
		}
		inst, err := h.app.Store().Load(context.Background(), list[0].ID)
		if err != nil {
			return false
		}
		rec := inst.Approval("prod-gate")
		if rec == nil || rec.Status != model.ApprovalPending {
			return false
		}
		id = inst.ID
		return inst.Status == model.InstanceAwaitingApproval
	}, 5*time.Second, 10*time.Millisecond)
	return id, done
}

func await(t *testing.T, done <-chan result) *model.Instance {
	t.Helper()
	select {
	case res := <-done:
		require.NoError(t, res.err)
		return res.inst
	case <-time.After(10 * time.Second):
		t.Fatal("run did not finish")
		return nil
	}
}

// Test for: A step above its gate's threshold does not start until a human
// approves it.
func TestApprovalGates_ApprovedStepRuns(t *testing.T) {
	// --- Arrange ---
	h := newHarness(t)
	id, done := startGated(t, h)
	assert.NoFileExists(t, h.work+"/deployed.txt")

	// --- Act ---
	require.NoError(t, h.app.Approvals().Resolve(context.Background(), id, "prod-gate", true, "alice"))
	inst := await(t, done)

	// --- Assert ---
	assert.Equal(t, model.InstanceCompleted, inst.Status)
	assert.Equal(t, "v2", h.file(t, "deployed.txt"))
	rec := inst.Approval("prod-gate")
	require.NotNil(t, rec)
	assert.Equal(t, model.ApprovalApproved, rec.Status)
	assert.Equal(t, "alice", rec.Decider)
	assert.InDelta(t, 0.7, rec.Risk, 1e-9)
}

// Test for: Denying a gate fails the instance and undoes the steps that
// already ran.
func TestApprovalGates_DeniedGateRollsBack(t *testing.T) {
	// --- Arrange ---
	h := newHarness(t)
	id, done := startGated(t, h)
	assert.Equal(t, "v2", h.file(t, "release.txt"))

	// --- Act ---
	require.NoError(t, h.app.Approvals().Resolve(context.Background(), id, "prod-gate", false, "bob"))
	inst := await(t, done)

	// --- Assert ---
	assert.Equal(t, model.InstanceRolledBack, inst.Status)
	assert.Contains(t, inst.Reason, "gate 'prod-gate'")
	assert.Equal(t, model.StepRolledBack, inst.Steps[0].Status)
	assert.Equal(t, model.StepFailed, inst.Steps[1].Status)
	assert.NoFileExists(t, h.work+"/release.txt")
	assert.NoFileExists(t, h.work+"/deployed.txt")

	err := h.app.Approvals().Resolve(context.Background(), id, "prod-gate", true, "carol")
	assert.ErrorIs(t, err, model.ErrGateAlreadyResolved)
}
