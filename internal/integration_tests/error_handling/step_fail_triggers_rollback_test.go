package integration_tests

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specialistvlad/stepgate/internal/model"
)

// Test for: A failed step rolls back every completed step, newest first,
// and restores mutated files.
func TestErrorHandling_StepFailTriggersRollback(t *testing.T) {
	// --- Arrange ---
	h := newHarness(t)
	require.NoError(t, os.WriteFile(filepath.Join(h.work, "config.txt"), []byte("old"), 0o644))
	def := h.load(t, `
name = "fail-late"

step "write" {
  operation "file_mutation" {
    path    = "config.txt"
    content = "new"
  }
}

step "migrate" {
  depends_on = ["write"]
  operation "command" {
    command      = "true"
    undo_command = "sh"
    undo_args    = ["-c", "echo migrate >> undo.log"]
    dir          = "{{work}}"
  }
}

step "notify" {
  depends_on = ["migrate"]
  operation "command" {
    command      = "true"
    undo_command = "sh"
    undo_args    = ["-c", "echo notify >> undo.log"]
    dir          = "{{work}}"
  }
}

step "verify" {
  depends_on = ["notify"]
  operation "command" {
    command = "sh"
    args    = ["-c", "exit 3"]
  }
}
`)

	// --- Act ---
	inst := h.run(t, def)

	// --- Assert ---
	assert.Equal(t, model.InstanceRolledBack, inst.Status)
	assert.Contains(t, inst.Reason, "step 'verify'")
	assert.Empty(t, inst.RollbackFailures)

	want := map[string]model.StepStatus{
		"write":   model.StepRolledBack,
		"migrate": model.StepRolledBack,
		"notify":  model.StepRolledBack,
		"verify":  model.StepFailed,
	}
	if diff := cmp.Diff(want, statuses(inst)); diff != "" {
		t.Errorf("step statuses (-want +got):\n%s", diff)
	}
	assert.Equal(t, "notify\nmigrate\n", h.file(t, "undo.log"))
	assert.Equal(t, "old", h.file(t, "config.txt"))
}

// Test for: A completed step with no undo is reported as irreversible
// after rollback.
func TestErrorHandling_IrreversibleStepIsReported(t *testing.T) {
	// --- Arrange ---
	h := newHarness(t)
	def := h.load(t, `
step "announce" {
  operation "command" {
    command = "true"
  }
}

step "verify" {
  depends_on = ["announce"]
  operation "command" {
    command = "false"
  }
}
`)

	// --- Act ---
	inst := h.run(t, def)

	// --- Assert ---
	assert.Equal(t, model.InstanceRolledBack, inst.Status)
	assert.Equal(t, []string{"announce"}, inst.Irreversible)
}
