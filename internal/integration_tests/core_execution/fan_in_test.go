package integration_tests

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/specialistvlad/stepgate/internal/model"
)

// Test for: Branches fanned out from one step all finish before the step
// that joins them starts.
func TestCoreExecution_FanOutFanIn(t *testing.T) {
	// --- Arrange ---
	h := newHarness(t)
	def := h.load(t, `
name = "fan"

step "seed" {
  operation "file_mutation" {
    path    = "seed.txt"
    content = "x"
  }
}

step "left" {
  depends_on = ["seed"]
  operation "command" {
    command = "sh"
    args    = ["-c", "cat seed.txt > left.txt"]
    dir     = "{{work}}"
  }
}

step "right" {
  depends_on = ["seed"]
  operation "command" {
    command = "sh"
    args    = ["-c", "cat seed.txt > right.txt"]
    dir     = "{{work}}"
  }
}

step "join" {
  depends_on = ["left", "right"]
  operation "command" {
    command = "sh"
    args    = ["-c", "cat left.txt right.txt > joined.txt"]
    dir     = "{{work}}"
  }
}
`)

	// --- Act ---
	inst := h.run(t, def)

	// --- Assert ---
	assert.Equal(t, model.InstanceCompleted, inst.Status)
	assert.Equal(t, [][]model.StepID{{0}, {1, 2}, {3}}, def.Layers)
	assert.Equal(t, "xx", h.file(t, "joined.txt"))
	for name, status := range statuses(inst) {
		assert.Equal(t, model.StepCompleted, status, name)
	}
}
