package integration_tests

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specialistvlad/stepgate/internal/app"
	"github.com/specialistvlad/stepgate/internal/model"
)

// Test for: Workflows that cannot be compiled are rejected before anything
// runs.
func TestErrorHandling_InvalidWorkflowIsRejected(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		src     string
		wantErr string
	}{
		{
			name:    "malformed hcl",
			file:    "broken.hcl",
			src:     `step "a" {`,
			wantErr: "failed to parse",
		},
		{
			name: "cycle",
			file: "cycle.hcl",
			src: `
step "a" {
  depends_on = ["b"]
  operation "command" { command = "true" }
}
step "b" {
  depends_on = ["a"]
  operation "command" { command = "true" }
}
`,
			wantErr: "cycle detected",
		},
		{
			name: "risk reads a later step",
			file: "risk.yaml",
			src: `
steps:
  - id: a
    operation:
      type: command
      params:
        command: "true"
    risk_factors:
      data_changes: "step.b.output.exit_code"
  - id: b
    depends_on: [a]
    operation:
      type: command
      params:
        command: "true"
`,
			wantErr: "which is not upstream",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// --- Arrange ---
			p := filepath.Join(t.TempDir(), tt.file)
			require.NoError(t, os.WriteFile(p, []byte(tt.src), 0o600))

			// --- Act ---
			_, err := app.LoadDefinition(context.Background(), p)

			// --- Assert ---
			assert.ErrorIs(t, err, model.ErrDefinition)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
