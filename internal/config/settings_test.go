package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSettings(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		s, err := LoadSettings("")
		require.NoError(t, err)

		assert.Equal(t, "info", s.Log.Level)
		assert.Equal(t, 4, s.Engine.MaxConcurrentSteps)
		assert.Equal(t, 10*time.Second, s.Engine.GracePeriod)
		assert.Equal(t, "deny", s.Approval.TimeoutPolicy)
		assert.Equal(t, DriverFile, s.Store.Driver)
		assert.InDelta(t, 0.4, s.Risk.Weights["file_modification"], 1e-9)
	})

	t.Run("file overrides defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "stepgate.yaml")
		content := `
engine:
  max_concurrent_steps: 8
  grace_period: 2s
approval:
  timeout_policy: escalate
store:
  driver: memory
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

		s, err := LoadSettings(path)
		require.NoError(t, err)
		assert.Equal(t, 8, s.Engine.MaxConcurrentSteps)
		assert.Equal(t, 2*time.Second, s.Engine.GracePeriod)
		assert.Equal(t, "escalate", s.Approval.TimeoutPolicy)
		assert.Equal(t, DriverMemory, s.Store.Driver)
	})

	t.Run("environment overrides file", func(t *testing.T) {
		t.Setenv("STEPGATE_STORE_DRIVER", "memory")
		t.Setenv("STEPGATE_ENGINE_MAX_CONCURRENT_STEPS", "2")

		s, err := LoadSettings("")
		require.NoError(t, err)
		assert.Equal(t, DriverMemory, s.Store.Driver)
		assert.Equal(t, 2, s.Engine.MaxConcurrentSteps)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadSettings(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.ErrorContains(t, err, "reading settings file")
	})
}

func TestSettingsValidate(t *testing.T) {
	valid := func() *Settings {
		s, err := LoadSettings("")
		require.NoError(t, err)
		return s
	}

	tests := []struct {
		name    string
		mutate  func(*Settings)
		wantErr string
	}{
		{"bad level", func(s *Settings) { s.Log.Level = "loud" }, "invalid log level"},
		{"zero concurrency", func(s *Settings) { s.Engine.MaxConcurrentSteps = 0 }, "max_concurrent_steps"},
		{"negative weight", func(s *Settings) { s.Risk.Weights["x"] = -1 }, "must not be negative"},
		{"bad policy", func(s *Settings) { s.Approval.TimeoutPolicy = "ignore" }, "timeout_policy"},
		{"redis without addr", func(s *Settings) { s.Store.Driver = DriverRedis }, "redis_addr"},
		{"unknown driver", func(s *Settings) { s.Store.Driver = "etcd" }, "unknown store driver"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid()
			tt.mutate(s)
			assert.ErrorContains(t, s.Validate(), tt.wantErr)
		})
	}
}
