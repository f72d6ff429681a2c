package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.NotEmpty(t, cfg.State.Dir)
	assert.Equal(t, 50, cfg.Orchestrator.MaxIterations)
	assert.Equal(t, 20, cfg.Orchestrator.QuickThreshold)
	assert.Equal(t, 3, cfg.Orchestrator.MaxRetries)
	assert.Equal(t, time.Second, cfg.Orchestrator.InitialBackoff)
	assert.Equal(t, 2.0, cfg.Orchestrator.BackoffMultiplier)
	assert.Equal(t, 3, cfg.Orchestrator.MaxValidationRetries)
	assert.Equal(t, 24*time.Hour, cfg.Orchestrator.CheckpointMaxAge)
	assert.Equal(t, "agent", cfg.Agent.Command)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
state:
  dir: /var/lib/taskd
orchestrator:
  max_iterations: 10
  quick_threshold: 35
agent:
  command: planner
logging:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/taskd", cfg.State.Dir)
	assert.Equal(t, 10, cfg.Orchestrator.MaxIterations)
	assert.Equal(t, 35, cfg.Orchestrator.QuickThreshold)
	assert.Equal(t, "planner", cfg.Agent.Command)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
	// Unset fields keep their defaults.
	assert.Equal(t, 3, cfg.Orchestrator.MaxRetries)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("orchestrator:\n  max_iterations: 10\n"), 0o600))

	t.Setenv("TASKD_ORCHESTRATOR_MAX_ITERATIONS", "7")
	t.Setenv("TASKD_AGENT_COMMAND", "other-agent")

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Orchestrator.MaxIterations)
	assert.Equal(t, "other-agent", cfg.Agent.Command)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"negative iterations", "orchestrator:\n  max_iterations: -1\n"},
		{"threshold out of range", "orchestrator:\n  quick_threshold: 200\n"},
		{"multiplier below one", "orchestrator:\n  backoff_multiplier: 0.5\n"},
		{"bad log level", "logging:\n  level: verbose\n"},
		{"bad log format", "logging:\n  format: xml\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))
			_, err := LoadWithFile(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "config validation failed")
		})
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(":::not yaml"), 0o600))
	_, err := LoadWithFile(path)
	require.Error(t, err)
}
