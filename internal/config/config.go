// Package config provides configuration loading for taskd.
package config

import (
	"fmt"
	"time"
)

// Config is the full taskd configuration.
type Config struct {
	State        StateConfig        `koanf:"state"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	Agent        AgentConfig        `koanf:"agent"`
	Logging      LoggingConfig      `koanf:"logging"`
}

// StateConfig controls where workflow state and checkpoints live.
type StateConfig struct {
	Dir string `koanf:"dir"`
}

// OrchestratorConfig tunes the controller loop and pipeline retries.
type OrchestratorConfig struct {
	MaxIterations        int           `koanf:"max_iterations"`
	QuickThreshold       int           `koanf:"quick_threshold"`
	MaxRetries           int           `koanf:"max_retries"`
	InitialBackoff       time.Duration `koanf:"initial_backoff"`
	MaxBackoff           time.Duration `koanf:"max_backoff"`
	BackoffMultiplier    float64       `koanf:"backoff_multiplier"`
	MaxValidationRetries int           `koanf:"max_validation_retries"`
	CheckpointMaxAge     time.Duration `koanf:"checkpoint_max_age"`
}

// AgentConfig describes the external agent CLI taskd shells out to for
// stage execution, validation, assessment, and decomposition.
type AgentConfig struct {
	Command string        `koanf:"command"`
	WorkDir string        `koanf:"work_dir"`
	Timeout time.Duration `koanf:"timeout"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Validate checks the configuration for values that would misbehave at
// runtime rather than failing loudly here.
func (c *Config) Validate() error {
	if c.State.Dir == "" {
		return fmt.Errorf("state.dir must not be empty")
	}
	if c.Orchestrator.MaxIterations <= 0 {
		return fmt.Errorf("orchestrator.max_iterations must be positive, got %d", c.Orchestrator.MaxIterations)
	}
	if c.Orchestrator.QuickThreshold < 0 || c.Orchestrator.QuickThreshold > 100 {
		return fmt.Errorf("orchestrator.quick_threshold must be in [0,100], got %d", c.Orchestrator.QuickThreshold)
	}
	if c.Orchestrator.MaxRetries <= 0 {
		return fmt.Errorf("orchestrator.max_retries must be positive, got %d", c.Orchestrator.MaxRetries)
	}
	if c.Orchestrator.BackoffMultiplier < 1 {
		return fmt.Errorf("orchestrator.backoff_multiplier must be >= 1, got %v", c.Orchestrator.BackoffMultiplier)
	}
	if c.Agent.Command == "" {
		return fmt.Errorf("agent.command must not be empty")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}
