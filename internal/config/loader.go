package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// envPrefix namespaces taskd environment variables.
const envPrefix = "TASKD_"

// LoadWithFile loads configuration from a YAML file, then overrides with
// environment variables.
//
// Precedence (highest to lowest):
//  1. Environment variables (TASKD_STATE_DIR, TASKD_AGENT_COMMAND, ...)
//  2. YAML config file (~/.config/taskd/config.yaml by default)
//  3. Defaults
//
// A missing config file is fine; defaults plus environment apply.
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "taskd", "config.yaml")
	}

	if content, err := os.ReadFile(configPath); err == nil {
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	// Environment variables map to section.field_name: the first
	// underscore after the prefix separates the section, the rest is the
	// field. TASKD_ORCHESTRATOR_MAX_RETRIES -> orchestrator.max_retries.
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.State.Dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.State.Dir = filepath.Join(home, ".local", "share", "taskd")
		}
	}

	if cfg.Orchestrator.MaxIterations == 0 {
		cfg.Orchestrator.MaxIterations = 50
	}
	if cfg.Orchestrator.QuickThreshold == 0 {
		cfg.Orchestrator.QuickThreshold = 20
	}
	if cfg.Orchestrator.MaxRetries == 0 {
		cfg.Orchestrator.MaxRetries = 3
	}
	if cfg.Orchestrator.InitialBackoff == 0 {
		cfg.Orchestrator.InitialBackoff = time.Second
	}
	if cfg.Orchestrator.MaxBackoff == 0 {
		cfg.Orchestrator.MaxBackoff = 30 * time.Second
	}
	if cfg.Orchestrator.BackoffMultiplier == 0 {
		cfg.Orchestrator.BackoffMultiplier = 2.0
	}
	if cfg.Orchestrator.MaxValidationRetries == 0 {
		cfg.Orchestrator.MaxValidationRetries = 3
	}
	if cfg.Orchestrator.CheckpointMaxAge == 0 {
		cfg.Orchestrator.CheckpointMaxAge = 24 * time.Hour
	}

	if cfg.Agent.Command == "" {
		cfg.Agent.Command = "agent"
	}
	if cfg.Agent.Timeout == 0 {
		cfg.Agent.Timeout = 15 * time.Minute
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}
