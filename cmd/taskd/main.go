// Package main implements the taskd CLI for running and inspecting
// task orchestration workflows.
package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskd/internal/agent"
	"github.com/fyrsmithlabs/taskd/internal/checkpoint"
	"github.com/fyrsmithlabs/taskd/internal/config"
	"github.com/fyrsmithlabs/taskd/internal/controller"
	"github.com/fyrsmithlabs/taskd/internal/logging"
	"github.com/fyrsmithlabs/taskd/internal/pipeline"
	"github.com/fyrsmithlabs/taskd/internal/router"
	"github.com/fyrsmithlabs/taskd/internal/store"
)

var (
	// configPath is the --config flag value; empty means the default path.
	configPath string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "taskd",
	Short: "Resumable task orchestration for agent-driven objectives",
	Long: `taskd breaks an objective into tasks, routes each through a quick or
full execution pipeline, and persists every step so a crashed or paused
run resumes exactly where it stopped.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(clearCmd)
}

// deps is everything a subcommand needs, built once from config.
type deps struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

func buildDeps() (*deps, error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	st, err := store.New(cfg.State.Dir, logger)
	if err != nil {
		return nil, err
	}
	return &deps{cfg: cfg, logger: logger, store: st}, nil
}

func (d *deps) buildCheckpoints(objective string) (checkpoint.Manager, error) {
	return checkpoint.NewManager(d.cfg.State.Dir, objective,
		d.cfg.Orchestrator.CheckpointMaxAge, d.logger)
}

func (d *deps) buildController(objective string) (*controller.Controller, error) {
	cm, err := d.buildCheckpoints(objective)
	if err != nil {
		return nil, err
	}
	client := agent.NewClient(d.cfg.Agent.Command, d.cfg.Agent.WorkDir,
		d.cfg.Agent.Timeout, d.logger)
	driver := pipeline.NewDriver(client, client, cm, pipeline.RetryConfig{
		MaxRetries:        d.cfg.Orchestrator.MaxRetries,
		InitialBackoff:    d.cfg.Orchestrator.InitialBackoff,
		MaxBackoff:        d.cfg.Orchestrator.MaxBackoff,
		BackoffMultiplier: d.cfg.Orchestrator.BackoffMultiplier,
	}, d.logger)
	driver.SetMaxValidationRetries(d.cfg.Orchestrator.MaxValidationRetries)
	rt := router.New(client, d.cfg.Orchestrator.QuickThreshold, d.logger)
	return controller.New(d.store, rt, driver, client, d.logger)
}

// objectiveArg resolves the positional objective argument, accepting
// either the objective text or an objective hash from `taskd list`.
func objectiveArg(d *deps, arg string) string {
	if d.store.Exists(arg) {
		return arg
	}
	if state, err := d.store.LoadByHash(arg); err == nil {
		return state.Objective
	}
	return arg
}
