package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runMaxIterations int

var runCmd = &cobra.Command{
	Use:   "run <objective>",
	Short: "Run an objective until it completes, pauses, or halts",
	Long: `Run starts (or continues) the orchestration loop for an objective.

If state already exists for the objective it is picked up where it left
off, including a task that was mid-pipeline when the previous process
died. Interrupting with Ctrl-C stops after the current stage call.

Examples:
  taskd run "add structured logging to the billing service"
  taskd run --max-iterations 10 "refactor auth"`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().IntVar(&runMaxIterations, "max-iterations", 0,
		"iteration budget for a new workflow (default from config)")
}

func runRun(cmd *cobra.Command, args []string) error {
	d, err := buildDeps()
	if err != nil {
		return err
	}
	defer d.logger.Sync() //nolint:errcheck

	objective := objectiveArg(d, args[0])
	ctrl, err := d.buildController(objective)
	if err != nil {
		return err
	}

	maxIterations := runMaxIterations
	if maxIterations <= 0 {
		maxIterations = d.cfg.Orchestrator.MaxIterations
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d.logger.Info("starting run",
		zap.String("objective", objective),
		zap.Int("max_iterations", maxIterations))

	if err := ctrl.Run(ctx, objective, maxIterations); err != nil {
		return fmt.Errorf("run failed: %w", err)
	}
	return nil
}
