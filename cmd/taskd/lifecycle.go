package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var pauseCmd = &cobra.Command{
	Use:   "pause <objective>",
	Short: "Pause a running workflow",
	Long: `Pause flips the workflow status to paused. A Controller that is mid-run
notices on its next iteration and stops cleanly; the state file can then
be hand-edited before resuming.`,
	Args: cobra.ExactArgs(1),
	RunE: runPause,
}

var resumeCmd = &cobra.Command{
	Use:   "resume <objective>",
	Short: "Resume a paused or halted workflow",
	Long: `Resume flips a paused or halted workflow back to running and clears the
halt reason. Follow with 'taskd run' to continue execution.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

var clearCmd = &cobra.Command{
	Use:   "clear <objective>",
	Short: "Delete a workflow's state and checkpoints",
	Args:  cobra.ExactArgs(1),
	RunE:  runClear,
}

func runPause(cmd *cobra.Command, args []string) error {
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
	if err := ctrl.Pause(objective); err != nil {
		return err
	}
	fmt.Println("paused")
	return nil
}

func runResume(cmd *cobra.Command, args []string) error {
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
	if err := ctrl.Resume(objective); err != nil {
		return err
	}
	fmt.Println("resumed; run 'taskd run' to continue")
	return nil
}

func runClear(cmd *cobra.Command, args []string) error {
	d, err := buildDeps()
	if err != nil {
		return err
	}
	defer d.logger.Sync() //nolint:errcheck

	objective := objectiveArg(d, args[0])
	cm, err := d.buildCheckpoints(objective)
	if err != nil {
		return err
	}
	if err := cm.ClearAll(context.Background()); err != nil {
		return err
	}
	if err := d.store.Delete(objective); err != nil {
		return err
	}
	fmt.Println("cleared")
	return nil
}
