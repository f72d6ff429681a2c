package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/taskd/internal/model"
	"github.com/fyrsmithlabs/taskd/internal/store"
)

var statusWatch bool

var statusCmd = &cobra.Command{
	Use:   "status <objective>",
	Short: "Show the current state of an objective",
	Long: `Status prints the workflow status, task table, and recent events for
an objective. The argument may be the objective text or the hash shown
by 'taskd list'.

Examples:
  taskd status "refactor auth"
  taskd status --watch a1b2c3d4`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusWatch, "watch", false,
		"keep watching the state file and re-print on every change")
}

func runStatus(cmd *cobra.Command, args []string) error {
	d, err := buildDeps()
	if err != nil {
		return err
	}
	defer d.logger.Sync() //nolint:errcheck

	objective := objectiveArg(d, args[0])
	state, err := d.store.Load(objective)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	printState(state)

	if !statusWatch {
		return nil
	}
	return watchState(d.store, objective)
}

// watchState re-prints the state on every write to its file until the
// process is interrupted. The watch is on the directory because atomic
// renames replace the file's inode on every save.
func watchState(st *store.Store, objective string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	path := st.Path(objective)
	if err := watcher.Add(st.Dir()); err != nil {
		return fmt.Errorf("watch %s: %w", st.Dir(), err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	for {
		select {
		case <-sig:
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			state, err := st.Load(objective)
			if err != nil {
				continue
			}
			fmt.Println()
			printState(state)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch error: %w", err)
		}
	}
}

func printState(state *model.WorkflowState) {
	fmt.Printf("Objective: %s\n", state.Objective)
	fmt.Printf("Hash:      %s\n", state.ObjectiveHash)
	fmt.Printf("Status:    %s", state.Status)
	if state.HaltReason != "" {
		fmt.Printf("  (%s)", state.HaltReason)
	}
	fmt.Println()
	fmt.Printf("Iteration: %d/%d\n", state.CurrentIteration, state.MaxIterations)
	fmt.Printf("Updated:   %s\n", state.UpdatedAt.Format("2006-01-02 15:04:05"))

	if len(state.Tasks) > 0 {
		fmt.Printf("\n%-20s %-12s %-9s %s\n", "TASK", "STATUS", "PRIORITY", "DESCRIPTION")
		for _, t := range state.Tasks {
			desc := t.Description
			if len(desc) > 60 {
				desc = desc[:57] + "..."
			}
			fmt.Printf("%-20s %-12s %-9s %s\n", t.ID, t.Status, t.Priority, desc)
		}
	}

	if n := len(state.ExecutionLog); n > 0 {
		fmt.Println("\nRecent events:")
		from := n - 5
		if from < 0 {
			from = 0
		}
		for _, e := range state.ExecutionLog[from:] {
			fmt.Printf("  %s  %s\n", e.Timestamp.Format("15:04:05"), e.Message)
		}
	}
}
