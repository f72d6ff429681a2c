package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List known workflows, newest first",
	RunE:  runList,
}

func runList(cmd *cobra.Command, args []string) error {
	d, err := buildDeps()
	if err != nil {
		return err
	}
	defer d.logger.Sync() //nolint:errcheck

	states, err := d.store.List()
	if err != nil {
		return err
	}
	if len(states) == 0 {
		fmt.Println("no workflows")
		return nil
	}

	fmt.Printf("%-10s %-10s %-7s %-19s %s\n", "HASH", "STATUS", "TASKS", "UPDATED", "OBJECTIVE")
	for _, s := range states {
		objective := s.Objective
		if len(objective) > 50 {
			objective = objective[:47] + "..."
		}
		fmt.Printf("%-10s %-10s %-7d %-19s %s\n",
			s.ObjectiveHash, s.Status, len(s.Tasks),
			s.UpdatedAt.Format("2006-01-02 15:04:05"), objective)
	}
	return nil
}
