package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/emanueleielo/ciana-parrot/internal/state"
)

func init() {
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskCancelCmd)
	rootCmd.AddCommand(taskCmd)
}

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect and manage scheduled tasks",
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		store := state.NewTaskStore(cfg.Scheduler.DataFile)

		tasks, err := store.List()
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			fmt.Println("No scheduled tasks.")
			return nil
		}

		for _, t := range tasks {
			status := "active"
			if !t.Active {
				status = "inactive"
			}
			lastRun := "never"
			if t.LastRun != nil {
				lastRun = t.LastRun.UTC().Format(time.RFC3339)
			}
			fmt.Printf("[%s] %-8s %s=%s chat=%s/%s last_run=%s\n  %s\n",
				t.ID, status, t.Type, t.Value, t.Channel, t.ChatID, lastRun, t.Prompt)
		}
		return nil
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a scheduled task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		store := state.NewTaskStore(cfg.Scheduler.DataFile)

		found := false
		err := store.Mutate(func(tasks []*state.Task) ([]*state.Task, error) {
			for _, t := range tasks {
				if t.ID == args[0] {
					t.Active = false
					found = true
					break
				}
			}
			return tasks, nil
		})
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("task not found: %s", args[0])
		}
		fmt.Printf("Task %s cancelled.\n", args[0])
		return nil
	},
}
