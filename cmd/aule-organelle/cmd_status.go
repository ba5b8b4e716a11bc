package main

import (
	"context"
	"fmt"
	"time"

	"github.com/manthysbr/aule-dispatcher/internal/core/domain"
	"github.com/manthysbr/aule-dispatcher/pkg/organelle"
	"github.com/spf13/cobra"
)

// newStatusCmd creates the "aule-organelle status" subcommand.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show a task's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dispatcherURL, _ := cmd.Flags().GetString("dispatcher")
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			task, err := organelle.NewClient(dispatcherURL, nil).GetTask(ctx, domain.TaskID(args[0]))
			if err != nil {
				return fmt.Errorf("status: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s kind=%s priority=%s attempts=%d\n", task.ID, task.Status, task.Kind, task.Priority, task.Attempts)
			if task.Assignment != nil {
				fmt.Fprintf(out, "assigned to %s, deadline %s\n", task.Assignment.WorkerID, task.Assignment.Deadline.Format(time.RFC3339))
			}
			if task.Error != nil {
				fmt.Fprintf(out, "error: %s\n", *task.Error)
			}
			if len(task.Result) > 0 {
				fmt.Fprintf(out, "result: %s\n", task.Result)
			}
			return nil
		},
	}
}
