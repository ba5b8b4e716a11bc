package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/manthysbr/aule-dispatcher/pkg/organelle"
	"github.com/spf13/cobra"
)

// newSubmitCmd creates the "aule-organelle submit" subcommand.
func newSubmitCmd() *cobra.Command {
	var (
		priority        string
		payload         string
		timeout         time.Duration
		source          string
		requiresDesktop bool
	)
	cmd := &cobra.Command{
		Use:   "submit <kind>",
		Short: "Submit a task to the dispatcher",
		Long:  "Queues a task of the given kind and prints its id and estimated wait.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dispatcherURL, _ := cmd.Flags().GetString("dispatcher")
			if payload != "" && !json.Valid([]byte(payload)) {
				return fmt.Errorf("submit: payload is not valid JSON")
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			res, err := organelle.NewClient(dispatcherURL, nil).Submit(ctx, organelle.SubmitRequest{
				Kind:            args[0],
				Priority:        priority,
				Payload:         json.RawMessage(payload),
				TimeoutSeconds:  timeout.Seconds(),
				Source:          source,
				RequiresDesktop: requiresDesktop,
			})
			if err != nil {
				return fmt.Errorf("submit: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (estimated wait %s)\n", res.TaskID, res.Status, res.EstimatedWait)
			return nil
		},
	}
	cmd.Flags().StringVar(&priority, "priority", "normal", "low, normal, high or critical")
	cmd.Flags().StringVar(&payload, "payload", "", "task payload as JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "task timeout (default: dispatcher default)")
	cmd.Flags().StringVar(&source, "source", "cli", "submitting organelle")
	cmd.Flags().BoolVar(&requiresDesktop, "requires-desktop", false, "only run on the desktop cell")
	return cmd
}
