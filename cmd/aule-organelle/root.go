package main

import (
	"os"

	"github.com/spf13/cobra"
)

const defaultDispatcherURL = "http://localhost:3003"

// newRootCmd creates the root aule-organelle command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "aule-organelle",
		Short:         "Worker agent for the aule dispatcher",
		Long:          "aule-organelle registers with an aule dispatcher, keeps the registration alive\nand runs delivered tasks. It can also submit tasks and query their status.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	dispatcher := os.Getenv("AULE_DISPATCHER_URL")
	if dispatcher == "" {
		dispatcher = defaultDispatcherURL
	}
	cmd.PersistentFlags().String("dispatcher", dispatcher, "dispatcher base URL (env AULE_DISPATCHER_URL)")

	cmd.AddCommand(
		newServeCmd(),
		newSubmitCmd(),
		newStatusCmd(),
	)
	return cmd
}
