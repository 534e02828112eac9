package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot assembles the unitd command tree. `serve` runs the daemon; every
// other command talks to a running daemon over its HTTP API.
func buildRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "unitd",
		Short:         "unitd is a single-host process supervisor",
		Long:          "unitd supervises long-running processes: dependency-ordered starts, restart policies, health checks and socket activation.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		createServeCommand(),
		createCreateCommand(),
		createStartCommand(),
		createStopCommand(),
		createListCommand(),
		createDescribeCommand(),
		createDeleteCommand(),
		createStatusCommand(),
		createUsageCommand(),
	)
	return root
}
