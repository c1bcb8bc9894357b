// Command agentcored is the minimal entrypoint for the agentic execution
// core: it wires configuration, the durable Store, the rate limiter, the
// worker pool, and the plan executor together, per spec.md §1's explicit
// scoping-out of HTTP routes, SSE framing, and a full CLI surface. This is
// the "CLI entry" the spec treats as an out-of-scope collaborator — just
// enough of one to construct and run the in-scope components.
//
// Grounded on the teacher's cmd/nexus/main.go (cobra root command plus
// persistent --config flag, subcommands delegating into internal packages).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "agentcored",
		Short: "Agentic execution core: plan executor, worker pool, rate limiter",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")

	root.AddCommand(newServeCmd())
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version)
			return nil
		},
	}
}

const version = "0.1.0"
