// Package cmd builds the verifier's cobra CLI: check, graph, and
// inspect, one subcommand constructor per file, assembled in Execute.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "ebpf-verify",
	Short: "Static verifier for eBPF programs",
}

// Execute runs the CLI: print to stderr and exit 1 on a command error.
func Execute() {
	rootCmd.AddCommand(
		checkCommand(),
		graphCommand(),
		inspectCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
