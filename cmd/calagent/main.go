// Package main provides the CLI entry point for the calagent service:
// a calendar agent that answers "what's on today" by orchestrating
// model tool calls against MCP calendar backends, with a credential
// vault for per-user calendar authorization.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build metadata, injected via -ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "calagent",
		Short: "Calendar agent orchestration service",
		Long: `calagent runs a streaming tool-orchestration engine for a calendar
assistant. It connects a chat model to MCP calendar backends, injects
per-user credentials from its vault into tool calls, and bridges each
conversational turn to task status updates and artifacts.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("calagent %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
