// Package main provides the CLI entry point for the polymath assistant
// server.
//
// Polymath is a conversational AI agent with Python code execution and
// background deep-research workflows. Start the server:
//
//	polymath serve --config polymath.yaml
//
// The API key can be provided via environment variables referenced from the
// config file, e.g. ANTHROPIC_API_KEY or OPENAI_API_KEY.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "polymath",
		Short:         "Polymath AI assistant server",
		Long:          "Polymath serves a conversational AI agent with code execution and background research workflows.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(buildServeCmd())
	rootCmd.AddCommand(buildVersionCmd())
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("polymath %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
