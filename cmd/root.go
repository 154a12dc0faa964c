// Package cmd wires the CLI front-end: configuration loading plus the
// orchestrate and agent subcommands.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	wsRoot     string
)

var rootCmd = &cobra.Command{
	Use:   "reswarm",
	Short: "Multi-agent reverse-engineering orchestration runtime",
	Long: `reswarm coordinates a swarm of LLM-driven reverse-engineering agents
working on isolated copies of one program database, merging their edits
back through a shared tool-call ledger.`,
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.json")
	rootCmd.PersistentFlags().StringVar(&wsRoot, "workspace", "", "workspace root (default /tmp/reswarm_workspace)")
}
