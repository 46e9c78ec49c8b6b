// Orchestd is a task orchestration and admission-control daemon for
// LLM work: tiered model routing with fallback cascades, multi-window
// budget enforcement, phase execution with retry and feedback,
// guardrail circuit breakers, and verification with one-shot
// self-healing.
//
// Usage:
//
//	# Start the daemon with defaults
//	orchestd serve
//
//	# Run a single request to completion and exit
//	orchestd run "build a rate limiter package"
//
//	# Configure via file or environment
//	orchestd serve --config ~/.config/orchestd/config.yaml
//	SERVER_PORT=8080 orchestd serve
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "orchestd",
	Short: "Task orchestration and admission control for LLM work",
	Long: `orchestd routes phased LLM tasks across model tiers with fallback
cascades, enforces task/hour/day budgets, bounds runaway work with
per-task circuit breakers, and verifies generated artifacts with a
bounded self-healing pass.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default ~/.config/orchestd/config.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("orchestd by Fyrsmith Labs\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
	},
}
