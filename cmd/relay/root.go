package main

import (
	"fmt"
	"os"

	"mercator-hq/relay/pkg/cli"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Relay - provider routing and resilience engine for LLM gateways",
	Long: `Relay routes LLM requests across upstream providers and keeps them
flowing when providers misbehave:
  - Per-provider circuit breakers (CLOSED, OPEN, HALF_OPEN)
  - Adaptive weighted load balancing on latency, success rate and cost
  - Rate-limited priority queues with bounded concurrency
  - Automatic failover, including streams that fail before output
  - Hedged requests that race a second provider after a delay`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits with a code derived from the
// error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.ExitCode(err))
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "relay.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
