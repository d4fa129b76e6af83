package main

import (
	"context"
	"io"
	"strconv"
	"time"

	"mercator-hq/relay/pkg/cli"
	"mercator-hq/relay/pkg/config"
	"mercator-hq/relay/pkg/telemetry/history"

	"github.com/spf13/cobra"
)

var historyFlags struct {
	db       string
	provider string
	since    time.Duration
	limit    int
	format   string
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recorded provider snapshots",
	Long: `Print the per-provider snapshots the stats reporter recorded to
telemetry.reporter.history_path.

Examples:
  # Last hour for every provider
  relay history --since 1h

  # One provider as CSV
  relay history --provider openai --format csv

  # Read a copied database without a config file
  relay history --db /tmp/relay-history.db`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := cli.ParseFormat(historyFlags.format)
		if err != nil {
			return err
		}
		if historyFlags.limit < 0 {
			return cli.NewUsageError("--limit must be non-negative")
		}

		path := historyFlags.db
		if path == "" {
			cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
			if err != nil {
				return cli.NewConfigError(cfgFile, err)
			}
			path = cfg.Telemetry.Reporter.HistoryPath
		}
		if path == "" {
			return cli.NewUsageError("no history database: set telemetry.reporter.history_path or pass --db")
		}

		filter := history.Filter{Provider: historyFlags.provider, Limit: historyFlags.limit}
		if historyFlags.since > 0 {
			filter.Since = time.Now().Add(-historyFlags.since)
		}
		return showHistory(cmd.Context(), cmd.OutOrStdout(), path, filter, format)
	},
}

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().StringVar(&historyFlags.db, "db", "", "history database (default: telemetry.reporter.history_path)")
	historyCmd.Flags().StringVar(&historyFlags.provider, "provider", "", "only show this provider")
	historyCmd.Flags().DurationVar(&historyFlags.since, "since", 0, "only show snapshots newer than this")
	historyCmd.Flags().IntVar(&historyFlags.limit, "limit", 0, "maximum rows (0 for all)")
	historyCmd.Flags().StringVar(&historyFlags.format, "format", "text", "output format: text, json, csv")
}

func showHistory(ctx context.Context, w io.Writer, path string, filter history.Filter, format cli.OutputFormat) error {
	store, err := history.Open(history.Config{Path: path})
	if err != nil {
		return cli.NewCommandError("history", err)
	}
	defer store.Close()

	snaps, err := store.Query(ctx, filter)
	if err != nil {
		return cli.NewCommandError("history", err)
	}

	formatter, err := cli.NewFormatter(format)
	if err != nil {
		return err
	}
	var out any = historyTable(snaps)
	if format == cli.FormatJSON {
		out = snaps
	}
	return formatter.FormatTo(w, out)
}

// historyTable renders snapshots as one row each.
type historyTable []history.Snapshot

func (h historyTable) Header() []string {
	return []string{"time", "provider", "healthy", "circuit", "weight", "p95_ms", "success_rate", "requests", "in_flight", "pending"}
}

func (h historyTable) Rows() [][]string {
	rows := make([][]string, 0, len(h))
	for _, s := range h {
		rows = append(rows, []string{
			s.Time.UTC().Format(time.RFC3339),
			s.Provider,
			strconv.FormatBool(s.Healthy),
			s.Circuit,
			strconv.FormatFloat(s.Weight, 'f', 3, 64),
			strconv.FormatFloat(ms(s.P95Latency), 'f', 1, 64),
			strconv.FormatFloat(s.SuccessRate, 'f', 3, 64),
			strconv.FormatInt(s.Requests, 10),
			strconv.Itoa(s.InFlight),
			strconv.Itoa(s.Pending),
		})
	}
	return rows
}
