package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"mercator-hq/relay/internal/simulate"
	"mercator-hq/relay/pkg/cli"
	"mercator-hq/relay/pkg/config"
	"mercator-hq/relay/pkg/engine"
	"mercator-hq/relay/pkg/server"
	"mercator-hq/relay/pkg/telemetry/health"
	"mercator-hq/relay/pkg/telemetry/history"
	"mercator-hq/relay/pkg/telemetry/logging"
	"mercator-hq/relay/pkg/telemetry/metrics"
	"mercator-hq/relay/pkg/telemetry/reporter"

	"github.com/spf13/cobra"
)

var runFlags struct {
	listenAddress string
	logLevel      string
	dryRun        bool
	noWatch       bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the routing engine and its admin server",
	Long: `Start the routing engine with the specified configuration.

Providers are simulated from their simulation section. The admin server
exposes probes, Prometheus metrics, engine state and an execute endpoint.
Provider settings in the config file are reloaded when the file changes.

Examples:
  # Start with default config
  relay run

  # Start with custom config
  relay run --config /etc/relay/relay.yaml

  # Override listen address
  relay run --listen 0.0.0.0:8080

  # Validate config without starting server
  relay run --dry-run`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runFlags.listenAddress, "listen", "l", "", "override listen address")
	runCmd.Flags().StringVar(&runFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	runCmd.Flags().BoolVar(&runFlags.dryRun, "dry-run", false, "validate config without starting server")
	runCmd.Flags().BoolVar(&runFlags.noWatch, "no-watch", false, "disable config hot reload")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
	if err != nil {
		return cli.NewConfigError(cfgFile, err)
	}

	if runFlags.listenAddress != "" {
		cfg.Server.ListenAddress = runFlags.listenAddress
	}
	if runFlags.logLevel != "" {
		cfg.Telemetry.Logging.Level = runFlags.logLevel
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}

	logger, err := logging.New(cfg.LogConfig())
	if err != nil {
		return cli.NewUsageError("%v", err)
	}
	slog.SetDefault(logger)

	out := cmd.OutOrStdout()
	if runFlags.dryRun {
		fmt.Fprintln(out, "✓ Configuration valid")
		return nil
	}

	ctx, stop := cli.SetupSignalHandler(cmd.Context(), logger)
	defer stop()

	printBanner(out, cfg)

	sim := simulate.New(simulate.ProfilesFromConfig(cfg), simulate.WithLogger(logger))

	var collector *metrics.Collector
	var observer engine.Observer
	if config.Enabled(cfg.Telemetry.Metrics.Enabled, true) {
		collector = metrics.NewCollector(&cfg.Telemetry.Metrics, nil)
		observer = collector
	}

	eng, err := newEngine(cfg, sim, observer, logger)
	if err != nil {
		return cli.NewCommandError("run", err)
	}
	defer eng.Close()
	eng.Start(ctx)
	fmt.Fprintf(out, "✓ Engine started (%d providers, strategy %s)\n", len(cfg.Providers), cfg.Balancer.Strategy)

	checker := health.New(cfg.Telemetry.Health.CheckTimeout)
	health.RegisterEngineChecks(checker, eng)
	logger.Debug("readiness checks registered", "checks", checker.ListChecks())

	serverOpts := []server.Option{
		server.WithLogger(logger.With("component", "server")),
		server.WithHealthChecker(checker),
		server.WithVersion(Version, GitCommit, BuildDate),
	}
	if collector != nil {
		collector.RegisterEngine(eng)
		serverOpts = append(serverOpts, server.WithMetrics(cfg.Telemetry.Metrics.Path, collector.Handler()))
	}

	if config.Enabled(cfg.Telemetry.Reporter.Enabled, true) {
		repOpts := []reporter.Option{reporter.WithLogger(logger.With("component", "reporter"))}
		if path := cfg.Telemetry.Reporter.HistoryPath; path != "" {
			store, err := history.Open(history.Config{Path: path, Retention: cfg.Telemetry.Reporter.HistoryRetention})
			if err != nil {
				return cli.NewCommandError("run", err)
			}
			defer store.Close()
			repOpts = append(repOpts, reporter.WithSink(store))
			logger.Info("recording stats history", "path", path, "retention", cfg.Telemetry.Reporter.HistoryRetention)
		}

		rep := reporter.New(eng, cfg.Telemetry.Reporter.Schedule, repOpts...)
		if err := rep.Start(ctx); err != nil {
			logger.Warn("stats reporter disabled", "error", err)
		} else {
			defer rep.Stop()
			logger.Debug("first stats report scheduled", "at", rep.NextRun())
		}
	}

	if !runFlags.noWatch {
		stopWatch := startWatcher(ctx, cfgFile, reloadFunc(eng, sim, logger), logger)
		defer stopWatch()
	}

	srv := server.New(cfg.Server, eng, serverOpts...)
	fmt.Fprintf(out, "✓ Admin server listening on %s\n", cfg.Server.ListenAddress)
	fmt.Fprintln(out, "\nPress Ctrl+C to stop")

	if err := srv.Start(ctx); err != nil {
		return cli.NewCommandError("run", err)
	}

	fmt.Fprintln(out, "✓ Server stopped")
	return nil
}

// startWatcher reloads path on change until ctx is done. It returns a
// function that stops the watcher.
func startWatcher(ctx context.Context, path string, onReload config.ReloadFunc, logger *slog.Logger) func() {
	watcher, err := config.NewWatcher(path, config.WithWatcherLogger(logger.With("component", "config.watcher")))
	if err != nil {
		logger.Warn("config hot reload disabled", "error", err)
		return func() {}
	}

	go func() {
		if err := watcher.Watch(ctx, onReload); err != nil {
			logger.Error("config watcher failed", "error", err)
		}
	}()
	return func() {
		if err := watcher.Stop(); err != nil {
			logger.Warn("failed to stop config watcher", "error", err)
		}
	}
}

func printBanner(w io.Writer, cfg *config.Config) {
	fmt.Fprintf(w, "Relay v%s\n", Version)
	fmt.Fprintf(w, "Loading configuration from: %s\n", cfgFile)
	fmt.Fprintln(w, "✓ Configuration loaded")

	for _, p := range cfg.Providers {
		slog.Debug("provider configured",
			"provider", p.ID,
			"weight", *p.Weight,
			"max_concurrent", p.MaxConcurrent,
			"requests_per_minute", p.RequestsPerMinute,
		)
	}
}
