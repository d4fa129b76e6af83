package main

import (
	"fmt"
	"log/slog"

	"mercator-hq/relay/internal/simulate"
	"mercator-hq/relay/pkg/config"
	"mercator-hq/relay/pkg/engine"
)

// newEngine builds an engine for cfg whose providers are served by sim.
// The engine is not started.
func newEngine(cfg *config.Config, sim *simulate.Simulator, obs engine.Observer, logger *slog.Logger) (*engine.Engine, error) {
	opts := []engine.Option{
		engine.WithStreamExecutor(sim.Stream),
		engine.WithLogger(logger),
	}
	if obs != nil {
		opts = append(opts, engine.WithObserver(obs))
	}

	eng, err := engine.New(cfg.EngineConfig(), sim.Execute, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	if err := eng.ApplyConfig(cfg.EngineProviders()); err != nil {
		_ = eng.Close()
		return nil, fmt.Errorf("failed to register providers: %w", err)
	}
	return eng, nil
}

// reloadFunc applies a reloaded configuration: simulation profiles first so
// the providers behave as configured once the engine routes to them.
func reloadFunc(eng *engine.Engine, sim *simulate.Simulator, logger *slog.Logger) config.ReloadFunc {
	return func(next *config.Config) error {
		sim.Update(simulate.ProfilesFromConfig(next))
		if err := eng.ApplyConfig(next.EngineProviders()); err != nil {
			return err
		}
		logger.Info("configuration reloaded", "providers", len(next.Providers))
		return nil
	}
}
