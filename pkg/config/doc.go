// Package config loads, validates and watches the router configuration.
//
// # Loading
//
//	cfg, err := config.LoadConfigWithEnvOverrides("relay.yaml")
//
// Values are applied in order: defaults, the YAML file, then RELAY_*
// environment variables. Validation runs last and reports every failing
// field at once as a ValidationError.
//
// # Environment Variable Overrides
//
//   - RELAY_SERVER_LISTEN_ADDRESS overrides server.listen_address
//   - RELAY_BALANCER_STRATEGY overrides balancer.strategy
//   - RELAY_HEDGING_ENABLED overrides hedging.enabled
//   - RELAY_PROVIDERS_OPENAI_WEIGHT overrides the weight of provider "openai"
//
// # Example
//
//	server:
//	  listen_address: "0.0.0.0:8080"
//	balancer:
//	  strategy: latency
//	hedging:
//	  delay: 1500ms
//	providers:
//	  - id: openai
//	    weight: 2
//	    cost_per_unit: 1.0
//	    max_concurrent: 20
//	    requests_per_minute: 600
//	    capabilities: [gpt-4o, gpt-4o-mini]
//	    priority: 10
//	  - id: anthropic
//	    cost_per_unit: 1.5
//	    simulation:
//	      latency: 400ms
//	      error_rate: 0.05
//
// # Hot Reload
//
// A Watcher reloads the file on change. Only provider settings are applied
// to a running engine through engine.ApplyConfig; the other sections need a
// restart.
//
//	w, err := config.NewWatcher(path)
//	go w.Watch(ctx, func(cfg *config.Config) error {
//		return eng.ApplyConfig(cfg.EngineProviders())
//	})
package config
