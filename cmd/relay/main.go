// Relay is the provider routing and resilience engine of an LLM gateway.
//
// It routes requests across upstream providers with per-provider circuit
// breakers, an adaptive weighted load balancer, rate-limited priority
// queues, automatic failover and hedged requests. Providers are simulated
// from configuration so routing behavior can be exercised and load tested
// without upstream credentials.
//
// Usage:
//
//	# Start the engine and its admin server
//	relay run --config relay.yaml
//
//	# Validate a configuration file
//	relay validate --config relay.yaml
//
//	# Load test the routing engine in-process
//	relay benchmark --duration 30s --rate 200 --mode hedge
//
//	# Inspect recorded provider snapshots
//	relay history --since 1h --provider openai
//
//	# Show version information
//	relay version
package main

func main() {
	Execute()
}
