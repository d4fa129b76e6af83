package routing

import (
	"errors"
	"fmt"
	"strings"
)

// Common routing errors that can be checked with errors.Is().
var (
	// ErrNoProviderAvailable is returned when no provider passes the
	// capability, health, concurrency, and caller filters.
	ErrNoProviderAvailable = errors.New("no provider available")

	// ErrProviderNotFound is returned for operations on an unregistered provider.
	ErrProviderNotFound = errors.New("provider not found")

	// ErrInvalidStrategy is returned when an unknown selection strategy is configured.
	ErrInvalidStrategy = errors.New("invalid routing strategy")
)

// NoProviderAvailableError is returned when selection finds no eligible
// provider.
type NoProviderAvailableError struct {
	// Model is the requested model.
	Model string

	// Candidates contains the provider ids that were considered.
	Candidates []string
}

// Error implements the error interface.
func (e *NoProviderAvailableError) Error() string {
	if e.Model == "" {
		return fmt.Sprintf("no provider available (considered: %s)", strings.Join(e.Candidates, ", "))
	}
	return fmt.Sprintf("no provider available for model %q (considered: %s)",
		e.Model, strings.Join(e.Candidates, ", "))
}

// Is implements error matching for errors.Is().
func (e *NoProviderAvailableError) Is(target error) bool {
	return target == ErrNoProviderAvailable
}

// ProviderNotFoundError is returned when an operation names a provider that
// was never registered.
type ProviderNotFoundError struct {
	// ProviderName is the requested provider that was not found.
	ProviderName string

	// AvailableProviders contains the ids of registered providers.
	AvailableProviders []string
}

// Error implements the error interface.
func (e *ProviderNotFoundError) Error() string {
	return fmt.Sprintf("provider %q not found (available providers: %s)",
		e.ProviderName, strings.Join(e.AvailableProviders, ", "))
}

// Is implements error matching for errors.Is().
func (e *ProviderNotFoundError) Is(target error) bool {
	return target == ErrProviderNotFound
}

// InvalidStrategyError is returned when the configured selection strategy
// is not recognized.
type InvalidStrategyError struct {
	// Strategy is the invalid strategy name.
	Strategy string

	// AvailableStrategies contains the valid strategy names.
	AvailableStrategies []string
}

// Error implements the error interface.
func (e *InvalidStrategyError) Error() string {
	return fmt.Sprintf("invalid routing strategy %q (available strategies: %s)",
		e.Strategy, strings.Join(e.AvailableStrategies, ", "))
}

// Is implements error matching for errors.Is().
func (e *InvalidStrategyError) Is(target error) bool {
	return target == ErrInvalidStrategy
}
