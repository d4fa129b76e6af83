package failover

import (
	"errors"
	"fmt"
	"strings"
)

// Failover errors that can be checked with errors.Is().
var (
	// ErrExhausted is returned when every allowed attempt failed.
	ErrExhausted = errors.New("failover attempts exhausted")

	// ErrNoCandidates is returned when no starting provider could be chosen.
	ErrNoCandidates = errors.New("no failover candidates")
)

// ExhaustedError is returned when the retry budget or the candidate list
// ran out. It unwraps to the last attempt's error.
type ExhaustedError struct {
	// Attempts is the number of attempts made.
	Attempts int

	// Providers lists the provider tried by each attempt, in order.
	Providers []string

	// LastError is the error from the final attempt.
	LastError error
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("failover exhausted after %d attempts (providers: %s): %v",
		e.Attempts, strings.Join(e.Providers, ", "), e.LastError)
}

// Is implements error matching for errors.Is().
func (e *ExhaustedError) Is(target error) bool {
	return target == ErrExhausted
}

// Unwrap returns the last attempt's error.
func (e *ExhaustedError) Unwrap() error {
	return e.LastError
}
