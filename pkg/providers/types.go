package providers

import (
	"context"
	"time"
)

// Request is a provider-agnostic unit of work handed to the routing engine.
// The engine never inspects Payload; it is passed through to the executor
// supplied by the transport layer.
type Request struct {
	// ID is the unique identifier for this request. The engine assigns one
	// when it is empty.
	ID string `json:"id"`

	// Model is the model requested (e.g., "gpt-4o", "claude-sonnet").
	// It is matched against provider capabilities during selection.
	Model string `json:"model"`

	// Payload is the opaque request body for the executor.
	Payload any `json:"payload,omitempty"`

	// Candidates restricts routing to the listed provider ids.
	// Nil means every registered provider that serves Model.
	Candidates []string `json:"candidates,omitempty"`

	// Priority is the queue priority: "high", "normal" (default) or "low".
	Priority string `json:"priority,omitempty"`

	// Strategy overrides the balancer's configured selection strategy.
	Strategy string `json:"strategy,omitempty"`

	// Timeout bounds how long the request may wait in a provider queue
	// before being dispatched. Zero uses the queue default.
	Timeout time.Duration `json:"timeout,omitempty"`

	// Metadata carries caller context that is logged but not interpreted.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Response is the result of a successful upstream call.
type Response struct {
	// ID echoes the request ID.
	ID string `json:"id"`

	// Provider is the id of the provider that served the request.
	Provider string `json:"provider"`

	// Payload is the opaque response body produced by the executor.
	Payload any `json:"payload,omitempty"`

	// Units is the amount of work consumed (typically tokens). It feeds
	// the balancer's cost accounting.
	Units int `json:"units"`

	// Latency is the wall time of the winning upstream call.
	Latency time.Duration `json:"latency"`

	// Attempts is the number of provider attempts made before success.
	Attempts int `json:"attempts"`

	// Hedged is true when the response came from a hedge rather than the
	// primary attempt.
	Hedged bool `json:"hedged,omitempty"`
}

// StreamChunk is a single increment of a streamed response.
//
// A chunk with a non-nil Error is terminal: no further chunks follow it.
// Closing the channel without an error chunk means the stream completed.
type StreamChunk struct {
	// Provider is the id of the provider that produced the chunk.
	Provider string `json:"provider"`

	// Index is the position of this chunk within its provider stream.
	Index int `json:"index"`

	// Delta is the incremental text content.
	Delta string `json:"delta,omitempty"`

	// Data carries non-text chunk content.
	Data any `json:"data,omitempty"`

	// Units is the amount of work attributed to this chunk.
	Units int `json:"units,omitempty"`

	// Error is set on the final chunk when the stream failed.
	Error error `json:"-"`
}

// Executor performs a single upstream call against the given provider.
// Implementations must honour ctx cancellation; a cancelled hedge attempt
// whose executor ignores ctx simply has its result discarded.
type Executor func(ctx context.Context, providerID string, req *Request) (*Response, error)

// StreamExecutor opens a streamed upstream call against the given provider.
// The returned channel must be closed by the implementation when the stream
// ends, after an optional terminal error chunk.
type StreamExecutor func(ctx context.Context, providerID string, req *Request) (<-chan *StreamChunk, error)
