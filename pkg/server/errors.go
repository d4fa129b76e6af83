package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"mercator-hq/relay/pkg/engine"
	"mercator-hq/relay/pkg/providers"
	"mercator-hq/relay/pkg/routing"
	"mercator-hq/relay/pkg/routing/circuit"
	"mercator-hq/relay/pkg/routing/failover"
	"mercator-hq/relay/pkg/routing/hedging"
)

// ErrorResponse is the JSON body of every error answer.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains detailed error information.
type ErrorDetail struct {
	// Message is a human-readable error message.
	Message string `json:"message"`

	// Type categorizes the error.
	Type string `json:"type"`

	// Param is the request field that caused the error, if any.
	Param string `json:"param,omitempty"`
}

// Error type values.
const (
	ErrorTypeInvalidRequest     = "invalid_request_error"
	ErrorTypeNotFound           = "not_found"
	ErrorTypeRateLimitExceeded  = "rate_limit_exceeded"
	ErrorTypeServerError        = "server_error"
	ErrorTypeNotImplemented     = "not_implemented"
	ErrorTypeBadGateway         = "bad_gateway"
	ErrorTypeServiceUnavailable = "service_unavailable"
	ErrorTypeGatewayTimeout     = "gateway_timeout"
	ErrorTypeClientClosed       = "client_closed_request"
)

// statusClientClosedRequest is the non-standard code logged when the caller
// went away before an answer was ready.
const statusClientClosedRequest = 499

// requestError is a malformed admin request.
type requestError struct {
	param   string
	message string
}

func (e *requestError) Error() string { return e.message }

// classify maps an engine error to an HTTP status and error body.
func classify(err error) (int, ErrorResponse) {
	detail := func(typ, msg string) ErrorResponse {
		return ErrorResponse{Error: ErrorDetail{Type: typ, Message: msg}}
	}

	var reqErr *requestError
	var valErr *providers.ValidationError
	switch {
	case errors.As(err, &reqErr):
		return http.StatusBadRequest, ErrorResponse{Error: ErrorDetail{
			Type: ErrorTypeInvalidRequest, Message: reqErr.message, Param: reqErr.param,
		}}
	case errors.As(err, &valErr):
		return http.StatusBadRequest, ErrorResponse{Error: ErrorDetail{
			Type: ErrorTypeInvalidRequest, Message: valErr.Message, Param: valErr.Field,
		}}
	case errors.Is(err, routing.ErrInvalidStrategy):
		return http.StatusBadRequest, ErrorResponse{Error: ErrorDetail{
			Type: ErrorTypeInvalidRequest, Message: err.Error(), Param: "strategy",
		}}
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, detail(ErrorTypeGatewayTimeout, err.Error())
	case errors.Is(err, context.Canceled):
		return statusClientClosedRequest, detail(ErrorTypeClientClosed, err.Error())
	case errors.Is(err, engine.ErrStreamingUnsupported):
		return http.StatusNotImplemented, detail(ErrorTypeNotImplemented, err.Error())
	case errors.Is(err, routing.ErrProviderNotFound):
		return http.StatusNotFound, detail(ErrorTypeNotFound, err.Error())
	case errors.Is(err, engine.ErrClosed),
		errors.Is(err, routing.ErrNoProviderAvailable),
		errors.Is(err, failover.ErrNoCandidates),
		errors.Is(err, circuit.ErrCircuitOpen):
		return http.StatusServiceUnavailable, detail(ErrorTypeServiceUnavailable, err.Error())
	case errors.Is(err, providers.ErrAdmission):
		return http.StatusTooManyRequests, detail(ErrorTypeRateLimitExceeded, err.Error())
	case errors.Is(err, failover.ErrExhausted), errors.Is(err, hedging.ErrAllAttemptsFailed):
		return http.StatusBadGateway, detail(ErrorTypeBadGateway, err.Error())
	}

	var rateErr *providers.RateLimitError
	var timeoutErr *providers.TimeoutError
	switch {
	case errors.As(err, &rateErr):
		return http.StatusTooManyRequests, detail(ErrorTypeRateLimitExceeded, err.Error())
	case errors.As(err, &timeoutErr):
		return http.StatusGatewayTimeout, detail(ErrorTypeGatewayTimeout, err.Error())
	case providers.ErrorType(err) != "unknown":
		return http.StatusBadGateway, detail(ErrorTypeBadGateway, err.Error())
	}

	return http.StatusInternalServerError, detail(ErrorTypeServerError,
		"An internal error occurred. Please try again later.")
}

// writeError writes err as a JSON error response.
func writeError(w http.ResponseWriter, err error) {
	status, body := classify(err)

	if wait := retryAfter(err); wait > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int((wait+time.Second-1)/time.Second)))
	}
	writeJSON(w, status, body)
}

// retryAfter returns the wait hinted by an upstream rate limit or a local
// queue rejection.
func retryAfter(err error) time.Duration {
	var rateErr *providers.RateLimitError
	if errors.As(err, &rateErr) {
		return rateErr.RetryAfter
	}
	var admErr *providers.AdmissionError
	if errors.As(err, &admErr) {
		return admErr.RetryAfter
	}
	return 0
}

// writeJSON writes body with the given status.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
