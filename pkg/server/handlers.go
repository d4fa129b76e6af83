package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"mercator-hq/relay/pkg/engine"
	"mercator-hq/relay/pkg/providers"
	"mercator-hq/relay/pkg/routing"
	"mercator-hq/relay/pkg/routing/circuit"
)

// defaultMaxBodyBytes caps admin request bodies when the config leaves it
// unset.
const defaultMaxBodyBytes = 1 << 20

// ExecuteRequest is the body of POST /v1/execute.
type ExecuteRequest struct {
	ID         string            `json:"id,omitempty"`
	Model      string            `json:"model"`
	Payload    any               `json:"payload,omitempty"`
	Candidates []string          `json:"candidates,omitempty"`
	Priority   string            `json:"priority,omitempty"`
	Strategy   string            `json:"strategy,omitempty"`
	Mode       engine.Mode       `json:"mode,omitempty"`
	TimeoutMs  int64             `json:"timeout_ms,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// StreamEvent is one line of a newline-delimited JSON stream response.
type StreamEvent struct {
	Provider string       `json:"provider,omitempty"`
	Index    int          `json:"index"`
	Delta    string       `json:"delta,omitempty"`
	Data     any          `json:"data,omitempty"`
	Units    int          `json:"units,omitempty"`
	Error    *ErrorDetail `json:"error,omitempty"`
}

// ProviderResponse is the body of GET /v1/providers/{id}.
type ProviderResponse struct {
	Provider routing.ProviderSnapshot `json:"provider"`
	Circuit  circuit.Status           `json:"circuit"`
}

type healthUpdate struct {
	Healthy *bool `json:"healthy"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Stats())
}

func (s *Server) handleProvider(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, status, ok := s.engine.Provider(id)
	if !ok {
		writeError(w, &routing.ProviderNotFoundError{ProviderName: id})
		return
	}
	writeJSON(w, http.StatusOK, ProviderResponse{Provider: snap, Circuit: status})
}

func (s *Server) handleProviderHealth(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var body healthUpdate
	if err := s.decode(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Healthy == nil {
		writeError(w, &requestError{param: "healthy", message: "healthy is required"})
		return
	}

	if err := s.engine.SetProviderHealth(id, *body.Healthy); err != nil {
		writeError(w, err)
		return
	}
	s.logger.InfoContext(r.Context(), "provider health set", "provider", id, "healthy", *body.Healthy)
	writeJSON(w, http.StatusOK, map[string]any{"provider": id, "healthy": *body.Healthy})
}

func (s *Server) handleCircuitReset(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.engine.ResetCircuit(id); err != nil {
		writeError(w, err)
		return
	}
	s.logger.InfoContext(r.Context(), "circuit reset", "provider", id)

	_, status, _ := s.engine.Provider(id)
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleQueueClear(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	n, err := s.engine.ClearQueue(id)
	if err != nil {
		writeError(w, err)
		return
	}
	s.logger.InfoContext(r.Context(), "queue cleared", "provider", id, "cleared", n)
	writeJSON(w, http.StatusOK, map[string]any{"provider": id, "cleared": n})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var body ExecuteRequest
	if err := s.decode(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.TimeoutMs < 0 {
		writeError(w, &requestError{param: "timeout_ms", message: "timeout_ms must not be negative"})
		return
	}

	req := &providers.Request{
		ID:         body.ID,
		Model:      body.Model,
		Payload:    body.Payload,
		Candidates: body.Candidates,
		Priority:   body.Priority,
		Strategy:   body.Strategy,
		Timeout:    time.Duration(body.TimeoutMs) * time.Millisecond,
		Metadata:   body.Metadata,
	}
	ctx := r.Context()

	switch body.Mode {
	case engine.ModeUnary, "":
		resp, err := s.engine.Execute(ctx, req)
		s.writeResponse(w, resp, err)
	case engine.ModeHedge:
		resp, err := s.engine.ExecuteHedged(ctx, req)
		s.writeResponse(w, resp, err)
	case engine.ModeStream:
		stream, err := s.engine.ExecuteStream(ctx, req)
		s.writeStream(w, r, stream, err)
	case engine.ModeHedgeStream:
		stream, err := s.engine.ExecuteHedgedStream(ctx, req)
		s.writeStream(w, r, stream, err)
	default:
		writeError(w, &requestError{
			param:   "mode",
			message: fmt.Sprintf("unknown mode %q (want unary, stream, hedge or hedge_stream)", body.Mode),
		})
	}
}

func (s *Server) writeResponse(w http.ResponseWriter, resp *providers.Response, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("X-Relay-Provider", resp.Provider)
	writeJSON(w, http.StatusOK, resp)
}

// writeStream writes stream as newline-delimited JSON, flushing after each
// chunk. A terminal error chunk becomes an event with an error object.
func (s *Server) writeStream(w http.ResponseWriter, r *http.Request, stream <-chan *providers.StreamChunk, err error) {
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	enc := json.NewEncoder(w)
	for chunk := range stream {
		event := StreamEvent{
			Provider: chunk.Provider,
			Index:    chunk.Index,
			Delta:    chunk.Delta,
			Data:     chunk.Data,
			Units:    chunk.Units,
		}
		if chunk.Error != nil {
			_, body := classify(chunk.Error)
			event.Error = &body.Error
		}

		if err := enc.Encode(event); err != nil {
			s.logger.WarnContext(r.Context(), "stream write failed", "error", err)
			drain(stream)
			return
		}
		if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			s.logger.WarnContext(r.Context(), "stream flush failed", "error", err)
		}
	}
}

// decode reads a JSON body of at most MaxBodyBytes into v.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	limit := s.config.MaxBodyBytes
	if limit <= 0 {
		limit = defaultMaxBodyBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return &requestError{message: fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit)}
		case errors.Is(err, io.EOF):
			return &requestError{message: "request body is required"}
		default:
			return &requestError{message: fmt.Sprintf("invalid JSON body: %v", err)}
		}
	}
	return nil
}

// drain consumes the rest of stream so its producer can exit.
func drain(stream <-chan *providers.StreamChunk) {
	go func() {
		for range stream {
		}
	}()
}
