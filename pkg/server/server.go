package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"mercator-hq/relay/pkg/config"
	"mercator-hq/relay/pkg/engine"
	"mercator-hq/relay/pkg/providers"
	"mercator-hq/relay/pkg/routing"
	"mercator-hq/relay/pkg/routing/circuit"
	"mercator-hq/relay/pkg/server/middleware"
	"mercator-hq/relay/pkg/telemetry/health"
)

// Engine is the part of *engine.Engine the admin server drives.
type Engine interface {
	Execute(ctx context.Context, req *providers.Request) (*providers.Response, error)
	ExecuteHedged(ctx context.Context, req *providers.Request) (*providers.Response, error)
	ExecuteStream(ctx context.Context, req *providers.Request) (<-chan *providers.StreamChunk, error)
	ExecuteHedgedStream(ctx context.Context, req *providers.Request) (<-chan *providers.StreamChunk, error)
	SetProviderHealth(id string, healthy bool) error
	ResetCircuit(id string) error
	ClearQueue(id string) (int, error)
	Provider(id string) (routing.ProviderSnapshot, circuit.Status, bool)
	Ready() bool
	Stats() engine.Stats
}

var _ Engine = (*engine.Engine)(nil)

// Server is the admin HTTP server of the routing engine.
type Server struct {
	config  config.ServerConfig
	engine  Engine
	checker *health.Checker
	logger  *slog.Logger

	metricsPath    string
	metricsHandler http.Handler

	version   string
	commit    string
	buildTime string

	mu         sync.RWMutex
	httpServer *http.Server
	listener   net.Listener
	isRunning  bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger used for request and lifecycle logs.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics mounts h at path.
func WithMetrics(path string, h http.Handler) Option {
	return func(s *Server) {
		s.metricsPath = path
		s.metricsHandler = h
	}
}

// WithHealthChecker serves /health and /ready from c.
func WithHealthChecker(c *health.Checker) Option {
	return func(s *Server) { s.checker = c }
}

// WithVersion sets the build information reported by /version.
func WithVersion(version, commit, buildTime string) Option {
	return func(s *Server) {
		s.version = version
		s.commit = commit
		s.buildTime = buildTime
	}
}

// New creates a server for eng. Without WithHealthChecker the server builds a
// checker with the engine's routing and circuit checks.
func New(cfg config.ServerConfig, eng Engine, opts ...Option) *Server {
	s := &Server{
		config:  cfg,
		engine:  eng,
		version: "dev",
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default().With("component", "server")
	}
	if s.checker == nil {
		s.checker = health.New(0)
		health.RegisterEngineChecks(s.checker, eng)
	}
	return s
}

// Start listens on the configured address and serves until ctx is done,
// then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}

	ln, err := net.Listen("tcp", s.config.ListenAddress)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddress, err)
	}

	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       s.config.ReadTimeout,
		ReadHeaderTimeout: s.config.ReadTimeout,
		WriteTimeout:      s.config.WriteTimeout,
		IdleTimeout:       s.config.IdleTimeout,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
	s.isRunning = true
	srv := s.httpServer
	s.mu.Unlock()

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting admin server", "address", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("server error: %w", err)
		}
		close(errChan)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, initiating shutdown")
		return s.Shutdown(context.Background())
	case err, ok := <-errChan:
		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()
		if !ok {
			return nil
		}
		return err
	}
}

// Shutdown stops accepting connections and waits up to the configured
// shutdown timeout for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = false
	srv := s.httpServer
	s.mu.Unlock()

	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	s.logger.Info("initiating graceful shutdown", "timeout", timeout.String())

	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("error during server shutdown", "error", err)
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.logger.Info("admin server stopped")
	return nil
}

// IsRunning returns true if the server is serving.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Handler returns the routed handler wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	return middleware.Chain(s.routes(),
		middleware.Recovery(s.logger),
		middleware.RequestID,
		middleware.Logging(s.logger),
	)
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	health.Register(mux, s.checker, s.version, s.commit, s.buildTime)
	if s.metricsHandler != nil {
		path := s.metricsPath
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, s.metricsHandler)
	}

	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.HandleFunc("GET /v1/providers/{id}", s.handleProvider)
	mux.HandleFunc("PUT /v1/providers/{id}/health", s.handleProviderHealth)
	mux.HandleFunc("POST /v1/providers/{id}/circuit/reset", s.handleCircuitReset)
	mux.HandleFunc("POST /v1/providers/{id}/queue/clear", s.handleQueueClear)
	mux.HandleFunc("POST /v1/execute", s.handleExecute)

	return mux
}
