// Package http is the inbound HTTP adapter: it terminates client
// connections, extracts credentials, runs the request pipeline, and maps
// pipeline outcomes onto HTTP statuses.
package http

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/guardpost/guardpost/internal/domain/auth"
	"github.com/guardpost/guardpost/internal/service"
)

// shutdownTimeout bounds the graceful drain on stop.
const shutdownTimeout = 10 * time.Second

// Server is the gateway's HTTP front end.
type Server struct {
	pipeline       *service.Pipeline
	addr           string
	mcpPath        string
	headerFallback string
	trusted        *auth.TrustedProxies
	registry       *prometheus.Registry
	metrics        *Metrics
	health         *HealthChecker
	oauth          *OAuthHandlers
	logger         *slog.Logger

	server *http.Server
}

// ServerOption configures Server.
type ServerOption func(*Server)

// WithAddr sets the listen address. Default is localhost only.
func WithAddr(addr string) ServerOption {
	return func(s *Server) { s.addr = addr }
}

// WithMCPPath sets the gateway mount point. Default /mcp.
func WithMCPPath(path string) ServerOption {
	return func(s *Server) { s.mcpPath = path }
}

// WithHeaderFallback names an extra credential header consulted when no
// Authorization: Bearer is present.
func WithHeaderFallback(header string) ServerOption {
	return func(s *Server) { s.headerFallback = header }
}

// WithTrustedProxies sets the peers whose forwarded headers are honored.
func WithTrustedProxies(trusted *auth.TrustedProxies) ServerOption {
	return func(s *Server) { s.trusted = trusted }
}

// WithRegistry supplies the metrics registry and the request metrics
// recorded against it.
func WithRegistry(reg *prometheus.Registry, metrics *Metrics) ServerOption {
	return func(s *Server) {
		s.registry = reg
		s.metrics = metrics
	}
}

// WithHealthChecker sets the /health, /live, /ready handler.
func WithHealthChecker(health *HealthChecker) ServerOption {
	return func(s *Server) { s.health = health }
}

// WithOAuthHandlers mounts /oauth/authorize and /oauth/callback.
func WithOAuthHandlers(handlers *OAuthHandlers) ServerOption {
	return func(s *Server) { s.oauth = handlers }
}

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger.With("component", "http") }
}

// NewServer assembles the front end around the pipeline.
func NewServer(pipeline *service.Pipeline, opts ...ServerOption) *Server {
	s := &Server{
		pipeline: pipeline,
		addr:     "127.0.0.1:8080",
		mcpPath:  "/mcp",
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
		s.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		s.metrics = NewMetrics(s.registry)
	}
	return s
}

// Handler builds the full route table. Exposed so tests can mount it
// without a real listener.
func (s *Server) Handler() http.Handler {
	gateway := mcpHandler(s.pipeline, s.mcpPath, s.headerFallback)
	gateway = RealIPMiddleware(s.trusted)(gateway)
	gateway = RequestIDMiddleware(s.logger)(gateway)
	if s.metrics != nil {
		gateway = MetricsMiddleware(s.metrics)(gateway)
	}

	mux := http.NewServeMux()
	if s.health != nil {
		mux.Handle("/health", s.health.Handler())
		mux.Handle("/live", s.health.LiveHandler())
		mux.Handle("/ready", s.health.ReadyHandler())
	}
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		Registry: s.registry,
	}))
	if s.oauth != nil {
		mux.Handle("/oauth/authorize", s.oauth.AuthorizeHandler())
		mux.Handle("/oauth/callback", s.oauth.CallbackHandler())
	}
	mux.Handle("/favicon.ico", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	mux.Handle(s.mcpPath, gateway)
	mux.Handle(s.mcpPath+"/", gateway)
	return mux
}

// Start binds the listener and serves until the context is cancelled.
// Readiness flips on once the listener is bound.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.health != nil {
		s.health.SetReady(true)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", listener.Addr().String())
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-errCh:
		return err
	}
}

// shutdown drains in-flight requests within the shutdown timeout.
func (s *Server) shutdown() error {
	if s.health != nil {
		s.health.SetReady(false)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("http server shutdown", "error", err)
		return err
	}
	s.logger.Info("http server stopped")
	return nil
}

// Close stops the server outside of Start's context flow.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	return s.shutdown()
}
