// Package server exposes the relay over HTTP: the websocket endpoint, the
// publish API, read-only admin queries, health probes and metrics.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/crisiscenter/crisis-relay/internal/auth"
	"github.com/crisiscenter/crisis-relay/internal/bus"
	"github.com/crisiscenter/crisis-relay/internal/config"
	"github.com/crisiscenter/crisis-relay/internal/connection"
	"github.com/crisiscenter/crisis-relay/internal/dispatch"
	"github.com/crisiscenter/crisis-relay/internal/metrics"
	"github.com/crisiscenter/crisis-relay/internal/pkg/logger"
	"github.com/crisiscenter/crisis-relay/internal/pkg/middleware"
	"github.com/crisiscenter/crisis-relay/internal/protocol"
	"github.com/crisiscenter/crisis-relay/internal/router"
	"github.com/crisiscenter/crisis-relay/internal/session"
)

// Config configures the server.
type Config struct {
	// Host is the address to bind to.
	Host string

	// Port is the HTTP port.
	Port int

	// Build information reported by /v1/version.
	Version   string
	Commit    string
	BuildDate string

	// ReadTimeout bounds reading request headers and bodies.
	ReadTimeout time.Duration

	// ShutdownTimeout bounds the graceful shutdown, session drain included.
	ShutdownTimeout time.Duration

	// PublishAPIKey guards the publish and replay endpoints when set.
	PublishAPIKey string

	// RateLimit is the per-client request rate; 0 disables limiting.
	RateLimit int

	// CORSOrigins is a comma-separated list of allowed origins, or "*".
	CORSOrigins string

	// AllowedOrigins restricts websocket upgrades by Origin header; empty
	// allows any origin.
	AllowedOrigins []string

	// MetricsPath serves the Prometheus exposition; empty disables it.
	MetricsPath string

	// Session timings and inbound limits.
	Session session.Config
}

// DefaultConfig returns sensible server defaults.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8080,
		Version:         "dev",
		Commit:          "none",
		BuildDate:       "unknown",
		ReadTimeout:     30 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		CORSOrigins:     "*",
		MetricsPath:     "/metrics",
	}
}

// ConfigFrom derives the server configuration from the application config.
func ConfigFrom(app *config.Config) Config {
	cfg := DefaultConfig()
	cfg.Host = app.Host
	cfg.Port = app.Port
	cfg.PublishAPIKey = app.Security.PublishAPIKey
	cfg.RateLimit = app.Security.RateLimit
	cfg.CORSOrigins = app.Security.CORSOrigins
	cfg.AllowedOrigins = splitList(app.Security.AllowedOrigins)
	cfg.MetricsPath = ""
	if app.Metrics.Enabled {
		cfg.MetricsPath = app.Metrics.Path
	}
	cfg.Session = session.ConfigFrom(app.Realtime)
	if grace := app.Realtime.DrainGrace * 2; grace > cfg.ShutdownTimeout {
		cfg.ShutdownTimeout = grace
	}
	return cfg
}

// Deps are the relay components the server exposes.
type Deps struct {
	Registry   *connection.Registry
	Router     *router.Router
	Dispatcher *dispatch.Dispatcher
	Auth       auth.Authenticator

	// Optional.
	Metrics   *metrics.Metrics
	Collector *metrics.Collector
	EventLog  *bus.EventLogger
	Bus       bus.Bus // replay target
	Log       *logger.Logger
}

// Server is the relay's HTTP front end.
type Server struct {
	cfg  Config
	deps Deps
	log  *logger.Logger

	upgrader    websocket.Upgrader
	rateLimiter *middleware.RateLimiter
	handler     http.Handler
	httpServer  *http.Server

	ready    atomic.Bool
	inFlight atomic.Int64

	mu             sync.Mutex
	closing        bool
	sessions       sync.WaitGroup
	sessionCtx     context.Context
	cancelSessions context.CancelFunc
}

// New creates a server. It does not start listening.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Registry == nil || deps.Router == nil || deps.Dispatcher == nil || deps.Auth == nil {
		return nil, fmt.Errorf("server requires registry, router, dispatcher and authenticator")
	}
	if deps.Log == nil {
		deps.Log = logger.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}

	s := &Server{
		cfg:  cfg,
		deps: deps,
		log:  deps.Log,
	}
	s.sessionCtx, s.cancelSessions = context.WithCancel(context.Background())

	handshake := cfg.Session.HandshakeTimeout
	if handshake <= 0 {
		handshake = 10 * time.Second
	}
	s.upgrader = websocket.Upgrader{
		HandshakeTimeout: handshake,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		CheckOrigin:      originChecker(cfg.AllowedOrigins),
	}

	if cfg.RateLimit > 0 {
		s.rateLimiter = middleware.NewRateLimiter(middleware.RateLimiterConfig{
			RequestsPerSecond: float64(cfg.RateLimit),
			Burst:             cfg.RateLimit * 2,
			CleanupInterval:   time.Minute,
		})
		s.log.Info("Rate limiting enabled", "requests_per_second", cfg.RateLimit)
	}

	s.handler = s.buildHandler()
	return s, nil
}

// Handler returns the full handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// buildHandler registers routes and wraps them, innermost first.
func (s *Server) buildHandler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	handler := http.Handler(mux)
	handler = s.inFlightMiddleware(handler)
	if s.deps.Metrics != nil {
		handler = metrics.HTTPMiddleware(s.deps.Metrics, handler)
	}
	handler = loggingMiddleware(handler, s.log)
	handler = requestIDMiddleware(handler)
	handler = corsMiddleware(handler, s.cfg.CORSOrigins)
	if s.rateLimiter != nil {
		handler = s.rateLimiter.Middleware(handler)
	}
	handler = recoveryMiddleware(handler, s.log)
	return handler
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleUpgrade)
	mux.HandleFunc("GET /ws/{channel}/{id}", s.handleUpgrade)

	mux.HandleFunc("POST /v1/publish", s.requireAPIKey(s.handlePublish))
	mux.HandleFunc("GET /v1/connections", s.handleConnections)
	mux.HandleFunc("GET /v1/connections/{handle}", s.handleConnection)
	mux.HandleFunc("GET /v1/topics/{topic...}", s.handleTopic)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.HandleFunc("POST /v1/replay", s.requireAPIKey(s.handleReplay))
	mux.HandleFunc("GET /v1/metrics/presets", s.handlePresets)
	mux.HandleFunc("GET /v1/metrics/presets/{id}", s.handlePresetQuery)
	mux.HandleFunc("POST /v1/metrics/query", s.handleMetricQuery)

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.HandleFunc("GET /v1/version", s.handleVersion)

	if s.cfg.MetricsPath != "" && s.deps.Metrics != nil {
		mux.Handle("GET "+s.cfg.MetricsPath, s.deps.Metrics.Handler())
	}
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
}

// Run listens and serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.Addr(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.ready.Store(true)
		s.log.Info("Starting HTTP server", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		s.ready.Store(false)
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown stops accepting connections, drains every live session with
// reason server_shutdown and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	s.mu.Unlock()

	s.log.Info("Shutting down server...")
	s.ready.Store(false)

	var shutdownErr error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.Error("HTTP shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// Hijacked websocket connections are invisible to http.Server.Shutdown.
	s.log.Info("Draining sessions...", "active", s.deps.Registry.Count())
	s.cancelSessions()

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("All sessions closed")
	case <-ctx.Done():
		n := s.deps.Registry.CloseAll(protocol.ReasonServerShutdown)
		s.log.Warn("Shutdown timeout reached with open sessions", "remaining", n)
	}

	if s.drainInFlight(ctx) {
		s.log.Info("All in-flight requests completed")
	} else {
		s.log.Warn("Shutdown timeout reached with pending requests", "remaining", s.inFlight.Load())
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	s.log.Info("Server stopped")
	return shutdownErr
}

// Ready reports whether the server accepts new connections.
func (s *Server) Ready() bool {
	return s.ready.Load()
}

// drainInFlight waits until no request is in flight or ctx ends.
func (s *Server) drainInFlight(ctx context.Context) bool {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if s.inFlight.Load() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// beginSession registers a session with the shutdown barrier. It fails once
// shutdown has started.
func (s *Server) beginSession() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.sessions.Add(1)
	return true
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
