// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package server runs the HTTP listener in front of the request forwarder and
// owns its lifecycle.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	stdlog "log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-core-stack/context-proxy/pkg/config"
)

// Reserved paths served by the proxy itself.
const (
	HealthPath  = "/_context-proxy/health"
	MetricsPath = "/_context-proxy/metrics"
	EventsPath  = "/_context-proxy/events"
)

const (
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 120 * time.Second
)

// Server binds the configured address and serves the forwarder plus the
// proxy's own endpoints.
type Server struct {
	cfg    config.Config
	router chi.Router
	logger zerolog.Logger

	metrics    http.Handler
	events     http.Handler
	onShutdown []func()

	mu       sync.Mutex
	srv      *http.Server
	cancel   context.CancelFunc
	done     chan struct{}
	port     int
	serveErr error
}

// Option customises a Server.
type Option func(*Server)

// WithMetrics serves h at MetricsPath.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithEvents serves h at EventsPath.
func WithEvents(h http.Handler) Option {
	return func(s *Server) {
		s.events = h
	}
}

// WithOnShutdown registers fn to run when Stop begins, for connections the
// HTTP server does not track such as hijacked websockets.
func WithOnShutdown(fn func()) Option {
	return func(s *Server) {
		s.onShutdown = append(s.onShutdown, fn)
	}
}

// WithLogger replaces the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// New prepares a server for cfg routing everything outside the reserved
// paths to handler. Nothing is bound until Start.
func New(cfg config.Config, handler http.Handler, opts ...Option) *Server {
	s := &Server{
		cfg:    cfg,
		logger: log.With().Str("component", "server").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get(HealthPath, s.serveHealth)
	if s.metrics != nil {
		r.Handle(MetricsPath, s.metrics)
	}
	if s.events != nil {
		r.Handle(EventsPath, s.events)
	}
	r.Handle("/*", handler)
	s.router = r
	return s
}

// Start binds BindHost:Port and serves in the background. A bind failure is
// returned as is; no other port is tried.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return errors.New("server already started")
	}

	addr := s.cfg.Addr()
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	baseCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
		ErrorLog:          stdlog.New(s.logger, "", 0),
	}
	for _, fn := range s.onShutdown {
		srv.RegisterOnShutdown(fn)
	}

	s.srv = srv
	s.cancel = cancel
	s.done = make(chan struct{})
	s.port = ln.Addr().(*net.TCPAddr).Port
	s.serveErr = nil

	go s.serve(srv, ln, s.done)

	s.logger.Info().
		Str("listen_addr", ln.Addr().String()).
		Msg("context proxy listening")
	return nil
}

func (s *Server) serve(srv *http.Server, ln net.Listener, done chan struct{}) {
	defer close(done)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error().Err(err).Msg("proxy server exited unexpectedly")
		s.mu.Lock()
		s.serveErr = err
		s.mu.Unlock()
	}
}

// Stop drains in-flight requests for at most ShutdownGrace, then closes the
// remaining connections and cancels their request contexts. Stop on a server
// that is not running returns nil.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, cancel, done := s.srv, s.cancel, s.done
	s.srv, s.cancel = nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	defer cancel()

	s.logger.Info().Dur("grace", s.cfg.ShutdownGrace).Msg("shutting down context proxy")

	shutdownCtx, stop := context.WithTimeout(ctx, s.cfg.ShutdownGrace)
	defer stop()

	var closeErr error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn().Err(err).Msg("graceful shutdown incomplete; forcing close")
		cancel()
		closeErr = srv.Close()
		if closeErr != nil {
			s.logger.Error().Err(closeErr).Msg("forced close failed")
		}
	}
	<-done

	s.logger.Info().Msg("context proxy stopped")
	return closeErr
}

// Done is closed once the server stops serving. It is nil before Start.
func (s *Server) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Err reports why serving ended unexpectedly, if it did.
func (s *Server) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serveErr
}

// Port reports the bound port, which differs from the configured one when
// that was 0. It is 0 before Start.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// BaseURL returns the URL tools use to reach the running proxy.
func (s *Server) BaseURL() string {
	return "http://" + net.JoinHostPort(s.cfg.BindHost, strconv.Itoa(s.Port()))
}

func (s *Server) serveHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"port":   s.Port(),
	})
}
