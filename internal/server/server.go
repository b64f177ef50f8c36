// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server is the development backend: it serves the login, stage and realtime
// endpoints the dashboard talks to and answers stage starts by replaying scripted runs.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noldarim/ctxdash/internal/config"
	"github.com/noldarim/ctxdash/internal/features"
)

// Server is the REST + WebSocket dev backend.
type Server struct {
	httpServer  *http.Server
	broadcaster *EventBroadcaster
	player      *Player
	registry    *ClientRegistry

	mu   sync.Mutex
	stop context.CancelFunc
	done chan struct{}
}

// Option configures a Server.
type Option func(*options)

type options struct {
	speed    float64
	registry *prometheus.Registry
}

// WithSpeed scales scripted delays; 0 replays instantly.
func WithSpeed(speed float64) Option {
	return func(o *options) { o.speed = speed }
}

// WithRegistry exposes metrics from reg instead of a fresh registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// New creates and wires up the dev backend. It does NOT start listening;
// call Run() for that. Nil scenarios means the built-in scripts.
func New(cfg *config.DevBackendConfig, scenarios Scenarios, opts ...Option) *Server {
	o := options{speed: 1}
	for _, opt := range opts {
		opt(&o)
	}
	if scenarios == nil {
		builtin, err := LoadScenarios("")
		if err != nil {
			getLog().Error().Err(err).Msg("Failed to load built-in scenarios; every stage replays the generic script")
		}
		scenarios = builtin
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
	}

	metrics := newServerMetrics(o.registry)
	registry := NewClientRegistry(metrics)
	player := NewPlayer(scenarios, o.speed, metrics)
	broadcaster := NewEventBroadcaster(player.Frames(), registry)
	handlers := NewHandlers(player, registry, cfg.JWTSecret, cfg.TokenTTL, cfg.Users)

	r := chi.NewRouter()

	// Global middleware
	r.Use(Recovery)
	r.Use(RequestID)
	r.Use(Logger)
	r.Use(CORS(cfg.AllowedOrigins))
	r.Use(MaxBodySize(1 << 20)) // 1 MB default

	r.Get("/healthz", handlers.Health)
	r.Handle("/metrics", promhttp.HandlerFor(o.registry, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/login", handlers.Login)

		r.Group(func(r chi.Router) {
			r.Use(RequireAuth(cfg.JWTSecret))
			r.Get("/auth/me", handlers.Me)

			for _, f := range features.All() {
				for _, stage := range f.Stages {
					r.Post(stripAPI(stage.StartPath), handlers.StartStage(f, stage))
				}
				r.Post(stripAPI(f.CancelPath), handlers.CancelStage(f))
			}
		})

		// WebSocket authenticates through ?token= itself.
		r.Get("/ws", HandleWebSocket(registry, cfg.JWTSecret, cfg.AllowedOrigins))
	})

	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr(),
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		broadcaster: broadcaster,
		player:      player,
		registry:    registry,
	}
}

func stripAPI(path string) string {
	const prefix = "/api"
	if len(path) > len(prefix) && path[:len(prefix)] == prefix {
		return path[len(prefix):]
	}
	return path
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start runs the broadcaster until ctx is done or Shutdown is called, without opening
// a listener.
func (s *Server) Start(ctx context.Context) {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return
	}
	ctx, s.stop = context.WithCancel(ctx)
	done := make(chan struct{})
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		const maxRetries = 3
		for attempt := 1; attempt <= maxRetries; attempt++ {
			func() {
				defer func() {
					if r := recover(); r != nil {
						getLog().Error().Interface("panic", r).Int("attempt", attempt).Msg("Event broadcaster panic")
					}
				}()
				s.broadcaster.Run(ctx)
			}()

			// Normal return (context cancelled): exit without retry.
			if ctx.Err() != nil {
				return
			}

			if attempt < maxRetries {
				getLog().Warn().Int("attempt", attempt).Msg("Restarting event broadcaster after panic")
				select {
				case <-time.After(time.Second):
				case <-ctx.Done():
					return
				}
			}
		}
		getLog().Error().Msg("Event broadcaster exhausted retries - frames will no longer be dispatched")
	}()
}

// Run starts the event broadcaster goroutine and the HTTP server.
// Blocks until the server is shut down.
func (s *Server) Run(ctx context.Context) error {
	s.Start(ctx)

	getLog().Info().Str("addr", s.httpServer.Addr).Msg("Dev backend listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops scripted runs, waits for the broadcaster to exit and gracefully
// stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.player.Close()

	s.mu.Lock()
	stop, done := s.stop, s.done
	s.mu.Unlock()
	if stop != nil {
		stop()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.httpServer.Shutdown(ctx)
}
