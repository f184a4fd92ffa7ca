// ABOUTME: Server wires store, services, relay and REST into one process
// ABOUTME: Owns startup order, health endpoints and graceful shutdown

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parley-im/relay/internal/api"
	"github.com/parley-im/relay/internal/auth"
	"github.com/parley-im/relay/internal/config"
	"github.com/parley-im/relay/internal/conversation"
	"github.com/parley-im/relay/internal/presence"
	"github.com/parley-im/relay/internal/registry"
	"github.com/parley-im/relay/internal/relay"
	"github.com/parley-im/relay/internal/store"
)

// Server is the composed parley-relay process.
type Server struct {
	cfg        *config.Config
	logger     *slog.Logger
	sqlStore   *store.SQLiteStore
	registry   *registry.Registry
	httpServer *http.Server
}

// New builds the full component graph from configuration. The returned
// server owns the store and closes it on shutdown.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	sqlStore, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	reg := registry.New(logger)
	tracker := presence.New(reg, sqlStore, logger)
	svc := conversation.New(sqlStore, logger)
	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))

	rly := relay.New(relay.Config{
		WriteTimeout:    cfg.Relay.WriteTimeout,
		PingInterval:    cfg.Relay.PingInterval,
		PongWait:        cfg.Relay.PongWait,
		RequestTimeout:  cfg.Relay.RequestTimeout,
		MaxMessageBytes: cfg.Relay.MaxMessageBytes,
		SendBuffer:      cfg.Relay.SendBuffer,
	}, verifier, reg, tracker, svc, logger)

	restAPI := api.New(svc, reg, logger)

	s := &Server{
		cfg:      cfg,
		logger:   logger.With("component", "server"),
		sqlStore: sqlStore,
		registry: reg,
	}

	router := mux.NewRouter()
	router.HandleFunc("/ws", rly.HandleWS)
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/health/ready", s.handleReady).Methods(http.MethodGet)
	if cfg.Metrics.Enabled {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		router.Handle(path, promhttp.Handler()).Methods(http.MethodGet)
	}
	restAPI.Register(router, verifier)

	s.httpServer = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// Run serves until the context is canceled or the listener fails, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.cfg.Server.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := s.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

// Shutdown stops accepting connections, closes live sessions and releases
// the store.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error

	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	s.registry.CloseAll()

	if err := s.sqlStore.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.logger.Info("shutdown complete")
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the store answers a ping.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.sqlStore.Ping(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "store unavailable: %v", err)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
