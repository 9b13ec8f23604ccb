package serve

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	acpbridge "github.com/everydev1618/acpbridge"
)

// Config holds server configuration.
type Config struct {
	Addr      string
	AuthToken string
}

// Server is the HTTP surface of the bridge: run submission (sync and
// SSE), session management, and the agent catalog.
type Server struct {
	registry *acpbridge.Registry
	store    acpbridge.Store
	sessions *acpbridge.SessionManager
	runs     *acpbridge.RunManager
	cfg      Config
	logger   *slog.Logger
}

// New creates a new Server.
func New(registry *acpbridge.Registry, store acpbridge.Store, sessions *acpbridge.SessionManager, runs *acpbridge.RunManager, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		registry: registry,
		store:    store,
		sessions: sessions,
		runs:     runs,
		cfg:      cfg,
		logger:   logger,
	}
}

// Handler builds the full middleware-wrapped handler, exposed for
// tests driving the server through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return corsMiddleware(s.authMiddleware(mux))
}

// Start listens for HTTP requests. It blocks until ctx is cancelled,
// then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Addr,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("acp2d serving", "addr", s.cfg.Addr, "auth", s.cfg.AuthToken != "")
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down server")
	case err := <-errCh:
		return err
	}

	// Graceful shutdown with 5s timeout. In-flight runs keep going on
	// their background contexts; only the HTTP listeners drain here.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("server shutdown error", "error", err)
	}
	return nil
}

// registerRoutes adds all API routes to the mux.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ping", s.handlePing)

	mux.HandleFunc("GET /agents", s.handleListAgents)
	mux.HandleFunc("GET /agents/{name}", s.handleGetAgent)

	mux.HandleFunc("POST /runs", s.handleCreateRun)
	mux.HandleFunc("GET /runs/{id}", s.handleGetRun)
	mux.HandleFunc("POST /runs/{id}/cancel", s.handleCancelRun)

	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)
}

// authMiddleware enforces the bearer token on everything but /ping.
// An empty configured token disables authentication.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken == "" || r.URL.Path == "/ping" {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		if header == "" {
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{
				Error: ErrorBody{Kind: acpbridge.KindAuth, Message: "missing credentials"},
			})
			return
		}
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token != s.cfg.AuthToken {
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{
				Error: ErrorBody{Kind: acpbridge.KindAuth, Message: "invalid credentials"},
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware adds permissive CORS headers for development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
