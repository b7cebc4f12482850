package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"querywatch/pkg/config"
	"querywatch/pkg/core"
	"querywatch/pkg/database"
	"querywatch/pkg/logging"
)

// Server is the HTTP API server.
type Server struct {
	cfg          *config.Config
	core         *core.Core
	db           *database.DB
	sessions     *sessionTable
	loginLimiter *loginLimiter
	log          *logging.Logger
	httpServer   *http.Server
	startTime    time.Time
}

// New creates the API server and wires up its routes.
func New(cfg *config.Config, c *core.Core, db *database.DB, log *logging.Logger) *Server {
	s := &Server{
		cfg:          cfg,
		core:         c,
		db:           db,
		sessions:     newSessionTable(cfg.API.MaxSessions, cfg.API.SessionDuration()),
		loginLimiter: newLoginLimiter(),
		log:          log,
		startTime:    time.Now(),
	}

	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/auth", s.handleLogin)
	mux.HandleFunc("GET /api/auth", s.handleAuthStatus)
	mux.HandleFunc("DELETE /api/auth", s.handleLogout)
	mux.HandleFunc("GET /api/auth/sessions", s.requireAuth(s.handleListSessions))
	mux.HandleFunc("DELETE /api/auth/sessions/{id}", s.requireAuth(s.handleDeleteSession))

	mux.HandleFunc("GET /api/queries", s.requireAuth(s.handleQueries))
	mux.HandleFunc("GET /api/queries/suggestions", s.requireAuth(s.handleSuggestions))

	mux.HandleFunc("GET /api/stats", s.requireAuth(s.handleStats))
	mux.HandleFunc("GET /api/history", s.requireAuth(s.handleHistory))

	mux.HandleFunc("GET /api/config", s.requireAuth(s.handleConfigGet))
	mux.HandleFunc("GET /api/config/{key}", s.requireAuth(s.handleConfigGetKey))
	mux.HandleFunc("PATCH /api/config/{key}", s.requireAuth(s.handleConfigSetKey))

	s.httpServer = &http.Server{
		Addr:         cfg.API.ListenAddress,
		Handler:      s.withRequestStart(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// withRequestStart stamps the arrival time into the request context so
// handlers can report how long they took.
func (s *Server) withRequestStart(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), requestStartKey{}, time.Now())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Start runs the HTTP server until ctx is cancelled or the listener
// fails.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)

	go func() {
		s.log.Info("API server listening", "address", s.cfg.API.ListenAddress)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("API server failed: %w", err)
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.log.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// RestoreSessions loads persisted sessions into the session table.
func (s *Server) RestoreSessions(records []database.SessionRecord) int {
	return s.sessions.restore(records)
}

// SnapshotSessions exports the live sessions for persistence across a
// restart.
func (s *Server) SnapshotSessions() []database.SessionRecord {
	return s.sessions.snapshot()
}
