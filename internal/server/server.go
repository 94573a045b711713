// Package server exposes the engine over HTTP: analysis runs, conflict
// queries, lifecycle transitions, and a server-sent-event stream bridging
// the broadcaster. Callers identify themselves through the X-Org-ID and
// X-User-ID headers; there is no authentication layer here.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/shelfsight/upcguard/internal/engine"
	"github.com/shelfsight/upcguard/internal/events"
	"github.com/shelfsight/upcguard/internal/lifecycle"
	"github.com/shelfsight/upcguard/internal/store"
)

// Config holds server settings.
type Config struct {
	Port           int
	AllowedOrigins []string
}

// Server wires the HTTP surface to the engine components.
type Server struct {
	cfg         Config
	store       store.Store
	engine      *engine.Engine
	lifecycle   *lifecycle.Manager
	broadcaster *events.Broadcaster
	router      chi.Router
	httpServer  *http.Server
}

// New creates a Server with all routes registered.
func New(cfg Config, st store.Store, eng *engine.Engine, lc *lifecycle.Manager, bc *events.Broadcaster) *Server {
	s := &Server{
		cfg:         cfg,
		store:       st,
		engine:      eng,
		lifecycle:   lc,
		broadcaster: bc,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Org-ID", "X-User-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Post("/analyses/{analysisID}/run", s.handleRunAnalysis)

	r.Route("/conflicts", func(r chi.Router) {
		r.Get("/", s.handleListConflicts)
		r.Post("/bulk-assign", s.handleBulkAssign)
		r.Route("/{conflictID}", func(r chi.Router) {
			r.Get("/", s.handleGetConflict)
			r.Get("/audit", s.handleListAudit)
			r.Post("/assign", s.handleAssign)
			r.Post("/start", s.handleStartWork)
			r.Post("/resolve", s.handleResolve)
			r.Post("/reject", s.handleReject)
		})
	})

	r.Get("/events", s.handleEvents)

	return r
}

// Router returns the HTTP handler, mainly for tests.
func (s *Server) Router() http.Handler { return s.router }

// Start listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		zap.L().Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			zap.L().Warn("server shutdown", zap.Error(err))
		}
	}()

	zap.L().Info("starting server", zap.Int("port", s.cfg.Port))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
