// Package server provides the HTTP server and routing for Foresight.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/foresight/internal/database"
	"github.com/aristath/foresight/internal/executions"
	"github.com/aristath/foresight/internal/orchestrator"
	"github.com/aristath/foresight/internal/reports"
	"github.com/aristath/foresight/internal/universe"
)

// Config holds server configuration.
type Config struct {
	Log          zerolog.Logger
	Port         int
	DevMode      bool
	UniverseDB   *database.DB
	PipelineDB   *database.DB
	ReportsDB    *database.DB
	Orchestrator *orchestrator.Orchestrator
	Watcher      *executions.Watcher
	ExecRepo     *executions.ExecutionRepository
	ReportRepo   *reports.ReportRepository
	Resolver     *universe.SymbolResolver
	InstRepo     *universe.InstrumentRepository
}

// Server is the HTTP server.
type Server struct {
	router         *chi.Mux
	server         *http.Server
	log            zerolog.Logger
	orch           *orchestrator.Orchestrator
	watcher        *executions.Watcher
	execRepo       *executions.ExecutionRepository
	reportRepo     *reports.ReportRepository
	resolver       *universe.SymbolResolver
	instRepo       *universe.InstrumentRepository
	systemHandlers *SystemHandlers
}

// New creates a new HTTP server.
func New(cfg Config) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		log:        cfg.Log.With().Str("component", "server").Logger(),
		orch:       cfg.Orchestrator,
		watcher:    cfg.Watcher,
		execRepo:   cfg.ExecRepo,
		reportRepo: cfg.ReportRepo,
		resolver:   cfg.Resolver,
		instRepo:   cfg.InstRepo,
		systemHandlers: NewSystemHandlers(cfg.Log, []*database.DB{
			cfg.UniverseDB, cfg.PipelineDB, cfg.ReportsDB,
		}),
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware.
func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes.
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.systemHandlers.HandleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/health", s.systemHandlers.HandleHealth)

		r.Post("/executions", s.handleStartExecution)
		r.Get("/executions/{id}", s.handleGetExecution)

		r.Get("/reports/{symbol}", s.handleGetReport)
		r.Post("/reports/{symbol}/invalidate", s.handleInvalidateReport)

		r.Get("/instruments", s.handleListInstruments)
		r.Get("/instruments/resolve", s.handleResolveInstrument)
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
