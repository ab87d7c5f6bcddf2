// Package server exposes sessions, pipeline runs, reports, the metric
// registry and the evidence cache over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ziadkadry99/kinesight/internal/audit"
	"github.com/ziadkadry99/kinesight/internal/embeddings"
	"github.com/ziadkadry99/kinesight/internal/evidence"
	"github.com/ziadkadry99/kinesight/internal/notifications"
	"github.com/ziadkadry99/kinesight/internal/pipeline"
	"github.com/ziadkadry99/kinesight/internal/registry"
	"github.com/ziadkadry99/kinesight/internal/sessions"
)

// Config holds server configuration.
type Config struct {
	Port     int
	AllowAll bool // allow all CORS origins (dev mode)
}

// Deps are the collaborators behind the API. Sessions is required; routes
// whose collaborator is nil answer 503.
type Deps struct {
	Sessions      *sessions.Store
	Orchestrator  *pipeline.Orchestrator
	States        *pipeline.StateStore
	Registry      *registry.Registry
	Cache         *evidence.Cache
	Embedder      embeddings.Embedder
	Audit         *audit.Store
	Notifications *notifications.Store
	Logger        *slog.Logger
}

// Server is the kinesight HTTP API.
type Server struct {
	cfg        Config
	deps       Deps
	logger     *slog.Logger
	router     chi.Router
	httpServer *http.Server
}

// New creates a server with all routes mounted.
func New(cfg Config, deps Deps) *Server {
	if deps.Registry == nil {
		deps.Registry = registry.Default()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Server{cfg: cfg, deps: deps, logger: deps.Logger}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	corsOpts := cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Actor"},
		AllowCredentials: true,
		MaxAge:           300,
	}
	if s.cfg.AllowAll {
		corsOpts.AllowedOrigins = []string{"*"}
	}
	r.Use(cors.Handler(corsOpts))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Websocket streams outlive any request timeout.
	r.Get("/api/sessions/{id}/pipeline/ws", s.handlePipelineWatch)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Route("/api/sessions", func(r chi.Router) {
			r.Get("/", s.handleListSessions)
			r.Put("/{id}", s.handlePutSession)
			r.Get("/{id}", s.handleGetSession)
			r.Get("/{id}/benchmarks", s.handleBenchmarks)
			r.Get("/{id}/report", s.handleReport)

			r.Get("/{id}/pipeline", s.handlePipelineStatus)
			r.Post("/{id}/pipeline", s.handleTrigger)
			r.Post("/{id}/pipeline/retrigger", s.handleRetrigger)
			r.Delete("/{id}/pipeline", s.handleCancel)
		})
		r.Get("/api/pipelines", s.handleListPipelines)

		r.Get("/api/registry", s.handleRegistry)
		r.Get("/api/registry/{name}", s.handleRegistryMetric)
		r.Post("/api/formula/validate", s.handleValidateFormula)
		r.Post("/api/formula/evaluate", s.handleEvaluateFormula)

		r.Get("/api/evidence/search", s.handleEvidenceSearch)

		if s.deps.Notifications != nil {
			notifications.RegisterRoutes(r, s.deps.Notifications)
		}
		if s.deps.Audit != nil {
			audit.RegisterRoutes(r, s.deps.Audit)
		}
	})

	return r
}

// Router returns the chi router.
func (s *Server) Router() chi.Router { return s.router }

// Start begins listening on the configured port.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Info("kinesight server listening", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// actorContext tags the request context with the caller named in X-Actor
// so audit entries record who triggered a run.
func actorContext(r *http.Request) context.Context {
	if a := r.Header.Get("X-Actor"); a != "" {
		return pipeline.WithActor(r.Context(), a)
	}
	return r.Context()
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, errorBody{Error: fmt.Sprintf(format, args...)})
}

// sessionError maps a store error onto a response.
func sessionError(w http.ResponseWriter, err error) {
	if errors.Is(err, sessions.ErrNotFound) {
		writeError(w, http.StatusNotFound, "%v", err)
		return
	}
	writeError(w, http.StatusInternalServerError, "%v", err)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}
