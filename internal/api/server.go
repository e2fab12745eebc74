// Package api exposes the asset lifecycle, generation, validation, and name
// sync operations over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/testweaver/internal/assets"
	"github.com/sells-group/testweaver/internal/generator"
	"github.com/sells-group/testweaver/internal/namesync"
	"github.com/sells-group/testweaver/internal/store"
	"github.com/sells-group/testweaver/internal/validator"
)

// Server bundles the services behind the HTTP API. The generator is
// optional; generation endpoints return 503 when no model client is
// configured.
type Server struct {
	store     store.Store
	assets    *assets.Service
	sync      *namesync.Engine
	validator *validator.Validator
	gen       *generator.Orchestrator
}

// NewServer creates a Server. gen may be nil.
func NewServer(st store.Store, gen *generator.Orchestrator) *Server {
	return &Server{
		store:     st,
		assets:    assets.NewService(st),
		sync:      namesync.New(st),
		validator: validator.New(st),
		gen:       gen,
	}
}

// Router builds the HTTP routing table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Route("/assets", func(r chi.Router) {
			r.Post("/", s.handleCreateAsset)
			r.Get("/", s.handleListAssets)
			r.Get("/{id}", s.handleGetAsset)
			r.Delete("/{id}", s.handleDeleteAsset)
			r.Patch("/{id}/status", s.handleUpdateStatus)
			r.Patch("/{id}/execution", s.handleUpdateExecution)
			r.Post("/{id}/rename", s.handleRenameAsset)
			r.Post("/{id}/promote", s.handlePromoteAsset)
			r.Post("/{id}/demote", s.handleDemoteAsset)
		})

		r.Route("/projects", func(r chi.Router) {
			r.Post("/", s.handleCreateProject)
			r.Get("/", s.handleListProjects)
			r.Delete("/{id}", s.handleDeleteProject)
		})

		r.Route("/business-types", func(r chi.Router) {
			r.Put("/", s.handleUpsertBusinessType)
			r.Get("/", s.handleListBusinessTypes)
		})

		r.Post("/generate", s.handleGenerate)
		r.Post("/generate/batch", s.handleGenerateBatch)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)

		r.Post("/validate", s.handleValidate)
		r.Post("/fix", s.handleFix)

		r.Post("/sync/name", s.handleSyncName)
		r.Post("/sync/batch", s.handleSyncBatch)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		zap.L().Error("encode response", zap.Error(err))
	}
}

// respondError maps service errors to HTTP statuses using the store's
// error taxonomy.
func respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	var taken *assets.NameTakenError
	switch {
	case errors.As(err, &taken):
		status = http.StatusConflict
	case store.IsNotFound(err):
		status = http.StatusNotFound
	case store.IsIntegrity(err):
		status = http.StatusConflict
	case store.IsTimeout(err):
		status = http.StatusGatewayTimeout
	}

	if status == http.StatusInternalServerError {
		zap.L().Error("request failed", zap.Error(err))
	}
	respondJSON(w, status, map[string]string{"error": err.Error()})
}

func badRequest(w http.ResponseWriter, msg string) {
	respondJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, into any) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		badRequest(w, "invalid request body")
		return false
	}
	return true
}
