package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/testweaver/internal/model"
	"github.com/sells-group/testweaver/internal/namesync"
	"github.com/sells-group/testweaver/internal/store"
	"github.com/sells-group/testweaver/internal/validator"
)

type generateRequest struct {
	BusinessType  string      `json:"business_type"`
	BusinessTypes []string    `json:"business_types,omitempty"`
	Stage         model.Stage `json:"stage"`
	Context       string      `json:"context,omitempty"`
}

// handleGenerate kicks off a generation job and returns immediately.
// Progress is observable through the jobs endpoints.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if s.gen == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "generation is not configured"})
		return
	}
	var in generateRequest
	if !decodeBody(w, r, &in) {
		return
	}
	if in.BusinessType == "" {
		badRequest(w, "business_type is required")
		return
	}
	if !model.ValidStage(in.Stage) {
		badRequest(w, "unknown stage")
		return
	}

	// The job outlives the request; detach from the request context so
	// the client closing the connection does not abort generation.
	ctx := context.WithoutCancel(r.Context())
	go func() {
		if _, err := s.gen.Generate(ctx, in.BusinessType, in.Stage, in.Context); err != nil {
			zap.L().Error("generation job failed",
				zap.String("business_type", in.BusinessType),
				zap.String("stage", string(in.Stage)),
				zap.Error(err))
		}
	}()

	respondJSON(w, http.StatusAccepted, map[string]string{
		"status":        "accepted",
		"business_type": in.BusinessType,
		"stage":         string(in.Stage),
	})
}

func (s *Server) handleGenerateBatch(w http.ResponseWriter, r *http.Request) {
	if s.gen == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "generation is not configured"})
		return
	}
	var in generateRequest
	if !decodeBody(w, r, &in) {
		return
	}
	if len(in.BusinessTypes) == 0 {
		badRequest(w, "business_types is required")
		return
	}
	if !model.ValidStage(in.Stage) {
		badRequest(w, "unknown stage")
		return
	}

	ctx := context.WithoutCancel(r.Context())
	go func() {
		result, err := s.gen.GenerateBatch(ctx, in.BusinessTypes, in.Stage, in.Context)
		if err != nil {
			zap.L().Error("batch generation failed", zap.Error(err))
			return
		}
		zap.L().Info("batch generation finished",
			zap.Int("succeeded", result.Succeeded),
			zap.Int("failed", result.Failed))
	}()

	respondJSON(w, http.StatusAccepted, map[string]any{
		"status":         "accepted",
		"business_types": in.BusinessTypes,
		"stage":          string(in.Stage),
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	jobs, err := s.store.ListJobs(r.Context(), store.JobFilter{
		BusinessType: q.Get("business_type"),
		Status:       model.JobStatus(q.Get("status")),
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var f validator.Filter
	if r.ContentLength > 0 && !decodeBody(w, r, &f) {
		return
	}
	report, err := s.validator.Validate(r.Context(), f)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

type fixRequest struct {
	validator.Filter
	AutoFix bool `json:"auto_fix"`
	DryRun  bool `json:"dry_run"`
}

// handleFix validates and then repairs whitelisted issues in one pass.
func (s *Server) handleFix(w http.ResponseWriter, r *http.Request) {
	var in fixRequest
	if r.ContentLength > 0 && !decodeBody(w, r, &in) {
		return
	}
	report, err := s.validator.Validate(r.Context(), in.Filter)
	if err != nil {
		respondError(w, err)
		return
	}
	result, err := s.validator.Fix(r.Context(), report.Issues, in.AutoFix, in.DryRun)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleSyncName(w http.ResponseWriter, r *http.Request) {
	var in struct {
		EntityID     string             `json:"entity_id"`
		NewName      string             `json:"new_name"`
		ConflictMode model.ConflictMode `json:"conflict_mode,omitempty"`
	}
	if !decodeBody(w, r, &in) {
		return
	}
	if in.EntityID == "" || in.NewName == "" {
		badRequest(w, "entity_id and new_name are required")
		return
	}
	if in.ConflictMode != "" && !model.ValidConflictMode(in.ConflictMode) {
		badRequest(w, "unknown conflict mode")
		return
	}
	result, err := s.sync.SyncName(r.Context(), in.EntityID, in.NewName, namesync.Options{Conflict: in.ConflictMode})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleSyncBatch(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Updates      []namesync.NameUpdate `json:"updates"`
		ConflictMode model.ConflictMode    `json:"conflict_mode,omitempty"`
	}
	if !decodeBody(w, r, &in) {
		return
	}
	if len(in.Updates) == 0 {
		badRequest(w, "updates is required")
		return
	}
	if in.ConflictMode != "" && !model.ValidConflictMode(in.ConflictMode) {
		badRequest(w, "unknown conflict mode")
		return
	}
	result, err := s.sync.SyncBatch(r.Context(), in.Updates, namesync.Options{Conflict: in.ConflictMode})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}
