package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/testweaver/internal/assets"
	"github.com/sells-group/testweaver/internal/model"
	"github.com/sells-group/testweaver/internal/store"
)

func (s *Server) handleCreateAsset(w http.ResponseWriter, r *http.Request) {
	var in assets.CreateInput
	if !decodeBody(w, r, &in) {
		return
	}
	created, err := s.assets.Create(r.Context(), in)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListAssets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := s.assets.List(r.Context(), store.AssetFilter{
		BusinessType: q.Get("business_type"),
		ProjectID:    q.Get("project_id"),
		Stage:        model.Stage(q.Get("stage")),
		Status:       model.Status(q.Get("status")),
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"assets": list, "count": len(list)})
}

func (s *Server) handleGetAsset(w http.ResponseWriter, r *http.Request) {
	asset, err := s.assets.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, asset)
}

func (s *Server) handleDeleteAsset(w http.ResponseWriter, r *http.Request) {
	preserve := r.URL.Query().Get("preserve_point") == "true"
	if err := s.assets.Delete(r.Context(), chi.URLParam(r, "id"), preserve); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Status model.Status `json:"status"`
	}
	if !decodeBody(w, r, &in) {
		return
	}
	if !model.ValidStatus(in.Status) {
		badRequest(w, "unknown status")
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.assets.UpdateStatus(r.Context(), id, in.Status); err != nil {
		respondError(w, err)
		return
	}
	asset, err := s.assets.Get(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, asset)
}

func (s *Server) handleUpdateExecution(w http.ResponseWriter, r *http.Request) {
	var in assets.ExecutionDetail
	if !decodeBody(w, r, &in) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.assets.UpdateExecution(r.Context(), id, in.Preconditions, in.Steps, in.ExpectedResult); err != nil {
		respondError(w, err)
		return
	}
	asset, err := s.assets.Get(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, asset)
}

func (s *Server) handleRenameAsset(w http.ResponseWriter, r *http.Request) {
	var in struct {
		NewName      string             `json:"new_name"`
		SyncPair     bool               `json:"sync_pair"`
		ConflictMode model.ConflictMode `json:"conflict_mode,omitempty"`
	}
	if !decodeBody(w, r, &in) {
		return
	}
	if in.ConflictMode != "" && !model.ValidConflictMode(in.ConflictMode) {
		badRequest(w, "unknown conflict mode")
		return
	}
	result, err := s.assets.Rename(r.Context(), chi.URLParam(r, "id"), in.NewName, in.SyncPair, in.ConflictMode)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handlePromoteAsset(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name string `json:"name,omitempty"`
		assets.ExecutionDetail
	}
	if !decodeBody(w, r, &in) {
		return
	}
	created, err := s.assets.Promote(r.Context(), chi.URLParam(r, "id"), in.Name, in.ExecutionDetail)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

func (s *Server) handleDemoteAsset(w http.ResponseWriter, r *http.Request) {
	demoted, err := s.assets.Demote(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, demoted)
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var in model.Project
	if !decodeBody(w, r, &in) {
		return
	}
	if in.BusinessType == "" || in.Name == "" {
		badRequest(w, "business_type and name are required")
		return
	}
	created, err := s.store.CreateProject(r.Context(), &in)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListProjects(r.Context(), r.URL.Query().Get("business_type"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"projects": list, "count": len(list)})
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteProject(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpsertBusinessType(w http.ResponseWriter, r *http.Request) {
	var in model.BusinessType
	if !decodeBody(w, r, &in) {
		return
	}
	if in.Code == "" {
		badRequest(w, "code is required")
		return
	}
	if err := s.store.UpsertBusinessType(r.Context(), &in); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, &in)
}

func (s *Server) handleListBusinessTypes(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListBusinessTypes(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"business_types": list, "count": len(list)})
}
