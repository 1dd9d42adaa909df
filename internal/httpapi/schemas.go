package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/callrelay/internal/memory"
)

func (s *Server) handleListSchemas(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"schemas": s.schemas.List()})
}

func (s *Server) handleGetSchema(w http.ResponseWriter, r *http.Request) {
	schema, err := s.schemas.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondSchemaError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, schema)
}

func (s *Server) handlePutSchema(w http.ResponseWriter, r *http.Request) {
	var body memory.Schema
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	if body.ID != "" && body.ID != id {
		respondError(w, http.StatusBadRequest, "id_mismatch", "schema id does not match the path")
		return
	}
	body.ID = id
	saved, err := s.schemas.Upsert(body)
	if err != nil {
		respondSchemaError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, saved)
}

func (s *Server) handleDeleteSchema(w http.ResponseWriter, r *http.Request) {
	if err := s.schemas.Remove(chi.URLParam(r, "id")); err != nil {
		respondSchemaError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type setActiveRequest struct {
	Active *bool `json:"active"`
}

func (s *Server) handleSetSchemaActive(w http.ResponseWriter, r *http.Request) {
	var req setActiveRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Active == nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "active is required")
		return
	}
	saved, err := s.schemas.SetActive(chi.URLParam(r, "id"), *req.Active)
	if err != nil {
		respondSchemaError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, saved)
}

func respondSchemaError(w http.ResponseWriter, err error) {
	var verr *memory.ValidationError
	switch {
	case errors.Is(err, memory.ErrSchemaNotFound):
		respondError(w, http.StatusNotFound, "schema_not_found", err.Error())
	case errors.As(err, &verr):
		respondJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":    err.Error(),
			"code":     "invalid_schema",
			"problems": verr.Problems,
		})
	default:
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}
