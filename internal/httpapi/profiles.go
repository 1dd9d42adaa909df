package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/callrelay/internal/profile"
)

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := s.profiles.Get(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		respondProfileError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) handleProfileEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.profiles.Events(r.Context(), chi.URLParam(r, "userID"), limitParam(r))
	if err != nil {
		respondProfileError(w, err)
		return
	}
	if events == nil {
		events = []profile.Event{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleProfileTurns(w http.ResponseWriter, r *http.Request) {
	turns, err := s.profiles.RecentTurns(r.Context(), chi.URLParam(r, "userID"), limitParam(r))
	if err != nil {
		respondProfileError(w, err)
		return
	}
	if turns == nil {
		turns = []profile.TurnRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"turns": turns})
}

func limitParam(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func respondProfileError(w http.ResponseWriter, err error) {
	if errors.Is(err, profile.ErrNotFound) {
		respondError(w, http.StatusNotFound, "profile_not_found", err.Error())
		return
	}
	respondError(w, http.StatusInternalServerError, "internal", err.Error())
}
