package httpapi

import "net/http"

func (s *Server) handlePerfRounds(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.SnapshotRoundStages())
}
