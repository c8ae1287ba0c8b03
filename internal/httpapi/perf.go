package httpapi

import "net/http"

func (s *Server) handlePerf(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.SnapshotPerf())
}
