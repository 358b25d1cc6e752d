package httpapi

import (
	"context"
	"net/http"
	"time"
)

type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database,omitempty"`
	Error    string `json:"error,omitempty"`
}

// handleHealth reports process + dependency status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	out := healthResponse{Status: "ok"}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		out.Status = "error"
		out.Database = "disconnected"
		out.Error = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, out)
		return
	}
	out.Database = "connected"
	writeJSON(w, http.StatusOK, out)
}

// handleReady reports whether the server is ready to accept traffic
// — here equivalent to the database being reachable.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "not_ready", Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ready"})
}

// handleLive reports process liveness — if this handler
// runs at all, the process is alive; no dependency checks.
func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "alive"})
}
