package api

import (
	"net/http"

	"wts/internal/storage"
)

// handleStatus probes the token store.
// GET /_status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hc, ok := s.deps.Store.(storage.HealthCheck)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
		return
	}
	if err := hc.Ping(ctx); err != nil {
		s.logger.ErrorContext(ctx, "health check failed", "check", "database", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy", "database": hc.Stats()})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"/token":         "get temporary token",
		"/oauth2":        "oauth2 resources",
		"/aggregate":     "aggregate responses from linked commons",
		"/external_oidc": "list linked identity providers",
		"/_status":       "health check",
	})
}
