package api

import (
	"net/http"
	"time"
)

// HandleHealth implements GET /health: unauthenticated liveness, never
// touching the database, Redis, or any vision endpoint.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
