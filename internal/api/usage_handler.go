package api

import (
	"net/http"
	"time"

	"github.com/technosupport/sentrymesh/internal/middleware"
)

// HandleUsage implements GET /usage: per-tenant usage aggregates, optionally
// scoped by a since=<RFC3339> query parameter (defaults to the trailing 30
// days). Always scoped to the caller's own tenant (§1 Non-goals: no
// cross-tenant analytics).
func (s *Server) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ac, ok := middleware.GetAuthContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "no auth context")
		return
	}

	since := time.Now().Add(-30 * 24 * time.Hour)
	if v := r.URL.Query().Get("since"); v != "" {
		if parsed, err := time.Parse(time.RFC3339, v); err == nil {
			since = parsed
		}
	}

	totals, err := s.Usage.Totals(r.Context(), ac.TenantID, since)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "usage query failed")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"since":     since.UTC().Format(time.RFC3339),
		"endpoints": totals,
	})
}
