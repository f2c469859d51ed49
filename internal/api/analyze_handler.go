package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/technosupport/sentrymesh/internal/middleware"
)

type analyzeOnDemandRequest struct {
	SourceIDs []string `json:"source_ids"`
}

type perFrameJSON struct {
	Position  string `json:"position"`
	Incident  bool   `json:"incident"`
	Narrative string `json:"narrative"`
}

// HandleAnalyzeOnDemand implements POST /analyze/on-demand: runs one
// screen(+confirm) cycle per named source synchronously and reports the
// per-source verdicts plus an aggregate summary. A confirmed incident found
// here still flows into the same clip/alert/dedup pipeline a background
// Tick confirmation would (analyzer.Analyzer.RunOnce emits through
// OnConfirmed); this endpoint additionally reports the outcome back to the
// caller instead of only logging it. A source already mid-cycle from the
// background Tick scheduler reports back busy rather than running a second
// vision call concurrently (§5).
func (s *Server) HandleAnalyzeOnDemand(w http.ResponseWriter, r *http.Request) {
	ac, ok := middleware.GetAuthContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "no auth context")
		return
	}

	var body analyzeOnDemandRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(body.SourceIDs) == 0 {
		respondError(w, http.StatusBadRequest, "source_ids required")
		return
	}

	t, err := s.Tenants.GetByID(r.Context(), ac.TenantID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "tenant lookup failed")
		return
	}

	now := time.Now()
	tenantID := ac.TenantID.String()

	sources := make(map[string]any, len(body.SourceIDs))
	var screenerPositives, confirmerConfirmations, confirmerVetoes int
	anyConfirmed := false

	for _, sourceID := range body.SourceIDs {
		state, err := s.Registry.GetOrCreate(tenantID, sourceID, s.newSourceState(ac.TenantID, sourceID))
		if err != nil {
			if errors.Is(err, ErrSourceOwnedByOther) {
				sources[sourceID] = map[string]any{"error": "source_id belongs to another tenant"}
			} else {
				sources[sourceID] = map[string]any{"error": err.Error()}
			}
			continue
		}

		result, err := state.Analyzer.RunOnce(r.Context(), now)
		if err != nil {
			sources[sourceID] = map[string]any{"error": err.Error()}
			continue
		}
		if result.Busy {
			sources[sourceID] = map[string]any{"busy": true, "source_name": sourceID}
			continue
		}

		if result.HasIncident || result.FlashVeto {
			screenerPositives++
		}
		if result.FlashConfirmation {
			confirmerConfirmations++
			anyConfirmed = true
		}
		if result.FlashVeto {
			confirmerVetoes++
		}

		perFrame := make([]perFrameJSON, len(result.PerFrame))
		for i, pf := range result.PerFrame {
			perFrame[i] = perFrameJSON{Position: pf.Position, Incident: pf.Incident, Narrative: pf.Narrative}
		}

		sources[sourceID] = map[string]any{
			"has_security_incident": result.HasIncident,
			"flash_confirmation":     result.FlashConfirmation,
			"flash_veto":             result.FlashVeto,
			"incident_type":          result.IncidentKind,
			"narrative":              result.Narrative,
			"per_frame":              perFrame,
			"source_name":            sourceID,
		}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"tenant_name":      t.Name,
		"timestamp":        now.UTC().Format(time.RFC3339),
		"sources_analyzed": len(body.SourceIDs),
		"sources":          sources,
		"summary": map[string]any{
			"screener_positives":      screenerPositives,
			"confirmer_confirmations": confirmerConfirmations,
			"confirmer_vetoes":        confirmerVetoes,
			"any_confirmed":           anyConfirmed,
		},
	})
}
