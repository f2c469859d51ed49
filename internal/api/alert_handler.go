package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/technosupport/sentrymesh/internal/alertdispatch"
	"github.com/technosupport/sentrymesh/internal/dedup"
	"github.com/technosupport/sentrymesh/internal/evidence"
	"github.com/technosupport/sentrymesh/internal/fingerprint"
	"github.com/technosupport/sentrymesh/internal/incident"
	"github.com/technosupport/sentrymesh/internal/middleware"
	"github.com/technosupport/sentrymesh/internal/ring"
)

type alertRequest struct {
	Narrative    string `json:"narrative"`
	IncidentType string `json:"incident_type"`
	Risk         string `json:"risk"`
	FrameCount   int    `json:"frame_count"`
	SourceID     string `json:"source_id"`
}

// HandleAlert implements POST /alert: a client that already ran its own
// detection submits a narrative instead of frames. The clip is assembled
// from whatever this source's ring currently holds, so a client must have
// been buffering frames (POST /buffer/frame) for this endpoint to have
// anything to attach. Unlike the background pipeline, this endpoint reports
// its outcome synchronously, so it runs the dedup/assemble/publish/dispatch
// steps inline rather than delegating to incident.Coordinator.
func (s *Server) HandleAlert(w http.ResponseWriter, r *http.Request) {
	ac, ok := middleware.GetAuthContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "no auth context")
		return
	}

	var body alertRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if body.SourceID == "" {
		respondError(w, http.StatusBadRequest, "source_id required")
		return
	}

	t, err := s.Tenants.GetByID(r.Context(), ac.TenantID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "tenant lookup failed")
		return
	}
	if t.ContactAddress == "" {
		respondError(w, http.StatusBadRequest, "Client contact address not configured")
		return
	}

	tenantID := ac.TenantID.String()
	state := s.Registry.Get(tenantID, body.SourceID)
	var frames []ring.Frame
	if state != nil {
		window := time.Duration(s.AnalyzerConfig.LongWindowS * float64(time.Second))
		frames = state.Ring.Snapshot(time.Now(), window)
	}
	if len(frames) == 0 {
		respondError(w, http.StatusBadRequest, "no buffered frames for source")
		return
	}

	middle := frames[len(frames)/2]
	key, err := fingerprint.Compute(fingerprint.Frame{
		PayloadBytes:    middle.PayloadBytes,
		PayloadEncoding: middle.PayloadEncoding,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "fingerprint computation failed")
		return
	}
	namespacedKey := dedup.Namespace(tenantID, key.String())

	if dup, _ := s.Dedup.IsDuplicate(namespacedKey, s.CooldownS, time.Now()); dup {
		respondJSON(w, http.StatusOK, map[string]any{
			"delivered":        false,
			"recipient":        t.ContactAddress,
			"evidence_url":     "",
			"storage_location": "",
		})
		return
	}

	clipData, duration, err := incident.Assemble(frames, s.ClipBudget)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "clip assembly failed")
		return
	}

	rec, err := s.EvidencePublisher.Publish(r.Context(), evidence.Clip{
		TenantID: tenantID,
		Source:   body.SourceID,
		Data:     clipData,
		Duration: duration,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "evidence publish failed")
		return
	}

	narrative := body.Narrative
	if body.Risk != "" {
		narrative = fmt.Sprintf("[%s] %s", body.Risk, body.Narrative)
	}

	alert := alertdispatch.Alert{
		TenantID:          tenantID,
		TenantDisplay:     t.Name,
		RecipientAddress:  t.ContactAddress,
		Source:            body.SourceID,
		DetectedAt:        time.Now(),
		IncidentKind:      body.IncidentType,
		ScreenerNarrative: narrative,
		ClipURL:           rec.URL(s.EvidencePublisher.BaseURL),
		ClipExpiresAt:     rec.ExpiresAt,
	}

	// delivered distinguishes true SMTP delivery from a spooled-offline
	// alert; dedup is recorded only on true delivery (§4.6 step 7, S5).
	delivered, dispatchErr := s.Dispatcher.Dispatch(r.Context(), alert)
	if dispatchErr == nil && delivered {
		s.Dedup.Record(namespacedKey, body.IncidentType, time.Now())
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"delivered":        delivered,
		"recipient":        t.ContactAddress,
		"evidence_url":     alert.ClipURL,
		"storage_location": string(rec.StorageLocation),
	})
}
