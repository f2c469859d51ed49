package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/technosupport/sentrymesh/internal/middleware"
	"github.com/technosupport/sentrymesh/internal/ring"
)

type bufferFrameRequest struct {
	SourceID   string `json:"source_id"`
	SourceName string `json:"source_name"`
	FrameData  string `json:"frame_data"`
	FrameCount int    `json:"frame_count"`
}

// HandleBufferFrame implements POST /buffer/frame: append one frame to the
// caller's (tenant, source) ring, creating the ring and its analyzer on
// first use. Never blocks on anything but the ring's own mutex (§5
// backpressure: ingest is lossy, never rejecting).
func (s *Server) HandleBufferFrame(w http.ResponseWriter, r *http.Request) {
	ac, ok := middleware.GetAuthContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "no auth context")
		return
	}

	var body bufferFrameRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if body.SourceID == "" {
		respondError(w, http.StatusBadRequest, "source_id required")
		return
	}

	payload, err := base64.StdEncoding.DecodeString(body.FrameData)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid frame_data encoding")
		return
	}

	tenantID := ac.TenantID.String()
	state, err := s.Registry.GetOrCreate(tenantID, body.SourceID, s.newSourceState(ac.TenantID, body.SourceID))
	if err != nil {
		if errors.Is(err, ErrSourceOwnedByOther) {
			// P9/S6: source_id belongs to another tenant. Reject outright,
			// leaving that tenant's ring untouched, rather than silently
			// namespacing a second isolated ring under this one.
			respondError(w, http.StatusForbidden, "source_id belongs to another tenant")
			return
		}
		respondError(w, http.StatusInternalServerError, "registry lookup failed")
		return
	}
	state.Ring.Append(ring.Frame{
		CapturedAt:      time.Now(),
		PayloadBytes:    payload,
		PayloadEncoding: "jpeg",
	})

	respondJSON(w, http.StatusOK, map[string]any{
		"status":      "buffered",
		"buffer_size": state.Ring.Size(),
	})
}
