package api

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/technosupport/sentrymesh/internal/evidence"
	"github.com/technosupport/sentrymesh/internal/incident"
	"github.com/technosupport/sentrymesh/internal/middleware"
	"github.com/technosupport/sentrymesh/internal/ring"
)

type evidenceFrameJSON struct {
	DataB64    string    `json:"data_b64"`
	Encoding   string    `json:"encoding"`
	CapturedAt time.Time `json:"captured_at"`
}

func decodeFrames(raw []evidenceFrameJSON) ([]ring.Frame, error) {
	frames := make([]ring.Frame, len(raw))
	for i, f := range raw {
		data, err := base64.StdEncoding.DecodeString(f.DataB64)
		if err != nil {
			return nil, err
		}
		frames[i] = ring.Frame{PayloadBytes: data, PayloadEncoding: f.Encoding, CapturedAt: f.CapturedAt}
	}
	return frames, nil
}

type evidenceAssembleRequest struct {
	SourceID string              `json:"source_id"`
	Frames   []evidenceFrameJSON `json:"frames"`
}

// HandleEvidenceAssemble implements POST /evidence/assemble: builds a clip
// from caller-supplied frames and publishes it the same way the incident
// pipeline does (remote upload, local fallback on exhaustion).
func (s *Server) HandleEvidenceAssemble(w http.ResponseWriter, r *http.Request) {
	ac, ok := middleware.GetAuthContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "no auth context")
		return
	}

	var body evidenceAssembleRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	frames, err := decodeFrames(body.Frames)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid frame data encoding")
		return
	}
	if len(frames) == 0 {
		respondError(w, http.StatusBadRequest, "no frames supplied")
		return
	}

	clipData, duration, err := incident.Assemble(frames, s.ClipBudget)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "clip assembly failed")
		return
	}

	rec, err := s.EvidencePublisher.Publish(r.Context(), evidence.Clip{
		TenantID: ac.TenantID.String(),
		Source:   body.SourceID,
		Data:     clipData,
		Duration: duration,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "evidence publish failed")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"clip_id":          rec.ClipID,
		"url":              rec.URL(s.EvidencePublisher.BaseURL),
		"storage_location": string(rec.StorageLocation),
		"expires_at":       rec.ExpiresAt.UTC().Format(time.RFC3339),
		"byte_size":        rec.ByteSize,
		"duration_s":       rec.DurationS,
	})
}

type evidenceCompressRequest struct {
	Frames   []evidenceFrameJSON `json:"frames"`
	MaxBytes int                 `json:"max_bytes,omitempty"`
}

// HandleEvidenceCompress implements POST /evidence/compress: re-encodes
// frames under the §4.6.1 budget rules and returns the resulting bytes
// directly, without publishing — a standalone sizing utility distinct from
// /evidence/assemble, which always publishes.
func (s *Server) HandleEvidenceCompress(w http.ResponseWriter, r *http.Request) {
	if _, ok := middleware.GetAuthContext(r.Context()); !ok {
		respondError(w, http.StatusUnauthorized, "no auth context")
		return
	}

	var body evidenceCompressRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	frames, err := decodeFrames(body.Frames)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid frame data encoding")
		return
	}
	if len(frames) == 0 {
		respondError(w, http.StatusBadRequest, "no frames supplied")
		return
	}

	budget := s.ClipBudget
	if body.MaxBytes > 0 {
		budget.MaxBytes = body.MaxBytes
	}

	clipData, duration, err := incident.Assemble(frames, budget)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "clip compression failed")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"clip_data_b64": base64.StdEncoding.EncodeToString(clipData),
		"byte_size":     len(clipData),
		"duration_s":    duration.Seconds(),
	})
}

type evidenceSidecar struct {
	ExpiresAt time.Time `json:"expires_at"`
}

// HandleGetEvidence implements GET /evidence/{clip_id}?token=<hex>. Token
// possession is the sole authorization (§4.7's VerifyToken takes no tenant
// argument), so this route carries no Tenant Gate middleware. Only
// local-fallback clips are servable here: a remote-stored clip's ClipURL
// already points at the object store directly.
func (s *Server) HandleGetEvidence(w http.ResponseWriter, r *http.Request) {
	clipID := r.PathValue("clip_id")
	token := r.URL.Query().Get("token")
	if clipID == "" || token == "" {
		respondError(w, http.StatusBadRequest, "clip_id and token required")
		return
	}

	path := filepath.Join(s.EvidencePublisher.LocalDir, clipID+".mp4")
	data, err := os.ReadFile(path)
	if err != nil {
		respondError(w, http.StatusNotFound, "Clip not found")
		return
	}
	sidecarData, err := os.ReadFile(path + ".json")
	if err != nil {
		respondError(w, http.StatusNotFound, "Clip not found")
		return
	}
	var sidecar evidenceSidecar
	if err := json.Unmarshal(sidecarData, &sidecar); err != nil {
		respondError(w, http.StatusInternalServerError, "corrupt clip metadata")
		return
	}

	if !evidence.VerifyToken(clipID, token, sidecar.ExpiresAt, s.EvidencePublisher.SharedSecret, time.Now()) {
		respondError(w, http.StatusForbidden, "Invalid token")
		return
	}

	w.Header().Set("Content-Type", "video/mp4")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
