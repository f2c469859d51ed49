// Package vision implements the Vision Client (§4.4): a uniform call
// contract over two named HTTP model endpoints, screener and confirmer.
// Retry and fallback policy live in the caller (internal/analyzer) — this
// package surfaces transient vs. permanent failure and nothing more, per
// §4.4's "retried by the caller, NOT internally."
package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Role names the vision endpoint being called. Decision logic must never
// branch on a concrete model identifier — only on Role.
type Role string

const (
	RoleScreener  Role = "screener"
	RoleConfirmer Role = "confirmer"
)

// PerFrameVerdict is one entry in AnalysisVerdict.PerFrame.
type PerFrameVerdict struct {
	Position  string `json:"position"`
	Incident  bool   `json:"incident"`
	Narrative string `json:"narrative"`
}

// AnalysisVerdict is the uniform result shape for both roles (§3).
type AnalysisVerdict struct {
	Incident     bool              `json:"incident"`
	IncidentKind string            `json:"incident_kind"`
	Confidence   float64           `json:"confidence"`
	Narrative    string            `json:"narrative"`
	PerFrame     []PerFrameVerdict `json:"per_frame"`
}

// CountIncidents returns how many PerFrame entries have Incident == true.
func (v AnalysisVerdict) CountIncidents() int {
	n := 0
	for _, f := range v.PerFrame {
		if f.Incident {
			n++
		}
	}
	return n
}

// Error distinguishes permanent failures (bad request, bad auth, malformed
// response — never retry) from transient/unavailable ones (timeout,
// rate-limit, 5xx — the caller decides whether and how to retry).
type Error struct {
	Permanent bool
	Reason    string
	Status    int
}

func (e *Error) Error() string {
	return fmt.Sprintf("vision: %s (status=%d, permanent=%v)", e.Reason, e.Status, e.Permanent)
}

// Frame is the minimal shape this package needs to serialize into a
// request body.
type Frame struct {
	PayloadBytes    []byte
	PayloadEncoding string
	Position        string // "start" | "middle" | "end", confirmer only
}

// Endpoint is one named model handle's connection info.
type Endpoint struct {
	URL   string
	Model string // configuration only; never inspected by decision logic
}

// Client calls the screener and confirmer endpoints over HTTP.
type Client struct {
	HTTP      *http.Client
	Screener  Endpoint
	Confirmer Endpoint
}

// NewClient builds a Client with a default 30s per-attempt timeout (§5).
func NewClient(screener, confirmer Endpoint) *Client {
	return &Client{
		HTTP:      &http.Client{Timeout: 30 * time.Second},
		Screener:  screener,
		Confirmer: confirmer,
	}
}

type analyzeRequest struct {
	PromptContext string      `json:"prompt_context,omitempty"`
	Frames        []frameJSON `json:"frames"`
}

type frameJSON struct {
	Position string `json:"position,omitempty"`
	DataB64  string `json:"data_b64"`
	Encoding string `json:"encoding"`
}

// Analyze calls the named role's endpoint with frames and returns the
// structured verdict. A single attempt — no retry, no backoff; see
// internal/retry for the policy wrapper callers apply.
func (c *Client) Analyze(ctx context.Context, role Role, frames []Frame, promptContext string) (AnalysisVerdict, error) {
	ep, err := c.endpointFor(role)
	if err != nil {
		return AnalysisVerdict{}, err
	}

	body := analyzeRequest{PromptContext: promptContext}
	for _, f := range frames {
		body.Frames = append(body.Frames, frameJSON{
			Position: f.Position,
			DataB64:  base64.StdEncoding.EncodeToString(f.PayloadBytes),
			Encoding: f.PayloadEncoding,
		})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return AnalysisVerdict{}, &Error{Permanent: true, Reason: "encode request: " + err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		return AnalysisVerdict{}, &Error{Permanent: true, Reason: "build request: " + err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return AnalysisVerdict{}, &Error{Permanent: false, Reason: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusBadRequest {
		return AnalysisVerdict{}, &Error{Permanent: true, Reason: "rejected by model endpoint", Status: resp.StatusCode}
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout {
		return AnalysisVerdict{}, &Error{Permanent: false, Reason: "model endpoint unavailable", Status: resp.StatusCode}
	}
	if resp.StatusCode >= 400 {
		return AnalysisVerdict{}, &Error{Permanent: true, Reason: "rejected by model endpoint", Status: resp.StatusCode}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return AnalysisVerdict{}, &Error{Permanent: false, Reason: "read response: " + err.Error()}
	}

	var verdict AnalysisVerdict
	if err := json.Unmarshal(data, &verdict); err != nil {
		return AnalysisVerdict{}, &Error{Permanent: true, Reason: "malformed response: " + err.Error(), Status: resp.StatusCode}
	}
	return verdict, nil
}

func (c *Client) endpointFor(role Role) (Endpoint, error) {
	switch role {
	case RoleScreener:
		return c.Screener, nil
	case RoleConfirmer:
		return c.Confirmer, nil
	default:
		return Endpoint{}, &Error{Permanent: true, Reason: "unknown role: " + string(role)}
	}
}
