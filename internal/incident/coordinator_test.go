package incident_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/technosupport/sentrymesh/internal/alertdispatch"
	"github.com/technosupport/sentrymesh/internal/analyzer"
	"github.com/technosupport/sentrymesh/internal/dedup"
	"github.com/technosupport/sentrymesh/internal/evidence"
	"github.com/technosupport/sentrymesh/internal/fingerprint"
	"github.com/technosupport/sentrymesh/internal/incident"
	"github.com/technosupport/sentrymesh/internal/retry"
	"github.com/technosupport/sentrymesh/internal/vision"
)

func newTestCoordinator(t *testing.T, evidenceSrv *httptest.Server) *incident.Coordinator {
	t.Helper()
	cache := dedup.New(t.TempDir()+"/dedup.json", 64)

	pub := evidence.NewPublisher(evidenceSrv.URL, "secret", t.TempDir(), 24)
	pub.Retry = retry.Policy{MaxRetries: 1, Base: time.Millisecond, Factor: 2}

	disp := alertdispatch.NewDispatcher(alertdispatch.Config{
		Host: "127.0.0.1", Port: 1, FromAddress: "alerts@sentrymesh.example",
		SpoolDir: t.TempDir(),
	})
	disp.Retry = retry.Policy{MaxRetries: 0, Base: time.Millisecond, Factor: 2}

	cfg := incident.DefaultConfig
	cfg.CooldownS = 300 * time.Second

	return &incident.Coordinator{
		Dedup:      cache,
		Publisher:  pub,
		Dispatcher: disp,
		Config:     cfg,
	}
}

func successfulEvidenceServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success":         true,
			"video_id":        "vid-xyz",
			"expiration_time": time.Now().Add(24 * time.Hour).Format(time.RFC3339),
		})
	}))
}

func confirmedIncident(t *testing.T) analyzer.ConfirmedIncident {
	return analyzer.ConfirmedIncident{
		IncidentCandidate: analyzer.IncidentCandidate{
			Source:     "cam-1",
			DetectedAt: time.Now(),
			ScreenerVerdict: vision.AnalysisVerdict{
				Incident: true, IncidentKind: "intrusion", Narrative: "person near dock",
			},
			CapturedWindow: sampleFrames(t, 15, 32, 32),
		},
	}
}

func TestHandle_NoContactAddress_DropsWithoutSpoolOrRecord(t *testing.T) {
	srv := successfulEvidenceServer(t)
	defer srv.Close()

	c := newTestCoordinator(t, srv)
	tenant := incident.Tenant{ID: "t1", DisplayName: "Acme", ContactAddress: ""}

	ci := confirmedIncident(t)
	err := c.Handle(context.Background(), tenant, ci)
	require.NoError(t, err)

	key, err := dedupKeyFor(t, ci)
	require.NoError(t, err)
	dup, _ := c.Dedup.IsDuplicate(dedup.Namespace(tenant.ID, key), 300*time.Second, time.Now())
	assert.False(t, dup, "dedup must not be recorded when dispatch is dropped (NoRecipient)")
}

func TestHandle_SuppressesDuplicateWithinCooldown(t *testing.T) {
	srv := successfulEvidenceServer(t)
	defer srv.Close()

	c := newTestCoordinator(t, srv)
	tenant := incident.Tenant{ID: "t1", DisplayName: "Acme", ContactAddress: ""}

	ci := confirmedIncident(t)
	key, err := dedupKeyFor(t, ci)
	require.NoError(t, err)
	namespaced := dedup.Namespace(tenant.ID, key)
	c.Dedup.Record(namespaced, "intrusion", time.Now())

	calls := 0
	srv2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv2.Close()
	c.Publisher.BaseURL = srv2.URL

	err = c.Handle(context.Background(), tenant, ci)
	require.NoError(t, err)
	assert.Equal(t, 0, calls, "a suppressed duplicate must never reach the publisher")
}

// TestHandle_SMTPExhaustion_SpoolsWithoutRecordingDedup covers S5: when the
// dispatcher exhausts retries and spools the alert to disk instead of
// delivering it, Handle must not record dedup — the next occurrence of the
// same scene should still try to alert someone, not be suppressed by a
// notification nobody received.
func TestHandle_SMTPExhaustion_SpoolsWithoutRecordingDedup(t *testing.T) {
	srv := successfulEvidenceServer(t)
	defer srv.Close()

	// newTestCoordinator's dispatcher points at 127.0.0.1:1 with no retries,
	// so any dispatch with a recipient present exhausts immediately and
	// spools rather than delivering.
	c := newTestCoordinator(t, srv)
	tenant := incident.Tenant{ID: "t1", DisplayName: "Acme", ContactAddress: "security@acme.example"}

	ci := confirmedIncident(t)
	err := c.Handle(context.Background(), tenant, ci)
	require.NoError(t, err)

	entries, readErr := os.ReadDir(c.Dispatcher.Config.SpoolDir)
	require.NoError(t, readErr)
	assert.Len(t, entries, 1, "an exhausted dispatch must spool exactly one file")

	key, err := dedupKeyFor(t, ci)
	require.NoError(t, err)
	dup, _ := c.Dedup.IsDuplicate(dedup.Namespace(tenant.ID, key), 300*time.Second, time.Now())
	assert.False(t, dup, "dedup must not be recorded when the alert was only spooled, not delivered")
}

func dedupKeyFor(t *testing.T, ci analyzer.ConfirmedIncident) (string, error) {
	t.Helper()
	middle := ci.CapturedWindow[len(ci.CapturedWindow)/2]
	key, err := fingerprint.Compute(fingerprint.Frame{PayloadBytes: middle.PayloadBytes, PayloadEncoding: middle.PayloadEncoding})
	if err != nil {
		return "", err
	}
	return key.String(), nil
}
