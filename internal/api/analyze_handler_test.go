package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/technosupport/sentrymesh/internal/analyzer"
	"github.com/technosupport/sentrymesh/internal/api"
	"github.com/technosupport/sentrymesh/internal/data"
	"github.com/technosupport/sentrymesh/internal/vision"
)

func newAnalyzeTestServer(t *testing.T, screenerURL string, tenantID uuid.UUID) *api.Server {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	rows := sqlmock.NewRows([]string{"id", "name", "contact_address", "active", "created_at", "updated_at"}).
		AddRow(tenantID.String(), "Acme", "security@acme.example", true, time.Now(), time.Now())
	mock.ExpectQuery("SELECT id, name, contact_address").WithArgs(tenantID.String()).WillReturnRows(rows)

	return &api.Server{
		Registry:       api.NewRegistry(),
		AnalyzerConfig: analyzer.DefaultConfig,
		RingCapacity:   64,
		Tenants:        data.TenantModel{DB: db},
		Vision: vision.NewClient(
			vision.Endpoint{URL: screenerURL},
			vision.Endpoint{URL: screenerURL},
		),
	}
}

func negativeScreenerServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(vision.AnalysisVerdict{Incident: false})
	}))
}

func TestHandleAnalyzeOnDemand_ScreenerNegative_NoIncident(t *testing.T) {
	srv := negativeScreenerServer(t)
	defer srv.Close()

	tenant := uuid.New()
	s := newAnalyzeTestServer(t, srv.URL, tenant)
	bufferOneFrame(t, s, tenant, "cam-1")

	body, _ := json.Marshal(map[string]any{"source_ids": []string{"cam-1"}})
	req := httptest.NewRequest("POST", "/analyze/on-demand", bytes.NewReader(body))
	req = withAuth(req, tenant)
	rr := httptest.NewRecorder()

	s.HandleAnalyzeOnDemand(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp struct {
		Sources map[string]map[string]any `json:"sources"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if has, _ := resp.Sources["cam-1"]["has_security_incident"].(bool); has {
		t.Errorf("a negative screener must not report an incident")
	}
}

// TestHandleAnalyzeOnDemand_CrossTenantSourceConflict_ReportsPerSourceError
// covers the batch analyze endpoint's half of S6/P9: a source_id already
// owned by another tenant must surface as a per-source error instead of
// handing this tenant a vision call (or a ring) against someone else's feed.
func TestHandleAnalyzeOnDemand_CrossTenantSourceConflict_ReportsPerSourceError(t *testing.T) {
	srv := negativeScreenerServer(t)
	defer srv.Close()

	tenantA := uuid.New()
	tenantB := uuid.New()
	s := newAnalyzeTestServer(t, srv.URL, tenantB)
	bufferOneFrame(t, s, tenantA, "cam-1")

	body, _ := json.Marshal(map[string]any{"source_ids": []string{"cam-1"}})
	req := httptest.NewRequest("POST", "/analyze/on-demand", bytes.NewReader(body))
	req = withAuth(req, tenantB)
	rr := httptest.NewRecorder()

	s.HandleAnalyzeOnDemand(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("a batch request with one rejected source must still return 200 overall, got %d", rr.Code)
	}

	var resp struct {
		Sources map[string]map[string]any `json:"sources"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if _, hasError := resp.Sources["cam-1"]["error"]; !hasError {
		t.Errorf("a source_id owned by another tenant must surface as a per-source error, got %+v", resp.Sources["cam-1"])
	}
	if s.Registry.Get(tenantB.String(), "cam-1") != nil {
		t.Errorf("tenant B must not get its own isolated ring for a source_id owned by tenant A")
	}
}
