package api_test

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/technosupport/sentrymesh/internal/analyzer"
	"github.com/technosupport/sentrymesh/internal/api"
	"github.com/technosupport/sentrymesh/internal/middleware"
)

func withAuth(req *http.Request, tenantID uuid.UUID) *http.Request {
	ctx := middleware.WithAuthContext(req.Context(), &middleware.AuthContext{TenantID: tenantID})
	return req.WithContext(ctx)
}

func newBufferTestServer() *api.Server {
	return &api.Server{
		Registry:       api.NewRegistry(),
		AnalyzerConfig: analyzer.DefaultConfig,
		RingCapacity:   64,
	}
}

func bufferFrameBody(sourceID string) []byte {
	var jpg bytes.Buffer
	_ = jpeg.Encode(&jpg, image.NewGray(image.Rect(0, 0, 16, 16)), nil)
	payload := base64.StdEncoding.EncodeToString(jpg.Bytes())
	body, _ := json.Marshal(map[string]any{
		"source_id":   sourceID,
		"frame_data":  payload,
		"frame_count": 1,
	})
	return body
}

func TestHandleBufferFrame_Success(t *testing.T) {
	s := newBufferTestServer()
	tenant := uuid.New()

	req := httptest.NewRequest("POST", "/buffer/frame", bytes.NewReader(bufferFrameBody("cam-1")))
	req = withAuth(req, tenant)
	rr := httptest.NewRecorder()

	s.HandleBufferFrame(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "buffered" {
		t.Errorf("expected status=buffered, got %v", resp["status"])
	}
}

// TestHandleBufferFrame_CrossTenantSourceConflict_Forbidden covers S6's
// sibling test: a source_id already claimed by tenant A must reject tenant
// B's buffer request with 403 and leave A's ring unchanged.
func TestHandleBufferFrame_CrossTenantSourceConflict_Forbidden(t *testing.T) {
	s := newBufferTestServer()
	tenantA := uuid.New()
	tenantB := uuid.New()

	reqA := httptest.NewRequest("POST", "/buffer/frame", bytes.NewReader(bufferFrameBody("cam-1")))
	reqA = withAuth(reqA, tenantA)
	rrA := httptest.NewRecorder()
	s.HandleBufferFrame(rrA, reqA)
	if rrA.Code != http.StatusOK {
		t.Fatalf("tenant A's first buffer must succeed, got %d", rrA.Code)
	}

	stateA := s.Registry.Get(tenantA.String(), "cam-1")
	if stateA == nil || stateA.Ring.Size() != 1 {
		t.Fatalf("tenant A's ring must hold exactly one frame before the conflict")
	}

	reqB := httptest.NewRequest("POST", "/buffer/frame", bytes.NewReader(bufferFrameBody("cam-1")))
	reqB = withAuth(reqB, tenantB)
	rrB := httptest.NewRecorder()
	s.HandleBufferFrame(rrB, reqB)

	if rrB.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cross-tenant source_id collision, got %d: %s", rrB.Code, rrB.Body.String())
	}

	stateAAfter := s.Registry.Get(tenantA.String(), "cam-1")
	if stateAAfter.Ring.Size() != 1 {
		t.Errorf("tenant A's ring must be left unchanged by tenant B's rejected request, got size %d", stateAAfter.Ring.Size())
	}
	if s.Registry.Get(tenantB.String(), "cam-1") != nil {
		t.Errorf("tenant B must not get its own isolated ring for a source_id owned by tenant A")
	}
}
