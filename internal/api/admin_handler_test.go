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
	"github.com/technosupport/sentrymesh/internal/api"
	"github.com/technosupport/sentrymesh/internal/credential"
	"github.com/technosupport/sentrymesh/internal/data"
)

func newAdminTestServer(t *testing.T) (*api.Server, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	digester, err := credential.NewDigester("MDEyMzQ1Njc4OTAxMjM0NTY3ODkwMTIzNDU2Nzg5MDE=")
	if err != nil {
		t.Fatalf("NewDigester: %v", err)
	}

	return &api.Server{
		Tenants:     data.TenantModel{DB: db},
		Credentials: data.CredentialModel{DB: db},
		Digester:    digester,
	}, mock
}

func TestHandleAdminCreateTenant_Success(t *testing.T) {
	s, mock := newAdminTestServer(t)
	tenantID := uuid.New()

	mock.ExpectQuery("INSERT INTO tenants").
		WithArgs("Acme", "security@acme.example", true).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).
			AddRow(tenantID.String(), time.Now(), time.Now()))
	mock.ExpectQuery("INSERT INTO credentials").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).
			AddRow(uuid.New().String(), time.Now()))

	body, _ := json.Marshal(map[string]string{"name": "Acme", "email": "security@acme.example"})
	req := httptest.NewRequest("POST", "/admin/tenants", bytes.NewReader(body))
	rr := httptest.NewRecorder()

	s.HandleAdminCreateTenant(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["tenant_id"] != tenantID.String() {
		t.Errorf("expected tenant_id %s, got %v", tenantID, resp["tenant_id"])
	}
	if resp["credential"] == "" || resp["credential"] == nil {
		t.Errorf("expected a non-empty plaintext credential returned exactly once")
	}
}

func TestHandleAdminCreateTenant_MissingName_BadRequest(t *testing.T) {
	s, _ := newAdminTestServer(t)

	body, _ := json.Marshal(map[string]string{"email": "security@acme.example"})
	req := httptest.NewRequest("POST", "/admin/tenants", bytes.NewReader(body))
	rr := httptest.NewRecorder()

	s.HandleAdminCreateTenant(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing name, got %d", rr.Code)
	}
}

func TestHandleAdminRevokeTenant_NotFound(t *testing.T) {
	s, mock := newAdminTestServer(t)
	id := uuid.New()

	mock.ExpectExec("UPDATE tenants SET active").
		WithArgs(false, id.String()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	req := httptest.NewRequest("POST", "/admin/tenants/"+id.String()+"/revoke", nil)
	req.SetPathValue("id", id.String())
	rr := httptest.NewRecorder()

	s.HandleAdminRevokeTenant(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when no row is affected, got %d: %s", rr.Code, rr.Body.String())
	}
}
