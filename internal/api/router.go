package api

import (
	"net/http"

	"github.com/technosupport/sentrymesh/internal/tenant"
)

// Routes wires every endpoint in §6.1 onto a fresh ServeMux. gate applies
// credential/quota enforcement and usage recording to every tenant-facing
// route; adminCredentialHash gates the /admin/* routes behind the
// X-Admin-Key header instead.
func (s *Server) Routes(gate *tenant.Gate, adminCredentialHash string) *http.ServeMux {
	mux := http.NewServeMux()

	protect := func(endpoint string, h http.HandlerFunc) http.Handler {
		return s.Metrics.InstrumentHTTP(endpoint, gate.Middleware(endpoint, h))
	}
	admin := func(endpoint string, h http.HandlerFunc) http.Handler {
		return s.Metrics.InstrumentHTTP(endpoint, tenant.AdminMiddleware(adminCredentialHash, h))
	}

	mux.Handle("GET /health", s.Metrics.InstrumentHTTP("health", http.HandlerFunc(s.HandleHealth)))
	mux.Handle("GET /metrics", s.Metrics.Handler())

	mux.Handle("POST /buffer/frame", protect("buffer_frame", s.HandleBufferFrame))
	mux.Handle("POST /analyze/on-demand", protect("analyze_on_demand", s.HandleAnalyzeOnDemand))
	mux.Handle("POST /alert", protect("alert", s.HandleAlert))
	mux.Handle("POST /evidence/assemble", protect("evidence_assemble", s.HandleEvidenceAssemble))
	mux.Handle("POST /evidence/compress", protect("evidence_compress", s.HandleEvidenceCompress))
	mux.Handle("GET /evidence/{clip_id}", s.Metrics.InstrumentHTTP("evidence_get", http.HandlerFunc(s.HandleGetEvidence)))
	mux.Handle("GET /usage", protect("usage", s.HandleUsage))

	mux.Handle("POST /admin/tenants", admin("admin_create_tenant", s.HandleAdminCreateTenant))
	mux.Handle("POST /admin/tenants/{id}/revoke", admin("admin_revoke_tenant", s.HandleAdminRevokeTenant))
	mux.Handle("POST /admin/tenants/{id}/reactivate", admin("admin_reactivate_tenant", s.HandleAdminReactivateTenant))
	mux.Handle("POST /admin/tenants/{id}/rotate-credential", admin("admin_rotate_credential", s.HandleAdminRotateCredential))

	return mux
}
