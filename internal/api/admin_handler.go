package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/technosupport/sentrymesh/internal/credential"
	"github.com/technosupport/sentrymesh/internal/data"
)

type createTenantRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// HandleAdminCreateTenant implements POST /admin/tenants: creates the
// tenant and issues its first credential in the same call. The plaintext
// credential is returned exactly once; only its digest is ever stored.
func (s *Server) HandleAdminCreateTenant(w http.ResponseWriter, r *http.Request) {
	var body createTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if body.Name == "" {
		respondError(w, http.StatusBadRequest, "name required")
		return
	}

	t := data.Tenant{Name: body.Name, ContactAddress: body.Email, Active: true}
	if err := s.Tenants.Create(r.Context(), &t); err != nil {
		log.Printf("[admin] tenant create failed: %v", err)
		respondError(w, http.StatusInternalServerError, "tenant create failed")
		return
	}

	secret, err := credential.GenerateSecret()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "credential generation failed")
		return
	}
	cred := data.Credential{TenantID: t.ID, DigestHash: s.Digester.Digest(secret), Active: true}
	if err := s.Credentials.Create(r.Context(), &cred); err != nil {
		log.Printf("[admin] credential create failed: %v", err)
		respondError(w, http.StatusInternalServerError, "credential create failed")
		return
	}

	s.recordAdmin(r.Context(), "tenant.create", t.ID, "success", r.Header.Get("X-Request-ID"))
	respondJSON(w, http.StatusOK, map[string]any{
		"tenant_id":  t.ID.String(),
		"credential": secret,
	})
}

// HandleAdminRevokeTenant implements POST /admin/tenants/{id}/revoke.
func (s *Server) HandleAdminRevokeTenant(w http.ResponseWriter, r *http.Request) {
	s.setTenantActive(w, r, false, "tenant.revoke", "revoked")
}

// HandleAdminReactivateTenant implements POST /admin/tenants/{id}/reactivate.
func (s *Server) HandleAdminReactivateTenant(w http.ResponseWriter, r *http.Request) {
	s.setTenantActive(w, r, true, "tenant.reactivate", "reactivated")
}

func (s *Server) setTenantActive(w http.ResponseWriter, r *http.Request, active bool, action, status string) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid tenant id")
		return
	}

	count, err := s.Tenants.SetActive(r.Context(), id, active)
	if err != nil {
		s.recordAdmin(r.Context(), action, id, "failure", r.Header.Get("X-Request-ID"))
		respondError(w, http.StatusInternalServerError, "update failed")
		return
	}
	if count == 0 {
		respondError(w, http.StatusNotFound, "tenant not found")
		return
	}

	if !active {
		// Revoking a tenant invalidates every credential it holds.
		// Reactivation does not restore them: access for a reactivated
		// tenant comes back only through a freshly rotated credential
		// (§4.9), never an old one.
		if err := s.Credentials.RevokeAllForTenant(r.Context(), id); err != nil {
			log.Printf("[admin] credential revoke for tenant %s failed: %v", id, err)
		}
	}

	s.recordAdmin(r.Context(), action, id, "success", r.Header.Get("X-Request-ID"))
	respondJSON(w, http.StatusOK, map[string]any{"status": status, "count": count})
}

// HandleAdminRotateCredential implements the supplemental POST
// /admin/tenants/{id}/rotate-credential: revokes every existing credential
// for the tenant and issues a new one, for recovery from a leaked secret
// without a full tenant revoke/reactivate cycle.
func (s *Server) HandleAdminRotateCredential(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid tenant id")
		return
	}

	if _, err := s.Tenants.GetByID(r.Context(), id); err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			respondError(w, http.StatusNotFound, "tenant not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "tenant lookup failed")
		return
	}

	if err := s.Credentials.RevokeAllForTenant(r.Context(), id); err != nil {
		log.Printf("[admin] credential revoke during rotation for tenant %s failed: %v", id, err)
	}

	secret, err := credential.GenerateSecret()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "credential generation failed")
		return
	}
	cred := data.Credential{TenantID: id, DigestHash: s.Digester.Digest(secret), Active: true}
	if err := s.Credentials.Create(r.Context(), &cred); err != nil {
		respondError(w, http.StatusInternalServerError, "credential create failed")
		return
	}

	s.recordAdmin(r.Context(), "credential.rotate", id, "success", r.Header.Get("X-Request-ID"))
	respondJSON(w, http.StatusOK, map[string]any{"credential": secret})
}
