// Package tenant implements the Tenant Gate (§4.9): credential extraction,
// digest lookup, tenant resolution, quota enforcement, and usage recording
// for every non-admin API request.
package tenant

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/technosupport/sentrymesh/internal/credential"
	"github.com/technosupport/sentrymesh/internal/data"
	"github.com/technosupport/sentrymesh/internal/middleware"
	"github.com/technosupport/sentrymesh/internal/quota"
)

var (
	ErrNoCredential   = errors.New("tenant: no credential presented")
	ErrUnauthorized   = errors.New("tenant: credential invalid or revoked")
	ErrTenantDisabled = errors.New("tenant: tenant inactive")
)

// HeaderNames lists the request headers checked for a credential, in order:
// the two named in §6.1. No environment variable or config setting changes
// this list.
var HeaderNames = []string{"Authorization", "X-API-Key"}

// extract pulls the raw credential out of the first header that carries
// one. Authorization is expected as "Bearer <credential>"; any other header
// is taken verbatim.
func extract(r *http.Request) string {
	for _, h := range HeaderNames {
		v := r.Header.Get(h)
		if v == "" {
			continue
		}
		if h == "Authorization" {
			const prefix = "Bearer "
			if len(v) > len(prefix) && v[:len(prefix)] == prefix {
				return v[len(prefix):]
			}
			continue
		}
		return v
	}
	return ""
}

// Cost assigns a quota cost per endpoint. Handlers that don't appear here
// cost 1.
type Cost func(endpoint string) float64

// Gate wires credential lookup, tenant state, quota, and usage recording.
type Gate struct {
	Credentials data.CredentialModel
	Tenants     data.TenantModel
	Usage       data.UsageModel
	Digester    *credential.Digester
	Quota       *quota.Checker
	QuotaConfig quota.Config
	EndpointCost Cost
}

// Middleware authenticates the request, enforces quota, and — on handler
// success — records a UsageRecord. endpoint is a stable label (not the raw
// URL, which may carry path parameters) used for both quota accounting and
// usage aggregation.
func (g *Gate) Middleware(endpoint string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := extract(r)
		if raw == "" {
			writeAuthError(w, ErrNoCredential)
			return
		}

		digest := g.Digester.Digest(raw)
		cred, err := g.Credentials.GetByDigest(r.Context(), digest)
		if err != nil {
			if errors.Is(err, data.ErrRecordNotFound) {
				writeAuthError(w, ErrUnauthorized)
				return
			}
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if !cred.Active {
			writeAuthError(w, ErrUnauthorized)
			return
		}

		t, err := g.Tenants.GetByID(r.Context(), cred.TenantID)
		if err != nil {
			if errors.Is(err, data.ErrRecordNotFound) {
				writeAuthError(w, ErrUnauthorized)
				return
			}
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if !t.Active {
			writeAuthError(w, ErrTenantDisabled)
			return
		}

		if g.Quota != nil {
			decision, err := g.Quota.Check(r.Context(), t.ID.String(), g.QuotaConfig)
			if err == nil && !decision.Allowed {
				w.Header().Set("Retry-After", decision.RetryAfter.String())
				http.Error(w, `{"error":"quota exceeded","error_code":"quota_exceeded"}`, http.StatusTooManyRequests)
				return
			}
		}

		ctx := middleware.WithAuthContext(r.Context(), &middleware.AuthContext{
			TenantID:     t.ID,
			CredentialID: cred.ID,
		})

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		if rec.status < 400 {
			cost := 1.0
			if g.EndpointCost != nil {
				cost = g.EndpointCost(endpoint)
			}
			_ = g.Usage.Append(context.Background(), data.UsageRecord{
				TenantID:  t.ID,
				Endpoint:  endpoint,
				Timestamp: time.Now(),
				Cost:      cost,
			})
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func writeAuthError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + err.Error() + `","error_code":"unauthorized"}`))
}
