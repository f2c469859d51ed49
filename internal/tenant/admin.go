package tenant

import (
	"log"
	"net/http"

	"github.com/technosupport/sentrymesh/internal/auth"
)

// AdminMiddleware gates the admin endpoints (§4.11) behind a process-wide
// secret, distinct from any tenant credential (§6.1). ADMIN_CREDENTIAL is an
// Argon2id hash (the same encoding internal/auth produces for passwords, not
// a raw comparison string) so the secret isn't stored in plaintext wherever
// the process config lives. It does not touch the Tenant Gate's
// credential/quota machinery at all.
func AdminMiddleware(adminCredentialHash string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("X-Admin-Key")
		ok := false
		if got != "" {
			match, err := auth.CheckPassword(got, adminCredentialHash)
			if err != nil {
				log.Printf("[Tenant Gate] admin credential check error: %v", err)
			}
			ok = match
		}
		if !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"admin credential invalid","error_code":"unauthorized"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
