package evidence_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/technosupport/sentrymesh/internal/evidence"
	"github.com/technosupport/sentrymesh/internal/retry"
)

func fastRetry() retry.Policy {
	return retry.Policy{MaxRetries: 2, Base: time.Millisecond, Factor: 2}
}

func TestPublish_SuccessOnFirstAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success":         true,
			"video_id":        "vid-123",
			"private_link":    "ignored",
			"expiration_time": time.Now().Add(24 * time.Hour).Format(time.RFC3339),
		})
	}))
	defer srv.Close()

	pub := evidence.NewPublisher(srv.URL, "secret", t.TempDir(), 24)
	pub.Retry = fastRetry()

	rec, err := pub.Publish(context.Background(), evidence.Clip{TenantID: "t1", Source: "cam-1", Data: []byte("mp4bytes")})
	require.NoError(t, err)
	assert.Equal(t, evidence.StorageRemote, rec.StorageLocation)
	assert.Equal(t, "vid-123", rec.ClipID)
	assert.NotEmpty(t, rec.AccessToken)
}

func TestPublish_FallsBackToLocalOnExhaustion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	localDir := t.TempDir()
	pub := evidence.NewPublisher(srv.URL, "secret", localDir, 24)
	pub.Retry = fastRetry()

	rec, err := pub.Publish(context.Background(), evidence.Clip{TenantID: "t1", Source: "cam-1", Data: []byte("mp4bytes")})
	require.NoError(t, err)
	assert.Equal(t, evidence.StorageLocal, rec.StorageLocation)
	_, statErr := os.Stat(rec.LocalPath)
	assert.NoError(t, statErr, "fallback file must exist on disk")
	assert.True(t, rec.ExpiresAt.After(time.Now()))

	assert.NotEmpty(t, rec.AccessToken, "local fallback records must still carry a verifiable token")
	assert.True(t, evidence.VerifyToken(rec.ClipID, rec.AccessToken, rec.ExpiresAt, "secret", time.Now()))
}

func TestPublish_DoesNotRetryPermanentError(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	pub := evidence.NewPublisher(srv.URL, "secret", t.TempDir(), 24)
	pub.Retry = fastRetry()

	rec, err := pub.Publish(context.Background(), evidence.Clip{TenantID: "t1", Source: "cam-1", Data: []byte("x")})
	require.NoError(t, err) // still falls back locally
	assert.Equal(t, evidence.StorageLocal, rec.StorageLocation)
	assert.Equal(t, 1, attempts, "a 400 must not be retried")
}

func TestAccessToken_DeterministicAndVerifiable(t *testing.T) {
	expires := time.Now().Add(time.Hour).Truncate(time.Second)
	tok := evidence.AccessToken("clip-1", expires, "secret")
	assert.Len(t, tok, 32) // 16 bytes hex-encoded

	assert.True(t, evidence.VerifyToken("clip-1", tok, expires, "secret", time.Now()))
	assert.False(t, evidence.VerifyToken("clip-1", tok, expires, "wrong-secret", time.Now()))
	assert.False(t, evidence.VerifyToken("clip-1", tok, expires, "secret", expires.Add(time.Second)))
}

func TestVerifyToken_IgnoresRequestingTenant(t *testing.T) {
	// §9 open question: token possession alone authorizes access, even
	// across tenants — VerifyToken takes no tenant argument at all.
	expires := time.Now().Add(time.Hour)
	tok := evidence.AccessToken("clip-shared", expires, "secret")
	assert.True(t, evidence.VerifyToken("clip-shared", tok, expires, "secret", time.Now()))
}

func TestFallbackLocal_WritesSidecar(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	localDir := t.TempDir()
	pub := evidence.NewPublisher(srv.URL, "secret", localDir, 24)
	pub.Retry = fastRetry()

	rec, err := pub.Publish(context.Background(), evidence.Clip{TenantID: "t1", Source: "cam-1", Data: []byte("clipdata")})
	require.NoError(t, err)

	sidecarPath := rec.LocalPath + ".json"
	_, statErr := os.Stat(filepath.Clean(sidecarPath))
	assert.NoError(t, statErr)
}
