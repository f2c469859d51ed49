// Package evidence implements the Evidence Publisher (§4.7): durable
// externalization of clips to a remote object store, with retry/backoff and
// a content-addressed local fallback.
package evidence

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/technosupport/sentrymesh/internal/retry"
)

// StorageLocation names where a clip ended up.
type StorageLocation string

const (
	StorageRemote StorageLocation = "remote"
	StorageLocal  StorageLocation = "local"
)

// Clip is what the coordinator hands the publisher.
type Clip struct {
	TenantID string
	Source   string
	Data     []byte
	Duration time.Duration
}

// Record is what the publisher hands back (§3 EvidenceClip).
type Record struct {
	ClipID          string
	TenantID        string
	Source          string
	ProducedAt      time.Time
	DurationS       float64
	ByteSize        int
	StorageLocation StorageLocation
	AccessToken     string
	ExpiresAt       time.Time
	LocalPath       string // set only when StorageLocation == local
}

// URL builds the canonical access URL for a remote-stored record.
func (r Record) URL(baseURL string) string {
	if r.StorageLocation == StorageLocal {
		return "local://" + r.LocalPath
	}
	return baseURL + "/video/" + r.ClipID + "?token=" + r.AccessToken
}

type objectStoreResponse struct {
	Success        bool   `json:"success"`
	VideoID        string `json:"video_id"`
	PrivateLink    string `json:"private_link"`
	ExpirationTime string `json:"expiration_time"`
}

// Publisher uploads clips to a remote object store and falls back to local
// content-addressed storage on exhaustion (§4.7).
type Publisher struct {
	HTTP           *http.Client
	BaseURL        string
	SharedSecret   string
	LocalDir       string
	RetentionHours int
	Retry          retry.Policy
}

// NewPublisher builds a Publisher with a 60s per-attempt timeout (§5) and
// the default retry policy (§4.7).
func NewPublisher(baseURL, sharedSecret, localDir string, retentionHours int) *Publisher {
	return &Publisher{
		HTTP:           &http.Client{Timeout: 60 * time.Second},
		BaseURL:        baseURL,
		SharedSecret:   sharedSecret,
		LocalDir:       localDir,
		RetentionHours: retentionHours,
		Retry:          retry.DefaultPolicy,
	}
}

// Publish uploads clip, retrying on transient failures, and falls back to
// local storage on exhaustion.
func (p *Publisher) Publish(ctx context.Context, clip Clip) (Record, error) {
	var rec Record
	var uploadErr error

	err := retry.Run(ctx, p.Retry, isRetryableUpload, func(ctx context.Context, attempt int) error {
		r, err := p.uploadOnce(ctx, clip)
		if err != nil {
			uploadErr = err
			return err
		}
		rec = r
		return nil
	})

	if err == nil {
		return rec, nil
	}

	return p.fallbackLocal(clip, uploadErr)
}

func (p *Publisher) uploadOnce(ctx context.Context, clip Clip) (Record, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	videoPart, err := w.CreateFormFile("video", "clip.mp4")
	if err != nil {
		return Record{}, err
	}
	if _, err := videoPart.Write(clip.Data); err != nil {
		return Record{}, err
	}

	meta, _ := json.Marshal(map[string]string{"video_id": uuid.NewString()})
	_ = w.WriteField("metadata", string(meta))
	_ = w.WriteField("expiration_hours", fmt.Sprintf("%d", p.RetentionHours))
	if err := w.Close(); err != nil {
		return Record{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/api/v1/videos/upload", &body)
	if err != nil {
		return Record{}, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := p.HTTP.Do(req)
	if err != nil {
		return Record{}, &uploadError{retryable: true, err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout {
		return Record{}, &uploadError{retryable: true, err: fmt.Errorf("object store status %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return Record{}, &uploadError{retryable: false, err: fmt.Errorf("object store status %d", resp.StatusCode)}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Record{}, &uploadError{retryable: true, err: err}
	}
	var osr objectStoreResponse
	if err := json.Unmarshal(data, &osr); err != nil || !osr.Success {
		return Record{}, &uploadError{retryable: false, err: errors.New("malformed object store response")}
	}

	expiresAt := time.Now().Add(time.Duration(p.RetentionHours) * time.Hour)
	if t, err := time.Parse(time.RFC3339, osr.ExpirationTime); err == nil {
		expiresAt = t
	}

	token := AccessToken(osr.VideoID, expiresAt, p.SharedSecret)

	return Record{
		ClipID:          osr.VideoID,
		TenantID:        clip.TenantID,
		Source:          clip.Source,
		ProducedAt:      time.Now(),
		DurationS:       clip.Duration.Seconds(),
		ByteSize:        len(clip.Data),
		StorageLocation: StorageRemote,
		AccessToken:     token,
		ExpiresAt:       expiresAt,
	}, nil
}

func (p *Publisher) fallbackLocal(clip Clip, uploadErr error) (Record, error) {
	sum := sha256.Sum256(clip.Data)
	clipID := hex.EncodeToString(sum[:])

	if err := os.MkdirAll(p.LocalDir, 0o750); err != nil {
		return Record{}, fmt.Errorf("evidence: local fallback dir: %w (upload error: %v)", err, uploadErr)
	}

	path := filepath.Join(p.LocalDir, clipID+".mp4")
	if err := os.WriteFile(path, clip.Data, 0o640); err != nil {
		return Record{}, fmt.Errorf("evidence: local fallback write: %w (upload error: %v)", err, uploadErr)
	}

	expiresAt := time.Now().Add(time.Duration(p.RetentionHours) * time.Hour)
	token := AccessToken(clipID, expiresAt, p.SharedSecret)

	sidecar := struct {
		TenantID     string    `json:"tenant_id"`
		ProducedAt   time.Time `json:"produced_at"`
		ExpiresAt    time.Time `json:"expires_at"`
		IncidentKind string    `json:"incident_kind,omitempty"`
	}{TenantID: clip.TenantID, ProducedAt: time.Now(), ExpiresAt: expiresAt}
	sidecarData, _ := json.Marshal(sidecar)
	_ = os.WriteFile(path+".json", sidecarData, 0o640)

	rec := Record{
		ClipID:          clipID,
		TenantID:        clip.TenantID,
		Source:          clip.Source,
		ProducedAt:      time.Now(),
		DurationS:       clip.Duration.Seconds(),
		ByteSize:        len(clip.Data),
		StorageLocation: StorageLocal,
		AccessToken:     token,
		ExpiresAt:       expiresAt,
		LocalPath:       path,
	}
	return rec, nil
}

// AccessToken computes the object-store access token per §4.7:
// first_16_bytes_hex(SHA256(clip_id || expires_at_iso || shared_secret)).
func AccessToken(clipID string, expiresAt time.Time, sharedSecret string) string {
	h := sha256.Sum256([]byte(clipID + expiresAt.UTC().Format(time.RFC3339) + sharedSecret))
	return hex.EncodeToString(h[:16])
}

// VerifyToken recomputes AccessToken and compares — intentionally checks
// only (clip_id, expires_at, token), never the requesting tenant: token
// possession is the sole authorization, by design (see open question
// decisions). Also fails if expiresAt has passed.
func VerifyToken(clipID, token string, expiresAt time.Time, sharedSecret string, now time.Time) bool {
	if now.After(expiresAt) {
		return false
	}
	return AccessToken(clipID, expiresAt, sharedSecret) == token
}

type uploadError struct {
	retryable bool
	err       error
}

func (e *uploadError) Error() string { return e.err.Error() }
func (e *uploadError) Unwrap() error { return e.err }

func isRetryableUpload(err error) bool {
	var ue *uploadError
	if errors.As(err, &ue) {
		return ue.retryable
	}
	return true
}
