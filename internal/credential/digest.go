// Package credential computes and verifies the salted digest used to look
// up tenant credentials (§4.9); the admin credential is checked separately
// with internal/auth. Unlike internal/auth's Argon2id password hashing — randomly salted, so it can only be checked one row at a
// time — a credential must support an indexed equality lookup ("compute
// digest; look up the credential record", §4.9 step 2). The digest is
// therefore HMAC-SHA256 keyed by a process-wide pepper: deterministic for a
// given plaintext, yet useless to an attacker who only has the database.
package credential

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

var ErrPepperNotSet = errors.New("credential: pepper not configured")

// Digester computes the deterministic digest of a credential's plaintext.
type Digester struct {
	pepper []byte
}

// NewDigester builds a Digester from a base64-encoded pepper, typically
// loaded from an environment variable at startup. Mirrors the strict
// validate-on-load pattern used for master key material elsewhere in this
// codebase: an empty or malformed pepper fails fast rather than silently
// degrading to an unsalted digest.
func NewDigester(base64Pepper string) (*Digester, error) {
	if base64Pepper == "" {
		return nil, ErrPepperNotSet
	}
	pepper, err := base64.StdEncoding.DecodeString(base64Pepper)
	if err != nil {
		return nil, fmt.Errorf("credential: invalid pepper encoding: %w", err)
	}
	if len(pepper) < 32 {
		return nil, fmt.Errorf("credential: pepper too short, need >=32 bytes, got %d", len(pepper))
	}
	return &Digester{pepper: pepper}, nil
}

// Digest returns the hex-encoded HMAC-SHA256 digest of plaintext. Stored in
// data.Credential.DigestHash and used as the lookup key for GetByDigest.
func (d *Digester) Digest(plaintext string) string {
	mac := hmac.New(sha256.New, d.pepper)
	mac.Write([]byte(plaintext))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the digest and compares it in constant time against a
// stored one. Included for callers that already have the stored digest in
// hand and want to avoid a second round trip; GetByDigest is the normal path.
func (d *Digester) Verify(plaintext, storedDigest string) bool {
	got := d.Digest(plaintext)
	return subtle.ConstantTimeCompare([]byte(got), []byte(storedDigest)) == 1
}

// GenerateSecret creates a new random credential plaintext: 32 bytes,
// base64url-encoded without padding so it is safe to drop directly into an
// Authorization header or query string. Returned exactly once to the caller
// that requested it (§6.1: "credential returned exactly once").
func GenerateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
