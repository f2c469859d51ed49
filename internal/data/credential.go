package data

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Credential is an opaque secret presented per request. The plaintext is
// never stored — only DigestHash, a salted digest computed by
// internal/credential. See §3 Credential invariant: the plaintext exists in
// the system only transiently during verification.
type Credential struct {
	ID         uuid.UUID `json:"id"`
	TenantID   uuid.UUID `json:"tenant_id"`
	DigestHash string    `json:"-"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
}

type CredentialModel struct {
	DB DBTX
}

func (m CredentialModel) Create(ctx context.Context, c *Credential) error {
	query := `
		INSERT INTO credentials (tenant_id, digest_hash, active)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`
	return m.DB.QueryRowContext(ctx, query, c.TenantID, c.DigestHash, c.Active).Scan(&c.ID, &c.CreatedAt)
}

// GetByDigest resolves a credential by its precomputed digest hash. Returns
// ErrRecordNotFound if no row matches — the caller (Tenant Gate) always
// turns that into an Unauthorized response, never a 500, so the lookup
// itself carries no distinction between "wrong secret" and "never issued".
func (m CredentialModel) GetByDigest(ctx context.Context, digest string) (*Credential, error) {
	query := `
		SELECT id, tenant_id, digest_hash, active, created_at
		FROM credentials WHERE digest_hash = $1`

	var c Credential
	err := m.DB.QueryRowContext(ctx, query, digest).Scan(
		&c.ID, &c.TenantID, &c.DigestHash, &c.Active, &c.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (m CredentialModel) RevokeAllForTenant(ctx context.Context, tenantID uuid.UUID) error {
	_, err := m.DB.ExecContext(ctx, `UPDATE credentials SET active = false WHERE tenant_id = $1`, tenantID)
	return err
}
