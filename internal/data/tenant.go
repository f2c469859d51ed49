package data

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Tenant owns every FrameRing, DedupEntry partition, UsageRecord, and
// OfflineAlert in the system. Created out-of-band; never auto-created by
// ingest.
type Tenant struct {
	ID             uuid.UUID `json:"id"`
	Name           string    `json:"name"`
	ContactAddress string    `json:"contact_address"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type TenantModel struct {
	DB DBTX
}

func (m TenantModel) Create(ctx context.Context, t *Tenant) error {
	query := `
		INSERT INTO tenants (name, contact_address, active)
		VALUES ($1, $2, $3)
		RETURNING id, created_at, updated_at`

	return m.DB.QueryRowContext(ctx, query, t.Name, t.ContactAddress, t.Active).
		Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
}

func (m TenantModel) GetByID(ctx context.Context, id uuid.UUID) (*Tenant, error) {
	query := `
		SELECT id, name, contact_address, active, created_at, updated_at
		FROM tenants WHERE id = $1`

	var t Tenant
	err := m.DB.QueryRowContext(ctx, query, id).Scan(
		&t.ID, &t.Name, &t.ContactAddress, &t.Active, &t.CreatedAt, &t.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// SetActive flips the tenant's active flag. Revoke/reactivate are both
// implemented on top of this; a credential whose tenant is inactive fails
// Unauthorized at the gate whatever its own active flag says (§4.9: every
// credential resolves to at most one active tenant).
func (m TenantModel) SetActive(ctx context.Context, id uuid.UUID, active bool) (int64, error) {
	res, err := m.DB.ExecContext(ctx, `UPDATE tenants SET active = $1, updated_at = now() WHERE id = $2`, active, id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
