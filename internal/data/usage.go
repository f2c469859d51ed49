package data

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// UsageRecord is append-only; read by the out-of-scope billing component
// and by the /usage aggregate endpoint. Never updated or deleted.
type UsageRecord struct {
	TenantID  uuid.UUID `json:"tenant_id"`
	Endpoint  string    `json:"endpoint"`
	Timestamp time.Time `json:"timestamp"`
	Cost      float64   `json:"cost"`
}

type UsageModel struct {
	DB DBTX
}

func (m UsageModel) Append(ctx context.Context, r UsageRecord) error {
	_, err := m.DB.ExecContext(ctx, `
		INSERT INTO usage_records (tenant_id, endpoint, timestamp, cost)
		VALUES ($1, $2, $3, $4)`,
		r.TenantID, r.Endpoint, r.Timestamp, r.Cost)
	return err
}

// EndpointTotal is one row of a per-endpoint usage aggregate.
type EndpointTotal struct {
	Endpoint string  `json:"endpoint"`
	Calls    int64   `json:"calls"`
	Cost     float64 `json:"cost"`
}

// Totals aggregates a tenant's usage since a cutoff, grouped by endpoint.
// Always scoped to one tenant — no cross-tenant analytics (§1 Non-goals).
func (m UsageModel) Totals(ctx context.Context, tenantID uuid.UUID, since time.Time) ([]EndpointTotal, error) {
	rows, err := m.DB.QueryContext(ctx, `
		SELECT endpoint, count(*), coalesce(sum(cost), 0)
		FROM usage_records
		WHERE tenant_id = $1 AND timestamp >= $2
		GROUP BY endpoint
		ORDER BY endpoint`,
		tenantID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EndpointTotal
	for rows.Next() {
		var t EndpointTotal
		if err := rows.Scan(&t.Endpoint, &t.Calls, &t.Cost); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
