// Package eventbus publishes confirmed incidents onto NATS for external
// consumers (SIEMs, downstream automations) — a supplemental egress not
// named by the core pipeline but present throughout the teacher's nvr
// package. Grounded directly on nvr.NATSPublisher, generalized from its
// fixed linear backoff to the shared internal/retry exponential policy and
// from a single fixed subject to one computed per (tenant, source).
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/technosupport/sentrymesh/internal/retry"
)

// IncidentEvent is the normalized envelope published for every confirmed
// incident.
type IncidentEvent struct {
	TenantID        string    `json:"tenant_id"`
	Source          string    `json:"source"`
	IncidentKind    string    `json:"incident_kind"`
	DetectedAt      time.Time `json:"detected_at"`
	ConfirmerSource string    `json:"confirmer_source,omitempty"`
	ClipURL         string    `json:"clip_url"`
	DedupKey        string    `json:"dedup_key"`
}

// Publisher publishes IncidentEvents to subject "incidents.<tenant>.<source>".
type Publisher struct {
	Conn  *nats.Conn
	Retry retry.Policy
}

// NewPublisher builds a Publisher with the shared default retry policy.
func NewPublisher(conn *nats.Conn) *Publisher {
	return &Publisher{Conn: conn, Retry: retry.DefaultPolicy}
}

// Subject computes the per-tenant, per-source publish subject.
func Subject(tenantID, source string) string {
	return fmt.Sprintf("incidents.%s.%s", tenantID, source)
}

// Publish marshals evt and publishes it, retrying transient NATS errors per
// the shared policy. Every NATS publish error is treated as retryable: the
// client library itself distinguishes only connection-level failures, all
// of which are transient by nature.
func (p *Publisher) Publish(ctx context.Context, evt IncidentEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("eventbus: marshal incident event: %w", err)
	}
	subject := Subject(evt.TenantID, evt.Source)

	return retry.Run(ctx, p.Retry, func(error) bool { return true }, func(ctx context.Context, attempt int) error {
		return p.Conn.Publish(subject, data)
	})
}
