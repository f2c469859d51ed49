package api

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/technosupport/sentrymesh/internal/alertdispatch"
	"github.com/technosupport/sentrymesh/internal/analyzer"
	"github.com/technosupport/sentrymesh/internal/audit"
	"github.com/technosupport/sentrymesh/internal/credential"
	"github.com/technosupport/sentrymesh/internal/data"
	"github.com/technosupport/sentrymesh/internal/dedup"
	"github.com/technosupport/sentrymesh/internal/eventbus"
	"github.com/technosupport/sentrymesh/internal/evidence"
	"github.com/technosupport/sentrymesh/internal/fingerprint"
	"github.com/technosupport/sentrymesh/internal/incident"
	"github.com/technosupport/sentrymesh/internal/metrics"
	"github.com/technosupport/sentrymesh/internal/ring"
	"github.com/technosupport/sentrymesh/internal/vision"
)

// Server wires every dependency the Public API Surface (§4.11) needs. One
// Server is built per process in cmd/server and shared across all requests.
type Server struct {
	Registry       *Registry
	Vision         *vision.Client
	AnalyzerConfig analyzer.Config
	RingCapacity   int

	Coordinator       *incident.Coordinator
	Dedup             *dedup.Cache
	EvidencePublisher *evidence.Publisher
	Dispatcher        *alertdispatch.Dispatcher
	ClipBudget        incident.ClipBudget
	CooldownS         time.Duration

	Eventbus *eventbus.Publisher

	Tenants     data.TenantModel
	Credentials data.CredentialModel
	Usage       data.UsageModel
	Digester    *credential.Digester

	// Audit records every admin-surface action (tenant create/revoke/
	// reactivate/credential-rotate). Nil disables recording, which unit
	// tests rely on.
	Audit *audit.Service

	Metrics *metrics.Registry
}

// recordAdmin writes one audit.AuditEvent for an admin action against
// tenantID, tolerating a nil Audit (unit tests, or a deployment that never
// wired a database). The audit trail is best-effort from the caller's
// perspective: WriteEvent already fails over to local spool on its own, so
// an error here is logged, never propagated to the HTTP response.
func (s *Server) recordAdmin(ctx context.Context, action string, tenantID uuid.UUID, result, requestID string) {
	if s.Audit == nil {
		return
	}
	evt := audit.AuditEvent{
		TenantID:   tenantID,
		Action:     action,
		TargetType: "tenant",
		TargetID:   tenantID.String(),
		Result:     result,
		RequestID:  requestID,
		CreatedAt:  time.Now(),
	}
	if err := s.Audit.WriteEvent(ctx, evt); err != nil {
		log.Printf("[api] audit write for %s %s failed: %v", action, tenantID, err)
	}
}

// newSourceState builds the factory passed to Registry.GetOrCreate for one
// (tenant, source) pair: a fresh ring plus an analyzer wired to this
// server's vision client and confirmed-incident pipeline.
func (s *Server) newSourceState(tenantID uuid.UUID, sourceID string) func() *SourceState {
	return func() *SourceState {
		r := ring.New(s.RingCapacity)
		a := &analyzer.Analyzer{
			Source:  sourceID,
			Ring:    r,
			Vision:  s.Vision,
			Config:  s.AnalyzerConfig,
			Metrics: analyzerMetricsAdapter{s.Metrics},
		}
		a.OnConfirmed = s.onConfirmed(tenantID, sourceID)
		return &SourceState{Ring: r, Analyzer: a}
	}
}

// onConfirmed runs the full incident pipeline for a confirmed incident on
// (tenantID, sourceID): the coordinator's clip/publish/alert/dedup steps,
// plus a best-effort eventbus notification. Runs synchronously on whichever
// goroutine ran the cycle: Tick's background goroutine, or the caller of
// RunOnce (the on-demand analyze request's own goroutine).
func (s *Server) onConfirmed(tenantID uuid.UUID, sourceID string) func(analyzer.ConfirmedIncident) {
	return func(ci analyzer.ConfirmedIncident) {
		ctx := context.Background()

		t, err := s.Tenants.GetByID(ctx, tenantID)
		if err != nil {
			log.Printf("[api:%s] tenant lookup for confirmed incident failed: %v", sourceID, err)
			return
		}
		if !t.Active {
			log.Printf("[api:%s] dropping confirmed incident for inactive tenant %s", sourceID, t.ID)
			return
		}

		tenant := incident.Tenant{ID: t.ID.String(), DisplayName: t.Name, ContactAddress: t.ContactAddress}
		if err := s.Coordinator.Handle(ctx, tenant, ci); err != nil {
			log.Printf("[api:%s] incident coordinator error: %v", sourceID, err)
		}

		if s.Eventbus == nil {
			return
		}
		evt := eventbus.IncidentEvent{
			TenantID:        tenant.ID,
			Source:          sourceID,
			IncidentKind:    ci.ScreenerVerdict.IncidentKind,
			DetectedAt:      ci.DetectedAt,
			ConfirmerSource: ci.ConfirmerSource,
		}
		if len(ci.CapturedWindow) > 0 {
			middle := ci.CapturedWindow[len(ci.CapturedWindow)/2]
			if key, err := fingerprint.Compute(fingerprint.Frame{
				PayloadBytes:    middle.PayloadBytes,
				PayloadEncoding: middle.PayloadEncoding,
			}); err == nil {
				evt.DedupKey = dedup.Namespace(tenant.ID, key.String())
			}
		}
		if err := s.Eventbus.Publish(ctx, evt); err != nil {
			log.Printf("[api:%s] eventbus publish failed: %v", sourceID, err)
		}
	}
}

// analyzerMetricsAdapter satisfies analyzer.Metrics over the shared
// Prometheus registry; a nil Registry (unit tests) makes every call a no-op.
type analyzerMetricsAdapter struct {
	reg *metrics.Registry
}

func (a analyzerMetricsAdapter) ScreenerRun(result string) {
	if a.reg == nil {
		return
	}
	a.reg.ScreenerRuns.WithLabelValues(result).Inc()
}

func (a analyzerMetricsAdapter) ConfirmerRun(result string) {
	if a.reg == nil {
		return
	}
	a.reg.ConfirmerRuns.WithLabelValues(result).Inc()
}

func (a analyzerMetricsAdapter) ScreenTickDropped() {
	if a.reg == nil {
		return
	}
	a.reg.ScreenTicksDropped.Inc()
}
