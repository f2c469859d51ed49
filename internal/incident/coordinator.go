package incident

import (
	"context"
	"log"
	"time"

	"github.com/technosupport/sentrymesh/internal/alertdispatch"
	"github.com/technosupport/sentrymesh/internal/analyzer"
	"github.com/technosupport/sentrymesh/internal/dedup"
	"github.com/technosupport/sentrymesh/internal/evidence"
	"github.com/technosupport/sentrymesh/internal/fingerprint"
)

// Config carries the coordinator's policy knobs (§4.3).
type Config struct {
	CooldownS time.Duration
	ClipBudget ClipBudget
}

// DefaultConfig matches §4.3's stated defaults (cooldown 300s).
var DefaultConfig = Config{
	CooldownS:  300 * time.Second,
	ClipBudget: DefaultBudget,
}

// Metrics is the narrow counter set the coordinator reports.
type Metrics interface {
	DedupSuppressed()
	DedupRecorded()
}

type noopMetrics struct{}

func (noopMetrics) DedupSuppressed() {}
func (noopMetrics) DedupRecorded()   {}

// Tenant is the minimal shape the coordinator needs to build an alert.
type Tenant struct {
	ID             string
	DisplayName    string
	ContactAddress string
}

// Coordinator runs the end-to-end ConfirmedIncident pipeline (§4.6): dedup,
// clip assembly, publish, alert, and dedup recording on success.
type Coordinator struct {
	Dedup      *dedup.Cache
	Publisher  *evidence.Publisher
	Dispatcher *alertdispatch.Dispatcher
	Config     Config
	Metrics    Metrics
}

func (c *Coordinator) metrics() Metrics {
	if c.Metrics != nil {
		return c.Metrics
	}
	return noopMetrics{}
}

// Handle runs the full pipeline for one ConfirmedIncident on behalf of
// tenant. Errors returned are coordinator-level failures (fingerprinting or
// clip assembly). Publish and dispatch failures are logged, never returned:
// a publish that fails even its local fallback ends the pipeline with no
// alert, and a dropped or spooled alert leaves dedup unrecorded.
func (c *Coordinator) Handle(ctx context.Context, tenant Tenant, ci analyzer.ConfirmedIncident) error {
	if len(ci.CapturedWindow) == 0 {
		return nil
	}

	middle := ci.CapturedWindow[len(ci.CapturedWindow)/2]
	key, err := fingerprint.Compute(fingerprint.Frame{
		PayloadBytes:    middle.PayloadBytes,
		PayloadEncoding: middle.PayloadEncoding,
	})
	if err != nil {
		return err
	}
	namespacedKey := dedup.Namespace(tenant.ID, key.String())

	if dup, secondsSince := c.Dedup.IsDuplicate(namespacedKey, c.Config.CooldownS, time.Now()); dup {
		c.metrics().DedupSuppressed()
		since := 0.0
		if secondsSince != nil {
			since = *secondsSince
		}
		log.Printf("[incident:%s] suppressed(seconds_since_last=%.1f, key=%s)", ci.Source, since, namespacedKey)
		return nil
	}

	clipData, duration, err := Assemble(ci.CapturedWindow, c.Config.ClipBudget)
	if err != nil {
		return err
	}

	rec, err := c.Publisher.Publish(ctx, evidence.Clip{
		TenantID: tenant.ID,
		Source:   ci.Source,
		Data:     clipData,
		Duration: duration,
	})
	if err != nil {
		// The publisher only returns an error when even local fallback
		// failed (disk full, permissions); there is no URL to alert with.
		log.Printf("[incident:%s] evidence publish failed entirely: %v", ci.Source, err)
		return nil
	}

	alert := alertdispatch.Alert{
		TenantID:           tenant.ID,
		TenantDisplay:      tenant.DisplayName,
		RecipientAddress:   tenant.ContactAddress,
		Source:             ci.Source,
		DetectedAt:         ci.DetectedAt,
		IncidentKind:       ci.ScreenerVerdict.IncidentKind,
		ScreenerNarrative:  ci.ScreenerVerdict.Narrative,
		ConfirmerNarrative: ci.ConfirmerVerdict.Narrative,
		ClipURL:            rec.URL(c.Publisher.BaseURL),
		ClipExpiresAt:      rec.ExpiresAt,
	}

	delivered, err := c.Dispatcher.Dispatch(ctx, alert)
	if err != nil {
		// NoRecipient, or spooling itself failed: log and drop, do not
		// record dedup (§4.8) — there is no durable record of this alert
		// reaching anyone.
		log.Printf("[incident:%s] alert dispatch dropped: %v", ci.Source, err)
		return nil
	}
	if !delivered {
		// Spooled to disk after SMTP exhaustion (S5): dedup is deliberately
		// NOT recorded so the next occurrence of this scene retries delivery
		// instead of being silently suppressed.
		log.Printf("[incident:%s] alert spooled offline, dedup not recorded", ci.Source)
		return nil
	}

	// Recording happens only after a successful dispatch so that repeated
	// failures do not silence future retries on the same scene (§4.6 step 7).
	c.Dedup.Record(namespacedKey, ci.ScreenerVerdict.IncidentKind, time.Now())
	c.metrics().DedupRecorded()
	return nil
}
