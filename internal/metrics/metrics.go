// Package metrics exposes Prometheus counters and histograms for the
// analyzer pipeline, adapted from the teacher's internal/metrics.Collector
// (per-component registry + promhttp.HandlerFor), scoped down to the
// surveillance pipeline's own concerns rather than media-plane/SFU stats.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every counter/histogram this module records.
type Registry struct {
	registry *prometheus.Registry

	ScreenerRuns    *prometheus.CounterVec // result=positive|negative|error
	ConfirmerRuns   *prometheus.CounterVec // result=confirmed|vetoed|fallback|error
	ScreenTicksDropped prometheus.Counter

	DedupSuppressed *prometheus.CounterVec // kind
	DedupRecorded   *prometheus.CounterVec // kind

	EvidenceUploads  *prometheus.CounterVec // outcome=success|fallback|error
	AlertDispatches  *prometheus.CounterVec // outcome=success|spooled|dropped
	OfflineSpoolDepth prometheus.Gauge

	RetentionSweptBytes prometheus.Counter
	RetentionSweptFiles prometheus.Counter

	QuotaRejected *prometheus.CounterVec // tenant

	HTTPDuration *prometheus.HistogramVec // endpoint, status
}

func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{registry: reg}

	r.ScreenerRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentrymesh_screener_runs_total",
		Help: "Screening stage runs by result.",
	}, []string{"result"})
	r.ConfirmerRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentrymesh_confirmer_runs_total",
		Help: "Confirmation stage runs by result.",
	}, []string{"result"})
	r.ScreenTicksDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sentrymesh_screen_ticks_dropped_total",
		Help: "Screen ticks dropped because a source was already screening or confirming.",
	})

	r.DedupSuppressed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentrymesh_dedup_suppressed_total",
		Help: "Incidents suppressed by the dedup cache.",
	}, []string{"kind"})
	r.DedupRecorded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentrymesh_dedup_recorded_total",
		Help: "Fingerprints recorded into the dedup cache.",
	}, []string{"kind"})

	r.EvidenceUploads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentrymesh_evidence_uploads_total",
		Help: "Evidence clip upload attempts by outcome.",
	}, []string{"outcome"})
	r.AlertDispatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentrymesh_alert_dispatches_total",
		Help: "Alert dispatch attempts by outcome.",
	}, []string{"outcome"})
	r.OfflineSpoolDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sentrymesh_offline_alert_spool_depth",
		Help: "Number of alerts currently parked in the offline spool.",
	})

	r.RetentionSweptBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sentrymesh_retention_swept_bytes_total",
		Help: "Bytes reclaimed by the retention sweeper.",
	})
	r.RetentionSweptFiles = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sentrymesh_retention_swept_files_total",
		Help: "Files reclaimed by the retention sweeper.",
	})

	r.QuotaRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentrymesh_quota_rejected_total",
		Help: "Requests rejected for exceeding tenant quota.",
	}, []string{"tenant"})

	r.HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sentrymesh_http_request_duration_seconds",
		Help:    "HTTP request duration by endpoint and status class.",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint", "status"})

	reg.MustRegister(
		r.ScreenerRuns, r.ConfirmerRuns, r.ScreenTicksDropped,
		r.DedupSuppressed, r.DedupRecorded,
		r.EvidenceUploads, r.AlertDispatches, r.OfflineSpoolDepth,
		r.RetentionSweptBytes, r.RetentionSweptFiles,
		r.QuotaRejected, r.HTTPDuration,
	)
	return r
}

func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// InstrumentHTTP wraps next with request duration recording, labeled by a
// caller-supplied stable endpoint name (not the raw path).
func (r *Registry) InstrumentHTTP(endpoint string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)
		r.HTTPDuration.WithLabelValues(endpoint, statusClass(rec.status)).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
