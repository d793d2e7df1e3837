// Package metrics provides Prometheus instrumentation for snapvault.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "snapvault"

// Job outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// Media item outcomes.
const (
	MediaUploaded = "uploaded"
	MediaReused   = "reused"
	MediaSkipped  = "skipped"
	MediaError    = "error"
)

// Cleanup object results.
const (
	CleanupDeleted = "deleted"
	CleanupFailed  = "failed"
	CleanupShared  = "shared"
)

// PrometheusMetrics holds the collectors snapvault records into. All
// recording methods are safe to call on a nil receiver.
type PrometheusMetrics struct {
	JobsTotal      *prometheus.CounterVec
	JobDuration    *prometheus.HistogramVec
	MediaItems     *prometheus.CounterVec
	ProviderCost   prometheus.Counter
	ProgressWrites prometheus.Counter
	CleanupObjects *prometheus.CounterVec
	StaleJobs      prometheus.Counter
}

// NewPrometheusMetrics creates the collectors and registers them with reg.
func NewPrometheusMetrics(reg prometheus.Registerer) (*PrometheusMetrics, error) {
	m := &PrometheusMetrics{
		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Backup jobs that reached a terminal state.",
		}, []string{"kind", "outcome"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time from job start to terminal state.",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600, 7200},
		}, []string{"kind"}),
		MediaItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_items_total",
			Help:      "Media items handled by the media pipeline.",
		}, []string{"outcome"}),
		ProviderCost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_cost_usd_total",
			Help:      "Cost reported by the scraping provider, in USD.",
		}),
		ProgressWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "progress_writes_total",
			Help:      "Live progress snapshots written to the job ledger.",
		}),
		CleanupObjects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_objects_total",
			Help:      "Stored objects considered during backup deletion.",
		}, []string{"result"}),
		StaleJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_jobs_total",
			Help:      "Queued jobs failed by the stale sweep.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.JobsTotal, m.JobDuration, m.MediaItems, m.ProviderCost,
		m.ProgressWrites, m.CleanupObjects, m.StaleJobs,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}
	return m, nil
}

// RecordJob counts a job reaching a terminal state and observes its duration.
func (m *PrometheusMetrics) RecordJob(kind, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.JobsTotal.WithLabelValues(kind, outcome).Inc()
	if duration > 0 {
		m.JobDuration.WithLabelValues(kind).Observe(duration.Seconds())
	}
}

// RecordMedia counts media items by outcome.
func (m *PrometheusMetrics) RecordMedia(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.MediaItems.WithLabelValues(outcome).Add(float64(n))
}

// RecordProviderCost adds provider spend.
func (m *PrometheusMetrics) RecordProviderCost(usd float64) {
	if m == nil || usd <= 0 {
		return
	}
	m.ProviderCost.Add(usd)
}

// RecordProgressWrite counts one persisted progress snapshot.
func (m *PrometheusMetrics) RecordProgressWrite() {
	if m == nil {
		return
	}
	m.ProgressWrites.Inc()
}

// RecordCleanup counts objects by cleanup result.
func (m *PrometheusMetrics) RecordCleanup(result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.CleanupObjects.WithLabelValues(result).Add(float64(n))
}

// RecordStaleJobs counts jobs failed by the stale sweep.
func (m *PrometheusMetrics) RecordStaleJobs(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.StaleJobs.Add(float64(n))
}
