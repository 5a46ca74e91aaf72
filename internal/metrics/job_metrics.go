// Package metrics exposes Prometheus metrics for the bulk operation
// pipeline, served on the dedicated metrics port.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Job lifecycle metrics
	JobsStartedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulkops_jobs_started_total",
			Help: "Total number of bulk jobs started by kind",
		},
		[]string{"kind"},
	)

	JobsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulkops_jobs_finished_total",
			Help: "Total number of bulk jobs finished by kind and terminal status",
		},
		[]string{"kind", "status"},
	)

	JobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bulkops_jobs_in_flight",
			Help: "Number of bulk jobs currently executing",
		},
	)

	JobDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bulkops_job_duration_seconds",
			Help:    "Duration of bulk jobs from start to terminal state",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600}, // 1s to 1h
		},
		[]string{"kind"},
	)

	// Per-target metrics
	TargetsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulkops_targets_total",
			Help: "Total number of per-target attempts by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// Inventory metrics
	ClustersRegistered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bulkops_clusters_registered",
			Help: "Number of clusters in the registry",
		},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bulkops_http_request_duration_seconds",
			Help:    "HTTP request latency by route and status class",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "status"},
	)
)

// RecordJobStarted matches the coordinator's started hook.
func RecordJobStarted(kind string) {
	JobsStartedTotal.WithLabelValues(kind).Inc()
	JobsInFlight.Inc()
}

// RecordTarget matches the coordinator's per-target hook.
func RecordTarget(kind, outcome string) {
	TargetsTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordJobFinished matches the coordinator's finished hook.
func RecordJobFinished(kind, status string, duration time.Duration) {
	JobsFinishedTotal.WithLabelValues(kind, status).Inc()
	JobDurationSeconds.WithLabelValues(kind).Observe(duration.Seconds())
	JobsInFlight.Dec()
}
