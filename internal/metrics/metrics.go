// Package metrics exposes Prometheus metrics for editstated.
//
// Metrics live in a private registry so tests and embedded engines do not
// collide on the global one. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"editstate/internal/memory"
	"editstate/internal/recovery"
)

const namespace = "editstate"

// DurationBuckets are histogram buckets for in-process operations.
var DurationBuckets = []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5}

// Metrics holds every editstated collector.
type Metrics struct {
	registry *prometheus.Registry
	started  time.Time

	// Counters
	SubmissionsTotal   *prometheus.CounterVec
	ChangesTotal       *prometheus.CounterVec
	ConflictsDetected  *prometheus.CounterVec
	ConflictsResolved  *prometheus.CounterVec
	RateLimitedTotal   *prometheus.CounterVec
	CheckpointsTotal   *prometheus.CounterVec
	RecoveriesTotal    *prometheus.CounterVec
	CompactionsTotal   *prometheus.CounterVec
	ArchivedBytesTotal prometheus.Counter
	GCFreedBytesTotal  prometheus.Counter
	PrunedChangesTotal prometheus.Counter

	// Gauges
	Documents        prometheus.Gauge
	ActiveSessions   prometheus.Gauge
	PendingConflicts prometheus.Gauge
	LastCheckpointTs prometheus.Gauge
	CheckpointBytes  prometheus.Gauge

	// Histograms
	SubmissionDuration *prometheus.HistogramVec
	CheckpointDuration prometheus.Histogram
	GCDuration         prometheus.Histogram
}

// New creates the collectors and registers them with a fresh registry
// alongside the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		started:  time.Now(),

		SubmissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Edit operation submissions by outcome",
		}, []string{"outcome"}),
		ChangesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "changes_total",
			Help:      "Changes entering a status",
		}, []string{"status"}),
		ConflictsDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conflict",
			Name:      "detected_total",
			Help:      "Conflicts detected by type and severity",
		}, []string{"type", "severity"}),
		ConflictsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conflict",
			Name:      "resolved_total",
			Help:      "Conflict resolutions by strategy",
		}, []string{"strategy"}),
		RateLimitedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Submissions refused by the per-producer limiter",
		}, []string{"producer"}),
		CheckpointsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "checkpoints_total",
			Help:      "Checkpoint writes by result",
		}, []string{"result"}),
		RecoveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "recoveries_total",
			Help:      "Crash recoveries by result",
		}, []string{"result"}),
		CompactionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "compactions_total",
			Help:      "Document compactions by archive encoding",
		}, []string{"encoding"}),
		ArchivedBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "archived_bytes_total",
			Help:      "Bytes written to archives",
		}),
		GCFreedBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "gc_freed_bytes_total",
			Help:      "Bytes released by archive cache collections",
		}),
		PrunedChangesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pruned_changes_total",
			Help:      "Finalized changes removed after their TTL",
		}),

		Documents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "documents",
			Help:      "Tracked documents",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Tracking sessions that have not ended",
		}),
		PendingConflicts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "conflict",
			Name:      "pending",
			Help:      "Conflicts waiting for a decision",
		}),
		LastCheckpointTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "last_checkpoint_timestamp_seconds",
			Help:      "Unix time of the last successful checkpoint",
		}),
		CheckpointBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "checkpoint_bytes",
			Help:      "Size of the last successful checkpoint",
		}),

		SubmissionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "submission_duration_seconds",
			Help:      "Time to process one submission",
			Buckets:   DurationBuckets,
		}, []string{"outcome"}),
		CheckpointDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "checkpoint_duration_seconds",
			Help:      "Checkpoint write latency",
			Buckets:   DurationBuckets,
		}),
		GCDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "gc_duration_seconds",
			Help:      "Archive cache collection latency",
			Buckets:   DurationBuckets,
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Seconds since the engine started",
		}, func() float64 { return time.Since(m.started).Seconds() }),
		m.SubmissionsTotal, m.ChangesTotal, m.ConflictsDetected, m.ConflictsResolved,
		m.RateLimitedTotal, m.CheckpointsTotal, m.RecoveriesTotal, m.CompactionsTotal,
		m.ArchivedBytesTotal, m.GCFreedBytesTotal, m.PrunedChangesTotal,
		m.Documents, m.ActiveSessions, m.PendingConflicts, m.LastCheckpointTs, m.CheckpointBytes,
		m.SubmissionDuration, m.CheckpointDuration, m.GCDuration,
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordSubmission records one processed submission.
func (m *Metrics) RecordSubmission(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.SubmissionsTotal.WithLabelValues(outcome).Inc()
	m.SubmissionDuration.WithLabelValues(outcome).Observe(took.Seconds())
}

// RecordChanges counts n changes entering status.
func (m *Metrics) RecordChanges(status string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ChangesTotal.WithLabelValues(status).Add(float64(n))
}

// RecordConflict counts a detected conflict.
func (m *Metrics) RecordConflict(typ, severity string) {
	if m == nil {
		return
	}
	m.ConflictsDetected.WithLabelValues(typ, severity).Inc()
}

// RecordResolution counts a resolved conflict.
func (m *Metrics) RecordResolution(strategy string) {
	if m == nil {
		return
	}
	m.ConflictsResolved.WithLabelValues(strategy).Inc()
}

// RecordRateLimited counts a refused submission.
func (m *Metrics) RecordRateLimited(producer string) {
	if m == nil {
		return
	}
	m.RateLimitedTotal.WithLabelValues(producer).Inc()
}

// RecordPruned counts changes removed by TTL maintenance.
func (m *Metrics) RecordPruned(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.PrunedChangesTotal.Add(float64(n))
}

// SetState updates the store gauges.
func (m *Metrics) SetState(documents, activeSessions, pendingConflicts int) {
	if m == nil {
		return
	}
	m.Documents.Set(float64(documents))
	m.ActiveSessions.Set(float64(activeSessions))
	m.PendingConflicts.Set(float64(pendingConflicts))
}

// CheckpointSaved implements recovery.Observer.
func (m *Metrics) CheckpointSaved(size int, took time.Duration) {
	if m == nil {
		return
	}
	m.CheckpointsTotal.WithLabelValues("success").Inc()
	m.CheckpointDuration.Observe(took.Seconds())
	m.CheckpointBytes.Set(float64(size))
	m.LastCheckpointTs.SetToCurrentTime()
}

// CheckpointFailed implements recovery.Observer.
func (m *Metrics) CheckpointFailed(error) {
	if m == nil {
		return
	}
	m.CheckpointsTotal.WithLabelValues("failure").Inc()
}

// Recovered implements recovery.Observer.
func (m *Metrics) Recovered(info *recovery.RecoveryInfo) {
	if m == nil || info == nil {
		return
	}
	result := "success"
	if !info.Success {
		result = "failure"
	}
	m.RecoveriesTotal.WithLabelValues(result).Inc()
}

// Compacted implements memory.Observer.
func (m *Metrics) Compacted(_ string, res memory.CompactionResult) {
	if m == nil {
		return
	}
	m.CompactionsTotal.WithLabelValues(res.Encoding.String()).Inc()
	m.ArchivedBytesTotal.Add(float64(res.StoredSize))
}

// Collected implements memory.Observer.
func (m *Metrics) Collected(res memory.GCResult) {
	if m == nil {
		return
	}
	if res.MemoryFreed > 0 {
		m.GCFreedBytesTotal.Add(float64(res.MemoryFreed))
	}
	m.GCDuration.Observe(res.Duration.Seconds())
}

var (
	_ recovery.Observer = (*Metrics)(nil)
	_ memory.Observer   = (*Metrics)(nil)
)
