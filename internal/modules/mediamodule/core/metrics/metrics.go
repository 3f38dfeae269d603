// Package metrics holds the prometheus collectors of the media pipeline.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline stages
const (
	StageAssembling       = "assembling"
	StageProbing          = "probing"
	StageEncoding         = "encoding"
	StageUploading        = "uploading"
	StageManifestBuilding = "manifest_building"
)

// Metrics groups every collector the module exports
type Metrics struct {
	runs           *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	encodeFailures *prometheus.CounterVec
	activeRuns     *prometheus.GaugeVec
	rollbacks      *prometheus.CounterVec
	cleanupDeleted *prometheus.CounterVec
	sessions       *prometheus.CounterVec
}

// New registers the collectors on reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "beatdrop",
			Name:      "pipeline_runs_total",
			Help:      "Pipeline runs by media kind and outcome",
		}, []string{"kind", "outcome"}),
		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "beatdrop",
			Name:      "pipeline_stage_duration_seconds",
			Help:      "Time spent in each pipeline stage",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"kind", "stage"}),
		encodeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "beatdrop",
			Name:      "encode_failures_total",
			Help:      "Encoder failures by operation",
		}, []string{"op"}),
		activeRuns: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "beatdrop",
			Name:      "pipeline_active_runs",
			Help:      "Pipeline runs currently in progress",
		}, []string{"kind"}),
		rollbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "beatdrop",
			Name:      "rollback_objects_total",
			Help:      "Objects deleted while rolling back failed runs",
		}, []string{"kind"}),
		cleanupDeleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "beatdrop",
			Name:      "cleanup_deleted_total",
			Help:      "Items removed by the cleanup scheduler",
		}, []string{"item"}),
		sessions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "beatdrop",
			Name:      "upload_sessions_total",
			Help:      "Upload session status changes",
		}, []string{"status"}),
	}
}

// RunStarted marks a run in progress and returns the func that ends it
func (m *Metrics) RunStarted(kind string) func(err error) {
	if m == nil {
		return func(error) {}
	}
	m.activeRuns.WithLabelValues(kind).Inc()
	return func(err error) {
		m.activeRuns.WithLabelValues(kind).Dec()
		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		m.runs.WithLabelValues(kind, outcome).Inc()
	}
}

// ObserveStage records how long a stage took
func (m *Metrics) ObserveStage(kind, stage string, started time.Time) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(kind, stage).Observe(time.Since(started).Seconds())
}

// EncodeFailed counts one failed encoder operation
func (m *Metrics) EncodeFailed(op string) {
	if m == nil {
		return
	}
	m.encodeFailures.WithLabelValues(op).Inc()
}

// RolledBack counts objects removed by a rollback
func (m *Metrics) RolledBack(kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.rollbacks.WithLabelValues(kind).Add(float64(n))
}

// CleanupDeleted counts sessions, chunks, temp dirs or playlist objects swept
func (m *Metrics) CleanupDeleted(item string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.cleanupDeleted.WithLabelValues(item).Add(float64(n))
}

// SessionStatus counts a session reaching status
func (m *Metrics) SessionStatus(status string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(status).Inc()
}
