// Package metrics provides Prometheus metrics for the region scoring pipeline
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Tile outcomes
const (
	OutcomeScored = "scored"
	OutcomeFailed = "failed"
)

// ScoringMetrics contains Prometheus metrics for event handling and tile scoring.
// A nil *ScoringMetrics is valid and records nothing.
type ScoringMetrics struct {
	registry *prometheus.Registry

	eventsReceivedTotal       *prometheus.CounterVec
	tilesProcessedTotal       *prometheus.CounterVec
	predictionsPersistedTotal *prometheus.CounterVec
	predictionsDroppedTotal   *prometheus.CounterVec
	rolesSkippedTotal         *prometheus.CounterVec
	pipelineDurationSeconds   *prometheus.HistogramVec
	workDirsSweptTotal        prometheus.Counter
}

// NewScoringMetrics creates and registers the scoring metrics
func NewScoringMetrics(registry *prometheus.Registry) (*ScoringMetrics, error) {
	m := &ScoringMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *ScoringMetrics) initMetrics() {
	m.eventsReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scoring_events_received_total",
			Help: "Total number of Event Grid events received",
		},
		[]string{"kind", "status"},
	)

	m.tilesProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scoring_tiles_processed_total",
			Help: "Total number of tiles processed",
		},
		[]string{"outcome"}, // scored, failed
	)

	m.predictionsPersistedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scoring_predictions_persisted_total",
			Help: "Total number of prediction records written",
		},
		[]string{"role"},
	)

	m.predictionsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scoring_predictions_dropped_total",
			Help: "Total number of predictions discarded for an out-of-range probability",
		},
		[]string{"role"},
	)

	m.rolesSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scoring_roles_skipped_total",
			Help: "Total number of tile scoring passes skipped because no model iteration was resolved",
		},
		[]string{"role"},
	)

	m.pipelineDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scoring_pipeline_duration_seconds",
			Help:    "Time taken to score one flight image",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~17m
		},
		[]string{"status"},
	)

	m.workDirsSweptTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scoring_workdirs_swept_total",
		Help: "Total number of abandoned work directories removed",
	})
}

// Describe implements the Collector interface
func (m *ScoringMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.eventsReceivedTotal.Describe(ch)
	m.tilesProcessedTotal.Describe(ch)
	m.predictionsPersistedTotal.Describe(ch)
	m.predictionsDroppedTotal.Describe(ch)
	m.rolesSkippedTotal.Describe(ch)
	m.pipelineDurationSeconds.Describe(ch)
	m.workDirsSweptTotal.Describe(ch)
}

// Collect implements the Collector interface
func (m *ScoringMetrics) Collect(ch chan<- prometheus.Metric) {
	m.eventsReceivedTotal.Collect(ch)
	m.tilesProcessedTotal.Collect(ch)
	m.predictionsPersistedTotal.Collect(ch)
	m.predictionsDroppedTotal.Collect(ch)
	m.rolesSkippedTotal.Collect(ch)
	m.pipelineDurationSeconds.Collect(ch)
	m.workDirsSweptTotal.Collect(ch)
}

func (m *ScoringMetrics) RecordEvent(kind string, status int) {
	if m == nil {
		return
	}
	m.eventsReceivedTotal.WithLabelValues(kind, statusClass(status)).Inc()
}

func (m *ScoringMetrics) RecordTile(outcome string) {
	if m == nil {
		return
	}
	m.tilesProcessedTotal.WithLabelValues(outcome).Inc()
}

func (m *ScoringMetrics) RecordPrediction(role string) {
	if m == nil {
		return
	}
	m.predictionsPersistedTotal.WithLabelValues(role).Inc()
}

func (m *ScoringMetrics) RecordDroppedPrediction(role string) {
	if m == nil {
		return
	}
	m.predictionsDroppedTotal.WithLabelValues(role).Inc()
}

func (m *ScoringMetrics) RecordSkippedRole(role string) {
	if m == nil {
		return
	}
	m.rolesSkippedTotal.WithLabelValues(role).Inc()
}

// ObservePipeline records how long one flight took; status is "success" or "failure"
func (m *ScoringMetrics) ObservePipeline(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.pipelineDurationSeconds.WithLabelValues(status).Observe(d.Seconds())
}

func (m *ScoringMetrics) RecordSweep(removed int) {
	if m == nil || removed <= 0 {
		return
	}
	m.workDirsSweptTotal.Add(float64(removed))
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	default:
		return "2xx"
	}
}
