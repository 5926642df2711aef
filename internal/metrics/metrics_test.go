package metrics_test

import (
	"testing"
	"time"

	"github.com/healthy-habitat/score-regions/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gather(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	families, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}

func counterValue(f *dto.MetricFamily, labels map[string]string) float64 {
	for _, m := range f.GetMetric() {
		match := true
		for _, lp := range m.GetLabel() {
			if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
				match = false
			}
		}
		if match {
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestScoringMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.NewScoringMetrics(reg)
	require.NoError(t, err)

	m.RecordEvent("blob_created", 200)
	m.RecordEvent("unrecognized", 400)
	m.RecordTile(metrics.OutcomeScored)
	m.RecordTile(metrics.OutcomeScored)
	m.RecordTile(metrics.OutcomeFailed)
	m.RecordPrediction("animal")
	m.RecordSkippedRole("habitat")
	m.RecordDroppedPrediction("animal")
	m.ObservePipeline("success", 3*time.Second)
	m.RecordSweep(2)
	m.RecordSweep(0)

	families := gather(t, reg)

	assert.Equal(t, 2.0, counterValue(families["scoring_tiles_processed_total"], map[string]string{"outcome": "scored"}))
	assert.Equal(t, 1.0, counterValue(families["scoring_tiles_processed_total"], map[string]string{"outcome": "failed"}))
	assert.Equal(t, 1.0, counterValue(families["scoring_events_received_total"], map[string]string{"kind": "unrecognized", "status": "4xx"}))
	assert.Equal(t, 1.0, counterValue(families["scoring_predictions_persisted_total"], map[string]string{"role": "animal"}))
	assert.Equal(t, 1.0, counterValue(families["scoring_roles_skipped_total"], map[string]string{"role": "habitat"}))
	assert.Equal(t, 1.0, counterValue(families["scoring_predictions_dropped_total"], map[string]string{"role": "animal"}))
	assert.Equal(t, 2.0, counterValue(families["scoring_workdirs_swept_total"], nil))

	hist := families["scoring_pipeline_duration_seconds"].GetMetric()[0].GetHistogram()
	assert.Equal(t, uint64(1), hist.GetSampleCount())
}

func TestScoringMetrics_NilIsNoop(t *testing.T) {
	var m *metrics.ScoringMetrics
	assert.NotPanics(t, func() {
		m.RecordEvent("blob_created", 500)
		m.RecordTile(metrics.OutcomeFailed)
		m.RecordPrediction("habitat")
		m.ObservePipeline("failure", time.Second)
		m.RecordSweep(1)
	})
}

func TestScoringMetrics_DoubleRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := metrics.NewScoringMetrics(reg)
	require.NoError(t, err)
	_, err = metrics.NewScoringMetrics(reg)
	assert.Error(t, err)
}
