package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func TestRecordPublishUpdatesRatio(t *testing.T) {
	RecordPublish("test_ratio", true)
	RecordPublish("test_ratio", true)
	RecordPublish("test_ratio", true)
	RecordPublish("test_ratio", false)

	assert.Equal(t, 3.0, CounterValue(PublishSuccess.WithLabelValues("test_ratio")))
	assert.Equal(t, 1.0, CounterValue(PublishFailures.WithLabelValues("test_ratio")))

	g, err := PublishSuccessRatio.GetMetricWithLabelValues("test_ratio")
	assert.NoError(t, err)
	assert.InDelta(t, 0.75, gaugeValue(t, g), 1e-9)
}

func TestTrackLatency(t *testing.T) {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "test_latency_ms"})
	TrackLatency(time.Now().Add(-5*time.Millisecond), h)

	m := writeHistogram(t, h)
	assert.Equal(t, uint64(1), m.GetHistogram().GetSampleCount())
	assert.GreaterOrEqual(t, m.GetHistogram().GetSampleSum(), 5.0)
}
