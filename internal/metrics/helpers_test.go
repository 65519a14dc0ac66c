package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, g.Write(m))
	return m.GetGauge().GetValue()
}

func writeHistogram(t *testing.T, h prometheus.Histogram) *dto.Metric {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, h.Write(m))
	return m
}
