package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

var (
	// Exchange connection metrics
	ExchangeConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "arb_exchange_connections",
			Help: "Number of active exchange WebSocket connections",
		},
		[]string{"exchange"},
	)

	ExchangeMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arb_exchange_messages_total",
			Help: "Total messages received from exchanges",
		},
		[]string{"exchange"},
	)

	ExchangeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arb_exchange_errors_total",
			Help: "Total exchange connection errors",
		},
		[]string{"exchange", "error_type"},
	)

	ExchangeReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arb_exchange_reconnects_total",
			Help: "Total reconnect attempts by exchange",
		},
		[]string{"exchange"},
	)

	// Aggregator metrics
	TickerEmissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arb_ticker_emissions_total",
			Help: "Per-second records emitted by aggregators",
		},
		[]string{"exchange", "kind"}, // real, synthetic
	)

	LateTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arb_late_ticks_total",
			Help: "Ticks dropped because their second was already closed",
		},
		[]string{"exchange"},
	)

	// Publishing metrics
	PublishSuccess = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arb_publish_success_total",
			Help: "Total successful Redis publishes",
		},
		[]string{"channel_type"},
	)

	PublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arb_publish_failures_total",
			Help: "Total failed Redis publishes",
		},
		[]string{"channel_type"},
	)

	PublishSuccessRatio = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "arb_publish_success_ratio",
			Help: "Share of successful publishes (0-1)",
		},
		[]string{"channel_type"},
	)

	PublishLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "arb_publish_latency_ms",
			Help:    "Redis set+publish latency in milliseconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 50, 100},
		},
		[]string{"channel_type"},
	)

	// Subscription metrics
	ActiveChannels = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "arb_pubsub_active_channels",
			Help: "Channels subscribed on the shared pub/sub connection",
		},
	)

	TransportCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arb_pubsub_transport_calls_total",
			Help: "Transport-level subscribe/unsubscribe calls",
		},
		[]string{"op"},
	)

	// Arbitrage metrics
	Evaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arb_evaluations_total",
			Help: "Opportunity evaluations by symbol",
		},
		[]string{"symbol"},
	)

	OpportunitiesFound = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arb_opportunities_found_total",
			Help: "Evaluations that produced an opportunity",
		},
		[]string{"symbol"},
	)

	Executions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arb_executions_total",
			Help: "Execution attempts by outcome",
		},
		[]string{"symbol", "outcome"}, // on_chain, failed, store_error
	)

	ChainWriteLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "arb_chain_write_latency_ms",
			Help:    "Blockchain write latency in milliseconds",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
	)

	// Client stream metrics
	StreamConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "arb_stream_connections",
			Help: "Open client WebSocket connections",
		},
		[]string{"type"}, // ticker, monitor
	)

	StreamFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arb_stream_frames_total",
			Help: "Frames sent to clients",
		},
		[]string{"type"}, // snapshot, update, error
	)
)

// RecordPublish records a publish outcome and refreshes the success ratio
func RecordPublish(channelType string, ok bool) {
	if ok {
		PublishSuccess.WithLabelValues(channelType).Inc()
	} else {
		PublishFailures.WithLabelValues(channelType).Inc()
	}
	updatePublishRatio(channelType)
}

// updatePublishRatio reads the counters back through dto.Metric. Approximate,
// use PromQL for exact ratios.
func updatePublishRatio(channelType string) {
	ok, _ := PublishSuccess.GetMetricWithLabelValues(channelType)
	failed, _ := PublishFailures.GetMetricWithLabelValues(channelType)
	if ok == nil || failed == nil {
		return
	}

	okMetric := &dto.Metric{}
	failedMetric := &dto.Metric{}
	if ok.Write(okMetric) != nil || failed.Write(failedMetric) != nil {
		return
	}

	okVal := okMetric.GetCounter().GetValue()
	total := okVal + failedMetric.GetCounter().GetValue()
	if total > 0 {
		PublishSuccessRatio.WithLabelValues(channelType).Set(okVal / total)
	}
}

// CounterValue returns the current value of a counter (tests, health output)
func CounterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

// TrackLatency is a helper to measure and record latency
func TrackLatency(start time.Time, histogram prometheus.Observer) {
	duration := time.Since(start).Milliseconds()
	histogram.Observe(float64(duration))
}
