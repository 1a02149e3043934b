package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Stream metrics
	StreamEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inchart_stream_events_total",
			Help: "Total kline events received from the exchange stream",
		},
		[]string{"symbol", "timeframe"},
	)

	StreamReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inchart_stream_reconnects_total",
			Help: "Total exchange stream connection attempts that failed and were retried",
		},
		[]string{"symbol", "timeframe"},
	)

	// Ingestion metrics
	KlinesPersisted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inchart_klines_persisted_total",
			Help: "Total closed klines written to the time-series store",
		},
		[]string{"symbol", "timeframe"},
	)

	IngestErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inchart_ingest_errors_total",
			Help: "Total ingestion failures by stage",
		},
		[]string{"stage"}, // persist, cache, publish
	)

	IngestLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "inchart_ingest_latency_ms",
			Help:    "Closed-kline processing latency in milliseconds",
			Buckets: []float64{0.5, 1, 5, 10, 50, 100, 500, 1000},
		},
	)

	// Backfill metrics
	BackfillPages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inchart_backfill_pages_total",
			Help: "Total historical pages fetched from the exchange REST API",
		},
		[]string{"symbol", "timeframe"},
	)

	BackfillKlines = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inchart_backfill_klines_total",
			Help: "Total klines written by the backfill engine",
		},
		[]string{"symbol", "timeframe"},
	)

	BackfillRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inchart_backfill_retries_total",
			Help: "Total historical fetches retried after rate limiting or network errors",
		},
	)

	// Query metrics
	QueryRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inchart_query_requests_total",
			Help: "Total kline queries served by tier outcome",
		},
		[]string{"source"}, // cache, store, merged
	)

	QueryLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "inchart_query_latency_ms",
			Help:    "Kline query latency in milliseconds",
			Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000},
		},
	)

	// Fanout metrics
	ActiveStreamClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "inchart_active_stream_clients",
			Help: "Number of connected live-update WebSocket clients",
		},
	)

	FanoutMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inchart_fanout_messages_total",
			Help: "Total envelopes forwarded to WebSocket clients",
		},
		[]string{"type"}, // kline_closed, kline_tick
	)

	PublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inchart_publish_failures_total",
			Help: "Total failed Redis publishes",
		},
		[]string{"type"},
	)
)

// TrackLatency measures elapsed time since start and records it in ms.
func TrackLatency(start time.Time, histogram prometheus.Observer) {
	histogram.Observe(float64(time.Since(start).Milliseconds()))
}
