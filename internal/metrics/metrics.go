// Package metrics holds the Prometheus collectors and the health/readiness
// HTTP surface for the gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"candlegate/internal/breaker"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	reg prometheus.Registerer

	QuotesProcessed  *prometheus.CounterVec // labels: exchange, contract_type, is_closed
	QuoteLatency     prometheus.Histogram   // frame receipt to fan-out delay
	ConnectionErrors *prometheus.CounterVec // labels: exchange, kind
	Reconnections    *prometheus.CounterVec // labels: exchange
	RESTBackfills    *prometheus.CounterVec // labels: exchange, outcome
	ParseErrors      *prometheus.CounterVec // labels: exchange

	ActiveConnections *prometheus.GaugeVec // labels: exchange, contract_type
	BreakerState      *prometheus.GaugeVec // labels: exchange, contract_type, session; 0=closed, 1=open, 2=half-open

	SubscriberDrops prometheus.Counter // quote frames shed by slow downstream clients
	Subscribers     prometheus.Gauge
}

// NewMetrics registers and returns all gateway metrics on the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reg: reg,

		QuotesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "connector_quotes_processed_total",
			Help: "Candles accepted into the pipeline",
		}, []string{"exchange", "contract_type", "is_closed"}),
		QuoteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "connector_quote_latency_seconds",
			Help:    "Internal pipeline delay from frame receipt to fan-out",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		ConnectionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "connector_connection_errors_total",
			Help: "Upstream connection failures by kind",
		}, []string{"exchange", "kind"}),
		Reconnections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "connector_reconnections_total",
			Help: "Upstream reconnection attempts",
		}, []string{"exchange"}),
		RESTBackfills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "connector_rest_backfills_total",
			Help: "REST backfill attempts by outcome",
		}, []string{"exchange", "outcome"}),
		ParseErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "connector_parse_errors_total",
			Help: "Inbound frames dropped as unparseable",
		}, []string{"exchange"}),

		ActiveConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "connector_active_connections",
			Help: "Live upstream WebSocket sessions",
		}, []string{"exchange", "contract_type"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "connector_circuit_breaker_state",
			Help: "Circuit breaker state per session (0=closed, 1=open, 2=half-open)",
		}, []string{"exchange", "contract_type", "session"}),

		SubscriberDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "connector_subscriber_drops_total",
			Help: "Quote frames shed because a subscriber buffer overflowed",
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "connector_subscribers",
			Help: "Connected downstream subscribers",
		}),
	}

	reg.MustRegister(
		m.QuotesProcessed,
		m.QuoteLatency,
		m.ConnectionErrors,
		m.Reconnections,
		m.RESTBackfills,
		m.ParseErrors,
		m.ActiveConnections,
		m.BreakerState,
		m.SubscriberDrops,
		m.Subscribers,
	)

	return m
}

// RegisterQueueStats wires the queue and dedup counters in as live
// collectors; the callbacks are read at scrape time.
func (m *Metrics) RegisterQueueStats(closedDepth, openDepth, blockingEvents, openDropped, duplicatesFiltered func() float64) {
	m.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "connector_queue_depth_closed",
			Help: "Closed-candle pipeline occupancy",
		}, closedDepth),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "connector_queue_depth_open",
			Help: "Open-candle pipeline occupancy",
		}, openDepth),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "connector_queue_blocking_events_total",
			Help: "Times a producer met a full closed pipeline",
		}, blockingEvents),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "connector_queue_open_dropped_total",
			Help: "Open candles shed on pipeline overflow",
		}, openDropped),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "connector_duplicates_filtered_total",
			Help: "Duplicate closed candles filtered",
		}, duplicatesFiltered),
	)
}

// SetBreakerState maps a breaker state onto the 0/1/2 gauge. Each session
// carries its own series so pools with several connections per exchange do
// not overwrite one another.
func (m *Metrics) SetBreakerState(exchange, contractType, session string, st breaker.State) {
	m.BreakerState.WithLabelValues(exchange, contractType, session).Set(float64(st))
}

// RemoveBreakerState drops a closed session's gauge series so scrapes do not
// report breakers that no longer exist.
func (m *Metrics) RemoveBreakerState(exchange, contractType, session string) {
	m.BreakerState.DeleteLabelValues(exchange, contractType, session)
}
