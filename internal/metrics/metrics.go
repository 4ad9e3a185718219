package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the signal pipeline.
type Metrics struct {
	registry *prometheus.Registry

	CandlesProcessed *prometheus.CounterVec // labels: interval
	CandlesDeduped   prometheus.Counter
	WSReconnects     prometheus.Counter
	BusDrops         *prometheus.CounterVec // labels: event_type

	EvaluationsTotal prometheus.Counter
	EvaluationDur    prometheus.Histogram
	SignalsEmitted   prometheus.Counter
	StrategiesActive prometheus.Gauge
	StrategyErrors   prometheus.Counter

	DecisionsTotal *prometheus.CounterVec // labels: decision
	OracleLatency  prometheus.Histogram
	OracleErrors   prometheus.Counter

	PositionsOpen  prometheus.Gauge
	OrdersPlaced   *prometheus.CounterVec // labels: mode, side
	StoreFallbacks prometheus.Counter
	ErrorsTotal    *prometheus.CounterVec // labels: component
}

// New registers and returns all pipeline metrics on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		CandlesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_candles_processed_total",
			Help: "Closed candles accepted from the exchange stream (by interval)",
		}, []string{"interval"}),
		CandlesDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_candles_deduped_total",
			Help: "Duplicate closed candles discarded before publication",
		}),
		WSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_ws_reconnects_total",
			Help: "WebSocket reconnection attempts",
		}),
		BusDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_bus_drops_total",
			Help: "Events shed from slow subscriber buffers (by event type)",
		}, []string{"event_type"}),

		EvaluationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_evaluations_total",
			Help: "Strategy filter evaluations executed",
		}),
		EvaluationDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pipeline_evaluation_duration_seconds",
			Help:    "Filter evaluation latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),
		SignalsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_signals_emitted_total",
			Help: "Signals created from strategy matches",
		}),
		StrategiesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipeline_strategies_active",
			Help: "Enabled strategies currently scheduled",
		}),
		StrategyErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_strategy_errors_total",
			Help: "Filter evaluation errors",
		}),

		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_decisions_total",
			Help: "Oracle decisions applied (by decision kind)",
		}, []string{"decision"}),
		OracleLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pipeline_oracle_latency_seconds",
			Help:    "Oracle round-trip latency",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		OracleErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_oracle_errors_total",
			Help: "Oracle consults that failed after retry",
		}),

		PositionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipeline_positions_open",
			Help: "Positions currently open",
		}),
		OrdersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_orders_placed_total",
			Help: "Orders placed (by mode and side)",
		}, []string{"mode", "side"}),
		StoreFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_store_fallbacks_total",
			Help: "Writes routed to the in-memory store while the database was unreachable",
		}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_errors_total",
			Help: "Errors by component",
		}, []string{"component"}),
	}

	m.registry.MustRegister(
		m.CandlesProcessed,
		m.CandlesDeduped,
		m.WSReconnects,
		m.BusDrops,
		m.EvaluationsTotal,
		m.EvaluationDur,
		m.SignalsEmitted,
		m.StrategiesActive,
		m.StrategyErrors,
		m.DecisionsTotal,
		m.OracleLatency,
		m.OracleErrors,
		m.PositionsOpen,
		m.OrdersPlaced,
		m.StoreFallbacks,
		m.ErrorsTotal,
	)

	return m
}

// Handler returns the HTTP handler serving the registry in Prometheus
// exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
