// Package metrics provides Prometheus metrics for the relay.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "signalrelay"

// Metrics holds the relay's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	SignalsTotal      *prometheus.CounterVec
	SuppressedTotal   *prometheus.CounterVec
	OrdersTotal       *prometheus.CounterVec
	OrderErrorsTotal  *prometheus.CounterVec
	FlattenRunsTotal  *prometheus.CounterVec
	BracketsArmed     prometheus.Counter
	BrokerLatency     *prometheus.HistogramVec
	HandleDuration    prometheus.Histogram
	LastSignalSeconds prometheus.Gauge
}

// New creates a Metrics instance on its own registry, so several engines
// (or tests) can coexist in one process.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		SignalsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_total",
			Help:      "Alerts received by action",
		}, []string{"action"}),
		SuppressedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suppressed_total",
			Help:      "Alerts suppressed by reason",
		}, []string{"reason"}),
		OrdersTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_total",
			Help:      "Orders accepted by the broker",
		}, []string{"intent", "side", "type"}),
		OrderErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_errors_total",
			Help:      "Failed broker interactions by error kind",
		}, []string{"kind"}),
		FlattenRunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flatten_runs_total",
			Help:      "Flatten-all runs by trigger",
		}, []string{"trigger"}),
		BracketsArmed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "brackets_armed_total",
			Help:      "Take-profit/stop-loss pairs placed",
		}),
		BrokerLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "broker_call_seconds",
			Help:      "Broker call latency",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"op"}),
		HandleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "signal_handle_seconds",
			Help:      "End-to-end alert handling time",
			Buckets:   prometheus.DefBuckets,
		}),
		LastSignalSeconds: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_signal_timestamp_seconds",
			Help:      "Unix time of the last alert",
		}),
	}
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves m in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Signal records an inbound alert.
func (m *Metrics) Signal(action string) {
	if m == nil {
		return
	}
	m.SignalsTotal.WithLabelValues(action).Inc()
	m.LastSignalSeconds.SetToCurrentTime()
}

// Suppressed records a suppressed alert.
func (m *Metrics) Suppressed(reason string) {
	if m == nil {
		return
	}
	m.SuppressedTotal.WithLabelValues(reason).Inc()
}

// Order records an accepted order.
func (m *Metrics) Order(intent, side, orderType string) {
	if m == nil {
		return
	}
	m.OrdersTotal.WithLabelValues(intent, side, orderType).Inc()
}

// OrderError records a failed broker interaction.
func (m *Metrics) OrderError(kind string) {
	if m == nil {
		return
	}
	m.OrderErrorsTotal.WithLabelValues(kind).Inc()
}

// Flatten records a flatten-all run.
func (m *Metrics) Flatten(trigger string) {
	if m == nil {
		return
	}
	m.FlattenRunsTotal.WithLabelValues(trigger).Inc()
}

// BracketArmed records a placed bracket.
func (m *Metrics) BracketArmed() {
	if m == nil {
		return
	}
	m.BracketsArmed.Inc()
}

// ObserveBroker records the latency of a broker call started at start.
func (m *Metrics) ObserveBroker(op string, start time.Time) {
	if m == nil {
		return
	}
	m.BrokerLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// ObserveHandle records end-to-end handling time.
func (m *Metrics) ObserveHandle(start time.Time) {
	if m == nil {
		return
	}
	m.HandleDuration.Observe(time.Since(start).Seconds())
}
