// Package metrics exposes Prometheus metrics for the execution core.
//
// Every recording method is safe to call on a nil *Metrics so components can
// run without instrumentation in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "perpbot"

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	registry *prometheus.Registry

	// Execution metrics
	SignalsProcessed *prometheus.CounterVec
	OrderTransitions *prometheus.CounterVec
	TrackedOrders    prometheus.Gauge
	Admissions       *prometheus.CounterVec

	// Consistency metrics
	ReconcileRuns     *prometheus.CounterVec
	ReconcileDuration prometheus.Histogram
	OrphansClosed     prometheus.Counter
	MarginUsage       prometheus.Gauge

	// Dependency health
	GatewayErrors *prometheus.CounterVec
	Escalations   *prometheus.CounterVec
	PriceTicks    prometheus.Counter
}

// New creates a Metrics instance registered on its own registry, along with
// the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		SignalsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "signals_processed_total",
			Help:      "Signals processed by outcome",
		}, []string{"outcome"}),
		OrderTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "order_transitions_total",
			Help:      "Order lifecycle transitions by resulting status and cancel reason",
		}, []string{"status", "reason"}),
		TrackedOrders: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "tracked_orders",
			Help:      "Live limit orders held by the tracker",
		}),
		Admissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "admissions_total",
			Help:      "Budget admission decisions by result and reason",
		}, []string{"result", "reason"}),

		ReconcileRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "runs_total",
			Help:      "Reconciliation passes by result",
		}, []string{"result"}),
		ReconcileDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "duration_seconds",
			Help:      "Duration of reconciliation passes",
			Buckets:   prometheus.DefBuckets,
		}),
		OrphansClosed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "orphans_closed_total",
			Help:      "Ledger positions closed because the exchange no longer holds them",
		}),
		MarginUsage: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "margin_usage_ratio",
			Help:      "Committed margin divided by account balance at the last check",
		}),

		GatewayErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "errors_total",
			Help:      "Exchange gateway call failures by operation",
		}, []string{"op"}),
		Escalations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "escalations_total",
			Help:      "Critical alerts raised after repeated failures",
		}, []string{"key"}),
		PriceTicks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "price_ticks_total",
			Help:      "Price ticks received from the exchange stream",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveSignal counts a processed signal.
func (m *Metrics) ObserveSignal(outcome string) {
	if m == nil {
		return
	}
	m.SignalsProcessed.WithLabelValues(outcome).Inc()
}

// ObserveOrderTransition counts an order status change.
func (m *Metrics) ObserveOrderTransition(status, reason string) {
	if m == nil {
		return
	}
	m.OrderTransitions.WithLabelValues(status, reason).Inc()
}

// SetTrackedOrders updates the live order gauge.
func (m *Metrics) SetTrackedOrders(n int) {
	if m == nil {
		return
	}
	m.TrackedOrders.Set(float64(n))
}

// ObserveAdmission counts a risk or margin decision.
func (m *Metrics) ObserveAdmission(allowed bool, reason string) {
	if m == nil {
		return
	}
	result := "denied"
	if allowed {
		result = "allowed"
	}
	m.Admissions.WithLabelValues(result, reason).Inc()
}

// ObserveReconcile records a reconciliation pass.
func (m *Metrics) ObserveReconcile(result string, d time.Duration, orphans int) {
	if m == nil {
		return
	}
	m.ReconcileRuns.WithLabelValues(result).Inc()
	m.ReconcileDuration.Observe(d.Seconds())
	m.OrphansClosed.Add(float64(orphans))
}

// SetMarginUsage updates the margin usage gauge.
func (m *Metrics) SetMarginUsage(ratio float64) {
	if m == nil {
		return
	}
	m.MarginUsage.Set(ratio)
}

// GatewayError counts a failed gateway call.
func (m *Metrics) GatewayError(op string) {
	if m == nil {
		return
	}
	m.GatewayErrors.WithLabelValues(op).Inc()
}

// Escalation counts a raised critical alert.
func (m *Metrics) Escalation(key string) {
	if m == nil {
		return
	}
	m.Escalations.WithLabelValues(key).Inc()
}

// PriceTick counts a received price tick.
func (m *Metrics) PriceTick() {
	if m == nil {
		return
	}
	m.PriceTicks.Inc()
}
