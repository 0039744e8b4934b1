// Package metrics bundles the Prometheus instruments for the execution
// engine on a private registry so tests never collide on the global one.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	registry *prometheus.Registry

	OrdersSubmitted    prometheus.Counter
	OrdersAcknowledged prometheus.Counter
	OrdersFilled       prometheus.Counter
	OrdersRejected     prometheus.Counter
	OrdersFailed       prometheus.Counter
	RiskBlocks         *prometheus.CounterVec
	AdapterRetries     prometheus.Counter
	RiskUtilization    *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.OrdersSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orders_submitted_total",
		Help: "Orders admitted past the mode guard and idempotency reservation.",
	})
	m.OrdersAcknowledged = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orders_acknowledged_total",
		Help: "Orders acknowledged by a venue adapter.",
	})
	m.OrdersFilled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orders_filled_total",
		Help: "Orders that reached the FILLED state.",
	})
	m.OrdersRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orders_rejected_total",
		Help: "Orders rejected by the risk gate.",
	})
	m.OrdersFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orders_failed_total",
		Help: "Orders that exhausted retries or hit a non-retryable venue error.",
	})
	m.RiskBlocks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "risk_blocks_total",
		Help: "Risk gate blocks by limit.",
	}, []string{"limit_id"})
	m.AdapterRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "adapter_retries_total",
		Help: "Redispatches scheduled after retryable adapter errors.",
	})
	m.RiskUtilization = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "risk_limit_utilization",
		Help: "Most recent current/threshold ratio per limit, capped at 1.0.",
	}, []string{"limit_id"})

	m.registry.MustRegister(
		m.OrdersSubmitted, m.OrdersAcknowledged, m.OrdersFilled,
		m.OrdersRejected, m.OrdersFailed, m.RiskBlocks,
		m.AdapterRetries, m.RiskUtilization,
	)
	return m
}

// Registry exposes the private registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveDecision records the risk gate outcome.
func (m *Metrics) ObserveDecision(blockedBy []string, utilization map[string]float64) {
	for id, u := range utilization {
		m.RiskUtilization.WithLabelValues(id).Set(u)
	}
	for _, id := range blockedBy {
		m.RiskBlocks.WithLabelValues(id).Inc()
	}
}
