package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sango-pay/sango_pay/internal/breaker"
)

// Metrics aggregates the payment core's Prometheus instruments. A nil
// *Metrics is safe to call, so tests can skip registration.
type Metrics struct {
	paymentsTotal   *prometheus.CounterVec
	rejectedTotal   *prometheus.CounterVec
	reconciledTotal prometheus.Counter
}

// New registers the payment instruments on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		paymentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payments_total",
			Help: "Payments by terminal result.",
		}, []string{"result"}),
		rejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_rejections_total",
			Help: "Validation rejections by reason.",
		}, []string{"reason"}),
		reconciledTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "payments_reconciled_total",
			Help: "Stuck payments settled by the reconciliation job.",
		}),
	}
	reg.MustRegister(m.paymentsTotal, m.rejectedTotal, m.reconciledTotal)
	return m
}

// ObservePayment records a payment reaching a terminal result.
func (m *Metrics) ObservePayment(result string) {
	if m == nil {
		return
	}
	m.paymentsTotal.WithLabelValues(result).Inc()
}

// ObserveRejection records a validation rejection.
func (m *Metrics) ObserveRejection(reason string) {
	if m == nil {
		return
	}
	m.rejectedTotal.WithLabelValues(reason).Inc()
}

// ObserveReconciled records one payment settled by reconciliation.
func (m *Metrics) ObserveReconciled() {
	if m == nil {
		return
	}
	m.reconciledTotal.Inc()
}

// BreakerCollector exports per-dependency circuit state as gauges, reading
// the registry snapshot on every scrape.
type BreakerCollector struct {
	registry *breaker.Registry
	desc     *prometheus.Desc
	failures *prometheus.Desc
}

// NewBreakerCollector builds a collector over the breaker registry.
func NewBreakerCollector(registry *breaker.Registry) *BreakerCollector {
	return &BreakerCollector{
		registry: registry,
		desc: prometheus.NewDesc(
			"dependency_circuit_state",
			"Circuit state per dependency (0 closed, 1 half-open, 2 open).",
			[]string{"dependency"}, nil,
		),
		failures: prometheus.NewDesc(
			"dependency_consecutive_failures",
			"Consecutive transient failures per dependency.",
			[]string{"dependency"}, nil,
		),
	}
}

func (c *BreakerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
	ch <- c.failures
}

func (c *BreakerCollector) Collect(ch chan<- prometheus.Metric) {
	for _, h := range c.registry.Snapshot() {
		var state float64
		switch h.State {
		case breaker.StateHalfOpen:
			state = 1
		case breaker.StateOpen:
			state = 2
		}
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, state, h.Dependency)
		ch <- prometheus.MustNewConstMetric(c.failures, prometheus.GaugeValue, float64(h.ConsecutiveFailures), h.Dependency)
	}
}
