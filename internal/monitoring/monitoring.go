// Package monitoring exposes the settlement core's Prometheus metrics.
// Grounded on the teacher's internal/escrow/metrics.go shape (a single
// struct of promauto-registered vectors with one Record*/Update* method per
// concern), retargeted from Economic Barrier entropy/trust metrics to HTTP,
// outbox delivery, and scheduler tick metrics (SPEC_FULL.md §2 DOMAIN
// STACK).
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the settlement core registers,
// plus the registry they're bound to. A dedicated registry (rather than the
// global prometheus.DefaultRegisterer the teacher's escrow.NewMetrics
// implicitly targets) keeps New() safe to call more than once per process —
// every test in this package constructs its own Metrics, which would panic
// on duplicate registration against a shared global registry.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	OutboxDeliveriesTotal  *prometheus.CounterVec
	OutboxDeliveryDuration *prometheus.HistogramVec
	OutboxDLQTotal         *prometheus.CounterVec
	OutboxPendingDepth     *prometheus.GaugeVec

	SchedulerTicksTotal  *prometheus.CounterVec
	SchedulerTickLatency prometheus.Histogram

	WorkOrdersByStatus *prometheus.GaugeVec
}

// New constructs every collector and registers it against a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settld_http_requests_total",
				Help: "Total number of HTTP requests served, by route and status class.",
			},
			[]string{"route", "method", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "settld_http_request_duration_seconds",
				Help:    "HTTP request handling latency.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
		OutboxDeliveriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settld_outbox_deliveries_total",
				Help: "Total outbox delivery attempts, by destination and outcome.",
			},
			[]string{"destination_id", "outcome"}, // outcome: delivered, failed
		),
		OutboxDeliveryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "settld_outbox_delivery_duration_seconds",
				Help:    "Outbox delivery attempt latency, per destination.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"destination_id"},
		),
		OutboxDLQTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settld_outbox_dlq_total",
				Help: "Total outbox messages moved to the dead-letter state.",
			},
			[]string{"tenant_id"},
		),
		OutboxPendingDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "settld_outbox_pending_depth",
				Help: "Outbox messages currently pending delivery, per tenant.",
			},
			[]string{"tenant_id"},
		),
		SchedulerTicksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settld_scheduler_ticks_total",
				Help: "Total autotick scheduler ticks, by outcome.",
			},
			[]string{"outcome"}, // outcome: ok, error
		),
		SchedulerTickLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "settld_scheduler_tick_duration_seconds",
				Help:    "Duration of a single autotick scheduler tick.",
				Buckets: prometheus.DefBuckets,
			},
		),
		WorkOrdersByStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "settld_work_orders_by_status",
				Help: "Current count of work orders in each status, per tenant.",
			},
			[]string{"tenant_id", "status"},
		),
	}
}

// RecordHTTPRequest records one completed HTTP request.
func (m *Metrics) RecordHTTPRequest(route, method string, status int, duration time.Duration) {
	statusClass := statusClassOf(status)
	m.HTTPRequestsTotal.WithLabelValues(route, method, statusClass).Inc()
	m.HTTPRequestDuration.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordOutboxDelivery records one outbox delivery attempt.
func (m *Metrics) RecordOutboxDelivery(destinationID string, delivered bool, duration time.Duration) {
	outcome := "failed"
	if delivered {
		outcome = "delivered"
	}
	m.OutboxDeliveriesTotal.WithLabelValues(destinationID, outcome).Inc()
	m.OutboxDeliveryDuration.WithLabelValues(destinationID).Observe(duration.Seconds())
}

// RecordOutboxDLQ records a message reaching the dead-letter state.
func (m *Metrics) RecordOutboxDLQ(tenantID string) {
	m.OutboxDLQTotal.WithLabelValues(tenantID).Inc()
}

// SetOutboxPendingDepth reports the current pending-delivery backlog.
func (m *Metrics) SetOutboxPendingDepth(tenantID string, depth int) {
	m.OutboxPendingDepth.WithLabelValues(tenantID).Set(float64(depth))
}

// RecordSchedulerTick records one autotick scheduler pass.
func (m *Metrics) RecordSchedulerTick(err error, duration time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.SchedulerTicksTotal.WithLabelValues(outcome).Inc()
	m.SchedulerTickLatency.Observe(duration.Seconds())
}

// SetWorkOrdersByStatus reports the current per-status work order count for
// a tenant, overwriting any prior value for that (tenant, status) pair.
func (m *Metrics) SetWorkOrdersByStatus(tenantID, status string, count int) {
	m.WorkOrdersByStatus.WithLabelValues(tenantID, status).Set(float64(count))
}

func statusClassOf(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "unknown"
	}
}
