package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// NotificationMetrics tracks delivery of health events to push providers
type NotificationMetrics struct {
	// Delivery outcome by kind and status (success, error, skipped)
	DeliveriesTotal  *prometheus.CounterVec
	DeliveryDuration prometheus.Histogram
	// Events not sent because of the rate limit or the kind filter
	FilteredTotal *prometheus.CounterVec

	collectors []prometheus.Collector
}

// NewNotificationMetrics creates and registers the notification collectors
func NewNotificationMetrics(registry *prometheus.Registry) (*NotificationMetrics, error) {
	m := &NotificationMetrics{
		DeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "airlog_notification_deliveries_total",
			Help: "Notification deliveries by event kind and status",
		}, []string{"kind", "status"}),
		DeliveryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "airlog_notification_delivery_duration_seconds",
			Help:    "Time taken to deliver one notification to all providers",
			Buckets: prometheus.ExponentialBuckets(BucketStart10ms, BucketFactor2, BucketCount12),
		}),
		FilteredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "airlog_notification_filtered_total",
			Help: "Events not delivered, by reason",
		}, []string{"reason"}),
	}
	m.collectors = []prometheus.Collector{m.DeliveriesTotal, m.DeliveryDuration, m.FilteredTotal}

	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register notification metrics: %w", err)
	}
	return m, nil
}

// RecordDelivery records one delivery attempt
func (m *NotificationMetrics) RecordDelivery(kind, status string, seconds float64) {
	m.DeliveriesTotal.WithLabelValues(kind, status).Inc()
	if status != StatusSkipped {
		m.DeliveryDuration.Observe(seconds)
	}
}

// RecordFiltered counts an event dropped before delivery ("kind", "rate_limit")
func (m *NotificationMetrics) RecordFiltered(reason string) {
	m.FilteredTotal.WithLabelValues(reason).Inc()
}

// Describe implements the prometheus.Collector interface
func (m *NotificationMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors {
		c.Describe(ch)
	}
}

// Collect implements the prometheus.Collector interface
func (m *NotificationMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors {
		c.Collect(ch)
	}
}
