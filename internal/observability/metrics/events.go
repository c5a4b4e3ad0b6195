package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// EventMetrics counts health events by kind
type EventMetrics struct {
	eventsTotal   *prometheus.CounterVec
	lastEventTime *prometheus.GaugeVec
	collectors    []prometheus.Collector
}

// NewEventMetrics creates and registers the health event collectors
func NewEventMetrics(registry *prometheus.Registry) (*EventMetrics, error) {
	m := &EventMetrics{
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "airlog_health_events_total",
			Help: "Health events published, by kind and component",
		}, []string{"kind", "component"}),
		lastEventTime: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "airlog_health_event_last_timestamp_seconds",
			Help: "Unix time of the most recent event of each kind",
		}, []string{"kind"}),
	}
	m.collectors = []prometheus.Collector{m.eventsTotal, m.lastEventTime}

	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register event metrics: %w", err)
	}
	return m, nil
}

// RecordEvent counts one event
func (m *EventMetrics) RecordEvent(kind, component string, unixSeconds float64) {
	m.eventsTotal.WithLabelValues(kind, component).Inc()
	m.lastEventTime.WithLabelValues(kind).Set(unixSeconds)
}

// Describe implements the prometheus.Collector interface
func (m *EventMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors {
		c.Describe(ch)
	}
}

// Collect implements the prometheus.Collector interface
func (m *EventMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors {
		c.Collect(ch)
	}
}
