// Package observability assembles the Prometheus registry of airlog and
// adapts session status and health events to it.
package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/airlog/airlog/internal/observability/metrics"
)

// Metrics holds all the metric collectors for the application.
type Metrics struct {
	registry     *prometheus.Registry
	Session      *metrics.SessionMetrics
	Events       *metrics.EventMetrics
	Disk         *metrics.DiskMetrics
	Notification *metrics.NotificationMetrics
	MQTT         *metrics.MQTTMetrics
	Catalog      *metrics.CatalogMetrics
	Replication  *metrics.ReplicationMetrics
}

// NewMetrics creates a registry with every component collector. The session
// collector reads snapshot on each scrape; a nil snapshot leaves it out.
func NewMetrics(snapshot func() metrics.SessionSnapshot) (*Metrics, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{registry: registry}
	var err error

	if snapshot != nil {
		if m.Session, err = metrics.NewSessionMetrics(registry, snapshot); err != nil {
			return nil, fmt.Errorf("failed to create session metrics: %w", err)
		}
	}
	if m.Events, err = metrics.NewEventMetrics(registry); err != nil {
		return nil, fmt.Errorf("failed to create event metrics: %w", err)
	}
	if m.Disk, err = metrics.NewDiskMetrics(registry); err != nil {
		return nil, fmt.Errorf("failed to create disk metrics: %w", err)
	}
	if m.Notification, err = metrics.NewNotificationMetrics(registry); err != nil {
		return nil, fmt.Errorf("failed to create notification metrics: %w", err)
	}
	if m.MQTT, err = metrics.NewMQTTMetrics(registry); err != nil {
		return nil, fmt.Errorf("failed to create MQTT metrics: %w", err)
	}
	if m.Catalog, err = metrics.NewCatalogMetrics(registry); err != nil {
		return nil, fmt.Errorf("failed to create catalog metrics: %w", err)
	}
	if m.Replication, err = metrics.NewReplicationMetrics(registry); err != nil {
		return nil, fmt.Errorf("failed to create replication metrics: %w", err)
	}

	return m, nil
}

// Registry returns the registry all collectors are registered with
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorLog:      promLogger{},
		ErrorHandling: promhttp.ContinueOnError,
	})
}
