package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// CatalogMetrics contains Prometheus metrics for the chunk catalog database
type CatalogMetrics struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	errorsTotal       *prometheus.CounterVec
	rowsGauge         *prometheus.GaugeVec

	collectors []prometheus.Collector
}

// NewCatalogMetrics creates and registers catalog metrics
func NewCatalogMetrics(registry *prometheus.Registry) (*CatalogMetrics, error) {
	m := &CatalogMetrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *CatalogMetrics) initMetrics() {
	m.operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airlog_catalog_operations_total",
			Help: "Total number of catalog database operations",
		},
		[]string{"operation", "status"},
	)

	m.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "airlog_catalog_operation_duration_seconds",
			Help:    "Time taken for catalog database operations",
			Buckets: prometheus.ExponentialBuckets(BucketStart1ms, BucketFactor2, BucketCount12), // 1ms to ~4s
		},
		[]string{"operation"},
	)

	m.errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airlog_catalog_errors_total",
			Help: "Total number of catalog database errors",
		},
		[]string{"operation", "error_type"},
	)

	m.rowsGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "airlog_catalog_rows",
			Help: "Rows written to each catalog table since start",
		},
		[]string{"table"},
	)

	m.collectors = []prometheus.Collector{
		m.operationsTotal, m.operationDuration, m.errorsTotal, m.rowsGauge,
	}
}

// RecordOperation implements Recorder
func (m *CatalogMetrics) RecordOperation(operation, status string) {
	m.operationsTotal.WithLabelValues(operation, status).Inc()
	if status != StatusSuccess {
		return
	}
	switch operation {
	case OpChunkInsert:
		m.rowsGauge.WithLabelValues("chunks").Inc()
	case OpHealthInsert:
		m.rowsGauge.WithLabelValues("health_events").Inc()
	}
}

// RecordDuration implements Recorder
func (m *CatalogMetrics) RecordDuration(operation string, seconds float64) {
	m.operationDuration.WithLabelValues(operation).Observe(seconds)
}

// RecordError implements Recorder
func (m *CatalogMetrics) RecordError(operation, errorType string) {
	m.errorsTotal.WithLabelValues(operation, errorType).Inc()
}

// Describe implements the prometheus.Collector interface
func (m *CatalogMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
}

// Collect implements the prometheus.Collector interface
func (m *CatalogMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}
}
