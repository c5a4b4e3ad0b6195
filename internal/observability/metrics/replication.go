package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ReplicationMetrics tracks chunk uploads to the remote archive
type ReplicationMetrics struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	errorsTotal       *prometheus.CounterVec
	uploadedBytes     prometheus.Counter
	uploadSize        prometheus.Histogram
	queueDepth        prometheus.Gauge

	collectors []prometheus.Collector
}

// NewReplicationMetrics creates and registers replication metrics
func NewReplicationMetrics(registry *prometheus.Registry) (*ReplicationMetrics, error) {
	m := &ReplicationMetrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *ReplicationMetrics) initMetrics() {
	m.operationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "airlog_replication_operations_total",
		Help: "Replication operations by outcome",
	}, []string{"operation", "status"})

	m.operationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "airlog_replication_operation_duration_seconds",
		Help:    "Time taken for replication operations",
		Buckets: prometheus.ExponentialBuckets(BucketStart10ms, BucketFactor2, BucketCount12),
	}, []string{"operation"})

	m.errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "airlog_replication_errors_total",
		Help: "Replication errors by operation and type",
	}, []string{"operation", "error_type"})

	m.uploadedBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "airlog_replication_uploaded_bytes_total",
		Help: "Bytes of chunk files uploaded",
	})

	m.uploadSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "airlog_replication_upload_size_bytes",
		Help:    "Size of uploaded chunk files",
		Buckets: prometheus.ExponentialBuckets(BucketStart1MB, BucketFactor2, BucketCount10),
	})

	m.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "airlog_replication_queue_depth",
		Help: "Chunks waiting for upload",
	})

	m.collectors = []prometheus.Collector{
		m.operationsTotal, m.operationDuration, m.errorsTotal,
		m.uploadedBytes, m.uploadSize, m.queueDepth,
	}
}

// RecordOperation implements Recorder
func (m *ReplicationMetrics) RecordOperation(operation, status string) {
	m.operationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordDuration implements Recorder
func (m *ReplicationMetrics) RecordDuration(operation string, seconds float64) {
	m.operationDuration.WithLabelValues(operation).Observe(seconds)
}

// RecordError implements Recorder
func (m *ReplicationMetrics) RecordError(operation, errorType string) {
	m.errorsTotal.WithLabelValues(operation, errorType).Inc()
}

// RecordUpload records a completed upload of size bytes
func (m *ReplicationMetrics) RecordUpload(size int64) {
	m.uploadedBytes.Add(float64(size))
	m.uploadSize.Observe(float64(size))
}

// SetQueueDepth records the number of chunks waiting for upload
func (m *ReplicationMetrics) SetQueueDepth(n int) {
	m.queueDepth.Set(float64(n))
}

// Describe implements the prometheus.Collector interface
func (m *ReplicationMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
}

// Collect implements the prometheus.Collector interface
func (m *ReplicationMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}
}
