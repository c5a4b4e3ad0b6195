package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// DiskMetrics tracks usage of the archive file system
type DiskMetrics struct {
	usedBytes     *prometheus.GaugeVec
	totalBytes    *prometheus.GaugeVec
	usedPercent   *prometheus.GaugeVec
	checkDuration prometheus.Histogram
	checkErrors   prometheus.Counter
	collectors    []prometheus.Collector
}

// NewDiskMetrics creates and registers disk metrics
func NewDiskMetrics(registry *prometheus.Registry) (*DiskMetrics, error) {
	m := &DiskMetrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *DiskMetrics) initMetrics() {
	m.usedBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "airlog_disk_used_bytes",
		Help: "Used bytes on the file system holding the archive",
	}, []string{"path"})

	m.totalBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "airlog_disk_total_bytes",
		Help: "Size of the file system holding the archive",
	}, []string{"path"})

	m.usedPercent = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "airlog_disk_used_percent",
		Help: "Used space of the archive file system in percent",
	}, []string{"path"})

	m.checkDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "airlog_disk_check_duration_seconds",
		Help:    "Time taken to read disk usage",
		Buckets: prometheus.ExponentialBuckets(BucketStart1ms, BucketFactor2, BucketCount10),
	})

	m.checkErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "airlog_disk_check_errors_total",
		Help: "Failed disk usage reads",
	})

	m.collectors = []prometheus.Collector{
		m.usedBytes, m.totalBytes, m.usedPercent, m.checkDuration, m.checkErrors,
	}
}

// UpdateUsage records the latest usage of path
func (m *DiskMetrics) UpdateUsage(path string, used, total uint64, percent float64) {
	m.usedBytes.WithLabelValues(path).Set(float64(used))
	m.totalBytes.WithLabelValues(path).Set(float64(total))
	m.usedPercent.WithLabelValues(path).Set(percent)
}

// ObserveCheck records the duration of one usage read
func (m *DiskMetrics) ObserveCheck(seconds float64, err error) {
	m.checkDuration.Observe(seconds)
	if err != nil {
		m.checkErrors.Inc()
	}
}

// Describe implements the prometheus.Collector interface
func (m *DiskMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors {
		c.Describe(ch)
	}
}

// Collect implements the prometheus.Collector interface
func (m *DiskMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors {
		c.Collect(ch)
	}
}
