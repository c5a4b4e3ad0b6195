package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SessionSnapshot is the part of the session status exported as metrics
type SessionSnapshot struct {
	Active         bool
	Health         string
	FramesCaptured uint64
	BytesCaptured  uint64
	QueueDrops     uint64
	SinkDrops      uint64
	QuotaDrops     uint64
	QueueDepth     int
	Chunks         int
	ChunksToday    int
	DeviceRestarts int
	Level          float64
	Targets        []TargetSnapshot
}

// TargetSnapshot is the exported state of one stream target
type TargetSnapshot struct {
	Kind          string
	State         string
	BytesWritten  uint64
	FramesDropped uint64
}

// HealthStates are the values of the health label, in watchdog order
var HealthStates = []string{"HEALTHY", "STALLED", "RECOVERING", "FAILED"}

// TargetStates are the values of the target state label
var TargetStates = []string{"idle", "starting", "running", "stopping", "stopped", "failed"}

// SessionMetrics reads the session status at scrape time. Counters restart
// from zero with every session.
type SessionMetrics struct {
	snapshot func() SessionSnapshot

	active         *prometheus.Desc
	health         *prometheus.Desc
	framesCaptured *prometheus.Desc
	bytesCaptured  *prometheus.Desc
	drops          *prometheus.Desc
	queueDepth     *prometheus.Desc
	chunks         *prometheus.Desc
	chunksToday    *prometheus.Desc
	restarts       *prometheus.Desc
	level          *prometheus.Desc
	targetState    *prometheus.Desc
	targetBytes    *prometheus.Desc
	targetDrops    *prometheus.Desc
}

// NewSessionMetrics registers a collector calling snapshot on every scrape
func NewSessionMetrics(registry *prometheus.Registry, snapshot func() SessionSnapshot) (*SessionMetrics, error) {
	m := &SessionMetrics{
		snapshot: snapshot,
		active: prometheus.NewDesc("airlog_session_active",
			"1 while a capture session is running", nil, nil),
		health: prometheus.NewDesc("airlog_session_health",
			"Capture health state, 1 for the current state", []string{"state"}, nil),
		framesCaptured: prometheus.NewDesc("airlog_frames_captured_total",
			"Audio frames taken from the capture queue in this session", nil, nil),
		bytesCaptured: prometheus.NewDesc("airlog_bytes_captured_total",
			"PCM bytes taken from the capture queue in this session", nil, nil),
		drops: prometheus.NewDesc("airlog_frames_dropped_total",
			"Audio frames dropped in this session", []string{"stage"}, nil),
		queueDepth: prometheus.NewDesc("airlog_queue_depth_frames",
			"Frames waiting in the capture queue", nil, nil),
		chunks: prometheus.NewDesc("airlog_chunks_finalized_total",
			"WAV chunks finalized in this session", nil, nil),
		chunksToday: prometheus.NewDesc("airlog_chunks_today",
			"Chunks opened on the current archive day", nil, nil),
		restarts: prometheus.NewDesc("airlog_device_restarts_total",
			"Capture device restarts by the watchdog in this session", nil, nil),
		level: prometheus.NewDesc("airlog_audio_level",
			"RMS level of the most recent frame, 0 to 1", nil, nil),
		targetState: prometheus.NewDesc("airlog_stream_target_state",
			"Stream target state, 1 for the current state", []string{"target", "state"}, nil),
		targetBytes: prometheus.NewDesc("airlog_stream_target_bytes_total",
			"PCM bytes written to the stream encoder", []string{"target"}, nil),
		targetDrops: prometheus.NewDesc("airlog_stream_target_frames_dropped_total",
			"Frames the stream target could not buffer", []string{"target"}, nil),
	}
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Describe implements the prometheus.Collector interface
func (m *SessionMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		m.active, m.health, m.framesCaptured, m.bytesCaptured, m.drops, m.queueDepth,
		m.chunks, m.chunksToday, m.restarts, m.level, m.targetState, m.targetBytes, m.targetDrops,
	} {
		ch <- d
	}
}

// Collect implements the prometheus.Collector interface
func (m *SessionMetrics) Collect(ch chan<- prometheus.Metric) {
	s := m.snapshot()

	ch <- prometheus.MustNewConstMetric(m.active, prometheus.GaugeValue, boolValue(s.Active))
	for _, state := range HealthStates {
		ch <- prometheus.MustNewConstMetric(m.health, prometheus.GaugeValue, boolValue(state == s.Health), state)
	}
	ch <- prometheus.MustNewConstMetric(m.framesCaptured, prometheus.CounterValue, float64(s.FramesCaptured))
	ch <- prometheus.MustNewConstMetric(m.bytesCaptured, prometheus.CounterValue, float64(s.BytesCaptured))
	ch <- prometheus.MustNewConstMetric(m.drops, prometheus.CounterValue, float64(s.QueueDrops), "queue")
	ch <- prometheus.MustNewConstMetric(m.drops, prometheus.CounterValue, float64(s.SinkDrops), "sink")
	ch <- prometheus.MustNewConstMetric(m.drops, prometheus.CounterValue, float64(s.QuotaDrops), "quota")
	ch <- prometheus.MustNewConstMetric(m.queueDepth, prometheus.GaugeValue, float64(s.QueueDepth))
	ch <- prometheus.MustNewConstMetric(m.chunks, prometheus.CounterValue, float64(s.Chunks))
	ch <- prometheus.MustNewConstMetric(m.chunksToday, prometheus.GaugeValue, float64(s.ChunksToday))
	ch <- prometheus.MustNewConstMetric(m.restarts, prometheus.CounterValue, float64(s.DeviceRestarts))
	ch <- prometheus.MustNewConstMetric(m.level, prometheus.GaugeValue, s.Level)

	for _, t := range s.Targets {
		for _, state := range TargetStates {
			ch <- prometheus.MustNewConstMetric(m.targetState, prometheus.GaugeValue, boolValue(state == t.State), t.Kind, state)
		}
		ch <- prometheus.MustNewConstMetric(m.targetBytes, prometheus.CounterValue, float64(t.BytesWritten), t.Kind)
		ch <- prometheus.MustNewConstMetric(m.targetDrops, prometheus.CounterValue, float64(t.FramesDropped), t.Kind)
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
