// Package monitor watches the file system holding the archive and raises
// DISK_LOW events when usage crosses the configured thresholds.
package monitor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/airlog/airlog/internal/conf"
	"github.com/airlog/airlog/internal/events"
	"github.com/airlog/airlog/internal/logger"
)

// ComponentMonitor is the event component of the disk monitor
const ComponentMonitor = "monitor"

const (
	defaultInterval               = time.Minute
	defaultCriticalResendInterval = 30 * time.Minute
	defaultHysteresisPercent      = 2.0
)

// UsageFunc reads file system usage for a path
type UsageFunc func(ctx context.Context, path string) (*disk.UsageStat, error)

// UsageRecorder receives every usage reading
type UsageRecorder interface {
	UpdateUsage(path string, used, total uint64, percent float64)
	ObserveCheck(seconds float64, err error)
}

// Config of the disk monitor
type Config struct {
	Path              string
	Interval          time.Duration
	WarningPercent    float64
	CriticalPercent   float64
	ResendInterval    time.Duration // repeat DISK_LOW while critical
	HysteresisPercent float64
}

// ConfigFromSettings maps monitor settings onto a Config
func ConfigFromSettings(s *conf.Settings) Config {
	return Config{
		Path:            s.Recording.OutputDirectory,
		Interval:        s.Monitor.Interval,
		WarningPercent:  s.Monitor.DiskWarningPercent,
		CriticalPercent: s.Monitor.DiskCriticalPercent,
	}
}

// alertState tracks which threshold the path is past
type alertState struct {
	inWarning        bool
	inCritical       bool
	lastValue        float64
	lastCheck        time.Time
	lastNotification time.Time
}

// DiskMonitor periodically checks archive disk usage
type DiskMonitor struct {
	cfg      Config
	bus      events.Publisher
	recorder UsageRecorder
	usage    UsageFunc
	log      logger.Logger

	mu    sync.Mutex
	state alertState

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a DiskMonitor
type Option func(*DiskMonitor)

// WithRecorder sends every reading to r
func WithRecorder(r UsageRecorder) Option {
	return func(m *DiskMonitor) { m.recorder = r }
}

// WithUsageFunc replaces the gopsutil usage reader
func WithUsageFunc(fn UsageFunc) Option {
	return func(m *DiskMonitor) { m.usage = fn }
}

// New creates a disk monitor. It does nothing until Start.
func New(cfg Config, bus events.Publisher, opts ...Option) *DiskMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.ResendInterval <= 0 {
		cfg.ResendInterval = defaultCriticalResendInterval
	}
	if cfg.HysteresisPercent <= 0 {
		cfg.HysteresisPercent = defaultHysteresisPercent
	}
	if bus == nil {
		bus = events.Discard
	}
	m := &DiskMonitor{
		cfg:   cfg,
		bus:   bus,
		usage: disk.UsageWithContext,
		log:   GetLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start runs an immediate check and then one per interval
func (m *DiskMonitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	m.log.Info("starting disk monitor",
		logger.String("path", m.cfg.Path),
		logger.Duration("interval", m.cfg.Interval),
		logger.Float64("warning_percent", m.cfg.WarningPercent),
		logger.Float64("critical_percent", m.cfg.CriticalPercent))

	m.wg.Go(func() {
		m.Check(ctx)

		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Check(ctx)
			case <-ctx.Done():
				return
			}
		}
	})
}

// Stop ends the monitor loop
func (m *DiskMonitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Check reads usage once and evaluates the thresholds
func (m *DiskMonitor) Check(ctx context.Context) {
	path := existingParent(m.cfg.Path)

	start := time.Now()
	usage, err := m.usage(ctx, path)
	if m.recorder != nil {
		m.recorder.ObserveCheck(time.Since(start).Seconds(), err)
	}
	if err != nil {
		m.log.Warn("failed to read disk usage", logger.String("path", path), logger.Error(err))
		return
	}
	if m.recorder != nil {
		m.recorder.UpdateUsage(m.cfg.Path, usage.Used, usage.Total, usage.UsedPercent)
	}
	m.evaluate(usage)
}

func (m *DiskMonitor) evaluate(usage *disk.UsageStat) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := usage.UsedPercent
	st := &m.state
	st.lastValue = current
	st.lastCheck = time.Now()

	switch {
	case current >= m.cfg.CriticalPercent:
		if !st.inCritical || time.Since(st.lastNotification) > m.cfg.ResendInterval {
			m.log.Warn("disk usage above critical threshold",
				logger.String("path", m.cfg.Path),
				logger.String("current", fmt.Sprintf("%.1f%%", current)),
				logger.String("threshold", fmt.Sprintf("%.1f%%", m.cfg.CriticalPercent)))
			m.publish(events.SeverityCritical, usage, m.cfg.CriticalPercent)
		}
		st.inCritical = true
		st.inWarning = true
	case current >= m.cfg.WarningPercent:
		if !st.inWarning {
			m.log.Warn("disk usage above warning threshold",
				logger.String("path", m.cfg.Path),
				logger.String("current", fmt.Sprintf("%.1f%%", current)),
				logger.String("threshold", fmt.Sprintf("%.1f%%", m.cfg.WarningPercent)))
			m.publish(events.SeverityWarning, usage, m.cfg.WarningPercent)
			st.inWarning = true
		}
		if st.inCritical && current < m.cfg.CriticalPercent-m.cfg.HysteresisPercent {
			m.log.Info("disk usage back below critical threshold", logger.Float64("current", current))
			st.inCritical = false
		}
	default:
		if st.inWarning && current < m.cfg.WarningPercent-m.cfg.HysteresisPercent {
			m.log.Info("disk usage back to normal", logger.Float64("current", current))
			st.inWarning = false
			st.inCritical = false
		}
	}

	m.log.Debug("disk check completed",
		logger.String("path", m.cfg.Path),
		logger.String("current", fmt.Sprintf("%.1f%%", current)),
		logger.Bool("in_warning", st.inWarning),
		logger.Bool("in_critical", st.inCritical))
}

func (m *DiskMonitor) publish(sev events.Severity, usage *disk.UsageStat, threshold float64) {
	e := events.NewEvent(events.KindDiskLow, ComponentMonitor,
		fmt.Sprintf("archive disk %.1f%% full (threshold %.0f%%, %s free)",
			usage.UsedPercent, threshold, formatBytes(usage.Free))).
		With("path", m.cfg.Path).
		With("used_percent", usage.UsedPercent).
		With("free_bytes", usage.Free).
		With("threshold", threshold)
	e.Severity = sev
	m.bus.Publish(e)
	m.state.lastNotification = time.Now()
}

// Status reports the last reading
func (m *DiskMonitor) Status() (percent float64, warning, critical bool, checked time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.lastValue, m.state.inWarning, m.state.inCritical, m.state.lastCheck
}

// existingParent walks up from path to the first directory that exists, so
// usage can be read before the archive directory is created
func existingParent(path string) string {
	p, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	for {
		if _, err := os.Stat(p); err == nil {
			return p
		}
		parent := filepath.Dir(p)
		if parent == p {
			return p
		}
		p = parent
	}
}

func formatBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}

// GetLogger returns the module logger for the disk monitor
func GetLogger() logger.Logger {
	return logger.Global().Module(ComponentMonitor)
}
