package audiocore

import (
	"math"
	"sync/atomic"
)

// LevelMeter is a Sink tracking the RMS level of the most recent frame
type LevelMeter struct {
	format Format
	level  atomic.Uint64 // float64 bits
	peak   atomic.Uint64 // float64 bits, highest level since the last ResetPeak
}

// NewLevelMeter creates a meter for frames in format f
func NewLevelMeter(f Format) *LevelMeter {
	return &LevelMeter{format: f}
}

func (m *LevelMeter) Name() string { return "level" }

// Consume computes the frame's RMS level
func (m *LevelMeter) Consume(f Frame) error {
	lvl := RMS(f.Data, m.format)
	m.level.Store(math.Float64bits(lvl))
	for {
		old := m.peak.Load()
		if math.Float64frombits(old) >= lvl || m.peak.CompareAndSwap(old, math.Float64bits(lvl)) {
			break
		}
	}
	return nil
}

// Level returns the RMS of the last frame in [0, 1]
func (m *LevelMeter) Level() float64 {
	return math.Float64frombits(m.level.Load())
}

// ResetPeak returns the peak level since the previous call and clears it
func (m *LevelMeter) ResetPeak() float64 {
	return math.Float64frombits(m.peak.Swap(0))
}

// RMS returns the root mean square of all samples in data, in [0, 1]
func RMS(data []byte, f Format) float64 {
	bps := f.BytesPerSample()
	if bps == 0 || len(data) < bps {
		return 0
	}

	n := len(data) / bps
	var sum float64
	for i := range n {
		s := SampleAt(data, i*bps, f.SampleFormat)
		sum += s * s
	}
	return min(math.Sqrt(sum/float64(n)), 1)
}

// DBFS converts a linear level to decibels relative to full scale
func DBFS(level float64) float64 {
	if level <= 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(level)
}
