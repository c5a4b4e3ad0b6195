// Package session runs one continuous capture session: it wires the capture
// device, frame queue, dispatcher, chunk writer, stream targets and watchdog
// together and tears them down in order.
package session

import (
	"fmt"
	"math"
	"time"

	"github.com/airlog/airlog/internal/archive"
	"github.com/airlog/airlog/internal/audiocore"
	"github.com/airlog/airlog/internal/audiocore/sources/malgo"
	"github.com/airlog/airlog/internal/audiocore/sources/synthetic"
	"github.com/airlog/airlog/internal/conf"
	"github.com/airlog/airlog/internal/streaming"
	"github.com/airlog/airlog/internal/watchdog"
)

// Session identifies one Start..Stop run
type Session struct {
	ID        string                 `json:"id"`
	Device    audiocore.DeviceConfig `json:"device"`
	StartedAt time.Time              `json:"started_at"`
}

// Status is a snapshot of the controller and its current or last session
type Status struct {
	Session
	Active         bool                     `json:"active"`
	Uptime         time.Duration            `json:"uptime"`
	Health         string                   `json:"health"`
	Watchdog       watchdog.Status          `json:"watchdog"`
	WriterState    string                   `json:"writer_state"`
	CurrentChunk   *archive.Chunk           `json:"current_chunk,omitempty"`
	LastChunk      *archive.Chunk           `json:"last_chunk,omitempty"`
	Chunks         int                      `json:"chunks"`
	ChunksToday    int                      `json:"chunks_today"`
	FramesCaptured uint64                   `json:"frames_captured"`
	BytesCaptured  uint64                   `json:"bytes_captured"`
	QueueDrops     uint64                   `json:"queue_drops"`
	SinkDrops      uint64                   `json:"sink_drops"`
	QuotaDrops     uint64                   `json:"quota_drops"`
	QueueDepth     int                      `json:"queue_depth"`
	DeviceRestarts int                      `json:"device_restarts"`
	Level          float64                  `json:"level"`
	Targets        []streaming.TargetStatus `json:"targets"`
	Monitor        *MonitorStatus           `json:"monitor,omitempty"`
	Error          string                   `json:"error,omitempty"`
}

// MonitorStatus reports live playback, present when it is enabled
type MonitorStatus struct {
	Volume float64 `json:"volume"`
}

// Monitor plays the captured audio back live
type Monitor interface {
	audiocore.Sink
	Start() error
	Close() error
	SetVolume(v float64) float64
	Volume() float64
}

// HealthNone is reported when no session was ever started
const HealthNone = "NONE"

// deviceConfig maps the audio settings onto a capture device config
func deviceConfig(s *conf.Settings) (audiocore.DeviceConfig, error) {
	sf, err := audiocore.ParseSampleFormat(s.Audio.SampleFormat)
	if err != nil {
		return audiocore.DeviceConfig{}, err
	}
	name := s.Audio.Device
	if name == synthetic.DeviceName {
		name = ""
	}
	return audiocore.DeviceConfig{
		SampleRate:   s.Audio.SampleRate,
		Channels:     s.Audio.Channels,
		SampleFormat: sf,
		FrameSize:    s.Audio.FrameSize,
		DeviceIndex:  s.Audio.DeviceIndex,
		DeviceName:   name,
		Backend:      s.Audio.Backend,
	}, nil
}

// NewSource returns the capture source selected by the audio settings
func NewSource(s *conf.Settings) audiocore.Source {
	if s.Audio.Device == synthetic.DeviceName {
		return synthetic.New(synthetic.Options{})
	}
	return malgo.New()
}

// NewMonitor returns the playback device for audio.monitor
func NewMonitor(s *conf.Settings, f audiocore.Format) Monitor {
	return malgo.NewPlayback(malgo.PlaybackConfig{
		Format:     f,
		DeviceName: s.Audio.Monitor.Device,
		Backend:    s.Audio.Backend,
		Volume:     s.Audio.Monitor.Volume,
	})
}

// targetConfig maps the streaming settings of kind onto a target config
func targetConfig(s *conf.Settings, kind streaming.Kind) (streaming.TargetConfig, bool) {
	switch kind {
	case streaming.KindRTMP:
		r := s.Streaming.RTMP
		return streaming.TargetConfig{URL: r.URL, BitrateKbps: r.AudioBitrateKbps}, r.Enabled
	case streaming.KindIcecast:
		ic := s.Streaming.Icecast
		return streaming.TargetConfig{
			Host:        ic.Host,
			Port:        ic.Port,
			Mount:       ic.Mount,
			Password:    ic.SourcePassword,
			BitrateKbps: ic.AudioBitrateKbps,
		}, ic.Enabled
	default:
		panic(fmt.Sprintf("unhandled stream target kind %q", kind))
	}
}

// framesFor converts seconds of audio into whole frames, at least minFrames
func framesFor(f audiocore.Format, seconds float64, minFrames int) int {
	n := int(math.Ceil(seconds * float64(f.SampleRate) / float64(f.FrameSize)))
	return max(n, minFrames)
}
