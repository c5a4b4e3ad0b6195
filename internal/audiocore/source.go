package audiocore

import (
	"time"

	"github.com/airlog/airlog/internal/errors"
	"github.com/airlog/airlog/internal/logger"
)

// ComponentAudioCore is the error component for capture failures
const ComponentAudioCore = "audiocore"

// Frame is one block of captured PCM. Data is never modified after the
// frame is produced.
type Frame struct {
	Seq       uint64
	Timestamp time.Time
	Data      []byte
	// Discontinuity marks the first frame after the device was restarted.
	// Audio before and after it is not contiguous.
	Discontinuity bool
}

// FrameHandler receives frames on the driver thread and reports whether the
// frame was accepted. It must not block.
type FrameHandler func(Frame) bool

// DeviceConfig selects and configures a capture device
type DeviceConfig struct {
	SampleRate   int
	Channels     int
	SampleFormat SampleFormat
	FrameSize    int
	DeviceIndex  int    // -1 selects by name or the default device
	DeviceName   string // substring of the device name or decoded ID
	Backend      string // miniaudio backend name, empty for platform default
}

// Format returns the frame format produced by a device opened with this config
func (c DeviceConfig) Format() Format {
	return NewFormat(c.SampleRate, c.Channels, c.SampleFormat, c.FrameSize)
}

// DeviceInfo describes an input device for listings
type DeviceInfo struct {
	Index     int
	Name      string
	ID        string
	IsDefault bool
}

// SourceStats are counters kept by a source across restarts
type SourceStats struct {
	Frames      uint64 // frames delivered to the handler
	Overruns    uint64 // frames the handler refused
	DeviceStops uint64 // stops reported by the driver while started
}

// Source is a capture device. Open acquires the device, Start begins
// delivering frames to onFrame on the driver's thread, and Stop releases
// the device so that it can be opened again. Stop is idempotent and safe
// from any goroutine.
type Source interface {
	Open(cfg DeviceConfig) error
	Start(onFrame FrameHandler) error
	Stop() error
	Format() Format
	Stats() SourceStats
}

// Sentinel errors of the capture side
var (
	ErrQueueClosed = errors.NewStd("frame queue closed")
	ErrNotOpen     = errors.NewStd("audio source not open")
	ErrRunning     = errors.NewStd("audio source already started")
)

// DeviceError wraps err as a device failure
func DeviceError(err error, operation string) error {
	return errors.New(err).
		Component(ComponentAudioCore).
		Category(errors.CategoryDevice).
		Context("operation", operation).
		Build()
}

// GetLogger returns the audiocore package logger
func GetLogger() logger.Logger {
	return logger.Global().Module("audiocore")
}
