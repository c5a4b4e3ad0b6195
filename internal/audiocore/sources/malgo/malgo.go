// Package malgo captures audio from a sound card through miniaudio
package malgo

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/airlog/airlog/internal/audiocore"
	"github.com/airlog/airlog/internal/errors"
	"github.com/airlog/airlog/internal/logger"
)

// Source implements audiocore.Source on a miniaudio capture device
type Source struct {
	mu     sync.Mutex
	ctx    *malgo.AllocatedContext
	device *malgo.Device
	cfg    audiocore.DeviceConfig
	format audiocore.Format
	name   string

	started atomic.Bool
	handler audiocore.FrameHandler

	seq      atomic.Uint64
	frames   atomic.Uint64
	overruns atomic.Uint64
	stops    atomic.Uint64

	log logger.Logger
}

// New creates an unopened device source
func New() *Source {
	return &Source{log: audiocore.GetLogger().Module("malgo")}
}

// Open initializes the miniaudio context and the capture device
func (s *Source) Open(cfg audiocore.DeviceConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.device != nil {
		return audiocore.ErrRunning
	}

	format := cfg.Format()
	if err := format.Validate(); err != nil {
		return deviceError(err, "validate_format").Build()
	}
	sampleFormat, err := malgoFormat(cfg.SampleFormat)
	if err != nil {
		return deviceError(err, "validate_format").Build()
	}

	backend, err := parseBackend(cfg.Backend)
	if err != nil {
		return deviceError(err, "select_backend").Build()
	}

	ctx, err := malgo.InitContext([]malgo.Backend{backend}, malgo.ContextConfig{}, nil)
	if err != nil {
		return deviceError(err, "init_context").Context("backend", backendName(backend)).Build()
	}

	infos, err := ctx.Devices(malgo.Capture)
	if err != nil {
		freeContext(ctx)
		return deviceError(err, "enumerate_devices").Build()
	}
	devices := describeDevices(infos)
	pos, err := selectDevice(devices, cfg.DeviceIndex, cfg.DeviceName)
	if err != nil {
		freeContext(ctx)
		return deviceError(err, "select_device").
			Context("device_name", cfg.DeviceName).
			Context("device_index", cfg.DeviceIndex).
			Context("available_devices", len(devices)).
			Build()
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = sampleFormat
	deviceConfig.Capture.Channels = uint32(cfg.Channels) //nolint:gosec // validated by conf
	deviceConfig.Capture.DeviceID = infos[pos].ID.Pointer()
	deviceConfig.SampleRate = uint32(cfg.SampleRate)        //nolint:gosec // validated by conf
	deviceConfig.PeriodSizeInFrames = uint32(cfg.FrameSize) //nolint:gosec // validated by conf
	deviceConfig.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(ctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: s.onData,
		Stop: s.onDeviceStop,
	})
	if err != nil {
		freeContext(ctx)
		return deviceError(err, "init_device").Context("device_name", devices[pos].Name).Build()
	}

	if got := int(device.SampleRate()); got != cfg.SampleRate {
		device.Uninit()
		freeContext(ctx)
		return deviceError(fmt.Errorf("device runs at %d Hz, %d Hz requested", got, cfg.SampleRate), "init_device").
			Context("device_name", devices[pos].Name).
			Build()
	}

	s.ctx = ctx
	s.device = device
	s.cfg = cfg
	s.format = format
	s.name = devices[pos].Name

	s.log.Info("capture device opened",
		logger.String("device", s.name),
		logger.String("backend", backendName(backend)),
		logger.String("format", format.String()))
	return nil
}

// Start begins capture. Frames are delivered on the driver thread.
func (s *Source) Start(onFrame audiocore.FrameHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.device == nil {
		return audiocore.ErrNotOpen
	}
	if s.started.Load() {
		return audiocore.ErrRunning
	}

	s.handler = onFrame
	s.started.Store(true)
	if err := s.device.Start(); err != nil {
		s.started.Store(false)
		return deviceError(err, "start_device").Context("device_name", s.name).Build()
	}
	return nil
}

// Stop stops the device and releases the miniaudio context
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.started.Store(false)

	var err error
	if s.device != nil {
		if stopErr := s.device.Stop(); stopErr != nil {
			err = deviceError(stopErr, "stop_device").Context("device_name", s.name).Build()
		}
		s.device.Uninit()
		s.device = nil
	}
	if s.ctx != nil {
		freeContext(s.ctx)
		s.ctx = nil
	}
	return err
}

// Format returns the format of captured frames
func (s *Source) Format() audiocore.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format
}

// Stats returns capture counters
func (s *Source) Stats() audiocore.SourceStats {
	return audiocore.SourceStats{
		Frames:      s.frames.Load(),
		Overruns:    s.overruns.Load(),
		DeviceStops: s.stops.Load(),
	}
}

// onData runs on the miniaudio thread. The input buffer is reused by the
// driver, so it is copied before it leaves the callback.
func (s *Source) onData(_, pInput []byte, _ uint32) {
	if !s.started.Load() || len(pInput) == 0 {
		return
	}

	data := make([]byte, len(pInput))
	copy(data, pInput)

	s.frames.Add(1)
	if !s.handler(audiocore.Frame{Seq: s.seq.Add(1), Timestamp: time.Now(), Data: data}) {
		s.overruns.Add(1)
	}
}

// onDeviceStop is called by miniaudio when the device stops. A stop while
// started is a device failure; the watchdog notices the missing frames.
func (s *Source) onDeviceStop() {
	if !s.started.Load() {
		return
	}
	s.stops.Add(1)
	s.log.Warn("capture device stopped unexpectedly", logger.String("device", s.name))
}

func deviceError(err error, operation string) *errors.ErrorBuilder {
	return errors.New(err).
		Component(audiocore.ComponentAudioCore).
		Category(errors.CategoryDevice).
		Context("operation", operation)
}

func freeContext(ctx *malgo.AllocatedContext) {
	_ = ctx.Uninit()
	ctx.Free()
}

func malgoFormat(sf audiocore.SampleFormat) (malgo.FormatType, error) {
	switch sf {
	case audiocore.SampleFormatS16:
		return malgo.FormatS16, nil
	case audiocore.SampleFormatS24:
		return malgo.FormatS24, nil
	case audiocore.SampleFormatS32:
		return malgo.FormatS32, nil
	case audiocore.SampleFormatF32:
		return malgo.FormatF32, nil
	default:
		return malgo.FormatUnknown, fmt.Errorf("unsupported sample format %q", sf)
	}
}
