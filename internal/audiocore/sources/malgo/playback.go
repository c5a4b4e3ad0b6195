package malgo

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
	"github.com/smallnest/ringbuffer"

	"github.com/airlog/airlog/internal/audiocore"
	"github.com/airlog/airlog/internal/logger"
)

// DefaultMonitorBufferFrames is how many frames the monitor plays behind
// the capture
const DefaultMonitorBufferFrames = 4

// PlaybackConfig selects the monitor output device
type PlaybackConfig struct {
	Format       audiocore.Format
	DeviceName   string // substring of the output device name, "" for the default
	Backend      string
	Volume       float64
	BufferFrames int
}

// Playback is a dispatcher sink playing captured audio on an output device
// for live monitoring. Frames are scaled by the monitor volume into a short
// ring; the device callback plays silence when the ring runs dry and frames
// that do not fit are dropped.
type Playback struct {
	cfg PlaybackConfig
	buf *monitorBuffer
	log logger.Logger

	mu      sync.Mutex
	ctx     *malgo.AllocatedContext
	device  *malgo.Device
	started atomic.Bool
	volume  atomic.Uint64 // float64 bits
}

// NewPlayback creates a monitor. Nothing is opened until Start.
func NewPlayback(cfg PlaybackConfig) *Playback {
	if cfg.BufferFrames <= 0 {
		cfg.BufferFrames = DefaultMonitorBufferFrames
	}
	p := &Playback{
		cfg: cfg,
		buf: newMonitorBuffer(cfg.BufferFrames * cfg.Format.BytesPerFrame()),
		log: audiocore.GetLogger().Module("monitor"),
	}
	p.SetVolume(cfg.Volume)
	return p
}

// Start opens the output device and begins playback
func (p *Playback) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.device != nil {
		return nil
	}

	f := p.cfg.Format
	sampleFormat, err := malgoFormat(f.SampleFormat)
	if err != nil {
		return deviceError(err, "validate_format").Build()
	}
	backend, err := parseBackend(p.cfg.Backend)
	if err != nil {
		return deviceError(err, "select_backend").Build()
	}

	ctx, err := malgo.InitContext([]malgo.Backend{backend}, malgo.ContextConfig{}, nil)
	if err != nil {
		return deviceError(err, "init_context").Context("backend", backendName(backend)).Build()
	}

	infos, err := ctx.Devices(malgo.Playback)
	if err != nil {
		freeContext(ctx)
		return deviceError(err, "enumerate_devices").Build()
	}
	devices := describeDevices(infos)
	pos, err := selectDevice(devices, -1, p.cfg.DeviceName)
	if err != nil {
		freeContext(ctx)
		return deviceError(err, "select_device").Context("device_name", p.cfg.DeviceName).Build()
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = sampleFormat
	deviceConfig.Playback.Channels = uint32(f.Channels) //nolint:gosec // validated by conf
	deviceConfig.Playback.DeviceID = infos[pos].ID.Pointer()
	deviceConfig.SampleRate = uint32(f.SampleRate)        //nolint:gosec // validated by conf
	deviceConfig.PeriodSizeInFrames = uint32(f.FrameSize) //nolint:gosec // validated by conf
	deviceConfig.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(ctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: func(pOutput, _ []byte, _ uint32) { p.buf.fill(pOutput) },
	})
	if err != nil {
		freeContext(ctx)
		return deviceError(err, "init_device").Context("device_name", devices[pos].Name).Build()
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		freeContext(ctx)
		return deviceError(err, "start_device").Context("device_name", devices[pos].Name).Build()
	}

	p.ctx = ctx
	p.device = device
	p.started.Store(true)
	p.log.Info("monitor playback started",
		logger.String("device", devices[pos].Name),
		logger.Float64("volume", p.Volume()))
	return nil
}

// Close stops playback and releases the device. It is idempotent.
func (p *Playback) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.started.Store(false)
	var err error
	if p.device != nil {
		if stopErr := p.device.Stop(); stopErr != nil {
			err = deviceError(stopErr, "stop_device").Build()
		}
		p.device.Uninit()
		p.device = nil
	}
	if p.ctx != nil {
		freeContext(p.ctx)
		p.ctx = nil
	}
	return err
}

// Name implements audiocore.Sink
func (p *Playback) Name() string { return "monitor" }

// Consume implements audiocore.Sink. Frames are discarded while the
// device is not playing.
func (p *Playback) Consume(f audiocore.Frame) error {
	if !p.started.Load() {
		return nil
	}
	p.buf.write(p.scale(f.Data))
	return nil
}

func (p *Playback) scale(data []byte) []byte {
	out := make([]byte, len(data))
	audiocore.ScalePCM(out, data, p.cfg.Format.SampleFormat, p.Volume())
	return out
}

// SetVolume sets the monitor gain, clamped to 0..1.5, and returns the
// value applied
func (p *Playback) SetVolume(v float64) float64 {
	v = audiocore.ClampVolume(v)
	p.volume.Store(math.Float64bits(v))
	return v
}

// Volume returns the monitor gain
func (p *Playback) Volume() float64 {
	return math.Float64frombits(p.volume.Load())
}

// Underruns returns how many device periods were padded with silence
func (p *Playback) Underruns() uint64 { return p.buf.underruns.Load() }

// Dropped returns how many frames did not fit the playback ring
func (p *Playback) Dropped() uint64 { return p.buf.dropped.Load() }

// monitorBuffer sits between the dispatcher and the device callback
type monitorBuffer struct {
	mu        sync.Mutex
	ring      *ringbuffer.RingBuffer
	dropped   atomic.Uint64
	underruns atomic.Uint64
}

func newMonitorBuffer(size int) *monitorBuffer {
	return &monitorBuffer{ring: ringbuffer.New(max(size, 1))}
}

// write queues data whole or not at all
func (b *monitorBuffer) write(data []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ring.Free() < len(data) {
		b.dropped.Add(1)
		return false
	}
	if _, err := b.ring.Write(data); err != nil {
		b.dropped.Add(1)
		return false
	}
	return true
}

// fill copies buffered audio into out and pads the rest with silence
func (b *monitorBuffer) fill(out []byte) {
	b.mu.Lock()
	n, _ := b.ring.Read(out)
	b.mu.Unlock()
	if n < len(out) {
		clear(out[n:])
		b.underruns.Add(1)
	}
}
