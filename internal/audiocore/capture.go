package audiocore

import (
	"sync"
	"sync/atomic"

	"github.com/airlog/airlog/internal/logger"
)

// Capture owns a Source for the lifetime of a session. It remembers the
// device config and frame handler so the device can be restarted with the
// same settings.
type Capture struct {
	source  Source
	cfg     DeviceConfig
	handler FrameHandler

	mu       sync.Mutex
	running  bool
	restarts atomic.Int32
	resumed  atomic.Bool // next frame follows a restart
	log      logger.Logger
}

// NewCapture binds source, cfg and handler together
func NewCapture(source Source, cfg DeviceConfig, handler FrameHandler) *Capture {
	return &Capture{
		source:  source,
		cfg:     cfg,
		handler: handler,
		log:     GetLogger().Module("capture"),
	}
}

// Start opens the device and starts delivering frames
func (c *Capture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}
	if err := c.openAndStartLocked(); err != nil {
		return err
	}
	c.log.Info("audio capture started", logger.String("format", c.source.Format().String()))
	return nil
}

// Restart stops the device and opens it again with the same config. The
// first frame delivered afterwards is marked as a discontinuity.
func (c *Capture) Restart() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := int(c.restarts.Add(1))
	if err := c.source.Stop(); err != nil {
		c.log.Warn("device stop before restart failed", logger.Error(err))
	}
	c.running = false
	c.resumed.Store(true)

	if err := c.openAndStartLocked(); err != nil {
		c.log.Warn("device restart failed", logger.Int("restart", n), logger.Error(err))
		return err
	}
	c.log.Info("device restarted", logger.Int("restart", n))
	return nil
}

// Stop releases the device. It is idempotent.
func (c *Capture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}
	c.running = false
	if err := c.source.Stop(); err != nil {
		return DeviceError(err, "stop")
	}
	return nil
}

// Restarts returns the number of restarts attempted. It does not wait for
// a restart in progress.
func (c *Capture) Restarts() int {
	return int(c.restarts.Load())
}

// Source returns the wrapped source
func (c *Capture) Source() Source {
	return c.source
}

func (c *Capture) openAndStartLocked() error {
	if err := c.source.Open(c.cfg); err != nil {
		return DeviceError(err, "open")
	}
	if err := c.source.Start(c.deliver); err != nil {
		_ = c.source.Stop()
		return DeviceError(err, "start")
	}
	c.running = true
	return nil
}

// deliver runs on the driver thread. The discontinuity mark stays pending
// until a frame carrying it is accepted downstream.
func (c *Capture) deliver(f Frame) bool {
	if !c.resumed.Load() {
		return c.handler(f)
	}
	f.Discontinuity = true
	if !c.handler(f) {
		return false
	}
	c.resumed.Store(false)
	return true
}
