package replication

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/airlog/airlog/internal/archive"
	"github.com/airlog/airlog/internal/conf"
	"github.com/airlog/airlog/internal/events"
	"github.com/airlog/airlog/internal/logger"
	"github.com/airlog/airlog/internal/observability/metrics"
)

// ComponentReplication is the error and log component of the package
const ComponentReplication = "replication"

// DefaultQueueSize bounds the chunks waiting for upload
const DefaultQueueSize = 64

// MetricsRecorder receives upload metrics
type MetricsRecorder interface {
	metrics.Recorder
	RecordUpload(size int64)
	SetQueueDepth(n int)
}

type nopMetrics struct{ metrics.NopRecorder }

func (nopMetrics) RecordUpload(int64) {}
func (nopMetrics) SetQueueDepth(int)  {}

// Config of the replicator
type Config struct {
	RemotePath  string
	DeleteAfter bool
	QueueSize   int
	// UploadTimeout bounds one chunk upload including retries
	UploadTimeout time.Duration
}

type job struct {
	path      string
	startedAt time.Time
}

// Replicator uploads every finalized chunk it hears about
type Replicator struct {
	cfg      Config
	uploader Uploader
	metrics  MetricsRecorder
	log      logger.Logger

	queue chan job
	stop  chan struct{}
	wg    sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
}

// New creates a replicator. A nil recorder disables metrics.
func New(cfg Config, uploader Uploader, recorder MetricsRecorder) *Replicator {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = 5 * time.Minute
	}
	if recorder == nil {
		recorder = nopMetrics{}
	}
	return &Replicator{
		cfg:      cfg,
		uploader: uploader,
		metrics:  recorder,
		log:      GetLogger().With(logger.String("uploader", uploader.Name())),
		queue:    make(chan job, cfg.QueueSize),
		stop:     make(chan struct{}),
	}
}

// FromSettings builds the uploader and replicator from settings
func FromSettings(s conf.ReplicationSettings, recorder MetricsRecorder) (*Replicator, error) {
	u, err := NewUploader(s)
	if err != nil {
		return nil, err
	}
	return New(Config{
		RemotePath:  s.RemotePath,
		DeleteAfter: s.DeleteAfter,
	}, u, recorder), nil
}

// Name implements events.EventConsumer
func (r *Replicator) Name() string { return ComponentReplication }

// ProcessEvent implements events.EventConsumer. It only queues; a full
// queue drops the chunk from replication, never from the local archive.
func (r *Replicator) ProcessEvent(e events.HealthEvent) error {
	if e.Kind != events.KindChunkRotated {
		return nil
	}
	p, _ := e.Fields["path"].(string)
	if p == "" {
		return nil
	}
	started, _ := e.Fields["started_at"].(time.Time)
	if started.IsZero() {
		started = e.Timestamp
	}
	r.Enqueue(p, started)
	return nil
}

// Enqueue queues a chunk for upload and reports whether it was accepted
func (r *Replicator) Enqueue(localPath string, startedAt time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	select {
	case r.queue <- job{path: localPath, startedAt: startedAt}:
		r.metrics.SetQueueDepth(len(r.queue))
		return true
	default:
		r.metrics.RecordOperation(metrics.OpUpload, metrics.StatusSkipped)
		r.log.Warn("replication queue full, chunk not uploaded",
			logger.String("path", localPath),
			logger.Int("queue_size", r.cfg.QueueSize))
		return false
	}
}

// Start launches the upload worker
func (r *Replicator) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.closed {
		return
	}
	r.started = true
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Go(func() { r.run(ctx) })
	r.log.Info("replication started", logger.String("remote_path", r.cfg.RemotePath))
}

// Stop drains queued chunks for up to timeout, then cancels the upload in
// flight and closes the uploader
func (r *Replicator) Stop(timeout time.Duration) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.stop)
	cancel := r.cancel
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		r.log.Warn("replication did not drain in time", logger.Int("pending", len(r.queue)))
		if cancel != nil {
			cancel()
		}
		<-done
	}
	if cancel != nil {
		cancel()
	}
	if err := r.uploader.Close(); err != nil {
		r.log.Debug("closing uploader", logger.Error(err))
	}
}

func (r *Replicator) run(ctx context.Context) {
	for {
		select {
		case j := <-r.queue:
			r.metrics.SetQueueDepth(len(r.queue))
			r.process(ctx, j)
		case <-ctx.Done():
			return
		case <-r.stop:
			for {
				select {
				case j := <-r.queue:
					r.metrics.SetQueueDepth(len(r.queue))
					r.process(ctx, j)
				default:
					return
				}
			}
		}
	}
}

// RemotePath returns where a chunk started at t is stored remotely
func (r *Replicator) RemotePath(localPath string, startedAt time.Time) string {
	return path.Join(r.cfg.RemotePath, archive.RelativeDir(startedAt), filepath.Base(localPath))
}

func (r *Replicator) process(ctx context.Context, j job) {
	if ctx.Err() != nil {
		return
	}
	log := r.log.With(logger.String("path", j.path))

	start := time.Now()
	info, err := archive.VerifyChunk(j.path)
	r.metrics.RecordDuration(metrics.OpVerify, time.Since(start).Seconds())
	if err != nil {
		r.metrics.RecordOperation(metrics.OpVerify, metrics.StatusError)
		r.metrics.RecordError(metrics.OpVerify, "invalid_chunk")
		log.Warn("chunk failed verification, not uploading", logger.Error(err))
		return
	}
	r.metrics.RecordOperation(metrics.OpVerify, metrics.StatusSuccess)

	remote := r.RemotePath(j.path, j.startedAt)
	uctx, cancel := context.WithTimeout(ctx, r.cfg.UploadTimeout)
	defer cancel()

	start = time.Now()
	err = r.uploader.Upload(uctx, j.path, remote)
	r.metrics.RecordDuration(metrics.OpUpload, time.Since(start).Seconds())
	if err != nil {
		r.metrics.RecordOperation(metrics.OpUpload, metrics.StatusError)
		r.metrics.RecordError(metrics.OpUpload, r.uploader.Name())
		log.Error("chunk upload failed", logger.Error(err), logger.String("remote_path", remote))
		return
	}
	r.metrics.RecordOperation(metrics.OpUpload, metrics.StatusSuccess)

	var size int64
	if fi, err := os.Stat(j.path); err == nil {
		size = fi.Size()
	}
	r.metrics.RecordUpload(size)
	log.Info("chunk uploaded",
		logger.String("remote_path", remote),
		logger.Int64("bytes", size),
		logger.Duration("duration", info.Duration))

	if r.cfg.DeleteAfter {
		if err := os.Remove(j.path); err != nil {
			log.Warn("failed to remove uploaded chunk", logger.Error(err))
		}
	}
}

// GetLogger returns the replication module logger
func GetLogger() logger.Logger {
	return logger.Global().Module(ComponentReplication)
}
