// Package archive writes captured audio to date-partitioned WAV chunks.
//
// Chunks live under output_dir/YYYY/MM-DD/prefix_HHMMSS.wav. The day and
// name of a chunk come from the timestamp of its first frame. A chunk is
// finalized once it holds chunk_duration worth of sample frames, and the
// next frame opens a new one, as does a frame marked as a capture
// discontinuity. The number of chunks per calendar day is
// capped; once the cap is hit the writer discards frames until the frame
// clock reaches a later day.
package archive

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/airlog/airlog/internal/audiocore"
	"github.com/airlog/airlog/internal/errors"
	"github.com/airlog/airlog/internal/events"
	"github.com/airlog/airlog/internal/logger"
)

// ComponentArchive is the error and event component of the writer
const ComponentArchive = "archive"

const (
	wavFormatPCM   = 1
	wavFormatFloat = 3
)

// Reasons a chunk was finalized, carried on CHUNK_ROTATED
const (
	ReasonDuration      = "duration"
	ReasonDiscontinuity = "discontinuity"
	ReasonClose         = "close"
)

// ErrWriterClosed is returned by Write after Close or a write failure
var ErrWriterClosed = errors.NewStd("chunk writer closed")

// State of the writer
type State int

const (
	StateNoChunk State = iota
	StateWriting
	StateRotatingOut
	StateQuotaPaused
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNoChunk:
		return "no_chunk"
	case StateWriting:
		return "writing"
	case StateRotatingOut:
		return "rotating_out"
	case StateQuotaPaused:
		return "quota_paused"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config of a chunk writer
type Config struct {
	OutputDir       string
	Prefix          string
	FilenameDate    bool // prefix_YYYYMMDD_HHMMSS.wav instead of prefix_HHMMSS.wav
	ChunkDuration   time.Duration
	MaxChunksPerDay int // 0 disables the cap
	Format          audiocore.Format
	Location        *time.Location // nil means time.Local
	SessionID       string
	// DayCount reports chunks already recorded on a day (YYYY-MM-DD) by
	// another record, such as the catalog. The daily counter starts at the
	// larger of it and the files on disk. Nil counts files only.
	DayCount func(day string) (int, error)
}

func (c *Config) validate() error {
	if c.OutputDir == "" {
		return fmt.Errorf("output directory is empty")
	}
	if c.Prefix == "" {
		return fmt.Errorf("filename prefix is empty")
	}
	if c.ChunkDuration <= 0 {
		return fmt.Errorf("chunk duration must be positive, got %s", c.ChunkDuration)
	}
	if c.MaxChunksPerDay < 0 {
		return fmt.Errorf("max chunks per day must not be negative, got %d", c.MaxChunksPerDay)
	}
	return c.Format.Validate()
}

// Chunk describes one WAV file
type Chunk struct {
	Seq       int           `json:"seq"`       // 1-based sequence within the session
	Day       string        `json:"day"`       // YYYY-MM-DD of the first frame
	DayIndex  int           `json:"day_index"` // 1-based count of this chunk within its day
	StartedAt time.Time     `json:"started_at"`
	Path      string        `json:"path"`
	Frames    int64         `json:"frames"` // sample frames
	Bytes     int64         `json:"bytes"`  // PCM payload bytes
	Duration  time.Duration `json:"duration"`
}

// Stats is a snapshot of the writer
type Stats struct {
	State         State
	Current       *Chunk
	Last          *Chunk
	Chunks        int    // finalized chunks
	ChunksToday   int    // chunks opened on the current day, including seeded ones
	FramesWritten uint64 // audio frames written across chunks
	FramesDropped uint64 // audio frames discarded while quota paused
	BytesWritten  uint64
}

// Writer is the chunk writer. It is a dispatcher sink: Consume is called
// from a single goroutine. Status accessors are safe from any goroutine.
type Writer struct {
	cfg Config
	bus events.Publisher
	log logger.Logger

	bytesPerSampleFrame int
	framesPerChunk      int64
	wavFormat           int

	mu         sync.Mutex
	state      State
	opened     bool
	file       *os.File
	enc        *wav.Encoder
	buf        *audio.IntBuffer
	current    *Chunk
	last       *Chunk
	seq        int
	day        string
	dayCount   int
	pausedDay  string
	quotaDay   string
	chunks     int
	framesIn   uint64
	framesDrop uint64
	bytesIn    uint64
	err        error

	// snapshot serves Stats while a write holds mu
	snapshot atomic.Pointer[Stats]
}

// NewWriter creates a writer. Nothing touches the disk until Open.
func NewWriter(cfg Config, bus events.Publisher) (*Writer, error) {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if bus == nil {
		bus = events.Discard
	}
	if err := cfg.validate(); err != nil {
		return nil, errors.New(err).
			Component(ComponentArchive).
			Category(errors.CategoryConfig).
			Build()
	}

	wavFormat := wavFormatPCM
	if cfg.Format.SampleFormat.IsFloat() {
		wavFormat = wavFormatFloat
	}

	w := &Writer{
		cfg:                 cfg,
		bus:                 bus,
		log:                 GetLogger(),
		bytesPerSampleFrame: cfg.Format.BytesPerSampleFrame(),
		framesPerChunk:      int64(cfg.ChunkDuration.Seconds() * float64(cfg.Format.SampleRate)),
		wavFormat:           wavFormat,
		state:               StateNoChunk,
	}
	w.snapshot.Store(&Stats{State: StateNoChunk})
	return w, nil
}

// Open prepares the output directory. Chunks are opened lazily by the
// first frame.
func (w *Writer) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	defer w.storeSnapshotLocked()

	if w.state == StateClosed {
		return ErrWriterClosed
	}
	if err := os.MkdirAll(w.cfg.OutputDir, 0o755); err != nil { //nolint:gosec // archive is shared with the operator
		return w.failLocked(err, "mkdir", w.cfg.OutputDir)
	}
	w.opened = true
	w.log.Info("chunk writer ready",
		logger.String("output_dir", w.cfg.OutputDir),
		logger.Duration("chunk_duration", w.cfg.ChunkDuration),
		logger.Int("max_chunks_per_day", w.cfg.MaxChunksPerDay))
	return nil
}

// Name implements audiocore.Sink
func (w *Writer) Name() string { return ComponentArchive }

// Consume implements audiocore.Sink
func (w *Writer) Consume(f audiocore.Frame) error { return w.Write(f) }

// Write appends a frame to the open chunk, opening or rotating chunks as
// needed. A discontinuity frame finalizes the open chunk and starts the
// next one. Any error is a write error and leaves the writer closed.
func (w *Writer) Write(f audiocore.Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	defer w.storeSnapshotLocked()

	if f.Discontinuity && w.state == StateWriting {
		w.log.Info("capture discontinuity, closing chunk early",
			logger.Int("seq", w.current.Seq),
			logger.Duration("duration", w.durationOf(w.current.Frames)))
		if err := w.rotateLocked(ReasonDiscontinuity); err != nil {
			return err
		}
	}

	switch w.state {
	case StateClosed:
		if w.err != nil {
			return w.err
		}
		return ErrWriterClosed
	case StateQuotaPaused:
		if DayKey(f.Timestamp, w.cfg.Location) <= w.pausedDay {
			w.framesDrop++
			return nil
		}
		w.log.Info("new day, resuming chunk writing", logger.String("paused_day", w.pausedDay))
		w.pausedDay = ""
		w.state = StateNoChunk
	}

	if !w.opened {
		return w.failLocked(fmt.Errorf("write before open"), "write", "")
	}

	if w.state == StateNoChunk || w.state == StateRotatingOut {
		opened, err := w.openChunkLocked(f.Timestamp)
		if err != nil {
			return err
		}
		if !opened {
			w.framesDrop++
			return nil
		}
	}

	w.buf.Data = audiocore.DecodeInts(w.buf.Data[:0], f.Data, w.cfg.Format.SampleFormat)
	if err := w.enc.Write(w.buf); err != nil {
		return w.failLocked(err, "write", w.current.Path)
	}

	n := int64(len(f.Data))
	w.current.Bytes += n
	w.current.Frames += n / int64(w.bytesPerSampleFrame)
	w.framesIn++
	w.bytesIn += uint64(n) //nolint:gosec // frame length is non-negative

	if w.current.Frames >= w.framesPerChunk {
		return w.rotateLocked(ReasonDuration)
	}
	return nil
}

// Close finalizes the open chunk, if any. It is idempotent.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	defer w.storeSnapshotLocked()

	if w.state == StateClosed {
		return nil
	}
	if w.current != nil {
		if err := w.finalizeLocked(ReasonClose); err != nil {
			return err
		}
	}
	w.state = StateClosed
	w.log.Info("chunk writer closed", logger.Int("chunks", w.chunks))
	return nil
}

// State returns the current state
func (w *Writer) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Err returns the write error that closed the writer, if any
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Stats returns a snapshot of the writer. While a write is blocked on the
// disk it returns the snapshot taken after the previous one.
func (w *Writer) Stats() Stats {
	if !w.mu.TryLock() {
		return *w.snapshot.Load()
	}
	defer w.mu.Unlock()
	return w.storeSnapshotLocked()
}

func (w *Writer) storeSnapshotLocked() Stats {
	s := Stats{
		State:         w.state,
		Chunks:        w.chunks,
		ChunksToday:   w.dayCount,
		FramesWritten: w.framesIn,
		FramesDropped: w.framesDrop,
		BytesWritten:  w.bytesIn,
	}
	if w.current != nil {
		c := *w.current
		c.Duration = w.durationOf(c.Frames)
		s.Current = &c
	}
	if w.last != nil {
		c := *w.last
		s.Last = &c
	}
	snap := s
	w.snapshot.Store(&snap)
	return s
}

// openChunkLocked opens a chunk for a frame stamped at ts. It reports false
// when the daily cap is reached and the frame must be discarded.
func (w *Writer) openChunkLocked(ts time.Time) (bool, error) {
	local := ts.In(w.cfg.Location)
	day := local.Format(dayLayout)
	dir := DayDir(w.cfg.OutputDir, local)

	if day != w.day {
		seeded, err := CountChunks(dir, w.cfg.Prefix)
		if err != nil {
			return false, w.failLocked(err, "scan", dir)
		}
		if w.cfg.DayCount != nil {
			recorded, err := w.cfg.DayCount(day)
			switch {
			case err != nil:
				w.log.Warn("recorded chunk count unavailable, counting archive files only",
					logger.String("day", day), logger.Error(err))
			case recorded > seeded:
				seeded = recorded
			}
		}
		if w.day != "" {
			w.log.Info("day changed, daily chunk counter reset",
				logger.String("previous_day", w.day),
				logger.String("day", day),
				logger.Int("existing_chunks", seeded))
		} else if seeded > 0 {
			w.log.Info("daily chunk counter seeded from archive",
				logger.String("day", day),
				logger.Int("existing_chunks", seeded))
		}
		w.day = day
		w.dayCount = seeded
	}

	if w.capReachedLocked() {
		w.pauseLocked()
		return false, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil { //nolint:gosec // archive is shared with the operator
		return false, w.failLocked(err, "mkdir", dir)
	}

	file, path, err := createChunkFile(dir, FileName(w.cfg.Prefix, local, w.cfg.FilenameDate))
	if err != nil {
		return false, w.failLocked(err, "create", path)
	}

	format := w.cfg.Format
	w.file = file
	w.enc = wav.NewEncoder(file, format.SampleRate, format.BitDepth, format.Channels, w.wavFormat)
	if w.buf == nil {
		w.buf = &audio.IntBuffer{
			Format:         &audio.Format{SampleRate: format.SampleRate, NumChannels: format.Channels},
			SourceBitDepth: format.BitDepth,
		}
	}

	w.seq++
	w.dayCount++
	w.current = &Chunk{
		Seq:       w.seq,
		Day:       day,
		DayIndex:  w.dayCount,
		StartedAt: local,
		Path:      path,
	}
	w.state = StateWriting

	w.log.Info("chunk opened",
		logger.Int("seq", w.seq),
		logger.Int("day_index", w.dayCount),
		logger.String("path", path))
	return true, nil
}

func (w *Writer) rotateLocked(reason string) error {
	w.state = StateRotatingOut
	if err := w.finalizeLocked(reason); err != nil {
		return err
	}
	if w.capReachedLocked() {
		w.pauseLocked()
		return nil
	}
	w.state = StateNoChunk
	return nil
}

// finalizeLocked patches the WAV header, closes the file and publishes
// CHUNK_ROTATED
func (w *Writer) finalizeLocked(reason string) error {
	c := w.current
	c.Duration = w.durationOf(c.Frames)

	if err := w.enc.Close(); err != nil {
		return w.failLocked(err, "finalize", c.Path)
	}
	err := w.file.Close()
	w.file = nil
	w.enc = nil
	if err != nil {
		return w.failLocked(err, "close", c.Path)
	}

	w.current = nil
	w.last = c
	w.chunks++

	w.log.Info("chunk finalized",
		logger.Int("seq", c.Seq),
		logger.String("path", c.Path),
		logger.Int64("bytes", c.Bytes),
		logger.Duration("duration", c.Duration),
		logger.String("reason", reason))

	w.publish(events.NewEvent(events.KindChunkRotated, ComponentArchive, "chunk finalized: "+c.Path).
		With("path", c.Path).
		With("seq", c.Seq).
		With("day", c.Day).
		With("day_index", c.DayIndex).
		With("started_at", c.StartedAt).
		With("frames", c.Frames).
		With("bytes", c.Bytes).
		With("duration", c.Duration).
		With("reason", reason))
	return nil
}

func (w *Writer) capReachedLocked() bool {
	return w.cfg.MaxChunksPerDay > 0 && w.dayCount >= w.cfg.MaxChunksPerDay
}

func (w *Writer) pauseLocked() {
	w.state = StateQuotaPaused
	w.pausedDay = w.day
	if w.quotaDay == w.day {
		return
	}
	w.quotaDay = w.day

	w.log.Warn("daily chunk limit reached, pausing until next day",
		logger.String("day", w.day),
		logger.Int("max_chunks_per_day", w.cfg.MaxChunksPerDay))
	w.publish(events.NewEvent(events.KindQuotaReached, ComponentArchive,
		fmt.Sprintf("daily limit of %d chunks reached for %s", w.cfg.MaxChunksPerDay, w.day)).
		With("day", w.day).
		With("max_chunks_per_day", w.cfg.MaxChunksPerDay))
}

// failLocked closes the writer with a write error. The partial chunk is
// closed without finalizing its header.
func (w *Writer) failLocked(cause error, op, path string) error {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
		w.enc = nil
	}
	w.current = nil
	w.state = StateClosed

	err := errors.New(cause).
		Component(ComponentArchive).
		Category(errors.CategoryWrite).
		Priority(errors.PriorityCritical).
		Context("operation", op).
		Context("path", path).
		Build()
	w.err = err

	w.log.Error("chunk write failed",
		logger.String("operation", op),
		logger.String("path", path),
		logger.Error(cause))
	w.publish(events.NewEvent(events.KindWriteFailed, ComponentArchive, fmt.Sprintf("%s %s: %v", op, path, cause)).
		With("operation", op).
		With("path", path))
	return err
}

func (w *Writer) publish(e events.HealthEvent) {
	e.SessionID = w.cfg.SessionID
	w.bus.Publish(e)
}

func (w *Writer) durationOf(frames int64) time.Duration {
	return time.Duration(float64(frames) / float64(w.cfg.Format.SampleRate) * float64(time.Second))
}

// GetLogger returns the archive module logger
func GetLogger() logger.Logger {
	return logger.Global().Module(ComponentArchive)
}
