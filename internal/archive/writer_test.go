package archive

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airlog/airlog/internal/audiocore"
	"github.com/airlog/airlog/internal/errors"
	"github.com/airlog/airlog/internal/events"
)

const testPrefix = "studio"

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

// 8 kHz mono s16, 100 ms frames
func testFormat() audiocore.Format {
	return audiocore.NewFormat(8000, 1, audiocore.SampleFormatS16, 800)
}

func testConfig(dir string) Config {
	return Config{
		OutputDir:     dir,
		Prefix:        testPrefix,
		ChunkDuration: time.Second,
		Format:        testFormat(),
		Location:      time.UTC,
		SessionID:     "session-1",
	}
}

func newTestWriter(t *testing.T, cfg Config) (*Writer, *events.Collector) {
	t.Helper()
	c := events.NewCollector("test", 1000)
	w, err := NewWriter(cfg, c)
	require.NoError(t, err)
	require.NoError(t, w.Open(context.Background()))
	return w, c
}

// testFrame returns the i-th frame after start. Every sample holds i so
// the byte stream shows frame order.
func testFrame(f audiocore.Format, start time.Time, i int) audiocore.Frame {
	data := make([]byte, f.BytesPerFrame())
	for off := 0; off < len(data); off += f.BytesPerSample() {
		data[off] = byte(i)
		data[off+1] = byte(i >> 8)
	}
	return audiocore.Frame{
		Seq:       uint64(i + 1), //nolint:gosec // test index
		Timestamp: start.Add(time.Duration(i) * f.FrameDuration()),
		Data:      data,
	}
}

func writeFrames(t *testing.T, w *Writer, start time.Time, from, to int) []byte {
	t.Helper()
	var all []byte
	for i := from; i < to; i++ {
		fr := testFrame(w.cfg.Format, start, i)
		require.NoError(t, w.Write(fr))
		all = append(all, fr.Data...)
	}
	return all
}

func rotatedPaths(c *events.Collector) []string {
	var paths []string
	for _, e := range c.Events() {
		if e.Kind == events.KindChunkRotated {
			paths = append(paths, e.Fields["path"].(string))
		}
	}
	return paths
}

func TestWriterRotatesOnSampleCount(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	w, c := newTestWriter(t, testConfig(dir))

	payload := writeFrames(t, w, t0, 0, 25)
	assert.Equal(t, StateWriting, w.State())
	require.NoError(t, w.Close())
	require.NoError(t, w.Close(), "close is idempotent")
	assert.Equal(t, StateClosed, w.State())

	dayDir := filepath.Join(dir, "2026", "03-01")
	want := []string{
		filepath.Join(dayDir, "studio_100000.wav"),
		filepath.Join(dayDir, "studio_100001.wav"),
		filepath.Join(dayDir, "studio_100002.wav"),
	}
	assert.Equal(t, want, rotatedPaths(c))

	durations := []time.Duration{time.Second, time.Second, 500 * time.Millisecond}
	var written []byte
	for i, p := range want {
		info, err := VerifyChunk(p)
		require.NoError(t, err)
		assert.Equal(t, durations[i], info.Duration, p)
		assert.Equal(t, 8000, info.SampleRate)
		assert.Equal(t, 1, info.Channels)
		assert.Equal(t, 16, info.BitDepth)
		assert.False(t, info.Float)

		raw, err := os.ReadFile(p) //nolint:gosec // test file
		require.NoError(t, err)
		written = append(written, raw[44:]...)
	}
	assert.True(t, bytes.Equal(payload, written), "chunk payloads preserve frame order")

	stats := w.Stats()
	assert.Equal(t, 3, stats.Chunks)
	assert.Equal(t, uint64(25), stats.FramesWritten)
	require.NotNil(t, stats.Last)
	assert.Equal(t, 3, stats.Last.Seq)
	assert.Nil(t, stats.Current)

	first := c.Events()[0]
	assert.Equal(t, "session-1", first.SessionID)
	assert.Equal(t, 1, first.Fields["seq"])
	assert.Equal(t, int64(16000), first.Fields["bytes"])
	assert.Equal(t, time.Second, first.Fields["duration"])
	assert.Equal(t, "2026-03-01", first.Fields["day"])
}

func TestWriterChunkNamingFollowsFrameClock(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.FilenameDate = true
	w, c := newTestWriter(t, cfg)

	// A chunk started just before midnight stays in the day it started.
	start := time.Date(2026, 12, 31, 23, 59, 59, 500_000_000, time.UTC)
	writeFrames(t, w, start, 0, 10)
	writeFrames(t, w, start, 10, 12)
	require.NoError(t, w.Close())

	paths := rotatedPaths(c)
	require.Len(t, paths, 2)
	assert.Equal(t, filepath.Join(dir, "2026", "12-31", "studio_20261231_235959.wav"), paths[0])
	assert.Equal(t, filepath.Join(dir, "2027", "01-01", "studio_20270101_000000.wav"), paths[1])
}

func TestWriterAvoidsNameCollisions(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	dayDir := filepath.Join(dir, "2026", "03-01")
	require.NoError(t, os.MkdirAll(dayDir, 0o755))
	existing := filepath.Join(dayDir, "studio_100000.wav")
	require.NoError(t, os.WriteFile(existing, []byte("keep"), 0o600))

	w, c := newTestWriter(t, testConfig(dir))
	writeFrames(t, w, t0, 0, 3)
	require.NoError(t, w.Close())

	assert.Equal(t, []string{filepath.Join(dayDir, "studio_100000_1.wav")}, rotatedPaths(c))
	raw, err := os.ReadFile(existing) //nolint:gosec // test file
	require.NoError(t, err)
	assert.Equal(t, "keep", string(raw))
}

func TestWriterDiscontinuityStartsNewChunk(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	w, c := newTestWriter(t, testConfig(dir))

	before := writeFrames(t, w, t0, 0, 4)

	// the device came back 30 s later
	resumeAt := t0.Add(30 * time.Second)
	fr := testFrame(w.cfg.Format, resumeAt, 0)
	fr.Discontinuity = true
	require.NoError(t, w.Write(fr))
	after := append(fr.Data, writeFrames(t, w, resumeAt, 1, 3)...)
	require.NoError(t, w.Close())

	dayDir := filepath.Join(dir, "2026", "03-01")
	paths := rotatedPaths(c)
	require.Equal(t, []string{
		filepath.Join(dayDir, "studio_100000.wav"),
		filepath.Join(dayDir, "studio_100030.wav"),
	}, paths)

	info, err := VerifyChunk(paths[0])
	require.NoError(t, err)
	assert.Equal(t, 400*time.Millisecond, info.Duration, "chunk cut short by the gap")

	for i, want := range [][]byte{before, after} {
		raw, err := os.ReadFile(paths[i]) //nolint:gosec // test file
		require.NoError(t, err)
		assert.True(t, bytes.Equal(want, raw[44:]), "chunk %d payload", i+1)
	}

	reasons := []string{}
	for _, e := range c.Events() {
		if e.Kind == events.KindChunkRotated {
			reasons = append(reasons, e.Fields["reason"].(string))
		}
	}
	assert.Equal(t, []string{ReasonDiscontinuity, ReasonClose}, reasons)
	assert.Equal(t, 2, w.Stats().Last.Seq)
}

func TestWriterDiscontinuityWithoutOpenChunk(t *testing.T) {
	t.Parallel()

	w, c := newTestWriter(t, testConfig(t.TempDir()))
	fr := testFrame(w.cfg.Format, t0, 0)
	fr.Discontinuity = true
	require.NoError(t, w.Write(fr))
	require.NoError(t, w.Close())
	assert.Len(t, rotatedPaths(c), 1)
}

func TestWriterStatsDoNotWaitForBlockedWrite(t *testing.T) {
	t.Parallel()

	w, _ := newTestWriter(t, testConfig(t.TempDir()))
	writeFrames(t, w, t0, 0, 2)

	// a write stuck on the disk holds the writer lock
	w.mu.Lock()
	done := make(chan Stats, 1)
	go func() { done <- w.Stats() }()
	select {
	case st := <-done:
		assert.Equal(t, StateWriting, st.State)
		assert.Equal(t, uint64(2), st.FramesWritten)
		require.NotNil(t, st.Current)
	case <-time.After(time.Second):
		t.Fatal("Stats blocked behind the writer lock")
	}
	w.mu.Unlock()
	require.NoError(t, w.Close())
}

func TestWriterDailyCapSeededFromArchive(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	dayDir := filepath.Join(dir, "2026", "03-01")
	require.NoError(t, os.MkdirAll(dayDir, 0o755))
	for _, name := range []string{"studio_080000.wav", "studio_081500.wav", "other_090000.wav", "studio_notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dayDir, name), nil, 0o600))
	}

	cfg := testConfig(dir)
	cfg.MaxChunksPerDay = 3
	w, c := newTestWriter(t, cfg)

	// Two existing chunks leave room for one more today.
	writeFrames(t, w, t0, 0, 10)
	assert.Equal(t, StateQuotaPaused, w.State())
	assert.Equal(t, 1, c.Count(events.KindChunkRotated))
	assert.Equal(t, 1, c.Count(events.KindQuotaReached))

	writeFrames(t, w, t0, 10, 40)
	assert.Equal(t, StateQuotaPaused, w.State())
	assert.Equal(t, 1, c.Count(events.KindQuotaReached), "quota event is emitted once per day")
	assert.Equal(t, uint64(30), w.Stats().FramesDropped)

	next := time.Date(2026, 3, 2, 0, 0, 5, 0, time.UTC)
	writeFrames(t, w, next, 0, 2)
	assert.Equal(t, StateWriting, w.State())
	stats := w.Stats()
	require.NotNil(t, stats.Current)
	assert.Equal(t, "2026-03-02", stats.Current.Day)
	assert.Equal(t, 1, stats.Current.DayIndex)
	assert.Equal(t, 1, stats.ChunksToday)

	require.NoError(t, w.Close())
	assert.Equal(t, 2, c.Count(events.KindChunkRotated))

	quota := c.Events()[1]
	assert.Equal(t, events.KindQuotaReached, quota.Kind)
	assert.Equal(t, "2026-03-01", quota.Fields["day"])
}

func TestWriterStartsPausedWhenCapAlreadyReached(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	dayDir := filepath.Join(dir, "2026", "03-01")
	require.NoError(t, os.MkdirAll(dayDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dayDir, "studio_080000.wav"), nil, 0o600))

	cfg := testConfig(dir)
	cfg.MaxChunksPerDay = 1
	w, c := newTestWriter(t, cfg)

	writeFrames(t, w, t0, 0, 5)
	assert.Equal(t, StateQuotaPaused, w.State())
	assert.Equal(t, 1, c.Count(events.KindQuotaReached))
	assert.Zero(t, c.Count(events.KindChunkRotated))
	require.NoError(t, w.Close())
}

func TestWriterDailyCapCountsChunksRemovedFromDisk(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	dayDir := filepath.Join(dir, "2026", "03-01")
	require.NoError(t, os.MkdirAll(dayDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dayDir, "studio_080000.wav"), nil, 0o600))

	var asked []string
	cfg := testConfig(dir)
	cfg.MaxChunksPerDay = 3
	// two more chunks were shipped off-site and deleted locally
	cfg.DayCount = func(day string) (int, error) {
		asked = append(asked, day)
		return 3, nil
	}
	w, c := newTestWriter(t, cfg)

	writeFrames(t, w, t0, 0, 5)
	assert.Equal(t, StateQuotaPaused, w.State())
	assert.Equal(t, 1, c.Count(events.KindQuotaReached))
	assert.Zero(t, c.Count(events.KindChunkRotated))
	assert.Equal(t, []string{"2026-03-01"}, asked)
	require.NoError(t, w.Close())
}

func TestWriterDailyCapFallsBackToFilesWhenCountFails(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t.TempDir())
	cfg.MaxChunksPerDay = 2
	cfg.DayCount = func(string) (int, error) { return 0, errors.NewStd("catalog offline") }
	w, c := newTestWriter(t, cfg)

	writeFrames(t, w, t0, 0, 5)
	assert.Equal(t, StateWriting, w.State())
	require.NoError(t, w.Close())
	assert.Equal(t, 1, c.Count(events.KindChunkRotated))
}

func TestWriterWriteFailureClosesWriter(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	// A regular file where the year directory belongs makes MkdirAll fail.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "2026"), nil, 0o600))

	w, c := newTestWriter(t, testConfig(dir))
	err := w.Write(testFrame(testFormat(), t0, 0))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryWrite))
	assert.Equal(t, StateClosed, w.State())
	assert.Equal(t, err, w.Err())
	assert.Equal(t, 1, c.Count(events.KindWriteFailed))

	err = w.Write(testFrame(testFormat(), t0, 1))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryWrite))
	require.NoError(t, w.Close())
}

func TestWriterRejectsWritesAfterClose(t *testing.T) {
	t.Parallel()

	w, _ := newTestWriter(t, testConfig(t.TempDir()))
	require.NoError(t, w.Close())
	require.ErrorIs(t, w.Write(testFrame(testFormat(), t0, 0)), ErrWriterClosed)
	require.ErrorIs(t, w.Open(context.Background()), ErrWriterClosed)
}

func TestWriterFloatChunks(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.Format = audiocore.NewFormat(8000, 2, audiocore.SampleFormatF32, 800)
	w, c := newTestWriter(t, cfg)

	data := make([]byte, cfg.Format.BytesPerFrame())
	for off := 0; off < len(data); off += 4 {
		audiocore.PutSample(data, off, audiocore.SampleFormatF32, 0.25)
	}
	require.NoError(t, w.Write(audiocore.Frame{Seq: 1, Timestamp: t0, Data: data}))
	require.NoError(t, w.Close())

	paths := rotatedPaths(c)
	require.Len(t, paths, 1)
	info, err := VerifyChunk(paths[0])
	require.NoError(t, err)
	assert.True(t, info.Float)
	assert.Equal(t, 32, info.BitDepth)
	assert.Equal(t, 2, info.Channels)
	assert.Equal(t, 100*time.Millisecond, info.Duration)

	raw, err := os.ReadFile(paths[0]) //nolint:gosec // test file
	require.NoError(t, err)
	assert.InDelta(t, 0.25, audiocore.SampleAt(raw[len(raw)-4:], 0, audiocore.SampleFormatF32), 1e-6)
}

func TestNewWriterValidatesConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t.TempDir())
	cfg.ChunkDuration = 0
	_, err := NewWriter(cfg, nil)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfig))

	cfg = testConfig(t.TempDir())
	cfg.Prefix = ""
	_, err = NewWriter(cfg, nil)
	require.Error(t, err)
}

func TestVerifyChunkRejectsGarbage(t *testing.T) {
	t.Parallel()

	p := filepath.Join(t.TempDir(), "broken.wav")
	require.NoError(t, os.WriteFile(p, []byte("definitely not a RIFF file"), 0o600))
	_, err := VerifyChunk(p)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryFileIO))

	_, err = VerifyChunk(filepath.Join(t.TempDir(), "missing.wav"))
	require.Error(t, err)
}

func TestCountChunks(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	n, err := CountChunks(filepath.Join(dir, "nope"), testPrefix)
	require.NoError(t, err)
	assert.Zero(t, n)

	for _, name := range []string{"studio_1.wav", "studio_2.WAV", "studio.wav", "studio_3.flac"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o600))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "studio_dir.wav"), 0o755))

	n, err = CountChunks(dir, testPrefix)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
