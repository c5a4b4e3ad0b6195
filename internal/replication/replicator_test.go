package replication

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/airlog/airlog/internal/conf"
	"github.com/airlog/airlog/internal/events"
	"github.com/airlog/airlog/internal/observability/metrics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type upload struct{ local, remote string }

type fakeUploader struct {
	mu      sync.Mutex
	uploads []upload
	err     error
	block   chan struct{}
	closed  bool
}

func (f *fakeUploader) Name() string { return "fake" }

func (f *fakeUploader) Upload(ctx context.Context, local, remote string) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.uploads = append(f.uploads, upload{local, remote})
	return nil
}

func (f *fakeUploader) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeUploader) Uploads() []upload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]upload(nil), f.uploads...)
}

type testMetrics struct {
	*metrics.TestRecorder
	mu       sync.Mutex
	uploaded int64
}

func (m *testMetrics) RecordUpload(size int64) {
	m.mu.Lock()
	m.uploaded += size
	m.mu.Unlock()
}

func (m *testMetrics) SetQueueDepth(int) {}

func newTestMetrics() *testMetrics {
	return &testMetrics{TestRecorder: metrics.NewTestRecorder()}
}

func writeChunk(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	f, err := os.Create(p)
	require.NoError(t, err)

	enc := wav.NewEncoder(f, 8000, 16, 1, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: 8000},
		Data:           make([]int, 800),
		SourceBitDepth: 16,
	}
	require.NoError(t, enc.Write(buf))
	require.NoError(t, enc.Close())
	require.NoError(t, f.Close())
	return p
}

func rotated(path string, started time.Time) events.HealthEvent {
	return events.NewEvent(events.KindChunkRotated, "archive", "chunk finalized").
		With("path", path).
		With("started_at", started)
}

func TestReplicatorUploadsRotatedChunks(t *testing.T) {
	dir := t.TempDir()
	up := &fakeUploader{}
	m := newTestMetrics()
	r := New(Config{RemotePath: "/srv/airlog"}, up, m)
	r.Start(context.Background())

	started := time.Date(2026, 4, 2, 13, 0, 0, 0, time.Local)
	p := writeChunk(t, dir, "airlog_130000.wav")
	require.NoError(t, r.ProcessEvent(rotated(p, started)))
	require.NoError(t, r.ProcessEvent(events.NewEvent(events.KindStallDetected, "watchdog", "stall")))

	r.Stop(5 * time.Second)

	got := up.Uploads()
	require.Len(t, got, 1)
	assert.Equal(t, p, got[0].local)
	assert.Equal(t, "/srv/airlog/2026/04-02/airlog_130000.wav", got[0].remote)
	assert.True(t, up.closed)
	assert.Equal(t, 1, m.GetOperationCount(metrics.OpUpload, metrics.StatusSuccess))
	assert.Equal(t, 1, m.GetOperationCount(metrics.OpVerify, metrics.StatusSuccess))
	assert.Positive(t, m.uploaded)

	_, err := os.Stat(p)
	assert.NoError(t, err, "chunk kept without delete_after")
}

func TestReplicatorDeleteAfter(t *testing.T) {
	dir := t.TempDir()
	up := &fakeUploader{}
	r := New(Config{RemotePath: "r", DeleteAfter: true}, up, nil)
	r.Start(context.Background())

	p := writeChunk(t, dir, "a.wav")
	assert.True(t, r.Enqueue(p, time.Now()))
	r.Stop(5 * time.Second)

	require.Len(t, up.Uploads(), 1)
	_, err := os.Stat(p)
	assert.True(t, os.IsNotExist(err))
}

func TestReplicatorKeepsChunkOnFailure(t *testing.T) {
	dir := t.TempDir()
	up := &fakeUploader{err: errors.New("connection refused")}
	m := newTestMetrics()
	r := New(Config{DeleteAfter: true}, up, m)
	r.Start(context.Background())

	p := writeChunk(t, dir, "a.wav")
	r.Enqueue(p, time.Now())
	r.Stop(5 * time.Second)

	assert.Equal(t, 1, m.GetOperationCount(metrics.OpUpload, metrics.StatusError))
	assert.Equal(t, 1, m.GetErrorCount(metrics.OpUpload, "fake"))
	_, err := os.Stat(p)
	assert.NoError(t, err)
}

func TestReplicatorSkipsInvalidChunk(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.wav")
	require.NoError(t, os.WriteFile(bad, []byte("not a wav"), 0o600))

	up := &fakeUploader{}
	m := newTestMetrics()
	r := New(Config{}, up, m)
	r.Start(context.Background())
	r.Enqueue(bad, time.Now())
	r.Stop(5 * time.Second)

	assert.Empty(t, up.Uploads())
	assert.Equal(t, 1, m.GetOperationCount(metrics.OpVerify, metrics.StatusError))
}

func TestReplicatorQueueFull(t *testing.T) {
	dir := t.TempDir()
	up := &fakeUploader{block: make(chan struct{})}
	m := newTestMetrics()
	r := New(Config{QueueSize: 1}, up, m)

	// not started: the queue fills without a consumer
	p := writeChunk(t, dir, "a.wav")
	assert.True(t, r.Enqueue(p, time.Now()))
	assert.False(t, r.Enqueue(p, time.Now()))
	assert.Equal(t, 1, m.GetOperationCount(metrics.OpUpload, metrics.StatusSkipped))

	close(up.block)
	r.Start(context.Background())
	r.Stop(5 * time.Second)
	assert.Len(t, up.Uploads(), 1)
	assert.False(t, r.Enqueue(p, time.Now()), "closed replicator rejects chunks")
}

func TestReplicatorStopTimeoutCancelsUpload(t *testing.T) {
	dir := t.TempDir()
	up := &fakeUploader{block: make(chan struct{})}
	r := New(Config{}, up, nil)
	r.Start(context.Background())
	r.Enqueue(writeChunk(t, dir, "a.wav"), time.Now())

	start := time.Now()
	r.Stop(100 * time.Millisecond)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Empty(t, up.Uploads())
}

func TestNewUploaderValidation(t *testing.T) {
	t.Parallel()

	_, err := NewUploader(conf.ReplicationSettings{Type: "ftp"})
	require.Error(t, err)

	_, err = NewUploader(conf.ReplicationSettings{Type: "sftp", Host: "h"})
	require.Error(t, err, "sftp needs a password or key")

	_, err = NewUploader(conf.ReplicationSettings{Type: "s3", Host: "h"})
	require.Error(t, err)

	u, err := NewUploader(conf.ReplicationSettings{Type: "ftp", Host: "h", Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, "ftp", u.Name())
	assert.Equal(t, DefaultFTPPort, u.(*FTPUploader).cfg.Port)

	s, err := NewUploader(conf.ReplicationSettings{Type: "sftp", Host: "h", Password: "p"})
	require.NoError(t, err)
	assert.Equal(t, DefaultSSHPort, s.(*SFTPUploader).cfg.Port)
	assert.Equal(t, DefaultTimeout, s.(*SFTPUploader).cfg.Timeout)
}

func TestIsTransientError(t *testing.T) {
	t.Parallel()

	assert.False(t, IsTransientError(nil))
	assert.True(t, IsTransientError(errors.New("read tcp: connection reset by peer")))
	assert.True(t, IsTransientError(errors.New("unexpected EOF")))
	assert.False(t, IsTransientError(errors.New("530 Login incorrect")))
}
