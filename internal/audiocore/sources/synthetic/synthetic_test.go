package synthetic

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/airlog/airlog/internal/audiocore"
	"github.com/airlog/airlog/internal/errors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig() audiocore.DeviceConfig {
	return audiocore.DeviceConfig{
		SampleRate:   8000,
		Channels:     2,
		SampleFormat: audiocore.SampleFormatS16,
		FrameSize:    80,
		DeviceIndex:  -1,
		DeviceName:   DeviceName,
	}
}

func TestSourceProducesFrames(t *testing.T) {
	t.Parallel()

	src := New(Options{Interval: time.Millisecond})
	require.NoError(t, src.Open(testConfig()))

	var frames atomic.Int32
	var lastSeq atomic.Uint64
	var size atomic.Int32
	require.NoError(t, src.Start(func(f audiocore.Frame) bool {
		frames.Add(1)
		lastSeq.Store(f.Seq)
		size.Store(int32(len(f.Data))) //nolint:gosec // small frame
		return true
	}))
	require.ErrorIs(t, src.Start(func(audiocore.Frame) bool { return true }), audiocore.ErrRunning)

	require.Eventually(t, func() bool { return frames.Load() >= 5 }, time.Second, time.Millisecond)
	require.NoError(t, src.Stop())
	require.NoError(t, src.Stop())

	assert.Equal(t, int32(80*2*2), size.Load())
	assert.Equal(t, uint64(frames.Load()), lastSeq.Load())
	assert.Equal(t, uint64(frames.Load()), src.Stats().Frames)
	assert.Greater(t, audiocore.RMS(src.render(), src.Format()), 0.3)
}

func TestSourceCountsOverruns(t *testing.T) {
	t.Parallel()

	src := New(Options{Interval: time.Millisecond})
	require.NoError(t, src.Open(testConfig()))
	require.NoError(t, src.Start(func(audiocore.Frame) bool { return false }))
	require.Eventually(t, func() bool { return src.Stats().Overruns >= 3 }, time.Second, time.Millisecond)
	require.NoError(t, src.Stop())
}

func TestSourceRequiresOpen(t *testing.T) {
	t.Parallel()

	src := New(Options{})
	require.ErrorIs(t, src.Start(func(audiocore.Frame) bool { return true }), audiocore.ErrNotOpen)

	cfg := testConfig()
	cfg.SampleFormat = "u8"
	require.Error(t, src.Open(cfg))
}

func TestPauseStopsDeliveryUntilReopen(t *testing.T) {
	t.Parallel()

	src := New(Options{Interval: time.Millisecond})
	var frames atomic.Int32
	handler := func(audiocore.Frame) bool { frames.Add(1); return true }

	capture := audiocore.NewCapture(src, testConfig(), handler)
	require.NoError(t, capture.Start())
	require.Eventually(t, func() bool { return frames.Load() > 0 }, time.Second, time.Millisecond)

	src.Pause()
	time.Sleep(5 * time.Millisecond)
	paused := frames.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, paused, frames.Load(), "no frames while paused")

	require.NoError(t, capture.Restart())
	require.Eventually(t, func() bool { return frames.Load() > paused }, time.Second, time.Millisecond)
	assert.Equal(t, 1, capture.Restarts())
	assert.Equal(t, 2, src.Opens())

	require.NoError(t, capture.Stop())
	require.NoError(t, capture.Stop())
}

func TestRestartMarksFirstFrameAsDiscontinuity(t *testing.T) {
	t.Parallel()

	src := New(Options{Interval: time.Millisecond})
	var mu sync.Mutex
	var marks []bool
	var refuse atomic.Bool
	handler := func(f audiocore.Frame) bool {
		if refuse.Load() {
			return false
		}
		mu.Lock()
		marks = append(marks, f.Discontinuity)
		mu.Unlock()
		return true
	}
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(marks)
	}

	capture := audiocore.NewCapture(src, testConfig(), handler)
	require.NoError(t, capture.Start())
	require.Eventually(t, func() bool { return count() >= 3 }, time.Second, time.Millisecond)

	// the first frames after the restart are refused; the mark waits for
	// one that is accepted
	refuse.Store(true)
	require.NoError(t, capture.Restart())
	time.Sleep(5 * time.Millisecond)
	before := count()
	refuse.Store(false)
	require.Eventually(t, func() bool { return count() >= before+3 }, time.Second, time.Millisecond)
	require.NoError(t, capture.Stop())

	mu.Lock()
	defer mu.Unlock()
	var flagged []int
	for i, m := range marks {
		if m {
			flagged = append(flagged, i)
		}
	}
	assert.Equal(t, []int{before}, flagged, "exactly the first accepted frame after the restart is marked")
}

func TestHangSurvivesRestart(t *testing.T) {
	t.Parallel()

	src := New(Options{Interval: time.Millisecond})
	var frames atomic.Int32
	capture := audiocore.NewCapture(src, testConfig(), func(audiocore.Frame) bool { frames.Add(1); return true })
	require.NoError(t, capture.Start())
	defer func() { require.NoError(t, capture.Stop()) }()

	src.Hang()
	require.NoError(t, capture.Restart())
	time.Sleep(5 * time.Millisecond)
	n := frames.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, frames.Load())

	src.Resume()
	require.Eventually(t, func() bool { return frames.Load() > n }, time.Second, time.Millisecond)
}

func TestInjectedOpenFailures(t *testing.T) {
	t.Parallel()

	src := New(Options{Interval: time.Millisecond})
	capture := audiocore.NewCapture(src, testConfig(), func(audiocore.Frame) bool { return true })

	src.FailOpens(2)
	err := capture.Start()
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryDevice))

	require.Error(t, capture.Restart())
	require.NoError(t, capture.Restart())
	assert.Equal(t, 3, src.Opens())
	require.NoError(t, capture.Stop())
}
