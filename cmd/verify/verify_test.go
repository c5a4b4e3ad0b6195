package verify

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airlog/airlog/internal/archive"
)

func writeWAV(t *testing.T, path string, samples int) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	enc := wav.NewEncoder(f, 16000, 16, 1, 1)
	require.NoError(t, enc.Write(&audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: 16000},
		Data:           make([]int, samples),
		SourceBitDepth: 16,
	}))
	require.NoError(t, enc.Close())
	require.NoError(t, f.Close())
}

func TestRun(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	good := filepath.Join(dir, "good.wav")
	writeWAV(t, good, 16000)
	bad := filepath.Join(dir, "bad.wav")
	require.NoError(t, os.WriteFile(bad, []byte("RIFF...."), 0o600))

	var buf bytes.Buffer
	require.NoError(t, Run(&buf, []string{good}))
	assert.Contains(t, buf.String(), "OK   "+good+": 16000 Hz, 1 ch, 16-bit PCM, 1s (32000 bytes)")

	buf.Reset()
	err := Run(&buf, []string{good, bad, filepath.Join(dir, "missing.wav")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 of 3")
	assert.Contains(t, buf.String(), "FAIL "+bad)
}

func TestDescribeFloat(t *testing.T) {
	t.Parallel()

	s := Describe(&archive.ChunkInfo{Path: "x.wav", SampleRate: 48000, Channels: 2, BitDepth: 32, Float: true, DataBytes: 384000, Duration: time.Second})
	assert.Equal(t, "x.wav: 48000 Hz, 2 ch, 32-bit float, 1s (384000 bytes)", s)
}
