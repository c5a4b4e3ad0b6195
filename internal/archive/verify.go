package archive

import (
	"fmt"
	"os"
	"time"

	"github.com/go-audio/wav"

	"github.com/airlog/airlog/internal/errors"
)

// ChunkInfo is the header information of a finalized chunk
type ChunkInfo struct {
	Path       string
	SampleRate int
	Channels   int
	BitDepth   int
	Float      bool
	DataBytes  int64
	Duration   time.Duration
}

// VerifyChunk decodes the WAV header of a finalized chunk and checks that
// its data size is consistent with the format.
func VerifyChunk(path string) (*ChunkInfo, error) {
	file, err := os.Open(path) //nolint:gosec // path is an archive file chosen by the caller
	if err != nil {
		return nil, verifyError(err, path)
	}
	defer func() { _ = file.Close() }()

	decoder := wav.NewDecoder(file)
	decoder.ReadInfo()
	if !decoder.IsValidFile() {
		return nil, verifyError(fmt.Errorf("not a valid WAV file"), path)
	}

	switch decoder.BitDepth {
	case 16, 24, 32:
	default:
		return nil, verifyError(fmt.Errorf("unsupported bit depth: %d", decoder.BitDepth), path)
	}
	if decoder.NumChans == 0 {
		return nil, verifyError(fmt.Errorf("header declares zero channels"), path)
	}

	if err := decoder.FwdToPCM(); err != nil {
		return nil, verifyError(fmt.Errorf("locate data chunk: %w", err), path)
	}

	info := &ChunkInfo{
		Path:       path,
		SampleRate: int(decoder.SampleRate),
		Channels:   int(decoder.NumChans),
		BitDepth:   int(decoder.BitDepth),
		Float:      decoder.WavAudioFormat == wavFormatFloat,
		DataBytes:  int64(decoder.PCMSize),
	}

	blockAlign := int64(info.Channels * info.BitDepth / 8)
	if info.DataBytes <= 0 {
		return nil, verifyError(fmt.Errorf("chunk holds no audio data"), path)
	}
	if info.DataBytes%blockAlign != 0 {
		return nil, verifyError(fmt.Errorf("data size %d is not a multiple of block align %d", info.DataBytes, blockAlign), path)
	}

	if info.SampleRate > 0 {
		frames := info.DataBytes / blockAlign
		info.Duration = time.Duration(float64(frames) / float64(info.SampleRate) * float64(time.Second))
	}

	stat, err := file.Stat()
	if err != nil {
		return nil, verifyError(err, path)
	}
	if stat.Size() < info.DataBytes {
		return nil, verifyError(fmt.Errorf("header claims %d data bytes but file has %d", info.DataBytes, stat.Size()), path)
	}

	return info, nil
}

func verifyError(err error, path string) error {
	return errors.New(err).
		Component(ComponentArchive).
		Category(errors.CategoryFileIO).
		Context("path", path).
		Build()
}
