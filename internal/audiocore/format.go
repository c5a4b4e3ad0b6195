package audiocore

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// SampleFormat is the PCM sample encoding of a session
type SampleFormat string

const (
	SampleFormatS16 SampleFormat = "s16"
	SampleFormatS24 SampleFormat = "s24"
	SampleFormatS32 SampleFormat = "s32"
	SampleFormatF32 SampleFormat = "f32"
)

// ParseSampleFormat validates a sample format name
func ParseSampleFormat(s string) (SampleFormat, error) {
	switch f := SampleFormat(s); f {
	case SampleFormatS16, SampleFormatS24, SampleFormatS32, SampleFormatF32:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported sample format %q", s)
	}
}

// BitDepth returns the bits per sample
func (f SampleFormat) BitDepth() int {
	switch f {
	case SampleFormatS24:
		return 24
	case SampleFormatS32, SampleFormatF32:
		return 32
	default:
		return 16
	}
}

// IsFloat reports whether samples are IEEE floats
func (f SampleFormat) IsFloat() bool {
	return f == SampleFormatF32
}

// FFmpegFormat returns the raw demuxer name ffmpeg uses for this format
func (f SampleFormat) FFmpegFormat() string {
	return string(f) + "le"
}

// Format describes the fixed audio layout of a session
type Format struct {
	SampleRate   int
	Channels     int
	SampleFormat SampleFormat
	BitDepth     int
	FrameSize    int // sample frames per Frame
}

// NewFormat builds a Format, deriving the bit depth from the sample format
func NewFormat(sampleRate, channels int, sf SampleFormat, frameSize int) Format {
	return Format{
		SampleRate:   sampleRate,
		Channels:     channels,
		SampleFormat: sf,
		BitDepth:     sf.BitDepth(),
		FrameSize:    frameSize,
	}
}

// Validate checks that the format can be captured and encoded
func (f Format) Validate() error {
	if f.SampleRate <= 0 || f.Channels <= 0 || f.FrameSize <= 0 {
		return fmt.Errorf("invalid format: rate=%d channels=%d frame_size=%d", f.SampleRate, f.Channels, f.FrameSize)
	}
	if _, err := ParseSampleFormat(string(f.SampleFormat)); err != nil {
		return err
	}
	if f.BitDepth != f.SampleFormat.BitDepth() {
		return fmt.Errorf("bit depth %d does not match sample format %s", f.BitDepth, f.SampleFormat)
	}
	return nil
}

// BytesPerSample returns the size of one sample of one channel
func (f Format) BytesPerSample() int {
	return f.BitDepth / 8
}

// BytesPerSampleFrame returns the size of one sample across all channels
func (f Format) BytesPerSampleFrame() int {
	return f.BytesPerSample() * f.Channels
}

// BytesPerFrame returns the nominal size of a full Frame
func (f Format) BytesPerFrame() int {
	return f.BytesPerSampleFrame() * f.FrameSize
}

// BytesPerSecond returns the PCM data rate
func (f Format) BytesPerSecond() int {
	return f.BytesPerSampleFrame() * f.SampleRate
}

// FrameDuration returns the duration of a full Frame
func (f Format) FrameDuration() time.Duration {
	if f.SampleRate == 0 {
		return 0
	}
	return time.Duration(f.FrameSize) * time.Second / time.Duration(f.SampleRate)
}

// FramesFor returns how many full Frames cover d, at least one
func (f Format) FramesFor(d time.Duration) int {
	fd := f.FrameDuration()
	if fd <= 0 {
		return 1
	}
	n := int((d + fd - 1) / fd)
	return max(n, 1)
}

// DurationOf returns the play time of n bytes of PCM in this format
func (f Format) DurationOf(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

func (f Format) String() string {
	return fmt.Sprintf("%d Hz, %d ch, %s, %d frames", f.SampleRate, f.Channels, f.SampleFormat, f.FrameSize)
}

// SampleAt decodes the sample at byte offset off as a value in [-1, 1]
func SampleAt(data []byte, off int, sf SampleFormat) float64 {
	switch sf {
	case SampleFormatS16:
		return float64(int16(binary.LittleEndian.Uint16(data[off:]))) / math.MaxInt16
	case SampleFormatS24:
		return float64(int24(data[off:])) / 8388607.0
	case SampleFormatS32:
		return float64(int32(binary.LittleEndian.Uint32(data[off:]))) / math.MaxInt32
	case SampleFormatF32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(data[off:])))
	default:
		return 0
	}
}

// PutSample encodes v, clamped to [-1, 1], at byte offset off
func PutSample(data []byte, off int, sf SampleFormat, v float64) {
	v = max(-1, min(1, v))
	switch sf {
	case SampleFormatS16:
		binary.LittleEndian.PutUint16(data[off:], uint16(int16(v*math.MaxInt16)))
	case SampleFormatS24:
		s := int32(v * 8388607.0)
		data[off] = byte(s)
		data[off+1] = byte(s >> 8)
		data[off+2] = byte(s >> 16)
	case SampleFormatS32:
		binary.LittleEndian.PutUint32(data[off:], uint32(int32(v*math.MaxInt32)))
	case SampleFormatF32:
		binary.LittleEndian.PutUint32(data[off:], math.Float32bits(float32(v)))
	}
}

// DecodeInts converts PCM bytes into integer samples for the WAV encoder,
// appending to dst. Float samples are carried as their IEEE bit pattern so
// the encoder writes them back unchanged.
func DecodeInts(dst []int, data []byte, sf SampleFormat) []int {
	switch sf {
	case SampleFormatS16:
		for i := 0; i+1 < len(data); i += 2 {
			dst = append(dst, int(int16(binary.LittleEndian.Uint16(data[i:]))))
		}
	case SampleFormatS24:
		for i := 0; i+2 < len(data); i += 3 {
			dst = append(dst, int(int24(data[i:])))
		}
	case SampleFormatS32, SampleFormatF32:
		for i := 0; i+3 < len(data); i += 4 {
			dst = append(dst, int(int32(binary.LittleEndian.Uint32(data[i:]))))
		}
	}
	return dst
}

func int24(b []byte) int32 {
	v := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16
	if v&0x800000 != 0 {
		v |= ^0xffffff
	}
	return v
}
