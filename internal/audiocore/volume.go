package audiocore

import (
	"encoding/binary"
	"math"
)

// MaxMonitorVolume is the highest monitor playback gain
const MaxMonitorVolume = 1.5

// ClampVolume limits a playback gain to [0, MaxMonitorVolume]
func ClampVolume(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return max(0, min(MaxMonitorVolume, v))
}

// ScalePCM writes src multiplied by gain into dst, which must be at least
// as long as src. Integer samples are rounded and saturate at full scale.
func ScalePCM(dst, src []byte, sf SampleFormat, gain float64) {
	if gain == 1 {
		copy(dst, src)
		return
	}

	switch sf {
	case SampleFormatS16:
		for off := 0; off+2 <= len(src); off += 2 {
			v := float64(int16(binary.LittleEndian.Uint16(src[off:])))
			s := saturate(v*gain, math.MinInt16, math.MaxInt16)
			binary.LittleEndian.PutUint16(dst[off:], uint16(int16(s))) //nolint:gosec // saturated above
		}
	case SampleFormatS24:
		for off := 0; off+3 <= len(src); off += 3 {
			s := int32(saturate(float64(int24(src[off:]))*gain, -8388608, 8388607)) //nolint:gosec // saturated
			dst[off] = byte(s)
			dst[off+1] = byte(s >> 8)
			dst[off+2] = byte(s >> 16)
		}
	case SampleFormatS32:
		for off := 0; off+4 <= len(src); off += 4 {
			v := float64(int32(binary.LittleEndian.Uint32(src[off:]))) //nolint:gosec // bit pattern
			s := saturate(v*gain, math.MinInt32, math.MaxInt32)
			binary.LittleEndian.PutUint32(dst[off:], uint32(int32(s))) //nolint:gosec // saturated above
		}
	case SampleFormatF32:
		for off := 0; off+4 <= len(src); off += 4 {
			v := float64(math.Float32frombits(binary.LittleEndian.Uint32(src[off:])))
			binary.LittleEndian.PutUint32(dst[off:], math.Float32bits(float32(max(-1, min(1, v*gain)))))
		}
	default:
		copy(dst, src)
	}
}

func saturate(v, lo, hi float64) int64 {
	return int64(math.Round(max(lo, min(hi, v))))
}
