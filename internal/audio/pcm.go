package audio

import (
	"encoding/binary"
	"math"
)

// FloatToPCM16 converts a normalized sample to int16, saturating outside [-1, 1].
func FloatToPCM16(s float32) int16 {
	v := float64(s)
	switch {
	case math.IsNaN(v):
		return 0
	case v >= 1:
		return math.MaxInt16
	case v <= -1:
		return math.MinInt16
	case v < 0:
		return int16(math.Round(v * 32768))
	default:
		return int16(math.Round(v * 32767))
	}
}

// PCM16ToFloat is the inverse of FloatToPCM16.
func PCM16ToFloat(s int16) float32 {
	if s < 0 {
		return float32(float64(s) / 32768)
	}
	return float32(float64(s) / 32767)
}

// EncodePCM16LE converts normalized samples to little-endian PCM16 bytes.
func EncodePCM16LE(samples []float32) []byte {
	out := make([]byte, len(samples)*bytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*bytesPerSample:], uint16(FloatToPCM16(s)))
	}
	return out
}

// DecodePCM16LE converts little-endian PCM16 bytes to normalized samples.
// A trailing odd byte is ignored.
func DecodePCM16LE(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/bytesPerSample)
	for i := range out {
		out[i] = PCM16ToFloat(int16(binary.LittleEndian.Uint16(pcm[i*bytesPerSample:])))
	}
	return out
}

// decodeFloat32LE reads little-endian IEEE float samples as produced by
// `ffmpeg -f f32le`.
func decodeFloat32LE(raw []byte, dst []float32) []float32 {
	n := len(raw) / 4
	if cap(dst) < n {
		dst = make([]float32, n)
	}
	dst = dst[:n]
	for i := 0; i < n; i++ {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return dst
}
