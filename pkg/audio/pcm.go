package audio

import (
	"encoding/binary"
	"math"
)

// Clamp limits a sample to the [-1, 1] range.
func Clamp(s float32) float32 {
	if s > 1 {
		return 1
	}
	if s < -1 {
		return -1
	}
	return s
}

// FloatToInt16 converts a float sample to signed 16-bit PCM, clamping first.
func FloatToInt16(s float32) int16 {
	return int16(math.Round(float64(Clamp(s)) * math.MaxInt16))
}

// EncodePCM16 converts float samples to little-endian signed 16-bit PCM.
// The returned slice is freshly allocated and owned by the caller.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(FloatToInt16(s)))
	}
	return out
}

// DecodePCM16 converts little-endian signed 16-bit PCM to float samples in
// [-1, 1). A trailing odd byte is ignored.
func DecodePCM16(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return out
}
