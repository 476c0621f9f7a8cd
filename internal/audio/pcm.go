// Package audio captures microphone input and turns it into spectral snapshots and noise levels.
package audio

import "encoding/binary"

// MaxSampleValue is the maximum absolute value for 16-bit signed audio.
const MaxSampleValue = 32768.0

// BytesPerSample is the size of one mono S16LE sample.
const BytesPerSample = 2

// DecodeS16LE converts mono S16LE PCM into samples in [-1, 1), appending to dst.
// A trailing odd byte is ignored.
func DecodeS16LE(dst []float64, pcm []byte) []float64 {
	for i := 0; i+1 < len(pcm); i += BytesPerSample {
		s := int16(binary.LittleEndian.Uint16(pcm[i:]))
		dst = append(dst, float64(s)/MaxSampleValue)
	}
	return dst
}

// EncodeS16LE converts samples in [-1, 1] into mono S16LE PCM, clipping out-of-range values.
func EncodeS16LE(samples []float64) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		v := s * MaxSampleValue
		switch {
		case v > MaxSampleValue-1:
			v = MaxSampleValue - 1
		case v < -MaxSampleValue:
			v = -MaxSampleValue
		}
		binary.LittleEndian.PutUint16(out[i*BytesPerSample:], uint16(int16(v)))
	}
	return out
}
