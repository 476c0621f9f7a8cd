package alarm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/go-audio/wav"
)

const (
	outputChannels = 2
	bytesPerSample = 2
	wavFormatPCM   = 1
)

// decodeWAV decodes PCM WAV data into stereo S16LE at the given rate.
func decodeWAV(data []byte, rate int) (*Sound, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, fmt.Errorf("%w: not a WAV file", ErrUnsupportedSound)
	}

	decoder := wav.NewDecoder(bytes.NewReader(data))
	decoder.ReadInfo()
	if !decoder.IsValidFile() {
		return nil, fmt.Errorf("%w: invalid WAV header", ErrSoundDecode)
	}
	if decoder.WavAudioFormat != wavFormatPCM {
		return nil, fmt.Errorf("%w: WAV encoding %d", ErrUnsupportedSound, decoder.WavAudioFormat)
	}
	if decoder.BitDepth != 16 && decoder.BitDepth != 24 && decoder.BitDepth != 32 {
		return nil, fmt.Errorf("%w: bit depth %d", ErrUnsupportedSound, decoder.BitDepth)
	}

	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSoundDecode, err)
	}

	channels := int(decoder.NumChans)
	srcRate := int(decoder.SampleRate)
	frames := len(buf.Data) / channels
	if frames == 0 {
		return nil, fmt.Errorf("%w: no audio frames", ErrSoundDecode)
	}

	divisor := float64(int64(1) << (decoder.BitDepth - 1))
	left := make([]float64, frames)
	right := make([]float64, frames)
	for i := range frames {
		base := i * channels
		left[i] = float64(buf.Data[base]) / divisor
		if channels > 1 {
			right[i] = float64(buf.Data[base+1]) / divisor
		} else {
			right[i] = left[i]
		}
	}

	left = resampleLinear(left, srcRate, rate)
	right = resampleLinear(right, srcRate, rate)
	return newSound(left, right, rate), nil
}

// resampleLinear converts samples between rates by linear interpolation.
func resampleLinear(in []float64, from, to int) []float64 {
	if from == to || len(in) == 0 {
		return in
	}
	n := int(math.Round(float64(len(in)) * float64(to) / float64(from)))
	out := make([]float64, max(n, 1))
	step := float64(from) / float64(to)
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := pos - float64(j)
		out[i] = in[j]*(1-frac) + in[j+1]*frac
	}
	return out
}

// newSound interleaves two channels into S16LE PCM.
func newSound(left, right []float64, rate int) *Sound {
	pcm := make([]byte, len(left)*outputChannels*bytesPerSample)
	for i := range left {
		off := i * outputChannels * bytesPerSample
		binary.LittleEndian.PutUint16(pcm[off:], uint16(toInt16(left[i])))
		binary.LittleEndian.PutUint16(pcm[off+bytesPerSample:], uint16(toInt16(right[i])))
	}
	return &Sound{
		PCM:        pcm,
		SampleRate: rate,
		Duration:   time.Duration(len(left)) * time.Second / time.Duration(rate),
	}
}

func toInt16(v float64) int16 {
	v = math.Round(v * 32767)
	return int16(max(-32768, min(32767, v)))
}
