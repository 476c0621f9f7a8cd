package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeS16LE(t *testing.T) {
	pcm := []byte{
		0x00, 0x00, // 0
		0x00, 0x40, // 16384
		0x00, 0x80, // -32768
		0xff, 0x7f, // 32767
		0x01, // trailing odd byte
	}
	got := DecodeS16LE(nil, pcm)
	assert.Equal(t, []float64{0, 0.5, -1, 32767.0 / 32768.0}, got)
}

func TestDecodeS16LEAppends(t *testing.T) {
	got := DecodeS16LE([]float64{9}, []byte{0x00, 0x40})
	assert.Equal(t, []float64{9, 0.5}, got)
}

func TestEncodeS16LEClips(t *testing.T) {
	pcm := EncodeS16LE([]float64{0, 0.5, 2, -2})
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x40, 0xff, 0x7f, 0x00, 0x80}, pcm)
}
