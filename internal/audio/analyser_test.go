package audio

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultAnalyserConfig() AnalyserConfig {
	return AnalyserConfig{
		FFTSize:     DefaultFFTSize,
		Smoothing:   DefaultSmoothing,
		MinDecibels: DefaultMinDecibels,
		MaxDecibels: DefaultMaxDecibels,
	}
}

// sine returns n samples of a sine wave that lands exactly on the given bin.
func sine(n, bin int, amplitude float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = amplitude * math.Sin(2*math.Pi*float64(bin)*float64(i)/float64(n))
	}
	return out
}

func TestAnalyserConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*AnalyserConfig)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*AnalyserConfig) {}},
		{name: "fft not power of two", mutate: func(c *AnalyserConfig) { c.FFTSize = 300 }, wantErr: true},
		{name: "fft too small", mutate: func(c *AnalyserConfig) { c.FFTSize = 16 }, wantErr: true},
		{name: "smoothing one", mutate: func(c *AnalyserConfig) { c.Smoothing = 1 }, wantErr: true},
		{name: "negative smoothing", mutate: func(c *AnalyserConfig) { c.Smoothing = -0.1 }, wantErr: true},
		{name: "decibel range inverted", mutate: func(c *AnalyserConfig) { c.MinDecibels = -20 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultAnalyserConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAnalyserBinCount(t *testing.T) {
	a, err := NewAnalyser(defaultAnalyserConfig())
	require.NoError(t, err)
	assert.Equal(t, 128, a.BinCount())
	assert.Len(t, a.ByteFrequencyData(nil), 128)
}

func TestAnalyserSilenceIsZero(t *testing.T) {
	a, err := NewAnalyser(defaultAnalyserConfig())
	require.NoError(t, err)

	a.Push(make([]float64, DefaultFFTSize))
	data := a.ByteFrequencyData(nil)
	for i, v := range data {
		assert.Zero(t, v, "bin %d", i)
	}
	assert.Zero(t, Volume(data))
}

func TestAnalyserSinePeaksAtItsBin(t *testing.T) {
	a, err := NewAnalyser(defaultAnalyserConfig())
	require.NoError(t, err)

	a.Push(sine(DefaultFFTSize, 10, 1.0))
	data := a.ByteFrequencyData(nil)

	assert.Equal(t, byte(255), data[10])
	assert.Less(t, data[100], byte(10))
	for i, v := range data {
		assert.LessOrEqual(t, v, data[10], "bin %d", i)
	}
}

func TestAnalyserSmoothingDecays(t *testing.T) {
	a, err := NewAnalyser(defaultAnalyserConfig())
	require.NoError(t, err)

	// A quiet tone that maps inside the byte range.
	a.Push(sine(DefaultFFTSize, 20, 0.001))
	first := a.ByteFrequencyData(nil)[20]
	second := a.ByteFrequencyData(nil)[20]
	require.Positive(t, first)
	assert.Greater(t, second, first, "smoothing converges upward toward the steady magnitude")

	a.Push(make([]float64, DefaultFFTSize))
	decayed := a.ByteFrequencyData(nil)[20]
	assert.Less(t, decayed, second)
	assert.Positive(t, decayed, "smoothing keeps part of the previous magnitude")

	a.Reset()
	a.Push(make([]float64, DefaultFFTSize))
	assert.Zero(t, a.ByteFrequencyData(nil)[20])
}

func TestAnalyserPushKeepsNewestSamples(t *testing.T) {
	a, err := NewAnalyser(AnalyserConfig{FFTSize: 32, Smoothing: 0, MinDecibels: -100, MaxDecibels: -30})
	require.NoError(t, err)

	a.Push([]float64{1, 2, 3})
	a.Push([]float64{4})
	assert.Equal(t, []float64{1, 2, 3, 4}, a.input[28:])

	long := make([]float64, 40)
	for i := range long {
		long[i] = float64(i)
	}
	a.Push(long)
	assert.Equal(t, float64(8), a.input[0])
	assert.Equal(t, float64(39), a.input[31])
}

func TestBlackmanWindowShape(t *testing.T) {
	w := blackman(256)
	assert.InDelta(t, 0.0, w[0], 1e-12)
	assert.InDelta(t, 1.0, w[128], 1e-12)
	assert.InDelta(t, w[1], w[255], 1e-12)
}
