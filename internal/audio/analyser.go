package audio

import (
	"fmt"
	"math"
	"math/bits"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Analysis defaults.
const (
	DefaultFFTSize     = 256
	DefaultSmoothing   = 0.3
	DefaultMinDecibels = -100.0
	DefaultMaxDecibels = -30.0
)

// AnalyserConfig holds the spectral analysis parameters.
type AnalyserConfig struct {
	FFTSize     int     // Transform window in samples, power of two
	Smoothing   float64 // Time smoothing factor in [0, 1)
	MinDecibels float64 // Magnitude mapped to byte 0
	MaxDecibels float64 // Magnitude mapped to byte 255
}

// Validate checks the analysis parameters.
func (c AnalyserConfig) Validate() error {
	if c.FFTSize < 32 || c.FFTSize > 32768 || bits.OnesCount(uint(c.FFTSize)) != 1 {
		return fmt.Errorf("fft size %d: must be a power of two between 32 and 32768", c.FFTSize)
	}
	if c.Smoothing < 0 || c.Smoothing >= 1 {
		return fmt.Errorf("smoothing %.2f: must be in [0, 1)", c.Smoothing)
	}
	if c.MinDecibels >= c.MaxDecibels {
		return fmt.Errorf("min decibels %.1f must be below max decibels %.1f", c.MinDecibels, c.MaxDecibels)
	}
	return nil
}

// Analyser turns the most recent time-domain samples into byte magnitudes per frequency bin,
// using the same windowing, smoothing and dB mapping as a Web Audio AnalyserNode.
// It is not safe for concurrent use.
type Analyser struct {
	cfg      AnalyserConfig
	fft      *fourier.FFT
	window   []float64 // Blackman coefficients
	input    []float64 // rolling time-domain window, oldest first
	scratch  []float64
	coeffs   []complex128
	smoothed []float64
}

// NewAnalyser creates an analyser for the given configuration.
func NewAnalyser(cfg AnalyserConfig) (*Analyser, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	n := cfg.FFTSize
	a := &Analyser{
		cfg:      cfg,
		fft:      fourier.NewFFT(n),
		window:   blackman(n),
		input:    make([]float64, n),
		scratch:  make([]float64, n),
		coeffs:   make([]complex128, n/2+1),
		smoothed: make([]float64, n/2),
	}
	return a, nil
}

// blackman returns the Blackman window with alpha 0.16.
func blackman(n int) []float64 {
	const (
		a0 = 0.42
		a1 = 0.5
		a2 = 0.08
	)
	w := make([]float64, n)
	for i := range w {
		x := float64(i) / float64(n)
		w[i] = a0 - a1*math.Cos(2*math.Pi*x) + a2*math.Cos(4*math.Pi*x)
	}
	return w
}

// BinCount returns the number of frequency bins, half the FFT size.
func (a *Analyser) BinCount() int {
	return len(a.smoothed)
}

// Push appends samples to the rolling window, keeping only the newest FFTSize samples.
func (a *Analyser) Push(samples []float64) {
	n := len(a.input)
	if len(samples) >= n {
		copy(a.input, samples[len(samples)-n:])
		return
	}
	copy(a.input, a.input[len(samples):])
	copy(a.input[n-len(samples):], samples)
}

// ByteFrequencyData computes the current spectrum into dst and returns it.
// dst is grown when shorter than BinCount.
func (a *Analyser) ByteFrequencyData(dst []byte) []byte {
	bins := a.BinCount()
	if cap(dst) < bins {
		dst = make([]byte, bins)
	}
	dst = dst[:bins]

	for i, s := range a.input {
		a.scratch[i] = s * a.window[i]
	}
	a.coeffs = a.fft.Coefficients(a.coeffs, a.scratch)

	n := float64(a.cfg.FFTSize)
	tau := a.cfg.Smoothing
	scale := 255 / (a.cfg.MaxDecibels - a.cfg.MinDecibels)
	for k := range bins {
		mag := cmplx.Abs(a.coeffs[k]) / n
		a.smoothed[k] = tau*a.smoothed[k] + (1-tau)*mag

		if a.smoothed[k] <= 0 {
			dst[k] = 0
			continue
		}
		db := 20 * math.Log10(a.smoothed[k])
		v := math.Floor(scale * (db - a.cfg.MinDecibels))
		dst[k] = byte(max(0, min(255, v)))
	}
	return dst
}

// Reset clears the sample window and the smoothing history.
func (a *Analyser) Reset() {
	clear(a.input)
	clear(a.smoothed)
}
