package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/oszuidwest/zwfm-noisemonitor/internal/types"
	"github.com/smallnest/ringbuffer"
)

// pcmBufferSeconds is how much captured audio is retained between snapshots.
const pcmBufferSeconds = 0.5

// ErrNotAttached is returned by Snapshot before the capture stream is attached.
var ErrNotAttached = errors.New("capture stream not attached")

// SamplerConfig holds the settings for a Sampler.
type SamplerConfig struct {
	Request  CaptureRequest
	Analyser AnalyserConfig
}

// Sampler acquires a microphone and produces frequency-domain snapshots on demand.
// It is safe for concurrent use; a stopped Sampler cannot be restarted.
type Sampler struct {
	capturer Capturer
	cfg      SamplerConfig

	buf     atomic.Pointer[ringbuffer.RingBuffer]
	dropped atomic.Uint64

	mu       sync.Mutex
	analyser *Analyser
	stream   Stream
	stopped  bool
	pcm      []byte
	samples  []float64
	snapshot []byte
}

// NewSampler creates a sampler. The analyser configuration is validated here.
func NewSampler(capturer Capturer, cfg SamplerConfig) (*Sampler, error) {
	analyser, err := NewAnalyser(cfg.Analyser)
	if err != nil {
		return nil, err
	}
	return &Sampler{
		capturer: capturer,
		cfg:      cfg,
		analyser: analyser,
	}, nil
}

// Start acquires the microphone. On failure the sampler is fully torn down and
// the returned error is a *types.MonitorError.
func (s *Sampler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return types.NewCaptureError(types.ErrUnknown, errors.New("sampler already stopped"))
	}
	if s.stream != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	capacity := int(float64(s.cfg.Request.SampleRate*BytesPerSample) * pcmBufferSeconds)
	capacity = max(capacity, s.cfg.Analyser.FFTSize*BytesPerSample)
	s.buf.Store(ringbuffer.New(capacity))

	stream, err := s.capturer.Open(ctx, s.cfg.Request, s.write)
	if err != nil {
		s.buf.Store(nil)
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return types.NewCaptureError(types.ErrUnknown, err)
		}
		return ClassifyCaptureError(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Stop won the race while the device was opening.
	if s.stopped {
		_ = stream.Close()
		s.buf.Store(nil)
		return types.NewCaptureError(types.ErrUnknown, errors.New("sampler stopped during start"))
	}
	s.stream = stream
	return nil
}

// write is called from the audio thread. When the buffer is full the oldest
// audio is discarded so snapshots always reflect the newest samples.
func (s *Sampler) write(pcm []byte) {
	rb := s.buf.Load()
	if rb == nil || len(pcm) == 0 {
		return
	}
	if len(pcm) > rb.Capacity() {
		pcm = pcm[len(pcm)-rb.Capacity():]
	}
	if excess := len(pcm) - rb.Free(); excess > 0 {
		discard := make([]byte, excess)
		_, _ = rb.Read(discard)
		s.dropped.Add(uint64(excess)) //nolint:gosec // excess is positive
	}
	if _, err := rb.Write(pcm); err != nil && !errors.Is(err, ringbuffer.ErrIsFull) {
		slog.Debug("pcm buffer write failed", "error", err)
	}
}

// Attached reports whether the capture stream has been acquired.
func (s *Sampler) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream != nil
}

// Snapshot drains captured audio into the analyser and returns the byte
// magnitude per frequency bin. The returned slice is reused by the next call.
// A stream that is no longer running yields a processing failure.
func (s *Sampler) Snapshot() (snapshot []byte, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream == nil {
		return nil, ErrNotAttached
	}
	if !s.stream.Running() {
		return nil, types.NewProcessingError(types.MsgContextNotRunning, nil)
	}

	defer func() {
		if r := recover(); r != nil {
			snapshot = nil
			err = types.NewProcessingError(types.MsgProcessingError, fmt.Errorf("panic: %v", r))
		}
	}()

	if rb := s.buf.Load(); rb != nil {
		if n := rb.Length(); n > 0 {
			if cap(s.pcm) < n {
				s.pcm = make([]byte, n)
			}
			s.pcm = s.pcm[:n]
			read, readErr := rb.Read(s.pcm)
			if readErr != nil && !errors.Is(readErr, ringbuffer.ErrIsEmpty) {
				return nil, types.NewProcessingError(types.MsgProcessingError, readErr)
			}
			s.samples = DecodeS16LE(s.samples[:0], s.pcm[:read])
			s.analyser.Push(s.samples)
		}
	}

	s.snapshot = s.analyser.ByteFrequencyData(s.snapshot)
	return s.snapshot, nil
}

// Dropped returns the number of PCM bytes discarded because snapshots fell behind.
func (s *Sampler) Dropped() uint64 {
	return s.dropped.Load()
}

// Stop releases the microphone. It is idempotent.
func (s *Sampler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true

	var err error
	if s.stream != nil {
		err = s.stream.Close()
		s.stream = nil
	}
	s.buf.Store(nil)
	s.analyser.Reset()
	return err
}
