package audio

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/oszuidwest/zwfm-noisemonitor/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStream struct {
	running atomic.Bool
	closed  atomic.Int32
}

func (s *fakeStream) Running() bool { return s.running.Load() }

func (s *fakeStream) Close() error {
	s.closed.Add(1)
	s.running.Store(false)
	return nil
}

type fakeCapturer struct {
	stream  *fakeStream
	err     error
	onData  func([]byte)
	request CaptureRequest
}

func (c *fakeCapturer) Open(_ context.Context, req CaptureRequest, onData func([]byte)) (Stream, error) {
	c.request = req
	if c.err != nil {
		return nil, c.err
	}
	c.onData = onData
	c.stream = &fakeStream{}
	c.stream.running.Store(true)
	return c.stream, nil
}

func newTestSampler(t *testing.T, capturer Capturer) *Sampler {
	t.Helper()
	s, err := NewSampler(capturer, SamplerConfig{
		Request:  RawCaptureRequest("", 8000),
		Analyser: defaultAnalyserConfig(),
	})
	require.NoError(t, err)
	return s
}

func TestSamplerSnapshot(t *testing.T) {
	capturer := &fakeCapturer{}
	s := newTestSampler(t, capturer)

	_, err := s.Snapshot()
	require.ErrorIs(t, err, ErrNotAttached)
	assert.False(t, s.Attached())

	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.Attached())
	assert.False(t, capturer.request.EchoCancellation)

	snap, err := s.Snapshot()
	require.NoError(t, err)
	assert.Len(t, snap, 128)
	assert.Zero(t, Volume(snap), "no audio delivered yet")

	capturer.onData(EncodeS16LE(sine(DefaultFFTSize, 10, 0.9)))
	snap, err = s.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, byte(255), snap[10])
	assert.Positive(t, Volume(snap))

	require.NoError(t, s.Stop())
	assert.Equal(t, int32(1), capturer.stream.closed.Load())
	require.NoError(t, s.Stop(), "stop is idempotent")
	assert.Equal(t, int32(1), capturer.stream.closed.Load())
	assert.False(t, s.Attached())
}

func TestSamplerStreamStopped(t *testing.T) {
	capturer := &fakeCapturer{}
	s := newTestSampler(t, capturer)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop() })

	capturer.stream.running.Store(false)
	_, err := s.Snapshot()
	me, ok := types.AsMonitorError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrProcessingFailure, me.Kind)
	assert.Equal(t, types.MsgContextNotRunning, me.Message)
}

func TestSamplerStartFailureIsClassified(t *testing.T) {
	s := newTestSampler(t, &fakeCapturer{err: errors.New("Permission denied")})

	err := s.Start(context.Background())
	me, ok := types.AsMonitorError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrPermissionDenied, me.Kind)
	assert.False(t, s.Attached())
	assert.NoError(t, s.Stop())
}

func TestSamplerWriteDropsOldest(t *testing.T) {
	capturer := &fakeCapturer{}
	s := newTestSampler(t, capturer)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop() })

	capacity := s.buf.Load().Capacity()
	chunk := make([]byte, 1000)
	for range capacity/len(chunk) + 3 {
		capturer.onData(chunk)
	}
	assert.Positive(t, s.Dropped())
	assert.Equal(t, capacity, s.buf.Load().Length())

	_, err := s.Snapshot()
	require.NoError(t, err)
	assert.Zero(t, s.buf.Load().Length())
}

func TestSamplerCannotRestart(t *testing.T) {
	s := newTestSampler(t, &fakeCapturer{})
	require.NoError(t, s.Stop())
	assert.Error(t, s.Start(context.Background()))
}
