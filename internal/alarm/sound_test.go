package alarm

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRate = 16000

func newTestLoader() *SoundLoader {
	return NewSoundLoader(LoaderConfig{SampleRate: testRate, MaxBytes: 1 << 20, CacheTTL: time.Minute})
}

// encodeWAV writes 16-bit PCM samples as a WAV file and returns its bytes.
func encodeWAV(t *testing.T, rate, channels int, samples []int) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sound.wav")
	f, err := os.Create(path)
	require.NoError(t, err)

	enc := wav.NewEncoder(f, rate, 16, channels, 1)
	require.NoError(t, enc.Write(&audio.IntBuffer{
		Data:           samples,
		Format:         &audio.Format{SampleRate: rate, NumChannels: channels},
		SourceBitDepth: 16,
	}))
	require.NoError(t, enc.Close())
	_ = f.Close()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

func monoRamp(n int) []int {
	samples := make([]int, n)
	for i := range samples {
		samples[i] = (i % 100) * 100
	}
	return samples
}

func TestLoadBuiltin(t *testing.T) {
	l := newTestLoader()

	for _, name := range BuiltinNames() {
		t.Run(name, func(t *testing.T) {
			sound, err := l.Load(context.Background(), builtinPrefix+name)
			require.NoError(t, err)
			assert.Equal(t, testRate, sound.SampleRate)
			assert.Equal(t, 1500*time.Millisecond, sound.Duration)
			assert.Len(t, sound.PCM, testRate*3/2*outputChannels*bytesPerSample)
		})
	}

	_, err := l.Load(context.Background(), "builtin:siren")
	assert.ErrorIs(t, err, ErrUnsupportedSound)
}

func TestLoadDataURI(t *testing.T) {
	l := newTestLoader()
	data := encodeWAV(t, 8000, 1, monoRamp(800))

	sound, err := l.Load(context.Background(), "data:audio/wav;base64,"+base64.StdEncoding.EncodeToString(data))
	require.NoError(t, err)
	assert.Equal(t, 100*time.Millisecond, sound.Duration)
	assert.Len(t, sound.PCM, 1600*outputChannels*bytesPerSample)

	// Mono is duplicated into both channels.
	left := int16(binary.LittleEndian.Uint16(sound.PCM[8:]))
	right := int16(binary.LittleEndian.Uint16(sound.PCM[10:]))
	assert.Equal(t, left, right)
}

func TestLoadDataURIErrors(t *testing.T) {
	l := newTestLoader()

	tests := []struct {
		name string
		ref  string
		want error
	}{
		{name: "mp3 media type", ref: "data:audio/mpeg;base64,AAAA", want: ErrUnsupportedSound},
		{name: "bad base64", ref: "data:audio/wav;base64,!!!", want: ErrSoundDecode},
		{name: "missing comma", ref: "data:audio/wav;base64", want: ErrSoundDecode},
		{name: "not riff", ref: "data:audio/wav;base64," + base64.StdEncoding.EncodeToString([]byte("hello world, not audio")), want: ErrUnsupportedSound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Load(context.Background(), tt.ref)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestLoadHTTPUsesCache(t *testing.T) {
	data := encodeWAV(t, testRate, 2, monoRamp(320))
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/alarm.wav" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	l := newTestLoader()
	first, err := l.Load(context.Background(), srv.URL+"/alarm.wav")
	require.NoError(t, err)
	second, err := l.Load(context.Background(), srv.URL+"/alarm.wav")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, int32(1), hits.Load())

	l.Forget(srv.URL + "/alarm.wav")
	_, err = l.Load(context.Background(), srv.URL+"/alarm.wav")
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())

	_, err = l.Load(context.Background(), srv.URL+"/missing.wav")
	assert.ErrorIs(t, err, ErrSoundFetch)
	assert.Equal(t, types.PlaybackNetwork, PlaybackError(err).Playback)
}

func TestLoadHTTPTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(make([]byte, 2048))
	}))
	defer srv.Close()

	l := NewSoundLoader(LoaderConfig{SampleRate: testRate, MaxBytes: 1024})
	_, err := l.Load(context.Background(), srv.URL)
	assert.ErrorIs(t, err, ErrUnsupportedSound)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alarm.wav")
	require.NoError(t, os.WriteFile(path, encodeWAV(t, testRate, 1, monoRamp(160)), 0o600))

	l := newTestLoader()
	sound, err := l.Load(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Millisecond, sound.Duration)

	_, err = l.Load(context.Background(), "file://"+path)
	require.NoError(t, err)

	_, err = l.Load(context.Background(), filepath.Join(t.TempDir(), "missing.wav"))
	assert.ErrorIs(t, err, ErrUnsupportedSound)
}

func TestLoadUnsupportedLocations(t *testing.T) {
	l := newTestLoader()

	for _, ref := range []string{"", "ftp://example.com/a.wav", "s3://bucket/key.wav", "../etc/passwd"} {
		_, err := l.Load(context.Background(), ref)
		assert.ErrorIs(t, err, ErrUnsupportedSound, ref)
	}
}

func TestPlaybackErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want types.PlaybackKind
	}{
		{err: ErrPlaybackAborted, want: types.PlaybackAborted},
		{err: context.Canceled, want: types.PlaybackAborted},
		{err: context.DeadlineExceeded, want: types.PlaybackNetwork},
		{err: ErrSoundFetch, want: types.PlaybackNetwork},
		{err: ErrSoundDecode, want: types.PlaybackDecode},
		{err: ErrUnsupportedSound, want: types.PlaybackUnsupported},
		{err: errors.New("boom"), want: types.PlaybackUnknown},
	}

	for _, tt := range tests {
		t.Run(string(tt.want)+"/"+tt.err.Error(), func(t *testing.T) {
			me := PlaybackError(tt.err)
			assert.Equal(t, types.ErrPlaybackFailure, me.Kind)
			assert.Equal(t, tt.want, me.Playback)
			assert.Contains(t, me.Message, "Alarm sound error: ")
		})
	}
	assert.Nil(t, PlaybackError(nil))
}

func TestResampleLinear(t *testing.T) {
	assert.Equal(t, []float64{0, 1}, resampleLinear([]float64{0, 1}, 8000, 8000))

	up := resampleLinear([]float64{0, 1, 0}, 1, 2)
	assert.Equal(t, []float64{0, 0.5, 1, 0.5, 0, 0}, up)

	down := resampleLinear([]float64{0, 1, 2, 3}, 2, 1)
	assert.Equal(t, []float64{0, 2}, down)
}

func TestLoopReaderWraps(t *testing.T) {
	r := newLoopReader([]byte{1, 2, 3})
	buf := make([]byte, 7)
	n, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, []byte{1, 2, 3, 1, 2, 3, 1}, buf)

	n, err = r.Read(buf[:2])
	require.NoError(t, err)
	assert.Equal(t, []byte{2, 3}, buf[:n])

	_, err = newLoopReader(nil).Read(buf)
	assert.Error(t, err)
}
