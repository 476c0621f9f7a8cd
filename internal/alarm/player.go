package alarm

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/types"
)

// startTimeout bounds how long loading a sound may take before playback is abandoned.
const startTimeout = 45 * time.Second

// Player plays the alarm sound in a loop.
type Player interface {
	// Start begins playing ref, replacing anything already playing. done is
	// always called exactly once, from another goroutine, with nil once the
	// sound is audible or with a *types.MonitorError.
	Start(ref string, done func(error))
	// Stop silences the player and cancels a start in progress. It is idempotent.
	Stop()
}

// OtoPlayer plays sounds through the system audio output.
// It is safe for concurrent use.
type OtoPlayer struct {
	loader *SoundLoader

	otoOnce sync.Once
	otoCtx  *oto.Context
	otoErr  error

	mu     sync.Mutex
	token  uint64 // bumped by every Start and Stop
	cancel context.CancelFunc
	player *oto.Player
	ref    string
}

// NewOtoPlayer creates a player that loads sounds through loader.
// The audio output is opened on first use.
func NewOtoPlayer(loader *SoundLoader) *OtoPlayer {
	return &OtoPlayer{loader: loader}
}

// context opens the process-wide audio output once.
func (p *OtoPlayer) context() (*oto.Context, error) {
	p.otoOnce.Do(func() {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   p.loader.SampleRate(),
			ChannelCount: outputChannels,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   100 * time.Millisecond,
		})
		if err != nil {
			p.otoErr = err
			return
		}
		<-ready
		p.otoCtx = ctx
	})
	return p.otoCtx, p.otoErr
}

// Start implements Player.
func (p *OtoPlayer) Start(ref string, done func(error)) {
	p.mu.Lock()
	p.stopLocked()
	p.token++
	token := p.token
	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	p.cancel = cancel
	p.mu.Unlock()

	go func() {
		defer cancel()
		err := p.start(ctx, token, ref)
		if err != nil {
			slog.Warn("alarm sound failed to start", "ref", describeRef(ref), "error", err)
		}
		done(err)
	}()
}

func (p *OtoPlayer) start(ctx context.Context, token uint64, ref string) error {
	sound, err := p.loader.Load(ctx, ref)
	if err != nil {
		return PlaybackError(err)
	}

	otoCtx, err := p.context()
	if err != nil {
		return types.NewPlaybackError(types.PlaybackUnknown, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if token != p.token {
		return PlaybackError(ErrPlaybackAborted)
	}

	player := otoCtx.NewPlayer(newLoopReader(sound.PCM))
	player.Play()
	p.player = player
	p.cancel = nil
	p.ref = ref

	slog.Info("alarm sound playing", "ref", describeRef(ref), "length", sound.Duration)
	return nil
}

// Stop implements Player.
func (p *OtoPlayer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token++
	p.stopLocked()
}

func (p *OtoPlayer) stopLocked() {
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	if p.player == nil {
		return
	}
	p.player.Pause()
	if err := p.player.Close(); err != nil {
		slog.Debug("alarm player close failed", "error", err)
	}
	p.player = nil
	slog.Info("alarm sound stopped", "ref", describeRef(p.ref))
	p.ref = ""
}

// loopReader repeats a PCM buffer forever.
type loopReader struct {
	pcm []byte
	pos int
}

func newLoopReader(pcm []byte) *loopReader {
	return &loopReader{pcm: pcm}
}

func (r *loopReader) Read(b []byte) (int, error) {
	if len(r.pcm) == 0 {
		return 0, io.EOF
	}
	n := 0
	for n < len(b) {
		c := copy(b[n:], r.pcm[r.pos:])
		n += c
		r.pos = (r.pos + c) % len(r.pcm)
	}
	return n, nil
}
