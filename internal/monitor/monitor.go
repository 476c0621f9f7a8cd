// Package monitor provides the noise monitoring engine. It owns the capture
// session, classifies every frame and drives the alarm state machine and
// player.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/oszuidwest/zwfm-noisemonitor/internal/alarm"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/audio"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/settings"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/types"
)

// DefaultFrameInterval is the time between two classified frames.
const DefaultFrameInterval = 20 * time.Millisecond

// Sentinel errors for monitor operations.
var (
	ErrAlreadyMonitoring = errors.New("monitoring already active")
	ErrMonitoringActive  = errors.New("alarm preview is unavailable while monitoring")
	ErrStartAborted      = errors.New("monitoring stopped while starting")
)

// Sampler is an acquired microphone producing spectral snapshots.
type Sampler interface {
	Start(ctx context.Context) error
	Attached() bool
	Snapshot() ([]byte, error)
	Stop() error
}

// SamplerFactory creates the sampler for a new session.
type SamplerFactory func() (Sampler, error)

// NewAudioSamplerFactory returns a factory producing audio.Sampler instances.
// cfg is called for every session so device changes apply on the next start.
func NewAudioSamplerFactory(capturer audio.Capturer, cfg func() audio.SamplerConfig) SamplerFactory {
	return func() (Sampler, error) {
		return audio.NewSampler(capturer, cfg())
	}
}

// SettingsSource supplies validated settings on demand.
type SettingsSource interface {
	Load() settings.Settings
}

// Config holds the engine timing.
type Config struct {
	FrameInterval time.Duration
	ReleaseAfter  time.Duration
}

// Option customises a Monitor.
type Option func(*Monitor)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(m *Monitor) {
		m.clock = c
	}
}

// session is one acquisition of the microphone.
type session struct {
	sampler   Sampler
	frame     Timer
	startedAt time.Time
}

// Monitor classifies ambient noise and drives the alarm.
// All state is guarded by one mutex; listeners run after it is released.
type Monitor struct {
	cfg        Config
	newSampler SamplerFactory
	player     alarm.Player
	source     SettingsSource
	clock      Clock
	machine    *alarm.Machine
	peak       *audio.PeakHolder

	mu             sync.Mutex
	settings       settings.Settings
	level          types.NoiseLevel
	volume         *float64
	peakVolume     *float64
	err            *types.MonitorError
	monitoring     bool
	preview        bool
	previewPending bool
	previewSeq     uint64
	session        *session
	generation     uint64 // bumped whenever a session ends
	decision       Timer
	decisionAt     time.Time
	decisionSeq    uint64

	listenersMu sync.RWMutex
	listeners   []Listener
}

// New creates an idle monitor.
func New(cfg Config, newSampler SamplerFactory, player alarm.Player, source SettingsSource, opts ...Option) *Monitor {
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = DefaultFrameInterval
	}
	if cfg.ReleaseAfter <= 0 {
		cfg.ReleaseAfter = alarm.DefaultReleaseAfter
	}
	m := &Monitor{
		cfg:        cfg,
		newSampler: newSampler,
		player:     player,
		source:     source,
		clock:      RealClock(),
		machine:    alarm.NewMachine(),
		peak:       audio.NewPeakHolder(),
		level:      types.LevelIdle,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.settings = source.Load()
	return m
}

// AddListener registers a listener for monitoring events.
func (m *Monitor) AddListener(l Listener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Monitor) dispatch(events []Event) {
	if len(events) == 0 {
		return
	}
	m.listenersMu.RLock()
	listeners := m.listeners
	m.listenersMu.RUnlock()
	for _, ev := range events {
		for _, l := range listeners {
			l(ev)
		}
	}
}

// StartMonitoring acquires the microphone and begins classifying frames.
// Any alarm preview is stopped first, including one that is still loading.
// On acquisition failure the level becomes Error and the returned error is a
// *types.MonitorError.
func (m *Monitor) StartMonitoring(ctx context.Context) error {
	m.mu.Lock()
	if m.monitoring {
		m.mu.Unlock()
		return ErrAlreadyMonitoring
	}
	m.stopPreviewLocked()
	m.settings = m.source.Load()
	m.level = types.LevelInitializing
	m.volume = nil
	m.peakVolume = nil
	m.err = nil
	m.peak.Reset()
	m.monitoring = true

	sampler, err := m.newSampler()
	if err != nil {
		me := types.NewProcessingError(types.MsgProcessingError, err)
		events := m.failLocked(me)
		m.mu.Unlock()
		m.dispatch(events)
		return me
	}
	sess := &session{sampler: sampler}
	m.session = sess
	m.mu.Unlock()

	slog.Info("starting monitoring")
	startErr := sampler.Start(ctx)

	m.mu.Lock()
	if m.session != sess {
		m.mu.Unlock()
		if err := sampler.Stop(); err != nil {
			slog.Debug("sampler stop after aborted start failed", "error", err)
		}
		return ErrStartAborted
	}
	if startErr != nil {
		me := audio.ClassifyCaptureError(startErr)
		events := m.failLocked(me)
		m.mu.Unlock()
		m.dispatch(events)
		return me
	}

	now := m.clock.Now()
	sess.startedAt = now
	m.scheduleFrameLocked(sess)
	events := []Event{{Type: EventMonitoringStarted, Time: now, Level: m.level}}
	current := m.settings
	m.mu.Unlock()

	slog.Info("monitoring started",
		"quiet_threshold", current.Thresholds.Quiet,
		"medium_threshold", current.Thresholds.Medium,
		"alarm_delay", current.Alarm.Delay)
	m.dispatch(events)
	return nil
}

// StopMonitoring tears down the session, stops the alarm and returns to Idle.
// It is safe to call from any state and any number of times.
func (m *Monitor) StopMonitoring() {
	m.mu.Lock()
	wasMonitoring := m.monitoring
	m.teardownLocked()
	m.stopPreviewLocked()
	m.player.Stop()
	m.level = types.LevelIdle
	m.err = nil
	m.volume = nil
	m.peakVolume = nil
	now := m.clock.Now()
	m.mu.Unlock()

	if wasMonitoring {
		slog.Info("monitoring stopped")
		m.dispatch([]Event{{Type: EventMonitoringStopped, Time: now, Level: types.LevelIdle}})
	}
}

// teardownLocked releases the session, cancels every timer and silences the alarm.
func (m *Monitor) teardownLocked() {
	m.generation++
	m.monitoring = false

	if sess := m.session; sess != nil {
		m.session = nil
		if sess.frame != nil {
			sess.frame.Stop()
		}
		if err := sess.sampler.Stop(); err != nil {
			slog.Warn("failed to release microphone", "error", err)
		}
	}
	m.cancelDecisionLocked()

	if m.machine.Reset() {
		m.player.Stop()
	}
}

// failLocked ends the session with a fatal capture or processing error.
func (m *Monitor) failLocked(me *types.MonitorError) []Event {
	m.teardownLocked()
	m.level = types.LevelError
	m.err = me
	m.volume = nil
	m.peakVolume = nil
	slog.Error("monitoring failed", "kind", me.Kind, "error", me.Message, "cause", me.Err)
	return []Event{{Type: EventCaptureError, Time: m.clock.Now(), Level: types.LevelError, Err: me}}
}

func (m *Monitor) scheduleFrameLocked(sess *session) {
	sess.frame = m.clock.AfterFunc(m.cfg.FrameInterval, func() {
		m.runFrame(sess)
	})
}

// runFrame classifies one snapshot. The next frame is scheduled only after
// this one completes.
func (m *Monitor) runFrame(sess *session) {
	m.mu.Lock()
	if m.session != sess {
		m.mu.Unlock()
		return
	}
	sess.frame = nil

	if !sess.sampler.Attached() {
		m.scheduleFrameLocked(sess)
		m.mu.Unlock()
		return
	}

	snapshot, err := sess.sampler.Snapshot()
	if err != nil {
		me, ok := types.AsMonitorError(err)
		if !ok {
			me = types.NewProcessingError(types.MsgProcessingError, err)
		}
		events := m.failLocked(me)
		m.mu.Unlock()
		m.dispatch(events)
		return
	}

	now := m.clock.Now()
	volume := audio.Volume(snapshot)
	level := audio.Classify(volume, m.settings.Thresholds)
	peak := m.peak.Update(volume, now)
	m.volume = &volume
	m.peakVolume = &peak

	var events []Event
	if level != m.level {
		events = append(events, Event{
			Type:     EventLevelChanged,
			Time:     now,
			Level:    level,
			Previous: m.level,
			Volume:   volume,
		})
		m.level = level
	}

	m.machine.Observe(level, now)
	m.rearmDecisionLocked()
	m.scheduleFrameLocked(sess)
	m.mu.Unlock()

	m.dispatch(events)
}

func (m *Monitor) alarmConfigLocked() alarm.Config {
	return alarm.Config{Delay: m.settings.Alarm.Delay, ReleaseAfter: m.cfg.ReleaseAfter}
}

// rearmDecisionLocked keeps a single timer armed at the machine's next decision instant.
func (m *Monitor) rearmDecisionLocked() {
	at, ok := m.machine.NextDeadline(m.alarmConfigLocked())
	if !ok || !m.monitoring {
		m.cancelDecisionLocked()
		return
	}
	if m.decision != nil && at.Equal(m.decisionAt) {
		return
	}
	m.cancelDecisionLocked()

	m.decisionSeq++
	seq := m.decisionSeq
	m.decisionAt = at
	m.decision = m.clock.AfterFunc(max(0, at.Sub(m.clock.Now())), func() {
		m.onDecision(seq)
	})
}

func (m *Monitor) cancelDecisionLocked() {
	if m.decision != nil {
		m.decision.Stop()
		m.decision = nil
	}
	m.decisionAt = time.Time{}
	m.decisionSeq++
}

// onDecision evaluates the alarm machine at a decision instant.
func (m *Monitor) onDecision(seq uint64) {
	m.mu.Lock()
	if seq != m.decisionSeq || !m.monitoring {
		m.mu.Unlock()
		return
	}
	m.decision = nil
	m.decisionAt = time.Time{}

	now := m.clock.Now()
	d := m.machine.Evaluate(m.alarmConfigLocked(), m.settings.Alarm.Message, now)
	events := m.applyDecisionLocked(d, now)
	m.rearmDecisionLocked()
	m.mu.Unlock()

	m.dispatch(events)
}

func (m *Monitor) applyDecisionLocked(d alarm.Decision, now time.Time) []Event {
	switch d.Action {
	case alarm.ActionPlay:
		ref := m.settings.Alarm.SoundRef
		gen := m.generation
		attempt := d.Attempt
		slog.Info("alarm triggered", "noisy_for", d.Elapsed, "sound", ref)
		m.player.Start(ref, func(err error) {
			m.onPlayDone(gen, attempt, ref, err)
		})
	case alarm.ActionStop:
		m.player.Stop()
		if d.Reason == alarm.StopReleased {
			slog.Info("alarm released", "quiet_for", d.Elapsed, "sounded_for", d.Sounded)
			return []Event{{
				Type:     EventAlarmReleased,
				Time:     now,
				Level:    m.level,
				SoundRef: m.settings.Alarm.SoundRef,
				Elapsed:  d.Elapsed,
				Sounded:  d.Sounded,
			}}
		}
	}
	return nil
}

// onPlayDone receives the outcome of a play attempt from the player.
func (m *Monitor) onPlayDone(gen, attempt uint64, ref string, err error) {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	now := m.clock.Now()

	var events []Event
	if err == nil {
		if !m.machine.PlayStarted(attempt, now) {
			m.mu.Unlock()
			return
		}
		if m.err != nil && m.err.Kind == types.ErrPlaybackFailure {
			m.err = nil
		}
		status := m.machine.Status(now)
		ev := Event{Type: EventAlarmTriggered, Time: now, Level: m.level, SoundRef: ref}
		if status.ActiveMessage != nil {
			ev.Message = *status.ActiveMessage
		}
		ev.Elapsed = time.Duration(status.NoisyForMs) * time.Millisecond
		if m.volume != nil {
			ev.Volume = *m.volume
		}
		events = append(events, ev)
	} else {
		if !m.machine.PlayFailed(attempt) {
			m.mu.Unlock()
			return
		}
		me := alarm.PlaybackError(err)
		m.err = me
		m.player.Stop()
		events = append(events, Event{Type: EventAlarmFailed, Time: now, Level: m.level, SoundRef: ref, Err: me})
	}
	m.rearmDecisionLocked()
	m.mu.Unlock()

	m.dispatch(events)
}

// ReloadSettings applies the current store values without restarting capture.
// A changed alarm sound silences a sounding alarm so the next trigger uses it.
func (m *Monitor) ReloadSettings() {
	next := m.source.Load()

	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.settings
	m.settings = next
	if prev.Alarm.SoundRef != next.Alarm.SoundRef && m.machine.Silence() {
		slog.Info("alarm sound changed while sounding, stopping alarm", "sound", next.Alarm.SoundRef)
		m.player.Stop()
	}
	if m.monitoring {
		m.rearmDecisionLocked()
	}
	slog.Debug("settings reloaded",
		"quiet_threshold", next.Thresholds.Quiet,
		"medium_threshold", next.Thresholds.Medium,
		"alarm_delay", next.Alarm.Delay)
}

// FollowSettings reloads settings on every change notification until ctx ends.
func (m *Monitor) FollowSettings(ctx context.Context, changes <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-changes:
			if !ok {
				return nil
			}
			m.ReloadSettings()
		}
	}
}

// PreviewAlarm plays the configured alarm sound for testing. It is rejected
// while monitoring is active.
func (m *Monitor) PreviewAlarm() error {
	next := m.source.Load()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.monitoring {
		return ErrMonitoringActive
	}
	m.settings = next
	m.previewSeq++
	seq := m.previewSeq
	m.preview = true
	m.previewPending = true
	m.err = nil

	ref := next.Alarm.SoundRef
	slog.Info("alarm preview started", "sound", ref)
	m.player.Start(ref, func(err error) {
		m.onPreviewDone(seq, err)
	})
	return nil
}

func (m *Monitor) onPreviewDone(seq uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq != m.previewSeq || !m.preview {
		return
	}
	m.previewPending = false
	if err != nil {
		m.preview = false
		m.err = alarm.PlaybackError(err)
	}
}

// StopAlarmPreview stops a running preview. It is idempotent.
func (m *Monitor) StopAlarmPreview() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopPreviewLocked()
}

func (m *Monitor) stopPreviewLocked() {
	if !m.preview {
		return
	}
	m.preview = false
	m.previewPending = false
	m.previewSeq++
	m.player.Stop()
	slog.Info("alarm preview stopped")
}

// Status returns a snapshot of the engine state.
func (m *Monitor) Status() types.MonitorStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	alarmStatus := m.machine.Status(now)
	status := types.MonitorStatus{
		Level:         m.level,
		Volume:        copyFloat(m.volume),
		PeakVolume:    copyFloat(m.peakVolume),
		AlarmMessage:  alarmStatus.ActiveMessage,
		Monitoring:    m.monitoring,
		PreviewActive: m.preview,
		Alarm:         alarmStatus,
		Settings:      m.settings.View(),
	}
	if m.err != nil {
		status.Error = m.err.View()
	}
	if m.session != nil && !m.session.startedAt.IsZero() {
		t := m.session.startedAt
		status.StartedAt = &t
	}
	return status
}

// Level returns the current level.
func (m *Monitor) Level() types.NoiseLevel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// IsMonitoring reports whether a session is active.
func (m *Monitor) IsMonitoring() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.monitoring
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
