// Package alarm decides when the noise alarm sounds and plays it.
package alarm

import (
	"sync"
	"time"

	"github.com/oszuidwest/zwfm-noisemonitor/internal/types"
)

// DefaultReleaseAfter is how long the level must stay below noisy before a sounding alarm stops.
const DefaultReleaseAfter = 10 * time.Second

// Config holds the timing of the alarm state machine.
type Config struct {
	Delay        time.Duration // sustained noisy time before triggering
	ReleaseAfter time.Duration // sustained quiet or medium time before releasing
}

// Action is what the caller must do with the alarm player.
type Action int

const (
	// ActionNone requires nothing.
	ActionNone Action = iota
	// ActionPlay requires starting the alarm sound for Decision.Attempt.
	ActionPlay
	// ActionStop requires stopping the alarm sound.
	ActionStop
)

// StopReason tells why a Stop decision was made.
type StopReason string

const (
	// StopReleased means the level stayed below noisy for the release duration.
	StopReleased StopReason = "released"
	// StopReset means the level left the classified bands or monitoring ended.
	StopReset StopReason = "reset"
)

// Decision is the outcome of a state machine step.
type Decision struct {
	Action  Action
	Attempt uint64        // play attempt, set for ActionPlay
	Message string        // active message, set for ActionPlay
	Reason  StopReason    // set for ActionStop
	Elapsed time.Duration // noisy streak for ActionPlay, release streak for a release
	Sounded time.Duration // how long the alarm played, set for a release
}

// Machine tracks noisy and quiet streaks and decides when the alarm starts and stops.
// It never reads the clock; every method takes the current time.
// It is safe for concurrent use.
type Machine struct {
	mu               sync.Mutex
	lastLevel        types.NoiseLevel
	noisyStartedAt   time.Time // start of the current noisy streak
	releaseStartedAt time.Time // start of the current quiet/medium streak while sounding
	playing          bool
	pending          bool
	attempt          uint64
	message          string
	hasMessage       bool
	triggeredAt      time.Time
}

// NewMachine creates a disarmed state machine.
func NewMachine() *Machine {
	return &Machine{lastLevel: types.LevelIdle}
}

// Observe records the level of one classified frame and updates the streaks.
// Levels outside the three bands reset the machine and return ActionStop when
// a sound was playing or starting.
func (m *Machine) Observe(level types.NoiseLevel, now time.Time) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastLevel = level

	switch level {
	case types.LevelNoisy:
		m.releaseStartedAt = time.Time{}
		if m.noisyStartedAt.IsZero() {
			m.noisyStartedAt = now
		}
	case types.LevelQuiet, types.LevelMedium:
		m.noisyStartedAt = time.Time{}
		if m.playing {
			if m.releaseStartedAt.IsZero() {
				m.releaseStartedAt = now
			}
		} else {
			m.releaseStartedAt = time.Time{}
		}
	default:
		if m.resetLocked() {
			return Decision{Action: ActionStop, Reason: StopReset}
		}
	}
	return Decision{}
}

// Evaluate checks the elapsed streaks against the configuration.
// A noisy streak reaching the delay with nothing playing or pending returns
// ActionPlay exactly once; a release streak reaching ReleaseAfter while
// playing returns ActionStop.
func (m *Machine) Evaluate(cfg Config, message string, now time.Time) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.playing && !m.pending && !m.noisyStartedAt.IsZero() {
		elapsed := now.Sub(m.noisyStartedAt)
		if elapsed >= cfg.Delay {
			m.pending = true
			m.attempt++
			m.message = message
			m.hasMessage = true
			return Decision{Action: ActionPlay, Attempt: m.attempt, Message: message, Elapsed: elapsed}
		}
	}

	if m.playing && !m.releaseStartedAt.IsZero() {
		elapsed := now.Sub(m.releaseStartedAt)
		if elapsed >= cfg.ReleaseAfter {
			sounded := now.Sub(m.triggeredAt)
			m.playing = false
			m.clearMessageLocked()
			m.releaseStartedAt = time.Time{}
			m.triggeredAt = time.Time{}
			return Decision{Action: ActionStop, Reason: StopReleased, Elapsed: elapsed, Sounded: sounded}
		}
	}

	return Decision{}
}

// NextDeadline returns the next instant at which Evaluate can change state.
func (m *Machine) NextDeadline(cfg Config) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case !m.playing && !m.pending && !m.noisyStartedAt.IsZero():
		return m.noisyStartedAt.Add(cfg.Delay), true
	case m.playing && !m.releaseStartedAt.IsZero():
		return m.releaseStartedAt.Add(cfg.ReleaseAfter), true
	default:
		return time.Time{}, false
	}
}

// PlayStarted marks the pending attempt as audible. It returns false for a stale attempt.
func (m *Machine) PlayStarted(attempt uint64, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.pending || attempt != m.attempt {
		return false
	}
	m.pending = false
	m.playing = true
	m.triggeredAt = now
	// The level may have dropped while the sound was loading.
	if (m.lastLevel == types.LevelQuiet || m.lastLevel == types.LevelMedium) && m.releaseStartedAt.IsZero() {
		m.releaseStartedAt = now
	}
	return true
}

// PlayFailed abandons the pending attempt. The noisy streak restarts on the
// next noisy frame so the trigger can be retried. It returns false for a stale attempt.
func (m *Machine) PlayFailed(attempt uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.pending || attempt != m.attempt {
		return false
	}
	m.pending = false
	m.playing = false
	m.clearMessageLocked()
	m.noisyStartedAt = time.Time{}
	m.releaseStartedAt = time.Time{}
	m.triggeredAt = time.Time{}
	return true
}

// Silence stops a playing or pending alarm but keeps the noisy streak, so the
// next evaluation triggers again. It reports whether anything was sounding.
func (m *Machine) Silence() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	was := m.playing || m.pending
	if was {
		m.attempt++
	}
	m.playing = false
	m.pending = false
	m.clearMessageLocked()
	m.releaseStartedAt = time.Time{}
	m.triggeredAt = time.Time{}
	return was
}

// Reset disarms the machine and clears all streaks. It reports whether anything was sounding.
func (m *Machine) Reset() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastLevel = types.LevelIdle
	return m.resetLocked()
}

func (m *Machine) resetLocked() bool {
	was := m.playing || m.pending
	if was {
		m.attempt++
	}
	m.playing = false
	m.pending = false
	m.clearMessageLocked()
	m.noisyStartedAt = time.Time{}
	m.releaseStartedAt = time.Time{}
	m.triggeredAt = time.Time{}
	return was
}

func (m *Machine) clearMessageLocked() {
	m.message = ""
	m.hasMessage = false
}

// Sounding reports whether the alarm is playing or starting.
func (m *Machine) Sounding() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.playing || m.pending
}

// Status returns the current state for display.
func (m *Machine) Status(now time.Time) types.AlarmStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := types.AlarmStatus{
		Playing:     m.playing,
		PlayPending: m.pending,
	}

	switch {
	case (m.playing || m.pending) && !m.releaseStartedAt.IsZero():
		status.State = types.AlarmReleasing
	case m.playing || m.pending:
		status.State = types.AlarmAlarming
	case !m.noisyStartedAt.IsZero():
		status.State = types.AlarmArming
	default:
		status.State = types.AlarmDisarmed
	}

	if !m.noisyStartedAt.IsZero() {
		status.NoisyForMs = now.Sub(m.noisyStartedAt).Milliseconds()
	}
	if !m.releaseStartedAt.IsZero() {
		status.ReleasingMs = now.Sub(m.releaseStartedAt).Milliseconds()
	}
	if !m.triggeredAt.IsZero() {
		t := m.triggeredAt
		status.TriggeredAt = &t
	}
	if m.hasMessage {
		msg := m.message
		status.ActiveMessage = &msg
	}
	return status
}
