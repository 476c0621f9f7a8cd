// Package types provides shared type definitions used across the noise monitor.
package types

import "time"

// NoiseLevel represents the classified sound band or the monitoring phase.
type NoiseLevel string

const (
	// LevelIdle indicates monitoring is not started.
	LevelIdle NoiseLevel = "idle"
	// LevelInitializing indicates microphone setup is in progress.
	LevelInitializing NoiseLevel = "initializing"
	// LevelQuiet indicates the volume is below the quiet threshold.
	LevelQuiet NoiseLevel = "quiet"
	// LevelMedium indicates the volume is between the quiet and medium thresholds.
	LevelMedium NoiseLevel = "medium"
	// LevelNoisy indicates the volume is at or above the medium threshold.
	LevelNoisy NoiseLevel = "noisy"
	// LevelError indicates an unrecoverable capture failure.
	LevelError NoiseLevel = "error"
)

// IsClassified reports whether the level is one of the three sound bands.
func (l NoiseLevel) IsClassified() bool {
	return l == LevelQuiet || l == LevelMedium || l == LevelNoisy
}

// Threshold limits.
const (
	MinThreshold    = 0
	MaxThreshold    = 255
	MinThresholdGap = 15
)

// Alarm delay limits in seconds.
const (
	MinAlarmDelaySeconds = 1
	MaxAlarmDelaySeconds = 30
)

// ThresholdConfig holds the classifier band boundaries on the 0-255 byte-magnitude scale.
type ThresholdConfig struct {
	Quiet  int `json:"quiet"`
	Medium int `json:"medium"`
}

// AlarmConfig holds what the alarm plays and when.
type AlarmConfig struct {
	SoundRef string        `json:"sound_ref"` // URL, data URI, s3:// reference, file path or builtin:name
	Delay    time.Duration `json:"-"`         // Sustained noisy time before triggering
	Message  string        `json:"message"`   // Message shown while the alarm sounds
}

// DelaySeconds returns the trigger delay in whole seconds.
func (a AlarmConfig) DelaySeconds() int {
	return int(a.Delay / time.Second)
}

// AlarmState is the externally visible state of the alarm state machine.
type AlarmState string

const (
	// AlarmDisarmed indicates no streak is being counted and nothing sounds.
	AlarmDisarmed AlarmState = "disarmed"
	// AlarmArming indicates a noisy streak is counting toward the trigger delay.
	AlarmArming AlarmState = "arming"
	// AlarmAlarming indicates the alarm sound is playing or starting.
	AlarmAlarming AlarmState = "alarming"
	// AlarmReleasing indicates a quiet streak is counting toward release while the alarm sounds.
	AlarmReleasing AlarmState = "releasing"
)

// AlarmStatus contains runtime status of the alarm state machine.
type AlarmStatus struct {
	State         AlarmState `json:"state"`
	Playing       bool       `json:"playing"`
	PlayPending   bool       `json:"play_pending"`
	NoisyForMs    int64      `json:"noisy_for_ms,omitzero"`
	ReleasingMs   int64      `json:"releasing_for_ms,omitzero"`
	TriggeredAt   *time.Time `json:"triggered_at,omitempty"`
	ActiveMessage *string    `json:"active_message"`
}

// SettingsView is the current engine settings as exposed to clients.
type SettingsView struct {
	QuietThreshold    int    `json:"quiet_threshold"`
	MediumThreshold   int    `json:"medium_threshold"`
	AlarmSoundRef     string `json:"alarm_sound_reference"`
	AlarmDelaySeconds int    `json:"alarm_delay_seconds"`
	AlarmMessage      string `json:"custom_alarm_message"`
}

// MonitorStatus is a point-in-time view of the monitoring engine.
type MonitorStatus struct {
	Level         NoiseLevel   `json:"level"`
	Volume        *float64     `json:"volume"`
	PeakVolume    *float64     `json:"peak_volume"`
	Error         *ErrorView   `json:"error"`
	AlarmMessage  *string      `json:"alarm_message"`
	Monitoring    bool         `json:"monitoring"`
	PreviewActive bool         `json:"preview_active"`
	Alarm         AlarmStatus  `json:"alarm"`
	Settings      SettingsView `json:"settings"`
	StartedAt     *time.Time   `json:"started_at,omitempty"`
}

// ErrorView is the client-facing rendition of a MonitorError.
type ErrorView struct {
	Kind     ErrorKind    `json:"kind"`
	Playback PlaybackKind `json:"playback,omitempty"`
	Message  string       `json:"message"`
}

// AudioDevice represents an available audio input device.
type AudioDevice struct {
	ID        string `json:"id"`   // Device identifier
	Name      string `json:"name"` // Device display name
	IsDefault bool   `json:"is_default,omitzero"`
}

// GraphConfig contains Microsoft Graph API settings for email notifications.
type GraphConfig struct {
	TenantID     string `json:"tenant_id,omitempty"`     // Azure AD tenant ID
	ClientID     string `json:"client_id,omitempty"`     // App registration client ID
	ClientSecret string `json:"client_secret,omitempty"` // App registration client secret
	FromAddress  string `json:"from_address,omitempty"`  // Shared mailbox address (sender)
	Recipients   string `json:"recipients,omitempty"`    // Comma-separated recipients
}

// MQTTConfig contains broker settings for MQTT notifications.
type MQTTConfig struct {
	Broker   string `json:"broker,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Topic    string `json:"topic,omitempty"` // Base topic, may contain {station}
}

// AlarmLogEntry is a single line in the notification log file.
type AlarmLogEntry struct {
	Timestamp  string     `json:"timestamp"`
	Event      string     `json:"event"`
	EpisodeID  string     `json:"episode_id,omitempty"`
	Level      NoiseLevel `json:"level,omitempty"`
	Volume     float64    `json:"volume,omitzero"`
	Message    string     `json:"message,omitempty"`
	DurationMs int64      `json:"duration_ms,omitzero"`
	Error      string     `json:"error,omitempty"`
}

// VersionInfo contains version comparison data.
type VersionInfo struct {
	Current     string `json:"current"`              // Current version
	Latest      string `json:"latest,omitempty"`     // Latest available version
	UpdateAvail bool   `json:"update_available"`     // Update is available
	Commit      string `json:"commit,omitempty"`     // Git commit hash
	BuildTime   string `json:"build_time,omitempty"` // Build timestamp
}
