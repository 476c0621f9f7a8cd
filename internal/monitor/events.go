package monitor

import (
	"time"

	"github.com/oszuidwest/zwfm-noisemonitor/internal/types"
)

// EventType identifies a monitoring event.
type EventType string

// Monitoring events.
const (
	EventMonitoringStarted EventType = "monitoring_started"
	EventMonitoringStopped EventType = "monitoring_stopped"
	EventLevelChanged      EventType = "level_changed"
	EventAlarmTriggered    EventType = "alarm_triggered"
	EventAlarmReleased     EventType = "alarm_released"
	EventAlarmFailed       EventType = "alarm_failed"
	EventCaptureError      EventType = "capture_error"
)

// Event describes a state change of the monitor.
type Event struct {
	Type     EventType
	Time     time.Time
	Level    types.NoiseLevel
	Previous types.NoiseLevel // set for EventLevelChanged
	Volume   float64
	Message  string              // active alarm message
	SoundRef string              // alarm sound, set for alarm events
	Elapsed  time.Duration       // noisy streak when triggered, quiet streak when released
	Sounded  time.Duration       // how long the alarm played, set for EventAlarmReleased
	Err      *types.MonitorError // set for EventAlarmFailed and EventCaptureError
}

// Listener receives events. It is called outside the monitor lock and must not block.
type Listener func(Event)
