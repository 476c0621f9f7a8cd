// Package eventlog provides the persistent monitoring history.
// It captures monitoring events (started, stopped, capture errors) and alarm
// events (triggered, released, failed) in a single JSON lines file.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oszuidwest/zwfm-noisemonitor/internal/monitor"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/types"
)

// EventType represents the type of event.
type EventType string

// Monitoring event types.
const (
	MonitoringStarted EventType = "monitoring_started"
	MonitoringStopped EventType = "monitoring_stopped"
	CaptureError      EventType = "capture_error"
)

// Alarm event types.
const (
	AlarmTriggered EventType = "alarm_triggered"
	AlarmReleased  EventType = "alarm_released"
	AlarmFailed    EventType = "alarm_failed"
)

// Event represents a single log entry with type-specific details.
type Event struct {
	Timestamp time.Time `json:"ts"`
	Type      EventType `json:"type"`
	Message   string    `json:"msg,omitempty"`
	Details   any       `json:"details,omitempty"`
}

// AlarmDetails contains alarm-specific event details.
type AlarmDetails struct {
	Level     types.NoiseLevel   `json:"level,omitempty"`
	Volume    float64            `json:"volume,omitzero"`
	SoundRef  string             `json:"sound_ref,omitempty"`
	NoisyMs   int64              `json:"noisy_ms,omitzero"`
	QuietMs   int64              `json:"quiet_ms,omitzero"`
	SoundedMs int64              `json:"sounded_ms,omitzero"`
	ErrorKind types.ErrorKind    `json:"error_kind,omitempty"`
	Playback  types.PlaybackKind `json:"playback,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// Logger writes events to a JSON lines file.
type Logger struct {
	mu       sync.Mutex
	filePath string
	file     *os.File
	encoder  *json.Encoder
}

// NewLogger creates a new event logger at the specified path.
func NewLogger(filePath string) (*Logger, error) {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	return &Logger{
		filePath: filePath,
		file:     file,
		encoder:  json.NewEncoder(file),
	}, nil
}

// Log writes an event to the log file.
func (l *Logger) Log(event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	return l.encoder.Encode(event)
}

// Record persists a monitor event. Level changes are not kept in the history.
func (l *Logger) Record(ev monitor.Event) {
	entry := &Event{Timestamp: ev.Time}
	details := &AlarmDetails{Level: ev.Level, Volume: ev.Volume, SoundRef: ev.SoundRef}

	switch ev.Type {
	case monitor.EventMonitoringStarted:
		entry.Type = MonitoringStarted
		details = nil
	case monitor.EventMonitoringStopped:
		entry.Type = MonitoringStopped
		details = nil
	case monitor.EventAlarmTriggered:
		entry.Type = AlarmTriggered
		entry.Message = ev.Message
		details.NoisyMs = ev.Elapsed.Milliseconds()
	case monitor.EventAlarmReleased:
		entry.Type = AlarmReleased
		details.QuietMs = ev.Elapsed.Milliseconds()
		details.SoundedMs = ev.Sounded.Milliseconds()
	case monitor.EventAlarmFailed:
		entry.Type = AlarmFailed
	case monitor.EventCaptureError:
		entry.Type = CaptureError
	default:
		return
	}

	if ev.Err != nil && details != nil {
		details.ErrorKind = ev.Err.Kind
		details.Playback = ev.Err.Playback
		details.Error = ev.Err.Message
	}
	if details != nil {
		entry.Details = details
	}

	if err := l.Log(entry); err != nil {
		slog.Error("failed to write event log", "type", entry.Type, "error", err)
	}
}

// Close closes the log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

// Path returns the path to the log file.
func (l *Logger) Path() string {
	return l.filePath
}

// TypeFilter specifies which event types to include when reading.
type TypeFilter string

// Filter constants for ReadLast.
const (
	FilterAll        TypeFilter = ""
	FilterMonitoring TypeFilter = "monitoring"
	FilterAlarm      TypeFilter = "alarm"
)

// Matches reports whether t passes the filter.
func (f TypeFilter) Matches(t EventType) bool {
	switch f {
	case FilterMonitoring:
		return IsMonitoringEvent(t)
	case FilterAlarm:
		return IsAlarmEvent(t)
	default:
		return true
	}
}

// MaxReadLimit is the maximum number of events that can be read at once.
const MaxReadLimit = 500

// ReadLast reads events from the log file with pagination support.
// Returns up to n events starting from offset, filtered by type, newest first.
// The n parameter is capped at MaxReadLimit.
func ReadLast(filePath string, n, offset int, filter TypeFilter) ([]Event, bool, error) {
	n = min(n, MaxReadLimit)
	if n <= 0 {
		return []Event{}, false, nil
	}
	offset = max(offset, 0)

	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []Event{}, false, nil
		}
		return nil, false, err
	}
	defer file.Close() //nolint:errcheck // Read-only operation, close error not critical

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, false, err
	}

	events := make([]Event, 0, n)
	matched := 0
	for i := len(lines) - 1; i >= 0; i-- {
		var event Event
		if err := json.Unmarshal([]byte(lines[i]), &event); err != nil {
			continue // Skip malformed lines
		}
		if !filter.Matches(event.Type) {
			continue
		}
		matched++
		if matched <= offset {
			continue
		}
		if len(events) == n {
			// One more match exists beyond the page.
			return events, true, nil
		}
		events = append(events, event)
	}

	return events, false, nil
}

// IsMonitoringEvent returns true if the event type is a monitoring event.
func IsMonitoringEvent(t EventType) bool {
	return t == MonitoringStarted || t == MonitoringStopped || t == CaptureError
}

// IsAlarmEvent returns true if the event type is an alarm event.
func IsAlarmEvent(t EventType) bool {
	return t == AlarmTriggered || t == AlarmReleased || t == AlarmFailed
}
