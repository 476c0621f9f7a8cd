package notify

import "time"

// AppName is the application name used in notifications.
const AppName = "ZuidWest FM Noise Monitor"

// Notification event names shared by webhook, log and MQTT payloads.
const (
	eventAlarmTriggered = "alarm_triggered"
	eventAlarmReleased  = "alarm_released"
	eventCaptureError   = "capture_error"
	eventTest           = "test"
)

// timestampUTC returns t in UTC RFC3339 format.
func timestampUTC(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
