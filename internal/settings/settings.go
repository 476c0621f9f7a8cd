// Package settings provides the externally owned key/value store that holds
// the noise thresholds and alarm settings.
package settings

import (
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/types"
)

// Store keys.
const (
	KeyQuietThreshold    = "quiet-threshold"
	KeyMediumThreshold   = "medium-threshold"
	KeyAlarmSoundRef     = "alarm-sound-reference"
	KeyAlarmDelaySeconds = "alarm-delay-seconds"
	KeyAlarmMessage      = "custom-alarm-message"
)

// Keys lists every key the store accepts.
var Keys = []string{
	KeyQuietThreshold,
	KeyMediumThreshold,
	KeyAlarmSoundRef,
	KeyAlarmDelaySeconds,
	KeyAlarmMessage,
}

// Default values.
const (
	DefaultQuietThreshold    = 40
	DefaultMediumThreshold   = 60
	DefaultAlarmSoundRef     = "builtin:chime"
	DefaultAlarmDelaySeconds = 2
	DefaultAlarmMessage      = "Please keep the volume down for a comfortable environment."
)

// Settings is one validated load of the store.
type Settings struct {
	Thresholds types.ThresholdConfig
	Alarm      types.AlarmConfig
}

// Defaults returns the settings used when the store is empty.
func Defaults() Settings {
	return Settings{
		Thresholds: types.ThresholdConfig{Quiet: DefaultQuietThreshold, Medium: DefaultMediumThreshold},
		Alarm: types.AlarmConfig{
			SoundRef: DefaultAlarmSoundRef,
			Delay:    DefaultAlarmDelaySeconds * time.Second,
			Message:  DefaultAlarmMessage,
		},
	}
}

// View returns the client-facing representation.
func (s Settings) View() types.SettingsView {
	return types.SettingsView{
		QuietThreshold:    s.Thresholds.Quiet,
		MediumThreshold:   s.Thresholds.Medium,
		AlarmSoundRef:     s.Alarm.SoundRef,
		AlarmDelaySeconds: s.Alarm.DelaySeconds(),
		AlarmMessage:      s.Alarm.Message,
	}
}

// Values returns the settings as store values.
func (s Settings) Values() map[string]string {
	return map[string]string{
		KeyQuietThreshold:    strconv.Itoa(s.Thresholds.Quiet),
		KeyMediumThreshold:   strconv.Itoa(s.Thresholds.Medium),
		KeyAlarmSoundRef:     s.Alarm.SoundRef,
		KeyAlarmDelaySeconds: strconv.Itoa(s.Alarm.DelaySeconds()),
		KeyAlarmMessage:      s.Alarm.Message,
	}
}

// CorrectThresholds enforces the minimum gap between the quiet and medium
// thresholds. Medium is raised first; quiet is lowered only when medium hits
// the top of the range.
func CorrectThresholds(quiet, medium int) (int, int) {
	if medium < quiet+types.MinThresholdGap {
		medium = min(types.MaxThreshold, quiet+types.MinThresholdGap)
	}
	if quiet > medium-types.MinThresholdGap {
		quiet = max(types.MinThreshold, medium-types.MinThresholdGap)
	}
	return quiet, medium
}

// Parse validates raw store values. Missing, malformed or out-of-range values
// fall back to their defaults; the threshold gap is corrected, never rejected.
func Parse(values map[string]string, validate *validator.Validate) Settings {
	s := Defaults()

	s.Thresholds.Quiet = parseInt(values, KeyQuietThreshold, DefaultQuietThreshold, "min=0,max=255", validate)
	s.Thresholds.Medium = parseInt(values, KeyMediumThreshold, DefaultMediumThreshold, "min=0,max=255", validate)
	s.Thresholds.Quiet, s.Thresholds.Medium = CorrectThresholds(s.Thresholds.Quiet, s.Thresholds.Medium)

	delay := parseInt(values, KeyAlarmDelaySeconds, DefaultAlarmDelaySeconds, "min=1,max=30", validate)
	s.Alarm.Delay = time.Duration(delay) * time.Second

	if ref := strings.TrimSpace(values[KeyAlarmSoundRef]); ref != "" {
		s.Alarm.SoundRef = ref
	}
	if msg := values[KeyAlarmMessage]; strings.TrimSpace(msg) != "" {
		s.Alarm.Message = msg
	}
	return s
}

func parseInt(values map[string]string, key string, def int, tag string, validate *validator.Validate) int {
	raw, ok := values[key]
	if !ok || strings.TrimSpace(raw) == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err == nil {
		err = validate.Var(n, tag)
	}
	if err != nil {
		slog.Warn("invalid setting, using default",
			"key", key, "value", raw, "default", def, "kind", types.ErrConfigurationInvalid)
		return def
	}
	return n
}
