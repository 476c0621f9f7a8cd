package server

import (
	"strconv"

	"github.com/oszuidwest/zwfm-noisemonitor/internal/settings"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/types"
)

// SettingsStore is the key/value store holding thresholds and alarm settings.
type SettingsStore interface {
	Load() settings.Settings
	Set(updates map[string]string) error
}

// ApplySettingsUpdate merges req into the current settings, corrects the
// threshold gap and writes the changed keys. It returns the settings as stored.
func ApplySettingsUpdate(store SettingsStore, req *SettingsUpdateRequest) (types.SettingsView, error) {
	if err := validate.Struct(req); err != nil {
		return types.SettingsView{}, ValidationErrors(err)
	}

	current := store.Load()
	updates := make(map[string]string)

	if req.QuietThreshold != nil || req.MediumThreshold != nil {
		quiet := current.Thresholds.Quiet
		medium := current.Thresholds.Medium
		if req.QuietThreshold != nil {
			quiet = *req.QuietThreshold
		}
		if req.MediumThreshold != nil {
			medium = *req.MediumThreshold
		}
		quiet, medium = settings.CorrectThresholds(quiet, medium)
		updates[settings.KeyQuietThreshold] = strconv.Itoa(quiet)
		updates[settings.KeyMediumThreshold] = strconv.Itoa(medium)
	}
	if req.AlarmSoundRef != nil {
		updates[settings.KeyAlarmSoundRef] = *req.AlarmSoundRef
	}
	if req.AlarmDelaySeconds != nil {
		updates[settings.KeyAlarmDelaySeconds] = strconv.Itoa(*req.AlarmDelaySeconds)
	}
	if req.AlarmMessage != nil {
		updates[settings.KeyAlarmMessage] = *req.AlarmMessage
	}

	if len(updates) > 0 {
		if err := store.Set(updates); err != nil {
			return types.SettingsView{}, err
		}
	}
	return store.Load().View(), nil
}
