package server

import (
	"log/slog"

	"github.com/oszuidwest/zwfm-noisemonitor/internal/config"
)

// handleSettingsUpdate processes a settings/update command. The monitor picks
// the change up from the store.
func (h *CommandHandler) handleSettingsUpdate(cmd WSCommand, send chan<- any) {
	HandleCommand(cmd, send, func(req *SettingsUpdateRequest) (any, error) {
		view, err := ApplySettingsUpdate(h.settings, req)
		if err != nil {
			return nil, err
		}
		slog.Info("settings/update: settings written",
			"quiet_threshold", view.QuietThreshold,
			"medium_threshold", view.MediumThreshold,
			"alarm_delay_seconds", view.AlarmDelaySeconds)
		return view, nil
	})
}

// handleRegenerateAPIKey processes a system/regenerate-key command.
func (h *CommandHandler) handleRegenerateAPIKey(cmd WSCommand, send chan<- any) {
	HandleActionAsync(cmd, send, nil, func() (any, error) {
		newKey, err := config.GenerateAPIKey()
		if err != nil {
			return nil, err
		}
		if err := h.cfg.SetAPIKey(newKey); err != nil {
			return nil, err
		}

		slog.Info("API key regenerated")
		return map[string]string{"api_key": newKey}, nil
	})
}
