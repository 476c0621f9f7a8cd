package server

// Request types for WebSocket commands and REST endpoints with validation tags.

// SettingsUpdateRequest is the request body for settings/update and PUT /api/settings.
// Absent fields are left unchanged.
type SettingsUpdateRequest struct {
	QuietThreshold    *int    `json:"quiet_threshold" validate:"omitempty,gte=0,lte=255"`
	MediumThreshold   *int    `json:"medium_threshold" validate:"omitempty,gte=0,lte=255"`
	AlarmSoundRef     *string `json:"alarm_sound_reference" validate:"omitempty,max=8388608"`
	AlarmDelaySeconds *int    `json:"alarm_delay_seconds" validate:"omitempty,gte=1,lte=30"`
	AlarmMessage      *string `json:"custom_alarm_message" validate:"omitempty,max=500"`
}

// EventsViewRequest is the request body for events/view.
type EventsViewRequest struct {
	Limit  int    `json:"limit" validate:"omitempty,gte=1,lte=500"`
	Offset int    `json:"offset" validate:"omitempty,gte=0"`
	Filter string `json:"filter" validate:"omitempty,oneof=monitoring alarm"`
}
