package types

import (
	"errors"
	"fmt"
)

// FieldError represents a validation error for a specific field.
type FieldError struct {
	Field   string `json:"field"`   // JSON path to the field (e.g., "quiet_threshold")
	Message string `json:"message"` // Human-readable error message
	Value   any    `json:"value"`   // The invalid value that was provided
}

// ValidationError collects multiple field validation errors.
type ValidationError struct {
	Errors []FieldError `json:"errors"`
}

// NewValidationError creates a new empty ValidationError.
func NewValidationError() *ValidationError {
	return &ValidationError{
		Errors: make([]FieldError, 0),
	}
}

// Add adds a field error to the collection.
func (v *ValidationError) Add(field, message string, value any) {
	v.Errors = append(v.Errors, FieldError{
		Field:   field,
		Message: message,
		Value:   value,
	})
}

// ErrorKind classifies monitoring failures.
type ErrorKind string

const (
	// ErrPermissionDenied indicates the microphone could not be opened due to missing permission.
	ErrPermissionDenied ErrorKind = "permission_denied"
	// ErrDeviceNotFound indicates no capture device exists or the configured one is missing.
	ErrDeviceNotFound ErrorKind = "device_not_found"
	// ErrDeviceBusy indicates the device is in use or unreadable.
	ErrDeviceBusy ErrorKind = "device_busy"
	// ErrUnknown indicates any other capture failure.
	ErrUnknown ErrorKind = "unknown"
	// ErrProcessingFailure indicates the capture stream stopped or analysis failed mid-session.
	ErrProcessingFailure ErrorKind = "processing_failure"
	// ErrPlaybackFailure indicates the alarm sound could not be started.
	ErrPlaybackFailure ErrorKind = "playback_failure"
	// ErrConfigurationInvalid indicates a stored setting was rejected and replaced by its default.
	ErrConfigurationInvalid ErrorKind = "configuration_invalid"
)

// PlaybackKind subdivides playback failures.
type PlaybackKind string

const (
	PlaybackAborted     PlaybackKind = "aborted"
	PlaybackNetwork     PlaybackKind = "network"
	PlaybackDecode      PlaybackKind = "decode"
	PlaybackUnsupported PlaybackKind = "unsupported"
	PlaybackUnknown     PlaybackKind = "unknown"
)

// Capture failure messages.
const (
	msgDeviceNotFound   = "No microphone found. Please connect a microphone."
	msgPermissionDenied = "Microphone permission denied. Please allow access in the system audio settings."
	msgDeviceBusy       = "Microphone is already in use or cannot be accessed. Please check other applications."
)

// Processing failure messages.
const (
	MsgProcessingError   = "Error processing audio data."
	MsgContextNotRunning = "Audio processing stopped: context not running. Please restart."
)

// MonitorError is a classified failure of the monitoring engine.
type MonitorError struct {
	Kind     ErrorKind
	Playback PlaybackKind // set only for ErrPlaybackFailure
	Message  string       // human-readable, safe to show to users
	Err      error        // underlying cause, may be nil
}

// Error returns the human-readable message.
func (e *MonitorError) Error() string {
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *MonitorError) Unwrap() error {
	return e.Err
}

// View returns the client-facing representation.
func (e *MonitorError) View() *ErrorView {
	return &ErrorView{Kind: e.Kind, Playback: e.Playback, Message: e.Message}
}

// NewCaptureError builds a capture failure of the given kind.
func NewCaptureError(kind ErrorKind, err error) *MonitorError {
	var msg string
	switch kind {
	case ErrDeviceNotFound:
		msg = msgDeviceNotFound
	case ErrPermissionDenied:
		msg = msgPermissionDenied
	case ErrDeviceBusy:
		msg = msgDeviceBusy
	default:
		kind = ErrUnknown
		detail := "unknown error"
		if err != nil {
			detail = err.Error()
		}
		msg = "Microphone error: " + detail
	}
	return &MonitorError{Kind: kind, Message: msg, Err: err}
}

// NewProcessingError builds a processing failure with one of the processing messages.
func NewProcessingError(msg string, err error) *MonitorError {
	return &MonitorError{Kind: ErrProcessingFailure, Message: msg, Err: err}
}

// NewPlaybackError builds a playback failure with the detail for its sub-kind.
func NewPlaybackError(kind PlaybackKind, err error) *MonitorError {
	var detail string
	switch kind {
	case PlaybackAborted:
		detail = "Playback aborted by user or script."
	case PlaybackNetwork:
		detail = "A network error occurred causing the audio download to fail."
	case PlaybackDecode:
		detail = "The audio playback was aborted due to a corruption problem or because the audio used features the player did not support."
	case PlaybackUnsupported:
		detail = "The audio could not be loaded, either because the server or network failed or because the format is not supported."
	default:
		kind = PlaybackUnknown
		cause := "no detail"
		if err != nil {
			cause = err.Error()
		}
		detail = fmt.Sprintf("An unknown error occurred (%s).", cause)
	}
	return &MonitorError{
		Kind:     ErrPlaybackFailure,
		Playback: kind,
		Message:  "Alarm sound error: " + detail + " Check URL/file, network and logs.",
		Err:      err,
	}
}

// AsMonitorError extracts a MonitorError from err, if any.
func AsMonitorError(err error) (*MonitorError, bool) {
	var me *MonitorError
	if errors.As(err, &me) {
		return me, true
	}
	return nil, false
}
