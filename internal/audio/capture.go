package audio

import (
	"context"
	"errors"
	"strings"

	"github.com/oszuidwest/zwfm-noisemonitor/internal/types"
)

// DefaultSampleRate is the capture sample rate in Hz.
const DefaultSampleRate = 48000

// CaptureRequest describes the microphone stream to acquire.
// Voice processing must stay disabled so the raw ambient level is measured.
type CaptureRequest struct {
	Device           string // Device name or ID, empty for the system default
	SampleRate       int
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// RawCaptureRequest returns a request with all voice processing disabled.
func RawCaptureRequest(device string, sampleRate int) CaptureRequest {
	return CaptureRequest{
		Device:     device,
		SampleRate: sampleRate,
	}
}

// Stream is an open microphone stream.
type Stream interface {
	// Running reports whether the device is still delivering audio.
	Running() bool
	// Close stops the device and releases it.
	Close() error
}

// Capturer acquires a microphone and delivers mono S16LE PCM to onData from the audio thread.
type Capturer interface {
	Open(ctx context.Context, req CaptureRequest, onData func(pcm []byte)) (Stream, error)
}

// ErrProcessingRequested is returned when a request enables voice processing.
var ErrProcessingRequested = errors.New("echo cancellation, noise suppression and auto gain must be disabled")

// ClassifyCaptureError maps a platform capture error onto the monitoring error taxonomy.
// Errors that are already classified are returned unchanged.
func ClassifyCaptureError(err error) *types.MonitorError {
	if err == nil {
		return nil
	}
	if me, ok := types.AsMonitorError(err); ok {
		return me
	}
	if errors.Is(err, ErrDeviceNotFound) {
		return types.NewCaptureError(types.ErrDeviceNotFound, err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "no device", "does not exist", "not found", "no such device", "no backend"):
		return types.NewCaptureError(types.ErrDeviceNotFound, err)
	case containsAny(msg, "access denied", "permission", "not allowed", "operation not permitted"):
		return types.NewCaptureError(types.ErrPermissionDenied, err)
	case containsAny(msg, "busy", "in use", "unavailable", "not readable", "resource temporarily"):
		return types.NewCaptureError(types.ErrDeviceBusy, err)
	default:
		return types.NewCaptureError(types.ErrUnknown, err)
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
