package audio

import (
	"errors"
	"fmt"
	"testing"

	"github.com/oszuidwest/zwfm-noisemonitor/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyCaptureError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want types.ErrorKind
	}{
		{name: "sentinel device not found", err: fmt.Errorf("%w: %q", ErrDeviceNotFound, "USB mic"), want: types.ErrDeviceNotFound},
		{name: "no backend", err: errors.New("ma_context_init: no backend"), want: types.ErrDeviceNotFound},
		{name: "permission", err: errors.New("open /dev/snd/pcmC0D0c: permission denied"), want: types.ErrPermissionDenied},
		{name: "access denied", err: errors.New("Access denied by the system"), want: types.ErrPermissionDenied},
		{name: "busy", err: errors.New("Device or resource busy"), want: types.ErrDeviceBusy},
		{name: "in use", err: errors.New("device in use by another application"), want: types.ErrDeviceBusy},
		{name: "other", err: errors.New("invalid argument"), want: types.ErrUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			me := ClassifyCaptureError(tt.err)
			require.NotNil(t, me)
			assert.Equal(t, tt.want, me.Kind)
			assert.ErrorIs(t, me, tt.err)
		})
	}
}

func TestClassifyCaptureErrorPassesThroughClassified(t *testing.T) {
	original := types.NewCaptureError(types.ErrDeviceBusy, errors.New("x"))
	wrapped := fmt.Errorf("open: %w", original)
	assert.Same(t, original, ClassifyCaptureError(wrapped))
	assert.Nil(t, ClassifyCaptureError(nil))
}

func TestUnknownCaptureErrorMessage(t *testing.T) {
	me := ClassifyCaptureError(errors.New("weird failure"))
	assert.Equal(t, "Microphone error: weird failure", me.Error())
}

func TestRawCaptureRequestDisablesProcessing(t *testing.T) {
	req := RawCaptureRequest("hw:1", DefaultSampleRate)
	assert.Equal(t, "hw:1", req.Device)
	assert.Equal(t, DefaultSampleRate, req.SampleRate)
	assert.False(t, req.EchoCancellation)
	assert.False(t, req.NoiseSuppression)
	assert.False(t, req.AutoGainControl)
}
