package audio

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/types"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/util"
)

// ErrDeviceNotFound is returned when the configured input device does not exist.
var ErrDeviceNotFound = errors.New("no matching capture device")

// MalgoCapturer captures audio through miniaudio. It never applies voice processing.
type MalgoCapturer struct{}

// NewMalgoCapturer creates a capturer for the platform audio backend.
func NewMalgoCapturer() *MalgoCapturer {
	return &MalgoCapturer{}
}

// platformBackends returns the miniaudio backend for the current platform, or nil for auto-selection.
func platformBackends() []malgo.Backend {
	switch runtime.GOOS {
	case "linux":
		return []malgo.Backend{malgo.BackendAlsa}
	case "windows":
		return []malgo.Backend{malgo.BackendWasapi}
	case "darwin":
		return []malgo.Backend{malgo.BackendCoreaudio}
	default:
		return nil
	}
}

// initContext creates a miniaudio context that forwards backend messages to slog.
func initContext() (*malgo.AllocatedContext, error) {
	return malgo.InitContext(platformBackends(), malgo.ContextConfig{}, func(message string) {
		slog.Debug("audio backend", "message", strings.TrimSpace(message))
	})
}

// Open acquires the requested device and starts delivering PCM to onData.
func (c *MalgoCapturer) Open(ctx context.Context, req CaptureRequest, onData func(pcm []byte)) (Stream, error) {
	if req.EchoCancellation || req.NoiseSuppression || req.AutoGainControl {
		return nil, types.NewCaptureError(types.ErrUnknown, ErrProcessingRequested)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mctx, err := initContext()
	if err != nil {
		return nil, ClassifyCaptureError(util.WrapError("initialize audio context", err))
	}

	s := &malgoStream{ctx: mctx}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = uint32(req.SampleRate) //nolint:gosec // validated by config
	deviceConfig.Alsa.NoMMap = 1

	if req.Device != "" {
		infos, err := mctx.Devices(malgo.Capture)
		if err != nil {
			s.release()
			return nil, ClassifyCaptureError(util.WrapError("enumerate capture devices", err))
		}
		info, err := selectDevice(infos, req.Device)
		if err != nil {
			s.release()
			return nil, ClassifyCaptureError(err)
		}
		deviceConfig.Capture.DeviceID = info.ID.Pointer()
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			onData(input)
		},
		Stop: func() {
			s.running.Store(false)
		},
	}

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, callbacks)
	if err != nil {
		s.release()
		return nil, ClassifyCaptureError(util.WrapError("initialize capture device", err))
	}
	s.device = device

	s.running.Store(true)
	if err := device.Start(); err != nil {
		s.running.Store(false)
		s.release()
		return nil, ClassifyCaptureError(util.WrapError("start capture device", err))
	}

	// Abandon the device if the caller gave up while it was starting.
	if err := ctx.Err(); err != nil {
		_ = s.Close()
		return nil, err
	}

	slog.Info("capture device started",
		"device", cmpDevice(req.Device),
		"sample_rate", req.SampleRate,
		"echo_cancellation", req.EchoCancellation,
		"noise_suppression", req.NoiseSuppression,
		"auto_gain_control", req.AutoGainControl)

	return s, nil
}

func cmpDevice(name string) string {
	if name == "" {
		return "default"
	}
	return name
}

// malgoStream is an open miniaudio capture device.
type malgoStream struct {
	ctx     *malgo.AllocatedContext
	device  *malgo.Device
	running atomic.Bool
	once    sync.Once
}

// Running reports whether the device has not been stopped by the backend or by Close.
func (s *malgoStream) Running() bool {
	return s.running.Load()
}

// Close stops and releases the device and its context. It is idempotent.
func (s *malgoStream) Close() error {
	var err error
	s.once.Do(func() {
		s.running.Store(false)
		if s.device != nil {
			if stopErr := s.device.Stop(); stopErr != nil {
				err = util.WrapError("stop capture device", stopErr)
			}
		}
		s.release()
	})
	return err
}

// release frees the device and context without stopping.
func (s *malgoStream) release() {
	if s.device != nil {
		s.device.Uninit()
		s.device = nil
	}
	if s.ctx != nil {
		_ = s.ctx.Uninit()
		s.ctx = nil
	}
}

// ListDevices returns the available capture devices.
func ListDevices() ([]types.AudioDevice, error) {
	mctx, err := initContext()
	if err != nil {
		return nil, util.WrapError("initialize audio context", err)
	}
	defer func() { _ = mctx.Uninit() }()

	infos, err := mctx.Devices(malgo.Capture)
	if err != nil {
		return nil, util.WrapError("enumerate capture devices", err)
	}

	devices := make([]types.AudioDevice, 0, len(infos))
	for i := range infos {
		name := infos[i].Name()
		// miniaudio's null backend exposes a discard device
		if strings.Contains(name, "Discard all samples") {
			continue
		}
		devices = append(devices, types.AudioDevice{
			ID:        deviceID(&infos[i]),
			Name:      name,
			IsDefault: infos[i].IsDefault == 1,
		})
	}
	return devices, nil
}

// deviceID returns the readable form of a device ID, falling back to hex.
func deviceID(info *malgo.DeviceInfo) string {
	raw := info.ID.String()
	decoded, err := hex.DecodeString(raw)
	if err != nil {
		return raw
	}
	return strings.TrimRight(string(decoded), "\x00")
}

// selectDevice finds a device by exact name, ID, or partial name.
func selectDevice(infos []malgo.DeviceInfo, want string) (*malgo.DeviceInfo, error) {
	if want == "default" {
		for i := range infos {
			if infos[i].IsDefault == 1 {
				return &infos[i], nil
			}
		}
		if len(infos) > 0 {
			return &infos[0], nil
		}
	}
	for i := range infos {
		if infos[i].Name() == want {
			return &infos[i], nil
		}
	}
	for i := range infos {
		if deviceID(&infos[i]) == want {
			return &infos[i], nil
		}
	}
	for i := range infos {
		if strings.Contains(infos[i].Name(), want) {
			return &infos[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %q (%d devices available)", ErrDeviceNotFound, want, len(infos))
}
