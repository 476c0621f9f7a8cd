package server

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/oszuidwest/zwfm-noisemonitor/internal/config"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/eventlog"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/monitor"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/settings"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeController records calls made by the command handler.
type fakeController struct {
	mu         sync.Mutex
	startErr   error
	previewErr error
	starts     int
	stops      int
	previews   int
	monitoring bool
}

func (f *fakeController) StartMonitoring(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr != nil {
		return f.startErr
	}
	f.monitoring = true
	return nil
}

func (f *fakeController) StopMonitoring() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.monitoring = false
}

func (f *fakeController) PreviewAlarm() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.previews++
	return f.previewErr
}

func (f *fakeController) StopAlarmPreview() {}

func (f *fakeController) Status() types.MonitorStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	level := types.LevelIdle
	if f.monitoring {
		level = types.LevelInitializing
	}
	return types.MonitorStatus{Level: level, Monitoring: f.monitoring}
}

type harness struct {
	handler *CommandHandler
	ctrl    *fakeController
	store   *settings.Store
	cfg     *config.Config
	send    chan any
	updates chan struct{}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	cfg := config.New(filepath.Join(dir, "config.json"))
	require.NoError(t, cfg.Load())

	ctrl := &fakeController{}
	store := settings.New(filepath.Join(dir, "settings.json"))
	return &harness{
		handler: NewCommandHandler(cfg, ctrl, store),
		ctrl:    ctrl,
		store:   store,
		cfg:     cfg,
		send:    make(chan any, 16),
		updates: make(chan struct{}, 16),
	}
}

func (h *harness) handle(t *testing.T, cmdType string, data any) {
	t.Helper()
	cmd := WSCommand{Type: cmdType}
	if data != nil {
		raw, err := json.Marshal(data)
		require.NoError(t, err)
		cmd.Data = raw
	}
	h.handler.Handle(t.Context(), cmd, h.send, func() { h.updates <- struct{}{} })
}

// next returns the next message sent to the client as generic JSON.
func (h *harness) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case msg := <-h.send:
		raw, err := json.Marshal(msg)
		require.NoError(t, err)
		var out map[string]any
		require.NoError(t, json.Unmarshal(raw, &out))
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("no message sent")
		return nil
	}
}

func (h *harness) waitUpdate(t *testing.T) {
	t.Helper()
	select {
	case <-h.updates:
	case <-time.After(2 * time.Second):
		t.Fatal("no status update triggered")
	}
}

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }

func TestApplySettingsUpdate(t *testing.T) {
	tests := []struct {
		name string
		req  SettingsUpdateRequest
		want types.SettingsView
	}{
		{
			name: "gap corrected by raising medium",
			req:  SettingsUpdateRequest{QuietThreshold: intPtr(50), MediumThreshold: intPtr(55)},
			want: types.SettingsView{QuietThreshold: 50, MediumThreshold: 65},
		},
		{
			name: "gap corrected by lowering quiet at the top",
			req:  SettingsUpdateRequest{QuietThreshold: intPtr(250), MediumThreshold: intPtr(255)},
			want: types.SettingsView{QuietThreshold: 240, MediumThreshold: 255},
		},
		{
			name: "quiet only keeps stored medium",
			req:  SettingsUpdateRequest{QuietThreshold: intPtr(30)},
			want: types.SettingsView{QuietThreshold: 30, MediumThreshold: settings.DefaultMediumThreshold},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := settings.New(filepath.Join(t.TempDir(), "settings.json"))
			view, err := ApplySettingsUpdate(store, &tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.want.QuietThreshold, view.QuietThreshold)
			assert.Equal(t, tt.want.MediumThreshold, view.MediumThreshold)
			assert.Equal(t, view, store.Load().View())
		})
	}
}

func TestApplySettingsUpdateAlarmFields(t *testing.T) {
	store := settings.New(filepath.Join(t.TempDir(), "settings.json"))
	view, err := ApplySettingsUpdate(store, &SettingsUpdateRequest{
		AlarmSoundRef:     strPtr("https://example.com/alarm.wav"),
		AlarmDelaySeconds: intPtr(5),
		AlarmMessage:      strPtr("Shh"),
	})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/alarm.wav", view.AlarmSoundRef)
	assert.Equal(t, 5, view.AlarmDelaySeconds)
	assert.Equal(t, "Shh", view.AlarmMessage)
	assert.Equal(t, settings.DefaultQuietThreshold, view.QuietThreshold)
}

func TestApplySettingsUpdateRejectsOutOfRange(t *testing.T) {
	store := settings.New(filepath.Join(t.TempDir(), "settings.json"))
	_, err := ApplySettingsUpdate(store, &SettingsUpdateRequest{
		QuietThreshold:    intPtr(300),
		AlarmDelaySeconds: intPtr(31),
	})
	var verr *types.ValidationError
	require.ErrorAs(t, err, &verr)

	fields := make([]string, 0, len(verr.Errors))
	for _, e := range verr.Errors {
		fields = append(fields, e.Field)
	}
	assert.ElementsMatch(t, []string{"quiet_threshold", "alarm_delay_seconds"}, fields)
	assert.Equal(t, settings.Defaults().View(), store.Load().View())
}

func TestHandleSettingsCommands(t *testing.T) {
	h := newHarness(t)

	h.handle(t, "settings/get", nil)
	res := h.next(t)
	assert.Equal(t, "settings/get_result", res["type"])
	assert.Equal(t, true, res["success"])
	data := res["data"].(map[string]any)
	assert.InDelta(t, settings.DefaultQuietThreshold, data["quiet_threshold"], 0)
	h.waitUpdate(t)

	h.handle(t, "settings/update", map[string]any{"medium_threshold": 90})
	res = h.next(t)
	assert.Equal(t, true, res["success"])
	assert.Equal(t, 90, h.store.Load().Thresholds.Medium)

	h.handle(t, "settings/update", map[string]any{"alarm_delay_seconds": 0})
	res = h.next(t)
	assert.Equal(t, false, res["success"])
	verr := res["error"].(map[string]any)
	assert.Len(t, verr["errors"], 1)
}

func TestHandleMonitoringCommands(t *testing.T) {
	h := newHarness(t)

	h.handle(t, "monitoring/start", nil)
	res := h.next(t)
	assert.Equal(t, "monitoring/start_result", res["type"])
	assert.Equal(t, true, res["success"])
	h.waitUpdate(t)

	h.ctrl.mu.Lock()
	h.ctrl.startErr = monitor.ErrAlreadyMonitoring
	h.ctrl.mu.Unlock()
	h.handle(t, "monitoring/start", nil)
	res = h.next(t)
	assert.Equal(t, false, res["success"])
	assert.Equal(t, monitor.ErrAlreadyMonitoring.Error(), res["error"])
	h.waitUpdate(t)

	h.handle(t, "monitoring/stop", nil)
	res = h.next(t)
	assert.Equal(t, true, res["success"])
	h.waitUpdate(t)

	h.ctrl.mu.Lock()
	defer h.ctrl.mu.Unlock()
	assert.Equal(t, 2, h.ctrl.starts)
	assert.Equal(t, 1, h.ctrl.stops)
}

func TestHandleAlarmPreview(t *testing.T) {
	h := newHarness(t)

	h.handle(t, "alarm/preview", nil)
	assert.Equal(t, true, h.next(t)["success"])
	h.waitUpdate(t)

	h.ctrl.previewErr = monitor.ErrMonitoringActive
	h.handle(t, "alarm/preview", nil)
	res := h.next(t)
	assert.Equal(t, false, res["success"])
	assert.Equal(t, monitor.ErrMonitoringActive.Error(), res["error"])
	h.waitUpdate(t)

	h.handle(t, "alarm/preview-stop", nil)
	assert.Equal(t, true, h.next(t)["success"])
}

func TestHandleEventsView(t *testing.T) {
	h := newHarness(t)

	logger, err := eventlog.NewLogger(h.cfg.Snapshot().EventLogPath)
	require.NoError(t, err)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	logger.Record(monitor.Event{Type: monitor.EventMonitoringStarted, Time: base})
	logger.Record(monitor.Event{Type: monitor.EventAlarmTriggered, Time: base.Add(time.Second), Level: types.LevelNoisy})
	logger.Record(monitor.Event{Type: monitor.EventAlarmReleased, Time: base.Add(2 * time.Second), Level: types.LevelQuiet})
	require.NoError(t, logger.Close())

	h.handle(t, "events/view", map[string]any{"filter": "alarm", "limit": 1})
	res := h.next(t)
	require.Equal(t, true, res["success"], res)
	data := res["data"].(map[string]any)
	events := data["events"].([]any)
	require.Len(t, events, 1)
	assert.Equal(t, "alarm_released", events[0].(map[string]any)["type"])
	assert.Equal(t, true, data["has_more"])

	h.handle(t, "events/view", map[string]any{"filter": "bogus"})
	assert.Equal(t, false, h.next(t)["success"])
}

func TestHandleNotificationTestUnconfigured(t *testing.T) {
	h := newHarness(t)

	h.handle(t, "notifications/webhook/test", nil)
	res := h.next(t)
	assert.Equal(t, "test_result", res["type"])
	assert.Equal(t, "webhook", res["test_type"])
	assert.Equal(t, false, res["success"])
	assert.Contains(t, res["error"], "not configured")
}

func TestHandleRegenerateAPIKey(t *testing.T) {
	h := newHarness(t)

	h.handle(t, "system/regenerate-key", nil)
	res := h.next(t)
	require.Equal(t, true, res["success"])
	key := res["data"].(map[string]any)["api_key"].(string)
	assert.NotEmpty(t, key)
	assert.Equal(t, key, h.cfg.APIKey())
}

func TestHandleUnknownCommand(t *testing.T) {
	h := newHarness(t)
	h.handle(t, "bogus/thing", nil)
	h.waitUpdate(t)
	assert.Empty(t, h.send)
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name   string
		host   string
		origin string
		want   bool
	}{
		{"no origin", "monitor.local:8080", "", true},
		{"same host", "monitor.local:8080", "http://monitor.local:8080", true},
		{"localhost", "10.0.0.5:8080", "http://localhost:3000", true},
		{"private network", "monitor.example.com", "http://192.168.1.20", true},
		{"foreign", "monitor.local:8080", "https://evil.example.com", false},
		{"malformed", "monitor.local:8080", "http://%zz", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/ws", nil)
			r.Host = tt.host
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, checkOrigin(r))
		})
	}
}
