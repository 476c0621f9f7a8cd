package notify

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/oszuidwest/zwfm-noisemonitor/internal/config"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/monitor"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"))
}

// webhookRecorder collects payloads posted to a test server.
type webhookRecorder struct {
	mu       sync.Mutex
	payloads []WebhookPayload
	status   int
}

func (r *webhookRecorder) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, http.MethodPost, req.Method)
		assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
		assert.Equal(t, AppName, req.Header.Get("User-Agent"))

		var p WebhookPayload
		assert.NoError(t, json.NewDecoder(req.Body).Decode(&p))
		r.mu.Lock()
		r.payloads = append(r.payloads, p)
		status := r.status
		r.mu.Unlock()
		if status == 0 {
			status = http.StatusNoContent
		}
		w.WriteHeader(status)
	}
}

func (r *webhookRecorder) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.payloads))
	for _, p := range r.payloads {
		out = append(out, p.Event)
	}
	return out
}

func (r *webhookRecorder) last() WebhookPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.payloads[len(r.payloads)-1]
}

func newTestConfig(t *testing.T, webhookURL, logPath string) *config.Config {
	t.Helper()
	cfg := config.New(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, cfg.Load())
	require.NoError(t, cfg.SetWebhookURL(webhookURL))
	require.NoError(t, cfg.SetLogPath(logPath))
	return cfg
}

func readLogEntries(t *testing.T, path string) []types.AlarmLogEntry {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var entries []types.AlarmLogEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e types.AlarmLogEntry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		entries = append(entries, e)
	}
	require.NoError(t, scanner.Err())
	return entries
}

var triggeredAt = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

func triggered() monitor.Event {
	return monitor.Event{
		Type:    monitor.EventAlarmTriggered,
		Time:    triggeredAt,
		Level:   types.LevelNoisy,
		Volume:  92,
		Message: "Too loud!",
		Elapsed: 3600 * time.Millisecond,
	}
}

func released() monitor.Event {
	return monitor.Event{
		Type:    monitor.EventAlarmReleased,
		Time:    triggeredAt.Add(20 * time.Second),
		Level:   types.LevelQuiet,
		Elapsed: 10 * time.Second,
		Sounded: 20 * time.Second,
	}
}

func TestAlarmNotifierEpisode(t *testing.T) {
	rec := &webhookRecorder{}
	srv := httptest.NewServer(rec.handler(t))
	defer srv.Close()

	logPath := filepath.Join(t.TempDir(), "alarms.jsonl")
	n := NewAlarmNotifier(newTestConfig(t, srv.URL, logPath), nil)

	n.HandleEvent(triggered())
	n.HandleEvent(triggered()) // same episode, no duplicates
	n.Wait()
	require.Equal(t, []string{eventAlarmTriggered}, rec.events())

	start := rec.last()
	assert.Equal(t, config.DefaultStationName, start.Station)
	assert.Equal(t, types.LevelNoisy, start.Level)
	assert.InDelta(t, 92, start.Volume, 0.001)
	assert.Equal(t, "Too loud!", start.Message)
	assert.Equal(t, int64(3600), start.NoisyForMs)
	assert.Equal(t, "2026-03-01T09:30:00Z", start.Timestamp)
	assert.NotEmpty(t, start.EpisodeID)

	n.HandleEvent(released())
	n.Wait()
	require.Equal(t, []string{eventAlarmTriggered, eventAlarmReleased}, rec.events())

	end := rec.last()
	assert.Equal(t, start.EpisodeID, end.EpisodeID)
	assert.Equal(t, int64(10000), end.QuietForMs)
	assert.Equal(t, int64(20000), end.SoundedMs)

	entries := readLogEntries(t, logPath)
	require.Len(t, entries, 2)
	assert.Equal(t, eventAlarmTriggered, entries[0].Event)
	assert.Equal(t, int64(3600), entries[0].DurationMs)
	assert.Equal(t, eventAlarmReleased, entries[1].Event)
	assert.Equal(t, int64(20000), entries[1].DurationMs)
	assert.Equal(t, entries[0].EpisodeID, entries[1].EpisodeID)

	// A new episode gets a new ID.
	n.HandleEvent(triggered())
	n.Wait()
	assert.NotEqual(t, start.EpisodeID, rec.last().EpisodeID)
}

func TestAlarmNotifierReleaseOnlyAfterTrigger(t *testing.T) {
	rec := &webhookRecorder{}
	srv := httptest.NewServer(rec.handler(t))
	defer srv.Close()

	n := NewAlarmNotifier(newTestConfig(t, srv.URL, ""), nil)
	n.HandleEvent(released())
	n.Wait()
	assert.Empty(t, rec.events())
}

func TestAlarmNotifierStopEndsEpisodeSilently(t *testing.T) {
	rec := &webhookRecorder{}
	srv := httptest.NewServer(rec.handler(t))
	defer srv.Close()

	n := NewAlarmNotifier(newTestConfig(t, srv.URL, ""), nil)
	n.HandleEvent(triggered())
	n.HandleEvent(monitor.Event{Type: monitor.EventMonitoringStopped, Time: triggeredAt})
	n.HandleEvent(released())
	n.Wait()
	assert.Equal(t, []string{eventAlarmTriggered}, rec.events())
}

func TestAlarmNotifierCaptureError(t *testing.T) {
	rec := &webhookRecorder{}
	srv := httptest.NewServer(rec.handler(t))
	defer srv.Close()

	n := NewAlarmNotifier(newTestConfig(t, srv.URL, ""), nil)
	n.HandleEvent(monitor.Event{
		Type: monitor.EventCaptureError,
		Time: triggeredAt,
		Err:  types.NewCaptureError(types.ErrDeviceNotFound, nil),
	})
	n.Wait()

	require.Equal(t, []string{eventCaptureError}, rec.events())
	p := rec.last()
	assert.Equal(t, types.LevelError, p.Level)
	assert.Equal(t, types.ErrDeviceNotFound, p.ErrorKind)
	assert.Contains(t, p.Error, "No microphone found")
}

func TestAlarmNotifierIgnoresUnconfiguredChannels(t *testing.T) {
	n := NewAlarmNotifier(newTestConfig(t, "", ""), nil)
	n.HandleEvent(triggered())
	n.HandleEvent(monitor.Event{Type: monitor.EventLevelChanged, Level: types.LevelMedium})
	n.HandleEvent(released())
	n.Wait()

	n.mu.Lock()
	defer n.mu.Unlock()
	assert.False(t, n.webhookSent)
	assert.False(t, n.logSent)
}

func TestSendTestWebhook(t *testing.T) {
	t.Run("delivers", func(t *testing.T) {
		rec := &webhookRecorder{}
		srv := httptest.NewServer(rec.handler(t))
		defer srv.Close()

		require.NoError(t, SendTestWebhook(t.Context(), srv.URL, "Studio"))
		p := rec.last()
		assert.Equal(t, eventTest, p.Event)
		assert.Equal(t, "Studio", p.Station)
	})

	t.Run("not configured", func(t *testing.T) {
		assert.Error(t, SendTestWebhook(t.Context(), "", "Studio"))
	})

	t.Run("error status", func(t *testing.T) {
		rec := &webhookRecorder{status: http.StatusBadGateway}
		srv := httptest.NewServer(rec.handler(t))
		defer srv.Close()

		err := SendTestWebhook(t.Context(), srv.URL, "Studio")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "502")
	})
}

func TestWriteTestLog(t *testing.T) {
	assert.Error(t, WriteTestLog(""))

	path := filepath.Join(t.TempDir(), "alarms.jsonl")
	require.NoError(t, WriteTestLog(path))
	require.NoError(t, WriteTestLog(path))

	entries := readLogEntries(t, path)
	require.Len(t, entries, 2)
	assert.Equal(t, eventTest, entries[0].Event)
}
